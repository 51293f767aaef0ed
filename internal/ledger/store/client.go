// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store implements the shared-store side of the quota ledger: the
// counter store (confirmed and pending counters mutated through atomic Lua
// scripts), the per-family staleness tracker, and the cross-replica named
// lock provider. All state lives in the shared store; this package keeps no
// authoritative in-process state.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Client abstracts the minimal surface we need from a Redis client.
// Implementations may wrap github.com/redis/go-redis/v9 or any equivalent.
//
// Eval returns (nil, nil) when the script evaluates to false/nil, so callers
// can treat a nil reply as "miss" without knowing the client's sentinel error.
type Client interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	// Get returns the value and true, or ("", false, nil) when the key is absent.
	Get(ctx context.Context, key string) (string, bool, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// GoRedisClient adapts a go-redis client to the Client interface.
// Cmdable covers single-node, cluster, and ring clients alike.
type GoRedisClient struct{ c redis.Cmdable }

// NewGoRedisClient wraps an already-configured go-redis client.
func NewGoRedisClient(c redis.Cmdable) *GoRedisClient { return &GoRedisClient{c: c} }

func (g *GoRedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	res, err := g.c.Eval(ctx, script, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (g *GoRedisClient) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := g.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (g *GoRedisClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return g.c.SetNX(ctx, key, value, ttl).Result()
}

// replyInt64 converts a script reply element to int64. Redis returns Lua
// numbers as int64 and bulk strings as string; anything else is a protocol
// surprise worth surfacing.
func replyInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		var parsed int64
		if _, err := fmt.Sscan(n, &parsed); err != nil {
			return 0, fmt.Errorf("non-numeric script reply %q", n)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("unexpected script reply type %T", v)
	}
}
