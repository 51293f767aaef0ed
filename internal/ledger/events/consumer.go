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

package events

import "context"

// Consumer delivers raw event payloads to a handler until the context is
// canceled. Implementations decide ordering and redelivery; the sink only
// requires that events for one entity are not handled concurrently with
// each other, which the per-entity lock enforces regardless.
type Consumer interface {
	Consume(ctx context.Context, handle func(ctx context.Context, value []byte) error) error
}

// ChannelConsumer is an in-process Consumer backed by a buffered channel.
// It serves single-binary deployments and tests; swapping in a broker-backed
// consumer only requires satisfying the Consumer interface.
type ChannelConsumer struct {
	ch chan []byte
}

func NewChannelConsumer(buffer int) *ChannelConsumer {
	return &ChannelConsumer{ch: make(chan []byte, buffer)}
}

// Publish enqueues one payload. It blocks when the buffer is full so
// producers back-pressure instead of dropping events.
func (c *ChannelConsumer) Publish(ctx context.Context, value []byte) error {
	select {
	case c.ch <- value:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ChannelConsumer) Consume(ctx context.Context, handle func(ctx context.Context, value []byte) error) error {
	for {
		select {
		case value := <-c.ch:
			if err := handle(ctx, value); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
