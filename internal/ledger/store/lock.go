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

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLockTimeout is returned when a lock could not be acquired within the
// provider's bounded wait. Callers may retry or fall back to an uncached
// read of the source of truth.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// errLockHeld is the internal retry signal while the key is held elsewhere.
var errLockHeld = errors.New("lock held")

// unlockScript releases a lock only if the caller still owns it. A lock
// whose TTL expired may have been reacquired by another replica; deleting
// it blindly would release someone else's critical section.
const unlockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

const (
	defaultLockAttempts   = 40
	defaultLockRetryDelay = 50 * time.Millisecond
	defaultLockMaxDelay   = time.Second
)

// LockProvider is a named mutex over the shared store, effective across
// process replicas. Acquisition is SET NX with a TTL so a crashed holder
// cannot deadlock its peers; release is owner-checked.
type LockProvider struct {
	client     Client
	log        *zap.Logger
	attempts   uint
	retryDelay time.Duration
	maxDelay   time.Duration
}

// LockOption customizes a LockProvider.
type LockOption func(*LockProvider)

// WithLockWait bounds acquisition: attempts retries starting at delay with
// exponential backoff capped at maxDelay.
func WithLockWait(attempts uint, delay, maxDelay time.Duration) LockOption {
	return func(p *LockProvider) {
		p.attempts = attempts
		p.retryDelay = delay
		p.maxDelay = maxDelay
	}
}

// NewLockProvider builds a provider. A nil logger is replaced with a no-op.
func NewLockProvider(client Client, log *zap.Logger, opts ...LockOption) *LockProvider {
	if log == nil {
		log = zap.NewNop()
	}
	p := &LockProvider{
		client:     client,
		log:        log,
		attempts:   defaultLockAttempts,
		retryDelay: defaultLockRetryDelay,
		maxDelay:   defaultLockMaxDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WaitForLock blocks until the named lock is acquired or the bounded wait is
// exhausted, in which case it returns ErrLockTimeout. The lock auto-expires
// after ttl. Store errors and context cancellation abort the wait early.
//
// On success it returns the owner token identifying this acquisition; the
// caller passes it to Unlock. Ownership travels with the token rather than
// with the key, so a holder whose lock expired and was reacquired — even
// within the same process — cannot release the new holder's lock.
func (p *LockProvider) WaitForLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	owner := uuid.NewString()
	// termErr carries non-contention failures (store down, context gone) out
	// of the retry loop untouched, so callers can errors.Is-match them.
	var termErr error
	err := retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				termErr = err
				return retry.Unrecoverable(err)
			}
			ok, err := p.client.SetNX(ctx, key, owner, ttl)
			if err != nil {
				termErr = fmt.Errorf("acquire lock %s: %w", key, err)
				return retry.Unrecoverable(err)
			}
			if !ok {
				return errLockHeld
			}
			return nil
		},
		retry.Attempts(p.attempts),
		retry.Delay(p.retryDelay),
		retry.MaxDelay(p.maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if termErr != nil {
			return "", termErr
		}
		return "", fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
	return owner, nil
}

// Unlock releases the named lock using the owner token from WaitForLock.
// A lock that already expired, was released, or was reassigned to another
// owner is left untouched; the release is then a logged no-op.
func (p *LockProvider) Unlock(ctx context.Context, key, owner string) error {
	res, err := p.client.Eval(ctx, unlockScript, []string{key}, owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if n, convErr := replyInt64(res); convErr == nil && n == 0 {
		p.log.Warn("lock already released or reassigned", zap.String("key", key))
	}
	return nil
}
