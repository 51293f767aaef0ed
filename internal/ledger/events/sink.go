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

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"orgquota/internal/ledger/quota"
	"orgquota/internal/ledger/telemetry"
)

// DefaultEntityLockTTL bounds how long a crashed handler can pin an entity
// lock before it self-expires.
const DefaultEntityLockTTL = 30 * time.Second

// CounterWriter is the slice of the counter store the sink mutates.
type CounterWriter interface {
	ApplyDelta(ctx context.Context, organizationID string, kind quota.Kind, delta int64) (bool, error)
}

// Locker serializes handlers per entity. WaitForLock returns the owner
// token to pass back to Unlock.
type Locker interface {
	WaitForLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	Unlock(ctx context.Context, key, owner string) error
}

// Sink turns lifecycle events into signed counter deltas. All failures are
// logged at WARN and swallowed: a missed delta only under-counts, and the
// staleness deadline forces a corrective rehydrate.
type Sink struct {
	counters CounterWriter
	locks    Locker
	log      *zap.Logger
	lockTTL  time.Duration
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithEntityLockTTL overrides DefaultEntityLockTTL.
func WithEntityLockTTL(ttl time.Duration) SinkOption {
	return func(s *Sink) { s.lockTTL = ttl }
}

func NewSink(counters CounterWriter, locks Locker, log *zap.Logger, opts ...SinkOption) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sink{counters: counters, locks: locks, log: log, lockTTL: DefaultEntityLockTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run consumes events until ctx is canceled.
func (s *Sink) Run(ctx context.Context, consumer Consumer) error {
	return consumer.Consume(ctx, s.Handle)
}

// Handle decodes and dispatches one event. It never returns an error for
// handler failures, only for context cancellation, so a poisoned message
// cannot stall the stream.
func (s *Sink) Handle(ctx context.Context, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		telemetry.RecordEventError()
		s.log.Warn("discarding undecodable event", zap.Error(err))
		return nil
	}
	if err := s.dispatch(ctx, &env); err != nil {
		telemetry.RecordEventError()
		s.log.Warn("event handler failed",
			zap.String("kind", env.Kind),
			zap.Error(err))
	}
	return nil
}

func (s *Sink) dispatch(ctx context.Context, env *Envelope) error {
	switch env.Kind {
	case KindSandboxCreated:
		if env.Sandbox == nil {
			return fmt.Errorf("%s: missing sandbox payload", env.Kind)
		}
		return s.handleSandboxCreated(ctx, env.Sandbox)
	case KindSandboxStateUpdated:
		if env.Sandbox == nil {
			return fmt.Errorf("%s: missing sandbox payload", env.Kind)
		}
		return s.handleSandboxStateUpdated(ctx, env.Sandbox)
	case KindSnapshotCreated:
		if env.Snapshot == nil {
			return fmt.Errorf("%s: missing snapshot payload", env.Kind)
		}
		return s.withEntityLock(ctx, quota.FamilySnapshot, env.Snapshot.ID, func(ctx context.Context) error {
			return s.applyDeltas(ctx, env.Snapshot.OrganizationID, map[quota.Kind]int64{
				quota.KindSnapshotCount: 1,
			})
		})
	case KindSnapshotStateUpdated:
		if env.Snapshot == nil {
			return fmt.Errorf("%s: missing snapshot payload", env.Kind)
		}
		return s.handleSnapshotStateUpdated(ctx, env.Snapshot)
	case KindVolumeCreated:
		if env.Volume == nil {
			return fmt.Errorf("%s: missing volume payload", env.Kind)
		}
		return s.withEntityLock(ctx, quota.FamilyVolume, env.Volume.ID, func(ctx context.Context) error {
			return s.applyDeltas(ctx, env.Volume.OrganizationID, map[quota.Kind]int64{
				quota.KindVolumeCount: 1,
			})
		})
	case KindVolumeStateUpdated:
		if env.Volume == nil {
			return fmt.Errorf("%s: missing volume payload", env.Kind)
		}
		return s.handleVolumeStateUpdated(ctx, env.Volume)
	default:
		return fmt.Errorf("unknown event kind %q", env.Kind)
	}
}

// A newly created sandbox is consuming by definition, so all three kinds go
// up unconditionally. Positive deltas also settle any matching pending
// reservation inside the same script.
func (s *Sink) handleSandboxCreated(ctx context.Context, ev *SandboxEvent) error {
	return s.withEntityLock(ctx, quota.FamilySandbox, ev.ID, func(ctx context.Context) error {
		return s.applyDeltas(ctx, ev.OrganizationID, map[quota.Kind]int64{
			quota.KindCPU:    ev.CPU,
			quota.KindMemory: ev.Mem,
			quota.KindDisk:   ev.Disk,
		})
	})
}

func (s *Sink) handleSandboxStateUpdated(ctx context.Context, ev *SandboxEvent) error {
	return s.withEntityLock(ctx, quota.FamilySandbox, ev.ID, func(ctx context.Context) error {
		return s.applyDeltas(ctx, ev.OrganizationID, map[quota.Kind]int64{
			quota.KindCPU:    quota.CalculateDelta(ev.CPU, ev.OldState, ev.NewState, quota.ConsumesCompute),
			quota.KindMemory: quota.CalculateDelta(ev.Mem, ev.OldState, ev.NewState, quota.ConsumesCompute),
			quota.KindDisk:   quota.CalculateDelta(ev.Disk, ev.OldState, ev.NewState, quota.ConsumesDisk),
		})
	})
}

func (s *Sink) handleSnapshotStateUpdated(ctx context.Context, ev *SnapshotEvent) error {
	return s.withEntityLock(ctx, quota.FamilySnapshot, ev.ID, func(ctx context.Context) error {
		return s.applyDeltas(ctx, ev.OrganizationID, map[quota.Kind]int64{
			quota.KindSnapshotCount: quota.CalculateDelta(1, ev.OldState, ev.NewState, quota.SnapshotCounts),
		})
	})
}

func (s *Sink) handleVolumeStateUpdated(ctx context.Context, ev *VolumeEvent) error {
	return s.withEntityLock(ctx, quota.FamilyVolume, ev.ID, func(ctx context.Context) error {
		return s.applyDeltas(ctx, ev.OrganizationID, map[quota.Kind]int64{
			quota.KindVolumeCount: quota.CalculateDelta(1, ev.OldState, ev.NewState, quota.VolumeCounts),
		})
	})
}

// withEntityLock serializes mutations per entity. Without it, two handlers
// comparing was/is against an intermediate state could double-count.
func (s *Sink) withEntityLock(ctx context.Context, f quota.Family, entityID string, fn func(ctx context.Context) error) error {
	key := quota.EntityLockKey(f, entityID)
	owner, err := s.locks.WaitForLock(ctx, key, s.lockTTL)
	if err != nil {
		return fmt.Errorf("entity lock %s: %w", key, err)
	}
	defer func() {
		if err := s.locks.Unlock(context.WithoutCancel(ctx), key, owner); err != nil {
			s.log.Warn("entity unlock failed", zap.String("key", key), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// applyDeltas writes the non-zero deltas in canonical kind order. Zero
// deltas are skipped entirely, so a same-state transition touches nothing.
func (s *Sink) applyDeltas(ctx context.Context, organizationID string, deltas map[quota.Kind]int64) error {
	for _, kind := range orderedKinds(deltas) {
		delta := deltas[kind]
		if delta == 0 {
			continue
		}
		applied, err := s.counters.ApplyDelta(ctx, organizationID, kind, delta)
		if err != nil {
			return fmt.Errorf("apply %s %+d: %w", kind, delta, err)
		}
		if applied {
			telemetry.RecordEventDelta(kind.Family())
		}
	}
	return nil
}

func orderedKinds(deltas map[quota.Kind]int64) []quota.Kind {
	ordered := make([]quota.Kind, 0, len(deltas))
	for _, kind := range []quota.Kind{
		quota.KindCPU, quota.KindMemory, quota.KindDisk,
		quota.KindSnapshotCount, quota.KindVolumeCount,
	} {
		if _, ok := deltas[kind]; ok {
			ordered = append(ordered, kind)
		}
	}
	return ordered
}
