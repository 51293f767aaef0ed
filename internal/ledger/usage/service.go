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

// Package usage is the public façade of the quota ledger. Reads resolve
// through cache-hit → lock → re-check → rehydrate; reservations and
// releases go straight to the pending counters. The service holds no state
// of its own: everything lives in the shared store and the source of truth.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"orgquota/internal/ledger/persistence"
	"orgquota/internal/ledger/quota"
	"orgquota/internal/ledger/store"
	"orgquota/internal/ledger/telemetry"
)

// CounterStore is the slice of the counter store the façade needs.
type CounterStore interface {
	GetFamily(ctx context.Context, organizationID string, f quota.Family) (map[quota.Kind]int64, bool, error)
	GetSandboxDualView(ctx context.Context, organizationID string) (map[quota.Kind]int64, map[quota.Kind]*int64, bool, error)
	GetPending(ctx context.Context, organizationID string) (map[quota.Kind]*int64, error)
	SetRehydrated(ctx context.Context, organizationID string, f quota.Family, values map[quota.Kind]int64) error
	IncrementPending(ctx context.Context, organizationID string, amounts map[quota.Kind]int64) (map[quota.Kind]int64, error)
	DecrementPending(ctx context.Context, organizationID string, amounts map[quota.Kind]int64) error
}

// LockProvider is the named-lock surface used to serialize rehydrates.
// WaitForLock returns the owner token to pass back to Unlock.
type LockProvider interface {
	WaitForLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	Unlock(ctx context.Context, key, owner string) error
}

// ProjectionSource is the read path to the source of truth.
type ProjectionSource interface {
	FetchSandboxUsage(ctx context.Context, organizationID string) (persistence.SandboxUsage, error)
	FetchSnapshotCount(ctx context.Context, organizationID string) (int64, error)
	FetchVolumeCount(ctx context.Context, organizationID string) (int64, error)
	GetSandbox(ctx context.Context, sandboxID string) (*persistence.SandboxProjection, error)
	GetOrganization(ctx context.Context, organizationID string) (*persistence.Organization, error)
}

// DefaultFetchLockTTL bounds how long a crashed rehydrate can block its
// family. Rehydrates are one aggregation query plus one script, so a minute
// is generous.
const DefaultFetchLockTTL = time.Minute

// Service answers usage-overview queries and manages pending reservations.
type Service struct {
	store        CounterStore
	locks        LockProvider
	source       ProjectionSource
	log          *zap.Logger
	fetchLockTTL time.Duration
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithFetchLockTTL overrides the rehydrate lock TTL.
func WithFetchLockTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.fetchLockTTL = ttl }
}

// NewService wires the façade. A nil logger is replaced with a no-op.
func NewService(counters CounterStore, locks LockProvider, source ProjectionSource, log *zap.Logger, opts ...ServiceOption) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:        counters,
		locks:        locks,
		source:       source,
		log:          log,
		fetchLockTTL: DefaultFetchLockTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetUsageOverview merges the organization's quota limits with current
// usage for all three families. The caller may pass an already-loaded
// organization to skip the lookup; its id must match.
func (s *Service) GetUsageOverview(ctx context.Context, organizationID string, org *persistence.Organization) (*OrganizationUsageOverview, error) {
	if org != nil && org.ID != organizationID {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrOrganizationMismatch, org.ID, organizationID)
	}
	if org == nil {
		loaded, err := s.source.GetOrganization(ctx, organizationID)
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			return nil, fmt.Errorf("%w: %s", ErrOrganizationNotFound, organizationID)
		}
		org = loaded
	}

	sandbox, err := s.GetSandboxUsageOverview(ctx, organizationID, "")
	if err != nil {
		return nil, err
	}
	snapshots, err := s.GetSnapshotUsageOverview(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	volumes, err := s.GetVolumeUsageOverview(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return &OrganizationUsageOverview{
		TotalCPUQuota:        org.CPUQuota,
		TotalMemoryQuota:     org.MemoryQuota,
		TotalDiskQuota:       org.DiskQuota,
		TotalSnapshotQuota:   org.SnapshotQuota,
		TotalVolumeQuota:     org.VolumeQuota,
		CurrentCPUUsage:      sandbox.CurrentCPUUsage,
		CurrentMemoryUsage:   sandbox.CurrentMemoryUsage,
		CurrentDiskUsage:     sandbox.CurrentDiskUsage,
		CurrentSnapshotUsage: snapshots.CurrentSnapshotUsage,
		CurrentVolumeUsage:   volumes.CurrentVolumeUsage,
	}, nil
}

// GetSandboxUsageOverview returns confirmed cpu/memory/disk usage. When
// excludeSandboxID is set, that sandbox's contribution (per its current
// state) is subtracted, clamped at zero — callers preview "usage as if this
// sandbox contributed nothing" before adding proposed new figures.
func (s *Service) GetSandboxUsageOverview(ctx context.Context, organizationID, excludeSandboxID string) (*SandboxUsageOverview, error) {
	current, err := s.sandboxUsage(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	overview := &SandboxUsageOverview{
		CurrentCPUUsage:    current.CPU,
		CurrentMemoryUsage: current.Mem,
		CurrentDiskUsage:   current.Disk,
	}
	if excludeSandboxID != "" {
		if err := s.applyExclusion(ctx, organizationID, excludeSandboxID, overview); err != nil {
			return nil, err
		}
	}
	return overview, nil
}

// GetSandboxUsageOverviewWithPending returns confirmed usage together with
// the pending reservations. The cache path reads all six keys in one script
// so the view is never torn; exclusion adjusts only the confirmed values.
func (s *Service) GetSandboxUsageOverviewWithPending(ctx context.Context, organizationID, excludeSandboxID string) (*SandboxUsageOverviewWithPending, error) {
	confirmed, pending, ok, err := s.store.GetSandboxDualView(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	var overview SandboxUsageOverviewWithPending
	if ok {
		telemetry.RecordCacheHit(quota.FamilySandbox)
		overview.CurrentCPUUsage = confirmed[quota.KindCPU]
		overview.CurrentMemoryUsage = confirmed[quota.KindMemory]
		overview.CurrentDiskUsage = confirmed[quota.KindDisk]
	} else {
		telemetry.RecordCacheMiss(quota.FamilySandbox)
		current, err := s.sandboxUsageSlow(ctx, organizationID)
		if err != nil {
			return nil, err
		}
		overview.CurrentCPUUsage = current.CPU
		overview.CurrentMemoryUsage = current.Mem
		overview.CurrentDiskUsage = current.Disk
		if pending, err = s.store.GetPending(ctx, organizationID); err != nil {
			return nil, err
		}
	}
	overview.PendingCPUUsage = pending[quota.KindCPU]
	overview.PendingMemoryUsage = pending[quota.KindMemory]
	overview.PendingDiskUsage = pending[quota.KindDisk]

	if excludeSandboxID != "" {
		if err := s.applyExclusion(ctx, organizationID, excludeSandboxID, &overview.SandboxUsageOverview); err != nil {
			return nil, err
		}
	}
	return &overview, nil
}

// GetSnapshotUsageOverview returns the confirmed snapshot count.
func (s *Service) GetSnapshotUsageOverview(ctx context.Context, organizationID string) (*SnapshotUsageOverview, error) {
	count, err := s.countUsage(ctx, organizationID, quota.FamilySnapshot, quota.KindSnapshotCount, s.source.FetchSnapshotCount)
	if err != nil {
		return nil, err
	}
	return &SnapshotUsageOverview{CurrentSnapshotUsage: count}, nil
}

// GetVolumeUsageOverview returns the confirmed volume count.
func (s *Service) GetVolumeUsageOverview(ctx context.Context, organizationID string) (*VolumeUsageOverview, error) {
	count, err := s.countUsage(ctx, organizationID, quota.FamilyVolume, quota.KindVolumeCount, s.source.FetchVolumeCount)
	if err != nil {
		return nil, err
	}
	return &VolumeUsageOverview{CurrentVolumeUsage: count}, nil
}

// IncrementPendingSandboxUsage reserves headroom ahead of a sandbox create
// or resize. When excludeSandboxID names a sandbox whose current state
// already consumes a kind, that kind is skipped — its resources are already
// counted in confirmed usage. The result reports which kinds were touched.
func (s *Service) IncrementPendingSandboxUsage(ctx context.Context, organizationID string, cpu, mem, disk int64, excludeSandboxID string) (*PendingIncrementResult, error) {
	amounts := map[quota.Kind]int64{
		quota.KindCPU:    cpu,
		quota.KindMemory: mem,
		quota.KindDisk:   disk,
	}
	if excludeSandboxID != "" {
		sb, err := s.source.GetSandbox(ctx, excludeSandboxID)
		if err != nil {
			return nil, err
		}
		if sb != nil && sb.OrganizationID == organizationID {
			if quota.ConsumesCompute(sb.State) {
				delete(amounts, quota.KindCPU)
				delete(amounts, quota.KindMemory)
			}
			if quota.ConsumesDisk(sb.State) {
				delete(amounts, quota.KindDisk)
			}
		}
	}
	if len(amounts) > 0 {
		if _, err := s.store.IncrementPending(ctx, organizationID, amounts); err != nil {
			return nil, err
		}
		telemetry.RecordPendingIncrement()
	}
	result := &PendingIncrementResult{}
	_, result.CPUIncremented = amounts[quota.KindCPU]
	_, result.MemoryIncremented = amounts[quota.KindMemory]
	_, result.DiskIncremented = amounts[quota.KindDisk]
	return result, nil
}

// DecrementPendingSandboxUsage releases a reservation. Only supplied kinds
// are decremented; pass nil for kinds the caller never incremented.
func (s *Service) DecrementPendingSandboxUsage(ctx context.Context, organizationID string, cpu, mem, disk *int64) error {
	amounts := make(map[quota.Kind]int64, 3)
	if cpu != nil {
		amounts[quota.KindCPU] = *cpu
	}
	if mem != nil {
		amounts[quota.KindMemory] = *mem
	}
	if disk != nil {
		amounts[quota.KindDisk] = *disk
	}
	if len(amounts) == 0 {
		return nil
	}
	if err := s.store.DecrementPending(ctx, organizationID, amounts); err != nil {
		return err
	}
	telemetry.RecordPendingDecrement()
	return nil
}

// sandboxUsage resolves the confirmed sandbox family: cache, then the slow
// path behind the family's fetch lock.
func (s *Service) sandboxUsage(ctx context.Context, organizationID string) (persistence.SandboxUsage, error) {
	values, ok, err := s.store.GetFamily(ctx, organizationID, quota.FamilySandbox)
	if err != nil {
		return persistence.SandboxUsage{}, err
	}
	if ok {
		telemetry.RecordCacheHit(quota.FamilySandbox)
		return sandboxUsageFromMap(values), nil
	}
	telemetry.RecordCacheMiss(quota.FamilySandbox)
	return s.sandboxUsageSlow(ctx, organizationID)
}

// sandboxUsageSlow acquires the fetch lock, re-checks the cache (another
// writer may have rehydrated while we waited), and rehydrates. On lock
// timeout it reads the source of truth directly without caching, so a
// straggler cannot clobber a healthy holder's rehydrate.
func (s *Service) sandboxUsageSlow(ctx context.Context, organizationID string) (persistence.SandboxUsage, error) {
	lockKey := quota.FetchLockKey(organizationID, quota.FamilySandbox)
	owner, err := s.locks.WaitForLock(ctx, lockKey, s.fetchLockTTL)
	if err != nil {
		if errors.Is(err, store.ErrLockTimeout) {
			telemetry.RecordLockTimeout()
			s.log.Warn("fetch lock timed out, reading source of truth uncached",
				zap.String("organization", organizationID),
				zap.String("family", string(quota.FamilySandbox)))
			return s.source.FetchSandboxUsage(ctx, organizationID)
		}
		return persistence.SandboxUsage{}, err
	}
	defer s.unlock(ctx, lockKey, owner)

	values, ok, err := s.store.GetFamily(ctx, organizationID, quota.FamilySandbox)
	if err != nil {
		return persistence.SandboxUsage{}, err
	}
	if ok {
		return sandboxUsageFromMap(values), nil
	}

	start := time.Now()
	fresh, err := s.source.FetchSandboxUsage(ctx, organizationID)
	if err != nil {
		return persistence.SandboxUsage{}, err
	}
	err = s.store.SetRehydrated(ctx, organizationID, quota.FamilySandbox, map[quota.Kind]int64{
		quota.KindCPU:    fresh.CPU,
		quota.KindMemory: fresh.Mem,
		quota.KindDisk:   fresh.Disk,
	})
	if err != nil {
		return persistence.SandboxUsage{}, err
	}
	telemetry.ObserveRehydrate(quota.FamilySandbox, time.Since(start))
	return fresh, nil
}

// countUsage is sandboxUsage for the single-counter families.
func (s *Service) countUsage(ctx context.Context, organizationID string, f quota.Family, kind quota.Kind, fetch func(context.Context, string) (int64, error)) (int64, error) {
	values, ok, err := s.store.GetFamily(ctx, organizationID, f)
	if err != nil {
		return 0, err
	}
	if ok {
		telemetry.RecordCacheHit(f)
		return values[kind], nil
	}
	telemetry.RecordCacheMiss(f)

	lockKey := quota.FetchLockKey(organizationID, f)
	owner, err := s.locks.WaitForLock(ctx, lockKey, s.fetchLockTTL)
	if err != nil {
		if errors.Is(err, store.ErrLockTimeout) {
			telemetry.RecordLockTimeout()
			s.log.Warn("fetch lock timed out, reading source of truth uncached",
				zap.String("organization", organizationID),
				zap.String("family", string(f)))
			return fetch(ctx, organizationID)
		}
		return 0, err
	}
	defer s.unlock(ctx, lockKey, owner)

	values, ok, err = s.store.GetFamily(ctx, organizationID, f)
	if err != nil {
		return 0, err
	}
	if ok {
		return values[kind], nil
	}

	start := time.Now()
	count, err := fetch(ctx, organizationID)
	if err != nil {
		return 0, err
	}
	if err := s.store.SetRehydrated(ctx, organizationID, f, map[quota.Kind]int64{kind: count}); err != nil {
		return 0, err
	}
	telemetry.ObserveRehydrate(f, time.Since(start))
	return count, nil
}

// applyExclusion subtracts the named sandbox's contribution from the
// overview, based on its current state's membership in the consume-sets.
// A sandbox that is unknown or belongs to another organization contributes
// nothing. Results are clamped at zero.
func (s *Service) applyExclusion(ctx context.Context, organizationID, sandboxID string, overview *SandboxUsageOverview) error {
	sb, err := s.source.GetSandbox(ctx, sandboxID)
	if err != nil {
		return err
	}
	if sb == nil || sb.OrganizationID != organizationID {
		return nil
	}
	if quota.ConsumesCompute(sb.State) {
		overview.CurrentCPUUsage = clampZero(overview.CurrentCPUUsage - sb.CPU)
		overview.CurrentMemoryUsage = clampZero(overview.CurrentMemoryUsage - sb.Mem)
	}
	if quota.ConsumesDisk(sb.State) {
		overview.CurrentDiskUsage = clampZero(overview.CurrentDiskUsage - sb.Disk)
	}
	return nil
}

func (s *Service) unlock(ctx context.Context, key, owner string) {
	if err := s.locks.Unlock(ctx, key, owner); err != nil {
		s.log.Warn("failed to release fetch lock", zap.String("key", key), zap.Error(err))
	}
}

func sandboxUsageFromMap(values map[quota.Kind]int64) persistence.SandboxUsage {
	return persistence.SandboxUsage{
		CPU:  values[quota.KindCPU],
		Mem:  values[quota.KindMemory],
		Disk: values[quota.KindDisk],
	}
}

func clampZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
