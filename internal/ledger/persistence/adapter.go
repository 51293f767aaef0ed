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

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"orgquota/internal/ledger/quota"
)

// Projection schema (reference — owned by the platform, read-only here):
//
// CREATE TABLE organizations (
//   id             TEXT PRIMARY KEY,
//   cpu_quota      BIGINT NOT NULL,
//   memory_quota   BIGINT NOT NULL,
//   disk_quota     BIGINT NOT NULL,
//   snapshot_quota BIGINT NOT NULL,
//   volume_quota   BIGINT NOT NULL
// );
//
// CREATE TABLE sandboxes (
//   id              TEXT PRIMARY KEY,
//   organization_id TEXT NOT NULL,
//   state           TEXT NOT NULL,
//   cpu             BIGINT NOT NULL,
//   mem             BIGINT NOT NULL,
//   disk            BIGINT NOT NULL
// );
// CREATE INDEX idx_sandboxes_org ON sandboxes(organization_id);
//
// CREATE TABLE snapshots (
//   id              TEXT PRIMARY KEY,
//   organization_id TEXT NOT NULL,
//   state           TEXT NOT NULL
// );
// CREATE INDEX idx_snapshots_org ON snapshots(organization_id);
//
// CREATE TABLE volumes: as snapshots.

// Adapter aggregates usage from the relational projection. Each family is
// one query; state-set membership is pushed into SQL so the database scans
// an organization's rows exactly once per rehydrate.
type Adapter struct {
	db *sql.DB
	// Per-call timeout fallback if ctx has no deadline.
	defaultTimeout time.Duration
}

// NewAdapter wraps an open database handle.
func NewAdapter(db *sql.DB) *Adapter {
	return &Adapter{db: db, defaultTimeout: 10 * time.Second}
}

// FetchSandboxUsage aggregates cpu/mem over the compute consume-set and
// disk over the disk consume-set in a single pass. Organizations with no
// sandboxes aggregate to zero.
func (a *Adapter) FetchSandboxUsage(ctx context.Context, organizationID string) (SandboxUsage, error) {
	ctx, cancel := a.boundCtx(ctx)
	defer cancel()

	const query = `
		SELECT
			COALESCE(SUM(CASE WHEN state = ANY($2) THEN cpu ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = ANY($2) THEN mem ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = ANY($3) THEN disk ELSE 0 END), 0)
		FROM sandboxes
		WHERE organization_id = $1`
	var usage SandboxUsage
	err := a.db.QueryRowContext(ctx, query, organizationID,
		pq.Array(stateStrings(quota.SandboxStatesConsumingCompute)),
		pq.Array(stateStrings(quota.SandboxStatesConsumingDisk)),
	).Scan(&usage.CPU, &usage.Mem, &usage.Disk)
	if err != nil {
		return SandboxUsage{}, fmt.Errorf("fetch sandbox usage for %s: %w", organizationID, err)
	}
	return usage, nil
}

// FetchSnapshotCount counts snapshots outside the ignored-state set.
func (a *Adapter) FetchSnapshotCount(ctx context.Context, organizationID string) (int64, error) {
	ctx, cancel := a.boundCtx(ctx)
	defer cancel()

	const query = `
		SELECT COUNT(*)
		FROM snapshots
		WHERE organization_id = $1 AND NOT (state = ANY($2))`
	var count int64
	err := a.db.QueryRowContext(ctx, query, organizationID,
		pq.Array(stateStrings(quota.SnapshotUsageIgnoredStates)),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("fetch snapshot count for %s: %w", organizationID, err)
	}
	return count, nil
}

// FetchVolumeCount counts volumes outside the ignored-state set.
func (a *Adapter) FetchVolumeCount(ctx context.Context, organizationID string) (int64, error) {
	ctx, cancel := a.boundCtx(ctx)
	defer cancel()

	const query = `
		SELECT COUNT(*)
		FROM volumes
		WHERE organization_id = $1 AND NOT (state = ANY($2))`
	var count int64
	err := a.db.QueryRowContext(ctx, query, organizationID,
		pq.Array(stateStrings(quota.VolumeUsageIgnoredStates)),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("fetch volume count for %s: %w", organizationID, err)
	}
	return count, nil
}

// GetSandbox looks up one sandbox projection. Returns (nil, nil) when the
// sandbox does not exist.
func (a *Adapter) GetSandbox(ctx context.Context, sandboxID string) (*SandboxProjection, error) {
	ctx, cancel := a.boundCtx(ctx)
	defer cancel()

	const query = `
		SELECT id, organization_id, state, cpu, mem, disk
		FROM sandboxes
		WHERE id = $1`
	var sb SandboxProjection
	var state string
	err := a.db.QueryRowContext(ctx, query, sandboxID).
		Scan(&sb.ID, &sb.OrganizationID, &state, &sb.CPU, &sb.Mem, &sb.Disk)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sandbox %s: %w", sandboxID, err)
	}
	sb.State = quota.SandboxState(state)
	return &sb, nil
}

// GetOrganization looks up one organization's quota limits. Returns
// (nil, nil) when the organization does not exist.
func (a *Adapter) GetOrganization(ctx context.Context, organizationID string) (*Organization, error) {
	ctx, cancel := a.boundCtx(ctx)
	defer cancel()

	const query = `
		SELECT id, cpu_quota, memory_quota, disk_quota, snapshot_quota, volume_quota
		FROM organizations
		WHERE id = $1`
	var org Organization
	err := a.db.QueryRowContext(ctx, query, organizationID).
		Scan(&org.ID, &org.CPUQuota, &org.MemoryQuota, &org.DiskQuota, &org.SnapshotQuota, &org.VolumeQuota)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get organization %s: %w", organizationID, err)
	}
	return &org, nil
}

func (a *Adapter) boundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && a.defaultTimeout > 0 {
		return context.WithTimeout(ctx, a.defaultTimeout)
	}
	return ctx, func() {}
}

// stateStrings renders a state set as a sorted text array parameter.
// Sorting keeps query plans and logs deterministic.
func stateStrings[S ~string](set quota.StateSet[S]) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, string(s))
	}
	sort.Strings(out)
	return out
}
