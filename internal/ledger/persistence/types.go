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

// Package persistence is the single read path from the quota ledger to the
// relational source of truth. It exposes only the projection the ledger
// needs: per-organization usage aggregates, quota limits, and single-entity
// lookups used for exclusion arithmetic. The entity schemas themselves are
// owned elsewhere.
package persistence

import "orgquota/internal/ledger/quota"

// Organization carries the quota limits of one tenant.
type Organization struct {
	ID            string
	CPUQuota      int64
	MemoryQuota   int64
	DiskQuota     int64
	SnapshotQuota int64
	VolumeQuota   int64
}

// SandboxProjection is the read-only sandbox view the ledger consumes.
type SandboxProjection struct {
	ID             string
	OrganizationID string
	State          quota.SandboxState
	CPU            int64
	Mem            int64
	Disk           int64
}

// SnapshotProjection is the read-only snapshot view.
type SnapshotProjection struct {
	ID             string
	OrganizationID string
	State          quota.SnapshotState
}

// VolumeProjection is the read-only volume view.
type VolumeProjection struct {
	ID             string
	OrganizationID string
	State          quota.VolumeState
}

// SandboxUsage is the aggregate the sandbox family rehydrates from.
type SandboxUsage struct {
	CPU  int64
	Mem  int64
	Disk int64
}
