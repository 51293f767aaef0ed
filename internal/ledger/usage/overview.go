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

package usage

import "errors"

// ErrOrganizationNotFound is returned when the organization does not exist
// in the source of truth.
var ErrOrganizationNotFound = errors.New("organization not found")

// ErrOrganizationMismatch is returned when a caller-supplied organization
// object does not match the requested organization id.
var ErrOrganizationMismatch = errors.New("organization id mismatch")

// SandboxUsageOverview is the confirmed sandbox-family usage of one
// organization. Values are never negative.
type SandboxUsageOverview struct {
	CurrentCPUUsage    int64 `json:"currentCpuUsage"`
	CurrentMemoryUsage int64 `json:"currentMemoryUsage"`
	CurrentDiskUsage   int64 `json:"currentDiskUsage"`
}

// SandboxUsageOverviewWithPending adds the reserved-but-unconfirmed
// counters. A nil pending value means no reservation counter exists, which
// readers treat as zero.
type SandboxUsageOverviewWithPending struct {
	SandboxUsageOverview
	PendingCPUUsage    *int64 `json:"pendingCpuUsage"`
	PendingMemoryUsage *int64 `json:"pendingMemoryUsage"`
	PendingDiskUsage   *int64 `json:"pendingDiskUsage"`
}

// SnapshotUsageOverview is the snapshot count of one organization.
type SnapshotUsageOverview struct {
	CurrentSnapshotUsage int64 `json:"currentSnapshotUsage"`
}

// VolumeUsageOverview is the volume count of one organization.
type VolumeUsageOverview struct {
	CurrentVolumeUsage int64 `json:"currentVolumeUsage"`
}

// OrganizationUsageOverview merges the organization's quota limits with its
// current usage across all three families.
type OrganizationUsageOverview struct {
	TotalCPUQuota      int64 `json:"totalCpuQuota"`
	TotalMemoryQuota   int64 `json:"totalMemoryQuota"`
	TotalDiskQuota     int64 `json:"totalDiskQuota"`
	TotalSnapshotQuota int64 `json:"totalSnapshotQuota"`
	TotalVolumeQuota   int64 `json:"totalVolumeQuota"`

	CurrentCPUUsage      int64 `json:"currentCpuUsage"`
	CurrentMemoryUsage   int64 `json:"currentMemoryUsage"`
	CurrentDiskUsage     int64 `json:"currentDiskUsage"`
	CurrentSnapshotUsage int64 `json:"currentSnapshotUsage"`
	CurrentVolumeUsage   int64 `json:"currentVolumeUsage"`
}

// PendingIncrementResult reports which kinds a reservation actually
// incremented. Callers record it so a rollback decrements exactly the
// counters that were touched.
type PendingIncrementResult struct {
	CPUIncremented    bool `json:"cpuIncremented"`
	MemoryIncremented bool `json:"memoryIncremented"`
	DiskIncremented   bool `json:"diskIncremented"`
}
