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

// Package events consumes entity lifecycle events and applies the resulting
// signed usage deltas to the counter store. Handlers serialize per entity
// through the shared lock provider and swallow failures: an under-counted
// cache is re-anchored by the staleness deadline, never by blocking the
// event stream.
package events

import "orgquota/internal/ledger/quota"

// Event kinds carried in the envelope.
const (
	KindSandboxCreated       = "sandbox.created"
	KindSandboxStateUpdated  = "sandbox.state_updated"
	KindSnapshotCreated      = "snapshot.created"
	KindSnapshotStateUpdated = "snapshot.state_updated"
	KindVolumeCreated        = "volume.created"
	KindVolumeStateUpdated   = "volume.state_updated"
)

// Envelope is the serialized event shape. Exactly one entity payload is set,
// matching the kind.
type Envelope struct {
	Kind     string         `json:"kind"`
	Sandbox  *SandboxEvent  `json:"sandbox,omitempty"`
	Snapshot *SnapshotEvent `json:"snapshot,omitempty"`
	Volume   *VolumeEvent   `json:"volume,omitempty"`
}

// SandboxEvent carries the sandbox snapshot relevant to accounting.
// State-update events include both states; created events leave them empty.
type SandboxEvent struct {
	ID             string             `json:"id"`
	OrganizationID string             `json:"organizationId"`
	CPU            int64              `json:"cpu"`
	Mem            int64              `json:"mem"`
	Disk           int64              `json:"disk"`
	OldState       quota.SandboxState `json:"oldState,omitempty"`
	NewState       quota.SandboxState `json:"newState,omitempty"`
}

// SnapshotEvent carries a snapshot transition.
type SnapshotEvent struct {
	ID             string              `json:"id"`
	OrganizationID string              `json:"organizationId"`
	OldState       quota.SnapshotState `json:"oldState,omitempty"`
	NewState       quota.SnapshotState `json:"newState,omitempty"`
}

// VolumeEvent carries a volume transition.
type VolumeEvent struct {
	ID             string             `json:"id"`
	OrganizationID string             `json:"organizationId"`
	OldState       quota.VolumeState  `json:"oldState,omitempty"`
	NewState       quota.VolumeState  `json:"newState,omitempty"`
}
