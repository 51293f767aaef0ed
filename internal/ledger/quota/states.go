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

package quota

// SandboxState is the lifecycle state of a sandbox as persisted by the
// platform. The set of states is closed; the ledger only cares about
// membership in the consume-sets below.
type SandboxState string

const (
	SandboxStateCreating   SandboxState = "creating"
	SandboxStateStarting   SandboxState = "starting"
	SandboxStateStarted    SandboxState = "started"
	SandboxStateStopping   SandboxState = "stopping"
	SandboxStateStopped    SandboxState = "stopped"
	SandboxStateArchiving  SandboxState = "archiving"
	SandboxStateArchived   SandboxState = "archived"
	SandboxStateDestroying SandboxState = "destroying"
	SandboxStateDestroyed  SandboxState = "destroyed"
	SandboxStateError      SandboxState = "error"
)

// SnapshotState is the lifecycle state of a snapshot.
type SnapshotState string

const (
	SnapshotStatePending  SnapshotState = "pending"
	SnapshotStatePulling  SnapshotState = "pulling"
	SnapshotStateBuilding SnapshotState = "building"
	SnapshotStateActive   SnapshotState = "active"
	SnapshotStateRemoving SnapshotState = "removing"
	SnapshotStateError    SnapshotState = "error"
)

// VolumeState is the lifecycle state of a volume.
type VolumeState string

const (
	VolumeStateCreating VolumeState = "creating"
	VolumeStateReady    VolumeState = "ready"
	VolumeStateDeleting VolumeState = "deleting"
	VolumeStateDeleted  VolumeState = "deleted"
	VolumeStateError    VolumeState = "error"
)

// StateSet is a membership set over one of the state enums.
type StateSet[S comparable] map[S]struct{}

// NewStateSet builds a set from its members.
func NewStateSet[S comparable](states ...S) StateSet[S] {
	set := make(StateSet[S], len(states))
	for _, s := range states {
		set[s] = struct{}{}
	}
	return set
}

// Contains reports set membership.
func (set StateSet[S]) Contains(s S) bool {
	_, ok := set[s]
	return ok
}

// Values returns the members in unspecified order.
func (set StateSet[S]) Values() []S {
	out := make([]S, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// SandboxStatesConsumingCompute lists the states in which a sandbox
// contributes its cpu and memory figures to usage.
var SandboxStatesConsumingCompute = NewStateSet(
	SandboxStateCreating,
	SandboxStateStarting,
	SandboxStateStarted,
	SandboxStateStopping,
)

// SandboxStatesConsumingDisk lists the states in which a sandbox
// contributes its disk figure. A stopped sandbox no longer holds compute
// but still occupies disk, so this is a superset of the compute set.
var SandboxStatesConsumingDisk = NewStateSet(
	SandboxStateCreating,
	SandboxStateStarting,
	SandboxStateStarted,
	SandboxStateStopping,
	SandboxStateStopped,
	SandboxStateArchiving,
	SandboxStateError,
)

// SnapshotUsageIgnoredStates lists the snapshot states that do NOT count
// toward snapshot_count. The consume-set is the complement.
var SnapshotUsageIgnoredStates = NewStateSet(
	SnapshotStateRemoving,
	SnapshotStateError,
)

// VolumeUsageIgnoredStates lists the volume states that do NOT count
// toward volume_count.
var VolumeUsageIgnoredStates = NewStateSet(
	VolumeStateDeleted,
	VolumeStateError,
)

// ConsumesCompute reports whether a sandbox in state s counts its cpu and
// memory toward usage.
func ConsumesCompute(s SandboxState) bool { return SandboxStatesConsumingCompute.Contains(s) }

// ConsumesDisk reports whether a sandbox in state s counts its disk
// toward usage.
func ConsumesDisk(s SandboxState) bool { return SandboxStatesConsumingDisk.Contains(s) }

// SnapshotCounts reports whether a snapshot in state s counts toward
// snapshot_count.
func SnapshotCounts(s SnapshotState) bool { return !SnapshotUsageIgnoredStates.Contains(s) }

// VolumeCounts reports whether a volume in state s counts toward
// volume_count.
func VolumeCounts(s VolumeState) bool { return !VolumeUsageIgnoredStates.Contains(s) }
