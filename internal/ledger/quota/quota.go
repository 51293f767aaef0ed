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

// Package quota defines the vocabulary of the organization quota ledger:
// resource kinds, resource families, the entity state sets that decide
// whether an entity consumes its resources, the shared-store key layout,
// and the signed-delta arithmetic applied on state transitions.
//
// The package is pure data and arithmetic; it performs no I/O.
package quota

// Kind identifies a single quota-bounded resource of an organization.
type Kind string

const (
	KindCPU           Kind = "cpu"
	KindMemory        Kind = "memory"
	KindDisk          Kind = "disk"
	KindSnapshotCount Kind = "snapshot_count"
	KindVolumeCount   Kind = "volume_count"
)

// Family groups the kinds that share one cache-staleness clock.
type Family string

const (
	FamilySandbox  Family = "sandbox"
	FamilySnapshot Family = "snapshot"
	FamilyVolume   Family = "volume"
)

// Family returns the resource family a kind belongs to. The mapping is fixed:
// cpu/memory/disk are attributes of sandboxes; the count kinds each have a
// family of their own.
func (k Kind) Family() Family {
	switch k {
	case KindSnapshotCount:
		return FamilySnapshot
	case KindVolumeCount:
		return FamilyVolume
	default:
		return FamilySandbox
	}
}

// Kinds returns the confirmed-counter kinds of a family in their canonical
// order. Multi-key store scripts rely on this order being stable.
func (f Family) Kinds() []Kind {
	switch f {
	case FamilySnapshot:
		return []Kind{KindSnapshotCount}
	case FamilyVolume:
		return []Kind{KindVolumeCount}
	default:
		return []Kind{KindCPU, KindMemory, KindDisk}
	}
}

// PendingKinds lists the kinds that carry a pending (reserved) counter.
// Only the sandbox family supports reservations.
var PendingKinds = []Kind{KindCPU, KindMemory, KindDisk}
