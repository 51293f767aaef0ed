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

import "fmt"

// Shared-store key layout. These are part of the operational contract:
// external collaborators (dashboards, debugging tooling) read these keys
// directly, so the formats must not change.

// UsageKey is the confirmed counter for one (organization, kind).
func UsageKey(organizationID string, k Kind) string {
	return fmt.Sprintf("org:%s:quota:%s:usage", organizationID, k)
}

// PendingKey is the reserved-but-unconfirmed counter for one
// (organization, kind). Only kinds in PendingKinds have one.
func PendingKey(organizationID string, k Kind) string {
	return fmt.Sprintf("org:%s:pending-%s", organizationID, k)
}

// FetchedAtKey holds the epoch-ms timestamp of the last successful
// rehydrate of a family's confirmed counters.
func FetchedAtKey(organizationID string, f Family) string {
	return fmt.Sprintf("org:%s:resource:%s:usage:fetched_at", organizationID, f)
}

// FetchLockKey names the lock serializing rehydrates of one family.
func FetchLockKey(organizationID string, f Family) string {
	return fmt.Sprintf("org:%s:fetch-%s-usage-from-db", organizationID, f)
}

// EntityLockKey names the lock serializing usage updates for one entity,
// so two near-simultaneous state transitions cannot double-count.
func EntityLockKey(f Family, entityID string) string {
	return fmt.Sprintf("%s:%s:quota-usage-update", f, entityID)
}
