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

// CalculateDelta returns the signed usage change caused by one entity
// transitioning from oldState to newState. consuming reports whether an
// entity in a given state contributes amount to its counter.
//
// The helper is parametric in the state type: sandbox handlers pass the
// compute/disk consume-sets, count families pass the complement of their
// ignored set. A transition that does not cross the set boundary yields 0,
// so re-delivered events with oldState == newState are free.
func CalculateDelta[S comparable](amount int64, oldState, newState S, consuming func(S) bool) int64 {
	was := consuming(oldState)
	is := consuming(newState)
	switch {
	case !was && is:
		return amount
	case was && !is:
		return -amount
	default:
		return 0
	}
}
