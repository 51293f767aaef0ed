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

package store

import (
	"context"
	"strconv"
	"time"

	"orgquota/internal/ledger/quota"
)

// DefaultCacheMaxAge is the staleness bound: confirmed counters whose last
// rehydrate is older than this are treated as a cache miss even when the
// keys are still live. Counter TTLs sweep the ordinary case; the stamp
// protects against a counter kept alive indefinitely by delta refreshes
// while drifting from the source of truth.
const DefaultCacheMaxAge = time.Hour

// stampScript writes the fetched_at stamp with an expiry. The expiry is a
// leak guard only; readers treat any stamp older than the max age as stale
// long before it expires.
const stampScript = `
redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[2]))
return 1
`

// StalenessTracker records, per (organization, family), when the confirmed
// counters were last rehydrated from the source of truth.
type StalenessTracker struct {
	client Client
	maxAge time.Duration
	now    func() time.Time
}

// NewStalenessTracker builds a tracker. maxAge <= 0 selects
// DefaultCacheMaxAge.
func NewStalenessTracker(client Client, maxAge time.Duration) *StalenessTracker {
	if maxAge <= 0 {
		maxAge = DefaultCacheMaxAge
	}
	return &StalenessTracker{client: client, maxAge: maxAge, now: time.Now}
}

// MaxAge returns the configured staleness bound.
func (t *StalenessTracker) MaxAge() time.Duration { return t.maxAge }

// Reset stamps the family as freshly rehydrated. Rehydrates performed by
// the service stamp atomically inside the rehydrate script; Reset is the
// standalone stamp for direct callers repairing a family by hand.
func (t *StalenessTracker) Reset(ctx context.Context, organizationID string, f quota.Family) error {
	key := quota.FetchedAtKey(organizationID, f)
	_, err := t.client.Eval(ctx, stampScript, []string{key},
		t.now().UnixMilli(), t.stampTTLSeconds())
	return err
}

// IsStale reports whether the family must be treated as a cache miss:
// the stamp is absent, not numeric, or older than the max age.
func (t *StalenessTracker) IsStale(ctx context.Context, organizationID string, f quota.Family) (bool, error) {
	v, ok, err := t.client.Get(ctx, quota.FetchedAtKey(organizationID, f))
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	stamp, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return true, nil
	}
	return t.now().UnixMilli()-stamp > t.maxAge.Milliseconds(), nil
}

// stampTTLSeconds is the stamp expiry: twice the staleness bound, so the
// key cannot leak but also cannot vanish while it could still matter.
func (t *StalenessTracker) stampTTLSeconds() int64 {
	return int64((2 * t.maxAge).Seconds())
}
