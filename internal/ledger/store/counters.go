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
	"fmt"
	"strconv"
	"time"

	"orgquota/internal/ledger/quota"
)

// DefaultCounterTTL is the lifetime of confirmed and pending counters.
// Mutations and rehydrates renew it; an untouched counter expires and the
// next read rehydrates from the source of truth.
const DefaultCounterTTL = 30 * time.Second

// familyReadScript reads all confirmed counters of one family, gated by the
// staleness stamp. KEYS[1] is the fetched_at stamp, KEYS[2..] the usage keys.
// ARGV[1] is now in epoch ms, ARGV[2] the max age in ms. Returns false when
// the family must be treated as a miss: stamp absent/invalid/too old, or any
// usage key absent. The whole family shares one lifecycle.
const familyReadScript = `
local stamp = tonumber(redis.call('GET', KEYS[1]))
if not stamp then
  return false
end
if tonumber(ARGV[1]) - stamp > tonumber(ARGV[2]) then
  return false
end
local out = {}
for i = 2, #KEYS do
  local v = redis.call('GET', KEYS[i])
  if not v then
    return false
  end
  out[i - 1] = v
end
return out
`

// dualViewScript reads the three confirmed sandbox counters and the three
// pending counters in one script so a reader can never observe a torn view
// of the six keys. Key order: fetched_at, cpu/mem/disk usage, cpu/mem/disk
// pending. Absent pending counters are reported as '' (pending absence
// means zero, not a miss). Confirmed misses return false as above.
const dualViewScript = `
local stamp = tonumber(redis.call('GET', KEYS[1]))
if not stamp then
  return false
end
if tonumber(ARGV[1]) - stamp > tonumber(ARGV[2]) then
  return false
end
local out = {}
for i = 2, 4 do
  local v = redis.call('GET', KEYS[i])
  if not v then
    return false
  end
  out[i - 1] = v
end
for i = 5, 7 do
  out[i - 1] = redis.call('GET', KEYS[i]) or ''
end
return out
`

// rehydrateScript writes all confirmed counters of a family and the
// fetched_at stamp in one atomic step. KEYS[1..n] are the usage keys,
// KEYS[n+1] the stamp. ARGV[1..n] are the values, then counter TTL seconds,
// now in epoch ms, stamp TTL seconds.
const rehydrateScript = `
local n = #KEYS - 1
for i = 1, n do
  redis.call('SET', KEYS[i], ARGV[i], 'EX', tonumber(ARGV[n + 1]))
end
redis.call('SET', KEYS[n + 1], ARGV[n + 2], 'EX', tonumber(ARGV[n + 3]))
return n
`

// applyDeltaScript moves one confirmed counter by a signed delta and
// refreshes its TTL. An absent key is left absent: resurrecting an evicted
// counter would detach it from the source of truth, so the script no-ops
// and returns false. When the delta is positive and KEYS[2] names the
// kind's pending counter, the reservation settles: pending is decremented
// by min(pending, delta) and never driven below zero.
const applyDeltaScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local delta = tonumber(ARGV[1])
local v = redis.call('INCRBY', KEYS[1], delta)
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
if delta > 0 and #KEYS >= 2 then
  local p = tonumber(redis.call('GET', KEYS[2]))
  if p and p > 0 then
    local settle = delta
    if p < settle then
      settle = p
    end
    redis.call('DECRBY', KEYS[2], settle)
  end
end
return v
`

// incrementPendingScript reserves headroom on the selected pending counters
// and refreshes their TTLs. KEYS are pending keys, ARGV the amounts followed
// by the TTL in seconds. Returns the new values.
const incrementPendingScript = `
local out = {}
for i = 1, #KEYS do
  out[i] = redis.call('INCRBY', KEYS[i], tonumber(ARGV[i]))
  redis.call('EXPIRE', KEYS[i], tonumber(ARGV[#ARGV]))
end
return out
`

// decrementPendingScript releases reservations. TTLs are deliberately not
// refreshed: a reservation that is only ever released must be allowed to
// expire.
const decrementPendingScript = `
for i = 1, #KEYS do
  redis.call('DECRBY', KEYS[i], tonumber(ARGV[i]))
end
return #KEYS
`

// CounterStore provides typed, atomic access to the confirmed and pending
// quota counters of organizations. Every multi-key mutation is one Lua
// script, so partial failure cannot leave a family arithmetically torn.
type CounterStore struct {
	client    Client
	ttl       time.Duration
	staleness *StalenessTracker
	now       func() time.Time
}

// Option customizes a CounterStore.
type Option func(*CounterStore)

// WithClock injects the time source used for staleness stamps and checks.
// Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *CounterStore) {
		s.now = now
		s.staleness.now = now
	}
}

// NewCounterStore builds a counter store. ttl <= 0 selects
// DefaultCounterTTL. The staleness tracker must share the same client.
func NewCounterStore(client Client, ttl time.Duration, staleness *StalenessTracker, opts ...Option) *CounterStore {
	if ttl <= 0 {
		ttl = DefaultCounterTTL
	}
	s := &CounterStore{client: client, ttl: ttl, staleness: staleness, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Staleness exposes the tracker for callers that need Reset/IsStale
// directly, such as operational tooling that forces a rehydrate. The
// service paths only reach the tracker through the gated scripts.
func (s *CounterStore) Staleness() *StalenessTracker { return s.staleness }

// Get reads one confirmed counter. It returns nil when the key is absent or
// holds a non-numeric or negative value; callers treat nil as a cache miss.
// Service reads go through GetFamily so the staleness gate applies; Get is
// the inspection path for single counters, without the gate.
func (s *CounterStore) Get(ctx context.Context, organizationID string, kind quota.Kind) (*int64, error) {
	v, ok, err := s.client.Get(ctx, quota.UsageKey(organizationID, kind))
	if err != nil {
		return nil, fmt.Errorf("get confirmed %s/%s: %w", organizationID, kind, err)
	}
	if !ok {
		return nil, nil
	}
	return parseCounter(v), nil
}

// GetFamily atomically reads the confirmed counters of a family, applying
// the staleness gate. ok is false when the family is a cache miss.
func (s *CounterStore) GetFamily(ctx context.Context, organizationID string, f quota.Family) (map[quota.Kind]int64, bool, error) {
	kinds := f.Kinds()
	keys := make([]string, 0, len(kinds)+1)
	keys = append(keys, quota.FetchedAtKey(organizationID, f))
	for _, k := range kinds {
		keys = append(keys, quota.UsageKey(organizationID, k))
	}
	res, err := s.client.Eval(ctx, familyReadScript, keys,
		s.now().UnixMilli(), s.staleness.maxAge.Milliseconds())
	if err != nil {
		return nil, false, fmt.Errorf("read %s family for %s: %w", f, organizationID, err)
	}
	if res == nil {
		return nil, false, nil
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != len(kinds) {
		return nil, false, fmt.Errorf("read %s family for %s: malformed reply %v", f, organizationID, res)
	}
	out := make(map[quota.Kind]int64, len(kinds))
	for i, k := range kinds {
		n, err := replyInt64(values[i])
		if err != nil || n < 0 {
			// Invalid cached value: report a miss and let the caller rehydrate.
			return nil, false, nil
		}
		out[k] = n
	}
	return out, true, nil
}

// GetSandboxDualView atomically reads the three confirmed sandbox counters
// together with the three pending counters. confirmedOK is false on a cache
// miss of the confirmed family. Pending entries are nil when the counter is
// absent or invalid, and clamped at zero otherwise.
func (s *CounterStore) GetSandboxDualView(ctx context.Context, organizationID string) (confirmed map[quota.Kind]int64, pending map[quota.Kind]*int64, confirmedOK bool, err error) {
	keys := []string{
		quota.FetchedAtKey(organizationID, quota.FamilySandbox),
		quota.UsageKey(organizationID, quota.KindCPU),
		quota.UsageKey(organizationID, quota.KindMemory),
		quota.UsageKey(organizationID, quota.KindDisk),
		quota.PendingKey(organizationID, quota.KindCPU),
		quota.PendingKey(organizationID, quota.KindMemory),
		quota.PendingKey(organizationID, quota.KindDisk),
	}
	res, err := s.client.Eval(ctx, dualViewScript, keys,
		s.now().UnixMilli(), s.staleness.maxAge.Milliseconds())
	if err != nil {
		return nil, nil, false, fmt.Errorf("dual view for %s: %w", organizationID, err)
	}
	if res == nil {
		return nil, nil, false, nil
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 6 {
		return nil, nil, false, fmt.Errorf("dual view for %s: malformed reply %v", organizationID, res)
	}
	confirmed = make(map[quota.Kind]int64, 3)
	for i, k := range quota.PendingKinds {
		n, convErr := replyInt64(values[i])
		if convErr != nil || n < 0 {
			return nil, nil, false, nil
		}
		confirmed[k] = n
	}
	pending = make(map[quota.Kind]*int64, 3)
	for i, k := range quota.PendingKinds {
		pending[k] = parsePending(values[3+i])
	}
	return confirmed, pending, true, nil
}

// GetPending reads the pending counters individually. Used on the rehydrate
// path where the confirmed values just came from the source of truth and no
// six-key atomicity is needed. nil entries mean the counter is absent.
func (s *CounterStore) GetPending(ctx context.Context, organizationID string) (map[quota.Kind]*int64, error) {
	out := make(map[quota.Kind]*int64, len(quota.PendingKinds))
	for _, k := range quota.PendingKinds {
		v, ok, err := s.client.Get(ctx, quota.PendingKey(organizationID, k))
		if err != nil {
			return nil, fmt.Errorf("get pending %s/%s: %w", organizationID, k, err)
		}
		if !ok {
			out[k] = nil
			continue
		}
		out[k] = parsePending(v)
	}
	return out, nil
}

// SetRehydrated atomically writes the confirmed counters of a family with
// TTL and stamps the family as freshly fetched. All values must be >= 0.
func (s *CounterStore) SetRehydrated(ctx context.Context, organizationID string, f quota.Family, values map[quota.Kind]int64) error {
	kinds := f.Kinds()
	keys := make([]string, 0, len(kinds)+1)
	args := make([]interface{}, 0, len(kinds)+3)
	for _, k := range kinds {
		v, ok := values[k]
		if !ok {
			return fmt.Errorf("rehydrate %s family for %s: missing value for %s", f, organizationID, k)
		}
		if v < 0 {
			return fmt.Errorf("rehydrate %s family for %s: negative value %d for %s", f, organizationID, v, k)
		}
		keys = append(keys, quota.UsageKey(organizationID, k))
		args = append(args, v)
	}
	keys = append(keys, quota.FetchedAtKey(organizationID, f))
	args = append(args, int64(s.ttl.Seconds()), s.now().UnixMilli(), s.staleness.stampTTLSeconds())
	if _, err := s.client.Eval(ctx, rehydrateScript, keys, args...); err != nil {
		return fmt.Errorf("rehydrate %s family for %s: %w", f, organizationID, err)
	}
	return nil
}

// ApplyDelta moves one confirmed counter by delta and refreshes its TTL.
// For kinds with a pending counter, a positive delta also settles the
// reservation inside the same script. applied is false when the confirmed
// key was absent and the script no-opped.
func (s *CounterStore) ApplyDelta(ctx context.Context, organizationID string, kind quota.Kind, delta int64) (applied bool, err error) {
	keys := []string{quota.UsageKey(organizationID, kind)}
	if kind.Family() == quota.FamilySandbox {
		keys = append(keys, quota.PendingKey(organizationID, kind))
	}
	res, err := s.client.Eval(ctx, applyDeltaScript, keys, delta, int64(s.ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("apply delta %+d to %s/%s: %w", delta, organizationID, kind, err)
	}
	return res != nil, nil
}

// IncrementPending reserves headroom on the given kinds and returns the new
// pending values. Amounts must be >= 0.
func (s *CounterStore) IncrementPending(ctx context.Context, organizationID string, amounts map[quota.Kind]int64) (map[quota.Kind]int64, error) {
	kinds, keys, args, err := pendingArgs(organizationID, amounts)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return map[quota.Kind]int64{}, nil
	}
	args = append(args, int64(s.ttl.Seconds()))
	res, err := s.client.Eval(ctx, incrementPendingScript, keys, args...)
	if err != nil {
		return nil, fmt.Errorf("increment pending for %s: %w", organizationID, err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != len(kinds) {
		return nil, fmt.Errorf("increment pending for %s: malformed reply %v", organizationID, res)
	}
	out := make(map[quota.Kind]int64, len(kinds))
	for i, k := range kinds {
		n, convErr := replyInt64(values[i])
		if convErr != nil {
			return nil, fmt.Errorf("increment pending for %s: %w", organizationID, convErr)
		}
		out[k] = n
	}
	return out, nil
}

// DecrementPending releases reservations on the given kinds. Amounts must
// be >= 0. No zero floor is enforced on write; the read path clamps.
func (s *CounterStore) DecrementPending(ctx context.Context, organizationID string, amounts map[quota.Kind]int64) error {
	_, keys, args, err := pendingArgs(organizationID, amounts)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.client.Eval(ctx, decrementPendingScript, keys, args...); err != nil {
		return fmt.Errorf("decrement pending for %s: %w", organizationID, err)
	}
	return nil
}

// pendingArgs selects the pending keys/amounts in canonical kind order.
func pendingArgs(organizationID string, amounts map[quota.Kind]int64) ([]quota.Kind, []string, []interface{}, error) {
	var kinds []quota.Kind
	var keys []string
	var args []interface{}
	for _, k := range quota.PendingKinds {
		amount, ok := amounts[k]
		if !ok {
			continue
		}
		if amount < 0 {
			return nil, nil, nil, fmt.Errorf("pending amount for %s must be >= 0, got %d", k, amount)
		}
		kinds = append(kinds, k)
		keys = append(keys, quota.PendingKey(organizationID, k))
		args = append(args, amount)
	}
	for k := range amounts {
		if k.Family() != quota.FamilySandbox {
			return nil, nil, nil, fmt.Errorf("kind %s has no pending counter", k)
		}
	}
	return kinds, keys, args, nil
}

// parseCounter parses a confirmed counter value. Non-numeric or negative
// values are reported as nil so the caller falls back to the source of truth.
func parseCounter(v string) *int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

// parsePending parses a pending counter reply element. Absent ('') or
// non-numeric values are nil; negative values are clamped to zero so
// reservation underflow is never visible to readers.
func parsePending(v interface{}) *int64 {
	s, ok := v.(string)
	if ok && s == "" {
		return nil
	}
	n, err := replyInt64(v)
	if err != nil {
		return nil
	}
	if n < 0 {
		n = 0
	}
	return &n
}
