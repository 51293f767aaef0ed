//go:build e2e

package e2e

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"orgquota/internal/ledger/quota"
	"orgquota/internal/ledger/store"
)

// These tests run the counter store and lock provider against a real Redis
// at 127.0.0.1:6379 and skip when none is reachable.

func e2eClient(t *testing.T) (*store.GoRedisClient, *redis.Client) {
	t.Helper()
	rc := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping: Redis not reachable on 127.0.0.1:6379: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return store.NewGoRedisClient(rc), rc
}

func cleanupOrg(t *testing.T, rc *redis.Client, org string) {
	t.Helper()
	ctx := context.Background()
	keys := []string{quota.FetchedAtKey(org, quota.FamilySandbox)}
	for _, kind := range quota.FamilySandbox.Kinds() {
		keys = append(keys, quota.UsageKey(org, kind))
	}
	for _, kind := range quota.PendingKinds {
		keys = append(keys, quota.PendingKey(org, kind))
	}
	_ = rc.Del(ctx, keys...).Err()
}

func TestCounterStoreRoundTripE2E(t *testing.T) {
	client, rc := e2eClient(t)
	ctx := context.Background()
	org := "e2e-org-roundtrip"
	cleanupOrg(t, rc, org)
	t.Cleanup(func() { cleanupOrg(t, rc, org) })

	staleness := store.NewStalenessTracker(client, time.Minute)
	counters := store.NewCounterStore(client, 30*time.Second, staleness)

	err := counters.SetRehydrated(ctx, org, quota.FamilySandbox, map[quota.Kind]int64{
		quota.KindCPU: 2, quota.KindMemory: 4, quota.KindDisk: 30,
	})
	if err != nil {
		t.Fatalf("SetRehydrated: %v", err)
	}

	values, ok, err := counters.GetFamily(ctx, org, quota.FamilySandbox)
	if err != nil || !ok {
		t.Fatalf("GetFamily: ok=%v err=%v", ok, err)
	}
	if values[quota.KindCPU] != 2 || values[quota.KindDisk] != 30 {
		t.Fatalf("got %v", values)
	}

	// Transition delta plus pending settle in one pass.
	if _, err := counters.IncrementPending(ctx, org, map[quota.Kind]int64{quota.KindCPU: 1}); err != nil {
		t.Fatalf("IncrementPending: %v", err)
	}
	applied, err := counters.ApplyDelta(ctx, org, quota.KindCPU, 1)
	if err != nil || !applied {
		t.Fatalf("ApplyDelta: applied=%v err=%v", applied, err)
	}

	confirmed, pending, ok, err := counters.GetSandboxDualView(ctx, org)
	if err != nil || !ok {
		t.Fatalf("GetSandboxDualView: ok=%v err=%v", ok, err)
	}
	if confirmed[quota.KindCPU] != 3 {
		t.Fatalf("confirmed cpu = %d, want 3", confirmed[quota.KindCPU])
	}
	if pending[quota.KindCPU] == nil || *pending[quota.KindCPU] != 0 {
		t.Fatalf("pending cpu = %v, want settled to 0", pending[quota.KindCPU])
	}
}

func TestLockProviderMutualExclusionE2E(t *testing.T) {
	client, rc := e2eClient(t)
	ctx := context.Background()
	key := quota.FetchLockKey("e2e-org-lock", quota.FamilySandbox)
	_ = rc.Del(ctx, key).Err()
	t.Cleanup(func() { _ = rc.Del(context.Background(), key).Err() })

	first := store.NewLockProvider(client, nil)
	second := store.NewLockProvider(client, nil,
		store.WithLockWait(3, 10*time.Millisecond, 20*time.Millisecond))

	owner, err := first.WaitForLock(ctx, key, 30*time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := second.WaitForLock(ctx, key, 30*time.Second); err == nil {
		t.Fatal("second acquire must time out while the lock is held")
	}
	if err := first.Unlock(ctx, key, owner); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	next, err := second.WaitForLock(ctx, key, 30*time.Second)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := second.Unlock(ctx, key, next); err != nil {
		t.Fatalf("second unlock: %v", err)
	}
}
