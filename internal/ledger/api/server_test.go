package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"orgquota/internal/ledger/persistence"
	"orgquota/internal/ledger/quota"
	"orgquota/internal/ledger/store"
	"orgquota/internal/ledger/usage"
)

// The handlers are exercised through a real usage.Service over in-memory
// fakes; only the HTTP mapping is under test here.

type memCounterStore struct {
	confirmed map[quota.Family]map[quota.Kind]int64
	pending   map[quota.Kind]int64
}

func newMemCounterStore() *memCounterStore {
	return &memCounterStore{
		confirmed: make(map[quota.Family]map[quota.Kind]int64),
		pending:   make(map[quota.Kind]int64),
	}
}

func (m *memCounterStore) GetFamily(_ context.Context, _ string, f quota.Family) (map[quota.Kind]int64, bool, error) {
	values, ok := m.confirmed[f]
	return values, ok, nil
}

func (m *memCounterStore) GetSandboxDualView(ctx context.Context, org string) (map[quota.Kind]int64, map[quota.Kind]*int64, bool, error) {
	values, ok := m.confirmed[quota.FamilySandbox]
	if !ok {
		return nil, nil, false, nil
	}
	pending, _ := m.GetPending(ctx, org)
	return values, pending, true, nil
}

func (m *memCounterStore) GetPending(context.Context, string) (map[quota.Kind]*int64, error) {
	view := make(map[quota.Kind]*int64)
	for _, kind := range quota.PendingKinds {
		if v, ok := m.pending[kind]; ok {
			value := v
			view[kind] = &value
		} else {
			view[kind] = nil
		}
	}
	return view, nil
}

func (m *memCounterStore) SetRehydrated(_ context.Context, _ string, f quota.Family, values map[quota.Kind]int64) error {
	m.confirmed[f] = values
	return nil
}

func (m *memCounterStore) IncrementPending(_ context.Context, _ string, amounts map[quota.Kind]int64) (map[quota.Kind]int64, error) {
	result := make(map[quota.Kind]int64)
	for k, v := range amounts {
		m.pending[k] += v
		result[k] = m.pending[k]
	}
	return result, nil
}

func (m *memCounterStore) DecrementPending(_ context.Context, _ string, amounts map[quota.Kind]int64) error {
	for k, v := range amounts {
		m.pending[k] -= v
	}
	return nil
}

type noopLocks struct{}

func (noopLocks) WaitForLock(context.Context, string, time.Duration) (string, error) {
	return "owner", nil
}
func (noopLocks) Unlock(context.Context, string, string) error { return nil }

type memSource struct {
	orgs      map[string]*persistence.Organization
	sandboxes map[string]*persistence.SandboxProjection
	usage     persistence.SandboxUsage
	usageErr  error
	snapshots int64
	volumes   int64
}

func (m *memSource) FetchSandboxUsage(context.Context, string) (persistence.SandboxUsage, error) {
	return m.usage, m.usageErr
}
func (m *memSource) FetchSnapshotCount(context.Context, string) (int64, error) {
	return m.snapshots, nil
}
func (m *memSource) FetchVolumeCount(context.Context, string) (int64, error) {
	return m.volumes, nil
}
func (m *memSource) GetSandbox(_ context.Context, id string) (*persistence.SandboxProjection, error) {
	return m.sandboxes[id], nil
}
func (m *memSource) GetOrganization(_ context.Context, id string) (*persistence.Organization, error) {
	return m.orgs[id], nil
}

type capturePublisher struct {
	payloads [][]byte
	err      error
}

func (p *capturePublisher) Publish(_ context.Context, value []byte) error {
	if p.err != nil {
		return p.err
	}
	p.payloads = append(p.payloads, value)
	return nil
}

func testServer(t *testing.T) (*httptest.Server, *memCounterStore, *memSource, *capturePublisher) {
	t.Helper()
	counters := newMemCounterStore()
	source := &memSource{
		orgs:      make(map[string]*persistence.Organization),
		sandboxes: make(map[string]*persistence.SandboxProjection),
	}
	publisher := &capturePublisher{}
	service := usage.NewService(counters, noopLocks{}, source, nil)
	mux := http.NewServeMux()
	NewServer(service, publisher, nil).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, counters, source, publisher
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestUsageOverviewRoute(t *testing.T) {
	ts, counters, source, _ := testServer(t)
	source.orgs["O1"] = &persistence.Organization{
		ID: "O1", CPUQuota: 10, MemoryQuota: 20, DiskQuota: 100, SnapshotQuota: 50, VolumeQuota: 25,
	}
	counters.confirmed[quota.FamilySandbox] = map[quota.Kind]int64{
		quota.KindCPU: 2, quota.KindMemory: 4, quota.KindDisk: 30,
	}
	counters.confirmed[quota.FamilySnapshot] = map[quota.Kind]int64{quota.KindSnapshotCount: 5}
	counters.confirmed[quota.FamilyVolume] = map[quota.Kind]int64{quota.KindVolumeCount: 2}

	resp, err := http.Get(ts.URL + "/organizations/O1/usage")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[usage.OrganizationUsageOverview](t, resp)
	if got.TotalCPUQuota != 10 || got.CurrentDiskUsage != 30 || got.CurrentSnapshotUsage != 5 {
		t.Fatalf("got %+v", got)
	}
}

func TestUsageOverviewUnknownOrganizationIs404(t *testing.T) {
	ts, _, _, _ := testServer(t)

	resp, err := http.Get(ts.URL + "/organizations/missing/usage")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSandboxUsageRouteWithExclusion(t *testing.T) {
	ts, counters, source, _ := testServer(t)
	counters.confirmed[quota.FamilySandbox] = map[quota.Kind]int64{
		quota.KindCPU: 3, quota.KindMemory: 6, quota.KindDisk: 15,
	}
	source.sandboxes["S3"] = &persistence.SandboxProjection{
		ID: "S3", OrganizationID: "O1", State: quota.SandboxStateStarted, CPU: 1, Mem: 2, Disk: 5,
	}

	resp, err := http.Get(ts.URL + "/organizations/O1/usage/sandbox?excludeSandboxId=S3")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[usage.SandboxUsageOverview](t, resp)
	if got.CurrentCPUUsage != 2 || got.CurrentMemoryUsage != 4 || got.CurrentDiskUsage != 10 {
		t.Fatalf("got %+v", got)
	}
}

func TestSandboxUsageWithPendingRoute(t *testing.T) {
	ts, counters, _, _ := testServer(t)
	counters.confirmed[quota.FamilySandbox] = map[quota.Kind]int64{
		quota.KindCPU: 2, quota.KindMemory: 4, quota.KindDisk: 10,
	}
	counters.pending[quota.KindCPU] = 1

	resp, err := http.Get(ts.URL + "/organizations/O1/usage/sandbox/pending")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	got := decode[usage.SandboxUsageOverviewWithPending](t, resp)
	if got.CurrentCPUUsage != 2 {
		t.Fatalf("got %+v", got)
	}
	if got.PendingCPUUsage == nil || *got.PendingCPUUsage != 1 {
		t.Fatalf("pending cpu = %v", got.PendingCPUUsage)
	}
	if got.PendingMemoryUsage != nil {
		t.Fatalf("absent pending must serialize as null, got %v", *got.PendingMemoryUsage)
	}
}

func TestCountRoutes(t *testing.T) {
	ts, _, source, _ := testServer(t)
	source.snapshots = 5
	source.volumes = 2

	resp, err := http.Get(ts.URL + "/organizations/O1/usage/snapshot")
	if err != nil {
		t.Fatalf("GET snapshot: %v", err)
	}
	snaps := decode[usage.SnapshotUsageOverview](t, resp)
	if snaps.CurrentSnapshotUsage != 5 {
		t.Fatalf("got %+v", snaps)
	}

	resp, err = http.Get(ts.URL + "/organizations/O1/usage/volume")
	if err != nil {
		t.Fatalf("GET volume: %v", err)
	}
	vols := decode[usage.VolumeUsageOverview](t, resp)
	if vols.CurrentVolumeUsage != 2 {
		t.Fatalf("got %+v", vols)
	}
}

func TestIncrementAndReleasePendingRoutes(t *testing.T) {
	ts, counters, _, _ := testServer(t)

	resp, err := http.Post(ts.URL+"/organizations/O1/usage/sandbox/pending",
		"application/json", strings.NewReader(`{"cpu":1,"mem":2,"disk":5}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	result := decode[usage.PendingIncrementResult](t, resp)
	if !result.CPUIncremented || !result.MemoryIncremented || !result.DiskIncremented {
		t.Fatalf("got %+v", result)
	}
	if counters.pending[quota.KindDisk] != 5 {
		t.Fatalf("pending = %v", counters.pending)
	}

	resp, err = http.Post(ts.URL+"/organizations/O1/usage/sandbox/pending/release",
		"application/json", strings.NewReader(`{"cpu":1,"disk":5}`))
	if err != nil {
		t.Fatalf("POST release: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if counters.pending[quota.KindCPU] != 0 || counters.pending[quota.KindMemory] != 2 || counters.pending[quota.KindDisk] != 0 {
		t.Fatalf("pending = %v", counters.pending)
	}
}

func TestIncrementPendingRejectsBadBody(t *testing.T) {
	ts, _, _, _ := testServer(t)

	resp, err := http.Post(ts.URL+"/organizations/O1/usage/sandbox/pending",
		"application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStoreOutageMapsToRetryable(t *testing.T) {
	ts, _, source, _ := testServer(t)
	source.usageErr = store.ErrLockTimeout

	resp, err := http.Get(ts.URL + "/organizations/O1/usage/sandbox")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("503 must carry Retry-After")
	}
}

func TestPublishEventRoute(t *testing.T) {
	ts, _, _, publisher := testServer(t)

	resp, err := http.Post(ts.URL+"/events", "application/json",
		strings.NewReader(`{"kind":"sandbox.created","sandbox":{"id":"S1","organizationId":"O1","cpu":1,"mem":2,"disk":5}}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if len(publisher.payloads) != 1 {
		t.Fatalf("payloads = %d, want 1", len(publisher.payloads))
	}

	resp, err = http.Post(ts.URL+"/events", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST bad body: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
