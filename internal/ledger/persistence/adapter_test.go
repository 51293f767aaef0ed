package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"testing"

	"orgquota/internal/ledger/quota"
)

// Minimal fake SQL driver to exercise Adapter query paths without a
// database. Result sets are consumed in call order.

type fakeResultSet struct {
	cols []string
	rows [][]driver.Value
}

type fakeQueryDB struct {
	queries  []string
	args     [][]driver.Value
	results  []fakeResultSet
	queryErr error
}

var testQueryDB *fakeQueryDB

type fakeQueryDriver struct{}

type fakeQueryConn struct{ db *fakeQueryDB }

func (fakeQueryDriver) Open(string) (driver.Conn, error) {
	return &fakeQueryConn{db: testQueryDB}, nil
}

func (c *fakeQueryConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("not supported")
}
func (c *fakeQueryConn) Close() error              { return nil }
func (c *fakeQueryConn) Begin() (driver.Tx, error) { return nil, errors.New("not supported") }

func (c *fakeQueryConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if c.db.queryErr != nil {
		return nil, c.db.queryErr
	}
	c.db.queries = append(c.db.queries, query)
	vals := make([]driver.Value, len(args))
	for i, a := range args {
		vals[i] = a.Value
	}
	c.db.args = append(c.db.args, vals)
	if len(c.db.results) == 0 {
		return &fakeRows{}, nil
	}
	rs := c.db.results[0]
	c.db.results = c.db.results[1:]
	return &fakeRows{cols: rs.cols, rows: rs.rows}, nil
}

type fakeRows struct {
	cols []string
	rows [][]driver.Value
	i    int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.i >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.i])
	r.i++
	return nil
}

func init() { sql.Register("fakequery", fakeQueryDriver{}) }

func openFake(t *testing.T, fake *fakeQueryDB) *sql.DB {
	t.Helper()
	testQueryDB = fake
	db, err := sql.Open("fakequery", "")
	if err != nil {
		t.Fatalf("open fake db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestFetchSandboxUsage(t *testing.T) {
	fake := &fakeQueryDB{results: []fakeResultSet{{
		cols: []string{"cpu", "mem", "disk"},
		rows: [][]driver.Value{{int64(2), int64(4), int64(30)}},
	}}}
	a := NewAdapter(openFake(t, fake))

	usage, err := a.FetchSandboxUsage(context.Background(), "O1")
	if err != nil {
		t.Fatalf("FetchSandboxUsage: %v", err)
	}
	if usage.CPU != 2 || usage.Mem != 4 || usage.Disk != 30 {
		t.Fatalf("got %+v want {2 4 30}", usage)
	}
	if len(fake.queries) != 1 || !strings.Contains(fake.queries[0], "FROM sandboxes") {
		t.Fatalf("unexpected queries: %v", fake.queries)
	}
	if fake.args[0][0] != "O1" {
		t.Fatalf("first arg must be the organization id, got %v", fake.args[0][0])
	}
	// One aggregation pass: compute set for cpu/mem, disk set for disk.
	if !strings.Contains(fake.queries[0], "ANY($2)") || !strings.Contains(fake.queries[0], "ANY($3)") {
		t.Fatalf("query must carry both state sets: %s", fake.queries[0])
	}
}

func TestFetchCounts(t *testing.T) {
	fake := &fakeQueryDB{results: []fakeResultSet{
		{cols: []string{"count"}, rows: [][]driver.Value{{int64(5)}}},
		{cols: []string{"count"}, rows: [][]driver.Value{{int64(2)}}},
	}}
	a := NewAdapter(openFake(t, fake))
	ctx := context.Background()

	snaps, err := a.FetchSnapshotCount(ctx, "O1")
	if err != nil || snaps != 5 {
		t.Fatalf("snapshot count: got %d err=%v", snaps, err)
	}
	vols, err := a.FetchVolumeCount(ctx, "O1")
	if err != nil || vols != 2 {
		t.Fatalf("volume count: got %d err=%v", vols, err)
	}
	if !strings.Contains(fake.queries[0], "FROM snapshots") || !strings.Contains(fake.queries[1], "FROM volumes") {
		t.Fatalf("unexpected queries: %v", fake.queries)
	}
	// Counting excludes the ignored states rather than enumerating the rest.
	if !strings.Contains(fake.queries[0], "NOT (state = ANY($2))") {
		t.Fatalf("count query must exclude ignored states: %s", fake.queries[0])
	}
}

func TestGetSandbox(t *testing.T) {
	fake := &fakeQueryDB{results: []fakeResultSet{{
		cols: []string{"id", "organization_id", "state", "cpu", "mem", "disk"},
		rows: [][]driver.Value{{"S1", "O1", "started", int64(2), int64(4), int64(10)}},
	}}}
	a := NewAdapter(openFake(t, fake))

	sb, err := a.GetSandbox(context.Background(), "S1")
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if sb == nil || sb.ID != "S1" || sb.State != quota.SandboxStateStarted || sb.Disk != 10 {
		t.Fatalf("got %+v", sb)
	}
}

func TestGetSandbox_AbsentIsNil(t *testing.T) {
	fake := &fakeQueryDB{results: []fakeResultSet{{cols: []string{"id"}, rows: nil}}}
	a := NewAdapter(openFake(t, fake))

	sb, err := a.GetSandbox(context.Background(), "missing")
	if err != nil || sb != nil {
		t.Fatalf("absent sandbox: got %+v err=%v", sb, err)
	}
}

func TestGetOrganization(t *testing.T) {
	fake := &fakeQueryDB{results: []fakeResultSet{{
		cols: []string{"id", "cpu_quota", "memory_quota", "disk_quota", "snapshot_quota", "volume_quota"},
		rows: [][]driver.Value{{"O1", int64(10), int64(20), int64(100), int64(50), int64(25)}},
	}}}
	a := NewAdapter(openFake(t, fake))

	org, err := a.GetOrganization(context.Background(), "O1")
	if err != nil {
		t.Fatalf("GetOrganization: %v", err)
	}
	if org == nil || org.CPUQuota != 10 || org.VolumeQuota != 25 {
		t.Fatalf("got %+v", org)
	}

	fake.results = []fakeResultSet{{cols: []string{"id"}, rows: nil}}
	org, err = a.GetOrganization(context.Background(), "missing")
	if err != nil || org != nil {
		t.Fatalf("absent organization: got %+v err=%v", org, err)
	}
}

func TestQueryErrorPropagates(t *testing.T) {
	fake := &fakeQueryDB{queryErr: errors.New("connection refused")}
	a := NewAdapter(openFake(t, fake))

	if _, err := a.FetchSandboxUsage(context.Background(), "O1"); err == nil {
		t.Fatalf("expected query error")
	}
}

func TestStateStringsSortedAndComplete(t *testing.T) {
	got := stateStrings(quota.SnapshotUsageIgnoredStates)
	want := []string{"error", "removing"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
