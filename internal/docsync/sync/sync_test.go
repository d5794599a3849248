package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/docsync/docsync/internal/docsync/cache"
	"github.com/docsync/docsync/internal/docsync/connectivity"
	"github.com/docsync/docsync/internal/docsync/db"
	"github.com/docsync/docsync/internal/docsync/remote"
	"github.com/docsync/docsync/internal/docsync/schema"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

// clock is a manual clock shared by the cache, the orchestrator and the
// in-memory remote.
type clock struct {
	mu stdsync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// events records observer notifications.
type events struct {
	mu  stdsync.Mutex
	got []Event
}

func (e *events) Notify(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
}

func (e *events) count(typ EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.got {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type testEnv struct {
	cache  *cache.Cache
	store  *db.DB
	remote *remote.Memory
	sw     *connectivity.Switch
	orch   Orchestrator
	clock  *clock
	events *events
}

// newEnv builds a client over a fresh store. Clients created with the same
// mem share the remote.
func newEnv(t *testing.T, mem *remote.Memory, clk *clock, configure func(*Config)) *testEnv {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	if clk == nil {
		clk = &clock{t: t0}
	}
	if mem == nil {
		mem = remote.NewMemory()
		mem.Now = clk.Now
	}

	c, err := cache.New(store, &cache.Config{Now: clk.Now})
	if err != nil {
		t.Fatalf("cache.New() failed: %v", err)
	}

	ev := &events{}
	cfg := &Config{
		Now:      clk.Now,
		Logger:   log.New(io.Discard, "", 0),
		Observer: ev,
	}
	if configure != nil {
		configure(cfg)
	}

	sw := connectivity.NewSwitch(connectivity.Online)
	orch, err := New(c, mem, sw, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	return &testEnv{cache: c, store: store, remote: mem, sw: sw, orch: orch, clock: clk, events: ev}
}

// seed stores a document on the remote and caches it locally at the same
// version.
func (e *testEnv) seed(t *testing.T, id, name string, version int64) {
	t.Helper()
	rd := remote.RemoteDocument{
		ID:        id,
		Version:   version,
		Fields:    schema.Fields{Name: name},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	e.remote.Seed(schema.DefaultCollection, rd)
	if _, err := e.cache.CacheRemote(context.Background(), rd, nil); err != nil {
		t.Fatalf("CacheRemote() failed: %v", err)
	}
}

func (e *testEnv) doc(t *testing.T, id string) *schema.CachedDocument {
	t.Helper()
	doc, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", id, err)
	}
	return doc
}

func (e *testEnv) edit(t *testing.T, id, field, value string) {
	t.Helper()
	if _, err := e.cache.Edit(context.Background(), id, schema.Delta{field: value}); err != nil {
		t.Fatalf("Edit(%s) failed: %v", id, err)
	}
}

func (e *testEnv) queue(t *testing.T) []*schema.QueueItem {
	t.Helper()
	items, err := e.store.ListQueue(context.Background())
	if err != nil {
		t.Fatalf("ListQueue() failed: %v", err)
	}
	return items
}

func countCalls(mem *remote.Memory, op string) int {
	n := 0
	for _, c := range mem.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func TestNew_Validation(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	sw := connectivity.NewSwitch(connectivity.Online)

	if _, err := New(nil, env.remote, sw, nil); err == nil {
		t.Error("New() with nil cache should fail")
	}
	if _, err := New(env.cache, nil, sw, nil); err == nil {
		t.Error("New() with nil remote should fail")
	}
	if _, err := New(env.cache, env.remote, nil, nil); err == nil {
		t.Error("New() with nil monitor should fail")
	}
}

func TestDrain_Offline(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	env.seed(t, "doc-1", "a.txt", 1)
	env.sw.Set(connectivity.Offline)
	env.edit(t, "doc-1", "name", "b.txt")

	report, err := env.orch.Drain(context.Background())
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("Drain() error = %v, want ErrOffline", err)
	}
	if report != nil {
		t.Errorf("Drain() report = %+v, want nil", report)
	}
	if n := len(env.queue(t)); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
	if len(env.remote.Calls()) != 0 {
		t.Errorf("remote called while offline: %v", env.remote.Calls())
	}
}

func TestDrain_OfflineEditThenReconnect(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	ctx := context.Background()
	env.seed(t, "doc-1", "draft.txt", 1)

	env.sw.Set(connectivity.Offline)
	env.edit(t, "doc-1", "name", "final.txt")

	doc := env.doc(t, "doc-1")
	if doc.SyncStatus != schema.StatusPending || doc.LocalVersion != 2 || doc.RemoteVersion != 1 {
		t.Fatalf("after offline edit: status %s local %d remote %d", doc.SyncStatus, doc.LocalVersion, doc.RemoteVersion)
	}

	env.sw.Set(connectivity.Online)
	report, err := env.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	want := &DrainReport{Applied: 1}
	if diff := cmp.Diff(want, report); diff != "" {
		t.Errorf("Drain() report mismatch (-want +got):\n%s", diff)
	}

	doc = env.doc(t, "doc-1")
	if doc.SyncStatus != schema.StatusSynced || doc.LocalVersion != 2 || doc.RemoteVersion != 2 {
		t.Errorf("after drain: status %s local %d remote %d", doc.SyncStatus, doc.LocalVersion, doc.RemoteVersion)
	}
	if len(doc.ChangeLog) != 0 {
		t.Errorf("ChangeLog = %v, want empty", doc.ChangeLog)
	}
	if doc.LastSyncedAt == nil {
		t.Error("LastSyncedAt not set")
	}

	rd, _ := env.remote.Get(schema.DefaultCollection, "doc-1")
	if rd.Fields.Name != "final.txt" || rd.Version != 2 {
		t.Errorf("remote = %q v%d, want final.txt v2", rd.Fields.Name, rd.Version)
	}
	if n := len(env.queue(t)); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
	if env.events.count(EventDrainComplete) != 1 {
		t.Errorf("drain_complete events = %d, want 1", env.events.count(EventDrainComplete))
	}
}

func TestDrain_ConflictKeepsLocalFields(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	ctx := context.Background()

	rd := remote.RemoteDocument{ID: "doc-1", Version: 3, Fields: schema.Fields{Name: "base.txt"}, CreatedAt: t0, UpdatedAt: t0}
	if _, err := env.cache.CacheRemote(ctx, rd, nil); err != nil {
		t.Fatalf("CacheRemote() failed: %v", err)
	}
	env.remote.Seed(schema.DefaultCollection, remote.RemoteDocument{
		ID: "doc-1", Version: 5, Fields: schema.Fields{Name: "theirs.txt"}, CreatedAt: t0, UpdatedAt: t0,
	})
	env.edit(t, "doc-1", "name", "mine.txt")

	report, err := env.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"doc-1"}, report.Conflicts); diff != "" {
		t.Errorf("Conflicts mismatch (-want +got):\n%s", diff)
	}

	doc := env.doc(t, "doc-1")
	if doc.SyncStatus != schema.StatusConflict {
		t.Errorf("SyncStatus = %s, want conflict", doc.SyncStatus)
	}
	if doc.Fields.Name != "mine.txt" || doc.RemoteVersion != 3 || doc.LocalVersion != 4 {
		t.Errorf("doc = %q remote %d local %d, want mine.txt remote 3 local 4", doc.Fields.Name, doc.RemoteVersion, doc.LocalVersion)
	}
	if doc.LastError == "" {
		t.Error("LastError not set")
	}

	rec, err := env.store.GetConflict(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetConflict() failed: %v", err)
	}
	if rec.RemoteVersion != 5 || rec.RemoteSnapshot.Name != "theirs.txt" {
		t.Errorf("conflict record = v%d %q, want v5 theirs.txt", rec.RemoteVersion, rec.RemoteSnapshot.Name)
	}
	if n := len(env.queue(t)); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
	if env.events.count(EventConflict) != 1 {
		t.Errorf("conflict events = %d, want 1", env.events.count(EventConflict))
	}

	// The remote copy is untouched.
	server, _ := env.remote.Get(schema.DefaultCollection, "doc-1")
	if server.Fields.Name != "theirs.txt" || server.Version != 5 {
		t.Errorf("remote = %q v%d, want theirs.txt v5", server.Fields.Name, server.Version)
	}
}

func TestDrain_TwoClientConflict(t *testing.T) {
	clk := &clock{t: t0}
	mem := remote.NewMemory()
	mem.Now = clk.Now
	a := newEnv(t, mem, clk, nil)
	b := newEnv(t, mem, clk, nil)
	ctx := context.Background()

	a.seed(t, "doc-1", "shared.txt", 1)
	rd, _ := mem.Get(schema.DefaultCollection, "doc-1")
	if _, err := b.cache.CacheRemote(ctx, rd, nil); err != nil {
		t.Fatalf("CacheRemote() failed: %v", err)
	}

	b.sw.Set(connectivity.Offline)
	b.edit(t, "doc-1", "name", "from-b.txt")

	a.edit(t, "doc-1", "name", "from-a.txt")
	if _, err := a.orch.Drain(ctx); err != nil {
		t.Fatalf("client A Drain() failed: %v", err)
	}

	b.sw.Set(connectivity.Online)
	report, err := b.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("client B Drain() failed: %v", err)
	}
	if len(report.Conflicts) != 1 {
		t.Fatalf("client B Conflicts = %v, want [doc-1]", report.Conflicts)
	}

	doc := b.doc(t, "doc-1")
	if doc.SyncStatus != schema.StatusConflict || doc.Fields.Name != "from-b.txt" {
		t.Errorf("client B doc = %s %q, want conflict from-b.txt", doc.SyncStatus, doc.Fields.Name)
	}
	rec, err := b.store.GetConflict(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetConflict() failed: %v", err)
	}
	if rec.RemoteVersion != 2 || rec.RemoteSnapshot.Name != "from-a.txt" {
		t.Errorf("conflict record = v%d %q, want v2 from-a.txt", rec.RemoteVersion, rec.RemoteSnapshot.Name)
	}

	if got := a.doc(t, "doc-1"); got.SyncStatus != schema.StatusSynced || got.RemoteVersion != 2 {
		t.Errorf("client A doc = %s v%d, want synced v2", got.SyncStatus, got.RemoteVersion)
	}
}

func TestDrain_PerDocumentOrderUnderConcurrency(t *testing.T) {
	const (
		docs  = 10
		edits = 3
		limit = 4
	)
	env := newEnv(t, nil, nil, func(c *Config) { c.Concurrency = limit })
	ctx := context.Background()

	for i := range docs {
		env.seed(t, fmt.Sprintf("doc-%02d", i), "v0.txt", 1)
	}

	// Enqueue concurrently: one writer per document.
	var wg stdsync.WaitGroup
	errs := make(chan error, docs*edits)
	for i := range docs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for n := 1; n <= edits; n++ {
				if _, err := env.cache.Edit(ctx, id, schema.Delta{"name": fmt.Sprintf("v%d.txt", n)}); err != nil {
					errs <- err
				}
			}
		}(fmt.Sprintf("doc-%02d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Edit() failed: %v", err)
	}

	var inflight, peak atomic.Int32
	env.remote.BeforeCall = func(op, id string) {
		if op != "update" {
			return
		}
		cur := inflight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
	}

	report, err := env.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if report.Applied != docs*edits {
		t.Errorf("Applied = %d, want %d", report.Applied, docs*edits)
	}
	if p := peak.Load(); p > limit {
		t.Errorf("peak concurrent dispatches = %d, want <= %d", p, limit)
	}

	versions := make(map[string][]int64)
	for _, c := range env.remote.Calls() {
		if c.Op == "update" {
			versions[c.ID] = append(versions[c.ID], c.Version)
		}
	}
	for i := range docs {
		id := fmt.Sprintf("doc-%02d", i)
		if diff := cmp.Diff([]int64{1, 2, 3}, versions[id]); diff != "" {
			t.Errorf("%s dispatch versions mismatch (-want +got):\n%s", id, diff)
		}
		doc := env.doc(t, id)
		if doc.SyncStatus != schema.StatusSynced || doc.RemoteVersion != 4 || doc.Fields.Name != "v3.txt" {
			t.Errorf("%s = %s v%d %q, want synced v4 v3.txt", id, doc.SyncStatus, doc.RemoteVersion, doc.Fields.Name)
		}
	}
}

func TestDrain_TransientFailureBacksOff(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	ctx := context.Background()
	env.seed(t, "doc-1", "a.txt", 1)
	env.edit(t, "doc-1", "name", "b.txt")
	env.edit(t, "doc-1", "metadata.owner", "ops")

	env.remote.Fail("update", remote.New(remote.KindNetwork, "connection reset"))

	report, err := env.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() returned error for a transient failure: %v", err)
	}
	if report.Failed != 1 || report.Skipped != 1 || report.Applied != 0 {
		t.Errorf("report = %+v, want failed 1 skipped 1", report)
	}
	if len(report.Errors) != 1 || report.Errors[0].Kind != remote.KindNetwork {
		t.Errorf("report errors = %v, want one network error", report.Errors)
	}

	items := env.queue(t)
	if len(items) != 2 {
		t.Fatalf("queue length = %d, want 2", len(items))
	}
	head := items[0]
	if head.Status != schema.QueueFailed || head.RetryCount != 1 || head.Permanent {
		t.Errorf("head = status %s retries %d permanent %v", head.Status, head.RetryCount, head.Permanent)
	}
	if want := t0.Add(2 * time.Second); head.NextAttemptAt == nil || !head.NextAttemptAt.Equal(want) {
		t.Errorf("NextAttemptAt = %v, want %v", head.NextAttemptAt, want)
	}
	if doc := env.doc(t, "doc-1"); doc.SyncStatus != schema.StatusFailed || doc.LastError == "" {
		t.Errorf("doc = %s %q, want failed with error", doc.SyncStatus, doc.LastError)
	}

	// Not due yet: the whole group waits.
	report, err = env.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("second Drain() failed: %v", err)
	}
	if report.Skipped != 2 || countCalls(env.remote, "update") != 1 {
		t.Errorf("second drain: skipped %d, update calls %d; want 2 and 1", report.Skipped, countCalls(env.remote, "update"))
	}

	env.clock.Advance(2 * time.Second)
	report, err = env.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("third Drain() failed: %v", err)
	}
	if report.Applied != 2 {
		t.Errorf("third drain applied %d, want 2", report.Applied)
	}
	doc := env.doc(t, "doc-1")
	if doc.SyncStatus != schema.StatusSynced || doc.RemoteVersion != 3 || doc.LocalVersion != 3 {
		t.Errorf("doc = %s remote %d local %d, want synced 3/3", doc.SyncStatus, doc.RemoteVersion, doc.LocalVersion)
	}
}

func TestDrain_DispatchTimeoutIsTransient(t *testing.T) {
	env := newEnv(t, nil, nil, func(c *Config) { c.DispatchTimeout = 10 * time.Millisecond })
	ctx := context.Background()
	env.seed(t, "doc-1", "a.txt", 1)
	env.edit(t, "doc-1", "name", "b.txt")

	env.remote.BeforeCall = func(op, id string) {
		if op == "update" {
			time.Sleep(50 * time.Millisecond)
		}
	}

	report, err := env.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("Failed = %d, want 1", report.Failed)
	}
	if items := env.queue(t); len(items) != 1 || items[0].RetryCount != 1 {
		t.Errorf("queue = %v, want one item with one retry", items)
	}
}

func TestRetryDelay(t *testing.T) {
	env := newEnv(t, nil, nil, func(c *Config) {
		c.BackoffInitial = 2 * time.Second
		c.BackoffMax = 10 * time.Second
	})
	o := env.orch.(*orchestrator)

	tests := []struct {
		retries int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{9, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := o.retryDelay(tt.retries); got != tt.want {
			t.Errorf("retryDelay(%d) = %s, want %s", tt.retries, got, tt.want)
		}
	}
}

func TestDrain_RetriesExhausted(t *testing.T) {
	env := newEnv(t, nil, nil, func(c *Config) { c.MaxRetries = 2 })
	ctx := context.Background()
	env.seed(t, "doc-1", "a.txt", 1)
	env.edit(t, "doc-1", "name", "b.txt")

	down := remote.New(remote.KindNetwork, "unreachable")
	env.remote.Fail("update", down, down)

	for i := 0; i < 2; i++ {
		if _, err := env.orch.Drain(ctx); err != nil {
			t.Fatalf("Drain() #%d failed: %v", i+1, err)
		}
		env.clock.Advance(time.Hour)
	}

	report, err := env.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if report.Skipped != 1 || countCalls(env.remote, "update") != 2 {
		t.Errorf("exhausted item dispatched again: skipped %d, calls %d", report.Skipped, countCalls(env.remote, "update"))
	}

	n, err := env.orch.Retry(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Retry() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Retry() = %d, want 1", n)
	}
	if doc := env.doc(t, "doc-1"); doc.SyncStatus != schema.StatusPending {
		t.Errorf("SyncStatus after Retry() = %s, want pending", doc.SyncStatus)
	}

	report, err = env.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() after Retry() failed: %v", err)
	}
	if report.Applied != 1 {
		t.Errorf("Applied after Retry() = %d, want 1", report.Applied)
	}
}

func TestDrain_PermanentFailureSurfaces(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	ctx := context.Background()
	env.seed(t, "doc-1", "a.txt", 1)
	env.seed(t, "doc-2", "c.txt", 1)
	env.edit(t, "doc-1", "name", "b.txt")
	env.edit(t, "doc-2", "name", "d.txt")

	env.remote.Fail("update", remote.New(remote.KindAuth, "token expired"))

	report, err := env.orch.Drain(ctx)
	if !errors.Is(err, remote.ErrAuth) {
		t.Fatalf("Drain() error = %v, want auth error", err)
	}
	if report.Rejected != 1 || report.Applied != 1 {
		t.Errorf("report = %+v, want rejected 1 applied 1", report)
	}

	var failedID string
	for _, id := range []string{"doc-1", "doc-2"} {
		if env.doc(t, id).SyncStatus == schema.StatusFailed {
			failedID = id
		}
	}
	if failedID == "" {
		t.Fatal("no document marked failed")
	}
	items := env.queue(t)
	if len(items) != 1 || !items[0].Permanent || items[0].Status != schema.QueueFailed {
		t.Fatalf("queue = %+v, want one permanent failed item", items)
	}

	// Permanent items are not retried automatically.
	env.clock.Advance(time.Hour)
	report, err = env.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if report.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", report.Skipped)
	}

	if n, err := env.orch.Retry(ctx, ""); err != nil || n != 1 {
		t.Fatalf("Retry(all) = %d, %v; want 1, nil", n, err)
	}
	if _, err := env.orch.Drain(ctx); err != nil {
		t.Fatalf("Drain() after Retry() failed: %v", err)
	}
	if doc := env.doc(t, failedID); doc.SyncStatus != schema.StatusSynced {
		t.Errorf("%s after retry = %s, want synced", failedID, doc.SyncStatus)
	}
}

func TestDrain_QuotaExceededKeepsEdit(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	ctx := context.Background()
	env.seed(t, "doc-1", "a.txt", 1)
	env.edit(t, "doc-1", "metadata.owner", "alice")

	env.remote.Fail("update", remote.New(remote.KindQuotaExceeded, "storage full"))

	report, err := env.orch.Drain(ctx)
	if !errors.Is(err, remote.ErrQuotaExceeded) {
		t.Fatalf("Drain() error = %v, want quota error", err)
	}
	if report.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", report.Rejected)
	}
	items := env.queue(t)
	if len(items) != 1 || !items[0].Permanent || items[0].Status != schema.QueueFailed {
		t.Fatalf("queue = %+v, want one permanent failed item", items)
	}
	if got := env.doc(t, "doc-1"); got.SyncStatus != schema.StatusFailed {
		t.Errorf("SyncStatus = %s, want failed", got.SyncStatus)
	}

	// A later edit waits behind the rejected one.
	env.edit(t, "doc-1", "name", "b.txt")
	report, err = env.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if report.Applied != 0 || report.Skipped != 2 {
		t.Errorf("report = %+v, want applied 0 skipped 2", report)
	}
	if got := env.doc(t, "doc-1"); got.SyncStatus == schema.StatusSynced {
		t.Error("document marked synced with an edit still queued")
	}

	if n, err := env.orch.Retry(ctx, ""); err != nil || n != 1 {
		t.Fatalf("Retry(all) = %d, %v; want 1, nil", n, err)
	}
	report, err = env.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() after Retry() failed: %v", err)
	}
	if report.Applied != 2 {
		t.Errorf("Applied = %d, want 2", report.Applied)
	}

	doc := env.doc(t, "doc-1")
	rd, _ := env.remote.Get(schema.DefaultCollection, "doc-1")
	if doc.SyncStatus != schema.StatusSynced || len(doc.ChangeLog) != 0 {
		t.Errorf("doc = %s with %d change log entries, want synced and empty", doc.SyncStatus, len(doc.ChangeLog))
	}
	if diff := cmp.Diff(rd.Fields, doc.Fields); diff != "" {
		t.Errorf("local fields differ from remote (-remote +local):\n%s", diff)
	}
	if rd.Version != 3 || doc.RemoteVersion != 3 {
		t.Errorf("versions = remote %d local %d, want 3", rd.Version, doc.RemoteVersion)
	}
	if rd.Fields.Metadata["owner"] != "alice" {
		t.Errorf("remote owner = %q, want alice", rd.Fields.Metadata["owner"])
	}
}

func TestDrain_QuotaExceededUploadStaysSweepable(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	ctx := context.Background()

	doc, err := env.cache.Upload(ctx, schema.Fields{Name: "scan.png"}, []byte("png"))
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	env.remote.Fail("upload", remote.New(remote.KindQuotaExceeded, "storage full"))

	report, err := env.orch.Drain(ctx)
	if !errors.Is(err, remote.ErrQuotaExceeded) {
		t.Fatalf("Drain() error = %v, want quota error", err)
	}
	if report.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", report.Rejected)
	}
	items := env.queue(t)
	if len(items) != 1 || items[0].Operation != schema.OpUpload || !items[0].Permanent {
		t.Fatalf("queue = %+v, want the permanent upload", items)
	}
	if got := env.doc(t, doc.ID); got.SyncStatus != schema.StatusFailed {
		t.Errorf("SyncStatus = %s, want failed", got.SyncStatus)
	}

	env.clock.Advance(2 * time.Hour)
	n, err := env.orch.SweepStale(ctx, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("SweepStale() = %d, %v; want 1, nil", n, err)
	}
	if _, err := env.store.Get(ctx, doc.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Get(%s) error = %v, want ErrNotFound", doc.ID, err)
	}
}

func TestDrain_QueueOrderSurvivesClockStep(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	ctx := context.Background()
	env.seed(t, "doc-1", "a.txt", 1)

	env.edit(t, "doc-1", "name", "first.txt")
	env.clock.Advance(-time.Second)
	env.edit(t, "doc-1", "name", "second.txt")

	report, err := env.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if report.Applied != 2 {
		t.Errorf("Applied = %d, want 2", report.Applied)
	}

	rd, _ := env.remote.Get(schema.DefaultCollection, "doc-1")
	if rd.Fields.Name != "second.txt" || rd.Version != 3 {
		t.Errorf("remote = %q v%d, want second.txt v3", rd.Fields.Name, rd.Version)
	}
	doc := env.doc(t, "doc-1")
	if doc.SyncStatus != schema.StatusSynced || doc.Fields.Name != "second.txt" {
		t.Errorf("doc = %s %q, want synced second.txt", doc.SyncStatus, doc.Fields.Name)
	}

	var versions []int64
	for _, c := range env.remote.Calls() {
		if c.Op == "update" {
			versions = append(versions, c.Version)
		}
	}
	if diff := cmp.Diff([]int64{1, 2}, versions); diff != "" {
		t.Errorf("update versions mismatch (-want +got):\n%s", diff)
	}
}

// mergingRemote acknowledges updates as if another client's write had landed
// on the server first.
type mergingRemote struct {
	*remote.Memory
	jump int64
}

func (m mergingRemote) Update(ctx context.Context, collection, id string, version int64, delta schema.Delta) (remote.Ack, error) {
	if _, err := m.Memory.Update(ctx, collection, id, version, delta); err != nil {
		return remote.Ack{}, err
	}
	rd, _ := m.Get(collection, id)
	rd.Version += m.jump
	if rd.Fields.Metadata == nil {
		rd.Fields.Metadata = make(map[string]string)
	}
	rd.Fields.Metadata["reviewer"] = "bob"
	m.Seed(collection, rd)
	return remote.Ack{ID: id, Version: rd.Version}, nil
}

func TestDrain_VersionJumpIsConflict(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	ctx := context.Background()
	env.seed(t, "doc-1", "a.txt", 1)
	env.edit(t, "doc-1", "name", "b.txt")

	orch, err := New(env.cache, mergingRemote{Memory: env.remote, jump: 5}, env.sw, &Config{
		Now:    env.clock.Now,
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	report, err := orch.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if report.Applied != 0 {
		t.Errorf("Applied = %d, want 0", report.Applied)
	}
	if diff := cmp.Diff([]string{"doc-1"}, report.Conflicts); diff != "" {
		t.Errorf("Conflicts mismatch (-want +got):\n%s", diff)
	}

	doc := env.doc(t, "doc-1")
	if doc.SyncStatus != schema.StatusConflict || doc.RemoteVersion != 1 {
		t.Errorf("doc = %s remote %d, want conflict remote 1", doc.SyncStatus, doc.RemoteVersion)
	}

	rec, err := env.store.GetConflict(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetConflict() failed: %v", err)
	}
	if rec.RemoteVersion != 7 {
		t.Errorf("conflict version = %d, want 7", rec.RemoteVersion)
	}
	if rec.RemoteSnapshot.Name != "b.txt" || rec.RemoteSnapshot.Metadata["reviewer"] != "bob" {
		t.Errorf("conflict snapshot = %+v, want b.txt reviewed by bob", rec.RemoteSnapshot)
	}
	if n := len(env.queue(t)); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestVersionMismatch(t *testing.T) {
	tests := []struct {
		name    string
		op      schema.Operation
		version int64
		ack     remote.Ack
		want    bool
	}{
		{"update next version", schema.OpUpdate, 3, remote.Ack{ID: "doc-1", Version: 4}, false},
		{"update skips versions", schema.OpUpdate, 3, remote.Ack{ID: "doc-1", Version: 6}, true},
		{"create first version", schema.OpCreate, 0, remote.Ack{ID: "doc-1", Version: 1}, false},
		{"create over existing", schema.OpCreate, 0, remote.Ack{ID: "doc-1", Version: 2}, true},
		{"upload under server id", schema.OpUpload, 0, remote.Ack{ID: "srv-9", Version: 4}, false},
		{"delete unchecked", schema.OpDelete, 3, remote.Ack{ID: "doc-1", Version: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := &schema.QueueItem{DocumentID: "doc-1", Operation: tt.op}
			ce := versionMismatch(item, tt.version, tt.ack)
			if got := ce != nil; got != tt.want {
				t.Fatalf("versionMismatch() = %v, want conflict %v", ce, tt.want)
			}
			if ce != nil && (ce.Kind != remote.KindConflict || ce.RemoteVersion != tt.ack.Version) {
				t.Errorf("versionMismatch() = %+v, want conflict at %d", ce, tt.ack.Version)
			}
		})
	}
}

func TestDrain_ConflictWithoutSnapshotFetchesServerCopy(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	ctx := context.Background()
	env.seed(t, "doc-1", "a.txt", 1)
	env.remote.Seed(schema.DefaultCollection, remote.RemoteDocument{
		ID: "doc-1", Version: 2, Fields: schema.Fields{Name: "theirs.txt"}, CreatedAt: t0, UpdatedAt: t0,
	})
	env.edit(t, "doc-1", "name", "mine.txt")

	env.remote.Fail("update", &remote.Error{Kind: remote.KindConflict, Message: "update: 409 Conflict", RemoteVersion: 2})

	report, err := env.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"doc-1"}, report.Conflicts); diff != "" {
		t.Errorf("Conflicts mismatch (-want +got):\n%s", diff)
	}
	if countCalls(env.remote, "fetch_all") != 1 {
		t.Errorf("fetch_all calls = %d, want 1", countCalls(env.remote, "fetch_all"))
	}

	rec, err := env.store.GetConflict(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetConflict() failed: %v", err)
	}
	if !rec.HasSnapshot() || rec.RemoteSnapshot.Name != "theirs.txt" || rec.RemoteVersion != 2 {
		t.Errorf("conflict record = v%d %+v, want v2 theirs.txt", rec.RemoteVersion, rec.RemoteSnapshot)
	}
}

func TestRefresh_RecordsMissingSnapshot(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	ctx := context.Background()
	env.seed(t, "doc-1", "a.txt", 1)
	env.remote.Seed(schema.DefaultCollection, remote.RemoteDocument{
		ID: "doc-1", Version: 2, Fields: schema.Fields{Name: "theirs.txt"}, CreatedAt: t0, UpdatedAt: t0.Add(time.Minute),
	})
	env.edit(t, "doc-1", "name", "mine.txt")

	// Neither the 409 nor the follow-up lookup carry the server copy.
	env.remote.Fail("update", &remote.Error{Kind: remote.KindConflict, Message: "update: 409 Conflict", RemoteVersion: 2})
	env.remote.Fail("fetch_all", remote.New(remote.KindNetwork, "connection reset"))

	if _, err := env.orch.Drain(ctx); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	rec, err := env.store.GetConflict(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetConflict() failed: %v", err)
	}
	if rec.HasSnapshot() {
		t.Fatalf("conflict snapshot = %+v, want none", rec.RemoteSnapshot)
	}
	if got := env.doc(t, "doc-1"); got.SyncStatus != schema.StatusConflict {
		t.Errorf("SyncStatus = %s, want conflict", got.SyncStatus)
	}

	if err := SetRefreshCursor(ctx, env.store, nil); err != nil {
		t.Fatalf("SetRefreshCursor() failed: %v", err)
	}
	if _, err := env.orch.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	rec, err = env.store.GetConflict(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetConflict() failed: %v", err)
	}
	if rec.RemoteSnapshot.Name != "theirs.txt" || rec.RemoteVersion != 2 {
		t.Errorf("conflict record = v%d %+v, want v2 theirs.txt", rec.RemoteVersion, rec.RemoteSnapshot)
	}
	if got := env.doc(t, "doc-1"); got.SyncStatus != schema.StatusConflict || got.Fields.Name != "mine.txt" {
		t.Errorf("doc = %s %q, want conflict mine.txt", got.SyncStatus, got.Fields.Name)
	}
}

func TestDrain_CreateRekeysDocument(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	env.remote.AssignIDs = true
	ctx := context.Background()

	doc, err := env.cache.Create(ctx, schema.Fields{Name: "draft.txt"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	env.edit(t, doc.ID, "name", "final.txt")

	report, err := env.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if report.Applied != 2 {
		t.Errorf("Applied = %d, want 2", report.Applied)
	}

	if _, err := env.store.Get(ctx, doc.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Get(%s) error = %v, want ErrNotFound", doc.ID, err)
	}
	got := env.doc(t, "srv-1")
	if got.SyncStatus != schema.StatusSynced || got.RemoteVersion != 2 || got.Fields.Name != "final.txt" {
		t.Errorf("srv-1 = %s v%d %q, want synced v2 final.txt", got.SyncStatus, got.RemoteVersion, got.Fields.Name)
	}
	rd, ok := env.remote.Get(schema.DefaultCollection, "srv-1")
	if !ok || rd.Fields.Name != "final.txt" {
		t.Errorf("remote srv-1 = %+v, want final.txt", rd)
	}
}

func TestDrain_UploadSendsBinary(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	ctx := context.Background()

	doc, err := env.cache.Upload(ctx, schema.Fields{Name: "scan.png", MediaType: "image/png"}, []byte("png-bytes"))
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	if _, err := env.orch.Drain(ctx); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	blob, ok := env.remote.Binary(schema.DefaultCollection, doc.ID)
	if !ok || string(blob) != "png-bytes" {
		t.Errorf("remote binary = %q, %v", blob, ok)
	}
	got := env.doc(t, doc.ID)
	if got.SyncStatus != schema.StatusSynced || got.RemoteVersion != 1 {
		t.Errorf("doc = %s v%d, want synced v1", got.SyncStatus, got.RemoteVersion)
	}
}

func TestDrain_DeleteRemovesTombstone(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	ctx := context.Background()
	env.seed(t, "doc-1", "old.txt", 1)

	if err := env.cache.Delete(ctx, "doc-1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if doc := env.doc(t, "doc-1"); !doc.Deleted {
		t.Fatal("document should be a tombstone before drain")
	}

	if _, err := env.orch.Drain(ctx); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if _, err := env.store.Get(ctx, "doc-1"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	rd, _ := env.remote.Get(schema.DefaultCollection, "doc-1")
	if !rd.Deleted {
		t.Error("remote document not deleted")
	}
}

func TestDrain_ResetsInterruptedItems(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	ctx := context.Background()
	env.seed(t, "doc-1", "a.txt", 1)
	env.edit(t, "doc-1", "name", "b.txt")

	item := env.queue(t)[0]
	item.Status = schema.QueueSyncing
	if err := env.store.UpdateQueueItem(ctx, item); err != nil {
		t.Fatalf("UpdateQueueItem() failed: %v", err)
	}

	report, err := env.orch.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if report.Reset != 1 || report.Applied != 1 {
		t.Errorf("report = %+v, want reset 1 applied 1", report)
	}
}

func TestSweepStale_Boundary(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	ctx := context.Background()
	env.sw.Set(connectivity.Offline)

	doc, err := env.cache.Upload(ctx, schema.Fields{Name: "scan.png"}, []byte("png"))
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}

	if _, err := env.orch.SweepStale(ctx, 0); err == nil {
		t.Error("SweepStale(0) should fail")
	}

	env.clock.Advance(time.Hour)
	n, err := env.orch.SweepStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("SweepStale() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("SweepStale() at exactly max age removed %d, want 0", n)
	}

	env.clock.Advance(time.Second)
	n, err = env.orch.SweepStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("SweepStale() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("SweepStale() removed %d, want 1", n)
	}
	if _, err := env.store.Get(ctx, doc.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("placeholder document still cached: %v", err)
	}
	if len(env.queue(t)) != 0 {
		t.Error("queue not empty after sweep")
	}
}

func TestRefresh(t *testing.T) {
	env := newEnv(t, nil, nil, func(c *Config) { c.RefreshTTL = time.Minute })
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		env.remote.Seed(schema.DefaultCollection, remote.RemoteDocument{
			ID: id, Version: 1, Fields: schema.Fields{Name: id + ".txt"}, CreatedAt: t0, UpdatedAt: t0,
		})
	}

	n, err := env.orch.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("first Refresh() = %d, want 2", n)
	}
	if doc := env.doc(t, "a"); doc.SyncStatus != schema.StatusSynced {
		t.Errorf("refreshed doc status = %s, want synced", doc.SyncStatus)
	}

	// Nothing new since the cursor; the second call is answered from the memo.
	for i := 0; i < 2; i++ {
		if n, err := env.orch.Refresh(ctx); err != nil || n != 0 {
			t.Fatalf("Refresh() = %d, %v; want 0, nil", n, err)
		}
	}
	if got := countCalls(env.remote, "fetch_all"); got != 2 {
		t.Errorf("fetch_all calls = %d, want 2", got)
	}

	env.edit(t, "a", "name", "a-mine.txt")
	for _, id := range []string{"a", "b"} {
		env.remote.Seed(schema.DefaultCollection, remote.RemoteDocument{
			ID: id, Version: 2, Fields: schema.Fields{Name: id + "-theirs.txt"}, CreatedAt: t0, UpdatedAt: t0.Add(time.Minute),
		})
	}
	env.clock.Advance(2 * time.Minute)

	n, err = env.orch.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Refresh() = %d, want 1", n)
	}
	if doc := env.doc(t, "a"); doc.Fields.Name != "a-mine.txt" || doc.SyncStatus != schema.StatusPending {
		t.Errorf("locally edited doc = %s %q, want pending a-mine.txt", doc.SyncStatus, doc.Fields.Name)
	}
	if doc := env.doc(t, "b"); doc.Fields.Name != "b-theirs.txt" || doc.RemoteVersion != 2 {
		t.Errorf("synced doc = %q v%d, want b-theirs.txt v2", doc.Fields.Name, doc.RemoteVersion)
	}

	env.sw.Set(connectivity.Offline)
	if _, err := env.orch.Refresh(ctx); !errors.Is(err, ErrOffline) {
		t.Errorf("Refresh() offline error = %v, want ErrOffline", err)
	}
}

func TestSetRefreshCursor(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	ctx := context.Background()

	env.remote.Seed(schema.DefaultCollection, remote.RemoteDocument{
		ID: "a", Version: 1, Fields: schema.Fields{Name: "a.txt"}, CreatedAt: t0, UpdatedAt: t0,
	})
	if _, err := env.orch.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	// Older than the cursor, so an incremental refresh never sees it.
	env.remote.Seed(schema.DefaultCollection, remote.RemoteDocument{
		ID: "old", Version: 1, Fields: schema.Fields{Name: "old.txt"}, CreatedAt: t0, UpdatedAt: t0.Add(-time.Hour),
	})
	env.clock.Advance(2 * time.Minute)
	if n, err := env.orch.Refresh(ctx); err != nil || n != 0 {
		t.Fatalf("Refresh() = %d, %v; want 0, nil", n, err)
	}

	if err := SetRefreshCursor(ctx, env.store, nil); err != nil {
		t.Fatalf("SetRefreshCursor(nil) failed: %v", err)
	}
	if _, err := env.orch.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if doc := env.doc(t, "old"); doc.Fields.Name != "old.txt" {
		t.Errorf("old doc name = %q, want old.txt", doc.Fields.Name)
	}

	since := t0.Add(-2 * time.Hour)
	if err := SetRefreshCursor(ctx, env.store, &since); err != nil {
		t.Fatalf("SetRefreshCursor() failed: %v", err)
	}
	entry, err := env.store.CacheGet(ctx, cursorKey)
	if err != nil {
		t.Fatalf("CacheGet() failed: %v", err)
	}
	if got := string(entry.Data); got != since.Format(time.RFC3339Nano) {
		t.Errorf("cursor = %q, want %q", got, since.Format(time.RFC3339Nano))
	}
}

func TestWatch_DrainsOnReconnect(t *testing.T) {
	env := newEnv(t, nil, nil, nil)
	env.seed(t, "doc-1", "a.txt", 1)
	env.sw.Set(connectivity.Offline)
	env.edit(t, "doc-1", "name", "b.txt")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.orch.Watch(ctx)
		close(done)
	}()

	env.sw.Set(connectivity.Online)

	deadline := time.Now().Add(2 * time.Second)
	for {
		doc, err := env.store.Get(context.Background(), "doc-1")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if doc.SyncStatus == schema.StatusSynced {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("document not synced after reconnect (status %s)", doc.SyncStatus)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch() did not return after cancel")
	}
	if env.events.count(EventDrainComplete) == 0 {
		t.Error("no drain_complete event")
	}
}
