// Package loadtest exercises the document cache under concurrent editors.
//
// A Harness seeds a SQLite cache and an in-memory remote with synced
// documents, runs many editors against the cache at once, then drains the
// queue and checks that every edit reached the remote exactly once and in
// order.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/docsync/docsync/internal/docsync/cache"
	"github.com/docsync/docsync/internal/docsync/connectivity"
	"github.com/docsync/docsync/internal/docsync/db"
	"github.com/docsync/docsync/internal/docsync/remote"
	"github.com/docsync/docsync/internal/docsync/schema"
	docsync "github.com/docsync/docsync/internal/docsync/sync"
)

const seedVersion = 1

// Harness is a populated cache wired to an in-memory remote.
type Harness struct {
	DB     *db.DB
	Cache  *cache.Cache
	Remote *remote.Memory
	DocIDs []string

	// Logger receives orchestrator output during Drain. Defaults to discard.
	Logger *log.Logger

	edits   map[string]int
	editsMu sync.Mutex
}

// LatencyStats captures per-operation latency.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Operations int
	Errors     int
}

// DrainResult summarizes the drain after a run.
type DrainResult struct {
	Report   *docsync.DrainReport
	Duration time.Duration
	Passes   int
}

// Setup opens a cache at dbPath and seeds numDocs synced documents, present
// on both the remote and the cache.
func Setup(ctx context.Context, dbPath string, numDocs int) (*Harness, error) {
	if numDocs < 1 {
		return nil, fmt.Errorf("need at least one document (got %d)", numDocs)
	}

	store, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.InitSchemaContext(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	c, err := cache.New(store, nil)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	h := &Harness{
		DB:     store,
		Cache:  c,
		Remote: remote.NewMemory(),
		DocIDs: make([]string, 0, numDocs),
		Logger: log.New(io.Discard, "", 0),
		edits:  make(map[string]int, numDocs),
	}

	base := time.Now().Add(-30 * 24 * time.Hour).UTC()
	for i := 0; i < numDocs; i++ {
		created := base.Add(time.Duration(i) * time.Minute)
		rd := remote.RemoteDocument{
			ID:      fmt.Sprintf("srv-%05d", i),
			Version: seedVersion,
			Fields: schema.Fields{
				Name:      fmt.Sprintf("Document %d.pdf", i),
				MediaType: "application/pdf",
				Metadata:  map[string]string{"batch": fmt.Sprintf("%d", i/100)},
			},
			CreatedAt: created,
			UpdatedAt: created,
		}
		h.Remote.Seed(schema.DefaultCollection, rd)
		if _, err := c.CacheRemote(ctx, rd, nil); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to seed %s: %w", rd.ID, err)
		}
		h.DocIDs = append(h.DocIDs, rd.ID)
	}

	return h, nil
}

// Close closes the cache database.
func (h *Harness) Close() error {
	if h.DB != nil {
		return h.DB.Close()
	}
	return nil
}

// RunConcurrentEdits starts editors goroutines, each applying editsPerEditor
// edits to pseudo-randomly chosen documents, and returns the edit latency.
func (h *Harness) RunConcurrentEdits(ctx context.Context, editors, editsPerEditor int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	results := make(chan []time.Duration, editors)
	errs := make(chan error, editors)

	for i := 0; i < editors; i++ {
		wg.Add(1)
		go func(editor int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(editor) + 42))
			durations := make([]time.Duration, 0, editsPerEditor)

			for j := 0; j < editsPerEditor; j++ {
				id := h.DocIDs[rng.Intn(len(h.DocIDs))]
				start := time.Now()
				_, err := h.Cache.Edit(ctx, id, schema.Delta{
					"name": fmt.Sprintf("%s edited by %d (#%d)", id, editor, j),
				})
				durations = append(durations, time.Since(start))
				if err != nil {
					errs <- fmt.Errorf("editor %d edit %d failed: %w", editor, j, err)
					break
				}
				h.recordEdit(id)
			}
			results <- durations
		}(i)
	}

	wg.Wait()
	close(results)
	close(errs)

	var all []time.Duration
	for d := range results {
		all = append(all, d...)
	}
	var firstErr error
	errorCount := 0
	for err := range errs {
		errorCount++
		if firstErr == nil {
			firstErr = err
		}
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("no edits completed")
	}
	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats, firstErr
}

func (h *Harness) recordEdit(id string) {
	h.editsMu.Lock()
	h.edits[id]++
	h.editsMu.Unlock()
}

// Edits returns the number of successful edits per document.
func (h *Harness) Edits() map[string]int {
	h.editsMu.Lock()
	defer h.editsMu.Unlock()
	out := make(map[string]int, len(h.edits))
	for id, n := range h.edits {
		out[id] = n
	}
	return out
}

// VerifyQueue checks that each document's version moved once per edit and
// that its queue holds exactly one update per edit, oldest first.
func (h *Harness) VerifyQueue(ctx context.Context) error {
	edits := h.Edits()
	for _, id := range h.DocIDs {
		doc, err := h.DB.Get(ctx, id)
		if err != nil {
			return err
		}
		n := edits[id]
		if want := int64(seedVersion + n); doc.LocalVersion != want {
			return fmt.Errorf("%s: local version %d, want %d", id, doc.LocalVersion, want)
		}

		items, err := h.DB.QueueForDocument(ctx, id)
		if err != nil {
			return err
		}
		if len(items) != n {
			return fmt.Errorf("%s: %d queue items, want %d", id, len(items), n)
		}
		for i := 1; i < len(items); i++ {
			if items[i].CreatedAt.Before(items[i-1].CreatedAt) {
				return fmt.Errorf("%s: queue item %s is older than its predecessor", id, items[i].ID)
			}
		}
		if n > 0 && doc.SyncStatus != schema.StatusPending {
			return fmt.Errorf("%s: status %s, want pending", id, doc.SyncStatus)
		}
	}
	return nil
}

// Drain pushes the queue to the remote with the given concurrency, draining
// until nothing is left or a pass makes no progress.
func (h *Harness) Drain(ctx context.Context, concurrency int) (*DrainResult, error) {
	orch, err := docsync.New(h.Cache, h.Remote, connectivity.NewSwitch(connectivity.Online), &docsync.Config{
		Concurrency: concurrency,
		Logger:      h.Logger,
	})
	if err != nil {
		return nil, err
	}

	result := &DrainResult{Report: &docsync.DrainReport{}}
	start := time.Now()
	for {
		report, err := orch.Drain(ctx)
		result.Passes++
		if report != nil {
			result.Report.Applied += report.Applied
			result.Report.Failed += report.Failed
			result.Report.Rejected += report.Rejected
			result.Report.Conflicts = append(result.Report.Conflicts, report.Conflicts...)
		}
		if err != nil {
			return result, err
		}
		left, err := h.DB.QueueCount(ctx)
		if err != nil {
			return result, err
		}
		if left == 0 || report == nil || report.Applied == 0 {
			break
		}
	}
	result.Duration = time.Since(start)
	return result, nil
}

// VerifyRemote checks that every edit reached the remote and that cache and
// remote agree on each document.
func (h *Harness) VerifyRemote(ctx context.Context) error {
	if n, err := h.DB.QueueCount(ctx); err != nil {
		return err
	} else if n != 0 {
		return fmt.Errorf("%d queue items left after drain", n)
	}

	edits := h.Edits()
	for _, id := range h.DocIDs {
		rd, ok := h.Remote.Get(schema.DefaultCollection, id)
		if !ok {
			return fmt.Errorf("%s: missing on remote", id)
		}
		if want := int64(seedVersion + edits[id]); rd.Version != want {
			return fmt.Errorf("%s: remote version %d, want %d", id, rd.Version, want)
		}

		doc, err := h.DB.Get(ctx, id)
		if err != nil {
			return err
		}
		if doc.SyncStatus != schema.StatusSynced {
			return fmt.Errorf("%s: status %s, want synced", id, doc.SyncStatus)
		}
		if doc.RemoteVersion != rd.Version || doc.Name != rd.Fields.Name {
			return fmt.Errorf("%s: cache has v%d %q, remote has v%d %q",
				id, doc.RemoteVersion, doc.Name, rd.Version, rd.Fields.Name)
		}
	}
	return nil
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(sorted)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(sorted),
	}
}

// Print writes the statistics in a human readable form.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "  Operations:   %d\n", s.Operations)
	fmt.Fprintf(w, "  Errors:       %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:          %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median): %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:         %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:          %v\n", s.P95)
	fmt.Fprintf(w, "  P99:          %v\n", s.P99)
	fmt.Fprintf(w, "  Max:          %v\n", s.Max)
}
