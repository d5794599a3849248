// Package daemon keeps a document cache in step with its remote in the
// background.
//
// The daemon:
//  1. Drains the queue on every offline -> online transition (and refreshes)
//  2. Periodically drains again so backed-off items are retried
//  3. Drains shortly after Nudge, batching bursts of local writes
//  4. Periodically sweeps stale uploads and purges expired cache entries
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/docsync/docsync/internal/docsync/db"
	docsync "github.com/docsync/docsync/internal/docsync/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// RetryInterval is how often to drain for items whose backoff elapsed.
	RetryInterval time.Duration

	// DebounceInterval is how long to wait after a Nudge before draining.
	// Nudges arriving meanwhile are folded into the same drain.
	DebounceInterval time.Duration

	// SweepInterval is how often to sweep stale uploads.
	SweepInterval time.Duration

	// StaleUploadAge is the age past which a queued upload is dropped.
	StaleUploadAge time.Duration

	// PurgeInterval is how often to purge expired cache entries.
	PurgeInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RetryInterval:    30 * time.Second,
		DebounceInterval: 500 * time.Millisecond,
		SweepInterval:    10 * time.Minute,
		StaleUploadAge:   24 * time.Hour,
		PurgeInterval:    5 * time.Minute,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs an orchestrator's background work.
type Daemon struct {
	orch   docsync.Orchestrator
	store  *db.DB
	config *Config

	nudgedAt time.Time // zero when no drain is requested
	nudgeMu  sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Daemon. A nil config uses DefaultConfig.
//
// Use Start() to begin background work.
func New(orch docsync.Orchestrator, store *db.DB, config *Config) (*Daemon, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.RetryInterval <= 0 {
		config.RetryInterval = def.RetryInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.StaleUploadAge <= 0 {
		config.StaleUploadAge = def.StaleUploadAge
	}
	if config.PurgeInterval <= 0 {
		config.PurgeInterval = def.PurgeInterval
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		orch:   orch,
		store:  store,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Run one maintenance pass (stale sweep, cache purge)
// 2. Drain and refresh whenever connectivity comes back
// 3. Retry drains every RetryInterval
// 4. Drain after nudges, debounced
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.RunMaintenance(d.ctx); err != nil {
		if d.ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("initial maintenance failed: %w", err)
	}

	d.wg.Add(5)
	go func() {
		defer d.wg.Done()
		d.orch.Watch(d.ctx)
	}()
	go d.every(d.config.RetryInterval, d.drain)
	go d.processNudges()
	go d.every(d.config.SweepInterval, d.sweep)
	go d.every(d.config.PurgeInterval, d.purge)

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()
		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// Nudge asks for a drain after DebounceInterval.
func (d *Daemon) Nudge() {
	d.nudgeMu.Lock()
	defer d.nudgeMu.Unlock()

	if d.nudgedAt.IsZero() {
		d.nudgedAt = time.Now()
	}
}

// RunMaintenance sweeps stale uploads and purges expired cache entries once.
func (d *Daemon) RunMaintenance(ctx context.Context) error {
	swept, err := d.orch.SweepStale(ctx, d.config.StaleUploadAge)
	if err != nil {
		return fmt.Errorf("failed to sweep stale uploads: %w", err)
	}
	purged, err := d.store.PurgeExpired(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("failed to purge cache: %w", err)
	}
	if swept > 0 || purged > 0 {
		d.config.Logger.Printf("Maintenance: swept %d uploads, purged %d cache entries", swept, purged)
	}
	return nil
}

// every runs fn on each tick of interval until shutdown.
func (d *Daemon) every(interval time.Duration, fn func()) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			fn()
		}
	}
}

// processNudges drains once a nudge has waited DebounceInterval.
func (d *Daemon) processNudges() {
	defer d.wg.Done()

	ticker := time.NewTicker(max(d.config.DebounceInterval/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.nudgeMu.Lock()
			due := !d.nudgedAt.IsZero() && time.Since(d.nudgedAt) >= d.config.DebounceInterval
			if due {
				d.nudgedAt = time.Time{}
			}
			d.nudgeMu.Unlock()

			if due {
				d.drain()
			}
		}
	}
}

func (d *Daemon) drain() {
	report, err := d.orch.Drain(d.ctx)
	switch {
	case errors.Is(err, docsync.ErrOffline), errors.Is(err, context.Canceled):
		return
	case err != nil:
		d.config.Logger.Printf("Error draining queue: %v", err)
	}
	if report != nil && report.Applied > 0 {
		d.config.Logger.Printf("Pushed %d changes", report.Applied)
	}
}

func (d *Daemon) sweep() {
	if _, err := d.orch.SweepStale(d.ctx, d.config.StaleUploadAge); err != nil && d.ctx.Err() == nil {
		d.config.Logger.Printf("Error sweeping stale uploads: %v", err)
	}
}

func (d *Daemon) purge() {
	n, err := d.store.PurgeExpired(d.ctx, time.Now())
	if err != nil {
		if d.ctx.Err() == nil {
			d.config.Logger.Printf("Error purging cache: %v", err)
		}
		return
	}
	if n > 0 {
		d.config.Logger.Printf("Purged %d expired cache entries", n)
	}
}
