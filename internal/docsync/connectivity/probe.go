package connectivity

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/docsync/docsync/internal/docsync/remote"
)

// ProbeConfig holds configuration for a ProbeMonitor.
type ProbeConfig struct {
	// Interval between health checks.
	Interval time.Duration

	// Timeout bounds a single health check.
	Timeout time.Duration

	// Logger for transitions and probe failures.
	Logger *log.Logger
}

// DefaultProbeConfig returns sensible defaults.
func DefaultProbeConfig() *ProbeConfig {
	return &ProbeConfig{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Logger:   log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// ProbeMonitor reports Online while the remote answers health checks.
// It starts Offline until the first probe succeeds.
type ProbeMonitor struct {
	*notifier

	pinger remote.Pinger
	config *ProbeConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewProbeMonitor creates a monitor polling pinger.
func NewProbeMonitor(pinger remote.Pinger, config *ProbeConfig) (*ProbeMonitor, error) {
	if pinger == nil {
		return nil, fmt.Errorf("pinger cannot be nil")
	}
	if config == nil {
		config = DefaultProbeConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("probe interval must be positive")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &ProbeMonitor{
		notifier: newNotifier(Offline),
		pinger:   pinger,
		config:   config,
	}, nil
}

// Probe runs one health check and updates the mode. It returns the new mode.
func (pm *ProbeMonitor) Probe(ctx context.Context) Mode {
	if pm.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pm.config.Timeout)
		defer cancel()
	}

	mode := Online
	if err := pm.pinger.Ping(ctx); err != nil {
		mode = Offline
		if pm.Mode() == Online {
			pm.config.Logger.Printf("health check failed: %v", err)
		}
	}
	if pm.set(mode) {
		pm.config.Logger.Printf("remote is now %s", mode)
	}
	return mode
}

// Start probes once, then keeps probing every Interval until Stop or ctx is
// cancelled.
func (pm *ProbeMonitor) Start(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return fmt.Errorf("probe monitor already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	pm.cancel = cancel
	pm.running = true

	pm.Probe(ctx)

	pm.wg.Add(1)
	go pm.loop(ctx)
	return nil
}

// Stop ends probing and waits for the loop to exit.
func (pm *ProbeMonitor) Stop() {
	pm.mu.Lock()
	if !pm.running {
		pm.mu.Unlock()
		return
	}
	pm.running = false
	cancel := pm.cancel
	pm.mu.Unlock()

	cancel()
	pm.wg.Wait()
}

func (pm *ProbeMonitor) loop(ctx context.Context) {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.Probe(ctx)
		}
	}
}
