package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docsync/docsync/internal/config"
	"github.com/docsync/docsync/internal/docsync/cache"
	"github.com/docsync/docsync/internal/docsync/connectivity"
	"github.com/docsync/docsync/internal/docsync/db"
	"github.com/docsync/docsync/internal/docsync/remote"
	"github.com/docsync/docsync/internal/docsync/resolver"
	docsync "github.com/docsync/docsync/internal/docsync/sync"
)

// openStore opens (creating if needed) the cache database.
func openStore(ctx context.Context) (*db.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchemaContext(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func newCache(store *db.DB) (*cache.Cache, error) {
	return cache.New(store, &cache.Config{Collection: cfg.Remote.Collection})
}

func newResolver(store *db.DB) (*resolver.Resolver, error) {
	return resolver.New(store, &resolver.Config{
		Collection: cfg.Remote.Collection,
		Logger:     logs.New("[resolver] "),
	})
}

func newService() (*remote.HTTPService, error) {
	if cfg.Remote.URL == "" {
		return nil, fmt.Errorf("remote.url is not configured (set it in docsync.toml or DOCSYNC_REMOTE_URL)")
	}
	return remote.NewHTTPService(remote.HTTPConfig{
		BaseURL: cfg.Remote.URL,
		Token:   cfg.Remote.Token,
		Timeout: cfg.Remote.Timeout,
	})
}

// newMonitor builds the connectivity source named by connectivity.mode.
// Probe monitors are probed once before returning; background polling
// starts only when watch is set. stop releases whatever was started.
func newMonitor(ctx context.Context, pinger remote.Pinger, watch bool) (connectivity.Monitor, func(), error) {
	noop := func() {}

	switch cfg.Connectivity.Mode {
	case config.ModeOnline:
		return connectivity.NewSwitch(connectivity.Online), noop, nil

	case config.ModeOffline:
		return connectivity.NewSwitch(connectivity.Offline), noop, nil

	case config.ModeFile:
		fm, err := connectivity.NewFileMonitor(cfg.Connectivity.OfflineFile, logs.New("[connectivity] "))
		if err != nil {
			return nil, nil, err
		}
		if !watch {
			return fm, noop, nil
		}
		if err := fm.Start(); err != nil {
			return nil, nil, err
		}
		return fm, func() { _ = fm.Stop() }, nil

	default:
		pm, err := connectivity.NewProbeMonitor(pinger, &connectivity.ProbeConfig{
			Interval: cfg.Connectivity.ProbeInterval,
			Timeout:  cfg.Remote.Timeout,
			Logger:   logs.New("[connectivity] "),
		})
		if err != nil {
			return nil, nil, err
		}
		if !watch {
			pm.Probe(ctx)
			return pm, noop, nil
		}
		if err := pm.Start(ctx); err != nil {
			return nil, nil, err
		}
		return pm, pm.Stop, nil
	}
}

// syncEnv is everything a command talking to the remote needs.
type syncEnv struct {
	store *db.DB
	cache *cache.Cache
	orch  docsync.Orchestrator
	stop  func()
}

func (e *syncEnv) Close() {
	e.stop()
	e.store.Close()
}

func openSync(ctx context.Context, watch bool, observer docsync.Observer) (*syncEnv, error) {
	svc, err := newService()
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	c, err := newCache(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	monitor, stop, err := newMonitor(ctx, svc, watch)
	if err != nil {
		store.Close()
		return nil, err
	}

	orch, err := docsync.New(c, svc, monitor, &docsync.Config{
		Collection:      cfg.Remote.Collection,
		Concurrency:     cfg.Sync.Concurrency,
		MaxRetries:      cfg.Sync.MaxRetries,
		BackoffInitial:  cfg.Sync.BackoffInitial,
		BackoffMax:      cfg.Sync.BackoffMax,
		DispatchTimeout: cfg.Sync.DispatchTimeout,
		RefreshTTL:      cfg.Sync.RefreshTTL,
		Logger:          logs.New("[sync] "),
		Observer:        observer,
	})
	if err != nil {
		stop()
		store.Close()
		return nil, err
	}

	return &syncEnv{store: store, cache: c, orch: orch, stop: stop}, nil
}
