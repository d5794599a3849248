package connectivity

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileMonitor reports Offline while a marker file exists.
//
// Creating the marker (e.g. `touch ~/.docsync/offline`) switches to Offline;
// removing it switches back to Online. The parent directory is watched with
// fsnotify, so the marker may be created and removed any number of times.
type FileMonitor struct {
	*notifier

	path    string
	logger  *log.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewFileMonitor creates a monitor for the marker file at path. The initial
// mode reflects whether the marker exists now. Use Start to begin watching.
func NewFileMonitor(path string, logger *log.Logger) (*FileMonitor, error) {
	if path == "" {
		return nil, fmt.Errorf("marker path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve marker path: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileMonitor{
		notifier: newNotifier(markerMode(abs)),
		path:     abs,
		logger:   logger,
		watcher:  watcher,
		done:     make(chan struct{}),
	}, nil
}

// Path returns the absolute marker path.
func (fm *FileMonitor) Path() string {
	return fm.path
}

// Start begins watching the marker's directory, creating it if needed.
func (fm *FileMonitor) Start() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if fm.running {
		return fmt.Errorf("file monitor already running")
	}

	dir := filepath.Dir(fm.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create marker directory %s: %w", dir, err)
	}
	if err := fm.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch marker directory %s: %w", dir, err)
	}

	// The marker may have changed between construction and the watch.
	fm.set(markerMode(fm.path))

	fm.running = true
	fm.wg.Add(1)
	go fm.processEvents()

	return nil
}

// Stop stops watching and releases the fsnotify watcher.
// It blocks until the event goroutine has exited.
func (fm *FileMonitor) Stop() error {
	fm.mu.Lock()
	wasRunning := fm.running
	fm.running = false
	fm.mu.Unlock()

	if wasRunning {
		close(fm.done)
	}
	if err := fm.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	fm.wg.Wait()
	return nil
}

// IsRunning returns true if the monitor is currently watching.
func (fm *FileMonitor) IsRunning() bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.running
}

func (fm *FileMonitor) processEvents() {
	defer fm.wg.Done()

	for {
		select {
		case <-fm.done:
			return

		case event, ok := <-fm.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fm.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			mode := markerMode(fm.path)
			if fm.set(mode) {
				fm.logger.Printf("marker %s: now %s", fm.path, mode)
			}

		case err, ok := <-fm.watcher.Errors:
			if !ok {
				return
			}
			fm.logger.Printf("watch error: %v", err)
		}
	}
}

// markerMode returns Offline when the marker exists.
func markerMode(path string) Mode {
	if _, err := os.Stat(path); err == nil {
		return Offline
	} else if !errors.Is(err, fs.ErrNotExist) {
		// Unreadable marker: stay conservative.
		return Offline
	}
	return Online
}
