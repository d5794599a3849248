// Package connectivity reports whether the remote authority is reachable.
//
// A Monitor exposes the current Mode and notifies subscribers on every
// transition. Three sources are provided:
//
//   - Switch: set by hand (tests, the --mode flag)
//   - FileMonitor: offline while a marker file exists, watched with fsnotify
//   - ProbeMonitor: polls a remote health check at an interval
//
// The document cache never consults the monitor for writes; it only decides
// when the sync orchestrator may drain the queue.
package connectivity

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Mode is the connectivity state.
type Mode int

const (
	// Offline means the remote cannot be reached.
	Offline Mode = iota
	// Online means the remote is reachable.
	Online
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// ParseMode converts "online" or "offline" into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return Online, nil
	case "offline":
		return Offline, nil
	}
	return Offline, fmt.Errorf("invalid connectivity mode %q (want online or offline)", s)
}

// Monitor is a source of connectivity state.
type Monitor interface {
	// Mode returns the current state.
	Mode() Mode

	// OnChange registers fn to run on every transition. fn runs on the
	// goroutine that observed the change and must not block for long.
	// The returned function removes the subscription.
	OnChange(fn func(Mode)) (cancel func())
}

// notifier holds the current mode and its subscribers. Monitor
// implementations embed it.
type notifier struct {
	mu     sync.Mutex
	mode   Mode
	nextID int
	subs   map[int]func(Mode)
}

func newNotifier(initial Mode) *notifier {
	return &notifier{mode: initial, subs: make(map[int]func(Mode))}
}

// Mode implements Monitor.
func (n *notifier) Mode() Mode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mode
}

// OnChange implements Monitor.
func (n *notifier) OnChange(fn func(Mode)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

// set stores mode and notifies subscribers if it changed.
// Subscribers run in registration order outside the lock.
func (n *notifier) set(mode Mode) bool {
	n.mu.Lock()
	if n.mode == mode {
		n.mu.Unlock()
		return false
	}
	n.mode = mode

	ids := make([]int, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Mode), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, n.subs[id])
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(mode)
	}
	return true
}

// Switch is a Monitor whose state is set explicitly.
type Switch struct {
	*notifier
}

// NewSwitch returns a Switch in the given initial mode.
func NewSwitch(initial Mode) *Switch {
	return &Switch{notifier: newNotifier(initial)}
}

// Set changes the mode, notifying subscribers on a transition.
func (s *Switch) Set(mode Mode) {
	s.set(mode)
}
