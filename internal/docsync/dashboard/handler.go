package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"time"

	docsync "github.com/docsync/docsync/internal/docsync/sync"
)

// Handler turns orchestrator events into dashboard messages. It implements
// sync.Observer and can be set as the orchestrator's Observer.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, logger: logger}
}

// Notify implements sync.Observer. It never blocks.
func (h *Handler) Notify(e docsync.Event) {
	msgType, ok := messageTypes[e.Type]
	if !ok {
		h.logger.Printf("Ignoring unknown event type %q", e.Type)
		return
	}

	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Printf("Failed to marshal %s event: %v", e.Type, err)
		return
	}

	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	h.server.Broadcast(Message{Type: msgType, Timestamp: ts, Data: data})

	// Events that change queue or status counts are followed by fresh stats.
	if e.Type != docsync.EventConnectivity {
		h.server.RequestStats()
	}
}

var messageTypes = map[docsync.EventType]MessageType{
	docsync.EventDrainComplete: MessageTypeDrainComplete,
	docsync.EventConflict:      MessageTypeConflict,
	docsync.EventItemFailed:    MessageTypeItemFailed,
	docsync.EventConnectivity:  MessageTypeConnectivity,
}

// Chain fans an event out to several observers.
type Chain []docsync.Observer

// Notify implements sync.Observer.
func (c Chain) Notify(e docsync.Event) {
	for _, o := range c {
		if o != nil {
			o.Notify(e)
		}
	}
}
