package remote

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/docsync/docsync/internal/docsync/schema"
)

// Call records one operation received by a Memory service.
type Call struct {
	Op         string
	Collection string
	ID         string
	Version    int64
}

// Memory is an in-process Service holding documents in maps. It enforces
// version checks the way a real remote would and can inject failures, which
// makes it the remote used by tests and local demos.
type Memory struct {
	mu     sync.Mutex
	docs   map[string]map[string]*memoryDoc
	blobs  map[string][]byte
	errs   map[string][]error
	calls  []Call
	nextID int
	down   bool

	// AssignIDs makes Create and Upload replace local placeholder ids with
	// server ids ("srv-1", "srv-2", ...).
	AssignIDs bool

	// Now is the clock used for timestamps. Defaults to time.Now.
	Now func() time.Time

	// BeforeCall, when set, runs before each operation outside the lock.
	BeforeCall func(op, id string)
}

type memoryDoc struct {
	RemoteDocument
	clientID string
}

// NewMemory returns an empty in-memory service.
func NewMemory() *Memory {
	return &Memory{
		docs:  make(map[string]map[string]*memoryDoc),
		blobs: make(map[string][]byte),
		errs:  make(map[string][]error),
	}
}

// Fail queues errors returned by the next calls of op ("create", "update",
// "delete", "upload", "fetch_all", "ping"), one per call.
func (m *Memory) Fail(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[op] = append(m.errs[op], errs...)
}

// SetDown makes every call fail with a network error until reset.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// Calls returns the operations received so far, in arrival order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Get returns the server's copy of a document.
func (m *Memory) Get(collection, id string) (RemoteDocument, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.collection(collection)[id]
	if !ok {
		return RemoteDocument{}, false
	}
	out := d.RemoteDocument
	out.Fields = d.Fields.Clone()
	return out, true
}

// Binary returns the content stored by Upload.
func (m *Memory) Binary(collection, id string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[blobKey(collection, id)]
	return b, ok
}

// Seed stores doc as-is, replacing any existing copy. It is how tests model
// writes made by other clients.
func (m *Memory) Seed(collection string, doc RemoteDocument) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.Fields = doc.Fields.Clone()
	m.collection(collection)[doc.ID] = &memoryDoc{RemoteDocument: doc}
}

// Create implements Service.
func (m *Memory) Create(ctx context.Context, collection, id string, fields schema.Fields) (Ack, error) {
	if err := m.enter(ctx, "create", collection, id, 0); err != nil {
		return Ack{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.create(collection, id, fields)
}

// Upload implements Service.
func (m *Memory) Upload(ctx context.Context, collection, id string, fields schema.Fields, binary []byte) (Ack, error) {
	if err := m.enter(ctx, "upload", collection, id, 0); err != nil {
		return Ack{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	fields.Size = int64(len(binary))
	ack, err := m.create(collection, id, fields)
	if err != nil {
		return Ack{}, err
	}
	m.blobs[blobKey(collection, ack.ID)] = append([]byte(nil), binary...)
	return ack, nil
}

func (m *Memory) create(collection, id string, fields schema.Fields) (Ack, error) {
	if err := fields.Validate(); err != nil {
		return Ack{}, Wrap(KindValidation, "invalid document", err)
	}

	coll := m.collection(collection)
	if m.AssignIDs && schema.IsLocalID(id) {
		// A retried create of the same placeholder returns the first result.
		for _, d := range coll {
			if d.clientID == id {
				return Ack{ID: d.ID, Version: d.Version}, nil
			}
		}
		m.nextID++
		serverID := fmt.Sprintf("srv-%d", m.nextID)
		for coll[serverID] != nil {
			m.nextID++
			serverID = fmt.Sprintf("srv-%d", m.nextID)
		}
		d := m.newDoc(serverID, fields)
		d.clientID = id
		coll[serverID] = d
		return Ack{ID: serverID, Version: d.Version}, nil
	}

	if existing, ok := coll[id]; ok && !existing.Deleted {
		if reflect.DeepEqual(existing.Fields, fields) {
			return Ack{ID: id, Version: existing.Version}, nil
		}
		return Ack{}, Conflict(existing.Version, existing.Fields)
	}

	d := m.newDoc(id, fields)
	if existing, ok := coll[id]; ok {
		d.Version = existing.Version + 1
	}
	coll[id] = d
	return Ack{ID: id, Version: d.Version}, nil
}

// Update implements Service.
func (m *Memory) Update(ctx context.Context, collection, id string, version int64, delta schema.Delta) (Ack, error) {
	if err := m.enter(ctx, "update", collection, id, version); err != nil {
		return Ack{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.collection(collection)[id]
	if !ok || d.Deleted {
		return Ack{}, New(KindValidation, fmt.Sprintf("document %s not found", id))
	}
	if d.Version != version {
		return Ack{}, Conflict(d.Version, d.Fields)
	}

	fields := d.Fields.Clone()
	if err := fields.Apply(delta); err != nil {
		return Ack{}, Wrap(KindValidation, "invalid update", err)
	}
	d.Fields = fields
	d.Version++
	d.UpdatedAt = m.now()
	return Ack{ID: id, Version: d.Version}, nil
}

// Delete implements Service. Deleting an unknown or already deleted document
// succeeds.
func (m *Memory) Delete(ctx context.Context, collection, id string, version int64) error {
	if err := m.enter(ctx, "delete", collection, id, version); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.collection(collection)[id]
	if !ok || d.Deleted {
		return nil
	}
	if d.Version != version {
		return Conflict(d.Version, d.Fields)
	}
	d.Deleted = true
	d.Version++
	d.UpdatedAt = m.now()
	delete(m.blobs, blobKey(collection, id))
	return nil
}

// FetchAll implements Service. Deleted documents are reported with Deleted set.
func (m *Memory) FetchAll(ctx context.Context, collection string, since *time.Time) ([]RemoteDocument, error) {
	if err := m.enter(ctx, "fetch_all", collection, "", 0); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []RemoteDocument
	for _, d := range m.collection(collection) {
		if since != nil && !d.UpdatedAt.After(*since) {
			continue
		}
		doc := d.RemoteDocument
		doc.Fields = d.Fields.Clone()
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Ping implements Pinger.
func (m *Memory) Ping(ctx context.Context) error {
	return m.enter(ctx, "ping", "", "", 0)
}

// enter records the call, runs the hook and returns any injected failure.
func (m *Memory) enter(ctx context.Context, op, collection, id string, version int64) error {
	if m.BeforeCall != nil {
		m.BeforeCall(op, id)
	}
	if err := ctx.Err(); err != nil {
		return classify(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: op, Collection: collection, ID: id, Version: version})
	if m.down {
		return New(KindNetwork, op+": remote unreachable")
	}
	if queued := m.errs[op]; len(queued) > 0 {
		m.errs[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (m *Memory) collection(name string) map[string]*memoryDoc {
	if name == "" {
		name = schema.DefaultCollection
	}
	coll, ok := m.docs[name]
	if !ok {
		coll = make(map[string]*memoryDoc)
		m.docs[name] = coll
	}
	return coll
}

func (m *Memory) newDoc(id string, fields schema.Fields) *memoryDoc {
	now := m.now()
	return &memoryDoc{RemoteDocument: RemoteDocument{
		ID:        id,
		Version:   1,
		Fields:    fields.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func blobKey(collection, id string) string {
	if collection == "" {
		collection = schema.DefaultCollection
	}
	return collection + "/" + id
}
