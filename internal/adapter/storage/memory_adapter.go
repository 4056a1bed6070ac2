package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/rl1809/stock-movement/internal/port"
)

type memoryCollection struct {
	order []string
	docs  map[string]port.Document
}

// MemoryAdapter is a goroutine-safe in-process document store. Find returns
// documents in insertion order.
type MemoryAdapter struct {
	mu          sync.Mutex
	collections map[string]*memoryCollection
}

var (
	_ port.DocumentStore = (*MemoryAdapter)(nil)
	_ port.Transactor    = (*MemoryAdapter)(nil)
)

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{collections: make(map[string]*memoryCollection)}
}

func (m *MemoryAdapter) Get(ctx context.Context, collection, id string) (port.Document, error) {
	if err := ctx.Err(); err != nil {
		return port.Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(collection, id)
}

func (m *MemoryAdapter) Find(ctx context.Context, collection string, filters ...port.Filter) ([]port.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(collection, filters), nil
}

func (m *MemoryAdapter) Put(ctx context.Context, collection string, doc port.Document) (port.Document, error) {
	if err := ctx.Err(); err != nil {
		return port.Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, _, err := m.put(collection, doc)
	return stored, err
}

// RunInTransaction holds the store lock for the whole of fn, so transactions
// are serialized with every other operation. Writes are undone if fn fails.
func (m *MemoryAdapter) RunInTransaction(ctx context.Context, fn func(ctx context.Context, store port.DocumentStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{m: m}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (m *MemoryAdapter) get(collection, id string) (port.Document, error) {
	c, ok := m.collections[collection]
	if !ok {
		return port.Document{}, port.ErrNotFound
	}
	doc, ok := c.docs[id]
	if !ok {
		return port.Document{}, port.ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (m *MemoryAdapter) find(collection string, filters []port.Filter) []port.Document {
	c, ok := m.collections[collection]
	if !ok {
		return nil
	}

	var out []port.Document
	for _, id := range c.order {
		doc := c.docs[id]
		if matches(doc, filters) {
			out = append(out, cloneDocument(doc))
		}
	}
	return out
}

type undoEntry struct {
	collection string
	id         string
	prev       port.Document
	existed    bool
}

func (m *MemoryAdapter) put(collection string, doc port.Document) (port.Document, undoEntry, error) {
	c, ok := m.collections[collection]
	if !ok {
		c = &memoryCollection{docs: make(map[string]port.Document)}
		m.collections[collection] = c
	}

	if doc.ID == "" {
		doc.ID = uuid.New().String()
		doc.Version = 0
	}

	current, exists := c.docs[doc.ID]
	switch {
	case doc.Version == 0 && exists:
		return port.Document{}, undoEntry{}, port.ErrVersionConflict
	case doc.Version > 0 && !exists:
		return port.Document{}, undoEntry{}, port.ErrNotFound
	case doc.Version > 0 && current.Version != doc.Version:
		return port.Document{}, undoEntry{}, port.ErrVersionConflict
	}

	undo := undoEntry{collection: collection, id: doc.ID, prev: current, existed: exists}

	stored := port.Document{ID: doc.ID, Version: doc.Version + 1, Fields: cloneFields(doc.Fields)}
	c.docs[doc.ID] = stored
	if !exists {
		c.order = append(c.order, doc.ID)
	}
	return cloneDocument(stored), undo, nil
}

func (m *MemoryAdapter) restore(u undoEntry) {
	c := m.collections[u.collection]
	if c == nil {
		return
	}
	if u.existed {
		c.docs[u.id] = u.prev
		return
	}
	delete(c.docs, u.id)
	for i := len(c.order) - 1; i >= 0; i-- {
		if c.order[i] == u.id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// memoryTx runs against the adapter while its lock is held by RunInTransaction.
type memoryTx struct {
	m    *MemoryAdapter
	undo []undoEntry
}

func (t *memoryTx) Get(ctx context.Context, collection, id string) (port.Document, error) {
	if err := ctx.Err(); err != nil {
		return port.Document{}, err
	}
	return t.m.get(collection, id)
}

func (t *memoryTx) Find(ctx context.Context, collection string, filters ...port.Filter) ([]port.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.m.find(collection, filters), nil
}

func (t *memoryTx) Put(ctx context.Context, collection string, doc port.Document) (port.Document, error) {
	if err := ctx.Err(); err != nil {
		return port.Document{}, err
	}
	stored, undo, err := t.m.put(collection, doc)
	if err != nil {
		return port.Document{}, err
	}
	t.undo = append(t.undo, undo)
	return stored, nil
}

func (t *memoryTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.m.restore(t.undo[i])
	}
	t.undo = nil
}

func matches(doc port.Document, filters []port.Filter) bool {
	for _, f := range filters {
		v, ok := doc.Fields[f.Field]
		if !ok || port.FilterValue(v) != port.FilterValue(f.Value) {
			return false
		}
	}
	return true
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func cloneDocument(doc port.Document) port.Document {
	return port.Document{ID: doc.ID, Version: doc.Version, Fields: cloneFields(doc.Fields)}
}
