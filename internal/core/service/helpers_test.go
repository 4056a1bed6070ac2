package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-movement/internal/adapter/storage"
	"github.com/rl1809/stock-movement/internal/core/domain"
	"github.com/rl1809/stock-movement/internal/port"
)

var fixedNow = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

// faultyStore wraps the memory adapter, counts writes and can fail selected ones.
type faultyStore struct {
	port.DocumentStore
	mem *storage.MemoryAdapter

	mu      *sync.Mutex
	writes  *[]string
	failPut func(collection string, n int) error
	counts  map[string]int
}

func newFaultyStore() *faultyStore {
	mem := storage.NewMemoryAdapter()
	return &faultyStore{
		DocumentStore: mem,
		mem:           mem,
		mu:            &sync.Mutex{},
		writes:        &[]string{},
		counts:        make(map[string]int),
	}
}

func (f *faultyStore) Put(ctx context.Context, collection string, doc port.Document) (port.Document, error) {
	f.mu.Lock()
	*f.writes = append(*f.writes, collection)
	f.counts[collection]++
	n := f.counts[collection]
	hook := f.failPut
	f.mu.Unlock()

	if hook != nil {
		if err := hook(collection, n); err != nil {
			return port.Document{}, err
		}
	}
	return f.DocumentStore.Put(ctx, collection, doc)
}

func (f *faultyStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context, store port.DocumentStore) error) error {
	return f.mem.RunInTransaction(ctx, func(ctx context.Context, tx port.DocumentStore) error {
		return fn(ctx, &faultyStore{
			DocumentStore: tx,
			mem:           f.mem,
			mu:            f.mu,
			writes:        f.writes,
			failPut:       f.failPut,
			counts:        f.counts,
		})
	})
}

func (f *faultyStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(*f.writes)
}

// failNth fails the nth write (1-based) to collection with err.
func failNth(collection string, nth int, err error) func(string, int) error {
	return func(c string, n int) error {
		if c == collection && n == nth {
			return err
		}
		return nil
	}
}

func newTestService(store port.DocumentStore, opts ...Option) *MovementService {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewMovementService(store, opts...)
}

// seedItem writes an item straight to the memory adapter, bypassing write counting.
func seedItem(t *testing.T, f *faultyStore, it domain.Item) domain.Item {
	t.Helper()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = fixedNow.Add(-time.Hour)
		it.UpdatedAt = it.CreatedAt
	}
	doc, err := f.mem.Put(context.Background(), itemsCollection, itemDocument(it))
	require.NoError(t, err)
	it.ID = doc.ID
	it.Version = doc.Version
	return it
}

func seedLocation(t *testing.T, f *faultyStore, loc domain.Location) {
	t.Helper()
	_, err := f.mem.Put(context.Background(), locationsCollection, port.Document{
		ID: loc.ID,
		Fields: map[string]any{
			fieldName:        loc.Name,
			fieldDescription: loc.Description,
			fieldIsPrimary:   loc.IsPrimary,
		},
	})
	require.NoError(t, err)
}

func material(name string, qty int64, location string) domain.Item {
	return domain.Item{
		Name:        name,
		Description: name + " description",
		Brand:       "Acme",
		Model:       "M-1",
		UnitCost:    decimal.RequireFromString("12.50"),
		Stock:       domain.Material{Quantity: qty},
		LocationID:  location,
		Placement:   "Shelf 1",
	}
}

func equipment(name, serial, location string) domain.Item {
	return domain.Item{
		Name:       name,
		Brand:      "Acme",
		Model:      "E-1",
		UnitCost:   decimal.RequireFromString("900"),
		Stock:      domain.Equipment{Serial: serial},
		LocationID: location,
		Placement:  "Rack 2",
	}
}

func mustItem(t *testing.T, f *faultyStore, id string) domain.Item {
	t.Helper()
	doc, err := f.mem.Get(context.Background(), itemsCollection, id)
	require.NoError(t, err)
	it, err := itemFromDocument(doc)
	require.NoError(t, err)
	return it
}

func itemsAt(t *testing.T, f *faultyStore, location string) []domain.Item {
	t.Helper()
	docs, err := f.mem.Find(context.Background(), itemsCollection, port.Eq(fieldLocationID, location))
	require.NoError(t, err)
	out := make([]domain.Item, 0, len(docs))
	for _, doc := range docs {
		it, err := itemFromDocument(doc)
		require.NoError(t, err)
		out = append(out, it)
	}
	return out
}

func movementDocs(t *testing.T, f *faultyStore) []port.Document {
	t.Helper()
	docs, err := f.mem.Find(context.Background(), movementsCollection)
	require.NoError(t, err)
	return docs
}

func reconciliationDocs(t *testing.T, f *faultyStore) []port.Document {
	t.Helper()
	docs, err := f.mem.Find(context.Background(), reconciliationCollection)
	require.NoError(t, err)
	return docs
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	locks    int
	releases int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) Lock(ctx context.Context, itemID string) (func(ctx context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[itemID] {
		return nil, port.ErrLockHeld
	}
	l.held[itemID] = true
	l.locks++
	return func(ctx context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, itemID)
		l.releases++
		return nil
	}, nil
}
