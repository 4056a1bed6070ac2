package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-movement/internal/port"
)

// testCollection returns a collection name no other run uses, so tests
// against shared databases need no cleanup between runs.
func testCollection(name string) string {
	return name + "_" + uuid.NewString()[:8]
}

// runDocumentStoreSuite checks the behaviour every port.DocumentStore must share.
func runDocumentStoreSuite(t *testing.T, store port.DocumentStore) {
	t.Run("create and get", func(t *testing.T) {
		ctx := context.Background()
		coll := testCollection("items")

		created, err := store.Put(ctx, coll, port.Document{Fields: map[string]any{
			"name":      "Cable UTP",
			"quantity":  int64(50),
			"isPrimary": true,
		}})
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, int64(1), created.Version)

		got, err := store.Get(ctx, coll, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "Cable UTP", got.Fields["name"])
		assert.Equal(t, "50", port.FilterValue(got.Fields["quantity"]))
		assert.Equal(t, true, got.Fields["isPrimary"])
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(context.Background(), testCollection("items"), "missing")
		assert.ErrorIs(t, err, port.ErrNotFound)
	})

	t.Run("optimistic lock", func(t *testing.T) {
		ctx := context.Background()
		coll := testCollection("items")

		doc, err := store.Put(ctx, coll, port.Document{ID: "lock-test-item", Fields: map[string]any{"quantity": int64(100)}})
		require.NoError(t, err)
		assert.Equal(t, "lock-test-item", doc.ID)

		doc.Fields["quantity"] = int64(90)
		updated, err := store.Put(ctx, coll, doc)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)

		_, err = store.Put(ctx, coll, doc)
		assert.ErrorIs(t, err, port.ErrVersionConflict, "stale version")

		_, err = store.Put(ctx, coll, port.Document{ID: "lock-test-item", Fields: map[string]any{}})
		assert.ErrorIs(t, err, port.ErrVersionConflict, "create over existing id")

		_, err = store.Put(ctx, coll, port.Document{ID: "ghost", Version: 3, Fields: map[string]any{}})
		assert.ErrorIs(t, err, port.ErrNotFound, "update of missing document")

		got, err := store.Get(ctx, coll, "lock-test-item")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, "90", port.FilterValue(got.Fields["quantity"]))
	})

	t.Run("find", func(t *testing.T) {
		ctx := context.Background()
		coll := testCollection("items")

		for _, f := range []map[string]any{
			{"name": "Router X", "locationId": "A", "quantity": int64(3)},
			{"name": "Router X", "locationId": "B", "quantity": int64(5)},
			{"name": "Switch", "locationId": "A", "quantity": int64(1)},
			{"name": "Router X", "locationId": "A", "quantity": int64(7)},
		} {
			_, err := store.Put(ctx, coll, port.Document{Fields: f})
			require.NoError(t, err)
		}

		all, err := store.Find(ctx, coll)
		require.NoError(t, err)
		assert.Len(t, all, 4)

		docs, err := store.Find(ctx, coll, port.Eq("name", "Router X"), port.Eq("locationId", "A"))
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "3", port.FilterValue(docs[0].Fields["quantity"]))
		assert.Equal(t, "7", port.FilterValue(docs[1].Fields["quantity"]))

		byNumber, err := store.Find(ctx, coll, port.Eq("quantity", 5))
		require.NoError(t, err)
		require.Len(t, byNumber, 1)
		assert.Equal(t, "B", byNumber[0].Fields["locationId"])

		none, err := store.Find(ctx, coll, port.Eq("locationId", "Z"))
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("concurrent updates", func(t *testing.T) {
		ctx := context.Background()
		coll := testCollection("items")

		doc, err := store.Put(ctx, coll, port.Document{Fields: map[string]any{"quantity": int64(20)}})
		require.NoError(t, err)

		var successCount atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Put(ctx, coll, port.Document{ID: doc.ID, Version: doc.Version, Fields: map[string]any{"quantity": int64(19)}})
				if err == nil {
					successCount.Add(1)
					return
				}
				if !errors.Is(err, port.ErrVersionConflict) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), successCount.Load())
	})
}

// runTransactorSuite checks commit and rollback of a port.Transactor.
func runTransactorSuite(t *testing.T, store port.DocumentStore, tx port.Transactor) {
	t.Run("rollback", func(t *testing.T) {
		ctx := context.Background()
		coll := testCollection("items")

		doc, err := store.Put(ctx, coll, port.Document{Fields: map[string]any{"quantity": int64(10)}})
		require.NoError(t, err)

		boom := errors.New("boom")
		err = tx.RunInTransaction(ctx, func(ctx context.Context, s port.DocumentStore) error {
			current, err := s.Get(ctx, coll, doc.ID)
			if err != nil {
				return err
			}
			current.Fields["quantity"] = int64(4)
			if _, err := s.Put(ctx, coll, current); err != nil {
				return err
			}
			if _, err := s.Put(ctx, coll, port.Document{Fields: map[string]any{"quantity": int64(6)}}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := store.Get(ctx, coll, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "10", port.FilterValue(got.Fields["quantity"]))

		all, err := store.Find(ctx, coll)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("commit", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		coll := testCollection("items")

		var id string
		err := tx.RunInTransaction(ctx, func(ctx context.Context, s port.DocumentStore) error {
			doc, err := s.Put(ctx, coll, port.Document{Fields: map[string]any{"quantity": int64(1)}})
			if err != nil {
				return err
			}
			id = doc.ID

			// writes are visible inside the transaction
			found, err := s.Find(ctx, coll, port.Eq("quantity", 1))
			if err != nil {
				return err
			}
			if len(found) != 1 {
				return errors.New("own write not visible")
			}
			return nil
		})
		require.NoError(t, err)

		_, err = store.Get(ctx, coll, id)
		assert.NoError(t, err)
	})
}
