package port

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("document not found")
	ErrVersionConflict = errors.New("document version conflict")
)

// Document is one record of a collection. Version is maintained by the store:
// it starts at 1 on creation and is incremented by every successful Put.
type Document struct {
	ID      string
	Version int64
	Fields  map[string]any
}

// Filter is a field equality predicate.
type Filter struct {
	Field string
	Value any
}

func Eq(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// FilterValue is the canonical form stores compare filter values in.
func FilterValue(v any) string {
	return fmt.Sprint(v)
}

type DocumentStore interface {
	// Get returns ErrNotFound when the document does not exist.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Find returns all documents matching every filter, in store order.
	Find(ctx context.Context, collection string, filters ...Filter) ([]Document, error)

	// Put creates or updates a document and returns it as stored.
	//   - empty ID: create with a generated id.
	//   - ID with Version 0: create, ErrVersionConflict if it already exists.
	//   - ID with Version > 0: update only if the stored version matches,
	//     ErrVersionConflict otherwise, ErrNotFound if it does not exist.
	Put(ctx context.Context, collection string, doc Document) (Document, error)
}

// Transactor is implemented by stores that can run several operations as one
// atomic unit. Any error returned by fn rolls back every write made through
// the store passed to it.
type Transactor interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, store DocumentStore) error) error
}
