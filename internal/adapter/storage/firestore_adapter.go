package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-movement/internal/port"
)

// Bookkeeping fields kept next to the document's own fields.
const (
	fsVersionField = "_version"
	fsCreatedField = "_created"
)

var _ port.DocumentStore = (*FirestoreAdapter)(nil)

// FirestoreAdapter maps each collection onto a Firestore collection.
// Versioned updates run in a Firestore transaction. It does not implement
// port.Transactor: Firestore transactions require every read before the
// first write, which a movement does not follow.
type FirestoreAdapter struct {
	client *firestore.Client
	now    func() time.Time
}

// NewFirestoreClient uses Application Default Credentials when
// credentialsFile is empty.
func NewFirestoreClient(ctx context.Context, projectID, credentialsFile string) (*firestore.Client, error) {
	var (
		client *firestore.Client
		err    error
	)
	if credentialsFile != "" {
		client, err = firestore.NewClient(ctx, projectID, option.WithCredentialsFile(credentialsFile))
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	log.Printf("storage: firestore connected (project: %s)", projectID)
	return client, nil
}

func NewFirestoreAdapter(client *firestore.Client) *FirestoreAdapter {
	return &FirestoreAdapter{client: client, now: func() time.Time { return time.Now().UTC() }}
}

func (f *FirestoreAdapter) Get(ctx context.Context, collection, id string) (port.Document, error) {
	snap, err := f.client.Collection(collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return port.Document{}, fmt.Errorf("%s/%s: %w", collection, id, port.ErrNotFound)
	}
	if err != nil {
		return port.Document{}, fmt.Errorf("get document: %w", err)
	}
	doc, _ := fromSnapshot(snap)
	return doc, nil
}

// Find returns matches in creation order. Ordering is done client side so
// that equality filters need no composite index.
func (f *FirestoreAdapter) Find(ctx context.Context, collection string, filters ...port.Filter) ([]port.Document, error) {
	q := f.client.Collection(collection).Query
	for _, filter := range filters {
		q = q.Where(filter.Field, "==", firestoreValue(filter.Value))
	}

	it := q.Documents(ctx)
	defer it.Stop()

	type found struct {
		doc     port.Document
		created time.Time
	}
	var out []found
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("query documents: %w", err)
		}
		doc, created := fromSnapshot(snap)
		out = append(out, found{doc: doc, created: created})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].created.Before(out[j].created) })

	docs := make([]port.Document, 0, len(out))
	for _, d := range out {
		docs = append(docs, d.doc)
	}
	return docs, nil
}

func (f *FirestoreAdapter) Put(ctx context.Context, collection string, doc port.Document) (port.Document, error) {
	col := f.client.Collection(collection)

	if doc.ID == "" || doc.Version == 0 {
		ref := col.NewDoc()
		if doc.ID != "" {
			ref = col.Doc(doc.ID)
		}
		_, err := ref.Create(ctx, withBookkeeping(doc.Fields, 1, f.now()))
		if status.Code(err) == codes.AlreadyExists {
			return port.Document{}, fmt.Errorf("%s/%s exists: %w", collection, ref.ID, port.ErrVersionConflict)
		}
		if err != nil {
			return port.Document{}, fmt.Errorf("create document: %w", err)
		}
		return port.Document{ID: ref.ID, Version: 1, Fields: cloneFields(doc.Fields)}, nil
	}

	ref := col.Doc(doc.ID)
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%s/%s: %w", collection, doc.ID, port.ErrNotFound)
		}
		if err != nil {
			return err
		}

		current, created := fromSnapshot(snap)
		if current.Version != doc.Version {
			return fmt.Errorf("%s/%s at version %d, expected %d: %w",
				collection, doc.ID, current.Version, doc.Version, port.ErrVersionConflict)
		}
		return tx.Set(ref, withBookkeeping(doc.Fields, doc.Version+1, created))
	})
	if err != nil {
		if errors.Is(err, port.ErrNotFound) || errors.Is(err, port.ErrVersionConflict) {
			return port.Document{}, err
		}
		return port.Document{}, fmt.Errorf("update document: %w", err)
	}
	return port.Document{ID: doc.ID, Version: doc.Version + 1, Fields: cloneFields(doc.Fields)}, nil
}

func withBookkeeping(fields map[string]any, version int64, created time.Time) map[string]any {
	data := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		data[k] = v
	}
	data[fsVersionField] = version
	data[fsCreatedField] = created
	return data
}

func fromSnapshot(snap *firestore.DocumentSnapshot) (port.Document, time.Time) {
	data := snap.Data()

	version, _ := data[fsVersionField].(int64)
	created, _ := data[fsCreatedField].(time.Time)
	delete(data, fsVersionField)
	delete(data, fsCreatedField)

	return port.Document{ID: snap.Ref.ID, Version: version, Fields: data}, created
}

// firestoreValue widens Go ints so equality matches the int64 Firestore stores.
func firestoreValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	default:
		return v
	}
}
