package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/stock-movement/internal/port"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS documents (
	seq        BIGINT AUTO_INCREMENT PRIMARY KEY,
	collection VARCHAR(64)  NOT NULL,
	id         VARCHAR(64)  NOT NULL,
	version    BIGINT       NOT NULL,
	fields     JSON         NOT NULL,
	updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	UNIQUE KEY uq_collection_id (collection, id)
)`

const mysqlDuplicateEntry = 1062

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ port.DocumentStore = (*MySQLAdapter)(nil)
	_ port.Transactor    = (*MySQLAdapter)(nil)
)

// MySQLAdapter stores every collection in a single documents table with a
// JSON column. The version column carries the optimistic lock.
type MySQLAdapter struct {
	db *sql.DB
	q  sqlQuerier
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db, q: db}
}

func (m *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	if _, err := m.q.ExecContext(ctx, mysqlSchema); err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) Get(ctx context.Context, collection, id string) (port.Document, error) {
	var (
		version int64
		raw     []byte
	)
	err := m.q.QueryRowContext(ctx, `
		SELECT version, fields FROM documents
		WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&version, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return port.Document{}, fmt.Errorf("%s/%s: %w", collection, id, port.ErrNotFound)
	}
	if err != nil {
		return port.Document{}, fmt.Errorf("query document: %w", err)
	}

	fields, err := decodeFields(raw)
	if err != nil {
		return port.Document{}, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return port.Document{ID: id, Version: version, Fields: fields}, nil
}

func (m *MySQLAdapter) Find(ctx context.Context, collection string, filters ...port.Filter) ([]port.Document, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, version, fields FROM documents WHERE collection = ?`)
	args := []any{collection}
	for _, f := range filters {
		if !fieldNamePattern.MatchString(f.Field) {
			return nil, fmt.Errorf("invalid filter field %q", f.Field)
		}
		query.WriteString(` AND JSON_UNQUOTE(JSON_EXTRACT(fields, ?)) = ?`)
		args = append(args, "$."+f.Field, port.FilterValue(f.Value))
	}
	query.WriteString(` ORDER BY seq`)

	rows, err := m.q.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []port.Document
	for rows.Next() {
		var (
			doc port.Document
			raw []byte
		)
		if err := rows.Scan(&doc.ID, &doc.Version, &raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if doc.Fields, err = decodeFields(raw); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, doc.ID, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func (m *MySQLAdapter) Put(ctx context.Context, collection string, doc port.Document) (port.Document, error) {
	raw, err := encodeFields(doc.Fields)
	if err != nil {
		return port.Document{}, fmt.Errorf("encode %s/%s: %w", collection, doc.ID, err)
	}

	if doc.ID == "" || doc.Version == 0 {
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		_, err := m.q.ExecContext(ctx, `
			INSERT INTO documents (collection, id, version, fields)
			VALUES (?, ?, 1, ?)`, collection, doc.ID, raw,
		)
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return port.Document{}, fmt.Errorf("%s/%s exists: %w", collection, doc.ID, port.ErrVersionConflict)
		}
		if err != nil {
			return port.Document{}, fmt.Errorf("insert document: %w", err)
		}
		return reread(doc, 1, raw)
	}

	result, err := m.q.ExecContext(ctx, `
		UPDATE documents
		SET fields = ?, version = version + 1
		WHERE collection = ? AND id = ? AND version = ?`,
		raw, collection, doc.ID, doc.Version,
	)
	if err != nil {
		return port.Document{}, fmt.Errorf("update document: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var current int64
		err := m.q.QueryRowContext(ctx, `
			SELECT version FROM documents WHERE collection = ? AND id = ?`, collection, doc.ID,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return port.Document{}, fmt.Errorf("%s/%s: %w", collection, doc.ID, port.ErrNotFound)
		}
		if err != nil {
			return port.Document{}, fmt.Errorf("query version: %w", err)
		}
		return port.Document{}, fmt.Errorf("%s/%s at version %d, expected %d: %w",
			collection, doc.ID, current, doc.Version, port.ErrVersionConflict)
	}
	return reread(doc, doc.Version+1, raw)
}

// RunInTransaction runs fn against a store bound to one *sql.Tx.
func (m *MySQLAdapter) RunInTransaction(ctx context.Context, fn func(ctx context.Context, store port.DocumentStore) error) error {
	if m.db == nil {
		return errors.New("nested transaction")
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &MySQLAdapter{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// reread returns the document as the database now holds it, numbers in the
// same json.Number shape Get produces.
func reread(doc port.Document, version int64, raw []byte) (port.Document, error) {
	fields, err := decodeFields(raw)
	if err != nil {
		return port.Document{}, err
	}
	return port.Document{ID: doc.ID, Version: version, Fields: fields}, nil
}

func encodeFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	return json.Marshal(fields)
}

func decodeFields(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	fields := map[string]any{}
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}
