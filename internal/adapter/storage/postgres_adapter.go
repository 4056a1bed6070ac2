package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rl1809/stock-movement/internal/port"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	seq        BIGSERIAL PRIMARY KEY,
	collection TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	version    BIGINT      NOT NULL,
	fields     JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (collection, id)
)`

const pgUniqueViolation = "23505"

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ port.DocumentStore = (*PostgresAdapter)(nil)
	_ port.Transactor    = (*PostgresAdapter)(nil)
)

// PostgresAdapter mirrors MySQLAdapter on a JSONB column.
type PostgresAdapter struct {
	pool *pgxpool.Pool
	q    pgQuerier
}

func NewPostgresAdapter(pool *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{pool: pool, q: pool}
}

func (p *PostgresAdapter) EnsureSchema(ctx context.Context) error {
	if _, err := p.q.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) Get(ctx context.Context, collection, id string) (port.Document, error) {
	var (
		version int64
		raw     []byte
	)
	err := p.q.QueryRow(ctx, `
		SELECT version, fields FROM documents
		WHERE collection = $1 AND id = $2`, collection, id,
	).Scan(&version, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (p *PostgresAdapter) Find(ctx context.Context, collection string, filters ...port.Filter) ([]port.Document, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, version, fields FROM documents WHERE collection = $1`)
	args := []any{collection}
	for _, f := range filters {
		if !fieldNamePattern.MatchString(f.Field) {
			return nil, fmt.Errorf("invalid filter field %q", f.Field)
		}
		n := len(args)
		query.WriteString(` AND fields ->> $` + strconv.Itoa(n+1) + ` = $` + strconv.Itoa(n+2))
		args = append(args, f.Field, port.FilterValue(f.Value))
	}
	query.WriteString(` ORDER BY seq`)

	rows, err := p.q.Query(ctx, query.String(), args...)
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

func (p *PostgresAdapter) Put(ctx context.Context, collection string, doc port.Document) (port.Document, error) {
	raw, err := encodeFields(doc.Fields)
	if err != nil {
		return port.Document{}, fmt.Errorf("encode %s/%s: %w", collection, doc.ID, err)
	}

	if doc.ID == "" || doc.Version == 0 {
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		_, err := p.q.Exec(ctx, `
			INSERT INTO documents (collection, id, version, fields)
			VALUES ($1, $2, 1, $3)`, collection, doc.ID, raw,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return port.Document{}, fmt.Errorf("%s/%s exists: %w", collection, doc.ID, port.ErrVersionConflict)
		}
		if err != nil {
			return port.Document{}, fmt.Errorf("insert document: %w", err)
		}
		return reread(doc, 1, raw)
	}

	tag, err := p.q.Exec(ctx, `
		UPDATE documents
		SET fields = $1, version = version + 1, updated_at = NOW()
		WHERE collection = $2 AND id = $3 AND version = $4`,
		raw, collection, doc.ID, doc.Version,
	)
	if err != nil {
		return port.Document{}, fmt.Errorf("update document: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var current int64
		err := p.q.QueryRow(ctx, `
			SELECT version FROM documents WHERE collection = $1 AND id = $2`, collection, doc.ID,
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
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

// RunInTransaction runs fn against a store bound to one pgx.Tx.
func (p *PostgresAdapter) RunInTransaction(ctx context.Context, fn func(ctx context.Context, store port.DocumentStore) error) error {
	if p.pool == nil {
		return errors.New("nested transaction")
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(ctx, &PostgresAdapter{q: tx})
	})
}
