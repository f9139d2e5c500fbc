package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ Store = (*SQLite)(nil)

// SQLite stores collections as rows of the kv_entries table. The table is
// created by the application migrations; collections are implicit.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an existing *sql.DB. The kv_entries table must exist.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// EnsureCollection is a no-op: collections exist as soon as a key is written.
func (s *SQLite) EnsureCollection(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("collection name is required")
	}
	return nil
}

func (s *SQLite) Put(ctx context.Context, collection, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (collection, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		collection, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("putting %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, collection, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE collection = ? AND key = ?`, collection, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s/%s: %w", collection, key, err)
	}
	return value, nil
}

func (s *SQLite) Delete(ctx context.Context, collection, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE collection = ? AND key = ?`, collection, key)
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", collection, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_entries WHERE collection = ?`, collection).Scan(&n)
	return n, err
}

func (s *SQLite) Scan(ctx context.Context, collection string, fn func(key string, value []byte) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv_entries WHERE collection = ? ORDER BY key ASC`, collection)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", collection, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("reading %s row: %w", collection, err)
		}
		if err := fn(key, value); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

// Close is a no-op; the owner of the *sql.DB closes it.
func (s *SQLite) Close() error { return nil }
