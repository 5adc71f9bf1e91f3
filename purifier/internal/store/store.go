// Package store persists censor results in SQLite so a new session starts
// with the results of earlier ones.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store is the result database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the result database at path.
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Put records the result for url, replacing any earlier one.
func (s *Store) Put(ctx context.Context, url, result string) error {
	err := execRetry(ctx, s.DB, `
		INSERT INTO censor_results (url, result, updated_at) VALUES (?,?,?)
		ON CONFLICT(url) DO UPDATE SET result = excluded.result, updated_at = excluded.updated_at`,
		url, result, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: put: %w", err)
	}
	return nil
}

// Get returns the result for url. ok is false when none is stored.
func (s *Store) Get(ctx context.Context, url string) (result string, ok bool, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT result FROM censor_results WHERE url = ?`, url).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get: %w", err)
	}
	return result, true, nil
}

// All returns every stored result keyed by URL.
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT url, result FROM censor_results`)
	if err != nil {
		return nil, fmt.Errorf("store: all: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var url, result string
		if err := rows.Scan(&url, &result); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out[url] = result
	}
	return out, rows.Err()
}

// Prune deletes results not updated since before.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM censor_results WHERE updated_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	return res.RowsAffected()
}
