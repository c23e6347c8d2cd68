package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	// a single connection keeps the shared in-memory db alive and serializes writers
	db.SetMaxOpenConns(1)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS namespaces (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			captured_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (namespace, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("sqlite init: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Open(ctx context.Context, namespace string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO namespaces (name) VALUES (?)", namespace)
	return err
}

func (s SQLiteCache) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM namespaces ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) Drop(ctx context.Context, namespace string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE namespace = ?", namespace); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM namespaces WHERE name = ?", namespace); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s SQLiteCache) Get(ctx context.Context, namespace, key string) (CacheEntry, error) {
	var capturedAt sql.NullInt64
	entry := CacheEntry{Key: key}
	err := s.db.QueryRowContext(ctx,
		"SELECT captured_at, bytes FROM entries WHERE namespace = ? AND key = ?",
		namespace, key,
	).Scan(&capturedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	// a row without a timestamp is returned with a zero CapturedAt
	if capturedAt.Valid {
		entry.CapturedAt = time.Unix(0, capturedAt.Int64)
	}
	return entry, nil
}

func (s SQLiteCache) Put(ctx context.Context, namespace string, ce CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO namespaces (name) VALUES (?)", namespace); err != nil {
		tx.Rollback()
		return err
	}
	var capturedAt sql.NullInt64
	if !ce.CapturedAt.IsZero() {
		capturedAt = sql.NullInt64{Int64: ce.CapturedAt.UnixNano(), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(namespace, key, captured_at, bytes) VALUES (?, ?, ?, ?)`,
		namespace, ce.Key, capturedAt, ce.Bytes)
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s SQLiteCache) Purge(ctx context.Context, namespace, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE namespace = ? AND key = ?", namespace, key)
	return err
}

func (s SQLiteCache) Clear(ctx context.Context, namespace string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE namespace = ?", namespace)
	return err
}

func (s SQLiteCache) Keys(ctx context.Context, namespace string, cb func(string)) error {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM entries WHERE namespace = ? ORDER BY key", namespace)
	if err != nil {
		return err
	}
	// collect first, the callback may use the store
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
