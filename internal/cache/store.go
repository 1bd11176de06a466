package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrMiss is returned by Get when no entry exists for the key.
var ErrMiss = errors.New("cache miss")

// Entry is one opportunistically stored response.
type Entry struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	Strategy Strategy
	StoredAt time.Time
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age() time.Duration {
	return time.Since(e.StoredAt)
}

// Store persists cache entries in the gateway's local database.
type Store struct {
	db *sql.DB
}

// NewStore creates a SQLite-backed response cache.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Key derives the request identity a response is cached under.
func Key(method, url string) string {
	return method + " " + url
}

// Put stores or overwrites the entry for its key.
func (s *Store) Put(ctx context.Context, entry *Entry) error {
	headerJSON, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("encoding cached headers: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, status, headers, body, strategy, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   status = excluded.status,
		   headers = excluded.headers,
		   body = excluded.body,
		   strategy = excluded.strategy,
		   stored_at = excluded.stored_at`,
		entry.Key, entry.Status, string(headerJSON), entry.Body,
		string(entry.Strategy), now,
	)
	if err != nil {
		return fmt.Errorf("storing cache entry: %w", err)
	}

	return nil
}

// Get returns the entry for the key, or ErrMiss.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	var headerJSON, strategy, storedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT key, status, headers, body, strategy, stored_at
		 FROM cache_entries WHERE key = ?`, key,
	).Scan(&e.Key, &e.Status, &headerJSON, &e.Body, &strategy, &storedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("getting cache entry: %w", err)
	}

	if err := json.Unmarshal([]byte(headerJSON), &e.Header); err != nil {
		return nil, fmt.Errorf("decoding cached headers: %w", err)
	}
	e.Strategy = Strategy(strategy)
	e.StoredAt, _ = time.Parse(time.RFC3339, storedAt) //nolint:errcheck // format is controlled

	return &e, nil
}

// DeleteOlderThan evicts entries stored before the cutoff, returning the count.
func (s *Store) DeleteOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE stored_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("evicting cache entries: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}
