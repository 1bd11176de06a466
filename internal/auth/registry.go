package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionRegistry stores one refresh-token digest per session id.
//
// The registry is the sole arbiter of rotation races: Rotate is a
// compare-and-replace keyed on the digest it is replacing, so of two
// contexts racing to rotate the same session, exactly one succeeds and
// the other observes ErrSessionInvalid.
type SessionRegistry interface {
	// Put creates a session with its initial digest.
	Put(ctx context.Context, session *Session) error

	// Get returns the session for the id, or ErrSessionInvalid if unknown.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Rotate atomically replaces oldDigest with newDigest for the session.
	// Fails with ErrSessionInvalid if the session is unknown, revoked, or
	// its stored digest is not oldDigest.
	Rotate(ctx context.Context, sessionID, oldDigest, newDigest string) error

	// Revoke marks the session revoked. Subsequent rotations fail.
	Revoke(ctx context.Context, sessionID string) error

	// IsRevoked reports whether the session is revoked or unknown.
	IsRevoked(ctx context.Context, sessionID string) (bool, error)

	// DeleteExpired removes sessions past their expiry, returning the count.
	DeleteExpired(ctx context.Context) (int64, error)
}

// SQLiteSessionRegistry implements SessionRegistry on the gateway's local database.
type SQLiteSessionRegistry struct {
	db *sql.DB
}

// NewSQLiteSessionRegistry creates a SQLite-backed session registry.
func NewSQLiteSessionRegistry(db *sql.DB) *SQLiteSessionRegistry {
	return &SQLiteSessionRegistry{db: db}
}

// Put creates a session row with its initial refresh digest.
func (r *SQLiteSessionRegistry) Put(ctx context.Context, session *Session) error {
	now := time.Now().UTC().Format(time.RFC3339)
	session.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, judge_id, station_id, event_id, refresh_digest, revoked, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.JudgeID, session.StationID, session.EventID,
		session.RefreshDigest, boolToInt(session.Revoked),
		session.ExpiresAt.UTC().Format(time.RFC3339), now,
	)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	return nil
}

// Get retrieves a session by id.
func (r *SQLiteSessionRegistry) Get(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	var revoked int
	var expiresAt, createdAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, judge_id, station_id, event_id, refresh_digest, revoked, expires_at, created_at
		 FROM sessions WHERE id = ?`, sessionID,
	).Scan(&s.ID, &s.JudgeID, &s.StationID, &s.EventID, &s.RefreshDigest,
		&revoked, &expiresAt, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}

	s.Revoked = revoked != 0
	s.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt) //nolint:errcheck // format is controlled
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled

	return &s, nil
}

// Rotate replaces the stored digest, guarded on the digest being replaced.
// The WHERE clause is the compare half of compare-and-replace: a stale
// rotation matches zero rows and is reported as ErrSessionInvalid.
func (r *SQLiteSessionRegistry) Rotate(ctx context.Context, sessionID, oldDigest, newDigest string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET refresh_digest = ?
		 WHERE id = ? AND refresh_digest = ? AND revoked = 0`,
		newDigest, sessionID, oldDigest,
	)
	if err != nil {
		return fmt.Errorf("rotating session digest: %w", err)
	}

	affected, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if affected == 0 {
		return ErrSessionInvalid
	}
	return nil
}

// Revoke marks a session revoked.
func (r *SQLiteSessionRegistry) Revoke(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE sessions SET revoked = 1 WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// IsRevoked reports whether the session is revoked. Unknown sessions count
// as revoked.
func (r *SQLiteSessionRegistry) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	var revoked int
	err := r.db.QueryRowContext(ctx,
		"SELECT revoked FROM sessions WHERE id = ?", sessionID,
	).Scan(&revoked)
	if err != nil {
		if err == sql.ErrNoRows {
			return true, nil
		}
		return false, fmt.Errorf("checking session revocation: %w", err)
	}
	return revoked != 0, nil
}

// DeleteExpired removes sessions past their expiry, freeing storage.
func (r *SQLiteSessionRegistry) DeleteExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}

// boolToInt converts a bool to SQLite's integer representation.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
