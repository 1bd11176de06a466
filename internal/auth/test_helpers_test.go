package auth

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// testDB creates a temporary SQLite database with the auth schema applied.
// The database file is cleaned up when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	// Use a temp file so WAL mode works (in-memory doesn't support it)
	f, err := os.CreateTemp("", "auth-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE judges (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			email TEXT,
			pin_hash TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		) STRICT;

		CREATE TABLE assignments (
			judge_id TEXT NOT NULL,
			station_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (judge_id, station_id, event_id),
			FOREIGN KEY (judge_id) REFERENCES judges(id) ON DELETE CASCADE
		) STRICT;

		CREATE TABLE sessions (
			id TEXT PRIMARY KEY,
			judge_id TEXT NOT NULL,
			station_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			refresh_digest TEXT NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating test schema: %v", err)
	}

	return db
}

// seedTestJudge inserts an active judge with an assignment at the given
// station/event and returns it.
func seedTestJudge(t *testing.T, db *sql.DB, judgeID, stationID, eventID string) *Judge {
	t.Helper()

	roster := NewRoster(db)
	judge := &Judge{ID: judgeID, DisplayName: "Judge " + judgeID}
	if err := roster.CreateJudge(context.Background(), judge, "1234"); err != nil {
		t.Fatalf("seeding judge: %v", err)
	}
	if err := roster.Assign(context.Background(), judgeID, stationID, eventID); err != nil {
		t.Fatalf("seeding assignment: %v", err)
	}
	return judge
}

// testIssuerConfig returns an IssuerConfig with distinct secrets and short TTLs.
func testIssuerConfig() IssuerConfig {
	return IssuerConfig{
		AccessSecret:  "test-access-secret-at-least-32-chars!!",
		RefreshSecret: "test-refresh-secret-at-least-32-chars!",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
	}
}
