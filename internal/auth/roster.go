package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Roster is the local judge/station assignment store for a gateway running
// without a central identity service. It implements Authorizer: a judge is
// authorised for a station when an active assignment row links the two for
// the event.
type Roster struct {
	db *sql.DB
}

// NewRoster creates a SQLite-backed judge roster.
func NewRoster(db *sql.DB) *Roster {
	return &Roster{db: db}
}

// CreateJudge inserts a new judge with a hashed PIN. The ID is generated if empty.
func (r *Roster) CreateJudge(ctx context.Context, judge *Judge, pin string) error {
	if judge.ID == "" {
		judge.ID = "judge-" + uuid.NewString()[:8]
	}

	pinHash, err := HashPIN(pin)
	if err != nil {
		return fmt.Errorf("hashing PIN: %w", err)
	}
	judge.PINHash = pinHash

	now := time.Now().UTC().Format(time.RFC3339)
	judge.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO judges (id, display_name, email, pin_hash, is_active, created_at)
		 VALUES (?, ?, ?, ?, 1, ?)`,
		judge.ID, judge.DisplayName, nullString(judge.Email), judge.PINHash, now,
	)
	if err != nil {
		return fmt.Errorf("creating judge: %w", err)
	}
	judge.IsActive = true

	return nil
}

// GetJudge retrieves a judge by id.
func (r *Roster) GetJudge(ctx context.Context, judgeID string) (*Judge, error) {
	var j Judge
	var email sql.NullString
	var active int
	var createdAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, display_name, email, pin_hash, is_active, created_at
		 FROM judges WHERE id = ?`, judgeID,
	).Scan(&j.ID, &j.DisplayName, &email, &j.PINHash, &active, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrJudgeNotFound
		}
		return nil, fmt.Errorf("getting judge: %w", err)
	}

	j.IsActive = active != 0
	if email.Valid {
		j.Email = email.String
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled

	return &j, nil
}

// Authenticate verifies a judge's PIN. Returns ErrJudgeNotFound,
// ErrJudgeInactive, or ErrUnauthenticated on a wrong PIN.
func (r *Roster) Authenticate(ctx context.Context, judgeID, pin string) (*Judge, error) {
	judge, err := r.GetJudge(ctx, judgeID)
	if err != nil {
		return nil, err
	}
	if !judge.IsActive {
		return nil, ErrJudgeInactive
	}

	ok, err := VerifyPIN(pin, judge.PINHash)
	if err != nil {
		return nil, fmt.Errorf("verifying PIN: %w", err)
	}
	if !ok {
		return nil, ErrUnauthenticated
	}

	return judge, nil
}

// Assign grants a judge a scoring assignment at a station for an event.
func (r *Roster) Assign(ctx context.Context, judgeID, stationID, eventID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO assignments (judge_id, station_id, event_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		judgeID, stationID, eventID, now,
	)
	if err != nil {
		return fmt.Errorf("creating assignment: %w", err)
	}
	return nil
}

// Unassign removes a judge's assignment at a station.
func (r *Roster) Unassign(ctx context.Context, judgeID, stationID, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM assignments WHERE judge_id = ? AND station_id = ? AND event_id = ?`,
		judgeID, stationID, eventID,
	)
	if err != nil {
		return fmt.Errorf("removing assignment: %w", err)
	}
	return nil
}

// IsAuthorized implements Authorizer: an active judge with an assignment row
// for the station/event triple may open a session.
func (r *Roster) IsAuthorized(ctx context.Context, judgeID, stationID, eventID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assignments a
		 JOIN judges j ON j.id = a.judge_id
		 WHERE a.judge_id = ? AND a.station_id = ? AND a.event_id = ? AND j.is_active = 1`,
		judgeID, stationID, eventID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking assignment: %w", err)
	}
	return count > 0, nil
}

// nullString converts an empty string to a SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
