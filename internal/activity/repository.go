// Package activity provides access to the activity_log table: a local record
// of who did what at this station, kept so event control can reconstruct a
// station's day even if it spent most of it offline.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known actions. Handlers may record others; these are the ones the
// console timeline understands.
const (
	ActionLogin       = "login"
	ActionLogout      = "logout"
	ActionScoreSubmit = "score.submit"
	ActionSyncResolve = "sync.resolve"
	ActionSyncFlush   = "sync.flush"
)

// Entry represents a single activity log entry.
type Entry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	EntityRef string         `json:"entity_ref,omitempty"`
	JudgeID   string         `json:"judge_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter controls which entries to return.
type Filter struct {
	Action    string // optional: filter by action
	EntityRef string // optional: filter by entity
	JudgeID   string // optional: filter by judge
	Limit     int    // default 50, max 200
	Offset    int    // pagination offset
}

// ListResult contains the paginated activity log results.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Default and maximum page sizes for activity queries.
const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Repository reads and writes the activity log in SQLite.
type Repository struct {
	db *sql.DB
}

// NewRepository creates an activity log repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Record inserts a new entry. The ID and CreatedAt are generated if empty.
func (r *Repository) Record(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = "act-" + uuid.NewString()[:8]
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var detailsJSON any
	if entry.Details != nil {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshalling activity details: %w", err)
		}
		detailsJSON = string(b)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO activity_log (id, action, entity_ref, judge_id, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action,
		nullableString(entry.EntityRef), nullableString(entry.JudgeID),
		detailsJSON,
		// Nanosecond precision keeps ordering stable for entries recorded
		// within the same second
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting activity entry: %w", err)
	}

	return nil
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching the filter, ordered by most recent first.
func (r *Repository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.EntityRef != "" {
		conditions = append(conditions, "entity_ref = ?")
		args = append(args, filter.EntityRef)
	}
	if filter.JudgeID != "" {
		conditions = append(conditions, "judge_id = ?")
		args = append(args, filter.JudgeID)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM activity_log %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting activity entries: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT id, action, entity_ref, judge_id, details, created_at FROM activity_log %s ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activity log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var entityRef, judgeID, detailsJSON sql.NullString
		var createdAt string

		if err := rows.Scan(&entry.ID, &entry.Action,
			&entityRef, &judgeID, &detailsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning activity entry: %w", err)
		}

		if entityRef.Valid {
			entry.EntityRef = entityRef.String
		}
		if judgeID.Valid {
			entry.JudgeID = judgeID.String
		}
		if detailsJSON.Valid && detailsJSON.String != "" {
			var details map[string]any
			if json.Unmarshal([]byte(detailsJSON.String), &details) == nil {
				entry.Details = details
			}
		}

		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing activity timestamp %q: %w", createdAt, err)
		}
		entry.CreatedAt = t

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activity log: %w", err)
	}

	if entries == nil {
		entries = []Entry{}
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}
