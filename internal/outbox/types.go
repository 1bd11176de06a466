package outbox

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the operation id does not exist in the queue.
	ErrNotFound = errors.New("operation not found")

	// ErrNotClaimable indicates the operation is not in a state the
	// requested transition allows (e.g. already in flight).
	ErrNotClaimable = errors.New("operation not claimable")
)

// Status is the lifecycle state of a queued operation.
type Status string

const (
	// StatusQueued means the operation is waiting to be sent.
	StatusQueued Status = "queued"

	// StatusInFlight means the operation has been claimed for sending.
	// In-flight operations found after a restart are requeued.
	StatusInFlight Status = "inflight"

	// StatusSurfaced means the operation hit a server conflict or its
	// attempt budget and needs a human decision. Surfaced operations are
	// never retried automatically.
	StatusSurfaced Status = "surfaced"
)

// Verdict is the outcome of submitting one operation upstream.
type Verdict int

const (
	// VerdictAcked means the server accepted the operation.
	VerdictAcked Verdict = iota

	// VerdictConflict means the server rejected the operation as
	// semantically invalid against its current state. Terminal.
	VerdictConflict

	// VerdictTransient means the send failed for a reason that may clear
	// on its own (network error, timeout, server 5xx).
	VerdictTransient
)

// Operation is one pending mutation bound for the central service.
type Operation struct {
	Seq       int64           `json:"-"`
	ID        string          `json:"id"`
	EntityRef string          `json:"entity_ref"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FlushResult summarizes one drain of the queue.
type FlushResult struct {
	Acked     int       `json:"acked"`
	Retried   int       `json:"retried"`
	Surfaced  int       `json:"surfaced"`
	Remaining int       `json:"remaining"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}
