package auth

import (
	"errors"
	"time"
)

// Judge represents a human scorer. Identity is immutable once created.
type Judge struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	PINHash     string    `json:"-"` // never serialised
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Station represents a fixed scoring post. Immutable for the duration of an event.
type Station struct {
	ID         string   `json:"id"`
	Code       string   `json:"code"`
	Name       string   `json:"name"`
	TaskTypes  []string `json:"task_types"`
	Categories []string `json:"categories"`
}

// Event represents the competition instance all sessions are scoped to.
type Event struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

// Session binds a judge, station, and event to one rotating refresh digest.
//
// A session is created at login, mutated only by rotation (replacing its
// stored digest) or explicit revocation, and never deleted except by the
// expiry sweep.
type Session struct {
	ID            string    `json:"id"`
	JudgeID       string    `json:"judge_id"`
	StationID     string    `json:"station_id"`
	EventID       string    `json:"event_id"`
	RefreshDigest string    `json:"-"` // never serialised
	Revoked       bool      `json:"revoked"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// TokenPair is the credential set returned by login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id"`
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int `json:"expires_in"`
}

// Sentinel errors for auth operations.
var (
	// ErrTokenInvalid covers bad signature, malformed structure, wrong token
	// type, and expiry. Callers must not be able to tell which.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrSessionInvalid means the session is revoked, unknown, or the refresh
	// digest no longer matches (stale-reuse detection). Forces a full login.
	ErrSessionInvalid = errors.New("session invalid")

	// ErrUnauthenticated means the judge/station/event combination was denied
	// at login time.
	ErrUnauthenticated = errors.New("not authorised for this station")

	ErrJudgeNotFound = errors.New("judge not found")
	ErrJudgeInactive = errors.New("judge account is inactive")
)
