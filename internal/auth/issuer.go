package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Authorizer decides whether a judge may open a session at a station for an
// event. The local roster implements it; deployments with a central identity
// store substitute their own.
type Authorizer interface {
	IsAuthorized(ctx context.Context, judgeID, stationID, eventID string) (bool, error)
}

// IssuerConfig carries the token secrets and lifetimes for an Issuer.
type IssuerConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// Issuer orchestrates the session registry and token signing to produce,
// rotate, and revoke judge sessions.
//
// All verification and rotation is all-or-nothing: no partial success path
// leaves the registry and the issued tokens disagreeing.
type Issuer struct {
	cfg        IssuerConfig
	registry   SessionRegistry
	authorizer Authorizer
}

// NewIssuer creates a token issuer over the given registry and authorizer.
func NewIssuer(cfg IssuerConfig, registry SessionRegistry, authorizer Authorizer) *Issuer {
	return &Issuer{
		cfg:        cfg,
		registry:   registry,
		authorizer: authorizer,
	}
}

// Login authenticates a judge/station/event triple and opens a new session.
//
// Fails with ErrUnauthenticated if the authorizer denies the combination.
// On success the refresh token's digest is stored against the new session id;
// the raw refresh token exists only in the returned pair.
func (i *Issuer) Login(ctx context.Context, judgeID, stationID, eventID string) (*TokenPair, error) {
	ok, err := i.authorizer.IsAuthorized(ctx, judgeID, stationID, eventID)
	if err != nil {
		return nil, fmt.Errorf("checking authorization: %w", err)
	}
	if !ok {
		return nil, ErrUnauthenticated
	}

	sessionID := uuid.NewString()

	pair, refreshDigest, err := i.signPair(judgeID, stationID, sessionID, eventID)
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:            sessionID,
		JudgeID:       judgeID,
		StationID:     stationID,
		EventID:       eventID,
		RefreshDigest: refreshDigest,
		ExpiresAt:     time.Now().Add(i.cfg.RefreshTTL),
	}
	if err := i.registry.Put(ctx, session); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	return pair, nil
}

// Refresh verifies a raw refresh token and rotates the session's digest,
// returning a fresh access/refresh pair bound to the same session.
//
// The presented token's digest is compared against the stored digest in
// constant time. On mismatch the session is revoked before returning
// ErrSessionInvalid: a mismatch means a rotated-out token was replayed,
// which is indistinguishable from theft, so the whole session is burned.
func (i *Issuer) Refresh(ctx context.Context, rawRefreshToken string) (*TokenPair, error) {
	claims, err := ParseRefreshToken(rawRefreshToken, i.cfg.RefreshSecret)
	if err != nil {
		return nil, err
	}

	session, err := i.registry.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Revoked {
		return nil, ErrSessionInvalid
	}

	presented := HashToken(rawRefreshToken)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(session.RefreshDigest)) != 1 {
		// Stale-reuse detected. Burn the session so the other holder's
		// token dies with it.
		if revokeErr := i.registry.Revoke(ctx, claims.SessionID); revokeErr != nil {
			return nil, fmt.Errorf("revoking session after reuse: %w", revokeErr)
		}
		return nil, ErrSessionInvalid
	}

	pair, newDigest, err := i.signPair(claims.Subject, claims.StationID, claims.SessionID, claims.EventID)
	if err != nil {
		return nil, err
	}

	if err := i.registry.Rotate(ctx, claims.SessionID, presented, newDigest); err != nil {
		// A concurrent refresh won the compare-and-replace; this caller
		// must re-login.
		if errors.Is(err, ErrSessionInvalid) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("rotating session: %w", err)
	}

	return pair, nil
}

// Revoke marks the session revoked; subsequent refresh attempts fail with
// ErrSessionInvalid regardless of token validity.
func (i *Issuer) Revoke(ctx context.Context, sessionID string) error {
	if err := i.registry.Revoke(ctx, sessionID); err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// VerifyAccess validates an access token and returns its claims.
// The session registry is not consulted: access token validity is purely a
// function of signature and expiry.
func (i *Issuer) VerifyAccess(tokenString string) (*Claims, error) {
	return ParseAccessToken(tokenString, i.cfg.AccessSecret)
}

// signPair issues an access/refresh pair for a session and returns the
// refresh token's storage digest alongside.
func (i *Issuer) signPair(judgeID, stationID, sessionID, eventID string) (*TokenPair, string, error) {
	access, err := SignAccessToken(judgeID, stationID, sessionID, eventID, i.cfg.AccessSecret, i.cfg.AccessTTL)
	if err != nil {
		return nil, "", err
	}

	refresh, err := SignRefreshToken(judgeID, stationID, sessionID, eventID, i.cfg.RefreshSecret, i.cfg.RefreshTTL)
	if err != nil {
		return nil, "", err
	}

	pair := &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		SessionID:    sessionID,
		ExpiresIn:    int(i.cfg.AccessTTL.Seconds()),
	}
	return pair, HashToken(refresh), nil
}
