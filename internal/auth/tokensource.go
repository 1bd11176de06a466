package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// expiryMargin is how long before nominal expiry a cached access token is
// treated as stale, covering clock skew and in-flight request time.
const expiryMargin = 30 * time.Second

// LoginFunc establishes a fresh session when no refresh path remains.
type LoginFunc func(ctx context.Context) (*TokenPair, error)

// TokenSource hands out a valid access token for upstream calls, refreshing
// through the issuer's rotation path when the cached one nears expiry.
// Callers are serialized, so a burst of sends during a sync flush triggers at
// most one refresh per expiry; if the session was revoked or lost the CAS
// race to another gateway process, it falls back to a full login.
type TokenSource struct {
	issuer *Issuer
	login  LoginFunc

	mu        sync.Mutex
	pair      *TokenPair
	expiresAt time.Time
}

// NewTokenSource creates a token source. login must be able to establish a
// session on its own (station service credentials).
func NewTokenSource(issuer *Issuer, login LoginFunc) *TokenSource {
	return &TokenSource{issuer: issuer, login: login}
}

// Token returns a currently valid access token.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pair != nil && time.Now().Before(s.expiresAt.Add(-expiryMargin)) {
		return s.pair.AccessToken, nil
	}

	if s.pair != nil {
		pair, err := s.issuer.Refresh(ctx, s.pair.RefreshToken)
		if err == nil {
			s.store(pair)
			return pair.AccessToken, nil
		}
		if !errors.Is(err, ErrSessionInvalid) && !errors.Is(err, ErrTokenInvalid) {
			return "", err
		}
		// Session burned or rotated away from under us; start over.
		s.pair = nil
	}

	pair, err := s.login(ctx)
	if err != nil {
		return "", err
	}
	s.store(pair)

	return pair.AccessToken, nil
}

// Invalidate drops the cached pair, forcing a refresh or login on next use.
// Called when an upstream request comes back 401 despite a fresh-looking
// token.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = nil
}

func (s *TokenSource) store(pair *TokenPair) {
	s.pair = pair
	s.expiresAt = time.Now().Add(time.Duration(pair.ExpiresIn) * time.Second)
}
