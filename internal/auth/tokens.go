package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType distinguishes access tokens from refresh tokens on the wire.
type TokenType string

const (
	// TokenTypeAccess marks short-lived tokens verified on every request.
	TokenTypeAccess TokenType = "access"

	// TokenTypeRefresh marks longer-lived tokens accepted only at the
	// rotation endpoint.
	TokenTypeRefresh TokenType = "refresh"
)

// Claims is the wire-stable claim set carried by both token types:
// {sub, station_id, sid, event_id, type}.
type Claims struct {
	jwt.RegisteredClaims
	StationID string    `json:"station_id"`
	SessionID string    `json:"sid"`
	EventID   string    `json:"event_id"`
	TokenType TokenType `json:"type"`
}

// SignAccessToken creates a signed JWT access token with the given lifetime.
// The secret must be the access secret; refresh tokens use an independent one.
func SignAccessToken(judgeID, stationID, sessionID, eventID, secret string, ttl time.Duration) (string, error) {
	return signToken(judgeID, stationID, sessionID, eventID, TokenTypeAccess, secret, ttl)
}

// SignRefreshToken creates a signed JWT refresh token with the given lifetime.
func SignRefreshToken(judgeID, stationID, sessionID, eventID, secret string, ttl time.Duration) (string, error) {
	return signToken(judgeID, stationID, sessionID, eventID, TokenTypeRefresh, secret, ttl)
}

func signToken(judgeID, stationID, sessionID, eventID string, typ TokenType, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   judgeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			// Unique ID per token: two tokens signed for the same session
			// in the same second must still produce distinct digests, or
			// rotation could replace a digest with itself.
			ID: uuid.NewString(),
		},
		StationID: stationID,
		SessionID: sessionID,
		EventID:   eventID,
		TokenType: typ,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", typ, err)
	}
	return signed, nil
}

// ParseAccessToken validates and parses an access token.
// Signature, structure, expiry, and token type failures all surface as
// ErrTokenInvalid; the cause is never distinguished to the caller.
func ParseAccessToken(tokenString, secret string) (*Claims, error) {
	return parseToken(tokenString, secret, TokenTypeAccess)
}

// ParseRefreshToken validates and parses a refresh token against the refresh secret.
func ParseRefreshToken(tokenString, secret string) (*Claims, error) {
	return parseToken(tokenString, secret, TokenTypeRefresh)
}

func parseToken(tokenString, secret string, want TokenType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		// Collapse expiry and signature failures into one error so the
		// caller cannot tell which check rejected the token.
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.TokenType != want {
		return nil, ErrTokenInvalid
	}

	if claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// HashToken computes the SHA-256 digest of a raw token for storage.
// Raw refresh tokens are never stored — only their digests.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// RandomOpaque returns a cryptographically random hex string of n bytes.
// Used for bearer credentials that carry no claims, such as pairing codes
// and WebSocket tickets.
func RandomOpaque(n int) string {
	b := make([]byte, n)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}
