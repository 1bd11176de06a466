package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/trailscore/station-core/internal/activity"
	"github.com/trailscore/station-core/internal/auth"
)

// ticketTTL is how long a WebSocket ticket is valid.
const ticketTTL = 60 * time.Second

// loginRequest is the request body for POST /auth/login.
type loginRequest struct {
	JudgeID string `json:"judge_id"`
	PIN     string `json:"pin"`
}

// loginResponse is the response body for POST /auth/login.
type loginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	SessionID    string `json:"session_id"`
	DisplayName  string `json:"display_name"`
}

// refreshRequest is the request body for POST /auth/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleLogin authenticates a judge by PIN and issues a token pair bound to
// this station and event.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.JudgeID == "" || req.PIN == "" {
		writeBadRequest(w, "judge_id and pin are required")
		return
	}

	judge, err := s.roster.Authenticate(r.Context(), req.JudgeID, req.PIN)
	if err != nil {
		// Wrong PIN and unknown judge look the same to the caller.
		s.recordAuth("login_denied")
		writeUnauthorized(w, "invalid credentials")
		return
	}

	pair, err := s.issuer.Login(r.Context(), judge.ID, s.station.ID, s.station.EventID)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			s.recordAuth("login_denied")
			writeForbidden(w, "judge is not assigned to this station for the current event")
			return
		}
		s.logger.Error("login failed", "judge", judge.ID, "error", err)
		writeInternalError(w, "failed to establish session")
		return
	}

	s.recordAuth("login")
	s.recordActivity(r, &activity.Entry{Action: activity.ActionLogin, JudgeID: judge.ID})
	s.logger.Info("judge logged in", "judge", judge.ID, "session", pair.SessionID)

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		SessionID:    pair.SessionID,
		DisplayName:  judge.DisplayName,
	})
}

// handleRefresh rotates a refresh token for a new pair. A stale or replayed
// token gets the same 401 as a forged one; the session burning behind it is
// not advertised to the caller.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.RefreshToken == "" {
		writeBadRequest(w, "refresh_token is required")
		return
	}

	pair, err := s.issuer.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrTokenInvalid) || errors.Is(err, auth.ErrSessionInvalid) {
			s.recordAuth("refresh_rejected")
			writeUnauthorized(w, "invalid refresh token")
			return
		}
		s.logger.Error("refresh failed", "error", err)
		writeInternalError(w, "failed to refresh session")
		return
	}

	s.recordAuth("refresh")

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		SessionID:    pair.SessionID,
	})
}

// handleLogout revokes the caller's session. The access token stays
// cryptographically valid until expiry, but the refresh path is closed.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if claims == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	if err := s.issuer.Revoke(r.Context(), claims.SessionID); err != nil {
		s.logger.Error("logout failed", "session", claims.SessionID, "error", err)
		writeInternalError(w, "failed to revoke session")
		return
	}

	s.recordAuth("logout")
	s.recordActivity(r, &activity.Entry{Action: activity.ActionLogout, JudgeID: claims.Subject})
	s.logger.Info("judge logged out", "judge", claims.Subject, "session", claims.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

// handleWSTicket generates a single-use WebSocket authentication ticket.
// The console uses this ticket to authenticate the WebSocket connection
// without exposing the access token in the URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if claims == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	ticket := auth.RandomOpaque(ticketBytes)
	s.tickets.put(ticket, claims.Subject)

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// ticketStore holds pending WebSocket authentication tickets.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	tickets map[string]ticketEntry
	mu      sync.Mutex
}

type ticketEntry struct {
	judgeID   string
	expiresAt time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]ticketEntry)}
}

func (t *ticketStore) put(ticket, judgeID string) {
	t.mu.Lock()
	t.tickets[ticket] = ticketEntry{
		judgeID:   judgeID,
		expiresAt: time.Now().Add(ticketTTL),
	}
	t.mu.Unlock()
}

// consume checks a ticket and removes it (single-use), returning the judge
// it was issued to.
func (t *ticketStore) consume(ticket string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.tickets[ticket]
	if !ok {
		return "", false
	}
	delete(t.tickets, ticket)

	if time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.judgeID, true
}

// cleanExpired removes expired tickets from the store.
func (t *ticketStore) cleanExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for ticket, entry := range t.tickets {
		if now.After(entry.expiresAt) {
			delete(t.tickets, ticket)
		}
	}
}

// cleanLoop runs cleanExpired periodically until the context is cancelled.
func (t *ticketStore) cleanLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.cleanExpired()
		}
	}
}

// ticketBytes is the number of random bytes used for WebSocket tickets.
const ticketBytes = 32
