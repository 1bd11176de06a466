package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/trailscore/station-core/internal/activity"
	"github.com/trailscore/station-core/internal/outbox"
)

// resolveRequest is the request body for POST /sync/surfaced/{id}/resolve.
type resolveRequest struct {
	Action string `json:"action"` // "retry" or "discard"
}

// handleSyncPending lists operations still awaiting delivery.
func (s *Server) handleSyncPending(w http.ResponseWriter, r *http.Request) {
	ops, err := s.queue.Pending(r.Context())
	if err != nil {
		s.logger.Error("failed to list pending operations", "error", err)
		writeInternalError(w, "failed to list pending operations")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"operations": emptyIfNil(ops),
		"count":      len(ops),
	})
}

// handleSyncSurfaced lists operations waiting for a human decision.
func (s *Server) handleSyncSurfaced(w http.ResponseWriter, r *http.Request) {
	ops, err := s.queue.Surfaced(r.Context())
	if err != nil {
		s.logger.Error("failed to list surfaced operations", "error", err)
		writeInternalError(w, "failed to list surfaced operations")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"operations": emptyIfNil(ops),
		"count":      len(ops),
	})
}

// handleSyncResolve clears one surfaced operation, either requeueing it for
// another delivery attempt or discarding it.
func (s *Server) handleSyncResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	var retry bool
	switch req.Action {
	case "retry":
		retry = true
	case "discard":
		retry = false
	default:
		writeBadRequest(w, `action must be "retry" or "discard"`)
		return
	}

	if err := s.queue.Resolve(r.Context(), id, retry); err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			writeNotFound(w, "no surfaced operation with that id")
			return
		}
		s.logger.Error("failed to resolve operation", "operation", id, "error", err)
		writeInternalError(w, "failed to resolve operation")
		return
	}

	judge := ""
	if claims := claimsFrom(r); claims != nil {
		judge = claims.Subject
	}
	s.logger.Info("surfaced operation resolved",
		"operation", id, "action", req.Action, "judge", judge)
	s.recordActivity(r, &activity.Entry{
		Action:  activity.ActionSyncResolve,
		JudgeID: judge,
		Details: map[string]any{"operation_id": id, "resolution": req.Action},
	})

	if retry && s.coordinator != nil {
		s.coordinator.NotifyConnected()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"operation_id": id,
		"action":       req.Action,
	})
}

// handleSyncFlush drains the queue once, synchronously, and returns the
// summary. Judges use this when they can see connectivity is back but don't
// want to wait for the watchers.
func (s *Server) handleSyncFlush(w http.ResponseWriter, r *http.Request) {
	if s.coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "sync coordinator is not running")
		return
	}

	result, err := s.coordinator.Flush(r.Context())
	if err != nil {
		s.logger.Error("manual flush failed", "error", err)
		writeInternalError(w, "flush failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// emptyIfNil keeps JSON list fields as [] rather than null.
func emptyIfNil(ops []*outbox.Operation) []*outbox.Operation {
	if ops == nil {
		return []*outbox.Operation{}
	}
	return ops
}
