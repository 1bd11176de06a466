package api

import (
	"net/http"
	"strconv"

	"github.com/trailscore/station-core/internal/activity"
)

// handleActivity lists the station's local activity log. Event control uses
// this after reconnection to reconstruct what happened while the station was
// offline.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "activity log is not enabled")
		return
	}

	q := r.URL.Query()
	filter := activity.Filter{
		Action:    q.Get("action"),
		EntityRef: q.Get("entity_ref"),
		JudgeID:   q.Get("judge_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "offset must be an integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.activity.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list activity", "error", err)
		writeInternalError(w, "failed to list activity")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
