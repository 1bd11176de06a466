package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/trailscore/station-core/internal/activity"
	"github.com/trailscore/station-core/internal/infrastructure/mqtt"
	"github.com/trailscore/station-core/internal/outbox"
)

// scoreRequest is the request body for POST /scores.
//
// OperationID is optional: consoles that generate their own ids can resubmit
// after a lost response without double-recording the score.
type scoreRequest struct {
	OperationID string          `json:"operation_id,omitempty"`
	EntryRef    string          `json:"entry_ref"`
	Kind        string          `json:"kind,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// scoreResponse is the response body for POST /scores.
type scoreResponse struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// handleSubmitScore records a score locally and queues it for the central
// service. The response is always 202: acceptance here means the score is
// durable on this gateway, not that the central service has seen it. Actual
// delivery happens on the next flush.
func (s *Server) handleSubmitScore(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if claims == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.EntryRef == "" {
		writeBadRequest(w, "entry_ref is required")
		return
	}
	if len(req.Payload) == 0 {
		writeBadRequest(w, "payload is required")
		return
	}
	if req.OperationID == "" {
		req.OperationID = uuid.NewString()
	} else if _, err := uuid.Parse(req.OperationID); err != nil {
		writeBadRequest(w, "operation_id must be a UUID")
		return
	}
	if req.Kind == "" {
		req.Kind = "score.submit"
	}

	// Stamp the scoring judge into the payload so the central service knows
	// who recorded it even when the score arrives hours later.
	payload, err := stampJudge(req.Payload, claims.Subject)
	if err != nil {
		writeBadRequest(w, "payload must be a JSON object")
		return
	}

	op := &outbox.Operation{
		ID:        req.OperationID,
		EntityRef: req.EntryRef,
		Kind:      req.Kind,
		Payload:   payload,
	}

	inserted, err := s.queue.Enqueue(r.Context(), op)
	if err != nil {
		s.logger.Error("failed to enqueue score", "entry", req.EntryRef, "error", err)
		writeInternalError(w, "failed to record score")
		return
	}

	if inserted {
		s.logger.Info("score recorded",
			"operation", op.ID, "entry", op.EntityRef, "judge", claims.Subject)
		s.recordActivity(r, &activity.Entry{
			Action:    activity.ActionScoreSubmit,
			EntityRef: op.EntityRef,
			JudgeID:   claims.Subject,
			Details:   map[string]any{"operation_id": op.ID},
		})
		s.announceScore(op)
		// Try to deliver straight away; if the uplink is down this is a
		// no-op and the score waits for the next connectivity trigger.
		if s.coordinator != nil {
			s.coordinator.NotifyConnected()
		}
	}

	writeJSON(w, http.StatusAccepted, scoreResponse{
		OperationID: op.ID,
		Status:      string(outbox.StatusQueued),
		Duplicate:   !inserted,
	})
}

// announceScore publishes a recorded score to the venue bus so event control
// sees scoring activity even before the score reaches the central service.
func (s *Server) announceScore(op *outbox.Operation) {
	if s.mqtt == nil {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"operation_id": op.ID,
		"entry_ref":    op.EntityRef,
		"kind":         op.Kind,
	})
	if err != nil {
		return
	}

	topic := mqtt.Topics{}.StationScoreRecorded(s.station.ID)
	if err := s.mqtt.Publish(topic, payload, 1, false); err != nil {
		s.logger.Debug("score announcement failed", "error", err)
	}
}

// stampJudge adds a judge_id field to a JSON object payload.
func stampJudge(payload json.RawMessage, judgeID string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}

	idJSON, err := json.Marshal(judgeID)
	if err != nil {
		return nil, err
	}
	fields["judge_id"] = idJSON

	return json.Marshal(fields)
}
