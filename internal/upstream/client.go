package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/trailscore/station-core/internal/infrastructure/logging"
	"github.com/trailscore/station-core/internal/outbox"
)

// ErrUnexpectedStatus indicates a response outside the statuses the caller
// can act on.
var ErrUnexpectedStatus = errors.New("unexpected upstream status")

// operationEnvelope is the wire form of one submitted operation. The
// operation id doubles as the server-side idempotency key, so a crash between
// send and acknowledge results in a harmless duplicate.
type operationEnvelope struct {
	OperationID string          `json:"operation_id"`
	EntityRef   string          `json:"entity_ref"`
	Kind        string          `json:"kind"`
	StationID   string          `json:"station_id"`
	Payload     json.RawMessage `json:"payload"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// Client talks to the central scoring service.
type Client struct {
	baseURL   string
	stationID string
	http      *http.Client
	logger    *logging.Logger
}

// NewClient creates a client. transport may be a cache router so GET traffic
// picks up offline fallbacks; nil uses http.DefaultTransport.
func NewClient(baseURL, stationID string, timeout time.Duration, transport http.RoundTripper, logger *logging.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		stationID: stationID,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger.With("component", "upstream"),
	}
}

// Submit delivers one queued operation. 2xx means the server owns it now;
// 409 and 422 mean the server rejected it against its current state, which
// only a human can untangle; everything else is worth another try.
func (c *Client) Submit(ctx context.Context, op *outbox.Operation, accessToken string) (outbox.Verdict, error) {
	envelope := operationEnvelope{
		OperationID: op.ID,
		EntityRef:   op.EntityRef,
		Kind:        op.Kind,
		StationID:   c.stationID,
		Payload:     op.Payload,
		RecordedAt:  op.CreatedAt,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return outbox.VerdictTransient, fmt.Errorf("encoding operation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/operations", bytes.NewReader(body))
	if err != nil {
		return outbox.VerdictTransient, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Idempotency-Key", op.ID)

	resp, err := c.http.Do(req)
	if err != nil {
		return outbox.VerdictTransient, fmt.Errorf("submitting operation: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return outbox.VerdictAcked, nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return outbox.VerdictConflict, nil
	default:
		return outbox.VerdictTransient,
			fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
}

// FetchJSON GETs a path and decodes the body into v. Runs through the
// client's transport, so cached fallbacks apply when configured.
func (c *Client) FetchJSON(ctx context.Context, path, accessToken string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fetching %s: %w: %d", path, ErrUnexpectedStatus, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}

	return nil
}

// Probe checks whether the central service is reachable and healthy.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("probing upstream: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probing upstream: %w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	return nil
}
