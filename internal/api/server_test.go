package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/trailscore/station-core/internal/activity"
	"github.com/trailscore/station-core/internal/auth"
	"github.com/trailscore/station-core/internal/infrastructure/config"
	"github.com/trailscore/station-core/internal/infrastructure/logging"
	"github.com/trailscore/station-core/internal/outbox"
)

const (
	testStationID = "station-1"
	testEventID   = "event-1"
	testJudgeID   = "judge-1"
	testJudgePIN  = "1234"
)

// testHarness bundles the server with direct handles on its collaborators
// so tests can seed data and inspect state behind the HTTP surface.
type testHarness struct {
	server *Server
	router http.Handler
	db     *sql.DB
	queue  *outbox.Queue
	issuer *auth.Issuer
	roster *auth.Roster
}

// newTestHarness builds a server over a temp SQLite database seeded with one
// judge assigned to the test station. No coordinator, MQTT, or telemetry.
func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	f, err := os.CreateTemp("", "api-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE judges (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			email TEXT,
			pin_hash TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		) STRICT;

		CREATE TABLE assignments (
			judge_id TEXT NOT NULL,
			station_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (judge_id, station_id, event_id),
			FOREIGN KEY (judge_id) REFERENCES judges(id) ON DELETE CASCADE
		) STRICT;

		CREATE TABLE sessions (
			id TEXT PRIMARY KEY,
			judge_id TEXT NOT NULL,
			station_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			refresh_digest TEXT NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		) STRICT;

		CREATE TABLE activity_log (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			entity_ref TEXT,
			judge_id TEXT,
			details TEXT,
			created_at TEXT NOT NULL
		) STRICT;

		CREATE TABLE outbox_operations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			entity_ref TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload BLOB NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating test schema: %v", err)
	}

	roster := auth.NewRoster(db)
	judge := &auth.Judge{ID: testJudgeID, DisplayName: "Judge One"}
	if err := roster.CreateJudge(context.Background(), judge, testJudgePIN); err != nil {
		t.Fatalf("seeding judge: %v", err)
	}
	if err := roster.Assign(context.Background(), testJudgeID, testStationID, testEventID); err != nil {
		t.Fatalf("seeding assignment: %v", err)
	}

	issuer := auth.NewIssuer(auth.IssuerConfig{
		AccessSecret:  "test-access-secret-at-least-32-chars!!",
		RefreshSecret: "test-refresh-secret-at-least-32-chars!",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
	}, auth.NewSQLiteSessionRegistry(db), roster)

	queue := outbox.NewQueue(db)

	logger := logging.New(config.LoggingConfig{
		Level:  "error",
		Format: "text",
		Output: "stderr",
	}, "test")

	srv, err := New(Deps{
		Config:   config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS:       config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Station:  config.StationConfig{ID: testStationID, Code: "S1", Name: "Station One", EventID: testEventID},
		Logger:   logger,
		Issuer:   issuer,
		Roster:   roster,
		Queue:    queue,
		Activity: activity.NewRepository(db),
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}
	srv.startedAt = time.Now()

	return &testHarness{
		server: srv,
		router: srv.buildRouter(),
		db:     db,
		queue:  queue,
		issuer: issuer,
		roster: roster,
	}
}

// doJSON sends a JSON request through the router and returns the recorder.
func (h *testHarness) doJSON(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

// login authenticates the seeded judge and returns the token pair.
func (h *testHarness) login(t *testing.T) loginResponse {
	t.Helper()

	rec := h.doJSON(t, http.MethodPost, "/api/v1/auth/login", "", loginRequest{
		JudgeID: testJudgeID,
		PIN:     testJudgePIN,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}

	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
	return body
}

func TestHealthNoAuth(t *testing.T) {
	h := newTestHarness(t)

	rec := h.doJSON(t, http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["station_id"] != testStationID {
		t.Errorf("station_id = %v, want %s", body["station_id"], testStationID)
	}
	if body["queue_depth"].(float64) != 0 {
		t.Errorf("queue_depth = %v, want 0", body["queue_depth"])
	}
}

func TestLoginSuccess(t *testing.T) {
	h := newTestHarness(t)

	resp := h.login(t)
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("expected non-empty token pair")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.DisplayName != "Judge One" {
		t.Errorf("display_name = %q, want Judge One", resp.DisplayName)
	}

	claims, err := h.issuer.VerifyAccess(resp.AccessToken)
	if err != nil {
		t.Fatalf("verifying issued access token: %v", err)
	}
	if claims.StationID != testStationID {
		t.Errorf("claims station = %q, want %q", claims.StationID, testStationID)
	}
}

func TestLoginWrongPIN(t *testing.T) {
	h := newTestHarness(t)

	rec := h.doJSON(t, http.MethodPost, "/api/v1/auth/login", "", loginRequest{
		JudgeID: testJudgeID,
		PIN:     "9999",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestLoginUnknownJudgeSameError(t *testing.T) {
	h := newTestHarness(t)

	wrongPIN := h.doJSON(t, http.MethodPost, "/api/v1/auth/login", "", loginRequest{
		JudgeID: testJudgeID, PIN: "9999",
	})
	unknown := h.doJSON(t, http.MethodPost, "/api/v1/auth/login", "", loginRequest{
		JudgeID: "nobody", PIN: "1234",
	})

	if wrongPIN.Code != http.StatusUnauthorized || unknown.Code != http.StatusUnauthorized {
		t.Fatalf("statuses = %d, %d, want both 401", wrongPIN.Code, unknown.Code)
	}
	// The caller must not be able to distinguish the two failures.
	if wrongPIN.Body.String() != unknown.Body.String() {
		t.Errorf("error bodies differ: %q vs %q", wrongPIN.Body.String(), unknown.Body.String())
	}
}

func TestLoginUnassignedStation(t *testing.T) {
	h := newTestHarness(t)

	judge := &auth.Judge{ID: "judge-elsewhere", DisplayName: "Elsewhere"}
	if err := h.roster.CreateJudge(context.Background(), judge, "5678"); err != nil {
		t.Fatalf("seeding judge: %v", err)
	}
	if err := h.roster.Assign(context.Background(), judge.ID, "station-other", testEventID); err != nil {
		t.Fatalf("seeding assignment: %v", err)
	}

	rec := h.doJSON(t, http.MethodPost, "/api/v1/auth/login", "", loginRequest{
		JudgeID: judge.ID, PIN: "5678",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRefreshRotation(t *testing.T) {
	h := newTestHarness(t)
	first := h.login(t)

	rec := h.doJSON(t, http.MethodPost, "/api/v1/auth/refresh", "", refreshRequest{
		RefreshToken: first.RefreshToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}

	var second loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decoding refresh response: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("session changed on refresh: %q -> %q", first.SessionID, second.SessionID)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	// The old refresh token is now burned; replaying it must fail.
	replay := h.doJSON(t, http.MethodPost, "/api/v1/auth/refresh", "", refreshRequest{
		RefreshToken: first.RefreshToken,
	})
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("replayed refresh status = %d, want 401", replay.Code)
	}

	// Reuse burned the session, so even the rotated token is dead.
	afterBurn := h.doJSON(t, http.MethodPost, "/api/v1/auth/refresh", "", refreshRequest{
		RefreshToken: second.RefreshToken,
	})
	if afterBurn.Code != http.StatusUnauthorized {
		t.Fatalf("post-burn refresh status = %d, want 401", afterBurn.Code)
	}
}

func TestRefreshGarbageToken(t *testing.T) {
	h := newTestHarness(t)

	rec := h.doJSON(t, http.MethodPost, "/api/v1/auth/refresh", "", refreshRequest{
		RefreshToken: "not-a-jwt",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestLogoutClosesRefreshPath(t *testing.T) {
	h := newTestHarness(t)
	pair := h.login(t)

	rec := h.doJSON(t, http.MethodPost, "/api/v1/auth/logout", pair.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}

	refresh := h.doJSON(t, http.MethodPost, "/api/v1/auth/refresh", "", refreshRequest{
		RefreshToken: pair.RefreshToken,
	})
	if refresh.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout = %d, want 401", refresh.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := newTestHarness(t)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/auth/logout"},
		{http.MethodPost, "/api/v1/auth/ws-ticket"},
		{http.MethodPost, "/api/v1/scores"},
		{http.MethodGet, "/api/v1/sync/pending"},
		{http.MethodGet, "/api/v1/sync/surfaced"},
		{http.MethodPost, "/api/v1/sync/flush"},
	}

	for _, route := range routes {
		rec := h.doJSON(t, route.method, route.path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token = %d, want 401", route.method, route.path, rec.Code)
		}
	}
}

func TestStationScopedToken(t *testing.T) {
	h := newTestHarness(t)

	// Issue a token directly for a different station; this gateway must
	// refuse it even though the signature is valid.
	if err := h.roster.Assign(context.Background(), testJudgeID, "station-other", testEventID); err != nil {
		t.Fatalf("seeding cross assignment: %v", err)
	}
	pair, err := h.issuer.Login(context.Background(), testJudgeID, "station-other", testEventID)
	if err != nil {
		t.Fatalf("issuing foreign token: %v", err)
	}

	rec := h.doJSON(t, http.MethodGet, "/api/v1/sync/pending", pair.AccessToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign station token = %d, want 403; body: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitScore(t *testing.T) {
	h := newTestHarness(t)
	pair := h.login(t)

	rec := h.doJSON(t, http.MethodPost, "/api/v1/scores", pair.AccessToken, scoreRequest{
		EntryRef: "entry-42",
		Payload:  json.RawMessage(`{"obstacle":3,"faults":1,"time_seconds":74.2}`),
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body: %s", rec.Code, rec.Body.String())
	}

	var resp scoreResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.OperationID == "" {
		t.Fatal("expected generated operation_id")
	}
	if resp.Duplicate {
		t.Error("first submission flagged as duplicate")
	}

	// Score is durable in the outbox with the judge stamped in.
	ops, err := h.queue.Pending(context.Background())
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("pending count = %d, want 1", len(ops))
	}
	var payload map[string]any
	if err := json.Unmarshal(ops[0].Payload, &payload); err != nil {
		t.Fatalf("decoding stored payload: %v", err)
	}
	if payload["judge_id"] != testJudgeID {
		t.Errorf("stored judge_id = %v, want %s", payload["judge_id"], testJudgeID)
	}
	if payload["faults"].(float64) != 1 {
		t.Errorf("stored faults = %v, want 1", payload["faults"])
	}
}

func TestSubmitScoreIdempotent(t *testing.T) {
	h := newTestHarness(t)
	pair := h.login(t)

	req := scoreRequest{
		OperationID: "b3e9a6a2-4f3c-4c55-9a3e-0d6f2f1c7b10",
		EntryRef:    "entry-42",
		Payload:     json.RawMessage(`{"obstacle":3}`),
	}

	first := h.doJSON(t, http.MethodPost, "/api/v1/scores", pair.AccessToken, req)
	second := h.doJSON(t, http.MethodPost, "/api/v1/scores", pair.AccessToken, req)

	if first.Code != http.StatusAccepted || second.Code != http.StatusAccepted {
		t.Fatalf("statuses = %d, %d, want both 202", first.Code, second.Code)
	}

	var resp scoreResponse
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Duplicate {
		t.Error("resubmission not flagged as duplicate")
	}

	ops, err := h.queue.Pending(context.Background())
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	if len(ops) != 1 {
		t.Errorf("pending count = %d, want 1", len(ops))
	}
}

func TestSubmitScoreValidation(t *testing.T) {
	h := newTestHarness(t)
	pair := h.login(t)

	tests := []struct {
		name string
		req  scoreRequest
	}{
		{"missing entry_ref", scoreRequest{Payload: json.RawMessage(`{}`)}},
		{"missing payload", scoreRequest{EntryRef: "entry-1"}},
		{"bad operation_id", scoreRequest{
			OperationID: "not-a-uuid", EntryRef: "entry-1", Payload: json.RawMessage(`{}`),
		}},
		{"array payload", scoreRequest{
			EntryRef: "entry-1", Payload: json.RawMessage(`[1,2,3]`),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.doJSON(t, http.MethodPost, "/api/v1/scores", pair.AccessToken, tt.req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestSyncPendingListing(t *testing.T) {
	h := newTestHarness(t)
	pair := h.login(t)

	empty := h.doJSON(t, http.MethodGet, "/api/v1/sync/pending", pair.AccessToken, nil)
	if empty.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", empty.Code)
	}
	body := decodeBody(t, empty)
	if body["count"].(float64) != 0 {
		t.Errorf("count = %v, want 0", body["count"])
	}
	if _, ok := body["operations"].([]any); !ok {
		t.Errorf("operations = %T, want JSON array even when empty", body["operations"])
	}

	h.doJSON(t, http.MethodPost, "/api/v1/scores", pair.AccessToken, scoreRequest{
		EntryRef: "entry-7", Payload: json.RawMessage(`{"obstacle":1}`),
	})

	rec := h.doJSON(t, http.MethodGet, "/api/v1/sync/pending", pair.AccessToken, nil)
	body = decodeBody(t, rec)
	if body["count"].(float64) != 1 {
		t.Errorf("count = %v, want 1", body["count"])
	}
}

func TestSyncResolveUnknownOperation(t *testing.T) {
	h := newTestHarness(t)
	pair := h.login(t)

	rec := h.doJSON(t, http.MethodPost, "/api/v1/sync/surfaced/no-such-op/resolve",
		pair.AccessToken, resolveRequest{Action: "retry"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body: %s", rec.Code, rec.Body.String())
	}
}

func TestSyncResolveBadAction(t *testing.T) {
	h := newTestHarness(t)
	pair := h.login(t)

	rec := h.doJSON(t, http.MethodPost, "/api/v1/sync/surfaced/some-id/resolve",
		pair.AccessToken, resolveRequest{Action: "shrug"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSyncFlushWithoutCoordinator(t *testing.T) {
	h := newTestHarness(t)
	pair := h.login(t)

	rec := h.doJSON(t, http.MethodPost, "/api/v1/sync/flush", pair.AccessToken, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestActivityLogFollowsActions(t *testing.T) {
	h := newTestHarness(t)
	pair := h.login(t)

	h.doJSON(t, http.MethodPost, "/api/v1/scores", pair.AccessToken, scoreRequest{
		EntryRef: "entry-9", Payload: json.RawMessage(`{"obstacle":2}`),
	})

	rec := h.doJSON(t, http.MethodGet, "/api/v1/activity", pair.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var result activity.ListResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if result.Total != 2 {
		t.Fatalf("Total = %d, want 2 (login + score)", result.Total)
	}
	// Most recent first
	if result.Entries[0].Action != activity.ActionScoreSubmit {
		t.Errorf("latest action = %q, want %q", result.Entries[0].Action, activity.ActionScoreSubmit)
	}
	if result.Entries[1].Action != activity.ActionLogin {
		t.Errorf("earlier action = %q, want %q", result.Entries[1].Action, activity.ActionLogin)
	}

	// Filtering by action
	filtered := h.doJSON(t, http.MethodGet, "/api/v1/activity?action=login", pair.AccessToken, nil)
	var loginOnly activity.ListResult
	if err := json.Unmarshal(filtered.Body.Bytes(), &loginOnly); err != nil {
		t.Fatalf("decoding filtered response: %v", err)
	}
	if loginOnly.Total != 1 {
		t.Errorf("filtered Total = %d, want 1", loginOnly.Total)
	}
}

func TestWSTicketSingleUse(t *testing.T) {
	h := newTestHarness(t)
	pair := h.login(t)

	rec := h.doJSON(t, http.MethodPost, "/api/v1/auth/ws-ticket", pair.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := decodeBody(t, rec)
	ticket, _ := body["ticket"].(string)
	if ticket == "" {
		t.Fatal("expected non-empty ticket")
	}
	if len(ticket) != 64 {
		t.Errorf("ticket length = %d, want 64 hex chars", len(ticket))
	}

	judgeID, ok := h.server.tickets.consume(ticket)
	if !ok {
		t.Fatal("ticket did not validate")
	}
	if judgeID != testJudgeID {
		t.Errorf("ticket judge = %q, want %q", judgeID, testJudgeID)
	}

	if _, ok := h.server.tickets.consume(ticket); ok {
		t.Error("ticket validated twice")
	}
}

func TestTicketExpiry(t *testing.T) {
	store := newTicketStore()
	store.put("expired", "judge-x")
	store.tickets["expired"] = ticketEntry{
		judgeID:   "judge-x",
		expiresAt: time.Now().Add(-time.Second),
	}

	if _, ok := store.consume("expired"); ok {
		t.Error("expired ticket validated")
	}

	store.put("fresh", "judge-y")
	store.cleanExpired()
	if _, ok := store.consume("fresh"); !ok {
		t.Error("fresh ticket removed by cleanup")
	}
}
