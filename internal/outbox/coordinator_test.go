package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trailscore/station-core/internal/infrastructure/config"
	"github.com/trailscore/station-core/internal/infrastructure/logging"
)

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
}

// scriptedSubmitter returns verdicts per operation id, defaulting to acked.
// It records the order operations were submitted in.
type scriptedSubmitter struct {
	mu       sync.Mutex
	verdicts map[string]Verdict
	errs     map[string]error
	sent     []string
}

func (s *scriptedSubmitter) Submit(_ context.Context, op *Operation, _ string) (Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent = append(s.sent, op.ID)
	if err, ok := s.errs[op.ID]; ok {
		return VerdictTransient, err
	}
	if v, ok := s.verdicts[op.ID]; ok {
		return v, nil
	}
	return VerdictAcked, nil
}

func (s *scriptedSubmitter) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type staticTokens struct {
	calls atomic.Int64
	err   error
}

func (s *staticTokens) Token(context.Context) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return "access-token", nil
}

type captureNotifier struct {
	mu      sync.Mutex
	results []FlushResult
}

func (n *captureNotifier) SyncFlushed(result FlushResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, result)
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.results)
}

func testCoordinator(t *testing.T, submitter Submitter, tokens TokenProvider,
	notifier Notifier, cfg CoordinatorConfig,
) (*Coordinator, *Queue) {
	t.Helper()

	q := testQueue(t)
	return NewCoordinator(q, submitter, tokens, notifier, nil, testLogger(), cfg), q
}

func TestCoordinator_FlushDelivers(t *testing.T) {
	submitter := &scriptedSubmitter{}
	notifier := &captureNotifier{}
	coord, q := testCoordinator(t, submitter, &staticTokens{}, notifier, CoordinatorConfig{})
	ctx := context.Background()

	first := enqueueOp(t, q, "entry-1")
	second := enqueueOp(t, q, "entry-1")
	third := enqueueOp(t, q, "entry-2")

	result, err := coord.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if result.Acked != 3 || result.Surfaced != 0 || result.Remaining != 0 {
		t.Errorf("unexpected result: %+v", result)
	}

	sent := submitter.sentIDs()
	if len(sent) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(sent))
	}
	// entry-1's second operation must go out after its first.
	firstIdx, secondIdx := -1, -1
	for i, id := range sent {
		switch id {
		case first.ID:
			firstIdx = i
		case second.ID:
			secondIdx = i
		case third.ID:
		}
	}
	if firstIdx == -1 || secondIdx == -1 || firstIdx > secondIdx {
		t.Errorf("per-entity order violated: %v", sent)
	}

	if notifier.count() != 1 {
		t.Errorf("expected one flush broadcast, got %d", notifier.count())
	}
}

func TestCoordinator_TransientFreezesLaneOnly(t *testing.T) {
	q := testQueue(t)
	stuck := enqueueOp(t, q, "entry-1")
	blocked := enqueueOp(t, q, "entry-1")
	free := enqueueOp(t, q, "entry-2")

	submitter := &scriptedSubmitter{
		errs: map[string]error{stuck.ID: errors.New("connection refused")},
	}
	coord := NewCoordinator(q, submitter, &staticTokens{}, nil, nil, testLogger(), CoordinatorConfig{})

	result, err := coord.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if result.Acked != 1 || result.Retried != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.Remaining != 2 {
		t.Errorf("expected 2 operations remaining, got %d", result.Remaining)
	}

	sent := submitter.sentIDs()
	for _, id := range sent {
		if id == blocked.ID {
			t.Error("operation behind a failed one must not be sent")
		}
	}
	found := false
	for _, id := range sent {
		if id == free.ID {
			found = true
		}
	}
	if !found {
		t.Error("independent entity lane must keep moving")
	}
}

func TestCoordinator_ConflictSurfaced(t *testing.T) {
	q := testQueue(t)
	op := enqueueOp(t, q, "entry-1")

	submitter := &scriptedSubmitter{verdicts: map[string]Verdict{op.ID: VerdictConflict}}
	coord := NewCoordinator(q, submitter, &staticTokens{}, nil, nil, testLogger(), CoordinatorConfig{})
	ctx := context.Background()

	result, err := coord.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if result.Surfaced != 1 {
		t.Errorf("expected 1 surfaced, got %+v", result)
	}

	surfaced, err := q.Surfaced(ctx)
	if err != nil {
		t.Fatalf("Surfaced failed: %v", err)
	}
	if len(surfaced) != 1 || surfaced[0].ID != op.ID {
		t.Fatal("conflicting operation must land in surfaced state")
	}

	// Further flushes never retry it.
	submitter.mu.Lock()
	submitter.sent = nil
	submitter.mu.Unlock()

	if _, err := coord.Flush(ctx); err != nil {
		t.Fatalf("second Flush failed: %v", err)
	}
	if len(submitter.sentIDs()) != 0 {
		t.Error("surfaced operation must not be retried automatically")
	}
}

func TestCoordinator_ConflictDoesNotBlockLane(t *testing.T) {
	q := testQueue(t)
	first := enqueueOp(t, q, "patrol-7")
	conflicting := enqueueOp(t, q, "patrol-7")
	third := enqueueOp(t, q, "patrol-7")

	submitter := &scriptedSubmitter{verdicts: map[string]Verdict{conflicting.ID: VerdictConflict}}
	coord := NewCoordinator(q, submitter, &staticTokens{}, nil, nil, testLogger(), CoordinatorConfig{})
	ctx := context.Background()

	result, err := coord.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// The conflict is a definitive answer for one operation, not the lane:
	// everything around it is delivered in the same flush.
	if result.Acked != 2 || result.Surfaced != 1 || result.Remaining != 0 {
		t.Errorf("unexpected result: %+v", result)
	}

	sent := submitter.sentIDs()
	if len(sent) != 3 || sent[0] != first.ID || sent[1] != conflicting.ID || sent[2] != third.ID {
		t.Errorf("expected all three operations sent in order, got %v", sent)
	}

	surfaced, err := q.Surfaced(ctx)
	if err != nil {
		t.Fatalf("Surfaced failed: %v", err)
	}
	if len(surfaced) != 1 || surfaced[0].ID != conflicting.ID {
		t.Fatal("only the conflicting operation must be surfaced")
	}
}

func TestCoordinator_AttemptBudget(t *testing.T) {
	q := testQueue(t)
	op := enqueueOp(t, q, "entry-1")

	submitter := &scriptedSubmitter{
		errs: map[string]error{op.ID: errors.New("timeout")},
	}
	coord := NewCoordinator(q, submitter, &staticTokens{}, nil, nil, testLogger(),
		CoordinatorConfig{MaxAttempts: 3})
	ctx := context.Background()

	// Each flush makes one attempt; the third exhausts the budget.
	for i := 0; i < 2; i++ {
		result, err := coord.Flush(ctx)
		if err != nil {
			t.Fatalf("Flush %d failed: %v", i, err)
		}
		if result.Retried != 1 || result.Surfaced != 0 {
			t.Fatalf("flush %d: unexpected result %+v", i, result)
		}
	}

	result, err := coord.Flush(ctx)
	if err != nil {
		t.Fatalf("final Flush failed: %v", err)
	}
	if result.Surfaced != 1 {
		t.Errorf("expected surfacing on exhausted budget, got %+v", result)
	}

	surfaced, err := q.Surfaced(ctx)
	if err != nil {
		t.Fatalf("Surfaced failed: %v", err)
	}
	if len(surfaced) != 1 || surfaced[0].ID != op.ID {
		t.Fatal("exhausted operation must land in surfaced state")
	}
}

func TestCoordinator_TokenFailureDefersFlush(t *testing.T) {
	q := testQueue(t)
	enqueueOp(t, q, "entry-1")

	tokens := &staticTokens{err: errors.New("session revoked")}
	submitter := &scriptedSubmitter{}
	coord := NewCoordinator(q, submitter, tokens, nil, nil, testLogger(), CoordinatorConfig{})

	result, err := coord.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if result.Acked != 0 || len(submitter.sentIDs()) != 0 {
		t.Error("nothing must be sent without a token")
	}
	if result.Remaining != 1 {
		t.Errorf("operation must stay queued, remaining = %d", result.Remaining)
	}
}

func TestCoordinator_NotifyConnectedDebounces(t *testing.T) {
	q := testQueue(t)
	enqueueOp(t, q, "entry-1")

	submitter := &scriptedSubmitter{}
	notifier := &captureNotifier{}
	coord := NewCoordinator(q, submitter, &staticTokens{}, notifier, nil, testLogger(),
		CoordinatorConfig{FlushDebounce: time.Minute})

	// Broker reconnect and probe watcher firing together.
	coord.NotifyConnected()
	coord.NotifyConnected()
	coord.NotifyConnected()

	deadline := time.Now().Add(2 * time.Second)
	for notifier.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if got := notifier.count(); got != 1 {
		t.Errorf("expected exactly one flush, got %d", got)
	}
	if len(submitter.sentIDs()) != 1 {
		t.Errorf("expected one submission, got %d", len(submitter.sentIDs()))
	}
}

func TestCoordinator_FlushEmptyQueueStillNotifies(t *testing.T) {
	notifier := &captureNotifier{}
	coord, _ := testCoordinator(t, &scriptedSubmitter{}, &staticTokens{}, notifier, CoordinatorConfig{})

	result, err := coord.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if result.Acked != 0 || result.Remaining != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
	if notifier.count() != 1 {
		t.Error("consoles expect a summary even for an empty flush")
	}
}
