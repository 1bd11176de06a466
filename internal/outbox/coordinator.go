package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/trailscore/station-core/internal/infrastructure/logging"
)

// Submitter delivers one operation to the central scoring service.
type Submitter interface {
	Submit(ctx context.Context, op *Operation, accessToken string) (Verdict, error)
}

// TokenProvider supplies a valid access token for upstream calls. The
// provider caches the token pair and refreshes at most once per expiry,
// however many operations a flush sends.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Notifier fans a flush summary out to connected judge consoles.
type Notifier interface {
	SyncFlushed(result FlushResult)
}

// Recorder receives flush summaries for telemetry. Optional.
type Recorder interface {
	RecordFlush(result FlushResult)
}

// CoordinatorConfig tunes the drain behaviour.
type CoordinatorConfig struct {
	MaxAttempts   int
	BatchSize     int
	FlushDebounce time.Duration
}

// Coordinator drains the queue to the central service when connectivity
// allows. Connectivity watchers (venue broker reconnect, HTTP probe) call
// NotifyConnected; manual flushes come in through Flush directly.
type Coordinator struct {
	queue     *Queue
	submitter Submitter
	tokens    TokenProvider
	notifier  Notifier
	recorder  Recorder
	logger    *logging.Logger
	cfg       CoordinatorConfig

	mu        sync.Mutex
	flushing  bool
	lastStart time.Time
}

// NewCoordinator creates a coordinator. notifier and recorder may be nil.
func NewCoordinator(queue *Queue, submitter Submitter, tokens TokenProvider,
	notifier Notifier, recorder Recorder, logger *logging.Logger, cfg CoordinatorConfig,
) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.FlushDebounce <= 0 {
		cfg.FlushDebounce = 5 * time.Second
	}

	return &Coordinator{
		queue:     queue,
		submitter: submitter,
		tokens:    tokens,
		notifier:  notifier,
		recorder:  recorder,
		logger:    logger.With("component", "outbox"),
		cfg:       cfg,
	}
}

// NotifyConnected signals that upstream connectivity was restored. Multiple
// signals in quick succession (broker reconnect racing the HTTP probe)
// collapse into a single background flush.
func (c *Coordinator) NotifyConnected() {
	c.mu.Lock()
	if c.flushing || time.Since(c.lastStart) < c.cfg.FlushDebounce {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	c.lastStart = time.Now()
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.flushing = false
			c.mu.Unlock()
		}()

		result, err := c.Flush(context.Background())
		if err != nil {
			c.logger.Warn("connectivity-triggered flush failed", "error", err)
			return
		}
		c.logger.Info("connectivity-triggered flush complete",
			"acked", result.Acked, "retried", result.Retried,
			"surfaced", result.Surfaced, "remaining", result.Remaining)
	}()
}

// Flush drains sendable operations once, in creation order. A transient
// failure freezes that entity's lane for the rest of the flush while other
// lanes keep moving. Conflicts and exhausted attempt budgets are surfaced;
// a surfaced operation leaves the queue, so its lane resumes from the next
// flush onward. A conflict is a definitive server answer, so its lane keeps
// moving within the same flush too. The summary is broadcast to consoles
// even when nothing was sent, so they can refresh their pending views.
func (c *Coordinator) Flush(ctx context.Context) (FlushResult, error) {
	result := FlushResult{StartedAt: time.Now().UTC()}

	// Entities that failed during this flush. Their head operation is back
	// in queued state, so without this set NextBatch would hand it straight
	// back and the loop would spin.
	blocked := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batch, err := c.queue.NextBatch(ctx, c.cfg.BatchSize)
		if err != nil {
			return result, err
		}

		progressed := false
		for _, op := range batch {
			if blocked[op.EntityRef] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return result, err
			}

			c.send(ctx, op, blocked, &result)
			progressed = true
		}

		if !progressed {
			break
		}
	}

	result.Duration = time.Since(result.StartedAt).String()

	remaining, err := c.queue.PendingCount(ctx)
	if err != nil {
		return result, err
	}
	result.Remaining = remaining

	if c.notifier != nil {
		c.notifier.SyncFlushed(result)
	}
	if c.recorder != nil {
		c.recorder.RecordFlush(result)
	}

	return result, nil
}

// send delivers one operation and applies the verdict to the queue.
func (c *Coordinator) send(ctx context.Context, op *Operation, blocked map[string]bool, result *FlushResult) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.logger.Warn("token unavailable, deferring lane", "operation", op.ID, "error", err)
		blocked[op.EntityRef] = true
		return
	}

	if err := c.queue.MarkInFlight(ctx, op.ID); err != nil {
		// Lost the claim; someone else is handling it.
		c.logger.Debug("claim lost", "operation", op.ID, "error", err)
		blocked[op.EntityRef] = true
		return
	}

	verdict, err := c.submitter.Submit(ctx, op, token)
	if err != nil {
		verdict = VerdictTransient
	}

	switch verdict {
	case VerdictAcked:
		if err := c.queue.Ack(ctx, op.ID); err != nil {
			c.logger.Error("acking delivered operation failed", "operation", op.ID, "error", err)
			return
		}
		result.Acked++
		c.logger.Debug("operation delivered", "operation", op.ID, "entity", op.EntityRef)

	case VerdictConflict:
		// The server gave a definitive answer, so the operation leaves the
		// queue and the rest of its lane keeps flowing.
		if err := c.queue.Surface(ctx, op.ID, "server rejected operation as conflicting"); err != nil {
			c.logger.Error("surfacing conflict failed", "operation", op.ID, "error", err)
			return
		}
		result.Surfaced++
		c.logger.Warn("operation conflicted, surfaced for review",
			"operation", op.ID, "entity", op.EntityRef)

	case VerdictTransient:
		cause := "transient delivery failure"
		if err != nil {
			cause = err.Error()
		}
		blocked[op.EntityRef] = true

		// This attempt counts; the stored count is attempts before this send.
		if op.Attempts+1 >= c.cfg.MaxAttempts {
			if err := c.queue.Surface(ctx, op.ID, cause); err != nil {
				c.logger.Error("surfacing exhausted operation failed", "operation", op.ID, "error", err)
				return
			}
			result.Surfaced++
			c.logger.Warn("operation exhausted attempt budget, surfaced",
				"operation", op.ID, "attempts", op.Attempts+1, "cause", cause)
			return
		}

		attempts, failErr := c.queue.Fail(ctx, op.ID, cause)
		if failErr != nil {
			c.logger.Error("requeueing failed operation failed", "operation", op.ID, "error", failErr)
			return
		}

		result.Retried++
		c.logger.Debug("operation requeued", "operation", op.ID,
			"attempts", attempts, "cause", cause)
	}
}
