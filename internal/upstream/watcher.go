package upstream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/trailscore/station-core/internal/infrastructure/logging"
)

// Watcher polls the central service's health endpoint and reports each
// offline-to-online transition. It starts assuming the service is offline,
// so the first successful probe after boot also fires, replaying anything
// queued across the restart.
type Watcher struct {
	client   *Client
	interval time.Duration
	onOnline func()
	logger   *logging.Logger

	online atomic.Bool
}

// NewWatcher creates a watcher. onOnline is called once per restoration,
// typically Coordinator.NotifyConnected.
func NewWatcher(client *Client, interval time.Duration, onOnline func(), logger *logging.Logger) *Watcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{
		client:   client,
		interval: interval,
		onOnline: onOnline,
		logger:   logger.With("component", "upstream-watcher"),
	}
}

// Run probes until the context is cancelled. Blocking; run in a goroutine.
func (w *Watcher) Run(ctx context.Context) {
	// Immediate first probe rather than waiting out a full interval.
	w.probe(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.probe(ctx)
		}
	}
}

func (w *Watcher) probe(ctx context.Context) {
	err := w.client.Probe(ctx)
	if err != nil {
		if w.online.Swap(false) {
			w.logger.Warn("upstream connectivity lost", "error", err)
		}
		return
	}

	if !w.online.Swap(true) {
		w.logger.Info("upstream connectivity restored")
		w.onOnline()
	}
}

// Online reports the last observed connectivity state.
func (w *Watcher) Online() bool {
	return w.online.Load()
}
