// Package reaper implements the Stuck-Run Reaper (C8): a background loop
// that finds runs whose heartbeat has gone silent past a threshold and
// force-terminates them, grounded on the teacher's
// internal/workspace/cleanup.go ticker-driven sweep.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/freema/workflowd/internal/apperror"
	"github.com/freema/workflowd/internal/metrics"
	"github.com/freema/workflowd/internal/registry"
)

// Canceller is the subset of the orchestrator's surface the reaper needs.
type Canceller interface {
	CancelIfActive(runID string) bool
}

// Config controls the reaper's sweep cadence and stuck threshold.
type Config struct {
	Interval  time.Duration
	Threshold time.Duration
}

// Reaper is C8.
type Reaper struct {
	reg    *registry.Registry
	orc    Canceller
	cfg    Config
	stopCh chan struct{}
}

// New constructs a Reaper. A zero Interval or Threshold is rejected by the
// caller wiring defaults from config, not here.
func New(reg *registry.Registry, orc Canceller, cfg Config) *Reaper {
	return &Reaper{reg: reg, orc: orc, cfg: cfg, stopCh: make(chan struct{})}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.Info("stuck-run reaper started", "interval", r.cfg.Interval, "threshold", r.cfg.Threshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// Stop ends the sweep loop without cancelling the parent context.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

// sweep finds runs stuck past the threshold and terminates each: if the
// orchestrator still holds a live supervisor for it, Cancel kills the
// process group and the orchestrator's own completion handler records it
// as killed, exactly as for a user cancel; otherwise the reaper marks it
// failed{stuck} directly (SPEC_FULL §4.8).
func (r *Reaper) sweep(ctx context.Context) {
	stuckIDs, err := r.reg.FindStuck(ctx, time.Now(), r.cfg.Threshold)
	if err != nil {
		slog.Warn("reaper could not query for stuck runs", "error", err)
		return
	}
	if len(stuckIDs) == 0 {
		return
	}
	slog.Warn("reaper found stuck runs", "count", len(stuckIDs))

	for _, runID := range stuckIDs {
		if r.orc.CancelIfActive(runID) {
			metrics.ReapedRuns.WithLabelValues("killed").Inc()
			slog.Warn("reaper killed stuck run", "run_id", runID)
			continue
		}

		err := r.reg.Transition(ctx, runID, registry.StatusFailed, &registry.RunError{
			Kind:    apperror.KindStuck,
			Message: "run heartbeat exceeded stuck threshold with no live process",
			Phase:   "reaper",
		}, nil)
		if err != nil {
			slog.Warn("reaper could not mark stuck run failed", "run_id", runID, "error", err)
			continue
		}
		metrics.ReapedRuns.WithLabelValues("marked_failed").Inc()
		slog.Warn("reaper marked orphaned stuck run failed", "run_id", runID)
	}
}
