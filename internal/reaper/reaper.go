// Package reaper implements the stuck-job sweep (C5): returning jobs that
// have sat in processing past stuck_after seconds back to pending without
// touching their retry budget. Per spec.md §4.5 this is piggybacked on
// worker loops rather than run as a dedicated process — Reaper exposes a
// single idempotent Sweep call the worker loop invokes opportunistically.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/corviday/jobq/internal/config"
	"github.com/corviday/jobq/internal/lifecycle"
)

// Reaper sweeps the store for abandoned processing jobs.
type Reaper struct {
	lifecycle *lifecycle.Lifecycle
	config    *config.Registry
	logger    *slog.Logger
}

// New wires a Reaper from the same Lifecycle and Config Registry the worker
// loop uses.
func New(l *lifecycle.Lifecycle, cfg *config.Registry, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{lifecycle: l, config: cfg, logger: logger}
}

// Sweep requeues processing jobs whose processing_started_at is older than
// the configured stuck_after threshold. Safe to call concurrently from
// multiple worker processes: the predicate excludes rows that are no
// longer processing or no longer stale, so a second, overlapping sweep is a
// no-op rather than a double-requeue.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	stuckAfter, err := r.config.StuckAfter(ctx)
	if err != nil {
		return 0, err
	}

	count, err := r.lifecycle.Store.RequeueStuck(ctx, time.Duration(stuckAfter)*time.Second)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		r.logger.InfoContext(ctx, "reaper_requeued", slog.Int("count", count))
	}
	return count, nil
}

// ShouldTick reports whether a worker loop iteration landing at t should
// trigger a sweep. The original contract ticks every ~10 wall-clock
// seconds (second % 10 == 0); a worker polling faster than 1Hz will hit
// this exactly, one slower than 1Hz may skip a window, which is the
// documented open question in spec.md §9 — acceptable because the sweep
// is safe to run late, never early.
func ShouldTick(t time.Time) bool {
	return t.Unix()%10 == 0
}
