// Package store defines the durable, concurrent-safe persistence contract
// (C1 in the design) and provides a SQLite-backed implementation. The Store
// is the only synchronization point between worker processes: every
// cross-process coordination primitive the lifecycle and reaper need
// (claim, fail-with-backoff, stuck-job sweep) is exposed here as a single
// atomic operation, never as a select-then-update pair.
package store

import (
	"context"
	"time"

	"github.com/corviday/jobq/internal/domain"
)

// EnqueueParams is the input to Store.Enqueue.
type EnqueueParams struct {
	ID         string
	Command    string
	MaxRetries int
}

// Store is the durable persistence contract shared by every worker process
// on a host. Implementations must make Claim and RequeueStuck atomic under
// arbitrary concurrent callers; see the SQLite implementation's use of
// UPDATE ... RETURNING for why a naive select-then-update is unsafe here.
type Store interface {
	// Enqueue inserts a new pending job. Returns domain.ErrDuplicateJob if id
	// already exists.
	Enqueue(ctx context.Context, p EnqueueParams) error

	// Claim atomically selects and marks the oldest eligible pending job as
	// processing, returning its identifying fields. Returns (nil, nil) if no
	// job is eligible.
	Claim(ctx context.Context) (*domain.Claimed, error)

	// Complete marks a job completed. Unconditional on current state so the
	// write is idempotent under caller retries.
	Complete(ctx context.Context, id string) error

	// Fail records a failed attempt. attemptsAfter is the new attempts count
	// (already incremented by the caller). Transitions to pending with a
	// computed next_run_at, or to dead if attemptsAfter exceeds maxRetries.
	Fail(ctx context.Context, id string, attemptsAfter, maxRetries int, errMsg string) error

	// RetryDead resets a dead job to pending with a fresh retry budget.
	// Returns false if id is not currently dead (or doesn't exist).
	RetryDead(ctx context.Context, id string) (bool, error)

	// RequeueStuck returns processing jobs whose processing_started_at
	// predates now-stuckAfter back to pending, without touching attempts.
	// Returns the number of rows changed.
	RequeueStuck(ctx context.Context, stuckAfter time.Duration) (int, error)

	// List returns jobs ordered by created_at, optionally filtered by state.
	List(ctx context.Context, state *domain.State) ([]*domain.Job, error)

	// ListDead returns dead jobs ordered by updated_at descending.
	ListDead(ctx context.Context) ([]*domain.Job, error)

	// Counts returns the per-state tally.
	Counts(ctx context.Context) (domain.Counts, error)

	// SetControlFlag upserts a control flag.
	SetControlFlag(ctx context.Context, key, value string) error

	// GetControlFlag returns a control flag's value and whether it is set.
	GetControlFlag(ctx context.Context, key string) (string, bool, error)

	// ClearControlFlag deletes a control flag.
	ClearControlFlag(ctx context.Context, key string) error

	// UpsertHeartbeat records a worker's liveness.
	UpsertHeartbeat(ctx context.Context, workerID string, pid int) error

	// ListHeartbeats returns all known worker heartbeats.
	ListHeartbeats(ctx context.Context) ([]domain.Heartbeat, error)

	// GetConfig returns a config value and whether it is set.
	GetConfig(ctx context.Context, key string) (string, bool, error)

	// SetConfig upserts a config value.
	SetConfig(ctx context.Context, key, value string) error

	// GetAllConfig returns the full config mapping.
	GetAllConfig(ctx context.Context) (map[string]string, error)

	// Close releases the underlying connection(s).
	Close() error
}
