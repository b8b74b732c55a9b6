// Package lifecycle implements the Job Lifecycle (C4): the state machine
// operations described in spec.md §4.4 — enqueue, claim, complete, fail,
// retry_dead, and the read-only scans — composed from the Store and Config
// Registry. The worker loop and the operator CLI both call through it for
// these operations; control flags, heartbeats, and the reaper's stuck-job
// sweep reach the Store through Lifecycle's exported Store field.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/corviday/jobq/internal/config"
	"github.com/corviday/jobq/internal/domain"
	"github.com/corviday/jobq/internal/store"
)

// Lifecycle is the single entry point for job state transitions.
type Lifecycle struct {
	Store  store.Store
	Config *config.Registry
}

// New wires a Lifecycle from a Store and Config Registry.
func New(s store.Store, cfg *config.Registry) *Lifecycle {
	return &Lifecycle{Store: s, Config: cfg}
}

// Enqueue inserts a new pending job. maxRetries, if nil, falls back to the
// config registry's max_retries. Fails with domain.ErrDuplicateJob if id
// already exists, domain.ErrInvalidJob if id or command is empty.
func (l *Lifecycle) Enqueue(ctx context.Context, id, command string, maxRetries *int) error {
	if id == "" || command == "" {
		return fmt.Errorf("%w: id and command are required", domain.ErrInvalidJob)
	}

	mr := 0
	if maxRetries != nil {
		mr = *maxRetries
	} else {
		def, err := l.Config.MaxRetries(ctx)
		if err != nil {
			return err
		}
		mr = def
	}
	if mr < 0 {
		return fmt.Errorf("%w: max_retries must be non-negative", domain.ErrInvalidJob)
	}

	return l.Store.Enqueue(ctx, store.EnqueueParams{ID: id, Command: command, MaxRetries: mr})
}

// Claim atomically claims the next eligible pending job.
func (l *Lifecycle) Claim(ctx context.Context) (*domain.Claimed, error) {
	return l.Store.Claim(ctx)
}

// Complete marks a job completed.
func (l *Lifecycle) Complete(ctx context.Context, id string) error {
	return l.Store.Complete(ctx, id)
}

// Fail records a failed attempt. attemptsAfter is the post-increment count;
// the store transitions to pending-with-backoff or dead depending on
// whether it exceeds maxRetries.
func (l *Lifecycle) Fail(ctx context.Context, id string, attemptsAfter, maxRetries int, errMsg string) error {
	return l.Store.Fail(ctx, id, attemptsAfter, maxRetries, errMsg)
}

// RetryDead resets a dead job to pending with a fresh retry budget.
func (l *Lifecycle) RetryDead(ctx context.Context, id string) (bool, error) {
	return l.Store.RetryDead(ctx, id)
}

// List returns jobs ordered by created_at, optionally filtered by state.
func (l *Lifecycle) List(ctx context.Context, state *domain.State) ([]*domain.Job, error) {
	return l.Store.List(ctx, state)
}

// ListDead returns the dead-letter queue, newest-updated first.
func (l *Lifecycle) ListDead(ctx context.Context) ([]*domain.Job, error) {
	return l.Store.ListDead(ctx)
}

// Counts returns the per-state tally.
func (l *Lifecycle) Counts(ctx context.Context) (domain.Counts, error) {
	return l.Store.Counts(ctx)
}

// Heartbeats returns all known worker heartbeats, for `status`.
func (l *Lifecycle) Heartbeats(ctx context.Context) ([]domain.Heartbeat, error) {
	return l.Store.ListHeartbeats(ctx)
}
