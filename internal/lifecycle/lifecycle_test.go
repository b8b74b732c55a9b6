package lifecycle_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corviday/jobq/internal/config"
	"github.com/corviday/jobq/internal/domain"
	"github.com/corviday/jobq/internal/lifecycle"
	"github.com/corviday/jobq/internal/store"
)

func newLifecycle(t *testing.T) *lifecycle.Lifecycle {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return lifecycle.New(s, config.New(s))
}

func TestEnqueueDefaultsMaxRetriesFromConfig(t *testing.T) {
	l := newLifecycle(t)
	ctx := context.Background()

	require.NoError(t, l.Enqueue(ctx, "job-1", "echo hi", nil))

	jobs, err := l.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 3, jobs[0].MaxRetries) // default seeded value
}

func TestEnqueueRejectsEmptyFields(t *testing.T) {
	l := newLifecycle(t)
	ctx := context.Background()

	err := l.Enqueue(ctx, "", "echo hi", nil)
	require.ErrorIs(t, err, domain.ErrInvalidJob)

	err = l.Enqueue(ctx, "job-1", "", nil)
	require.ErrorIs(t, err, domain.ErrInvalidJob)
}

func TestExhaustRetriesGoesDead(t *testing.T) {
	l := newLifecycle(t)
	ctx := context.Background()

	two := 2
	require.NoError(t, l.Enqueue(ctx, "job-bad", "exit 12", &two))

	claimed, err := l.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-bad", claimed.ID)

	attempts := claimed.Attempts
	for attempts <= claimed.MaxRetries {
		attempts++
		require.NoError(t, l.Fail(ctx, "job-bad", attempts, claimed.MaxRetries, "exit_code=12"))
	}

	jobs, err := l.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, domain.StateDead, jobs[0].State)
	require.Equal(t, 3, jobs[0].Attempts)
	require.Equal(t, "exit_code=12", *jobs[0].LastError)
}

func TestDLQRoundtrip(t *testing.T) {
	l := newLifecycle(t)
	ctx := context.Background()

	zero := 0
	require.NoError(t, l.Enqueue(ctx, "job-dead", "false", &zero))
	_, err := l.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, l.Fail(ctx, "job-dead", 1, 0, "exit_code=1"))

	dead, err := l.ListDead(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	ok, err := l.RetryDead(ctx, "job-dead")
	require.NoError(t, err)
	require.True(t, ok)

	dead, err = l.ListDead(ctx)
	require.NoError(t, err)
	require.Empty(t, dead)

	counts, err := l.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Pending)
}
