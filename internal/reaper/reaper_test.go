package reaper_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corviday/jobq/internal/config"
	"github.com/corviday/jobq/internal/domain"
	"github.com/corviday/jobq/internal/lifecycle"
	"github.com/corviday/jobq/internal/reaper"
	"github.com/corviday/jobq/internal/store"
)

func TestSweepRequeuesStuckJobsWithoutTouchingAttempts(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer s.Close()

	cfg := config.New(s)
	l := lifecycle.New(s, cfg)
	r := reaper.New(l, cfg, nil)

	require.NoError(t, cfg.Set(ctx, "stuck_after", "5"))
	require.NoError(t, l.Enqueue(ctx, "stuck-1", "sleep 100", nil))

	claimed, err := l.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, "stuck-1", claimed.ID)

	// Freshly claimed, well within stuck_after: not swept yet.
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	// Timestamps are whole seconds and the stuck check is a strict "<", so
	// wait until the clock is in a later second than the claim; a zero
	// threshold then makes processing_started_at stale.
	time.Sleep(time.Second)
	n, err = s.RequeueStuck(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	jobs, err := l.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, domain.StatePending, jobs[0].State)
	require.Equal(t, 0, jobs[0].Attempts)
	require.Equal(t, domain.ReaperLastError, *jobs[0].LastError)
}

func TestShouldTick(t *testing.T) {
	require.True(t, reaper.ShouldTick(time.Unix(100, 0)))
	require.False(t, reaper.ShouldTick(time.Unix(101, 0)))
}
