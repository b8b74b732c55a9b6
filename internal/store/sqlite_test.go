package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/derision-test/glock"
	"github.com/stretchr/testify/require"

	"github.com/corviday/jobq/internal/store"
	"github.com/corviday/jobq/internal/store/storetest"
)

func TestSQLiteStoreCompliance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (store.Store, func()) {
		dir := t.TempDir()
		s, err := store.Open(context.Background(), filepath.Join(dir, "queue.db"))
		require.NoError(t, err)
		return s, func() { s.Close() }
	})
}

func TestOpenAppliesMigrationsIdempotently(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	s1, err := store.Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := store.Open(context.Background(), path)
	require.NoError(t, err)
	defer s2.Close()

	all, err := s2.GetAllConfig(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, all)
}

func TestFailComputesNextRunAtFromInjectedClock(t *testing.T) {
	ctx := context.Background()
	mock := glock.NewMockClock()
	mock.SetCurrent(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "queue.db"), store.WithClock(mock))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Enqueue(ctx, store.EnqueueParams{ID: "job-1", Command: "false", MaxRetries: 3}))
	claimed, err := s.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// backoff_base=2, attemptsAfter=2 -> delay = 2^(2-1) = 2s from the mock's current time.
	require.NoError(t, s.Fail(ctx, "job-1", 2, claimed.MaxRetries, "exit_code=1"))

	jobs, err := s.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].NextRunAt)
	require.Equal(t, mock.Now().Add(2*time.Second), *jobs[0].NextRunAt)
}
