package workerproc_test

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
	"github.com/corviday/jobq/internal/workerproc"
)

func newHarness(t *testing.T) (*lifecycle.Lifecycle, *config.Registry, store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	cfg := config.New(s)
	return lifecycle.New(s, cfg), cfg, s
}

func testOptions() workerproc.Options {
	opts := workerproc.DefaultOptions()
	opts.PollInterval = 20 * time.Millisecond
	opts.BetweenJobs = 5 * time.Millisecond
	opts.InstallSignals = false
	return opts
}

func TestWorkerCompletesSuccessfulJob(t *testing.T) {
	l, cfg, s := newHarness(t)
	ctx := context.Background()

	require.NoError(t, l.Enqueue(ctx, "ok-1", "true", nil))

	r := reaper.New(l, cfg, nil)
	w := workerproc.New(l, cfg, r, nil, testOptions())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = w.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		counts, err := s.Counts(ctx)
		return err == nil && counts.Completed == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestWorkerRetriesThenDeadLettersFailingJob(t *testing.T) {
	l, cfg, s := newHarness(t)
	ctx := context.Background()

	zero := 0
	require.NoError(t, l.Enqueue(ctx, "bad-1", "false", &zero))

	r := reaper.New(l, cfg, nil)
	w := workerproc.New(l, cfg, r, nil, testOptions())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = w.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		counts, err := s.Counts(ctx)
		return err == nil && counts.Dead == 1
	}, time.Second, 5*time.Millisecond)

	jobs, err := l.ListDead(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "exit_code=1", *jobs[0].LastError)

	cancel()
	<-done
}

func TestWorkerHonorsStopWorkersControlFlag(t *testing.T) {
	l, cfg, s := newHarness(t)
	ctx := context.Background()

	require.NoError(t, s.SetControlFlag(ctx, domain.ControlStopWorkers, domain.ControlStopValue))

	r := reaper.New(l, cfg, nil)
	w := workerproc.New(l, cfg, r, nil, testOptions())

	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after observing stop_workers control flag")
	}
}

func TestWorkerTimesOutLongRunningCommand(t *testing.T) {
	l, cfg, s := newHarness(t)
	ctx := context.Background()

	require.NoError(t, cfg.Set(ctx, "cmd_timeout", "1"))
	one := 1
	require.NoError(t, l.Enqueue(ctx, "slow-1", "sleep 10", &one))

	r := reaper.New(l, cfg, nil)
	w := workerproc.New(l, cfg, r, nil, testOptions())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = w.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		jobs, err := l.List(ctx, nil)
		if err != nil || len(jobs) != 1 {
			return false
		}
		return jobs[0].LastError != nil && *jobs[0].LastError == "timeout_after_1s"
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
