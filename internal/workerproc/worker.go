// Package workerproc implements the Worker Loop (C6): one poll loop.
// "jobq worker start --count N" runs N of these as goroutines in a single
// OS process, so they share one PID. Execution inside one worker is strictly
// sequential — one job at a time, no internal threading — with
// parallelism across workers mediated entirely through the Store (spec.md
// §5). This mirrors the original worker.py poll loop and the teacher's
// cmd/worker/main.go select-based scheduler.
package workerproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/corviday/jobq/internal/config"
	"github.com/corviday/jobq/internal/domain"
	"github.com/corviday/jobq/internal/lifecycle"
	"github.com/corviday/jobq/internal/reaper"
)

// Options configures a Worker's poll cadence; everything else (retry
// policy, timeouts, stuck threshold) is read fresh from the Config
// Registry on each use so `config set` takes effect without a restart.
type Options struct {
	PollInterval  time.Duration // default 2s, per spec.md §4.6
	BetweenJobs   time.Duration // default 200ms smoothing sleep
	InstallSignals bool         // default true; false is useful in tests
}

// DefaultOptions returns the spec's default poll cadence.
func DefaultOptions() Options {
	return Options{
		PollInterval:   2 * time.Second,
		BetweenJobs:    200 * time.Millisecond,
		InstallSignals: true,
	}
}

// Worker is a single poll loop: claim, execute, classify, repeat.
type Worker struct {
	ID        string
	PID       int
	Lifecycle *lifecycle.Lifecycle
	Config    *config.Registry
	Reaper    *reaper.Reaper
	Logger    *slog.Logger
	Options   Options

	stopSignaled atomic.Bool
}

// New creates a Worker with a fresh UUID identity.
func New(l *lifecycle.Lifecycle, cfg *config.Registry, r *reaper.Reaper, logger *slog.Logger, opts Options) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		ID:        uuid.NewString(),
		PID:       os.Getpid(),
		Lifecycle: l,
		Config:    cfg,
		Reaper:    r,
		Logger:    logger,
		Options:   opts,
	}
}

// Run executes the poll loop until ctx is cancelled, a process signal is
// received, or the global stop_workers control flag is observed. It always
// finishes any in-flight job before exiting — there is no mid-job
// cancellation of the subprocess (spec.md §5).
func (w *Worker) Run(ctx context.Context) error {
	w.Logger.InfoContext(ctx, "worker_started", slog.String("worker_id", w.ID), slog.Int("pid", w.PID))

	if w.Options.InstallSignals {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			for sig := range sigCh {
				w.stopSignaled.Store(true)
				w.Logger.InfoContext(ctx, "worker_signal", slog.String("worker_id", w.ID), slog.String("signal", sig.String()))
			}
		}()
	}

	for {
		if ctx.Err() != nil {
			break
		}

		if err := w.Lifecycle.Store.UpsertHeartbeat(ctx, w.ID, w.PID); err != nil {
			w.Logger.ErrorContext(ctx, "heartbeat_failed", slog.String("worker_id", w.ID), slog.Any("error", err))
		}

		stopping, err := w.shouldStop(ctx)
		if err != nil {
			w.Logger.ErrorContext(ctx, "store_error", slog.Any("error", err))
		}
		if stopping {
			w.Logger.InfoContext(ctx, "worker_stopping", slog.String("worker_id", w.ID))
			break
		}

		if reaper.ShouldTick(time.Now()) {
			if _, err := w.Reaper.Sweep(ctx); err != nil {
				w.Logger.ErrorContext(ctx, "reaper_sweep_failed", slog.Any("error", err))
			}
		}

		claimed, err := w.Lifecycle.Claim(ctx)
		if err != nil {
			// Store errors are the worker loop's firewall: log and keep polling.
			w.Logger.ErrorContext(ctx, "claim_failed", slog.Any("error", err))
			if !sleepOrDone(ctx, w.Options.PollInterval) {
				break
			}
			continue
		}
		if claimed == nil {
			if !sleepOrDone(ctx, w.Options.PollInterval) {
				break
			}
			continue
		}

		w.runOne(ctx, claimed)

		if !sleepOrDone(ctx, w.Options.BetweenJobs) {
			break
		}
	}

	w.Logger.InfoContext(ctx, "worker_exited", slog.String("worker_id", w.ID))
	return nil
}

func (w *Worker) shouldStop(ctx context.Context) (bool, error) {
	if w.stopSignaled.Load() {
		return true, nil
	}
	val, ok, err := w.Lifecycle.Store.GetControlFlag(ctx, domain.ControlStopWorkers)
	if err != nil {
		return false, err
	}
	return ok && val == domain.ControlStopValue, nil
}

// runOne executes a single claimed job's command with a timeout and drives
// the lifecycle to its terminal-for-this-attempt state.
func (w *Worker) runOne(ctx context.Context, claimed *domain.Claimed) {
	cmdTimeout, err := w.Config.CmdTimeout(ctx)
	if err != nil {
		w.Logger.ErrorContext(ctx, "config_read_failed", slog.Any("error", err))
		cmdTimeout = 60
	}

	w.Logger.InfoContext(ctx, "job_start",
		slog.String("worker_id", w.ID),
		slog.String("job_id", claimed.ID),
		slog.String("command", claimed.Command),
		slog.Int("attempts", claimed.Attempts),
		slog.Int("max_retries", claimed.MaxRetries))

	// Deliberately not derived from ctx: ctx is the process's signal-cancelable
	// context (SIGINT/SIGTERM), and letting that reach the subprocess would
	// kill an in-flight job on Ctrl+C instead of waiting for it to finish or
	// time out. stopSignaled (checked at the top of Run's loop) is the only
	// mechanism that should react to a signal. The attempt's result is recorded
	// through the same detached context, so it is written even after a signal.
	detached := context.WithoutCancel(ctx)
	timeout := time.Duration(cmdTimeout) * time.Second
	runCtx, cancel := context.WithTimeout(detached, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", claimed.Command)
	runErr := cmd.Run()

	switch {
	case runErr == nil:
		w.Logger.InfoContext(ctx, "job_completed", slog.String("worker_id", w.ID), slog.String("job_id", claimed.ID))
		if err := w.Lifecycle.Complete(detached, claimed.ID); err != nil {
			w.Logger.ErrorContext(ctx, "mark_completed_failed", slog.String("job_id", claimed.ID), slog.Any("error", err))
		}

	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		attempts := claimed.Attempts + 1
		errMsg := fmt.Sprintf("timeout_after_%ds", cmdTimeout)
		w.Logger.WarnContext(ctx, "job_failed_timeout",
			slog.String("worker_id", w.ID), slog.String("job_id", claimed.ID),
			slog.String("error", errMsg), slog.Int("attempts", attempts))
		if err := w.Lifecycle.Fail(detached, claimed.ID, attempts, claimed.MaxRetries, errMsg); err != nil {
			w.Logger.ErrorContext(ctx, "mark_failed_failed", slog.String("job_id", claimed.ID), slog.Any("error", err))
		}

	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			attempts := claimed.Attempts + 1
			errMsg := fmt.Sprintf("exit_code=%d", exitErr.ExitCode())
			w.Logger.WarnContext(ctx, "job_failed",
				slog.String("worker_id", w.ID), slog.String("job_id", claimed.ID),
				slog.String("error", errMsg), slog.Int("attempts", attempts))
			if err := w.Lifecycle.Fail(detached, claimed.ID, attempts, claimed.MaxRetries, errMsg); err != nil {
				w.Logger.ErrorContext(ctx, "mark_failed_failed", slog.String("job_id", claimed.ID), slog.Any("error", err))
			}
			return
		}

		// Spawn failure or other OS error: never the shell's own exit status.
		attempts := claimed.Attempts + 1
		errMsg := fmt.Sprintf("exception: %v", runErr)
		w.Logger.ErrorContext(ctx, "job_failed_exception",
			slog.String("worker_id", w.ID), slog.String("job_id", claimed.ID),
			slog.String("error", errMsg), slog.Int("attempts", attempts))
		if err := w.Lifecycle.Fail(detached, claimed.ID, attempts, claimed.MaxRetries, errMsg); err != nil {
			w.Logger.ErrorContext(ctx, "mark_failed_failed", slog.String("job_id", claimed.ID), slog.Any("error", err))
		}
	}
}

// sleepOrDone sleeps for d, returning false early (meaning "stop now")
// if ctx is cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
