// Command jobq is the operator CLI: enqueue, status, list, dlq, worker,
// and config subcommands over a single per-user SQLite store. Subcommand
// dispatch follows the teacher's cmd/apikey idiom (stdlib flag, not a CLI
// framework) since none of the example repos pull in cobra or urfave/cli
// for a tool this size.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corviday/jobq/internal/config"
	"github.com/corviday/jobq/internal/domain"
	"github.com/corviday/jobq/internal/lifecycle"
	"github.com/corviday/jobq/internal/observability"
	"github.com/corviday/jobq/internal/reaper"
	"github.com/corviday/jobq/internal/store"
	"github.com/corviday/jobq/internal/workerproc"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return fmt.Errorf("a subcommand is required")
	}

	boot, err := config.LoadBootstrap()
	if err != nil {
		return fmt.Errorf("load bootstrap config: %w", err)
	}

	ctx := context.Background()

	lp, logger, err := observability.InitLogger(ctx, boot.OTelEnabled, observability.ParseLevel(boot.LogLevel))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer observability.Shutdown(ctx, nil, lp)
	slog.SetDefault(logger)

	s, err := store.Open(ctx, boot.DBPath)
	if err != nil {
		return fmt.Errorf("open store %s: %w", boot.DBPath, err)
	}
	defer s.Close()

	cfg := config.New(s)
	l := lifecycle.New(s, cfg)
	rpr := reaper.New(l, cfg, logger)

	switch args[0] {
	case "enqueue":
		return cmdEnqueue(ctx, l, args[1:])
	case "status":
		return cmdStatus(ctx, l)
	case "list":
		return cmdList(ctx, l, args[1:])
	case "dlq":
		return cmdDLQ(ctx, l, args[1:])
	case "worker":
		return cmdWorker(ctx, l, cfg, rpr, logger, args[1:])
	case "config":
		return cmdConfig(ctx, cfg, args[1:])
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: jobq <command> [args]

commands:
  enqueue <json>              enqueue a job, e.g. '{"id":"job1","command":"echo hi"}'
  status                      show job state counts and known workers
  list [--state STATE]        list jobs, optionally filtered by state
  dlq list                    list dead-letter jobs
  dlq retry <job_id>          reset a dead job to pending with a fresh retry budget
  worker start [--count N]    run N worker loops in this process (default 1)
  worker stop                 set the global stop flag; running workers exit gracefully
  worker clear-stop           clear the global stop flag
  config get [key]            print one config value, or all if key is omitted
  config set <key> <value>    set a config value`)
}

type enqueueRequest struct {
	ID         string `json:"id"`
	Command    string `json:"command"`
	MaxRetries *int   `json:"max_retries"`
}

func cmdEnqueue(ctx context.Context, l *lifecycle.Lifecycle, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("enqueue requires exactly one JSON argument")
	}
	var req enqueueRequest
	if err := json.Unmarshal([]byte(args[0]), &req); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if req.ID == "" || req.Command == "" {
		return fmt.Errorf("job must contain 'id' and 'command'")
	}
	if err := l.Enqueue(ctx, req.ID, req.Command, req.MaxRetries); err != nil {
		return err
	}
	fmt.Printf("Enqueued job %s\n", req.ID)
	return nil
}

func cmdStatus(ctx context.Context, l *lifecycle.Lifecycle) error {
	counts, err := l.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Job states:")
	fmt.Printf("  pending: %d\n", counts.Pending)
	fmt.Printf("  processing: %d\n", counts.Processing)
	fmt.Printf("  completed: %d\n", counts.Completed)
	fmt.Printf("  dead: %d\n", counts.Dead)

	workers, err := l.Heartbeats(ctx)
	if err != nil {
		return err
	}
	fmt.Println("\nWorkers:")
	if len(workers) == 0 {
		fmt.Println("  (none)")
		return nil
	}
	for _, w := range workers {
		fmt.Printf("  %s pid=%d last_seen=%s\n", w.WorkerID, w.PID, w.LastSeen.Format(time.RFC3339))
	}
	return nil
}

func cmdList(ctx context.Context, l *lifecycle.Lifecycle, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	stateFlag := fs.String("state", "", "filter by state (pending, processing, completed, dead)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var state *domain.State
	if *stateFlag != "" {
		st := domain.State(*stateFlag)
		state = &st
	}

	jobs, err := l.List(ctx, state)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		lastErr := "None"
		if j.LastError != nil {
			lastErr = *j.LastError
		}
		fmt.Printf("%s  %s  cmd=%s  attempts=%d/%d  updated_at=%s  last_error=%s\n",
			j.ID, j.State, j.Command, j.Attempts, j.MaxRetries, j.UpdatedAt.Format(time.RFC3339), lastErr)
	}
	return nil
}

func cmdDLQ(ctx context.Context, l *lifecycle.Lifecycle, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("dlq requires an action: list or retry")
	}
	switch args[0] {
	case "list":
		jobs, err := l.ListDead(ctx)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("DLQ empty")
			return nil
		}
		for _, j := range jobs {
			lastErr := "None"
			if j.LastError != nil {
				lastErr = *j.LastError
			}
			fmt.Printf("%s cmd=%s attempts=%d last_error=%s\n", j.ID, j.Command, j.Attempts, lastErr)
		}
		return nil
	case "retry":
		if len(args) != 2 {
			return fmt.Errorf("dlq retry requires a job id")
		}
		ok, err := l.RetryDead(ctx, args[1])
		if err != nil {
			return err
		}
		if ok {
			fmt.Println("OK")
		} else {
			fmt.Println("Not found in DLQ")
		}
		return nil
	default:
		return fmt.Errorf("unknown dlq action %q", args[0])
	}
}

func cmdWorker(ctx context.Context, l *lifecycle.Lifecycle, cfg *config.Registry, rpr *reaper.Reaper, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("worker requires an action: start, stop, or clear-stop")
	}
	switch args[0] {
	case "start":
		fs := flag.NewFlagSet("worker start", flag.ContinueOnError)
		count := fs.Int("count", 1, "number of worker loops to run in this process")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return startWorkers(ctx, l, cfg, rpr, logger, *count)

	case "stop":
		if err := l.Store.SetControlFlag(ctx, domain.ControlStopWorkers, domain.ControlStopValue); err != nil {
			return err
		}
		fmt.Println("Stop flag set. Workers will exit gracefully.")
		return nil

	case "clear-stop":
		if err := l.Store.ClearControlFlag(ctx, domain.ControlStopWorkers); err != nil {
			return err
		}
		fmt.Println("Cleared stop flag. You can start workers again.")
		return nil

	default:
		return fmt.Errorf("unknown worker action %q", args[0])
	}
}

// startWorkers runs count worker loops concurrently in this process until a
// process signal is received, at which point the global stop_workers flag is
// set and every loop is given a chance to finish its current job.
func startWorkers(ctx context.Context, l *lifecycle.Lifecycle, cfg *config.Registry, rpr *reaper.Reaper, logger *slog.Logger, count int) error {
	if count < 1 {
		count = 1
	}
	fmt.Printf("Starting %d worker(s) (Ctrl+C to stop)...\n", count)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	for i := 0; i < count; i++ {
		w := workerproc.New(l, cfg, rpr, logger, workerproc.DefaultOptions())
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	<-sigCtx.Done()
	if err := l.Store.SetControlFlag(context.Background(), domain.ControlStopWorkers, domain.ControlStopValue); err != nil {
		logger.ErrorContext(ctx, "failed to set stop flag on shutdown", slog.Any("error", err))
	}

	return g.Wait()
}

func cmdConfig(ctx context.Context, cfg *config.Registry, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("config requires a subaction: get or set")
	}
	switch args[0] {
	case "get":
		if len(args) >= 2 {
			val, err := cfg.Get(ctx, args[1], "")
			if err != nil {
				return err
			}
			if val == "" {
				fmt.Println("(not set)")
			} else {
				fmt.Println(val)
			}
			return nil
		}
		all, err := cfg.GetAll(ctx)
		if err != nil {
			return err
		}
		for k, v := range all {
			fmt.Printf("%s=%s\n", k, v)
		}
		return nil

	case "set":
		if len(args) != 3 {
			return fmt.Errorf("config set requires a key and a value")
		}
		if err := cfg.Set(ctx, args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("%s set to %s\n", config.Normalize(args[1]), args[2])
		return nil

	default:
		return fmt.Errorf("unknown config subaction %q", args[0])
	}
}
