// Package domain holds the entities shared by the store, lifecycle, reaper,
// and worker components: the Job state machine, config keys and their
// defaults, and the sentinel errors those layers check against.
package domain

import "time"

// State is a Job's position in the lifecycle state machine.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateDead       State = "dead"
)

// Job is a single durable unit of work: a shell command with a retry budget.
// Fields mirror the jobs table exactly; nullable columns are pointers.
type Job struct {
	ID                  string
	Command             string
	State               State
	Attempts            int
	MaxRetries          int
	CreatedAt           time.Time
	UpdatedAt           time.Time
	NextRunAt           *time.Time
	LastError           *string
	ProcessingStartedAt *time.Time
}

// Claimed is the subset of a Job's fields returned by a successful claim,
// matching what the worker loop needs to execute the command.
type Claimed struct {
	ID         string
	Command    string
	Attempts   int
	MaxRetries int
}

// Heartbeat is a worker's most recent liveness record.
type Heartbeat struct {
	WorkerID string
	PID      int
	LastSeen time.Time
}

// Counts is the per-state tally returned by Store.Counts.
type Counts struct {
	Pending    int
	Processing int
	Completed  int
	Dead       int
}

// Control flag keys recognized by the store.
const (
	ControlStopWorkers = "stop_workers"
)

// ControlStopValue is the only value of ControlStopWorkers that means "stop".
const ControlStopValue = "1"

// Config keys recognized by the Config Registry, with their defaults.
const (
	ConfigMaxRetries  = "max_retries"
	ConfigBackoffBase = "backoff_base"
	ConfigCmdTimeout  = "cmd_timeout"
	ConfigStuckAfter  = "stuck_after"
)

// DefaultConfig holds the seed values written to the config table on first use.
var DefaultConfig = map[string]string{
	ConfigMaxRetries:  "3",
	ConfigBackoffBase: "2",
	ConfigCmdTimeout:  "60",
	ConfigStuckAfter:  "120",
}

// ReaperLastError is the sentinel last_error value set on jobs the reaper
// returns to pending, distinguishing a requeue from a genuine command failure.
const ReaperLastError = "requeued_by_reaper"
