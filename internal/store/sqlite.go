package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite" // pure-Go, cgo-free SQLite driver

	"github.com/corviday/jobq/internal/clock"
	"github.com/corviday/jobq/internal/domain"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// timeFormat is the ISO-8601, whole-second, UTC layout every timestamp
// column uses. time.RFC3339 without a fractional-second component matches
// this exactly when the time has already been truncated.
const timeFormat = time.RFC3339

// SQLiteStore is the Store implementation backed by a single SQLite file.
// It is the only synchronization point between worker processes sharing
// that file: every operation below that mutates jobs is a single SQL
// statement (an UPDATE ... RETURNING, or an UPDATE with a WHERE clause
// whose RowsAffected tells the caller whether it won the race), so two
// workers racing to claim or requeue the same row can never both succeed.
type SQLiteStore struct {
	db    *sql.DB
	clock clock.Clock
}

// Option configures optional SQLiteStore behavior.
type Option func(*SQLiteStore)

// WithClock overrides the store's time source; tests use this to inject
// glock.NewMockClock instead of the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *SQLiteStore) { s.clock = c }
}

// Open creates (or reuses) a SQLite file at path, applies migrations, and
// returns a ready Store. WAL mode and a busy timeout give the "bounded wait
// under contention" the store contract requires; NORMAL synchronous mode
// trades a small durability window for throughput, matching the original
// implementation's tuning.
func Open(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(on)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers internally; a single connection avoids
	// SQLITE_BUSY from this process's own goroutines contending with
	// themselves on top of other worker processes.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	s := &SQLiteStore{db: db, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isBusy reports whether err looks like SQLite contention that a retry
// could resolve. modernc.org/sqlite surfaces this as a message containing
// "SQLITE_BUSY" or the classic "database is locked".
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry bounds wait-under-contention to ~10s total, per the store
// contract's acquisition timeout, retrying only on busy errors.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.NewExponential(25 * time.Millisecond)
	b = retry.WithMaxDuration(10*time.Second, b)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if isBusy(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil && isBusy(err) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return err
}

func nowStr(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// === Enqueue ===

func (s *SQLiteStore) Enqueue(ctx context.Context, p EnqueueParams) error {
	return withRetry(ctx, func(ctx context.Context) error {
		now := nowStr(s.clock.Now())
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, command, state, attempts, max_retries, created_at, updated_at, next_run_at, last_error, processing_started_at)
			VALUES (?, ?, 'pending', 0, ?, ?, ?, NULL, NULL, NULL)
		`, p.ID, p.Command, p.MaxRetries, now, now)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateJob, p.ID)
			}
			return err
		}
		return nil
	})
}

// === Claim ===

func (s *SQLiteStore) Claim(ctx context.Context) (*domain.Claimed, error) {
	var claimed *domain.Claimed
	err := withRetry(ctx, func(ctx context.Context) error {
		now := nowStr(s.clock.Now())
		row := s.db.QueryRowContext(ctx, `
			UPDATE jobs
			SET state = 'processing',
			    updated_at = ?,
			    processing_started_at = ?
			WHERE id = (
				SELECT id FROM jobs
				WHERE state = 'pending' AND (next_run_at IS NULL OR next_run_at <= ?)
				ORDER BY created_at
				LIMIT 1
			)
			RETURNING id, command, attempts, max_retries
		`, now, now, now)

		var c domain.Claimed
		if err := row.Scan(&c.ID, &c.Command, &c.Attempts, &c.MaxRetries); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		claimed = &c
		return nil
	})
	return claimed, err
}

// === Complete ===

func (s *SQLiteStore) Complete(ctx context.Context, id string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'completed',
			    last_error = NULL,
			    processing_started_at = NULL,
			    updated_at = ?
			WHERE id = ?
		`, nowStr(s.clock.Now()), id)
		return err
	})
}

// === Fail ===

func (s *SQLiteStore) Fail(ctx context.Context, id string, attemptsAfter, maxRetries int, errMsg string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		now := s.clock.Now()
		if attemptsAfter <= maxRetries {
			base, _, err := s.GetConfig(ctx, domain.ConfigBackoffBase)
			if err != nil {
				return err
			}
			backoffBase := 2
			if base != "" {
				fmt.Sscanf(base, "%d", &backoffBase)
			}
			delay := time.Duration(intPow(backoffBase, attemptsAfter-1)) * time.Second
			nextRun := nowStr(now.Add(delay))
			_, err = s.db.ExecContext(ctx, `
				UPDATE jobs
				SET state = 'pending',
				    attempts = ?,
				    updated_at = ?,
				    next_run_at = ?,
				    last_error = ?,
				    processing_started_at = NULL
				WHERE id = ?
			`, attemptsAfter, nowStr(now), nextRun, errMsg, id)
			return err
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'dead',
			    attempts = ?,
			    updated_at = ?,
			    next_run_at = NULL,
			    last_error = ?,
			    processing_started_at = NULL
			WHERE id = ?
		`, attemptsAfter, nowStr(now), errMsg, id)
		return err
	})
}

func intPow(base, exp int) int {
	if exp < 0 {
		return 1
	}
	result := 1
	for range exp {
		result *= base
	}
	return result
}

// === RetryDead ===

func (s *SQLiteStore) RetryDead(ctx context.Context, id string) (bool, error) {
	var changed bool
	err := withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'pending',
			    attempts = 0,
			    updated_at = ?,
			    next_run_at = NULL,
			    last_error = NULL,
			    processing_started_at = NULL
			WHERE id = ? AND state = 'dead'
		`, nowStr(s.clock.Now()), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

// === RequeueStuck ===

func (s *SQLiteStore) RequeueStuck(ctx context.Context, stuckAfter time.Duration) (int, error) {
	var count int
	err := withRetry(ctx, func(ctx context.Context) error {
		now := s.clock.Now()
		cutoff := nowStr(now.Add(-stuckAfter))
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'pending',
			    updated_at = ?,
			    processing_started_at = NULL,
			    last_error = ?
			WHERE state = 'processing'
			  AND processing_started_at IS NOT NULL
			  AND processing_started_at < ?
		`, nowStr(now), domain.ReaperLastError, cutoff)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		count = int(n)
		return nil
	})
	return count, err
}

// === Reads ===

func scanJob(rows interface{ Scan(...any) error }) (*domain.Job, error) {
	var j domain.Job
	var createdAt, updatedAt string
	var nextRunAt, lastError, processingStartedAt sql.NullString

	if err := rows.Scan(&j.ID, &j.Command, &j.State, &j.Attempts, &j.MaxRetries,
		&createdAt, &updatedAt, &nextRunAt, &lastError, &processingStartedAt); err != nil {
		return nil, err
	}

	var err error
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if nextRunAt.Valid {
		t, err := parseTime(nextRunAt.String)
		if err != nil {
			return nil, err
		}
		j.NextRunAt = &t
	}
	if lastError.Valid {
		s := lastError.String
		j.LastError = &s
	}
	if processingStartedAt.Valid {
		t, err := parseTime(processingStartedAt.String)
		if err != nil {
			return nil, err
		}
		j.ProcessingStartedAt = &t
	}
	return &j, nil
}

const jobColumns = `id, command, state, attempts, max_retries, created_at, updated_at, next_run_at, last_error, processing_started_at`

func (s *SQLiteStore) List(ctx context.Context, state *domain.State) ([]*domain.Job, error) {
	var rows *sql.Rows
	var err error
	if state != nil {
		rows, err = s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY created_at`, string(*state))
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) ListDead(ctx context.Context) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = 'dead' ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) Counts(ctx context.Context) (domain.Counts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return domain.Counts{}, err
	}
	defer rows.Close()

	var c domain.Counts
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return domain.Counts{}, err
		}
		switch domain.State(state) {
		case domain.StatePending:
			c.Pending = n
		case domain.StateProcessing:
			c.Processing = n
		case domain.StateCompleted:
			c.Completed = n
		case domain.StateDead:
			c.Dead = n
		}
	}
	return c, rows.Err()
}

// === Control flag ===

func (s *SQLiteStore) SetControlFlag(ctx context.Context, key, value string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO control(key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value)
		return err
	})
}

func (s *SQLiteStore) GetControlFlag(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM control WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *SQLiteStore) ClearControlFlag(ctx context.Context, key string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM control WHERE key = ?`, key)
		return err
	})
}

// === Worker heartbeats ===

func (s *SQLiteStore) UpsertHeartbeat(ctx context.Context, workerID string, pid int) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workers(worker_id, pid, last_seen) VALUES (?, ?, ?)
			ON CONFLICT(worker_id) DO UPDATE SET pid = excluded.pid, last_seen = excluded.last_seen
		`, workerID, pid, nowStr(s.clock.Now()))
		return err
	})
}

func (s *SQLiteStore) ListHeartbeats(ctx context.Context) ([]domain.Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT worker_id, pid, last_seen FROM workers ORDER BY worker_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Heartbeat
	for rows.Next() {
		var h domain.Heartbeat
		var lastSeen string
		if err := rows.Scan(&h.WorkerID, &h.PID, &lastSeen); err != nil {
			return nil, err
		}
		if h.LastSeen, err = parseTime(lastSeen); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// === Config registry ===

func (s *SQLiteStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *SQLiteStore) SetConfig(ctx context.Context, key, value string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO config(key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value)
		return err
	})
}

func (s *SQLiteStore) GetAllConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
