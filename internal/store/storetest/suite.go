// Package storetest holds a reusable compliance suite so every Store
// implementation is checked against the same invariants, following the
// teacher's internal/storage/compliance pattern.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corviday/jobq/internal/domain"
	"github.com/corviday/jobq/internal/store"
)

// Run executes a standard set of tests against a Store implementation.
// setup returns a fresh store and a teardown func called after each subtest.
func Run(t *testing.T, setup func(t *testing.T) (store.Store, func())) {
	t.Run("EnqueueAndClaim", func(t *testing.T) {
		s, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		id := uuid.NewString()
		require.NoError(t, s.Enqueue(ctx, store.EnqueueParams{ID: id, Command: "echo hi", MaxRetries: 3}))

		claimed, err := s.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, id, claimed.ID)
		assert.Equal(t, 0, claimed.Attempts)
		assert.Equal(t, 3, claimed.MaxRetries)

		jobs, err := s.List(ctx, nil)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, domain.StateProcessing, jobs[0].State)
		require.NotNil(t, jobs[0].ProcessingStartedAt)
	})

	t.Run("DuplicateEnqueueFails", func(t *testing.T) {
		s, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		id := uuid.NewString()
		require.NoError(t, s.Enqueue(ctx, store.EnqueueParams{ID: id, Command: "echo hi", MaxRetries: 1}))
		err := s.Enqueue(ctx, store.EnqueueParams{ID: id, Command: "echo bye", MaxRetries: 1})
		assert.ErrorIs(t, err, domain.ErrDuplicateJob)
	})

	t.Run("ClaimEmptyReturnsNil", func(t *testing.T) {
		s, teardown := setup(t)
		defer teardown()

		claimed, err := s.Claim(context.Background())
		require.NoError(t, err)
		assert.Nil(t, claimed)
	})

	t.Run("CompleteSetsState", func(t *testing.T) {
		s, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		id := uuid.NewString()
		require.NoError(t, s.Enqueue(ctx, store.EnqueueParams{ID: id, Command: "true", MaxRetries: 0}))
		_, err := s.Claim(ctx)
		require.NoError(t, err)

		require.NoError(t, s.Complete(ctx, id))

		jobs, err := s.List(ctx, nil)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, domain.StateCompleted, jobs[0].State)
		assert.Nil(t, jobs[0].LastError)
		assert.Nil(t, jobs[0].ProcessingStartedAt)
	})

	t.Run("FailRetriesThenDies", func(t *testing.T) {
		s, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		id := uuid.NewString()
		require.NoError(t, s.Enqueue(ctx, store.EnqueueParams{ID: id, Command: "false", MaxRetries: 1}))
		require.NoError(t, s.SetConfig(ctx, domain.ConfigBackoffBase, "2"))

		_, err := s.Claim(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Fail(ctx, id, 1, 1, "exit_code=1"))

		jobs, err := s.List(ctx, nil)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, domain.StatePending, jobs[0].State)
		require.NotNil(t, jobs[0].NextRunAt)
		require.NotNil(t, jobs[0].LastError)
		assert.Equal(t, "exit_code=1", *jobs[0].LastError)

		// Second failure exceeds max_retries=1 -> dead. The worker loop tracks
		// attempts locally and passes the post-increment count, so exercising
		// Fail directly (without re-claiming) is sufficient here.
		require.NoError(t, s.Fail(ctx, id, 2, 1, "exit_code=1"))

		jobs, err = s.List(ctx, nil)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, domain.StateDead, jobs[0].State)
		assert.Nil(t, jobs[0].NextRunAt)
	})

	t.Run("RetryDeadResets", func(t *testing.T) {
		s, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		id := uuid.NewString()
		require.NoError(t, s.Enqueue(ctx, store.EnqueueParams{ID: id, Command: "false", MaxRetries: 0}))
		_, err := s.Claim(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Fail(ctx, id, 1, 0, "boom"))

		ok, err := s.RetryDead(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		jobs, err := s.List(ctx, nil)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, domain.StatePending, jobs[0].State)
		assert.Equal(t, 0, jobs[0].Attempts)
		assert.Nil(t, jobs[0].LastError)

		ok, err = s.RetryDead(ctx, "does-not-exist")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("RequeueStuckPreservesAttempts", func(t *testing.T) {
		s, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		id := uuid.NewString()
		require.NoError(t, s.Enqueue(ctx, store.EnqueueParams{ID: id, Command: "sleep 100", MaxRetries: 3}))
		claimed, err := s.Claim(ctx)
		require.NoError(t, err)
		require.Equal(t, id, claimed.ID)

		// Timestamps are whole seconds and the stuck check is a strict "<":
		// once the clock is in a later second than the claim, stuck_after=0
		// makes the job stuck.
		time.Sleep(time.Second)
		n, err := s.RequeueStuck(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		jobs, err := s.List(ctx, nil)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, domain.StatePending, jobs[0].State)
		assert.Equal(t, 0, jobs[0].Attempts)
		require.NotNil(t, jobs[0].LastError)
		assert.Equal(t, domain.ReaperLastError, *jobs[0].LastError)

		n, err = s.RequeueStuck(ctx, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ControlFlagRoundtrip", func(t *testing.T) {
		s, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		_, ok, err := s.GetControlFlag(ctx, domain.ControlStopWorkers)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.SetControlFlag(ctx, domain.ControlStopWorkers, domain.ControlStopValue))
		val, ok, err := s.GetControlFlag(ctx, domain.ControlStopWorkers)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.ControlStopValue, val)

		require.NoError(t, s.ClearControlFlag(ctx, domain.ControlStopWorkers))
		_, ok, err = s.GetControlFlag(ctx, domain.ControlStopWorkers)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("HeartbeatUpsert", func(t *testing.T) {
		s, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		workerID := uuid.NewString()
		require.NoError(t, s.UpsertHeartbeat(ctx, workerID, 111))
		require.NoError(t, s.UpsertHeartbeat(ctx, workerID, 222))

		hbs, err := s.ListHeartbeats(ctx)
		require.NoError(t, err)
		require.Len(t, hbs, 1)
		assert.Equal(t, 222, hbs[0].PID)
	})

	t.Run("ConfigDefaultsSeeded", func(t *testing.T) {
		s, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		all, err := s.GetAllConfig(ctx)
		require.NoError(t, err)
		for k, v := range domain.DefaultConfig {
			assert.Equal(t, v, all[k], "default for %s", k)
		}

		require.NoError(t, s.SetConfig(ctx, "cmd_timeout", "30"))
		val, ok, err := s.GetConfig(ctx, "cmd_timeout")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "30", val)
	})

	t.Run("CountsReflectState", func(t *testing.T) {
		s, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		require.NoError(t, s.Enqueue(ctx, store.EnqueueParams{ID: uuid.NewString(), Command: "true", MaxRetries: 0}))
		require.NoError(t, s.Enqueue(ctx, store.EnqueueParams{ID: uuid.NewString(), Command: "true", MaxRetries: 0}))

		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, counts.Pending)
		assert.Zero(t, counts.Processing)
	})

	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) {
		s, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		const numJobs = 100
		const numWorkers = 8

		ids := make([]string, numJobs)
		for i := range ids {
			ids[i] = uuid.NewString()
			require.NoError(t, s.Enqueue(ctx, store.EnqueueParams{ID: ids[i], Command: "true", MaxRetries: 0}))
		}

		var mu sync.Mutex
		claimed := make(map[string]int, numJobs)

		var wg sync.WaitGroup
		for i := 0; i < numWorkers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					c, err := s.Claim(ctx)
					assert.NoError(t, err)
					if c == nil {
						return
					}
					mu.Lock()
					claimed[c.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, claimed, numJobs, "every enqueued job should be claimed exactly once")
		for id, count := range claimed {
			assert.Equal(t, 1, count, "job %s claimed more than once", id)
		}
		for _, id := range ids {
			_, ok := claimed[id]
			assert.True(t, ok, "job %s was never claimed", id)
		}
	})
}
