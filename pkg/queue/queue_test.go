package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlog/voxlog/pkg/database"
	"github.com/voxlog/voxlog/pkg/models"
)

func newQueue(t *testing.T) *Queue {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))
	return New(db)
}

func TestEnqueueClaimComplete(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "ev-1", models.JobTypeSTT,
		models.STTPayload{AudioPath: "/tmp/a.wav"}, EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, models.DefaultMaxAttempts, job.MaxAttempts)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, models.JobStatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.StartedAt)

	var payload models.STTPayload
	require.NoError(t, claimed.DecodePayload(&payload))
	assert.Equal(t, "/tmp/a.wav", payload.AudioPath)

	require.NoError(t, q.Complete(ctx, job.ID))
	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestClaimOrderIsOldestFirst(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "ev-1", models.JobTypeSTT, nil, EnqueueOptions{})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = q.Enqueue(ctx, "ev-2", models.JobTypeSTT, nil, EnqueueOptions{})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
}

func TestClaimSkipsDelayedJobs(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "ev-1", models.JobTypeSTT, nil, EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	_, err = q.Claim(ctx)
	assert.ErrorIs(t, err, ErrNoJobsAvailable)
}

func TestClaimIsExclusive(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	const jobs = 10
	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(ctx, "ev-1", models.JobTypeSTT, nil, EnqueueOptions{})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Claim(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestFailRetriesWithBackoff(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "ev-1", models.JobTypeExtract, nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)

	before := time.Now()
	require.NoError(t, q.Fail(ctx, job.ID, "llm not ready", true))

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRetry, got.Status)
	assert.Equal(t, "llm not ready", got.ErrorMessage)
	// First failure: backoff is 2^0 = 1 minute.
	assert.WithinDuration(t, before.Add(time.Minute), got.RunAt, 5*time.Second)
}

func TestFailExhaustsToDeadLetter(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "ev-1", models.JobTypeExtract, nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, job.ID, "still broken", true))

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "max attempts exhausted", got.DeadLetterReason)

	entries, err := q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, job.ID, entries[0].JobID)
	assert.Equal(t, "still broken", entries[0].ErrorMessage)
}

func TestFailNonRetryableSkipsRetry(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "ev-1", models.JobTypeSTT, nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, job.ID, "audio file missing", false))

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "non-retryable failure", got.DeadLetterReason)
}

func TestBackoffDelayDoubles(t *testing.T) {
	assert.Equal(t, time.Minute, BackoffDelay(1))
	assert.Equal(t, 2*time.Minute, BackoffDelay(2))
	assert.Equal(t, 4*time.Minute, BackoffDelay(3))
	assert.Equal(t, 8*time.Minute, BackoffDelay(4))
	assert.Equal(t, time.Minute, BackoffDelay(0))
}

func TestCancelOnlyWaitingJobs(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "ev-1", models.JobTypeSTT, nil, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, job.ID, "operator"))

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Equal(t, "operator", got.CancelledBy)

	// A running job is not cancellable.
	running, err := q.Enqueue(ctx, "ev-2", models.JobTypeSTT, nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, q.Cancel(ctx, running.ID, "operator"), ErrNotCancellable)
}

func TestRetryDeadLetterReenqueues(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "ev-1", models.JobTypeExtract,
		models.ExtractPayload{Transcript: "hello"}, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job.ID, "boom", true))

	entries, err := q.ListDeadLetters(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	fresh, err := q.RetryDeadLetter(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, fresh.ID)
	assert.Equal(t, models.JobStatusPending, fresh.Status)
	assert.Equal(t, "ev-1", fresh.EventID)

	var payload models.ExtractPayload
	require.NoError(t, fresh.DecodePayload(&payload))
	assert.Equal(t, "hello", payload.Transcript)
}

func TestStats(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "ev-1", models.JobTypeSTT, nil, EnqueueOptions{})
	require.NoError(t, err)
	job2, err := q.Enqueue(ctx, "ev-2", models.JobTypeSTT, nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, claimed.ID, "x", false))
	_ = job2

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[models.JobStatusPending])
	assert.Equal(t, 1, stats.ByStatus[models.JobStatusFailed])
	assert.Equal(t, 1, stats.DeadLetterSize)
}

func TestRecoverStale(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	// Simulates a job left running by a crashed process.
	withBudget, err := q.Enqueue(ctx, "ev-1", models.JobTypeSTT, nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)

	exhausted, err := q.Enqueue(ctx, "ev-2", models.JobTypeSTT, nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)

	n, err := q.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := q.GetJob(ctx, withBudget.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRetry, got.Status)

	got, err = q.GetJob(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
}

func TestPurgeOldJobsKeepsRecent(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "ev-1", models.JobTypeSTT, nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID))

	n, err := q.PurgeOldJobs(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.PurgeOldJobs(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
