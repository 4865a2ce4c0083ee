package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"note-summarizer/internal/models"
)

func newTestQueue(t *testing.T, opts Options) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if opts.Prefix == "" {
		opts.Prefix = "test"
	}
	if opts.Queue == "" {
		opts.Queue = "ai-queue"
	}
	return NewRedisQueueWithClient(client, opts), mr
}

func enqueue(t *testing.T, q *RedisQueue, recordID int64) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), EnqueueRequest{
		Task:    models.TaskSummarizeRecord,
		Payload: models.SummarizePayload{RecordID: recordID, Body: "some notes"},
		Timeout: time.Minute,
	})
	require.NoError(t, err)
	return id
}

func TestEnqueueAndFetch(t *testing.T) {
	q, mr := newTestQueue(t, Options{})
	ctx := context.Background()

	id := enqueue(t, q, 7)
	assert.NotEmpty(t, id)

	job, err := q.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, models.TaskSummarizeRecord, job.Task)
	assert.Equal(t, time.Minute, job.Timeout)
	assert.Nil(t, job.Result)
	assert.False(t, job.EnqueuedAt.IsZero())

	var payload models.SummarizePayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, int64(7), payload.RecordID)

	list, err := mr.List("test:queue:ai-queue")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, list)

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestEnqueueUsesCallerID(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	id, err := q.Enqueue(context.Background(), EnqueueRequest{
		ID:      "fixed-id",
		Task:    models.TaskSummarizeRecord,
		Payload: map[string]int{"record_id": 1},
		Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", id)
}

func TestEnqueueRejectsMissingTimeout(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	_, err := q.Enqueue(context.Background(), EnqueueRequest{Task: models.TaskSummarizeRecord})
	assert.Error(t, err)
}

func TestFetchUnknown(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	_, err := q.Fetch(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = q.Fetch(context.Background(), "")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestFetchCorruptStatus(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	id := enqueue(t, q, 1)
	require.NoError(t, q.Client().HSet(ctx, "test:job:"+id, "status", "weird").Err())

	_, err := q.Fetch(ctx, id)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Contains(t, err.Error(), `unknown status "weird"`)
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	_, ok, err := q.Dequeue(context.Background(), "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDequeueMarksStarted(t *testing.T) {
	q, mr := newTestQueue(t, Options{})
	ctx := context.Background()
	id := enqueue(t, q, 1)

	job, ok, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, models.JobStarted, job.Status)
	assert.Equal(t, "w1", job.WorkerID)
	assert.False(t, job.StartedAt.IsZero())

	started, err := q.StartedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), started)
	assert.False(t, mr.Exists("test:queue:ai-queue"))
}

func TestDequeueSkipsVanishedJobs(t *testing.T) {
	q, mr := newTestQueue(t, Options{})
	ctx := context.Background()
	gone := enqueue(t, q, 1)
	next := enqueue(t, q, 2)
	mr.Del("test:job:" + gone)

	job, ok, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, next, job.ID)
}

func TestFinishStoresResultWithTTL(t *testing.T) {
	q, mr := newTestQueue(t, Options{ResultTTL: 10 * time.Second})
	ctx := context.Background()
	id := enqueue(t, q, 1)
	_, _, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, q.Finish(ctx, id, "short summary"))

	job, err := q.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFinished, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, "short summary", *job.Result)
	assert.False(t, job.EndedAt.IsZero())
	assert.Equal(t, 10*time.Second, mr.TTL("test:job:"+id))

	started, err := q.StartedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, started)

	assert.ErrorIs(t, q.Finish(ctx, id, "again"), ErrJobNotActive)

	mr.FastForward(11 * time.Second)
	_, err = q.Fetch(ctx, id)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestFinishRequiresStarted(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	id := enqueue(t, q, 1)
	assert.ErrorIs(t, q.Finish(context.Background(), id, "x"), ErrJobNotActive)
	assert.ErrorIs(t, q.Fail(context.Background(), "missing", "x"), ErrJobNotActive)
}

func TestFailRecordsErrorAndFailedList(t *testing.T) {
	q, mr := newTestQueue(t, Options{FailureTTL: time.Hour})
	ctx := context.Background()
	id := enqueue(t, q, 1)
	_, _, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, id, "model unavailable"))

	job, err := q.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, "model unavailable", job.Error)
	assert.Nil(t, job.Result)
	assert.Equal(t, time.Hour, mr.TTL("test:job:"+id))

	failed, err := q.FailedJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, failed)
}

func TestFailedListIsCapped(t *testing.T) {
	q, _ := newTestQueue(t, Options{FailedListSize: 2})
	ctx := context.Background()

	var ids []string
	for i := int64(1); i <= 3; i++ {
		id := enqueue(t, q, i)
		_, _, err := q.Dequeue(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, id, "boom"))
		ids = append(ids, id)
	}

	failed, err := q.FailedJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2], ids[1]}, failed)
}

func TestFailedJobsAwaitReconciliation(t *testing.T) {
	q, _ := newTestQueue(t, Options{FailedListSize: 1})
	ctx := context.Background()

	var failed []string
	for i := int64(1); i <= 2; i++ {
		id := enqueue(t, q, i)
		_, _, err := q.Dequeue(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, id, "boom"))
		failed = append(failed, id)
	}
	done := enqueue(t, q, 3)
	_, _, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Finish(ctx, done, "ok"))

	pending, err := q.UnreconciledFailures(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, failed, pending, "capped failed list does not drop pending failures")

	require.NoError(t, q.MarkReconciled(ctx, failed[0]))
	pending, err = q.UnreconciledFailures(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{failed[1]}, pending)
}

func TestExpireTimedOut(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	id := enqueue(t, q, 1)
	_, _, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)

	expired, err := q.ExpireTimedOut(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, expired, "deadline has not passed yet")

	expired, err = q.ExpireTimedOut(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, id, expired[0].ID)
	assert.Equal(t, models.JobFailed, expired[0].Status)
	assert.Equal(t, TimeoutReason, expired[0].Error)

	// A late finish from the worker must not resurrect the job.
	assert.ErrorIs(t, q.Finish(ctx, id, "late"), ErrJobNotActive)

	started, err := q.StartedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, started)
}
