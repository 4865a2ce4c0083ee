package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"note-summarizer/internal/config"
	"note-summarizer/internal/models"
)

var (
	// ErrJobNotFound is returned for unknown, expired or malformed job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotActive is returned when finishing a job that is no longer started,
	// e.g. because the timeout sweep already failed it.
	ErrJobNotActive = errors.New("job is not active")
)

// TimeoutReason is recorded as the error of jobs failed by ExpireTimedOut.
const TimeoutReason = "job timed out"

// Options controls key layout and retention.
type Options struct {
	Prefix         string
	Queue          string
	ResultTTL      time.Duration
	FailureTTL     time.Duration
	FailedListSize int64
}

// OptionsFromConfig extracts queue options from the shared config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Prefix:         cfg.RedisKeyPrefix,
		Queue:          cfg.QueueName,
		ResultTTL:      cfg.JobResultTTL,
		FailureTTL:     cfg.JobFailureTTL,
		FailedListSize: cfg.FailedListSize,
	}
}

// RedisQueue is the broker: a ready list, per-job hashes, a started set scored by
// deadline, a capped list of failed job ids, and the set of failed jobs whose
// record has not been reconciled yet.
type RedisQueue struct {
	client     *redis.Client
	queueKey   string
	startedKey string
	failedKey  string
	pendingKey string
	jobPrefix  string
	resultTTL  time.Duration
	failureTTL time.Duration
	failedCap  int64
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, OptionsFromConfig(cfg))
}

// NewRedisQueueWithClient wraps an existing client.
func NewRedisQueueWithClient(client *redis.Client, opts Options) *RedisQueue {
	if opts.Prefix == "" {
		opts.Prefix = "summarizer"
	}
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 500 * time.Second
	}
	if opts.FailureTTL <= 0 {
		opts.FailureTTL = 24 * time.Hour
	}
	if opts.FailedListSize <= 0 {
		opts.FailedListSize = 1000
	}
	return &RedisQueue{
		client:     client,
		queueKey:   fmt.Sprintf("%s:queue:%s", opts.Prefix, opts.Queue),
		startedKey: opts.Prefix + ":started",
		failedKey:  opts.Prefix + ":failed",
		pendingKey: opts.Prefix + ":failed:pending",
		jobPrefix:  opts.Prefix + ":job:",
		resultTTL:  opts.ResultTTL,
		failureTTL: opts.FailureTTL,
		failedCap:  opts.FailedListSize,
	}
}

// Client exposes the underlying connection so other Redis users (rate limiter) can share it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) jobKey(jobID string) string {
	return q.jobPrefix + jobID
}

// EnqueueRequest describes one unit of work.
type EnqueueRequest struct {
	// ID is optional; a uuid is generated when empty.
	ID      string
	Task    string
	Payload any
	Timeout time.Duration
}

// Enqueue stores the job hash and appends it to the ready list in one transaction.
func (q *RedisQueue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Task == "" {
		return "", errors.New("task is required")
	}
	if req.Timeout <= 0 {
		return "", errors.New("timeout must be positive")
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id),
		"task", req.Task,
		"payload", string(payload),
		"status", string(models.JobQueued),
		"timeout_ms", req.Timeout.Milliseconds(),
		"enqueued_at", time.Now().UnixMilli(),
	)
	pipe.RPush(ctx, q.queueKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Fetch reads the job's current state straight from Redis.
func (q *RedisQueue) Fetch(ctx context.Context, jobID string) (models.Job, error) {
	if jobID == "" {
		return models.Job{}, ErrJobNotFound
	}
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("fetch job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return models.Job{}, ErrJobNotFound
	}
	return parseJob(jobID, fields)
}

// Dequeue pops the next queued job and marks it started with a deadline of now+timeout.
// It returns ok=false when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context, workerID string) (models.Job, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.queueKey, q.startedKey},
		q.jobPrefix, time.Now().UnixMilli(), workerID).Result()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("dequeue: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	job, err := q.Fetch(ctx, jobID)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// Finish records a successful result and starts the retention clock.
func (q *RedisQueue) Finish(ctx context.Context, jobID, result string) error {
	return q.end(ctx, jobID, models.JobFinished, "result", result, q.resultTTL)
}

// Fail records the failure, starts the retention clock and pushes the id onto the failed list.
func (q *RedisQueue) Fail(ctx context.Context, jobID, reason string) error {
	return q.end(ctx, jobID, models.JobFailed, "error", reason, q.failureTTL)
}

func (q *RedisQueue) end(ctx context.Context, jobID string, status models.JobStatus, field, value string, ttl time.Duration) error {
	applied, err := endScript.Run(ctx, q.client, []string{q.jobKey(jobID), q.startedKey, q.failedKey, q.pendingKey},
		jobID, string(status), field, value, time.Now().UnixMilli(), ttl.Milliseconds(), q.failedCap).Int()
	if err != nil {
		return fmt.Errorf("mark job %s %s: %w", jobID, status, err)
	}
	if applied == 0 {
		return ErrJobNotActive
	}
	return nil
}

// ExpireTimedOut fails started jobs whose deadline has passed and returns them.
func (q *RedisQueue) ExpireTimedOut(ctx context.Context, now time.Time, limit int64) ([]models.Job, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.startedKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan started jobs: %w", err)
	}

	expired := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		err := q.Fail(ctx, id, TimeoutReason)
		if errors.Is(err, ErrJobNotActive) {
			// Finished concurrently, or the hash is gone; either way it no longer needs tracking.
			_ = q.client.ZRem(ctx, q.startedKey, id).Err()
			continue
		}
		if err != nil {
			return expired, err
		}
		job, err := q.Fetch(ctx, id)
		if err != nil {
			return expired, err
		}
		expired = append(expired, job)
	}
	return expired, nil
}

// FailedJobs returns the most recently failed job ids, newest first.
func (q *RedisQueue) FailedJobs(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.failedKey, 0, count-1).Result()
}

// UnreconciledFailures returns up to count failed job ids that have not been
// passed to MarkReconciled yet.
func (q *RedisQueue) UnreconciledFailures(ctx context.Context, count int64) ([]string, error) {
	return q.client.SRandMemberN(ctx, q.pendingKey, count).Result()
}

// MarkReconciled drops a failed job from the pending set once its record has been dealt with.
func (q *RedisQueue) MarkReconciled(ctx context.Context, jobID string) error {
	return q.client.SRem(ctx, q.pendingKey, jobID).Err()
}

// ReadyDepth returns the number of jobs waiting to be picked up.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueKey).Result()
}

// StartedCount returns the number of jobs currently being executed.
func (q *RedisQueue) StartedCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.startedKey).Result()
}

func parseJob(id string, f map[string]string) (models.Job, error) {
	job := models.Job{
		ID:       id,
		Task:     f["task"],
		Payload:  json.RawMessage(f["payload"]),
		Status:   models.JobStatus(f["status"]),
		Error:    f["error"],
		WorkerID: f["worker"],
	}
	switch job.Status {
	case models.JobQueued, models.JobStarted, models.JobFinished, models.JobFailed:
	default:
		return models.Job{}, fmt.Errorf("%w: job %s has unknown status %q", ErrJobNotFound, id, job.Status)
	}
	if job.Status == models.JobFinished {
		result := f["result"]
		job.Result = &result
	}
	if ms, err := strconv.ParseInt(f["timeout_ms"], 10, 64); err == nil {
		job.Timeout = time.Duration(ms) * time.Millisecond
	}
	job.EnqueuedAt = msTime(f["enqueued_at"])
	job.StartedAt = msTime(f["started_at"])
	job.EndedAt = msTime(f["ended_at"])
	return job, nil
}

func msTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Jobs whose hash is no longer queued (expired or already handled) are skipped.
var dequeueScript = redis.NewScript(`
local queue = KEYS[1]
local started = KEYS[2]
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
while true do
  local id = redis.call('LPOP', queue)
  if not id then
    return nil
  end
  local key = prefix .. id
  if redis.call('HGET', key, 'status') == 'queued' then
    local timeout = tonumber(redis.call('HGET', key, 'timeout_ms')) or 0
    redis.call('HSET', key, 'status', 'started', 'started_at', ARGV[2], 'worker', ARGV[3])
    redis.call('ZADD', started, now + timeout, id)
    return id
  end
end
`)

var endScript = redis.NewScript(`
local job = KEYS[1]
if redis.call('HGET', job, 'status') ~= 'started' then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', job, 'status', ARGV[2], ARGV[3], ARGV[4], 'ended_at', ARGV[5])
redis.call('PEXPIRE', job, ARGV[6])
if ARGV[2] == 'failed' then
  redis.call('LPUSH', KEYS[3], ARGV[1])
  redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[7]) - 1)
  redis.call('SADD', KEYS[4], ARGV[1])
end
return 1
`)
