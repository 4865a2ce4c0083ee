// Package jobs hands summarization work to the broker and reports on its progress.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"note-summarizer/internal/models"
	"note-summarizer/internal/queue"
	"note-summarizer/internal/store"
	"note-summarizer/internal/telemetry"
)

var (
	ErrAlreadyInProgress = errors.New("summarization already in progress")
	ErrNotFound          = errors.New("not found")
	ErrQueueUnavailable  = errors.New("queue unavailable")
)

// Broker is the part of the queue client the service needs.
type Broker interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Fetch(ctx context.Context, jobID string) (models.Job, error)
	FailedJobs(ctx context.Context, count int64) ([]string, error)
}

// Service submits summarize jobs and answers polls.
type Service struct {
	records store.RecordStore
	broker  Broker
	logger  *slog.Logger
	timeout time.Duration
	newID   func() string
}

func NewService(records store.RecordStore, broker Broker, logger *slog.Logger, timeout time.Duration) *Service {
	return &Service{
		records: records,
		broker:  broker,
		logger:  logger.With("component", "jobs"),
		timeout: timeout,
		newID:   func() string { return uuid.New().String() },
	}
}

// Submit claims the record and enqueues one summarize job for it. The claim is a single
// conditional update, so concurrent submissions for a record yield exactly one job.
func (s *Service) Submit(ctx context.Context, recordID int64) (string, error) {
	jobID := s.newID()
	log := s.logger.With("record_id", recordID, "job_id", jobID)

	claim, err := s.records.ClaimForSubmission(ctx, recordID, jobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		telemetry.SubmitRejects.WithLabelValues("not_found").Inc()
		return "", fmt.Errorf("record %d: %w", recordID, ErrNotFound)
	case errors.Is(err, store.ErrConflict):
		telemetry.SubmitRejects.WithLabelValues("in_progress").Inc()
		log.InfoContext(ctx, "submission rejected", "event", "submit_rejected", "reason", "in_progress")
		return "", fmt.Errorf("record %d: %w", recordID, ErrAlreadyInProgress)
	case err != nil:
		return "", fmt.Errorf("claim record %d: %w", recordID, err)
	}

	_, err = s.broker.Enqueue(ctx, queue.EnqueueRequest{
		ID:      jobID,
		Task:    models.TaskSummarizeRecord,
		Payload: models.SummarizePayload{RecordID: recordID, Body: claim.Body},
		Timeout: s.timeout,
	})
	if err != nil {
		telemetry.SubmitRejects.WithLabelValues("queue_unavailable").Inc()
		log.ErrorContext(ctx, "enqueue failed", "event", "enqueue_failed", "error", err)
		s.compensate(ctx, log, recordID, jobID, claim)
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	telemetry.SubmitCounter.Inc()
	log.InfoContext(ctx, "job submitted", "event", "job_submitted", "prior_status", claim.PriorStatus)
	return jobID, nil
}

// compensate puts the record back the way the claim found it. It runs even if the
// caller has gone away, otherwise the record would stay queued with no job behind it.
func (s *Service) compensate(ctx context.Context, log *slog.Logger, recordID int64, jobID string, claim store.Claim) {
	ctx = context.WithoutCancel(ctx)
	err := s.records.RevertSubmission(ctx, recordID, jobID, claim.PriorStatus, claim.PriorJobID)
	if err != nil {
		log.ErrorContext(ctx, "compensation failed", "event", "compensation_failed", "error", err)
		return
	}
	telemetry.Compensations.Inc()
	log.InfoContext(ctx, "claim reverted", "event", "claim_reverted", "status", claim.PriorStatus)
}

// Poll reads the job's current state from the broker. It never touches the record.
func (s *Service) Poll(ctx context.Context, jobID string) (models.JobView, error) {
	job, err := s.broker.Fetch(ctx, jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return models.JobView{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return models.JobView{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return View(job), nil
}

// View projects a broker job onto what callers see. The result is only exposed once finished.
func View(job models.Job) models.JobView {
	v := models.JobView{JobID: job.ID, Status: job.Status}
	if job.Status == models.JobFinished {
		v.Result = job.Result
	}
	return v
}

// FailedJob is one entry of the failed job listing.
type FailedJob struct {
	JobID   string    `json:"job_id"`
	Task    string    `json:"task"`
	Error   string    `json:"error"`
	EndedAt time.Time `json:"ended_at"`
}

// Failed lists the most recently failed jobs still retained by the broker.
func (s *Service) Failed(ctx context.Context, limit int64) ([]FailedJob, error) {
	ids, err := s.broker.FailedJobs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	out := make([]FailedJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.broker.Fetch(ctx, id)
		if errors.Is(err, queue.ErrJobNotFound) {
			// retention expired; the id lingers in the list until trimmed
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		out = append(out, FailedJob{JobID: job.ID, Task: job.Task, Error: job.Error, EndedAt: job.EndedAt})
	}
	return out, nil
}
