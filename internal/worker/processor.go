package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"note-summarizer/internal/config"
	"note-summarizer/internal/models"
	"note-summarizer/internal/queue"
	"note-summarizer/internal/telemetry"
)

// Queue is the part of the broker the worker loop consumes.
type Queue interface {
	Dequeue(ctx context.Context, workerID string) (models.Job, bool, error)
	Finish(ctx context.Context, jobID, result string) error
	Fail(ctx context.Context, jobID, reason string) error
	ReadyDepth(ctx context.Context) (int64, error)
	StartedCount(ctx context.Context) (int64, error)
}

// Processor drives the worker execution loop.
type Processor struct {
	queue        Queue
	handlers     map[string]Handler
	workerID     string
	concurrency  int
	pollInterval time.Duration
	logger       *slog.Logger
}

// Handler executes a job for a given task and returns its result.
type Handler func(ctx context.Context, job models.Job) (string, error)

func NewProcessor(cfg config.Config, q Queue, logger *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, logger, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q Queue, logger *slog.Logger, workerID string) *Processor {
	if workerID == "" {
		workerID = "worker"
	}
	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Processor{
		queue:        q,
		handlers:     make(map[string]Handler),
		workerID:     workerID,
		concurrency:  concurrency,
		pollInterval: poll,
		logger:       logger.With("component", "worker", "worker_id", workerID),
	}
}

// RegisterHandler binds a handler to a task name. Must be called before Run.
func (p *Processor) RegisterHandler(task string, handler Handler) {
	if task == "" || handler == nil {
		return
	}
	p.handlers[task] = handler
}

// Run starts the consumers and blocks until ctx is cancelled. Jobs already picked up
// are allowed to finish.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", p.workerID, i)
		g.Go(func() error {
			return p.consume(gctx, consumer)
		})
	}
	return g.Wait()
}

func (p *Processor) consume(ctx context.Context, consumer string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.observeQueue(ctx)

		processed, err := p.ProcessNext(ctx, consumer)
		if err != nil {
			p.logger.WarnContext(ctx, "dequeue failed", "event", "dequeue_failed", "consumer", consumer, "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

func (p *Processor) observeQueue(ctx context.Context) {
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if started, err := p.queue.StartedCount(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(started))
	}
}

// ProcessNext takes one job off the queue and runs it to completion. It reports false
// when the queue was empty.
func (p *Processor) ProcessNext(ctx context.Context, consumer string) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	job, ok, err := p.queue.Dequeue(ctx, consumer)
	if err != nil || !ok {
		return false, err
	}
	telemetry.JobsStarted.Inc()

	// Shutdown must not abandon a job mid-flight; only its own timeout bounds it.
	p.runJob(context.WithoutCancel(ctx), consumer, job)
	return true, nil
}

func (p *Processor) runJob(ctx context.Context, consumer string, job models.Job) {
	log := p.logger.With("consumer", consumer, "job_id", job.ID, "task", job.Task)
	log.InfoContext(ctx, "job started", "event", "job_started")

	handler, ok := p.handlers[job.Task]
	if !ok {
		p.fail(ctx, log, job, fmt.Sprintf("no handler registered for task %q", job.Task))
		return
	}

	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if job.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	result, err := handler(jobCtx, job)
	if err != nil {
		p.fail(ctx, log, job, err.Error())
		return
	}

	if err := p.queue.Finish(ctx, job.ID, result); err != nil {
		p.logEndError(ctx, log, err)
		return
	}
	log.InfoContext(ctx, "job finished", "event", "job_finished", "duration_ms", time.Since(start).Milliseconds())
}

func (p *Processor) fail(ctx context.Context, log *slog.Logger, job models.Job, reason string) {
	if err := p.queue.Fail(ctx, job.ID, reason); err != nil {
		p.logEndError(ctx, log, err)
		return
	}
	log.WarnContext(ctx, "job failed", "event", "job_failed", "error", reason)
}

func (p *Processor) logEndError(ctx context.Context, log *slog.Logger, err error) {
	if errors.Is(err, queue.ErrJobNotActive) {
		log.WarnContext(ctx, "job already ended", "event", "job_already_ended")
		return
	}
	log.ErrorContext(ctx, "record job outcome", "event", "job_outcome_write_failed", "error", err)
}
