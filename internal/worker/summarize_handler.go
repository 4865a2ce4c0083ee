package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"note-summarizer/internal/models"
	"note-summarizer/internal/store"
	"note-summarizer/internal/summarize"
	"note-summarizer/internal/telemetry"
)

// OutcomeKind tags the result of processing one summarize job.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
	// OutcomeVanished means the record was deleted or has moved on to another job.
	OutcomeVanished OutcomeKind = "vanished"
)

// FailureKind classifies why a job failed.
type FailureKind string

const (
	FailureSummarize FailureKind = "summarize"
	FailurePersist   FailureKind = "persist"
	FailureTimeout   FailureKind = "timeout"
)

// Failure is recorded as the broker job's error.
type Failure struct {
	Kind   FailureKind
	Detail string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

type Outcome struct {
	Kind    OutcomeKind
	Summary string
	Failure *Failure
}

// failureWriteTimeout bounds the status write made after the job context has expired.
const failureWriteTimeout = 5 * time.Second

// SummarizeHandler is the worker entry point for summarize_record jobs.
type SummarizeHandler struct {
	records    store.RecordStore
	summarizer summarize.Summarizer
	maxLength  int
	logger     *slog.Logger
}

func NewSummarizeHandler(records store.RecordStore, s summarize.Summarizer, maxLength int, logger *slog.Logger) *SummarizeHandler {
	return &SummarizeHandler{
		records:    records,
		summarizer: s,
		maxLength:  maxLength,
		logger:     logger.With("component", "summarize_handler"),
	}
}

// Handle adapts Process to the processor's Handler signature.
func (h *SummarizeHandler) Handle(ctx context.Context, job models.Job) (string, error) {
	var p models.SummarizePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	out := h.Process(ctx, job.ID, p.RecordID, p.Body)
	switch out.Kind {
	case OutcomeSucceeded:
		return out.Summary, nil
	case OutcomeFailed:
		return "", out.Failure
	default:
		return "", nil
	}
}

// Process summarizes body on behalf of jobID and writes the result back to the record.
// Every record write is conditioned on the record still belonging to jobID.
func (h *SummarizeHandler) Process(ctx context.Context, jobID string, recordID int64, body string) Outcome {
	log := h.logger.With("job_id", jobID, "record_id", recordID)

	err := h.records.Transition(ctx, recordID, jobID, []models.RecordStatus{models.RecordQueued}, models.RecordProcessing)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return h.vanished(ctx, log, "start", err)
	}
	if err != nil {
		return h.fail(ctx, log, recordID, jobID, &Failure{Kind: FailurePersist, Detail: err.Error()})
	}

	summary, err := h.summarize(ctx, body)
	if err != nil {
		kind := FailureSummarize
		if errors.Is(err, context.DeadlineExceeded) {
			kind = FailureTimeout
		}
		return h.fail(ctx, log, recordID, jobID, &Failure{Kind: kind, Detail: err.Error()})
	}

	err = h.records.CompleteSummary(ctx, recordID, jobID, summary)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return h.vanished(ctx, log, "complete", err)
	}
	if err != nil {
		kind := FailurePersist
		if errors.Is(err, context.DeadlineExceeded) {
			kind = FailureTimeout
		}
		return h.fail(ctx, log, recordID, jobID, &Failure{Kind: kind, Detail: err.Error()})
	}

	telemetry.JobsSucceeded.Inc()
	log.InfoContext(ctx, "summary stored", "event", "summary_stored", "words", len(strings.Fields(summary)))
	return Outcome{Kind: OutcomeSucceeded, Summary: summary}
}

func (h *SummarizeHandler) summarize(ctx context.Context, body string) (string, error) {
	if summarize.IsBlank(body) {
		return "", nil
	}
	bounds := summarize.BoundsFor(body, h.maxLength)
	start := time.Now()
	summary, err := h.summarizer.Summarize(ctx, body, bounds)
	telemetry.SummarizeSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	if len(strings.Fields(summary)) > bounds.Max {
		summary = summarize.Truncate(summary, bounds.Max)
	}
	return summary, nil
}

func (h *SummarizeHandler) vanished(ctx context.Context, log *slog.Logger, step string, err error) Outcome {
	telemetry.VanishedRecords.Inc()
	log.WarnContext(ctx, "record vanished", "event", "vanished_record", "step", step, "reason", err)
	return Outcome{Kind: OutcomeVanished}
}

// fail marks the record failed and leaves its summary alone. The write outlives the
// job context so a timed-out job still releases the record.
func (h *SummarizeHandler) fail(ctx context.Context, log *slog.Logger, recordID int64, jobID string, f *Failure) Outcome {
	telemetry.JobsFailed.WithLabelValues(string(f.Kind)).Inc()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()
	err := h.records.Transition(wctx, recordID, jobID, models.ActiveStatuses, models.RecordFailed)
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrConflict) {
		log.ErrorContext(ctx, "mark record failed", "event", "record_fail_write_failed", "error", err)
	}
	log.WarnContext(ctx, "summarization failed", "event", "summarize_failed", "kind", f.Kind, "error", f.Detail)
	return Outcome{Kind: OutcomeFailed, Failure: f}
}
