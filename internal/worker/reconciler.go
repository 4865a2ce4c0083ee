package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"note-summarizer/internal/models"
	"note-summarizer/internal/queue"
	"note-summarizer/internal/store"
	"note-summarizer/internal/telemetry"
)

const reconcileBatch = 100

// Broker is the slice of the queue the reconciler needs: expiring overdue jobs and
// draining failures whose record may still be outstanding.
type Broker interface {
	ExpireTimedOut(ctx context.Context, now time.Time, limit int64) ([]models.Job, error)
	UnreconciledFailures(ctx context.Context, count int64) ([]string, error)
	MarkReconciled(ctx context.Context, jobID string) error
	Fetch(ctx context.Context, jobID string) (models.Job, error)
}

// Reconciler releases records whose job failed without the record being marked failed:
// the job timed out because the worker died, or the worker's own record write was lost.
type Reconciler struct {
	queue    Broker
	records  store.RecordStore
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewReconciler(q Broker, records store.RecordStore, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reconciler{
		queue:    q,
		records:  records,
		interval: interval,
		logger:   logger.With("component", "reconciler"),
		now:      time.Now,
	}
}

// Run sweeps once immediately and then every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "reconcile sweep failed", "event", "reconcile_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep fails every overdue job, then marks the record of every unreconciled failed job
// failed. It returns how many records it released.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	expired := 0
	for {
		// Expired jobs land in the unreconciled set and are released below.
		jobs, err := r.queue.ExpireTimedOut(ctx, r.now(), reconcileBatch)
		expired += len(jobs)
		if err != nil {
			return 0, err
		}
		if len(jobs) < reconcileBatch {
			break
		}
	}
	if expired > 0 {
		r.logger.InfoContext(ctx, "timed-out jobs expired", "event", "jobs_expired", "count", expired)
	}

	released := 0
	for {
		ids, err := r.queue.UnreconciledFailures(ctx, reconcileBatch)
		if err != nil {
			return released, fmt.Errorf("list unreconciled failures: %w", err)
		}
		acked := 0
		for _, id := range ids {
			ok, done := r.reconcile(ctx, id)
			if ok {
				released++
			}
			if !done {
				continue
			}
			if err := r.queue.MarkReconciled(ctx, id); err != nil {
				return released, fmt.Errorf("mark job %s reconciled: %w", id, err)
			}
			acked++
		}
		// Ids kept for retry would come back in the next batch; leave them to the next sweep.
		if len(ids) < reconcileBatch || acked < len(ids) {
			break
		}
	}
	if released > 0 {
		telemetry.JobsReconciled.Add(float64(released))
		r.logger.InfoContext(ctx, "failed jobs reconciled", "event", "reconcile_sweep", "count", released)
	}
	return released, nil
}

// reconcile settles the record behind a failed job. released reports whether the record
// was marked failed; done reports whether the job can leave the unreconciled set.
func (r *Reconciler) reconcile(ctx context.Context, jobID string) (released, done bool) {
	job, err := r.queue.Fetch(ctx, jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return false, true
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "fetch failed job", "event", "reconcile_fetch_failed", "job_id", jobID, "error", err)
		return false, false
	}
	if job.Task != models.TaskSummarizeRecord {
		return false, true
	}
	return r.release(ctx, job)
}

func (r *Reconciler) release(ctx context.Context, job models.Job) (released, done bool) {
	log := r.logger.With("job_id", job.ID)
	var p models.SummarizePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		log.WarnContext(ctx, "undecodable payload", "event", "reconcile_skip", "error", err)
		return false, true
	}
	log = log.With("record_id", p.RecordID)

	err := r.records.Transition(ctx, p.RecordID, job.ID, models.ActiveStatuses, models.RecordFailed)
	switch {
	case err == nil:
		log.WarnContext(ctx, "record failed after job failure", "event", "record_reconciled", "reason", job.Error)
		return true, true
	case errors.Is(err, store.ErrNotFound):
		log.DebugContext(ctx, "record deleted", "event", "reconcile_noop")
		return false, true
	case errors.Is(err, store.ErrConflict):
		r.conflict(ctx, log, p.RecordID, job)
		return false, true
	default:
		log.ErrorContext(ctx, "mark record failed", "event", "reconcile_write_failed", "error", err)
		return false, false
	}
}

// conflict covers a record that is no longer active for job. Usually it was already
// settled or moved on to a newer job; a done record owned by a timed-out job means the
// summary landed after the deadline and the broker disagrees with the record.
func (r *Reconciler) conflict(ctx context.Context, log *slog.Logger, recordID int64, job models.Job) {
	rec, err := r.records.Get(ctx, recordID)
	if err == nil && rec.JobID == job.ID && rec.Status == models.RecordDone && job.Error == queue.TimeoutReason {
		telemetry.LateCompletions.Inc()
		log.WarnContext(ctx, "job timed out after the record completed", "event", "job_timed_out_after_completion")
		return
	}
	log.DebugContext(ctx, "record not owned by failed job", "event", "reconcile_noop")
}
