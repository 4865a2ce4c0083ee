package store

import (
	"context"
	"errors"
	"fmt"

	"note-summarizer/internal/models"
)

var (
	// ErrNotFound is returned when the record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update's precondition does not hold.
	ErrConflict = errors.New("record state conflict")
	// ErrInvalidTransition is returned for status changes the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

func checkTransition(from []models.RecordStatus, to models.RecordStatus) error {
	for _, f := range from {
		if !models.ValidTransition(f, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f, to)
		}
	}
	return nil
}

// Claim is the result of a successful submission claim.
type Claim struct {
	// Body is the snapshot taken in the same statement that flipped the status.
	Body        string
	PriorStatus models.RecordStatus
	PriorJobID  string
}

// RecordStore persists records. Every status mutation is a single conditional update;
// implementations never read-then-write.
type RecordStore interface {
	Create(ctx context.Context, rec models.Record) (models.Record, error)
	Get(ctx context.Context, id int64) (models.Record, error)
	// List returns records owned by ownerID, or all records when ownerID is empty.
	List(ctx context.Context, ownerID string) ([]models.Record, error)
	Update(ctx context.Context, id int64, upd models.RecordUpdate) (models.Record, error)
	Delete(ctx context.Context, id int64) error

	// ClaimForSubmission sets status=queued and job_id=jobID when the record is in a
	// submittable state. ErrNotFound if missing, ErrConflict if a job is outstanding.
	ClaimForSubmission(ctx context.Context, id int64, jobID string) (Claim, error)
	// RevertSubmission undoes a claim whose enqueue failed, if the record still belongs to jobID and is queued.
	RevertSubmission(ctx context.Context, id int64, jobID string, prior models.RecordStatus, priorJobID string) error
	// Transition moves the record to `to` if it belongs to jobID and its status is one of from.
	Transition(ctx context.Context, id int64, jobID string, from []models.RecordStatus, to models.RecordStatus) error
	// CompleteSummary writes the summary and status=done together, if the record belongs to jobID and is processing.
	CompleteSummary(ctx context.Context, id int64, jobID, summary string) error
}
