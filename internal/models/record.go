package models

import "time"

// RecordStatus is the summarization state persisted on a record.
type RecordStatus string

const (
	RecordNew        RecordStatus = "new"
	RecordQueued     RecordStatus = "queued"
	RecordProcessing RecordStatus = "processing"
	RecordDone       RecordStatus = "done"
	RecordFailed     RecordStatus = "failed"
)

// SubmittableStatuses are the states a fresh summarization request may start from.
var SubmittableStatuses = []RecordStatus{RecordNew, RecordDone, RecordFailed}

// ActiveStatuses are the states in which a job is outstanding for the record.
var ActiveStatuses = []RecordStatus{RecordQueued, RecordProcessing}

// Record is a user-owned note with its latest summary.
type Record struct {
	ID        int64        `json:"id"`
	OwnerID   string       `json:"owner_id"`
	Kind      string       `json:"kind"`
	Title     string       `json:"title"`
	Status    RecordStatus `json:"status"`
	Body      string       `json:"body"`
	Summary   string       `json:"summary"`
	JobID     string       `json:"job_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RecordUpdate carries the caller-editable fields. Nil means unchanged.
type RecordUpdate struct {
	Kind  *string
	Title *string
	Body  *string
}

// Valid reports whether s is a known status.
func (s RecordStatus) Valid() bool {
	switch s {
	case RecordNew, RecordQueued, RecordProcessing, RecordDone, RecordFailed:
		return true
	}
	return false
}

// Active reports whether a job is outstanding in this state.
func (s RecordStatus) Active() bool {
	return s == RecordQueued || s == RecordProcessing
}

// CanSubmit reports whether a new summarization job may be started from s.
func CanSubmit(s RecordStatus) bool {
	switch s {
	case RecordNew, RecordDone, RecordFailed:
		return true
	default:
		return false
	}
}

// ValidTransition enforces the record status state machine edges.
// queued -> failed covers jobs that end before a worker marks them processing,
// e.g. a timeout or a store error on pickup.
func ValidTransition(from, to RecordStatus) bool {
	switch from {
	case RecordNew, RecordDone, RecordFailed:
		return to == RecordQueued
	case RecordQueued:
		return to == RecordProcessing || to == RecordFailed
	case RecordProcessing:
		return to == RecordDone || to == RecordFailed
	default:
		return false
	}
}

// StatusStrings converts statuses for use as a SQL text array.
func StatusStrings(statuses []RecordStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
