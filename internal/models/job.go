package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates the broker's job lifecycle states.
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobStarted  JobStatus = "started"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
)

// TaskSummarizeRecord is the task name the worker registers the summarize entry point under.
const TaskSummarizeRecord = "summarize_record"

// Job is the broker's view of one unit of work.
type Job struct {
	ID         string          `json:"id"`
	Task       string          `json:"task"`
	Payload    json.RawMessage `json:"payload"`
	Status     JobStatus       `json:"status"`
	Result     *string         `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timeout    time.Duration   `json:"timeout"`
	WorkerID   string          `json:"worker,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	EndedAt    time.Time       `json:"ended_at,omitempty"`
}

// SummarizePayload is the frozen input of a summarize job, snapshotted at submission.
type SummarizePayload struct {
	RecordID int64  `json:"record_id"`
	Body     string `json:"body"`
}

// JobView is the caller-facing projection returned by polling.
type JobView struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
	Result *string   `json:"result"`
}
