package types

import "encoding/json"

// JobType names a registered background handler.
type JobType string

const (
	JobRetroAnalyze     JobType = "retro_analyze"
	JobProposalGenerate JobType = "proposal_generate"
)

// Valid reports whether t is a member of the closed job-type set.
func (t JobType) Valid() bool {
	switch t {
	case JobRetroAnalyze, JobProposalGenerate:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job has finished one way or the other.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is one queued background analysis. At most one job per
// (outcome_id, job_type) may be pending or running at a time.
type Job struct {
	ID              string          `json:"id"`
	OutcomeID       string          `json:"outcome_id,omitempty"`
	Type            JobType         `json:"job_type"`
	Status          JobStatus       `json:"status"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       int64           `json:"created_at"`
	StartedAt       int64           `json:"started_at,omitempty"`
	CompletedAt     int64           `json:"completed_at,omitempty"`
}
