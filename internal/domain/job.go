package domain

import (
	"slices"
	"time"
)

// JobStatus represents the processing state of a job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusError      JobStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no transition can leave s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusError
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusError
	}
	return false
}

// Job is one submitted file's tracked processing attempt.
type Job struct {
	ID          string    `json:"id"`
	SourceName  string    `json:"source_name"`
	SourcePath  string    `json:"source_path"`
	Status      JobStatus `json:"status"`
	Progress    int       `json:"progress"`
	Error       string    `json:"error,omitempty"`
	OutputFiles []string  `json:"output_files,omitempty"`
	RemoteJobID string    `json:"remote_job_id,omitempty"`
	Submitting  bool      `json:"submitting,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CanSubmit returns true if the job has never been handed to the remote service.
func (j *Job) CanSubmit() bool {
	return j.Status == StatusPending && !j.Submitting && j.RemoteJobID == ""
}

// CanPoll returns true if the job is being processed remotely.
func (j *Job) CanPoll() bool {
	return j.Status == StatusProcessing && j.RemoteJobID != ""
}

// Clone returns a copy that shares no slices with j.
func (j Job) Clone() Job {
	j.OutputFiles = slices.Clone(j.OutputFiles)
	return j
}
