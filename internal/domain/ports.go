package domain

import "context"

// JobSnapshot is the processing service's view of a job.
type JobSnapshot struct {
	JobID       string    `json:"job_id"`
	Status      JobStatus `json:"status"`
	Progress    int       `json:"progress"`
	Error       string    `json:"error,omitempty"`
	OutputFiles []string  `json:"output_files,omitempty"`
}

// Health is the processing service's health report.
type Health struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Gateway is the driven port for the remote processing service.
type Gateway interface {
	Health(ctx context.Context) (*Health, error)
	Profiles(ctx context.Context) ([]Profile, error)
	Submit(ctx context.Context, file SourceFile, cfg ProcessingConfiguration) (string, error)
	Status(ctx context.Context, remoteJobID string) (*JobSnapshot, error)
	Cancel(ctx context.Context, remoteJobID string) error
}

// HistoryRepository is the driven port for recording finished jobs.
type HistoryRepository interface {
	Record(ctx context.Context, job Job) error
	List(ctx context.Context, limit int) ([]Job, error)
}
