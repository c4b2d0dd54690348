// Package inference talks to the try-on compositor.
package inference

import (
	"context"

	"github.com/raushankrgupta/fitly-tryon/models"
)

// RemoteStatus is the status vocabulary of the async status endpoint.
type RemoteStatus string

const (
	StatusQueued     RemoteStatus = "QUEUED"
	StatusInProgress RemoteStatus = "IN_PROGRESS"
	StatusCompleted  RemoteStatus = "COMPLETED"
	StatusFailed     RemoteStatus = "FAILED"
)

// JobStatus maps a remote status onto the local lifecycle.
func (s RemoteStatus) JobStatus() (models.JobStatus, bool) {
	switch s {
	case StatusQueued:
		return models.JobQueued, true
	case StatusInProgress:
		return models.JobInProgress, true
	case StatusCompleted:
		return models.JobCompleted, true
	case StatusFailed:
		return models.JobFailed, true
	}
	return "", false
}

// CreateResult is the answer to job creation. Exactly one shape applies:
// RemoteJobID set means the job runs asynchronously; otherwise Success and
// ResultImageURL or Error carry the finished outcome.
type CreateResult struct {
	RemoteJobID    string
	Success        bool
	ResultImageURL string
	ResultKey      string
	Error          string
}

func (r CreateResult) Async() bool { return r.RemoteJobID != "" }

type StatusResult struct {
	Status         RemoteStatus
	ResultImageURL string
	ErrorMessage   string
}

// Collaborator creates composition jobs and reports on async ones.
type Collaborator interface {
	Create(ctx context.Context, req models.CompositionRequest) (CreateResult, error)
	Status(ctx context.Context, remoteJobID string) (StatusResult, error)
}
