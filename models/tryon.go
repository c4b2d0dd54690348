package models

import (
	"time"
)

// JobStatus is the lifecycle state of a try-on job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition reports whether s may move to next. Terminal states never move.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobInProgress || next == JobCompleted || next == JobFailed
	case JobInProgress:
		return next == JobCompleted || next == JobFailed
	default:
		return false
	}
}

// SubmissionMode records how the inference collaborator answered job creation.
type SubmissionMode string

const (
	ModeSync    SubmissionMode = "sync"
	ModePolling SubmissionMode = "polling"
)

// FailureKind classifies why a job ended up failed.
type FailureKind string

const (
	FailureRemoteRejection FailureKind = "remote_rejection"
	FailureConnectivity    FailureKind = "connectivity"
	FailureTransport       FailureKind = "transport"
	FailureAuth            FailureKind = "auth"
	FailureValidation      FailureKind = "validation"
)

// TryOnJob represents one inference request/response pair
type TryOnJob struct {
	ID             string         `bson:"_id" json:"id"`
	ProfileID      *string        `bson:"profile_id,omitempty" json:"profile_id,omitempty"` // nulled when the profile is deleted
	GarmentIDs     []string       `bson:"garment_ids" json:"garment_ids"`
	Status         JobStatus      `bson:"status" json:"status"`
	Mode           SubmissionMode `bson:"mode,omitempty" json:"mode,omitempty"`
	RemoteJobID    string         `bson:"remote_job_id,omitempty" json:"remote_job_id,omitempty"`
	ResultImageURL string         `bson:"result_image_url,omitempty" json:"result_image_url,omitempty"`
	ResultKey      string         `bson:"result_key,omitempty" json:"result_key,omitempty"` // storage key when we host the artifact
	ErrorMessage   string         `bson:"error_message,omitempty" json:"error_message,omitempty"`
	ErrorKind      FailureKind    `bson:"error_kind,omitempty" json:"error_kind,omitempty"`
	StyleNote      string         `bson:"style_note,omitempty" json:"style_note,omitempty"`
	Settled        bool           `bson:"settled" json:"settled"`
	CreatedAt      time.Time      `bson:"created_at" json:"created_at"`
	CompletedAt    *time.Time     `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (j TryOnJob) Clone() TryOnJob {
	out := j
	out.GarmentIDs = append([]string(nil), j.GarmentIDs...)
	if j.ProfileID != nil {
		id := *j.ProfileID
		out.ProfileID = &id
	}
	if j.CompletedAt != nil {
		at := *j.CompletedAt
		out.CompletedAt = &at
	}
	return out
}
