package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/models"
)

const defaultFailureMessage = "generation failed"

// Transition describes a status change plus the fields that come with it.
type Transition struct {
	Status         models.JobStatus
	Mode           models.SubmissionMode
	RemoteJobID    string
	ResultImageURL string
	ResultKey      string
	ErrorMessage   string
	ErrorKind      models.FailureKind
}

func (s *SessionStore) jobIndexLocked(id string) int {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			return i
		}
	}
	return -1
}

// AddJob records a new job. It is usually queued; the sync path may add it already terminal.
func (s *SessionStore) AddJob(job models.TryOnJob) (models.TryOnJob, error) {
	const op = "add job"
	job = job.Clone()
	if job.ID == "" {
		job.ID = newID()
	}
	if len(job.GarmentIDs) == 0 {
		return models.TryOnJob{}, apperr.Validationf(op, "job needs at least one garment")
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	job.Settled = false
	if err := applyTerminalFields(op, &job, Transition{
		Status:         job.Status,
		ResultImageURL: job.ResultImageURL,
		ResultKey:      job.ResultKey,
		ErrorMessage:   job.ErrorMessage,
		ErrorKind:      job.ErrorKind,
	}, now); err != nil {
		return models.TryOnJob{}, err
	}

	s.mu.Lock()
	if s.jobIndexLocked(job.ID) >= 0 {
		s.mu.Unlock()
		return models.TryOnJob{}, apperr.Conflict(op, fmt.Errorf("%w: job %s", apperr.ErrAlreadyExists, job.ID))
	}
	if job.ProfileID != nil && s.profileIndexLocked(*job.ProfileID) < 0 {
		s.mu.Unlock()
		return models.TryOnJob{}, apperr.Validation(op, fmt.Errorf("%w: profile %s", apperr.ErrNotFound, *job.ProfileID))
	}
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()

	s.scheduleFlush()
	return job.Clone(), nil
}

// applyTerminalFields keeps resultImageUrl present iff completed and errorMessage iff failed.
func applyTerminalFields(op string, job *models.TryOnJob, t Transition, now time.Time) error {
	switch t.Status {
	case models.JobQueued, models.JobInProgress:
		job.ResultImageURL = ""
		job.ResultKey = ""
		job.ErrorMessage = ""
		job.ErrorKind = ""
		job.CompletedAt = nil
	case models.JobCompleted:
		if strings.TrimSpace(t.ResultImageURL) == "" {
			return apperr.Validationf(op, "completed job %s needs a result image url", job.ID)
		}
		job.ResultImageURL = t.ResultImageURL
		job.ResultKey = t.ResultKey
		job.ErrorMessage = ""
		job.ErrorKind = ""
		job.CompletedAt = &now
	case models.JobFailed:
		msg := strings.TrimSpace(t.ErrorMessage)
		if msg == "" {
			msg = defaultFailureMessage
		}
		job.ErrorMessage = msg
		job.ErrorKind = t.ErrorKind
		job.ResultImageURL = ""
		job.ResultKey = ""
		job.CompletedAt = &now
	default:
		return apperr.Validationf(op, "unknown job status %q", t.Status)
	}
	job.Status = t.Status
	return nil
}

// TransitionJob moves a job forward. Terminal jobs never move again; repeating the
// current non-terminal status only updates mode and remote id.
func (s *SessionStore) TransitionJob(id string, t Transition) (models.TryOnJob, error) {
	const op = "transition job"
	s.mu.Lock()
	idx := s.jobIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return models.TryOnJob{}, notFound(op, "job", id)
	}
	next := s.jobs[idx].Clone()
	if t.Mode != "" {
		next.Mode = t.Mode
	}
	if t.RemoteJobID != "" {
		next.RemoteJobID = t.RemoteJobID
	}
	if t.Status == "" {
		t.Status = next.Status
	}

	if t.Status != next.Status || next.Status.IsTerminal() {
		if !next.Status.CanTransition(t.Status) {
			s.mu.Unlock()
			return models.TryOnJob{}, apperr.Conflict(op,
				fmt.Errorf("%w: job %s %s -> %s", apperr.ErrInvalidTransition, id, next.Status, t.Status))
		}
		if err := applyTerminalFields(op, &next, t, s.now()); err != nil {
			s.mu.Unlock()
			return models.TryOnJob{}, err
		}
	}
	s.jobs[idx] = next
	s.mu.Unlock()

	s.scheduleFlush()
	return next.Clone(), nil
}

// CommitJob records the terminal outcome of a job.
func (s *SessionStore) CommitJob(id string, t Transition) (models.TryOnJob, error) {
	if !t.Status.IsTerminal() {
		return models.TryOnJob{}, apperr.Validationf("commit job", "status %q is not terminal", t.Status)
	}
	return s.TransitionJob(id, t)
}

// MarkSettled flags a terminal job as charged. It returns false if it already was.
func (s *SessionStore) MarkSettled(id string) (bool, error) {
	const op = "mark settled"
	s.mu.Lock()
	idx := s.jobIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false, notFound(op, "job", id)
	}
	job := &s.jobs[idx]
	if !job.Status.IsTerminal() {
		s.mu.Unlock()
		return false, apperr.Conflict(op, fmt.Errorf("%w: job %s is %s", apperr.ErrInvalidTransition, id, job.Status))
	}
	if job.Settled {
		s.mu.Unlock()
		return false, nil
	}
	job.Settled = true
	s.mu.Unlock()

	s.scheduleFlush()
	return true, nil
}

// DeleteJob removes the job and returns it so the caller can release its artifacts.
func (s *SessionStore) DeleteJob(id string) (models.TryOnJob, error) {
	s.mu.Lock()
	idx := s.jobIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return models.TryOnJob{}, notFound("delete job", "job", id)
	}
	removed := s.jobs[idx]
	s.jobs = append(s.jobs[:idx], s.jobs[idx+1:]...)
	s.mu.Unlock()

	s.scheduleFlush()
	return removed, nil
}

func (s *SessionStore) Job(id string) (models.TryOnJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.jobIndexLocked(id)
	if idx < 0 {
		return models.TryOnJob{}, notFound("get job", "job", id)
	}
	return s.jobs[idx].Clone(), nil
}

// Jobs returns every job in creation order.
func (s *SessionStore) Jobs() []models.TryOnJob {
	return s.filterJobs(func(models.TryOnJob) bool { return true })
}

// InFlightJobs returns jobs that have not reached a terminal state.
func (s *SessionStore) InFlightJobs() []models.TryOnJob {
	return s.filterJobs(func(j models.TryOnJob) bool { return !j.Status.IsTerminal() })
}

// CompletedJobs returns completed jobs, most recent first.
func (s *SessionStore) CompletedJobs() []models.TryOnJob {
	out := s.filterJobs(func(j models.TryOnJob) bool { return j.Status == models.JobCompleted })
	sortJobsByRecency(out)
	return out
}

// JobsPage returns one page of jobs with the given status (all when empty),
// most recent first, plus the total number of matches. Page is 1-based.
func (s *SessionStore) JobsPage(status models.JobStatus, page, limit int) ([]models.TryOnJob, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	matches := s.filterJobs(func(j models.TryOnJob) bool { return status == "" || j.Status == status })
	sortJobsByRecency(matches)
	total := len(matches)
	skip := (page - 1) * limit
	if skip >= total {
		return []models.TryOnJob{}, total
	}
	end := skip + limit
	if end > total {
		end = total
	}
	return matches[skip:end], total
}

func (s *SessionStore) filterJobs(keep func(models.TryOnJob) bool) []models.TryOnJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TryOnJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	return out
}
