// Package jobs drives try-on jobs from submission to a terminal state.
//
// Both completion modes share one state machine. Submit returns a Submission that is
// either Inline (the compositor answered with the result) or Deferred (it answered with
// a remote job id); AwaitOutcome resolves either kind, so callers never branch on mode.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/inference"
	"github.com/raushankrgupta/fitly-tryon/logger"
	"github.com/raushankrgupta/fitly-tryon/metrics"
	"github.com/raushankrgupta/fitly-tryon/models"
	"github.com/raushankrgupta/fitly-tryon/store"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPollInterval         = 3 * time.Second
	DefaultMaxConsecutiveErrors = 5
	DefaultSubmitTimeout        = 5 * time.Minute
)

// Outcome is the terminal result of a job.
type Outcome struct {
	JobID          string
	Status         models.JobStatus
	ResultImageURL string
	ErrorMessage   string
	ErrorKind      models.FailureKind
}

func (o Outcome) Completed() bool { return o.Status == models.JobCompleted }

// Err returns the typed error behind a failed outcome, nil when completed.
func (o Outcome) Err() error {
	if o.Status != models.JobFailed {
		return nil
	}
	return apperr.New(kindOf(o.ErrorKind), "try-on "+o.JobID, errors.New(o.ErrorMessage))
}

func outcomeOf(job models.TryOnJob) Outcome {
	return Outcome{
		JobID:          job.ID,
		Status:         job.Status,
		ResultImageURL: job.ResultImageURL,
		ErrorMessage:   job.ErrorMessage,
		ErrorKind:      job.ErrorKind,
	}
}

// Handle identifies a job the compositor is still working on.
type Handle struct {
	JobID       string
	RemoteJobID string
}

// Submission is Inline(Outcome) or Deferred(Handle).
type Submission struct {
	JobID    string
	outcome  *Outcome
	deferred *Handle
}

func Inline(o Outcome) Submission {
	return Submission{JobID: o.JobID, outcome: &o}
}

func Deferred(h Handle) Submission {
	return Submission{JobID: h.JobID, deferred: &h}
}

func (s Submission) IsInline() bool { return s.outcome != nil }

func (s Submission) Outcome() (Outcome, bool) {
	if s.outcome == nil {
		return Outcome{}, false
	}
	return *s.outcome, true
}

func (s Submission) Handle() (Handle, bool) {
	if s.deferred == nil {
		return Handle{}, false
	}
	return *s.deferred, true
}

type Config struct {
	PollInterval         time.Duration
	MaxConsecutiveErrors int
	// SubmitTimeout bounds the create call. The caller's cancellation does not reach it.
	SubmitTimeout time.Duration
}

// Machine is the only writer of job status.
type Machine struct {
	store   *store.SessionStore
	collab  inference.Collaborator
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics

	polls    singleflight.Group
	mu       sync.Mutex
	resolved map[string]Outcome
}

func New(s *store.SessionStore, collab inference.Collaborator, cfg Config, log *logger.Logger, m *metrics.Metrics) *Machine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	return &Machine{
		store:    s,
		collab:   collab,
		cfg:      cfg,
		log:      logger.OrNop(log).With("component", "job_machine"),
		metrics:  m,
		resolved: make(map[string]Outcome),
	}
}

// Submit sends req for a queued job. Compositor failures end the job as failed and are
// reported through the inline outcome; the returned error covers only local
// preconditions (unknown job, job not queued). ctx is only read for its values.
func (m *Machine) Submit(ctx context.Context, jobID string, req models.CompositionRequest) (Submission, error) {
	const op = "submit job"
	job, err := m.store.Job(jobID)
	if err != nil {
		return Submission{}, err
	}
	if job.Status != models.JobQueued {
		return Submission{}, apperr.Conflict(op, fmt.Errorf("%w: job %s is %s", apperr.ErrInvalidTransition, jobID, job.Status))
	}

	// Once the request is sent the compositor may already be generating, so the
	// caller giving up must not abandon the answer or its charge.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.SubmitTimeout)
	defer cancel()
	res, err := m.collab.Create(cctx, req)
	if err != nil {
		m.log.Warn("compositor call failed", "job_id", jobID, "error", err)
		msg := err.Error()
		if isContextErr(err) {
			msg = fmt.Sprintf("compositor did not answer within %s", m.cfg.SubmitTimeout)
		}
		out, ferr := m.finish(jobID, store.Transition{
			Status:       models.JobFailed,
			Mode:         models.ModeSync,
			ErrorMessage: msg,
			ErrorKind:    failureKindOf(err),
		})
		if ferr != nil {
			return Submission{}, ferr
		}
		return Inline(out), nil
	}

	if res.Async() {
		if _, err := m.store.TransitionJob(jobID, store.Transition{
			Status:      models.JobQueued,
			Mode:        models.ModePolling,
			RemoteJobID: res.RemoteJobID,
		}); err != nil {
			return Submission{}, err
		}
		m.metrics.JobSubmitted(string(models.ModePolling))
		m.log.Info("job accepted for polling", "job_id", jobID, "remote_job_id", res.RemoteJobID)
		return Deferred(Handle{JobID: jobID, RemoteJobID: res.RemoteJobID}), nil
	}

	m.metrics.JobSubmitted(string(models.ModeSync))
	t := store.Transition{Mode: models.ModeSync}
	if res.Success {
		t.Status = models.JobCompleted
		t.ResultImageURL = res.ResultImageURL
		t.ResultKey = res.ResultKey
	} else {
		t.Status = models.JobFailed
		t.ErrorMessage = res.Error
		t.ErrorKind = models.FailureRemoteRejection
	}
	out, err := m.finish(jobID, t)
	if err != nil {
		return Submission{}, err
	}
	return Inline(out), nil
}

// AwaitOutcome resolves any Submission to its terminal Outcome.
func (m *Machine) AwaitOutcome(ctx context.Context, sub Submission) (Outcome, error) {
	if out, ok := sub.Outcome(); ok {
		return out, nil
	}
	h, ok := sub.Handle()
	if !ok {
		return Outcome{}, apperr.Validationf("await outcome", "empty submission")
	}
	return m.PollUntilTerminal(ctx, h.JobID)
}

// PollUntilTerminal polls the compositor until the job is terminal, the consecutive
// transport error cap is reached, or ctx is cancelled. Concurrent callers for the
// same job share one poll and every caller sees the same outcome. Cancellation
// leaves the job untouched.
func (m *Machine) PollUntilTerminal(ctx context.Context, jobID string) (Outcome, error) {
	if out, ok := m.memo(jobID); ok {
		return out, nil
	}
	for {
		ch := m.polls.DoChan(jobID, func() (interface{}, error) {
			return m.poll(ctx, jobID)
		})
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case r := <-ch:
			if r.Err != nil {
				// The caller that owned the shared poll went away; take over.
				if isContextErr(r.Err) && ctx.Err() == nil {
					continue
				}
				return Outcome{}, r.Err
			}
			return r.Val.(Outcome), nil
		}
	}
}

func (m *Machine) poll(ctx context.Context, jobID string) (Outcome, error) {
	job, err := m.store.Job(jobID)
	if err != nil {
		return Outcome{}, err
	}
	if job.Status.IsTerminal() {
		return m.remember(outcomeOf(job)), nil
	}
	if job.RemoteJobID == "" {
		return Outcome{}, apperr.Validationf("poll job", "job %s was never accepted by the compositor", jobID)
	}
	log := m.log.With("job_id", jobID, "remote_job_id", job.RemoteJobID)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			log.Debug("polling abandoned", "error", ctx.Err())
			return Outcome{}, ctx.Err()
		case <-ticker.C:
		}

		st, err := m.collab.Status(ctx, job.RemoteJobID)
		if err != nil {
			if isContextErr(err) {
				return Outcome{}, err
			}
			if !apperr.IsRetryable(err) {
				log.Warn("status check failed", "error", err)
				return m.finish(jobID, store.Transition{
					Status:       models.JobFailed,
					ErrorMessage: err.Error(),
					ErrorKind:    failureKindOf(err),
				})
			}
			failures++
			m.metrics.PollError()
			log.Warn("status check transport error", "consecutive", failures, "error", err)
			if failures >= m.cfg.MaxConsecutiveErrors {
				return m.finish(jobID, store.Transition{
					Status:       models.JobFailed,
					ErrorMessage: fmt.Sprintf("lost connection to the compositor after %d attempts: %v", failures, err),
					ErrorKind:    models.FailureConnectivity,
				})
			}
			continue
		}
		failures = 0

		switch st.Status {
		case inference.StatusQueued:
		case inference.StatusInProgress:
			if _, err := m.store.TransitionJob(jobID, store.Transition{Status: models.JobInProgress}); err != nil {
				if out, ok := m.terminalFromStore(jobID); ok {
					return out, nil
				}
				return Outcome{}, err
			}
		case inference.StatusCompleted:
			if st.ResultImageURL == "" {
				return m.finish(jobID, store.Transition{
					Status:       models.JobFailed,
					ErrorMessage: "compositor reported completion without a result",
					ErrorKind:    models.FailureRemoteRejection,
				})
			}
			return m.finish(jobID, store.Transition{Status: models.JobCompleted, ResultImageURL: st.ResultImageURL})
		case inference.StatusFailed:
			return m.finish(jobID, store.Transition{
				Status:       models.JobFailed,
				ErrorMessage: st.ErrorMessage,
				ErrorKind:    models.FailureRemoteRejection,
			})
		}
	}
}

// finish commits a terminal transition. If the job already reached a terminal state
// elsewhere, that state wins.
func (m *Machine) finish(jobID string, t store.Transition) (Outcome, error) {
	job, err := m.store.CommitJob(jobID, t)
	if err != nil {
		if out, ok := m.terminalFromStore(jobID); ok {
			return out, nil
		}
		return Outcome{}, err
	}
	kind := string(job.ErrorKind)
	elapsed := time.Duration(0)
	if job.CompletedAt != nil {
		elapsed = job.CompletedAt.Sub(job.CreatedAt)
	}
	m.metrics.JobTerminal(string(job.Status), kind, elapsed)
	m.log.Info("job finished", "job_id", jobID, "status", job.Status, "error_kind", kind)
	return m.remember(outcomeOf(job)), nil
}

func (m *Machine) terminalFromStore(jobID string) (Outcome, bool) {
	job, err := m.store.Job(jobID)
	if err != nil || !job.Status.IsTerminal() {
		return Outcome{}, false
	}
	return m.remember(outcomeOf(job)), true
}

func (m *Machine) memo(jobID string) (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.resolved[jobID]
	return out, ok
}

func (m *Machine) remember(out Outcome) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.resolved[out.JobID]; ok {
		return prev
	}
	m.resolved[out.JobID] = out
	return out
}

// Abandon fails a queued job the compositor never accepted, such as one whose
// submission was interrupted by a restart.
func (m *Machine) Abandon(jobID, reason string) (Outcome, error) {
	job, err := m.store.Job(jobID)
	if err != nil {
		return Outcome{}, err
	}
	if job.Status.IsTerminal() {
		return m.remember(outcomeOf(job)), nil
	}
	if job.RemoteJobID != "" {
		return Outcome{}, apperr.Conflict("abandon job", fmt.Errorf("%w: job %s was accepted as %s", apperr.ErrInvalidTransition, jobID, job.RemoteJobID))
	}
	return m.finish(jobID, store.Transition{
		Status:       models.JobFailed,
		ErrorMessage: reason,
		ErrorKind:    models.FailureTransport,
	})
}

// Forget drops the memoized outcome of a deleted job.
func (m *Machine) Forget(jobID string) {
	m.mu.Lock()
	delete(m.resolved, jobID)
	m.mu.Unlock()
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func failureKindOf(err error) models.FailureKind {
	switch apperr.KindOf(err) {
	case apperr.KindAuth:
		return models.FailureAuth
	case apperr.KindValidation, apperr.KindNotFound:
		return models.FailureValidation
	case apperr.KindRemoteRejection:
		return models.FailureRemoteRejection
	case apperr.KindConnectivity:
		return models.FailureConnectivity
	default:
		return models.FailureTransport
	}
}

func kindOf(f models.FailureKind) apperr.Kind {
	switch f {
	case models.FailureAuth:
		return apperr.KindAuth
	case models.FailureValidation:
		return apperr.KindValidation
	case models.FailureConnectivity:
		return apperr.KindConnectivity
	case models.FailureTransport:
		return apperr.KindTransport
	default:
		return apperr.KindRemoteRejection
	}
}
