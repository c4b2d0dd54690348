// Package tryon wires uploads, the credit ledger and the job state machine into one
// submit-and-settle flow.
package tryon

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/catalog"
	"github.com/raushankrgupta/fitly-tryon/compose"
	"github.com/raushankrgupta/fitly-tryon/jobs"
	"github.com/raushankrgupta/fitly-tryon/ledger"
	"github.com/raushankrgupta/fitly-tryon/logger"
	"github.com/raushankrgupta/fitly-tryon/models"
	"github.com/raushankrgupta/fitly-tryon/notify"
	"github.com/raushankrgupta/fitly-tryon/store"
	"github.com/raushankrgupta/fitly-tryon/uploader"
	"golang.org/x/sync/errgroup"
)

// MediaUploader is the part of *uploader.Uploader the service needs.
type MediaUploader interface {
	Upload(ctx context.Context, bucket, localURI, ownerID string) (string, error)
	UploadBytes(ctx context.Context, bucket, ownerID string, data []byte, ext string) (string, error)
	URL(ctx context.Context, bucket, key string) (string, error)
	Delete(ctx context.Context, bucket, key string) error
}

type Buckets struct {
	Profiles string
	Garments string
	Results  string
}

type StartRequest struct {
	ProfileID  string   `json:"profile_id,omitempty"`
	GarmentIDs []string `json:"garment_ids"`
	StyleNote  string   `json:"style_note,omitempty"`
}

type Service struct {
	store    *store.SessionStore
	ledger   *ledger.CreditLedger
	machine  *jobs.Machine
	uploader MediaUploader
	importer *catalog.Importer
	notifier notify.Notifier
	assets   compose.AssetResolver
	buckets  Buckets
	log      *logger.Logger

	mu        sync.Mutex
	held      map[string]*ledger.Reservation // by job id
	following map[string]bool
	bg        sync.WaitGroup

	life context.Context
	stop context.CancelFunc
}

func New(
	s *store.SessionStore,
	l *ledger.CreditLedger,
	m *jobs.Machine,
	up MediaUploader,
	importer *catalog.Importer,
	notifier notify.Notifier,
	assets compose.AssetResolver,
	buckets Buckets,
	log *logger.Logger,
) *Service {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	life, stop := context.WithCancel(context.Background())
	return &Service{
		store:    s,
		ledger:   l,
		machine:  m,
		uploader: up,
		importer: importer,
		notifier: notifier,
		assets:   assets,
		buckets:  buckets,
		log:      logger.OrNop(log).With("component", "tryon_service"),
		held:      make(map[string]*ledger.Reservation),
		following: make(map[string]bool),
		life:      life,
		stop:      stop,
	}
}

// Start validates the selection, reserves the profile, uploads local media and submits
// the job. Nothing is written to the job list unless every upload succeeded.
func (s *Service) Start(ctx context.Context, req StartRequest) (jobs.Submission, *models.TryOnJob, error) {
	const op = "start try-on"

	profile, err := s.resolveProfile(req.ProfileID)
	if err != nil {
		return jobs.Submission{}, nil, err
	}
	garments, err := s.store.SelectGarments(req.GarmentIDs)
	if err != nil {
		return jobs.Submission{}, nil, err
	}

	res, err := s.ledger.Reserve(profile.ID)
	if err != nil {
		return jobs.Submission{}, nil, err
	}
	release := true
	defer func() {
		if release {
			res.Release()
		}
	}()

	profile, garments, err = s.uploadMedia(ctx, profile, garments)
	if err != nil {
		s.log.Warn("media upload failed, nothing submitted", "profile_id", profile.ID, "error", err)
		return jobs.Submission{}, nil, err
	}

	resolved, err := s.assets.ResolveAssets(garments)
	if err != nil {
		return jobs.Submission{}, nil, err
	}
	compReq, err := compose.Build(profile, resolved, req.StyleNote)
	if err != nil {
		return jobs.Submission{}, nil, err
	}

	profileID := profile.ID
	job, err := s.store.AddJob(models.TryOnJob{
		ProfileID:  &profileID,
		GarmentIDs: req.GarmentIDs,
		Status:     models.JobQueued,
		StyleNote:  compReq.StyleNote,
	})
	if err != nil {
		return jobs.Submission{}, nil, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	s.held[job.ID] = res
	s.mu.Unlock()
	release = false

	sub, err := s.machine.Submit(ctx, job.ID, compReq)
	if err != nil {
		s.finalize(job.ID)
		return jobs.Submission{}, nil, err
	}
	if out, ok := sub.Outcome(); ok {
		s.settle(ctx, out)
	}

	latest, err := s.store.Job(job.ID)
	if err != nil {
		return sub, &job, nil
	}
	return sub, &latest, nil
}

// Await resolves the submission, settles the ledger once and releases the profile.
// If ctx ends first the profile stays reserved and the job is followed in the
// background until it settles.
func (s *Service) Await(ctx context.Context, sub jobs.Submission) (jobs.Outcome, error) {
	out, err := s.machine.AwaitOutcome(ctx, sub)
	if err != nil {
		s.handOff(ctx, sub.JobID)
		return jobs.Outcome{}, err
	}
	s.settle(ctx, out)
	return out, nil
}

// AwaitAsync settles a deferred submission in the background, detached from ctx's
// cancellation.
func (s *Service) AwaitAsync(ctx context.Context, sub jobs.Submission) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if _, err := s.Await(context.WithoutCancel(ctx), sub); err != nil {
			s.log.Warn("background await failed", "job_id", sub.JobID, "error", err)
		}
	}()
}

// Run is Start followed by Await.
func (s *Service) Run(ctx context.Context, req StartRequest) (jobs.Outcome, error) {
	sub, _, err := s.Start(ctx, req)
	if err != nil {
		return jobs.Outcome{}, err
	}
	return s.Await(ctx, sub)
}

// Resume polls a job that is still in flight, for example after a restart. The job's
// profile is reserved again until it settles.
func (s *Service) Resume(ctx context.Context, jobID string) (jobs.Outcome, error) {
	if err := s.hold(jobID); err != nil {
		return jobs.Outcome{}, err
	}
	out, err := s.machine.PollUntilTerminal(ctx, jobID)
	if err != nil {
		s.handOff(ctx, jobID)
		return jobs.Outcome{}, err
	}
	s.settle(ctx, out)
	return out, nil
}

// ResumeInFlight is meant for startup, before any submission. It resumes every
// polling job found in the store in the background and fails queued jobs the
// compositor never accepted, since nothing will ever move them.
func (s *Service) ResumeInFlight(ctx context.Context) int {
	n := 0
	for _, job := range s.store.InFlightJobs() {
		if job.RemoteJobID == "" {
			out, err := s.machine.Abandon(job.ID, "submission was interrupted before the compositor accepted it")
			if err != nil {
				s.log.Warn("could not fail interrupted job", "job_id", job.ID, "error", err)
				continue
			}
			s.settle(ctx, out)
			continue
		}
		if err := s.hold(job.ID); err != nil {
			s.log.Warn("resumed job runs without a reservation", "job_id", job.ID, "error", err)
		}
		n++
		s.bg.Add(1)
		go func(id string) {
			defer s.bg.Done()
			out, err := s.machine.PollUntilTerminal(ctx, id)
			if err != nil {
				s.finalize(id)
				s.log.Warn("resume failed", "job_id", id, "error", err)
				return
			}
			s.settle(ctx, out)
		}(job.ID)
	}
	return n
}

// Stop ends background polls started for abandoned waits. Their jobs stay in
// flight in the store and are resumed on the next start.
func (s *Service) Stop() {
	s.stop()
}

// DeleteJob removes the record; its stored result is deleted in the background.
func (s *Service) DeleteJob(ctx context.Context, jobID string) (models.TryOnJob, error) {
	job, err := s.store.Job(jobID)
	if err != nil {
		return models.TryOnJob{}, err
	}
	if !job.Status.IsTerminal() {
		return models.TryOnJob{}, apperr.Conflict("delete job", fmt.Errorf("%w: job %s is still %s", apperr.ErrSubmissionInFlight, jobID, job.Status))
	}
	removed, err := s.store.DeleteJob(jobID)
	if err != nil {
		return models.TryOnJob{}, err
	}
	s.machine.Forget(jobID)

	if removed.ResultKey != "" && s.uploader != nil {
		key := removed.ResultKey
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := s.uploader.Delete(dctx, s.buckets.Results, key); err != nil {
				s.log.Warn("failed to delete result artifact", "job_id", jobID, "key", key, "error", err)
			}
		}()
	}
	return removed, nil
}

// ImportGarment adds a user garment from a product page. An empty category is guessed
// from the product title. The product image is re-hosted when an uploader is
// configured; if that fails the retailer's URL is kept.
func (s *Service) ImportGarment(ctx context.Context, productURL, category string) (models.Garment, error) {
	const op = "import garment"
	if s.importer == nil {
		return models.Garment{}, apperr.Validationf(op, "garment import is not configured")
	}
	productURL = strings.TrimSpace(productURL)
	if resolved, err := s.importer.Resolve(ctx, productURL); err == nil {
		productURL = resolved
	} else {
		s.log.Debug("could not resolve product url", "url", productURL, "error", err)
	}
	if existing, ok := s.store.GarmentBySource(productURL); ok {
		return models.Garment{}, apperr.Conflict(op, fmt.Errorf("%w: %s is garment %s", apperr.ErrAlreadyExists, productURL, existing.ID))
	}

	var cat models.Category
	if category != "" {
		var err error
		if cat, err = models.ParseCategory(category); err != nil {
			return models.Garment{}, apperr.Validation(op, err)
		}
	}
	p, err := s.importer.Fetch(ctx, productURL)
	if err != nil {
		return models.Garment{}, err
	}
	if cat == "" {
		var ok bool
		if cat, ok = catalog.GuessCategory(p.Title + " " + p.Description); !ok {
			return models.Garment{}, apperr.Validationf(op, "cannot tell the category of %q, pass one explicitly", p.Title)
		}
	}

	g := p.Garment(cat)
	if hosted, err := s.rehostImage(ctx, p.ImageURL); err != nil {
		s.log.Warn("keeping retailer image url", "url", p.ImageURL, "error", err)
	} else {
		g.Image = models.ImageRef{URI: hosted}
	}
	return s.store.AddGarment(g)
}

func (s *Service) rehostImage(ctx context.Context, imageURL string) (string, error) {
	if s.uploader == nil {
		return "", fmt.Errorf("no uploader configured")
	}
	data, err := s.importer.FetchImage(ctx, imageURL)
	if err != nil {
		return "", err
	}
	key, err := s.uploader.UploadBytes(ctx, s.buckets.Garments, s.store.OwnerID(), data, "")
	if err != nil {
		return "", err
	}
	return s.uploader.URL(ctx, s.buckets.Garments, key)
}

// Wait blocks until background deletions, notifications and resumed polls finish.
func (s *Service) Wait() {
	s.bg.Wait()
}

func (s *Service) resolveProfile(id string) (models.Profile, error) {
	if id != "" {
		return s.store.Profile(id)
	}
	p, ok := s.store.ActiveProfile()
	if !ok {
		return models.Profile{}, apperr.Validationf("start try-on", "no profile selected")
	}
	return p, nil
}

type uploadTarget struct {
	bucket string
	uri    string
	apply  func(url string) error
}

// uploadMedia uploads every local image concurrently. Store records are only updated
// once the whole set is stored, so a failed batch leaves them untouched.
func (s *Service) uploadMedia(ctx context.Context, profile models.Profile, garments []models.Garment) (models.Profile, []models.Garment, error) {
	var targets []uploadTarget

	photo, ok := profile.PrimaryPhoto()
	if !ok {
		return profile, garments, apperr.Validationf("start try-on", "profile %s has no photo", profile.ID)
	}
	if uploader.IsLocal(photo.URI) {
		targets = append(targets, uploadTarget{
			bucket: s.buckets.Profiles,
			uri:    photo.URI,
			apply: func(url string) error {
				for i := range profile.Photos {
					if profile.Photos[i].ID == photo.ID {
						profile.Photos[i].URI = url
					}
				}
				return s.store.UpdatePhotoURI(profile.ID, photo.ID, url)
			},
		})
	}
	for i := range garments {
		g := &garments[i]
		if g.Image.IsAsset() || !uploader.IsLocal(g.Image.URI) {
			continue
		}
		targets = append(targets, uploadTarget{
			bucket: s.buckets.Garments,
			uri:    g.Image.URI,
			apply: func(url string) error {
				g.Image = models.ImageRef{URI: url}
				_, err := s.store.UpdateGarment(g.ID, func(stored *models.Garment) {
					stored.Image = models.ImageRef{URI: url}
				})
				return err
			},
		})
	}
	if len(targets) == 0 {
		return profile, garments, nil
	}
	if s.uploader == nil {
		return profile, garments, apperr.Validationf("start try-on", "local images need an uploader")
	}

	urls := make([]string, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			key, err := s.uploader.Upload(gctx, t.bucket, t.uri, s.store.OwnerID())
			if err != nil {
				return fmt.Errorf("upload %s: %w", t.uri, err)
			}
			u, err := s.uploader.URL(gctx, t.bucket, key)
			if err != nil {
				return fmt.Errorf("resolve url for %s: %w", key, err)
			}
			urls[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return profile, garments, err
	}

	for i, t := range targets {
		if err := t.apply(urls[i]); err != nil {
			return profile, garments, err
		}
	}
	return profile, garments, nil
}

// settle commits the ledger for a terminal outcome and fires the notification.
// Only the first settle per job releases the reservation and notifies.
func (s *Service) settle(ctx context.Context, out jobs.Outcome) {
	job, err := s.store.Job(out.JobID)
	if err != nil {
		s.log.Warn("settled job disappeared", "job_id", out.JobID, "error", err)
		s.finalize(out.JobID)
		return
	}
	charge, err := s.ledger.Commit(context.WithoutCancel(ctx), job)
	if err != nil {
		s.log.Error("ledger commit failed", "job_id", job.ID, "error", err)
	}
	if !s.finalize(job.ID) {
		return
	}
	s.log.Info("try-on finished", "job_id", job.ID, "status", job.Status, "charge", charge)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.notifier.JobFinished(nctx, job); err != nil {
			s.log.Warn("completion notification failed", "job_id", job.ID, "error", err)
		}
	}()
}

// hold reserves the profile of a job this service is not tracking yet.
func (s *Service) hold(jobID string) error {
	job, err := s.store.Job(jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() || job.ProfileID == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[jobID]; ok {
		return nil
	}
	res, err := s.ledger.Hold(*job.ProfileID)
	if err != nil {
		return err
	}
	s.held[jobID] = res
	return nil
}

// handOff decides what happens to a job whose waiter gave up. A job still running
// keeps its reservation and is followed in the background; anything else is released.
func (s *Service) handOff(ctx context.Context, jobID string) {
	job, err := s.store.Job(jobID)
	if err != nil || ctx.Err() == nil || job.RemoteJobID == "" {
		s.finalize(jobID)
		return
	}
	s.follow(ctx, jobID)
}

// follow polls jobID to completion and settles it, detached from ctx's cancellation.
// At most one follower runs per job.
func (s *Service) follow(ctx context.Context, jobID string) {
	s.mu.Lock()
	if s.following[jobID] {
		s.mu.Unlock()
		return
	}
	s.following[jobID] = true
	s.mu.Unlock()

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.following, jobID)
			s.mu.Unlock()
		}()
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		unhook := context.AfterFunc(s.life, cancel)
		defer unhook()

		out, err := s.machine.PollUntilTerminal(fctx, jobID)
		if err != nil {
			s.finalize(jobID)
			s.log.Warn("background follow stopped", "job_id", jobID, "error", err)
			return
		}
		s.settle(fctx, out)
	}()
}

// finalize releases the job's reservation, reporting whether one was held.
func (s *Service) finalize(jobID string) bool {
	s.mu.Lock()
	res, ok := s.held[jobID]
	delete(s.held, jobID)
	s.mu.Unlock()
	if ok {
		res.Release()
	}
	return ok
}
