package tryon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/catalog"
	"github.com/raushankrgupta/fitly-tryon/compose"
	"github.com/raushankrgupta/fitly-tryon/inference"
	"github.com/raushankrgupta/fitly-tryon/jobs"
	"github.com/raushankrgupta/fitly-tryon/ledger"
	"github.com/raushankrgupta/fitly-tryon/models"
	"github.com/raushankrgupta/fitly-tryon/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	mu      sync.Mutex
	uploads []string
	deleted []string
}

func (f *fakeUploader) Upload(ctx context.Context, bucket, localURI, ownerID string) (string, error) {
	if strings.Contains(localURI, "missing") {
		return "", apperr.Validation("upload", apperr.ErrFileNotFound)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, localURI)
	return ownerID + "/" + strings.TrimPrefix(localURI, "/tmp/"), nil
}

func (f *fakeUploader) UploadBytes(ctx context.Context, bucket, ownerID string, data []byte, ext string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, fmt.Sprintf("%d bytes", len(data)))
	return ownerID + "/imported.jpg", nil
}

func (f *fakeUploader) URL(ctx context.Context, bucket, key string) (string, error) {
	return "https://cdn.test/" + bucket + "/" + key, nil
}

func (f *fakeUploader) Delete(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeCompositor struct {
	mu       sync.Mutex
	create   inference.CreateResult
	status   inference.StatusResult
	requests []models.CompositionRequest
}

func (f *fakeCompositor) Create(ctx context.Context, req models.CompositionRequest) (inference.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.create, nil
}

func (f *fakeCompositor) Status(ctx context.Context, remoteJobID string) (inference.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeCompositor) setStatus(st inference.StatusResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = st
}

type fakeRemote struct {
	mu       sync.Mutex
	balance  int
	useCalls int
	getCalls int
}

func (f *fakeRemote) GetUserCredits(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	return f.balance, nil
}

func (f *fakeRemote) UseCredit(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.useCalls++
	f.balance--
	return f.balance, nil
}

func (f *fakeRemote) AddCredits(ctx context.Context, userID string, amount int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance += amount
	return f.balance, nil
}

func (f *fakeRemote) calls() (use, get int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.useCalls, f.getCalls
}

type fakeNotifier struct {
	mu   sync.Mutex
	jobs []models.TryOnJob
}

func (f *fakeNotifier) JobFinished(ctx context.Context, job models.TryOnJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fixture struct {
	svc      *Service
	store    *store.SessionStore
	ledger   *ledger.CreditLedger
	up       *fakeUploader
	comp     *fakeCompositor
	notifier *fakeNotifier
	remote   *fakeRemote
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.New("user-1", nil, nil)
	remote := &fakeRemote{}
	l := ledger.New(s, remote, nil, nil, nil)
	comp := &fakeCompositor{create: inference.CreateResult{Success: true, ResultImageURL: "https://cdn.test/out.png", ResultKey: "user-1/out.png"}}
	m := jobs.New(s, comp, jobs.Config{PollInterval: time.Millisecond}, nil, nil)
	up := &fakeUploader{}
	n := &fakeNotifier{}
	svc := New(s, l, m, up, catalog.NewImporter(nil, nil), n,
		compose.AssetResolver{BaseURL: "https://assets.test"},
		Buckets{Profiles: "profiles", Garments: "garments", Results: "results"}, nil)
	t.Cleanup(svc.Stop)
	return &fixture{svc: svc, store: s, ledger: l, up: up, comp: comp, notifier: n, remote: remote}
}

func (f *fixture) profile(t *testing.T, photoURI string) models.Profile {
	t.Helper()
	p, err := f.store.AddProfile(models.Profile{DisplayName: "me", Photos: []models.Photo{{URI: photoURI}}})
	require.NoError(t, err)
	return p
}

func (f *fixture) garment(t *testing.T, c models.Category, uri string) models.Garment {
	t.Helper()
	g, err := f.store.AddGarment(models.Garment{Title: string(c), Category: c, Image: models.ImageRef{URI: uri}})
	require.NoError(t, err)
	return g
}

func TestRunUploadsLocalMediaAndSettles(t *testing.T) {
	f := newFixture(t)
	p := f.profile(t, "/tmp/me.jpg")
	coat := f.garment(t, models.CategoryOuterwear, "/tmp/coat.png")
	top := f.garment(t, models.CategoryTops, "https://cdn.test/top.png")

	out, err := f.svc.Run(context.Background(), StartRequest{GarmentIDs: []string{coat.ID, top.ID}, StyleNote: " open jacket "})
	require.NoError(t, err)
	require.True(t, out.Completed())
	assert.Equal(t, "https://cdn.test/out.png", out.ResultImageURL)

	require.Len(t, f.comp.requests, 1)
	req := f.comp.requests[0]
	assert.Equal(t, "https://cdn.test/profiles/user-1/me.jpg", req.HumanImageURI)
	assert.Equal(t, []string{"https://cdn.test/top.png", "https://cdn.test/garments/user-1/coat.png"}, req.GarmentImageURIs)
	assert.Equal(t, "open jacket", req.StyleNote)

	stored, err := f.store.Profile(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/profiles/user-1/me.jpg", stored.Photos[0].URI)
	g, err := f.store.Garment(coat.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/garments/user-1/coat.png", g.Image.URI)

	assert.True(t, f.ledger.LocalCache().FreeCreditsUsed)
	assert.Equal(t, 0, f.ledger.InFlight())

	f.svc.Wait()
	require.Len(t, f.notifier.jobs, 1)
	assert.Equal(t, out.JobID, f.notifier.jobs[0].ID)
}

func TestStartUploadFailureSubmitsNothing(t *testing.T) {
	f := newFixture(t)
	p := f.profile(t, "/tmp/me.jpg")
	bad := f.garment(t, models.CategoryTops, "/tmp/missing.png")
	f.store.UpdateLedger(func(l *models.LedgerState) {
		l.FreeCreditsUsed = true
		l.Credits = 3
	})

	_, job, err := f.svc.Start(context.Background(), StartRequest{GarmentIDs: []string{bad.ID}})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrFileNotFound)
	assert.Nil(t, job)

	assert.Empty(t, f.store.Jobs())
	assert.Empty(t, f.comp.requests)
	assert.Equal(t, 3, f.ledger.LocalCache().Credits)
	assert.Equal(t, 0, f.ledger.InFlight())

	// the photo upload that did succeed is not recorded
	stored, err := f.store.Profile(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/me.jpg", stored.Photos[0].URI)
}

func TestStartWithoutCredits(t *testing.T) {
	f := newFixture(t)
	f.profile(t, "https://cdn.test/me.jpg")
	g := f.garment(t, models.CategoryTops, "https://cdn.test/top.png")
	f.store.UpdateLedger(func(l *models.LedgerState) { l.FreeCreditsUsed = true })

	_, _, err := f.svc.Start(context.Background(), StartRequest{GarmentIDs: []string{g.ID}})
	assert.True(t, apperr.Is(err, apperr.KindInsufficientCredits))
	assert.Empty(t, f.store.Jobs())
}

func TestStartNeedsProfile(t *testing.T) {
	f := newFixture(t)
	g := f.garment(t, models.CategoryTops, "https://cdn.test/top.png")

	_, _, err := f.svc.Start(context.Background(), StartRequest{GarmentIDs: []string{g.ID}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, _, err = f.svc.Start(context.Background(), StartRequest{ProfileID: "nope", GarmentIDs: []string{g.ID}})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDeferredJobHoldsProfileUntilAwaited(t *testing.T) {
	f := newFixture(t)
	f.profile(t, "https://cdn.test/me.jpg")
	g := f.garment(t, models.CategoryTops, "https://cdn.test/top.png")
	f.comp.create = inference.CreateResult{RemoteJobID: "remote-1"}
	f.comp.setStatus(inference.StatusResult{Status: inference.StatusCompleted, ResultImageURL: "https://cdn.test/late.png"})
	ctx := context.Background()
	req := StartRequest{GarmentIDs: []string{g.ID}}

	sub, job, err := f.svc.Start(ctx, req)
	require.NoError(t, err)
	assert.False(t, sub.IsInline())
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, models.ModePolling, job.Mode)

	_, _, err = f.svc.Start(ctx, req)
	assert.ErrorIs(t, err, apperr.ErrSubmissionInFlight)
	assert.Len(t, f.store.Jobs(), 1)

	_, err = f.svc.DeleteJob(ctx, job.ID)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	out, err := f.svc.Await(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/late.png", out.ResultImageURL)
	assert.Equal(t, 0, f.ledger.InFlight())

	// settling twice never double-charges or re-notifies
	_, err = f.svc.Await(ctx, sub)
	require.NoError(t, err)
	f.svc.Wait()
	assert.Len(t, f.notifier.jobs, 1)
	assert.True(t, f.ledger.LocalCache().FreeCreditsUsed)
}

func TestAwaitCancelledKeepsProfileUntilSettled(t *testing.T) {
	f := newFixture(t)
	f.profile(t, "https://cdn.test/me.jpg")
	g := f.garment(t, models.CategoryTops, "https://cdn.test/top.png")
	f.comp.create = inference.CreateResult{RemoteJobID: "remote-1"}
	f.comp.setStatus(inference.StatusResult{Status: inference.StatusQueued})
	f.remote.balance = 7
	req := StartRequest{GarmentIDs: []string{g.ID}}

	sub, _, err := f.svc.Start(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.svc.Await(ctx, sub)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, f.ledger.InFlight())

	_, _, err = f.svc.Start(context.Background(), req)
	assert.ErrorIs(t, err, apperr.ErrSubmissionInFlight)
	assert.Len(t, f.store.Jobs(), 1)

	_, ok := f.ledger.Reconcile(context.Background())
	assert.False(t, ok)
	_, gets := f.remote.calls()
	assert.Zero(t, gets)

	f.comp.setStatus(inference.StatusResult{Status: inference.StatusCompleted, ResultImageURL: "https://cdn.test/late.png"})
	f.svc.Wait()

	job, err := f.store.Job(sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 0, f.ledger.InFlight())
	assert.True(t, f.ledger.LocalCache().FreeCreditsUsed)
	uses, _ := f.remote.calls()
	assert.Zero(t, uses, "the free trial is not debited remotely")
	assert.Equal(t, 1, f.notifier.count())

	state, ok := f.ledger.Reconcile(context.Background())
	require.True(t, ok)
	assert.Equal(t, 7, state.Credits)
}

func TestStopEndsBackgroundFollow(t *testing.T) {
	f := newFixture(t)
	f.profile(t, "https://cdn.test/me.jpg")
	g := f.garment(t, models.CategoryTops, "https://cdn.test/top.png")
	f.comp.create = inference.CreateResult{RemoteJobID: "remote-1"}
	f.comp.setStatus(inference.StatusResult{Status: inference.StatusQueued})

	sub, _, err := f.svc.Start(context.Background(), StartRequest{GarmentIDs: []string{g.ID}})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = f.svc.Await(ctx, sub)
	require.Error(t, err)

	f.svc.Stop()
	f.svc.Wait()
	assert.Equal(t, 0, f.ledger.InFlight())
	job, err := f.store.Job(sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status, "left for the next start to resume")
}

func TestResumeInFlightReservesProfiles(t *testing.T) {
	f := newFixture(t)
	p := f.profile(t, "https://cdn.test/me.jpg")
	g := f.garment(t, models.CategoryTops, "https://cdn.test/top.png")
	f.comp.setStatus(inference.StatusResult{Status: inference.StatusQueued})

	profileID := p.ID
	polling, err := f.store.AddJob(models.TryOnJob{ProfileID: &profileID, GarmentIDs: []string{g.ID}})
	require.NoError(t, err)
	_, err = f.store.TransitionJob(polling.ID, store.Transition{Status: models.JobQueued, Mode: models.ModePolling, RemoteJobID: "remote-1"})
	require.NoError(t, err)
	interrupted, err := f.store.AddJob(models.TryOnJob{GarmentIDs: []string{g.ID}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.Equal(t, 1, f.svc.ResumeInFlight(ctx))

	stale, err := f.store.Job(interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stale.Status)

	assert.Equal(t, 1, f.ledger.InFlight())
	_, _, err = f.svc.Start(context.Background(), StartRequest{ProfileID: p.ID, GarmentIDs: []string{g.ID}})
	assert.ErrorIs(t, err, apperr.ErrSubmissionInFlight)

	f.comp.setStatus(inference.StatusResult{Status: inference.StatusCompleted, ResultImageURL: "https://cdn.test/late.png"})
	f.svc.Wait()

	assert.Equal(t, 0, f.ledger.InFlight())
	assert.True(t, f.ledger.LocalCache().FreeCreditsUsed)
	assert.Equal(t, 1, f.notifier.count())
	f.notifier.mu.Lock()
	assert.Equal(t, polling.ID, f.notifier.jobs[0].ID)
	f.notifier.mu.Unlock()
}

func TestDeleteJobReleasesResultArtifact(t *testing.T) {
	f := newFixture(t)
	f.profile(t, "https://cdn.test/me.jpg")
	g := f.garment(t, models.CategoryTops, "https://cdn.test/top.png")

	out, err := f.svc.Run(context.Background(), StartRequest{GarmentIDs: []string{g.ID}})
	require.NoError(t, err)

	removed, err := f.svc.DeleteJob(context.Background(), out.JobID)
	require.NoError(t, err)
	assert.Equal(t, "user-1/out.png", removed.ResultKey)
	f.svc.Wait()
	assert.Equal(t, []string{"user-1/out.png"}, f.up.deleted)

	_, err = f.store.Job(out.JobID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestImportGarment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/share/1":
			http.Redirect(w, r, "/p/1", http.StatusFound)
		case "/img/coat.jpg":
			_, _ = w.Write([]byte("\xff\xd8\xff\xe0jpeg"))
		default:
			_, _ = w.Write([]byte(`<html><head>
<meta property="og:title" content="Wool Coat">
<meta property="og:image" content="/img/coat.jpg">
</head></html>`))
		}
	}))
	defer srv.Close()
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.svc.ImportGarment(ctx, srv.URL+"/share/1", "")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryOuterwear, g.Category)
	assert.True(t, g.IsUserAdded)
	assert.Equal(t, srv.URL+"/p/1", g.SourceURL)
	assert.Equal(t, "https://cdn.test/garments/user-1/imported.jpg", g.Image.URI)

	_, err = f.svc.ImportGarment(ctx, srv.URL+"/p/1", "")
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)

	g, err = f.svc.ImportGarment(ctx, srv.URL+"/p/2", "Tops")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryTops, g.Category)

	_, err = f.svc.ImportGarment(ctx, srv.URL+"/p/3", "hats")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
