package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/logger"
	"github.com/raushankrgupta/fitly-tryon/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// tickingClock advances one second per call so ordering by time is deterministic.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestStore(t *testing.T) (*SessionStore, *MemoryPersister) {
	t.Helper()
	p := NewMemoryPersister()
	return New("user-1", p, nil, WithClock(tickingClock())), p
}

func addProfile(t *testing.T, s *SessionStore, name string) models.Profile {
	t.Helper()
	p, err := s.AddProfile(models.Profile{
		DisplayName: name,
		Photos:      []models.Photo{{URI: "https://cdn.test/" + name + ".jpg"}},
	})
	require.NoError(t, err)
	return p
}

func addGarment(t *testing.T, s *SessionStore, c models.Category) models.Garment {
	t.Helper()
	g, err := s.AddGarment(models.Garment{Title: string(c), Category: c, Image: models.ImageRef{URI: "https://cdn.test/" + string(c) + ".png"}})
	require.NoError(t, err)
	return g
}

func TestFirstProfileIsDefaultAndActive(t *testing.T) {
	s, _ := newTestStore(t)

	first := addProfile(t, s, "me")
	second := addProfile(t, s, "friend")

	assert.True(t, first.IsDefault)
	assert.False(t, second.IsDefault)
	active, ok := s.ActiveProfile()
	require.True(t, ok)
	assert.Equal(t, first.ID, active.ID)
	assert.NotEmpty(t, first.Photos[0].ID)
	assert.Equal(t, models.PoseFront, first.Photos[0].Pose)

	_, err := s.AddProfile(models.Profile{ID: first.ID, DisplayName: "dup"})
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	_, err = s.AddProfile(models.Profile{DisplayName: "  "})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestDeleteActiveProfileNullsReferences(t *testing.T) {
	s, _ := newTestStore(t)
	me := addProfile(t, s, "me")
	other := addProfile(t, s, "other")
	top := addGarment(t, s, models.CategoryTops)

	job, err := s.AddJob(models.TryOnJob{ProfileID: &me.ID, GarmentIDs: []string{top.ID}})
	require.NoError(t, err)
	job, err = s.CommitJob(job.ID, Transition{Status: models.JobCompleted, ResultImageURL: "https://cdn.test/r.png"})
	require.NoError(t, err)

	_, err = s.DeleteProfile(me.ID)
	require.NoError(t, err)

	assert.Nil(t, s.ActiveProfileID())
	_, ok := s.ActiveProfile()
	assert.False(t, ok)

	kept, err := s.Job(job.ID)
	require.NoError(t, err)
	assert.Nil(t, kept.ProfileID)
	assert.Equal(t, models.JobCompleted, kept.Status)
	assert.Equal(t, job.ResultImageURL, kept.ResultImageURL)
	assert.Equal(t, job.GarmentIDs, kept.GarmentIDs)
	assert.Equal(t, job.CompletedAt, kept.CompletedAt)

	remaining, err := s.Profile(other.ID)
	require.NoError(t, err)
	assert.True(t, remaining.IsDefault)
}

func TestDeleteProfileKeepsSingleDefault(t *testing.T) {
	s, _ := newTestStore(t)
	a := addProfile(t, s, "a")
	b := addProfile(t, s, "b")
	c := addProfile(t, s, "c")
	require.NoError(t, s.SetDefaultProfile(c.ID))

	_, err := s.DeleteProfile(a.ID)
	require.NoError(t, err)

	defaults := 0
	for _, p := range s.Profiles() {
		if p.IsDefault {
			defaults++
			assert.Equal(t, c.ID, p.ID)
		}
	}
	assert.Equal(t, 1, defaults)

	_, err = s.DeleteProfile(c.ID)
	require.NoError(t, err)
	got, err := s.Profile(b.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDefault)

	_, err = s.DeleteProfile("missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestProfilePhotosAndGender(t *testing.T) {
	s, _ := newTestStore(t)
	p := addProfile(t, s, "me")

	side, err := s.AddProfilePhoto(p.ID, models.Photo{URI: "/tmp/side.jpg", Pose: models.PoseSide})
	require.NoError(t, err)
	require.NoError(t, s.UpdatePhotoURI(p.ID, side.ID, "https://cdn.test/side.jpg"))

	female := " Female "
	got, err := s.UpdateProfileGender(p.ID, &female)
	require.NoError(t, err)
	assert.Equal(t, "female", got.GenderTag())

	require.NoError(t, s.RemoveProfilePhoto(p.ID, p.Photos[0].ID))
	got, err = s.Profile(p.ID)
	require.NoError(t, err)
	primary, ok := got.PrimaryPhoto()
	require.True(t, ok)
	assert.Equal(t, "https://cdn.test/side.jpg", primary.URI)

	assert.ErrorIs(t, s.RemoveProfilePhoto(p.ID, "nope"), apperr.ErrNotFound)
	_, err = s.AddProfilePhoto(p.ID, models.Photo{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestGarmentValidationAndSourceUniqueness(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.AddGarment(models.Garment{Category: "hats", Image: models.ImageRef{URI: "x"}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = s.AddGarment(models.Garment{Category: models.CategoryTops, Image: models.ImageRef{URI: "x", Asset: "y"}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	imported := models.Garment{Category: models.CategoryTops, Image: models.ImageRef{URI: "https://shop/1.jpg"}, IsUserAdded: true, SourceURL: "https://shop/p/1"}
	_, err = s.AddGarment(imported)
	require.NoError(t, err)
	_, err = s.AddGarment(imported)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	found, ok := s.GarmentBySource("https://shop/p/1")
	require.True(t, ok)
	updated, err := s.UpdateGarment(found.ID, func(g *models.Garment) { g.Title = "Linen shirt"; g.ID = "hijack" })
	require.NoError(t, err)
	assert.Equal(t, found.ID, updated.ID)
	assert.Equal(t, "Linen shirt", updated.Title)

	_, err = s.UpdateGarment(found.ID, func(g *models.Garment) { g.Category = "bogus" })
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	unchanged, err := s.Garment(found.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CategoryTops, unchanged.Category)

	require.NoError(t, s.RemoveGarment(found.ID))
	assert.ErrorIs(t, s.RemoveGarment(found.ID), apperr.ErrNotFound)
}

func TestSelectGarments(t *testing.T) {
	s, _ := newTestStore(t)
	top := addGarment(t, s, models.CategoryTops)
	coat := addGarment(t, s, models.CategoryOuterwear)

	got, err := s.SelectGarments([]string{coat.ID, top.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, coat.ID, got[0].ID)

	_, err = s.SelectGarments([]string{top.ID, top.ID})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = s.SelectGarments([]string{"missing"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = s.SelectGarments(nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestJobTransitionsAreMonotonic(t *testing.T) {
	s, _ := newTestStore(t)
	top := addGarment(t, s, models.CategoryTops)

	job, err := s.AddJob(models.TryOnJob{GarmentIDs: []string{top.ID}})
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)

	job, err = s.TransitionJob(job.ID, Transition{Status: models.JobQueued, Mode: models.ModePolling, RemoteJobID: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, "r-1", job.RemoteJobID)

	job, err = s.TransitionJob(job.ID, Transition{Status: models.JobInProgress})
	require.NoError(t, err)

	_, err = s.TransitionJob(job.ID, Transition{Status: models.JobQueued})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = s.TransitionJob(job.ID, Transition{Status: models.JobCompleted})
	assert.True(t, apperr.Is(err, apperr.KindValidation), "completed needs a result url")

	job, err = s.TransitionJob(job.ID, Transition{Status: models.JobFailed, ErrorKind: models.FailureRemoteRejection})
	require.NoError(t, err)
	assert.Equal(t, defaultFailureMessage, job.ErrorMessage)
	assert.Empty(t, job.ResultImageURL)
	require.NotNil(t, job.CompletedAt)

	for _, next := range []models.JobStatus{models.JobCompleted, models.JobFailed, models.JobInProgress} {
		_, err = s.TransitionJob(job.ID, Transition{Status: next, ResultImageURL: "https://x"})
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	}

	_, err = s.CommitJob(job.ID, Transition{Status: models.JobInProgress})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestAddJobValidation(t *testing.T) {
	s, _ := newTestStore(t)
	top := addGarment(t, s, models.CategoryTops)

	_, err := s.AddJob(models.TryOnJob{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	ghost := "ghost"
	_, err = s.AddJob(models.TryOnJob{ProfileID: &ghost, GarmentIDs: []string{top.ID}})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	done, err := s.AddJob(models.TryOnJob{GarmentIDs: []string{top.ID}, Status: models.JobCompleted, ResultImageURL: "https://r"})
	require.NoError(t, err)
	assert.NotNil(t, done.CompletedAt)

	_, err = s.AddJob(models.TryOnJob{ID: done.ID, GarmentIDs: []string{top.ID}})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestMarkSettledOnce(t *testing.T) {
	s, _ := newTestStore(t)
	top := addGarment(t, s, models.CategoryTops)
	job, err := s.AddJob(models.TryOnJob{GarmentIDs: []string{top.ID}})
	require.NoError(t, err)

	_, err = s.MarkSettled(job.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = s.CommitJob(job.ID, Transition{Status: models.JobCompleted, ResultImageURL: "https://r"})
	require.NoError(t, err)

	first, err := s.MarkSettled(job.ID)
	require.NoError(t, err)
	second, err := s.MarkSettled(job.ID)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
}

func TestCompletedJobsAndPaging(t *testing.T) {
	s, _ := newTestStore(t)
	top := addGarment(t, s, models.CategoryTops)

	var ids []string
	for i := 0; i < 5; i++ {
		job, err := s.AddJob(models.TryOnJob{GarmentIDs: []string{top.ID}})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	// Complete out of creation order; recency follows completion time.
	for _, idx := range []int{2, 0, 4} {
		_, err := s.CommitJob(ids[idx], Transition{Status: models.JobCompleted, ResultImageURL: "https://r/" + ids[idx]})
		require.NoError(t, err)
	}
	_, err := s.CommitJob(ids[1], Transition{Status: models.JobFailed, ErrorMessage: "nsfw"})
	require.NoError(t, err)

	completed := s.CompletedJobs()
	require.Len(t, completed, 3)
	assert.Equal(t, []string{ids[4], ids[0], ids[2]}, []string{completed[0].ID, completed[1].ID, completed[2].ID})

	page, total := s.JobsPage(models.JobCompleted, 2, 2)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, ids[2], page[0].ID)

	page, total = s.JobsPage("", 9, 10)
	assert.Equal(t, 5, total)
	assert.Empty(t, page)

	assert.Len(t, s.InFlightJobs(), 1)

	removed, err := s.DeleteJob(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "https://r/"+ids[0], removed.ResultImageURL)
	assert.Len(t, s.CompletedJobs(), 2)
}

func TestClearUserData(t *testing.T) {
	s, _ := newTestStore(t)
	addProfile(t, s, "me")
	top := addGarment(t, s, models.CategoryTops)
	_, err := s.AddJob(models.TryOnJob{GarmentIDs: []string{top.ID}})
	require.NoError(t, err)
	s.UpdateLedger(func(l *models.LedgerState) {
		l.FreeCreditsUsed = true
		l.Credits = 4
		l.IsPremium = true
	})

	s.ClearUserData()

	assert.Empty(t, s.Profiles())
	assert.Empty(t, s.Garments())
	assert.Empty(t, s.Jobs())
	assert.Nil(t, s.ActiveProfileID())
	assert.Equal(t, models.LedgerState{}, s.Ledger())
}

func TestUpdateLedgerClampsAndKeepsTrialOneWay(t *testing.T) {
	s, _ := newTestStore(t)
	s.UpdateLedger(func(l *models.LedgerState) { l.FreeCreditsUsed = true })
	got := s.UpdateLedger(func(l *models.LedgerState) {
		l.FreeCreditsUsed = false
		l.Credits = -3
	})
	assert.True(t, got.FreeCreditsUsed)
	assert.Zero(t, got.Credits)
}

func TestUpdateLedgerLogsClamp(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := New("user-1", nil, logger.NewWithCore(core))

	s.UpdateLedger(func(l *models.LedgerState) { l.Credits = 2 })
	s.UpdateLedger(func(l *models.LedgerState) { l.Credits-- })
	assert.Zero(t, logs.Len(), "in-range updates are silent")

	got := s.UpdateLedger(func(l *models.LedgerState) { l.Credits -= 4 })
	assert.Zero(t, got.Credits)
	entries := logs.FilterMessage("ledger update clamped at zero").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-3), entries[0].ContextMap()["credits"])
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	s, p := newTestStore(t)
	me := addProfile(t, s, "me")
	top := addGarment(t, s, models.CategoryTops)
	_, err := s.AddJob(models.TryOnJob{ProfileID: &me.ID, GarmentIDs: []string{top.ID}})
	require.NoError(t, err)
	s.UpdateLedger(func(l *models.LedgerState) { l.Credits = 7 })
	require.NoError(t, s.Flush(context.Background()))

	restored := New("user-1", p, nil)
	require.NoError(t, restored.Load(context.Background()))

	want := s.Snapshot()
	got := restored.Snapshot()
	assert.Equal(t, models.SchemaVersion, got.SchemaVersion)
	assert.Equal(t, want.LedgerState, got.LedgerState)
	require.Len(t, got.Profiles, 1)
	assert.Equal(t, me.ID, got.Profiles[0].ID)
	assert.Equal(t, *want.ActiveProfileID, *got.ActiveProfileID)
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, want.Jobs[0].ID, got.Jobs[0].ID)
}

func TestLoadRepairsDanglingPointers(t *testing.T) {
	p := NewMemoryPersister()
	ghost := "ghost"
	require.NoError(t, p.Save(context.Background(), &models.Snapshot{
		OwnerID:         "user-1",
		Profiles:        []models.Profile{{ID: "a", DisplayName: "a"}, {ID: "b", DisplayName: "b"}},
		ActiveProfileID: &ghost,
		LedgerState:     models.LedgerState{Credits: -2},
	}))

	s := New("user-1", p, nil)
	require.NoError(t, s.Load(context.Background()))

	assert.Nil(t, s.ActiveProfileID())
	profiles := s.Profiles()
	assert.True(t, profiles[0].IsDefault)
	assert.False(t, profiles[1].IsDefault)
	assert.Zero(t, s.Ledger().Credits)
}

func TestLoadEmptyPersister(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Load(context.Background()))
	assert.Empty(t, s.Profiles())
}

func TestBackgroundFlushWritesThrough(t *testing.T) {
	s, p := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	addProfile(t, s, "me")

	require.Eventually(t, func() bool {
		snap, err := p.Load(context.Background())
		return err == nil && snap != nil && len(snap.Profiles) == 1
	}, time.Second, 5*time.Millisecond)

	addGarment(t, s, models.CategoryTops)
	require.NoError(t, s.Close(context.Background()))

	snap, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Garments, 1)
}

type failingPersister struct{}

func (failingPersister) Load(context.Context) (*models.Snapshot, error) { return nil, nil }
func (failingPersister) Save(context.Context, *models.Snapshot) error {
	return errors.New("disk full")
}

func TestFlushFailureDoesNotBlockMutations(t *testing.T) {
	s := New("user-1", failingPersister{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	for i := 0; i < 20; i++ {
		_, err := s.AddGarment(models.Garment{Category: models.CategoryTops, Image: models.ImageRef{Asset: "tee"}})
		require.NoError(t, err)
	}
	assert.Len(t, s.Garments(), 20)
	assert.Error(t, s.Close(context.Background()))
}

func TestConcurrentMutations(t *testing.T) {
	s, _ := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.AddGarment(models.Garment{Category: models.CategoryBags, Image: models.ImageRef{Asset: "bag"}})
			s.UpdateLedger(func(l *models.LedgerState) { l.Credits++ })
		}()
	}
	wg.Wait()
	assert.Len(t, s.Garments(), 50)
	assert.Equal(t, 50, s.Ledger().Credits)
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "fitly:session:user-1", SessionKey("user-1"))
}
