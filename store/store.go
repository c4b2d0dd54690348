// Package store holds the session aggregate: profiles, garments, jobs and the local ledger.
// It is the only owner of these collections; every other component goes through its API.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/logger"
	"github.com/raushankrgupta/fitly-tryon/models"
)

// Persister durably stores the session blob.
type Persister interface {
	// Load returns nil, nil when nothing has been stored yet.
	Load(ctx context.Context) (*models.Snapshot, error)
	Save(ctx context.Context, snap *models.Snapshot) error
}

// SessionStore is safe for concurrent use. Mutations are atomic and write-through:
// each one schedules a flush, and pending flushes coalesce into one.
type SessionStore struct {
	mu              sync.RWMutex
	ownerID         string
	profiles        []models.Profile
	garments        []models.Garment
	jobs            []models.TryOnJob
	ledger          models.LedgerState
	activeProfileID *string

	persister Persister
	log       *logger.Logger
	now       func() time.Time

	flushMu sync.Mutex
	dirty   chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

type Option func(*SessionStore)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *SessionStore) { s.now = now }
}

func New(ownerID string, persister Persister, log *logger.Logger, opts ...Option) *SessionStore {
	if persister == nil {
		persister = NewMemoryPersister()
	}
	s := &SessionStore{
		ownerID:   ownerID,
		persister: persister,
		log:       logger.OrNop(log).With("component", "session_store", "owner", ownerID),
		now:       time.Now,
		dirty:     make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SessionStore) OwnerID() string { return s.ownerID }

// Load replaces in-memory state with the persisted blob, repairing broken pointers.
func (s *SessionStore) Load(ctx context.Context) error {
	snap, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if snap == nil {
		return nil
	}
	snap.Migrate()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = snap.Profiles
	s.garments = snap.Garments
	s.jobs = snap.Jobs
	s.ledger = snap.LedgerState
	s.activeProfileID = snap.ActiveProfileID
	s.repairLocked()
	return nil
}

// repairLocked restores the default-profile and active-pointer invariants.
func (s *SessionStore) repairLocked() {
	defaults := 0
	for i := range s.profiles {
		if s.profiles[i].IsDefault {
			defaults++
			if defaults > 1 {
				s.profiles[i].IsDefault = false
			}
		}
	}
	if defaults == 0 && len(s.profiles) > 0 {
		s.profiles[0].IsDefault = true
	}
	if s.activeProfileID != nil && s.profileIndexLocked(*s.activeProfileID) < 0 {
		s.log.Warn("dropping dangling active profile", "profile_id", *s.activeProfileID)
		s.activeProfileID = nil
	}
	if s.ledger.Credits < 0 {
		s.ledger.Credits = 0
	}
}

// Start runs the background flusher until ctx is cancelled or Close is called.
func (s *SessionStore) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-s.dirty:
				if err := s.Flush(ctx); err != nil {
					s.log.Error("session flush failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the flusher and writes the final state.
func (s *SessionStore) Close(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if started {
		close(s.stop)
		s.wg.Wait()
		s.stop = make(chan struct{})
	}
	return s.Flush(ctx)
}

// Flush writes the current state synchronously.
func (s *SessionStore) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	snap := s.Snapshot()
	if err := s.persister.Save(ctx, &snap); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SessionStore) scheduleFlush() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// Snapshot returns a deep copy of the whole aggregate.
func (s *SessionStore) Snapshot() models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := models.Snapshot{
		SchemaVersion: models.SchemaVersion,
		OwnerID:       s.ownerID,
		Profiles:      make([]models.Profile, 0, len(s.profiles)),
		Garments:      make([]models.Garment, 0, len(s.garments)),
		Jobs:          make([]models.TryOnJob, 0, len(s.jobs)),
		LedgerState:   s.ledger,
	}
	for _, p := range s.profiles {
		snap.Profiles = append(snap.Profiles, p.Clone())
	}
	for _, g := range s.garments {
		snap.Garments = append(snap.Garments, g.Clone())
	}
	for _, j := range s.jobs {
		snap.Jobs = append(snap.Jobs, j.Clone())
	}
	if s.activeProfileID != nil {
		id := *s.activeProfileID
		snap.ActiveProfileID = &id
	}
	return snap
}

// ClearUserData resets the session for logout or account switch in one step.
func (s *SessionStore) ClearUserData() {
	s.mu.Lock()
	if s.ledger.PendingRemoteDebits > 0 {
		s.log.Warn("discarding unacknowledged remote debits", "count", s.ledger.PendingRemoteDebits)
	}
	s.profiles = nil
	s.garments = nil
	s.jobs = nil
	s.ledger = models.LedgerState{}
	s.activeProfileID = nil
	s.mu.Unlock()
	s.scheduleFlush()
}

// Ledger returns the local ledger state.
func (s *SessionStore) Ledger() models.LedgerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger
}

// UpdateLedger applies fn atomically; credits never go below zero.
func (s *SessionStore) UpdateLedger(fn func(*models.LedgerState)) models.LedgerState {
	s.mu.Lock()
	next := s.ledger
	fn(&next)
	credits, pending := next.Credits, next.PendingRemoteDebits
	if next.Credits < 0 {
		next.Credits = 0
	}
	if next.PendingRemoteDebits < 0 {
		next.PendingRemoteDebits = 0
	}
	next.FreeCreditsUsed = next.FreeCreditsUsed || s.ledger.FreeCreditsUsed
	s.ledger = next
	s.mu.Unlock()

	if credits < 0 || pending < 0 {
		s.log.Warn("ledger update clamped at zero", "credits", credits, "pending_remote_debits", pending)
	}
	s.scheduleFlush()
	return next
}

func newID() string { return uuid.NewString() }

func sortJobsByRecency(jobs []models.TryOnJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		at, bt := a.CreatedAt, b.CreatedAt
		if a.CompletedAt != nil {
			at = *a.CompletedAt
		}
		if b.CompletedAt != nil {
			bt = *b.CompletedAt
		}
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

func notFound(op, what, id string) error {
	return apperr.NotFound(op, fmt.Errorf("%w: %s %s", apperr.ErrNotFound, what, id))
}
