// Package ledger gates submissions on the credit balance and settles finished jobs.
//
// Two values are kept apart: the local cache held by the session store, and the
// remote ledger, which is authoritative. Reconcile is the only path from the remote
// value to the local one and it always overwrites.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/logger"
	"github.com/raushankrgupta/fitly-tryon/metrics"
	"github.com/raushankrgupta/fitly-tryon/models"
	"github.com/raushankrgupta/fitly-tryon/store"
)

// Charge describes what a completed job consumed.
type Charge string

const (
	ChargeNone    Charge = "none"
	ChargePremium Charge = "premium"
	ChargeTrial   Charge = "trial"
	ChargeCredit  Charge = "credit"
	// ChargeUncovered is a completed job that found no local credit left.
	// Nothing is debited; the next reconcile settles the balance.
	ChargeUncovered Charge = "uncovered"
)

type CreditLedger struct {
	store        *store.SessionStore
	remote       RemoteLedger
	entitlements Entitlements
	log          *logger.Logger
	metrics      *metrics.Metrics

	// gate is held exclusively by Reconcile so no reservation starts mid-reconcile.
	gate sync.RWMutex
	mu   sync.Mutex
	held map[string]*Reservation
}

func New(s *store.SessionStore, remote RemoteLedger, entitlements Entitlements, log *logger.Logger, m *metrics.Metrics) *CreditLedger {
	return &CreditLedger{
		store:        s,
		remote:       remote,
		entitlements: entitlements,
		log:          logger.OrNop(log).With("component", "credit_ledger"),
		metrics:      m,
		held:         make(map[string]*Reservation),
	}
}

// LocalCache returns the optimistic local balance.
func (l *CreditLedger) LocalCache() models.LedgerState {
	return l.store.Ledger()
}

func (l *CreditLedger) CanSubmit() bool {
	return l.store.Ledger().CanSubmit()
}

// Reservation blocks a second submission for the same profile until released.
type Reservation struct {
	ledger    *CreditLedger
	profileID string
	once      sync.Once
}

func (r *Reservation) ProfileID() string { return r.profileID }

// Release is idempotent.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		l := r.ledger
		l.mu.Lock()
		if l.held[r.profileID] == r {
			delete(l.held, r.profileID)
		}
		l.mu.Unlock()
	})
}

// Reserve checks the submission gate and takes the per-profile slot.
// It never touches the balance.
func (l *CreditLedger) Reserve(profileID string) (*Reservation, error) {
	const op = "reserve"
	l.gate.RLock()
	defer l.gate.RUnlock()

	if !l.CanSubmit() {
		return nil, apperr.InsufficientCredits(op)
	}
	return l.take(op, profileID)
}

// Hold takes the per-profile slot without checking the balance. It is used for
// jobs that were already admitted, such as ones resumed after a restart.
func (l *CreditLedger) Hold(profileID string) (*Reservation, error) {
	l.gate.RLock()
	defer l.gate.RUnlock()
	return l.take("hold", profileID)
}

func (l *CreditLedger) take(op, profileID string) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[profileID]; busy {
		return nil, apperr.Conflict(op, fmt.Errorf("%w: %s", apperr.ErrSubmissionInFlight, profileID))
	}
	r := &Reservation{ledger: l, profileID: profileID}
	l.held[profileID] = r
	return r, nil
}

// InFlight reports how many reservations are held.
func (l *CreditLedger) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// Commit settles a terminal job at most once. Completed jobs consume the free trial
// first, then one credit; failed jobs are never charged. The remote decrement is
// best-effort: on failure it stays queued and Reconcile retries it.
func (l *CreditLedger) Commit(ctx context.Context, job models.TryOnJob) (Charge, error) {
	const op = "commit"
	if !job.Status.IsTerminal() {
		return ChargeNone, apperr.Validationf(op, "job %s is %s", job.ID, job.Status)
	}
	first, err := l.store.MarkSettled(job.ID)
	if err != nil {
		return ChargeNone, err
	}
	if !first {
		l.log.Debug("job already settled", "job_id", job.ID)
		return ChargeNone, nil
	}
	if job.Status != models.JobCompleted {
		l.metrics.LedgerCommit(string(ChargeNone))
		return ChargeNone, nil
	}

	charge := ChargeNone
	l.store.UpdateLedger(func(s *models.LedgerState) {
		switch {
		case s.IsPremium:
			charge = ChargePremium
		case !s.FreeCreditsUsed:
			s.FreeCreditsUsed = true
			charge = ChargeTrial
		case s.Credits > 0:
			s.Credits--
			s.PendingRemoteDebits++
			charge = ChargeCredit
		default:
			charge = ChargeUncovered
		}
	})
	l.metrics.LedgerCommit(string(charge))
	if charge == ChargeUncovered {
		l.log.Warn("job completed without local credit, not debiting", "job_id", job.ID)
	} else {
		l.log.Info("job settled", "job_id", job.ID, "charge", charge)
	}

	if charge == ChargeCredit {
		l.pushDebit(ctx, job.ID)
	}
	return charge, nil
}

func (l *CreditLedger) pushDebit(ctx context.Context, jobID string) {
	if l.remote == nil {
		return
	}
	balance, err := l.remote.UseCredit(ctx, l.store.OwnerID())
	if err != nil {
		if rejected(err) {
			l.store.UpdateLedger(func(s *models.LedgerState) { s.PendingRemoteDebits-- })
			l.log.Error("remote rejected credit decrement, dropping it", "job_id", jobID, "error", err)
			return
		}
		l.log.Warn("remote credit decrement failed, queued for next reconcile", "job_id", jobID, "error", err)
		return
	}
	l.store.UpdateLedger(func(s *models.LedgerState) { s.PendingRemoteDebits-- })
	l.log.Debug("remote credit decremented", "job_id", jobID, "remote_balance", balance)
}

// rejected reports whether the remote refused a decrement outright, so replaying
// it can never succeed. Transport and auth failures stay queued.
func rejected(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindRemoteRejection:
		return true
	}
	return false
}

// Reconcile overwrites the local credits with the remote balance. It does nothing
// while a reservation is held or a stored job is still running, and it first
// replays queued remote decrements. A decrement the remote rejects outright is
// dropped so it cannot block later reconciles. Failures are logged; the local
// cache stays as is. It reports whether the overwrite happened.
func (l *CreditLedger) Reconcile(ctx context.Context) (models.LedgerState, bool) {
	if l.remote == nil {
		return l.LocalCache(), false
	}
	l.gate.Lock()
	defer l.gate.Unlock()

	if n, jobs := l.InFlight(), len(l.store.InFlightJobs()); n > 0 || jobs > 0 {
		l.log.Debug("reconcile skipped, job in flight", "reservations", n, "jobs", jobs)
		return l.LocalCache(), false
	}
	owner := l.store.OwnerID()

	for l.store.Ledger().PendingRemoteDebits > 0 {
		if _, err := l.remote.UseCredit(ctx, owner); err != nil {
			if rejected(err) {
				l.log.Error("remote rejected queued credit decrement, dropping it", "error", err)
				l.store.UpdateLedger(func(s *models.LedgerState) { s.PendingRemoteDebits-- })
				continue
			}
			l.metrics.ReconcileFailed()
			l.log.Warn("replaying queued credit decrement failed", "error", err)
			return l.LocalCache(), false
		}
		l.store.UpdateLedger(func(s *models.LedgerState) { s.PendingRemoteDebits-- })
	}

	balance, err := l.remote.GetUserCredits(ctx, owner)
	if err != nil {
		l.metrics.ReconcileFailed()
		l.log.Warn("reconcile failed, keeping local balance", "error", err)
		return l.LocalCache(), false
	}
	state := l.store.UpdateLedger(func(s *models.LedgerState) { s.Credits = balance })
	l.log.Info("credits reconciled", "credits", balance)
	return state, true
}

// Purchase buys a package through the entitlement collaborator, then reconciles.
func (l *CreditLedger) Purchase(ctx context.Context, packageID string) (models.LedgerState, error) {
	if l.entitlements == nil {
		return l.LocalCache(), apperr.Validationf("purchase", "purchases are not configured")
	}
	active, err := l.entitlements.Purchase(ctx, packageID)
	if err != nil {
		return l.LocalCache(), err
	}
	return l.applyEntitlement(ctx, active), nil
}

// Restore re-reads the subscription state, then reconciles.
func (l *CreditLedger) Restore(ctx context.Context) (models.LedgerState, error) {
	if l.entitlements == nil {
		return l.LocalCache(), apperr.Validationf("restore", "purchases are not configured")
	}
	active, err := l.entitlements.Restore(ctx)
	if err != nil {
		return l.LocalCache(), err
	}
	return l.applyEntitlement(ctx, active), nil
}

func (l *CreditLedger) applyEntitlement(ctx context.Context, active bool) models.LedgerState {
	state := l.store.UpdateLedger(func(s *models.LedgerState) { s.IsPremium = active })
	l.log.Info("entitlement updated", "premium", active)
	if reconciled, ok := l.Reconcile(ctx); ok {
		return reconciled
	}
	return state
}

// Grant adds credits on the remote ledger and then reconciles.
func (l *CreditLedger) Grant(ctx context.Context, amount int) (models.LedgerState, error) {
	const op = "grant credits"
	if amount <= 0 {
		return l.LocalCache(), apperr.Validationf(op, "amount must be positive, got %d", amount)
	}
	if l.remote == nil {
		return l.LocalCache(), apperr.Validationf(op, "remote ledger is not configured")
	}
	if _, err := l.remote.AddCredits(ctx, l.store.OwnerID(), amount); err != nil {
		return l.LocalCache(), err
	}
	state, _ := l.Reconcile(ctx)
	return state, nil
}
