// Package reservation grants time slots to requesters.  Exclusivity is
// decided by the storage layer's unique index: the manager inserts and
// interprets a rejection, it never reads before writing.
package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/metrics"
	"github.com/iliyamo/expert-settlement/internal/model"
	"github.com/iliyamo/expert-settlement/internal/repository"
)

// Outcome of a reserve call.
type Outcome string

const (
	Granted  Outcome = "GRANTED"
	Conflict Outcome = "CONFLICT"
)

// ErrInvalidSlot is returned for malformed reserve requests.
var ErrInvalidSlot = errors.New("invalid slot")

// Result is what Reserve returns.  Reservation is the caller's row when
// Granted; Replay is set when the caller already held the slot.
type Result struct {
	Outcome     Outcome
	Reservation *model.SlotReservation
	Replay      bool
}

// SessionCloser closes the payment session opened for a hold.  It must be
// idempotent and return nil for sessions that are already closed.
type SessionCloser interface {
	ExpireCheckout(ctx context.Context, sessionID string) error
}

// staleBatch bounds how many lapsed holds one sweep handles.
const staleBatch = 200

// Manager implements reserve and release over the slot_reservations table.
type Manager struct {
	repo    *repository.SlotReservationRepo
	holdTTL time.Duration
	closer  SessionCloser
	now     func() time.Time
	log     *zap.Logger
}

// NewManager constructs a Manager.  holdTTL is how long an unpaid
// reservation keeps its slot; zero disables expiry.  closer, when set,
// closes the checkout session of a lapsed hold before its slot is freed.
func NewManager(repo *repository.SlotReservationRepo, holdTTL time.Duration, closer SessionCloser, now func() time.Time, log *zap.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.L()
	}
	return &Manager{repo: repo, holdTTL: holdTTL, closer: closer, now: now, log: log.Named("reservation")}
}

// HoldTTL is how long an unpaid reservation keeps its slot.
func (m *Manager) HoldTTL() time.Duration { return m.holdTTL }

// Reserve grants the (resourceID, start) slot to requesterID or reports
// Conflict when another requester holds it.  Concurrent callers are
// ordered by the database: the first committed insert wins.  Repeating a
// granted request returns the existing reservation.
func (m *Manager) Reserve(ctx context.Context, resourceID string, start, end time.Time, requesterID string) (Result, error) {
	resourceID, requesterID = strings.TrimSpace(resourceID), strings.TrimSpace(requesterID)
	if resourceID == "" || requesterID == "" {
		return Result{}, fmt.Errorf("%w: resource and requester are required", ErrInvalidSlot)
	}
	if !end.After(start) {
		return Result{}, fmt.Errorf("%w: end must be after start", ErrInvalidSlot)
	}

	// A second attempt covers a holder that released between our insert
	// and the holder lookup.
	for attempt := 0; attempt < 2; attempt++ {
		res, retry, err := m.tryReserve(ctx, resourceID, start, end, requesterID)
		if err != nil {
			metrics.ReservationOutcomes.WithLabelValues("error").Inc()
			return Result{}, err
		}
		if !retry {
			label := strings.ToLower(string(res.Outcome))
			if res.Replay {
				label = "replay"
			}
			metrics.ReservationOutcomes.WithLabelValues(label).Inc()
			return res, nil
		}
	}
	metrics.ReservationOutcomes.WithLabelValues("conflict").Inc()
	return Result{Outcome: Conflict}, nil
}

func (m *Manager) tryReserve(ctx context.Context, resourceID string, start, end time.Time, requesterID string) (Result, bool, error) {
	now := m.now().UTC()
	row := &model.SlotReservation{
		ResourceID:  resourceID,
		StartTime:   start.UTC(),
		EndTime:     end.UTC(),
		RequesterID: requesterID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if m.holdTTL > 0 {
		exp := now.Add(m.holdTTL)
		row.ExpiresAt = &exp
	}

	tx, err := m.repo.DB().BeginTx(ctx, nil)
	if err != nil {
		return Result{}, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	err = m.repo.InsertTx(ctx, tx, row)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return Result{}, false, err
		}
		committed = true
		m.log.Info("slot granted",
			zap.Uint64("reservation_id", row.ID), zap.String("resource_id", resourceID),
			zap.Time("start", row.StartTime), zap.String("requester_id", requesterID))
		return Result{Outcome: Granted, Reservation: row}, false, nil
	}
	if !errors.Is(err, repository.ErrConflict) {
		return Result{}, false, err
	}

	holder, err := m.repo.ActiveHolderTx(ctx, tx, resourceID, start)
	if errors.Is(err, repository.ErrNotFound) {
		return Result{}, true, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	if holder.RequesterID == requesterID {
		return Result{Outcome: Granted, Reservation: holder, Replay: true}, false, nil
	}
	m.log.Debug("slot conflict",
		zap.String("resource_id", resourceID), zap.Time("start", start.UTC()),
		zap.String("requester_id", requesterID))
	return Result{Outcome: Conflict}, false, nil
}

// Release frees an ACTIVE reservation.  An empty requesterID releases on
// behalf of the system (compensation, abandoned checkout).  Releasing a
// reservation that is no longer ACTIVE is a no-op.
func (m *Manager) Release(ctx context.Context, reservationID uint64, requesterID string) error {
	tx, err := m.repo.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	ok, err := m.repo.ReleaseTx(ctx, tx, reservationID, requesterID, m.now())
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	if ok {
		m.log.Info("reservation released", zap.Uint64("reservation_id", reservationID), zap.String("requester_id", requesterID))
		return nil
	}

	existing, err := m.repo.GetByID(ctx, reservationID)
	if err != nil {
		return err
	}
	if existing.Status == model.ReservationActive && requesterID != "" && existing.RequesterID != requesterID {
		return repository.ErrForbidden
	}
	return nil
}

// ConfirmTx marks a reservation as paid inside the caller's transaction;
// it no longer expires.  It returns false when the reservation is not
// ACTIVE any more.
func (m *Manager) ConfirmTx(ctx context.Context, tx *sql.Tx, reservationID uint64) (bool, error) {
	return m.repo.ConfirmTx(ctx, tx, reservationID, m.now())
}

// Confirm clears the hold deadline in its own transaction.  It is used
// when a checkout completed but its payment is still clearing, so the
// sweep must not hand the slot to someone else meanwhile.
func (m *Manager) Confirm(ctx context.Context, reservationID uint64) (bool, error) {
	tx, err := m.repo.DB().BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	ok, err := m.repo.ConfirmTx(ctx, tx, reservationID, m.now())
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	return ok, nil
}

// ExpireStale releases unpaid reservations whose hold ended before now.
// The checkout session of each hold is closed first, so a lapsed hold can
// no longer be paid once its slot is free.  A hold whose session could not
// be closed keeps its slot until a later sweep.
func (m *Manager) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	stale, err := m.repo.ListStale(ctx, now, staleBatch)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, r := range stale {
		if r.CheckoutRef != nil && m.closer != nil {
			if err := m.closer.ExpireCheckout(ctx, *r.CheckoutRef); err != nil {
				m.log.Warn("checkout session not closed, keeping hold",
					zap.Uint64("reservation_id", r.ID), zap.String("session_id", *r.CheckoutRef), zap.Error(err))
				continue
			}
		}
		ok, err := m.repo.Expire(ctx, r.ID, now)
		if err != nil {
			return n, err
		}
		if ok {
			n++
			m.log.Info("reservation hold expired", zap.Uint64("reservation_id", r.ID), zap.String("resource_id", r.ResourceID))
		}
	}
	if n > 0 {
		metrics.ReservationsExpired.Add(float64(n))
	}
	return n, nil
}

// AttachCheckout links the payment session to a granted reservation so
// that the session's expiry can release it.
func (m *Manager) AttachCheckout(ctx context.Context, reservationID uint64, sessionID string) error {
	ok, err := m.repo.AttachCheckout(ctx, reservationID, sessionID, m.now())
	if err != nil {
		return err
	}
	if !ok {
		return repository.ErrInvalidState
	}
	return nil
}

// FindActive returns the requester's ACTIVE reservation of a slot.
func (m *Manager) FindActive(ctx context.Context, resourceID string, start time.Time, requesterID string) (*model.SlotReservation, error) {
	return m.repo.FindActive(ctx, strings.TrimSpace(resourceID), start.UTC(), strings.TrimSpace(requesterID))
}

// Get returns one reservation.
func (m *Manager) Get(ctx context.Context, reservationID uint64) (*model.SlotReservation, error) {
	return m.repo.GetByID(ctx, reservationID)
}
