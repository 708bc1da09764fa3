package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/expert-settlement/internal/model"
)

// activeLock is stored in slot_reservations.active_lock while a row is
// ACTIVE and cleared to NULL on release/expiry.  The unique index over
// (resource_id, start_time, active_lock) therefore admits any number of
// released rows but only one active row per slot.
const activeLock = "HELD"

// SlotReservationRepo provides data access to the slot_reservations table.
// It is responsible for inserting, releasing, confirming and expiring
// reservations.  All timestamps are bound in UTC by the repository.
type SlotReservationRepo struct {
	db *sql.DB
}

// NewSlotReservationRepo returns a new SlotReservationRepo bound to the provided database.
func NewSlotReservationRepo(db *sql.DB) *SlotReservationRepo { return &SlotReservationRepo{db: db} }

// DB exposes the underlying handle so callers can open transactions.
func (r *SlotReservationRepo) DB() *sql.DB { return r.db }

const slotColumns = `id, resource_id, start_time, end_time, requester_id, status, expires_at, checkout_ref, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (*model.SlotReservation, error) {
	var (
		s       model.SlotReservation
		status  string
		expires sql.NullTime
		ref     sql.NullString
	)
	if err := row.Scan(&s.ID, &s.ResourceID, &s.StartTime, &s.EndTime, &s.RequesterID,
		&status, &expires, &ref, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = model.ReservationStatus(status)
	s.StartTime = s.StartTime.UTC()
	s.EndTime = s.EndTime.UTC()
	s.ExpiresAt = timePtr(expires)
	s.CheckoutRef = stringPtr(ref)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

// InsertTx inserts an ACTIVE reservation within the provided transaction
// and populates its generated ID.  When another ACTIVE reservation
// already holds the same (resource, start time) the unique index rejects
// the row and ErrConflict is returned.  No read precedes the insert: the
// constraint alone arbitrates between concurrent requesters.
func (r *SlotReservationRepo) InsertTx(ctx context.Context, tx *sql.Tx, res *model.SlotReservation) error {
	const q = `INSERT INTO slot_reservations
	           (resource_id, start_time, end_time, requester_id, status, active_lock, expires_at, created_at, updated_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := tx.ExecContext(ctx, q,
		res.ResourceID, dbTime(res.StartTime), dbTime(res.EndTime), res.RequesterID,
		string(model.ReservationActive), activeLock, nullTime(res.ExpiresAt),
		dbTime(res.CreatedAt), dbTime(res.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	res.ID = uint64(id)
	res.Status = model.ReservationActive
	return nil
}

// ActiveHolderTx returns the ACTIVE reservation for the slot, or
// ErrNotFound.  It is only used after a rejected insert to tell a replay
// by the same requester apart from a genuine conflict.
func (r *SlotReservationRepo) ActiveHolderTx(ctx context.Context, tx *sql.Tx, resourceID string, start time.Time) (*model.SlotReservation, error) {
	q := `SELECT ` + slotColumns + ` FROM slot_reservations
	      WHERE resource_id = ? AND start_time = ? AND active_lock = ?`
	s, err := scanSlot(tx.QueryRowContext(ctx, q, resourceID, dbTime(start), activeLock))
	if err != nil {
		return nil, mapNoRows(err)
	}
	return s, nil
}

// FindActive returns the requester's ACTIVE reservation for the slot, or
// ErrNotFound.
func (r *SlotReservationRepo) FindActive(ctx context.Context, resourceID string, start time.Time, requesterID string) (*model.SlotReservation, error) {
	q := `SELECT ` + slotColumns + ` FROM slot_reservations
	      WHERE resource_id = ? AND start_time = ? AND active_lock = ? AND requester_id = ?`
	s, err := scanSlot(r.db.QueryRowContext(ctx, q, resourceID, dbTime(start), activeLock, requesterID))
	if err != nil {
		return nil, mapNoRows(err)
	}
	return s, nil
}

// GetByID loads a reservation by primary key.
func (r *SlotReservationRepo) GetByID(ctx context.Context, id uint64) (*model.SlotReservation, error) {
	q := `SELECT ` + slotColumns + ` FROM slot_reservations WHERE id = ?`
	s, err := scanSlot(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, mapNoRows(err)
	}
	return s, nil
}

// ReleaseTx flips an ACTIVE reservation to RELEASED and frees the slot.
// When requesterID is non-empty the row must belong to that requester.
// It returns false when the row was not ACTIVE (already released or
// expired), which callers treat as a no-op.
func (r *SlotReservationRepo) ReleaseTx(ctx context.Context, tx *sql.Tx, id uint64, requesterID string, now time.Time) (bool, error) {
	q := `UPDATE slot_reservations SET status = ?, active_lock = NULL, expires_at = NULL, updated_at = ?
	      WHERE id = ? AND status = ?`
	args := []any{string(model.ReservationReleased), dbTime(now), id, string(model.ReservationActive)}
	if requesterID != "" {
		q += ` AND requester_id = ?`
		args = append(args, requesterID)
	}
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	return rowsAffected1(res)
}

// ConfirmTx clears the hold deadline of an ACTIVE reservation once its
// payment has completed, so the expiry sweep leaves it alone.
func (r *SlotReservationRepo) ConfirmTx(ctx context.Context, tx *sql.Tx, id uint64, now time.Time) (bool, error) {
	const q = `UPDATE slot_reservations SET expires_at = NULL, updated_at = ?
	           WHERE id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, q, dbTime(now), id, string(model.ReservationActive))
	if err != nil {
		return false, err
	}
	return rowsAffected1(res)
}

// AttachCheckout records the payment session opened for an ACTIVE
// reservation.
func (r *SlotReservationRepo) AttachCheckout(ctx context.Context, id uint64, ref string, now time.Time) (bool, error) {
	const q = `UPDATE slot_reservations SET checkout_ref = ?, updated_at = ?
	           WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, q, ref, dbTime(now), id, string(model.ReservationActive))
	if err != nil {
		return false, err
	}
	return rowsAffected1(res)
}

// ListStale returns up to limit ACTIVE reservations whose hold deadline
// has passed, oldest deadline first.  Confirmed reservations have no
// deadline and are never returned.
func (r *SlotReservationRepo) ListStale(ctx context.Context, now time.Time, limit int) ([]*model.SlotReservation, error) {
	q := `SELECT ` + slotColumns + ` FROM slot_reservations
	      WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
	      ORDER BY expires_at, id LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, string(model.ReservationActive), dbTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.SlotReservation
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Expire moves one ACTIVE reservation whose hold deadline has passed to
// EXPIRED and frees the slot.  It returns false when the row was paid,
// released or re-confirmed in the meantime.
func (r *SlotReservationRepo) Expire(ctx context.Context, id uint64, now time.Time) (bool, error) {
	const q = `UPDATE slot_reservations SET status = ?, active_lock = NULL, updated_at = ?
	           WHERE id = ? AND status = ? AND expires_at IS NOT NULL AND expires_at <= ?`
	res, err := r.db.ExecContext(ctx, q,
		string(model.ReservationExpired), dbTime(now), id, string(model.ReservationActive), dbTime(now))
	if err != nil {
		return false, err
	}
	return rowsAffected1(res)
}
