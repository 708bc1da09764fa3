package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/iliyamo/expert-settlement/internal/model"
)

// TransferRepo provides data access to the transfer_records table.  It
// only exposes the transitions of the settlement state machine; there is
// no generic update.  Transitions performed by the scheduler are fenced
// on the claim token, transitions performed by operators are fenced on
// the current status.
type TransferRepo struct {
	db *sql.DB
}

// NewTransferRepo constructs a new TransferRepo.
func NewTransferRepo(db *sql.DB) *TransferRepo { return &TransferRepo{db: db} }

// DB exposes the underlying handle so callers can open transactions.
func (r *TransferRepo) DB() *sql.DB { return r.db }

const transferColumns = `id, transaction_ref, checkout_session_ref, booking_ref, reservation_id,
	provider_account_id, provider_id, jurisdiction, total_amount, currency, platform_fee, provider_share,
	payment_time, session_start_time, session_end_time, scheduled_transfer_time, next_attempt_at,
	status, retry_count, last_error_code, last_error_message, requires_approval, remote_transfer_id,
	claim_token, claimed_until, cancel_requested, admin_operator, admin_note, admin_updated_at,
	created_at, updated_at`

// dueStatuses is the IN list shared by selection and claim.
var dueStatuses = fmt.Sprintf("('%s','%s')", model.TransferPending, model.TransferRetryScheduled)

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanTransfer(row rowScanner) (*model.TransferRecord, error) {
	var (
		t                         model.TransferRecord
		reservationID             sql.NullInt64
		status                    string
		errCode, errMsg, remoteID sql.NullString
		claimToken                sql.NullString
		claimedUntil              sql.NullTime
		adminOp, adminNote        sql.NullString
		adminAt                   sql.NullTime
		requiresApproval          any
		cancelRequested           any
	)
	if err := row.Scan(
		&t.ID, &t.TransactionRef, &t.CheckoutSessionRef, &t.BookingRef, &reservationID,
		&t.ProviderAccountID, &t.ProviderID, &t.Jurisdiction, &t.TotalAmount, &t.Currency, &t.PlatformFee, &t.ProviderShare,
		&t.PaymentTime, &t.SessionStartTime, &t.SessionEndTime, &t.ScheduledTransferTime, &t.NextAttemptAt,
		&status, &t.RetryCount, &errCode, &errMsg, &requiresApproval, &remoteID,
		&claimToken, &claimedUntil, &cancelRequested, &adminOp, &adminNote, &adminAt,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if reservationID.Valid {
		id := uint64(reservationID.Int64)
		t.ReservationID = &id
	}
	t.Status = model.TransferStatus(status)
	t.LastErrorCode = stringPtr(errCode)
	t.LastErrorMessage = stringPtr(errMsg)
	t.RemoteTransferID = stringPtr(remoteID)
	t.ClaimToken = stringPtr(claimToken)
	t.ClaimedUntil = timePtr(claimedUntil)
	t.AdminOperator = stringPtr(adminOp)
	t.AdminNote = stringPtr(adminNote)
	t.AdminUpdatedAt = timePtr(adminAt)

	var err error
	if t.RequiresApproval, err = scanBool(requiresApproval); err != nil {
		return nil, err
	}
	if t.CancelRequested, err = scanBool(cancelRequested); err != nil {
		return nil, err
	}
	for _, ts := range []*time.Time{&t.PaymentTime, &t.SessionStartTime, &t.SessionEndTime,
		&t.ScheduledTransferTime, &t.NextAttemptAt, &t.CreatedAt, &t.UpdatedAt} {
		*ts = ts.UTC()
	}
	return &t, nil
}

// scanBool accepts the representations MySQL (TINYINT, []byte) and SQLite
// (int64 or bool) use for boolean columns.
func scanBool(v any) (bool, error) {
	bv, err := driver.Bool.ConvertValue(v)
	if err != nil {
		return false, err
	}
	return bv.(bool), nil
}

// CreateTx inserts a new PENDING transfer record within the provided
// transaction and sets its ID.  A second record for the same
// transaction reference is rejected by the unique index and reported as
// ErrConflict, which makes creation idempotent per payment.
func (r *TransferRepo) CreateTx(ctx context.Context, tx *sql.Tx, t *model.TransferRecord) error {
	const q = `INSERT INTO transfer_records
	  (transaction_ref, checkout_session_ref, booking_ref, reservation_id, provider_account_id, provider_id,
	   jurisdiction, total_amount, currency, platform_fee, provider_share, payment_time, session_start_time,
	   session_end_time, scheduled_transfer_time, next_attempt_at, status, retry_count, requires_approval,
	   cancel_requested, created_at, updated_at)
	  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?)`
	var reservationID sql.NullInt64
	if t.ReservationID != nil {
		reservationID = sql.NullInt64{Int64: int64(*t.ReservationID), Valid: true}
	}
	res, err := tx.ExecContext(ctx, q,
		t.TransactionRef, t.CheckoutSessionRef, t.BookingRef, reservationID, t.ProviderAccountID, t.ProviderID,
		t.Jurisdiction, t.TotalAmount, t.Currency, t.PlatformFee, t.ProviderShare,
		dbTime(t.PaymentTime), dbTime(t.SessionStartTime), dbTime(t.SessionEndTime),
		dbTime(t.ScheduledTransferTime), dbTime(t.NextAttemptAt), string(model.TransferPending),
		dbTime(t.CreatedAt), dbTime(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = uint64(id)
	t.Status = model.TransferPending
	return nil
}

func (r *TransferRepo) getBy(ctx context.Context, q queryRower, where string, arg any) (*model.TransferRecord, error) {
	query := `SELECT ` + transferColumns + ` FROM transfer_records WHERE ` + where
	t, err := scanTransfer(q.QueryRowContext(ctx, query, arg))
	if err != nil {
		return nil, mapNoRows(err)
	}
	return t, nil
}

// GetByID loads a transfer record by primary key.
func (r *TransferRepo) GetByID(ctx context.Context, id uint64) (*model.TransferRecord, error) {
	return r.getBy(ctx, r.db, "id = ?", id)
}

// GetByIDTx loads a transfer record inside tx.
func (r *TransferRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.TransferRecord, error) {
	return r.getBy(ctx, tx, "id = ?", id)
}

// GetByTransactionRef loads the record created for a payment.
func (r *TransferRepo) GetByTransactionRef(ctx context.Context, ref string) (*model.TransferRecord, error) {
	return r.getBy(ctx, r.db, "transaction_ref = ?", ref)
}

// GetByTransactionRefTx loads the record created for a payment inside tx.
func (r *TransferRepo) GetByTransactionRefTx(ctx context.Context, tx *sql.Tx, ref string) (*model.TransferRecord, error) {
	return r.getBy(ctx, tx, "transaction_ref = ?", ref)
}

func (r *TransferRepo) list(ctx context.Context, query string, args ...any) ([]model.TransferRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TransferRecord
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListDue returns up to limit records the scheduler may act on at now:
// status PENDING or RETRY_SCHEDULED, next attempt due, and no live lease.
// Records whose lease has expired are included so they can be reclaimed.
func (r *TransferRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]model.TransferRecord, error) {
	q := `SELECT ` + transferColumns + ` FROM transfer_records
	      WHERE status IN ` + dueStatuses + ` AND next_attempt_at <= ?
	        AND (claim_token IS NULL OR claimed_until < ?)
	      ORDER BY next_attempt_at, id LIMIT ?`
	n := dbTime(now)
	return r.list(ctx, q, n, n, limit)
}

// ListByStatus returns up to limit records in the given status, oldest update first.
func (r *TransferRepo) ListByStatus(ctx context.Context, status model.TransferStatus, limit int) ([]model.TransferRecord, error) {
	q := `SELECT ` + transferColumns + ` FROM transfer_records WHERE status = ? ORDER BY updated_at, id LIMIT ?`
	return r.list(ctx, q, string(status), limit)
}

// Claim takes the processing lease on a due record.  The conditional
// update succeeds for exactly one caller among any number of overlapping
// ticks: the first to write its token while the row is unclaimed or its
// lease has lapsed.  It returns false when another tick holds the lease or
// the record is no longer due.
func (r *TransferRepo) Claim(ctx context.Context, id uint64, token string, now, until time.Time) (bool, error) {
	q := `UPDATE transfer_records SET claim_token = ?, claimed_until = ?, updated_at = ?
	      WHERE id = ? AND status IN ` + dueStatuses + ` AND next_attempt_at <= ?
	        AND (claim_token IS NULL OR claimed_until < ?)`
	n := dbTime(now)
	res, err := r.db.ExecContext(ctx, q, token, dbTime(until), n, id, n, n)
	if err != nil {
		return false, err
	}
	return rowsAffected1(res)
}

// fenced runs a scheduler transition that must still own the lease.
func (r *TransferRepo) fenced(ctx context.Context, set string, id uint64, token string, args ...any) error {
	q := `UPDATE transfer_records SET ` + set + `, claim_token = NULL, claimed_until = NULL
	      WHERE id = ? AND claim_token = ?`
	args = append(args, id, token)
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	ok, err := rowsAffected1(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrClaimLost
	}
	return nil
}

// Complete marks a claimed record COMPLETED, stamps the remote transfer
// id and releases the lease.
func (r *TransferRepo) Complete(ctx context.Context, id uint64, token, remoteID string, now time.Time) error {
	return r.fenced(ctx,
		`status = ?, remote_transfer_id = ?, last_error_code = NULL, last_error_message = NULL, updated_at = ?`,
		id, token, string(model.TransferCompleted), remoteID, dbTime(now))
}

// ScheduleRetry moves a claimed record to RETRY_SCHEDULED with the new
// retry count, persists the failure and defers it until nextAttempt.
func (r *TransferRepo) ScheduleRetry(ctx context.Context, id uint64, token string, retryCount int, nextAttempt time.Time, code, msg string, now time.Time) error {
	return r.fenced(ctx,
		`status = ?, retry_count = ?, next_attempt_at = ?, last_error_code = ?, last_error_message = ?, updated_at = ?`,
		id, token, string(model.TransferRetryScheduled), retryCount, dbTime(nextAttempt), code, msg, dbTime(now))
}

// RequireApproval parks a claimed record in REQUIRES_APPROVAL with the
// failure persisted.  retryCount records the attempts made so far.
func (r *TransferRepo) RequireApproval(ctx context.Context, id uint64, token string, retryCount int, code, msg string, now time.Time) error {
	return r.fenced(ctx,
		`status = ?, requires_approval = 1, retry_count = ?, last_error_code = ?, last_error_message = ?, updated_at = ?`,
		id, token, string(model.TransferRequiresApproval), retryCount, code, msg, dbTime(now))
}

// HoldForApprovalTx parks a freshly created PENDING record in
// REQUIRES_APPROVAL before the scheduler can see it.
func (r *TransferRepo) HoldForApprovalTx(ctx context.Context, tx *sql.Tx, id uint64, code, msg string, now time.Time) (bool, error) {
	const q = `UPDATE transfer_records SET status = ?, requires_approval = 1, last_error_code = ?, last_error_message = ?, updated_at = ?
	           WHERE id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, q, string(model.TransferRequiresApproval), code, msg, dbTime(now),
		id, string(model.TransferPending))
	if err != nil {
		return false, err
	}
	return rowsAffected1(res)
}

// CancelClaimed applies a cancellation requested during an attempt that
// did not move money.
func (r *TransferRepo) CancelClaimed(ctx context.Context, id uint64, token string, now time.Time) error {
	return r.fenced(ctx, `status = ?, cancel_requested = 0, updated_at = ?`,
		id, token, string(model.TransferCancelled), dbTime(now))
}

// CancelUnclaimedTx cancels a record nobody is processing.  Only records
// that have not moved money qualify.  An expired lease is cleared so its
// former holder can no longer write.  It returns false when the record is
// claimed or not cancellable.
func (r *TransferRepo) CancelUnclaimedTx(ctx context.Context, tx *sql.Tx, id uint64, now time.Time) (bool, error) {
	q := fmt.Sprintf(`UPDATE transfer_records SET status = '%s', cancel_requested = 0, requires_approval = 0,
	        claim_token = NULL, claimed_until = NULL, updated_at = ?
	      WHERE id = ? AND status IN ('%s','%s','%s') AND (claim_token IS NULL OR claimed_until < ?)`,
		model.TransferCancelled, model.TransferPending, model.TransferRetryScheduled, model.TransferRequiresApproval)
	n := dbTime(now)
	res, err := tx.ExecContext(ctx, q, n, id, n)
	if err != nil {
		return false, err
	}
	return rowsAffected1(res)
}

// AdoptCompletedTx records a transfer found at the processor for an
// unclaimed record that never saw its attempt succeed.  The record becomes
// COMPLETED so the reversal path can undo it.
func (r *TransferRepo) AdoptCompletedTx(ctx context.Context, tx *sql.Tx, id uint64, remoteID string, now time.Time) (bool, error) {
	q := fmt.Sprintf(`UPDATE transfer_records SET status = '%s', remote_transfer_id = ?, requires_approval = 0,
	        claim_token = NULL, claimed_until = NULL, updated_at = ?
	      WHERE id = ? AND status IN ('%s','%s','%s') AND (claim_token IS NULL OR claimed_until < ?)`,
		model.TransferCompleted, model.TransferPending, model.TransferRetryScheduled, model.TransferRequiresApproval)
	n := dbTime(now)
	res, err := tx.ExecContext(ctx, q, remoteID, n, id, n)
	if err != nil {
		return false, err
	}
	return rowsAffected1(res)
}

// RequestCancelTx flags a claimed record for cancellation once the
// in-flight attempt resolves.
func (r *TransferRepo) RequestCancelTx(ctx context.Context, tx *sql.Tx, id uint64, now time.Time) (bool, error) {
	q := `UPDATE transfer_records SET cancel_requested = 1, updated_at = ?
	      WHERE id = ? AND status IN ` + dueStatuses
	res, err := tx.ExecContext(ctx, q, dbTime(now), id)
	if err != nil {
		return false, err
	}
	return rowsAffected1(res)
}

// MarkReversedTx moves a COMPLETED record to REVERSED after the remote
// reversal succeeded.
func (r *TransferRepo) MarkReversedTx(ctx context.Context, tx *sql.Tx, id uint64, now time.Time) (bool, error) {
	const q = `UPDATE transfer_records SET status = ?, cancel_requested = 0, updated_at = ?
	           WHERE id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, q, string(model.TransferReversed), dbTime(now), id, string(model.TransferCompleted))
	if err != nil {
		return false, err
	}
	return rowsAffected1(res)
}

// FlagReversalFailureTx keeps a COMPLETED record with cancel_requested set
// and stores why the reversal failed so an operator can retry it.
func (r *TransferRepo) FlagReversalFailureTx(ctx context.Context, tx *sql.Tx, id uint64, code, msg string, now time.Time) error {
	const q = `UPDATE transfer_records SET cancel_requested = 1, last_error_code = ?, last_error_message = ?, updated_at = ?
	           WHERE id = ? AND status = ?`
	_, err := tx.ExecContext(ctx, q, code, msg, dbTime(now), id, string(model.TransferCompleted))
	return err
}

// ApproveTx forces a REQUIRES_APPROVAL record back to PENDING, due
// immediately, with a fresh retry budget.
func (r *TransferRepo) ApproveTx(ctx context.Context, tx *sql.Tx, id uint64, operator, note string, now time.Time) (bool, error) {
	const q = `UPDATE transfer_records SET status = ?, requires_approval = 0, retry_count = 0, next_attempt_at = ?,
	             admin_operator = ?, admin_note = ?, admin_updated_at = ?, updated_at = ?
	           WHERE id = ? AND status = ?`
	n := dbTime(now)
	res, err := tx.ExecContext(ctx, q, string(model.TransferPending), n, operator, note, n, n,
		id, string(model.TransferRequiresApproval))
	if err != nil {
		return false, err
	}
	return rowsAffected1(res)
}

// ResolveTx marks a REQUIRES_APPROVAL record as settled out-of-band.
func (r *TransferRepo) ResolveTx(ctx context.Context, tx *sql.Tx, id uint64, operator, note string, now time.Time) (bool, error) {
	const q = `UPDATE transfer_records SET status = ?, admin_operator = ?, admin_note = ?, admin_updated_at = ?, updated_at = ?
	           WHERE id = ? AND status = ?`
	n := dbTime(now)
	res, err := tx.ExecContext(ctx, q, string(model.TransferFailed), operator, note, n, n,
		id, string(model.TransferRequiresApproval))
	if err != nil {
		return false, err
	}
	return rowsAffected1(res)
}

// AnnotateTx writes the admin fields only.
func (r *TransferRepo) AnnotateTx(ctx context.Context, tx *sql.Tx, id uint64, operator, note string, now time.Time) (bool, error) {
	const q = `UPDATE transfer_records SET admin_operator = ?, admin_note = ?, admin_updated_at = ?, updated_at = ?
	           WHERE id = ?`
	n := dbTime(now)
	res, err := tx.ExecContext(ctx, q, operator, note, n, n, id)
	if err != nil {
		return false, err
	}
	return rowsAffected1(res)
}
