package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/model"
	"github.com/iliyamo/expert-settlement/internal/repository"
)

// ErrOperatorRequired is returned when an override carries no operator.
var ErrOperatorRequired = errors.New("operator id is required")

// Admin implements the operator overrides.  They bypass the classifier,
// and every one of them writes an audit row in the same transaction as the
// change it makes.
type Admin struct {
	transfers *repository.TransferRepo
	audit     *repository.AuditRepo
	rev       *reverser
	pub       Publisher
	now       func() time.Time
	log       *zap.Logger
}

// AdminDeps are the collaborators of Admin.  Now defaults to time.Now.
type AdminDeps struct {
	Transfers     *repository.TransferRepo
	Audit         *repository.AuditRepo
	Settler       Settler
	Publisher     Publisher
	RemoteTimeout time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
}

// NewAdmin wires an Admin.
func NewAdmin(deps AdminDeps) *Admin {
	if deps.Logger == nil {
		deps.Logger = zap.L()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.RemoteTimeout <= 0 {
		deps.RemoteTimeout = 30 * time.Second
	}
	log := deps.Logger.Named("admin")
	return &Admin{
		transfers: deps.Transfers,
		audit:     deps.Audit,
		rev: &reverser{
			transfers: deps.Transfers,
			audit:     deps.Audit,
			settler:   deps.Settler,
			pub:       deps.Publisher,
			timeout:   deps.RemoteTimeout,
			log:       log,
		},
		pub: deps.Publisher,
		now: deps.Now,
		log: log,
	}
}

// override runs one audited conditional transition.  apply reports
// whether the row matched; a miss means the record is in the wrong state.
func (a *Admin) override(ctx context.Context, id uint64, operator, note, action string,
	to func(from model.TransferStatus) model.TransferStatus,
	apply func(tx *sql.Tx, now time.Time) (bool, error),
) (*model.TransferRecord, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return nil, ErrOperatorRequired
	}
	now := a.now().UTC()
	var from model.TransferStatus
	err := withTx(ctx, a.transfers.DB(), func(tx *sql.Tx) error {
		rec, err := a.transfers.GetByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		from = rec.Status
		ok, err := apply(tx, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s transfer %d in %s: %w", action, id, from, repository.ErrInvalidState)
		}
		return a.audit.AppendTx(ctx, tx, &model.AuditEntry{
			TransferID: id, OperatorID: operator, Action: action,
			FromStatus: string(from), ToStatus: string(to(from)), Note: note, CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("operator override applied",
		zap.String("action", action), zap.Uint64("transfer_id", id), zap.String("operator", operator),
		zap.String("from", string(from)), zap.String("to", string(to(from))), zap.String("note", note))
	return a.transfers.GetByID(ctx, id)
}

func fixed(s model.TransferStatus) func(model.TransferStatus) model.TransferStatus {
	return func(model.TransferStatus) model.TransferStatus { return s }
}

func same(from model.TransferStatus) model.TransferStatus { return from }

// Approve forces a REQUIRES_APPROVAL record back to PENDING, due at once
// with a fresh retry budget.
func (a *Admin) Approve(ctx context.Context, id uint64, operator, note string) (*model.TransferRecord, error) {
	return a.override(ctx, id, operator, note, ActionApprove, fixed(model.TransferPending),
		func(tx *sql.Tx, now time.Time) (bool, error) {
			return a.transfers.ApproveTx(ctx, tx, id, operator, note, now)
		})
}

// Annotate records an operator note without changing state.
func (a *Admin) Annotate(ctx context.Context, id uint64, operator, note string) (*model.TransferRecord, error) {
	return a.override(ctx, id, operator, note, ActionAnnotate, same,
		func(tx *sql.Tx, now time.Time) (bool, error) {
			return a.transfers.AnnotateTx(ctx, tx, id, operator, note, now)
		})
}

// Resolve marks a REQUIRES_APPROVAL record as settled out-of-band (FAILED
// for automation).
func (a *Admin) Resolve(ctx context.Context, id uint64, operator, note string) (*model.TransferRecord, error) {
	return a.override(ctx, id, operator, note, ActionResolve, fixed(model.TransferFailed),
		func(tx *sql.Tx, now time.Time) (bool, error) {
			return a.transfers.ResolveTx(ctx, tx, id, operator, note, now)
		})
}

// Cancel stops a transfer.  An unclaimed record that has not moved money is
// cancelled at once.  A record being processed is flagged and the
// scheduler applies the cancellation when the attempt resolves.  A
// COMPLETED record is reversed at the processor.
func (a *Admin) Cancel(ctx context.Context, id uint64, operator, note string) (*model.TransferRecord, error) {
	if strings.TrimSpace(operator) == "" {
		return nil, ErrOperatorRequired
	}
	rec, err := a.transfers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == model.TransferCompleted {
		return a.rev.reverse(ctx, rec, strings.TrimSpace(operator), note, a.now().UTC())
	}
	if !rec.Claimed(a.now().UTC()) && mayHaveMovedMoney(rec) {
		remoteID, found, err := a.rev.lookup(ctx, rec.TransactionRef)
		if err != nil {
			return nil, fmt.Errorf("look up transfer %d: %w", id, err)
		}
		if found {
			return a.reconcileAndReverse(ctx, id, remoteID, operator, note)
		}
	}

	out, err := a.override(ctx, id, operator, note, ActionCancel, fixed(model.TransferCancelled),
		func(tx *sql.Tx, now time.Time) (bool, error) {
			return a.transfers.CancelUnclaimedTx(ctx, tx, id, now)
		})
	if err == nil {
		publish(ctx, a.pub, a.log, newEvent(EventTransferCancelled, out, model.TransferCancelled, a.now()))
		return out, nil
	}
	if !errors.Is(err, repository.ErrInvalidState) {
		return nil, err
	}
	// Claimed by a running pass: defer to it.
	return a.override(ctx, id, operator, note, ActionCancelRequested, same,
		func(tx *sql.Tx, now time.Time) (bool, error) {
			return a.transfers.RequestCancelTx(ctx, tx, id, now)
		})
}

// ListRequiringApproval returns records parked for an operator.
func (a *Admin) ListRequiringApproval(ctx context.Context, limit int) ([]model.TransferRecord, error) {
	return a.List(ctx, model.TransferRequiresApproval, limit)
}

// List returns records in one status, oldest first.
func (a *Admin) List(ctx context.Context, status model.TransferStatus, limit int) ([]model.TransferRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return a.transfers.ListByStatus(ctx, status, limit)
}

// Get returns one record.
func (a *Admin) Get(ctx context.Context, id uint64) (*model.TransferRecord, error) {
	return a.transfers.GetByID(ctx, id)
}

// AuditTrail returns the operator history of a record.
func (a *Admin) AuditTrail(ctx context.Context, id uint64) ([]model.AuditEntry, error) {
	return a.audit.ListByTransfer(ctx, id)
}

// reconcileAndReverse records a transfer the processor made for an attempt
// that was never marked completed, then reverses it.
func (a *Admin) reconcileAndReverse(ctx context.Context, id uint64, remoteID, operator, note string) (*model.TransferRecord, error) {
	rec, err := a.override(ctx, id, operator, "transfer "+remoteID+" found at processor", ActionReconcile, fixed(model.TransferCompleted),
		func(tx *sql.Tx, now time.Time) (bool, error) {
			return a.transfers.AdoptCompletedTx(ctx, tx, id, remoteID, now)
		})
	if err != nil {
		return nil, err
	}
	publish(ctx, a.pub, a.log, newEvent(EventTransferCompleted, rec, model.TransferCompleted, a.now()))
	return a.rev.reverse(ctx, rec, strings.TrimSpace(operator), note, a.now().UTC())
}
