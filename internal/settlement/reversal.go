package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/metrics"
	"github.com/iliyamo/expert-settlement/internal/model"
	"github.com/iliyamo/expert-settlement/internal/repository"
)

// Audit actions.
const (
	ActionApprove         = "approve"
	ActionAnnotate        = "annotate"
	ActionResolve         = "resolve"
	ActionCancel          = "cancel"
	ActionCancelRequested = "cancel_requested"
	ActionReverse         = "reverse"
	ActionReverseFailed   = "reverse_failed"
	ActionReconcile       = "reconcile"
)

// reverser undoes completed transfers.  It is the only path that moves a
// record out of COMPLETED.
type reverser struct {
	transfers *repository.TransferRepo
	audit     *repository.AuditRepo
	settler   Settler
	pub       Publisher
	timeout   time.Duration
	log       *zap.Logger
}

// lookup asks the processor for a live transfer made for ref.
func (rv *reverser) lookup(ctx context.Context, ref string) (string, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, rv.timeout)
	defer cancel()
	timer := prometheus.NewTimer(metrics.RemoteCallDuration.WithLabelValues("lookup"))
	defer timer.ObserveDuration()
	return rv.settler.FindTransfer(callCtx, ref)
}

// reverse calls the processor and then marks rec REVERSED.  A failed
// reversal leaves the record COMPLETED with cancel_requested set and the
// error stored, so an operator can retry it.
func (rv *reverser) reverse(ctx context.Context, rec *model.TransferRecord, operator, note string, now time.Time) (*model.TransferRecord, error) {
	if rec.Status != model.TransferCompleted || rec.RemoteTransferID == nil {
		return nil, fmt.Errorf("reverse transfer %d in %s: %w", rec.ID, rec.Status, repository.ErrInvalidState)
	}
	log := rv.log.With(zap.Uint64("transfer_id", rec.ID), zap.String("operator", operator))

	callCtx, cancel := context.WithTimeout(ctx, rv.timeout)
	timer := prometheus.NewTimer(metrics.RemoteCallDuration.WithLabelValues("reverse"))
	callErr := rv.settler.Reverse(callCtx, *rec.RemoteTransferID, ReversalKey(rec))
	timer.ObserveDuration()
	cancel()

	if callErr != nil {
		code, msg := Describe(callErr)
		err := withTx(ctx, rv.transfers.DB(), func(tx *sql.Tx) error {
			if err := rv.transfers.FlagReversalFailureTx(ctx, tx, rec.ID, code, msg, now); err != nil {
				return err
			}
			return rv.audit.AppendTx(ctx, tx, &model.AuditEntry{
				TransferID: rec.ID, OperatorID: operator, Action: ActionReverseFailed,
				FromStatus: string(model.TransferCompleted), ToStatus: string(model.TransferCompleted),
				Note: fmt.Sprintf("%s: %s", code, msg), CreatedAt: now,
			})
		})
		if err != nil {
			log.Error("failed to record reversal failure", zap.Error(err))
		}
		log.Error("transfer reversal failed", zap.String("code", code), zap.Error(callErr))
		return nil, fmt.Errorf("reverse transfer %d: %w", rec.ID, callErr)
	}

	err := withTx(ctx, rv.transfers.DB(), func(tx *sql.Tx) error {
		ok, err := rv.transfers.MarkReversedTx(ctx, tx, rec.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("mark transfer %d reversed: %w", rec.ID, repository.ErrInvalidState)
		}
		return rv.audit.AppendTx(ctx, tx, &model.AuditEntry{
			TransferID: rec.ID, OperatorID: operator, Action: ActionReverse,
			FromStatus: string(model.TransferCompleted), ToStatus: string(model.TransferReversed),
			Note: note, CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	log.Info("transfer reversed", zap.String("remote_transfer_id", *rec.RemoteTransferID))
	publish(ctx, rv.pub, rv.log, newEvent(EventTransferReversed, rec, model.TransferReversed, now))
	return rv.transfers.GetByID(ctx, rec.ID)
}
