package settlement

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/model"
)

// TransferRequest is the input of a remote settlement call.
type TransferRequest struct {
	Destination    string
	Amount         int64
	Currency       string
	Reference      string
	IdempotencyKey string
}

// Settler moves money at the payment processor.  Failures should be
// reported as *RemoteError; anything else is classified as transient.
// FindTransfer reports the live transfer made for a reference, so an
// attempt whose outcome was never recorded can be resolved.
type Settler interface {
	Transfer(ctx context.Context, req TransferRequest) (remoteTransferID string, err error)
	Reverse(ctx context.Context, remoteTransferID, idempotencyKey string) error
	FindTransfer(ctx context.Context, reference string) (remoteTransferID string, found bool, err error)
}

// mayHaveMovedMoney reports whether an earlier attempt on r could have
// succeeded at the processor without the outcome being recorded: its lease
// lapsed mid-attempt, an attempt failed before, or a cancellation is
// still waiting on an attempt's outcome.
func mayHaveMovedMoney(r *model.TransferRecord) bool {
	return r.ClaimToken != nil || r.RetryCount > 0 || r.CancelRequested
}

// ambiguous reports whether a failed call may still have been applied by
// the processor.  Rejections are definitive; timeouts, transport and
// server errors are not.
func ambiguous(err error) bool {
	re, ok := AsRemoteError(err)
	if !ok {
		return true
	}
	switch re.Kind {
	case KindValidation, KindAccountInvalid, KindAmountLimit, KindRateLimit:
		return false
	}
	return true
}

// Event types published after state changes.
const (
	EventTransferCompleted        = "transfer.completed"
	EventTransferRequiresApproval = "transfer.requires_approval"
	EventTransferReversed         = "transfer.reversed"
	EventTransferCancelled        = "transfer.cancelled"
)

// Event notifies downstream consumers (notifications, reporting) about a
// settlement state change.
type Event struct {
	Type             string    `json:"type"`
	TransferID       uint64    `json:"transfer_id"`
	TransactionRef   string    `json:"transaction_ref"`
	BookingRef       string    `json:"booking_ref"`
	ProviderID       string    `json:"provider_id"`
	Status           string    `json:"status"`
	ProviderShare    int64     `json:"provider_share"`
	Currency         string    `json:"currency"`
	RemoteTransferID string    `json:"remote_transfer_id,omitempty"`
	ErrorCode        string    `json:"error_code,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Publisher delivers events.  Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

func newEvent(typ string, r *model.TransferRecord, status model.TransferStatus, at time.Time) Event {
	ev := Event{
		Type:           typ,
		TransferID:     r.ID,
		TransactionRef: r.TransactionRef,
		BookingRef:     r.BookingRef,
		ProviderID:     r.ProviderID,
		Status:         string(status),
		ProviderShare:  r.ProviderShare,
		Currency:       r.Currency,
		OccurredAt:     at.UTC(),
	}
	if r.RemoteTransferID != nil {
		ev.RemoteTransferID = *r.RemoteTransferID
	}
	return ev
}

func publish(ctx context.Context, pub Publisher, log *zap.Logger, ev Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, ev); err != nil {
		log.Warn("settlement event not published",
			zap.String("type", ev.Type), zap.Uint64("transfer_id", ev.TransferID), zap.Error(err))
	}
}
