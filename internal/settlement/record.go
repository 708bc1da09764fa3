package settlement

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/expert-settlement/internal/model"
)

// NewTransferRecord builds the PENDING record for a completed payment.  It
// splits the amount, derives the scheduled transfer time from the
// jurisdiction's holding period and makes the record due at that time.
func NewTransferRecord(bc model.BookingContext, delays DelayTable, feeRate decimal.Decimal, now time.Time) (*model.TransferRecord, error) {
	if bc.SessionEndTime.Before(bc.SessionStartTime) {
		return nil, fmt.Errorf("%w: session ends before it starts", ErrInvalidAmount)
	}
	fee, share, err := SplitAmount(bc.TotalAmount, bc.PlatformFee, feeRate)
	if err != nil {
		return nil, err
	}
	jurisdiction := strings.ToUpper(strings.TrimSpace(bc.Jurisdiction))
	scheduled := ScheduledTransferTime(bc.PaymentTime, bc.SessionStartTime, bc.SessionEndTime,
		delays.MinimumDelayDays(jurisdiction))
	now = now.UTC()
	return &model.TransferRecord{
		TransactionRef:        bc.TransactionRef,
		CheckoutSessionRef:    bc.CheckoutSessionRef,
		BookingRef:            bc.BookingRef,
		ReservationID:         bc.ReservationID,
		ProviderAccountID:     bc.ProviderAccountID,
		ProviderID:            bc.ProviderID,
		Jurisdiction:          jurisdiction,
		TotalAmount:           bc.TotalAmount,
		Currency:              strings.ToLower(bc.Currency),
		PlatformFee:           fee,
		ProviderShare:         share,
		PaymentTime:           bc.PaymentTime.UTC(),
		SessionStartTime:      bc.SessionStartTime.UTC(),
		SessionEndTime:        bc.SessionEndTime.UTC(),
		ScheduledTransferTime: scheduled,
		NextAttemptAt:         scheduled,
		Status:                model.TransferPending,
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}

// IdempotencyKey is the token sent with every settlement attempt for the
// record, so the processor collapses retries into one transfer.
func IdempotencyKey(r *model.TransferRecord) string {
	return "transfer-" + r.TransactionRef
}

// ReversalKey is the token sent with reversal attempts for the record.
func ReversalKey(r *model.TransferRecord) string {
	return "reversal-" + r.TransactionRef
}
