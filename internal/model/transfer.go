package model

import "time"

// TransferStatus is the lifecycle state of a TransferRecord.
type TransferStatus string

const (
	TransferPending          TransferStatus = "PENDING"
	TransferRetryScheduled   TransferStatus = "RETRY_SCHEDULED"
	TransferCompleted        TransferStatus = "COMPLETED"
	TransferFailed           TransferStatus = "FAILED"
	TransferRequiresApproval TransferStatus = "REQUIRES_APPROVAL"
	TransferCancelled        TransferStatus = "CANCELLED"
	TransferReversed         TransferStatus = "REVERSED"
)

// Terminal reports whether automation will never touch a record in this
// state again.  REQUIRES_APPROVAL is terminal for the scheduler only; an
// operator can move it back to PENDING.
func (s TransferStatus) Terminal() bool {
	switch s {
	case TransferPending, TransferRetryScheduled:
		return false
	}
	return true
}

// Due reports whether the scheduler may pick up a record in this state.
func (s TransferStatus) Due() bool {
	return s == TransferPending || s == TransferRetryScheduled
}

// TransferRecord is the unit of delayed settlement: the provider's share of
// one completed payment, waiting for its holding period to elapse before it
// is pushed to the provider's payout account.
//
// Fields:
//
//	ID                    – primary key identifier.
//	TransactionRef        – processor payment reference; unique, one record per payment.
//	CheckoutSessionRef    – processor checkout session that collected the payment.
//	BookingRef            – booking/event the payment paid for.
//	ReservationID         – slot reservation confirmed by the payment (nullable).
//	ProviderAccountID     – provider's remote payout account.
//	ProviderID            – provider's internal identifier.
//	Jurisdiction          – jurisdiction code used to derive the holding period.
//	TotalAmount           – amount charged, in minor units.
//	Currency              – ISO currency code, lower case.
//	PlatformFee           – platform's share in minor units.
//	ProviderShare         – TotalAmount − PlatformFee, always > 0.
//	PaymentTime           – when the customer paid.
//	SessionStartTime      – when the session starts.
//	SessionEndTime        – when the session ends.
//	ScheduledTransferTime – earliest time the transfer may be attempted.
//	NextAttemptAt         – when the scheduler may next pick the record up.
//	Status                – lifecycle state.
//	RetryCount            – number of transient failures so far.
//	LastErrorCode         – last remote error code (nullable).
//	LastErrorMessage      – last remote error message (nullable).
//	RequiresApproval      – set when automation gave up on the record.
//	RemoteTransferID      – processor transfer identifier once settled (nullable).
//	ClaimToken            – token of the scheduler tick holding the lease (nullable).
//	ClaimedUntil          – lease expiry (nullable).
//	CancelRequested       – cancellation waiting for an in-flight attempt.
//	AdminOperator         – last operator who touched the record (nullable).
//	AdminNote             – last operator note (nullable).
//	AdminUpdatedAt        – when an operator last touched the record (nullable).
//	CreatedAt             – creation timestamp.
//	UpdatedAt             – last update timestamp.
type TransferRecord struct {
	ID                    uint64         `json:"id"`
	TransactionRef        string         `json:"transaction_ref"`
	CheckoutSessionRef    string         `json:"checkout_session_ref"`
	BookingRef            string         `json:"booking_ref"`
	ReservationID         *uint64        `json:"reservation_id,omitempty"`
	ProviderAccountID     string         `json:"provider_account_id"`
	ProviderID            string         `json:"provider_id"`
	Jurisdiction          string         `json:"jurisdiction"`
	TotalAmount           int64          `json:"total_amount"`
	Currency              string         `json:"currency"`
	PlatformFee           int64          `json:"platform_fee"`
	ProviderShare         int64          `json:"provider_share"`
	PaymentTime           time.Time      `json:"payment_time"`
	SessionStartTime      time.Time      `json:"session_start_time"`
	SessionEndTime        time.Time      `json:"session_end_time"`
	ScheduledTransferTime time.Time      `json:"scheduled_transfer_time"`
	NextAttemptAt         time.Time      `json:"next_attempt_at"`
	Status                TransferStatus `json:"status"`
	RetryCount            int            `json:"retry_count"`
	LastErrorCode         *string        `json:"last_error_code,omitempty"`
	LastErrorMessage      *string        `json:"last_error_message,omitempty"`
	RequiresApproval      bool           `json:"requires_approval"`
	RemoteTransferID      *string        `json:"remote_transfer_id,omitempty"`
	ClaimToken            *string        `json:"-"`
	ClaimedUntil          *time.Time     `json:"-"`
	CancelRequested       bool           `json:"cancel_requested"`
	AdminOperator         *string        `json:"admin_operator,omitempty"`
	AdminNote             *string        `json:"admin_note,omitempty"`
	AdminUpdatedAt        *time.Time     `json:"admin_updated_at,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// Balanced reports whether the monetary split is consistent.
func (r *TransferRecord) Balanced() bool {
	return r.ProviderShare > 0 && r.PlatformFee >= 0 && r.ProviderShare+r.PlatformFee == r.TotalAmount
}

// Claimed reports whether a live lease is held on the record at now.
func (r *TransferRecord) Claimed(now time.Time) bool {
	return r.ClaimToken != nil && r.ClaimedUntil != nil && r.ClaimedUntil.After(now)
}

// AuditEntry is one row of the append-only operator audit trail.
type AuditEntry struct {
	ID         uint64    `json:"id"`
	TransferID uint64    `json:"transfer_id"`
	OperatorID string    `json:"operator_id"`
	Action     string    `json:"action"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Note       string    `json:"note"`
	CreatedAt  time.Time `json:"created_at"`
}
