package model

import "time"

// BookingContext carries everything known about a booking at the moment
// its payment is confirmed.  It is the input to transfer record creation
// and travels over the payment.completed queue as JSON.
type BookingContext struct {
	TransactionRef     string    `json:"transaction_ref" validate:"required"`
	CheckoutSessionRef string    `json:"checkout_session_ref"`
	BookingRef         string    `json:"booking_ref" validate:"required"`
	ReservationID      *uint64   `json:"reservation_id,omitempty"`
	ProviderAccountID  string    `json:"provider_account_id" validate:"required"`
	ProviderID         string    `json:"provider_id" validate:"required"`
	Jurisdiction       string    `json:"jurisdiction"`
	TotalAmount        int64     `json:"total_amount" validate:"gt=0"`
	Currency           string    `json:"currency" validate:"required,len=3"`
	PlatformFee        *int64    `json:"platform_fee,omitempty"`
	PaymentTime        time.Time `json:"payment_time" validate:"required"`
	SessionStartTime   time.Time `json:"session_start_time" validate:"required"`
	SessionEndTime     time.Time `json:"session_end_time" validate:"required"`
}
