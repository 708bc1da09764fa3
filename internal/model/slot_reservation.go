package model

import "time"

// ReservationStatus is the state of a SlotReservation.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "ACTIVE"
	ReservationReleased ReservationStatus = "RELEASED"
	ReservationExpired  ReservationStatus = "EXPIRED"
)

// SlotReservation is an exclusivity claim on a (resource, start time)
// pair.  At most one ACTIVE row may exist per pair; the database enforces
// that through a unique index, not the application.  Rows are never
// deleted: releasing or expiring a reservation flips its status and frees
// the slot for the next requester.
//
// Fields:
//
//	ID          – primary key identifier.
//	ResourceID  – expert/event being booked.
//	StartTime   – slot start.
//	EndTime     – slot end.
//	RequesterID – customer who holds the slot.
//	Status      – ACTIVE, RELEASED or EXPIRED.
//	ExpiresAt   – hold deadline while payment is outstanding; nil once confirmed.
//	CheckoutRef – payment session opened for the hold, if any.
//	CreatedAt   – creation timestamp.
//	UpdatedAt   – last status change.
type SlotReservation struct {
	ID          uint64            `json:"id"`
	ResourceID  string            `json:"resource_id"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time"`
	RequesterID string            `json:"requester_id"`
	Status      ReservationStatus `json:"status"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	CheckoutRef *string           `json:"checkout_ref,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
