// Package queue defines message payloads exchanged over the message broker
// and the consumer of the payment.completed queue.
package queue

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/iliyamo/expert-settlement/internal/model"
)

// Default queue names.  Both are declared durable.
const (
	PaymentCompletedQueue = "payment.completed"
	SettlementEventsQueue = "settlement.events"
)

// PaymentCompletedEvent is published by the payment service once a
// charge for a booking is captured.  It carries the full booking context
// so the consumer never has to call back into the booking system.
type PaymentCompletedEvent struct {
	EventID string               `json:"event_id"`
	Booking model.BookingContext `json:"booking"`
}

// DecodePaymentCompleted parses a payment.completed message body.
// Unknown fields are rejected so producer drift surfaces as a rejected
// message instead of a half-filled record.
func DecodePaymentCompleted(body []byte) (PaymentCompletedEvent, error) {
	var ev PaymentCompletedEvent
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		return PaymentCompletedEvent{}, fmt.Errorf("decode payment.completed: %w", err)
	}
	return ev, nil
}
