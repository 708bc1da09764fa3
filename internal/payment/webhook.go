package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Checkout webhook event types handled by the booking flow.  A completed
// session may still be unpaid when the customer chose a delayed payment
// method; the async events report how that payment ended.
const (
	EventCheckoutCompleted      = "checkout.session.completed"
	EventCheckoutExpired        = "checkout.session.expired"
	EventCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutAsyncFailed    = "checkout.session.async_payment_failed"
)

// IsCheckoutEvent reports whether the booking flow handles t.
func IsCheckoutEvent(t string) bool {
	switch t {
	case EventCheckoutCompleted, EventCheckoutExpired, EventCheckoutAsyncSucceeded, EventCheckoutAsyncFailed:
		return true
	}
	return false
}

var (
	// ErrWebhookNotConfigured is returned when no signing secret is set.
	ErrWebhookNotConfigured = errors.New("webhook signing secret not configured")
	// ErrInvalidSignature is returned for payloads that fail verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// VerifyWebhook checks the Stripe-Signature header and decodes the event.
func (c *Client) VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	if c.webhookSecret == "" {
		return stripe.Event{}, ErrWebhookNotConfigured
	}
	ev, err := webhook.ConstructEvent(payload, sigHeader, c.webhookSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ev, nil
}

// CheckoutEvent is a verified checkout.session.* notification.
type CheckoutEvent struct {
	Type            string
	SessionID       string
	PaymentIntentID string
	PaymentStatus   string
	AmountTotal     int64
	Currency        string
	OccurredAt      time.Time
	Metadata        map[string]string
}

// Paid reports whether the customer's money has been collected.
func (e *CheckoutEvent) Paid() bool {
	return e.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusPaid)
}

// TransactionRef identifies the payment: the payment intent when the
// session produced one, the session otherwise.
func (e *CheckoutEvent) TransactionRef() string {
	if e.PaymentIntentID != "" {
		return e.PaymentIntentID
	}
	return e.SessionID
}

// ParseCheckoutEvent extracts the session from a checkout.session.* event.
func ParseCheckoutEvent(ev stripe.Event) (*CheckoutEvent, error) {
	if !strings.HasPrefix(string(ev.Type), "checkout.session.") {
		return nil, fmt.Errorf("unexpected event type %q", ev.Type)
	}
	if ev.Data == nil {
		return nil, errors.New("event has no data")
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	out := &CheckoutEvent{
		Type:          string(ev.Type),
		SessionID:     sess.ID,
		PaymentStatus: string(sess.PaymentStatus),
		AmountTotal:   sess.AmountTotal,
		Currency:      string(sess.Currency),
		OccurredAt:    time.Unix(ev.Created, 0).UTC(),
		Metadata:      sess.Metadata,
	}
	if sess.PaymentIntent != nil {
		out.PaymentIntentID = sess.PaymentIntent.ID
	}
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	return out, nil
}
