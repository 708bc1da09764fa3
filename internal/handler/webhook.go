package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/booking"
	"github.com/iliyamo/expert-settlement/internal/payment"
)

// maxWebhookBody bounds the payload read from the processor.
const maxWebhookBody = 64 << 10

// WebhookVerifier authenticates processor notifications.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error)
}

// CheckoutEventHandler applies a verified checkout notification.
type CheckoutEventHandler interface {
	HandleCheckoutEvent(ctx context.Context, ev *payment.CheckoutEvent) error
}

var (
	_ WebhookVerifier      = (*payment.Client)(nil)
	_ CheckoutEventHandler = (*booking.Service)(nil)
)

// WebhookHandler receives Stripe notifications.  It is public; the
// signature header is the authentication.
type WebhookHandler struct {
	Verifier WebhookVerifier
	Events   CheckoutEventHandler
	Log      *zap.Logger
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(v WebhookVerifier, events CheckoutEventHandler, log *zap.Logger) *WebhookHandler {
	if v == nil || events == nil {
		panic("nil dependency passed to NewWebhookHandler")
	}
	return &WebhookHandler{Verifier: v, Events: events, Log: named(log, "http.webhook")}
}

// Stripe handles POST /webhooks/stripe.  Processor retries are driven by
// the status code: 400 for payloads that will never verify, 200 for events
// that are applied, ignored or can never apply, 500 for failures worth
// redelivering.
func (h *WebhookHandler) Stripe(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	ev, err := h.Verifier.VerifyWebhook(payload, c.Request().Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payment.ErrWebhookNotConfigured) {
			h.Log.Error("webhook received but no signing secret is configured")
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "webhook not configured"})
		}
		h.Log.Warn("webhook signature rejected", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid signature"})
	}

	log := h.Log.With(zap.String("event_id", ev.ID), zap.String("type", string(ev.Type)))
	if !payment.IsCheckoutEvent(string(ev.Type)) {
		log.Debug("ignoring event")
		return c.JSON(http.StatusOK, echo.Map{"received": true})
	}

	cev, err := payment.ParseCheckoutEvent(ev)
	if err != nil {
		log.Warn("undecodable checkout event", zap.Error(err))
		return c.JSON(http.StatusOK, echo.Map{"received": true})
	}
	if err := h.Events.HandleCheckoutEvent(c.Request().Context(), cev); err != nil {
		if code := statusOf(err); code < http.StatusInternalServerError && code != http.StatusBadGateway {
			// Redelivery cannot fix the event itself.
			log.Warn("checkout event not applicable", zap.String("session_id", cev.SessionID), zap.Error(err))
			return c.JSON(http.StatusOK, echo.Map{"received": true})
		}
		log.Error("checkout event failed", zap.String("session_id", cev.SessionID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, echo.Map{"received": true})
}
