// Package payment adapts Stripe to the settlement engine: Connect transfers
// and reversals for payouts, checkout sessions for the booking flow, and
// webhook verification for payment completion.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/metrics"
	"github.com/iliyamo/expert-settlement/internal/settlement"
)

// Client talks to the Stripe API.  It implements settlement.Settler.
type Client struct {
	sc            *stripe.Client
	webhookSecret string
	successURL    string
	cancelURL     string
	log           *zap.Logger
}

var _ settlement.Settler = (*Client)(nil)

// NewClient builds a Client for the given secret key.
func NewClient(secretKey, webhookSecret, successURL, cancelURL string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.L()
	}
	return &Client{
		sc:            stripe.NewClient(secretKey),
		webhookSecret: webhookSecret,
		successURL:    successURL,
		cancelURL:     cancelURL,
		log:           log.Named("stripe"),
	}
}

func observe(op string, start time.Time) {
	metrics.RemoteCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Transfer moves the provider share to the connected account.  The
// idempotency key makes a repeated attempt return the original transfer.
func (c *Client) Transfer(ctx context.Context, req settlement.TransferRequest) (string, error) {
	defer observe("transfer", time.Now())

	params := &stripe.TransferCreateParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.Destination),
		Description:   stripe.String("Settlement " + req.Reference),
		TransferGroup: stripe.String(req.Reference),
	}
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("transaction_ref", req.Reference)

	tr, err := c.sc.V1Transfers.Create(ctx, params)
	if err != nil {
		mapped := mapError(err)
		c.log.Warn("transfer failed",
			zap.String("transaction_ref", req.Reference),
			zap.String("destination", req.Destination),
			zap.Int64("amount", req.Amount),
			zap.Error(mapped))
		return "", mapped
	}
	c.log.Info("transfer created",
		zap.String("transaction_ref", req.Reference),
		zap.String("transfer_id", tr.ID),
		zap.Int64("amount", tr.Amount))
	return tr.ID, nil
}

// Reverse pulls a completed transfer back from the connected account.
func (c *Client) Reverse(ctx context.Context, remoteTransferID, idempotencyKey string) error {
	defer observe("reverse", time.Now())

	params := &stripe.TransferReversalCreateParams{ID: stripe.String(remoteTransferID)}
	params.SetIdempotencyKey(idempotencyKey)

	rev, err := c.sc.V1TransferReversals.Create(ctx, params)
	if err != nil {
		mapped := mapError(err)
		c.log.Warn("transfer reversal failed", zap.String("transfer_id", remoteTransferID), zap.Error(mapped))
		return mapped
	}
	c.log.Info("transfer reversed", zap.String("transfer_id", remoteTransferID), zap.String("reversal_id", rev.ID))
	return nil
}

// FindTransfer looks up the transfer made for reference.  Transfers carry
// the reference as their transfer group; fully reversed ones are skipped.
func (c *Client) FindTransfer(ctx context.Context, reference string) (string, bool, error) {
	defer observe("transfer_lookup", time.Now())

	params := &stripe.TransferListParams{TransferGroup: stripe.String(reference)}
	params.Limit = stripe.Int64(10)
	for tr, err := range c.sc.V1Transfers.List(ctx, params) {
		if err != nil {
			mapped := mapError(err)
			c.log.Warn("transfer lookup failed", zap.String("transaction_ref", reference), zap.Error(mapped))
			return "", false, mapped
		}
		if tr.Reversed {
			continue
		}
		c.log.Info("transfer found", zap.String("transaction_ref", reference), zap.String("transfer_id", tr.ID))
		return tr.ID, true, nil
	}
	return "", false, nil
}

// CheckoutRequest describes the payment session opened for a booking.
// Metadata travels back on the checkout.session.* webhooks.  ExpiresAt
// closes the session at the processor; Stripe accepts 30 minutes to 24
// hours from creation and applies 24 hours when it is zero.
type CheckoutRequest struct {
	BookingRef  string
	Amount      int64
	Currency    string
	Description string
	Metadata    map[string]string
	ExpiresAt   time.Time
}

// CheckoutSession is the part of a created session the booking flow needs.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StartCheckout opens a hosted checkout session.
func (c *Client) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	defer observe("checkout_create", time.Now())

	meta := map[string]string{"booking_ref": req.BookingRef}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(c.successURL),
		CancelURL:         stripe.String(c.cancelURL),
		ClientReferenceID: stripe.String(req.BookingRef),
		Metadata:          meta,
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: meta,
		},
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{{
			PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
				Currency: stripe.String(req.Currency),
				ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
				UnitAmount: stripe.Int64(req.Amount),
			},
			Quantity: stripe.Int64(1),
		}},
	}
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}
	params.SetIdempotencyKey("checkout-" + req.BookingRef)

	sess, err := c.sc.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", mapError(err))
	}
	c.log.Debug("checkout session created", zap.String("booking_ref", req.BookingRef), zap.String("session_id", sess.ID))
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// ExpireCheckout closes an open checkout session so it can no longer be
// paid.  It is idempotent: an empty id, an already expired session or an
// unknown session all return nil.
func (c *Client) ExpireCheckout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	defer observe("checkout_expire", time.Now())

	_, err := c.sc.V1CheckoutSessions.Expire(ctx, sessionID, &stripe.CheckoutSessionExpireParams{})
	if err == nil {
		c.log.Debug("checkout session expired", zap.String("session_id", sessionID))
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests {
		// Already expired, completed or gone.
		c.log.Debug("checkout session not expirable", zap.String("session_id", sessionID), zap.String("code", string(se.Code)))
		return nil
	}
	return fmt.Errorf("expire checkout session %s: %w", sessionID, mapError(err))
}

var codeKinds = map[string]settlement.RemoteErrorKind{
	"rate_limit":            settlement.KindRateLimit,
	"lock_timeout":          settlement.KindServer,
	"account_invalid":       settlement.KindAccountInvalid,
	"account_closed":        settlement.KindAccountInvalid,
	"no_account":            settlement.KindAccountInvalid,
	"transfers_not_allowed": settlement.KindAccountInvalid,
	"amount_too_large":      settlement.KindAmountLimit,
	"amount_too_small":      settlement.KindAmountLimit,
	"balance_insufficient":  settlement.KindAmountLimit,
	"insufficient_funds":    settlement.KindAmountLimit,
}

// mapError translates a Stripe or transport failure into the classifier's
// tagged error.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := settlement.AsRemoteError(err); ok {
		return err
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		code := string(se.Code)
		re := &settlement.RemoteError{Code: code, Message: se.Msg, Err: err}
		if re.Code == "" {
			re.Code = string(se.Type)
		}
		if re.Code == "" && se.HTTPStatusCode != 0 {
			re.Code = "http_" + strconv.Itoa(se.HTTPStatusCode)
		}
		if kind, ok := codeKinds[code]; ok {
			re.Kind = kind
			return re
		}
		switch {
		case se.HTTPStatusCode == http.StatusTooManyRequests:
			re.Kind = settlement.KindRateLimit
		case se.HTTPStatusCode >= 500 || string(se.Type) == "api_error":
			re.Kind = settlement.KindServer
		case se.HTTPStatusCode == 0:
			re.Kind = settlement.KindNetwork
		default:
			re.Kind = settlement.KindValidation
		}
		return re
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &settlement.RemoteError{Kind: settlement.KindTimeout, Code: "timeout", Message: err.Error(), Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &settlement.RemoteError{Kind: settlement.KindTimeout, Code: "timeout", Message: err.Error(), Err: err}
	}
	return &settlement.RemoteError{Kind: settlement.KindNetwork, Code: "network", Message: err.Error(), Err: err}
}
