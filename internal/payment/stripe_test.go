package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/settlement"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind settlement.RemoteErrorKind
		code string
	}{
		{"rate limit code", &stripe.Error{Code: "rate_limit", HTTPStatusCode: 429}, settlement.KindRateLimit, "rate_limit"},
		{"429 without code", &stripe.Error{HTTPStatusCode: 429}, settlement.KindRateLimit, "http_429"},
		{"server error", &stripe.Error{Type: "api_error", HTTPStatusCode: 500, Msg: "boom"}, settlement.KindServer, "api_error"},
		{"bad gateway", &stripe.Error{HTTPStatusCode: 502}, settlement.KindServer, "http_502"},
		{"account invalid", &stripe.Error{Code: "account_invalid", HTTPStatusCode: 400}, settlement.KindAccountInvalid, "account_invalid"},
		{"amount too large", &stripe.Error{Code: "amount_too_large", HTTPStatusCode: 400}, settlement.KindAmountLimit, "amount_too_large"},
		{"insufficient balance", &stripe.Error{Code: "balance_insufficient", HTTPStatusCode: 400}, settlement.KindAmountLimit, "balance_insufficient"},
		{"other 4xx", &stripe.Error{Code: "parameter_invalid_integer", Type: "invalid_request_error", HTTPStatusCode: 400}, settlement.KindValidation, "parameter_invalid_integer"},
		{"no status", &stripe.Error{Msg: "connection reset"}, settlement.KindNetwork, ""},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), settlement.KindTimeout, "timeout"},
		{"net timeout", timeoutErr{}, settlement.KindTimeout, "timeout"},
		{"other transport", errors.New("connection refused"), settlement.KindNetwork, "network"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			re, ok := settlement.AsRemoteError(mapError(tc.err))
			require.True(t, ok)
			assert.Equal(t, tc.kind, re.Kind)
			assert.Equal(t, tc.code, re.Code)
			assert.ErrorIs(t, re, tc.err)
		})
	}
}

func TestMapErrorFeedsClassifier(t *testing.T) {
	p := settlement.Policy{MaxRetries: 3, BackoffBase: time.Minute, BackoffMax: time.Hour}

	transient := mapError(&stripe.Error{HTTPStatusCode: 503})
	assert.Equal(t, settlement.Retry, p.Classify(transient, 0))

	permanent := mapError(&stripe.Error{Code: "account_invalid", HTTPStatusCode: 400})
	assert.Equal(t, settlement.Fatal, p.Classify(permanent, 0))
}

func TestMapErrorKeepsRemoteError(t *testing.T) {
	orig := &settlement.RemoteError{Kind: settlement.KindValidation, Code: "x"}
	assert.Same(t, orig, mapError(orig))
	assert.NoError(t, mapError(nil))
}

func TestExpireCheckoutEmptyIDIsNoop(t *testing.T) {
	c := NewClient("sk_test_unused", "", "", "", nil)
	assert.NoError(t, c.ExpireCheckout(context.Background(), ""))
}

const testSecret = "whsec_test_secret"

func signedEvent(t *testing.T, typ string, object map[string]any) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_test_1",
		"object":      "event",
		"api_version": stripe.APIVersion,
		"created":     int64(1748772000),
		"type":        typ,
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testSecret})
	return payload, signed.Header
}

func TestVerifyWebhookAndParseCheckout(t *testing.T) {
	c := NewClient("sk_test_unused", testSecret, "", "", nil)
	payload, header := signedEvent(t, EventCheckoutCompleted, map[string]any{
		"id":             "cs_test_1",
		"object":         "checkout.session",
		"payment_intent": "pi_123",
		"payment_status": "paid",
		"amount_total":   10000,
		"currency":       "eur",
		"metadata":       map[string]string{"booking_ref": "bk-1", "provider_id": "exp-9"},
	})

	ev, err := c.VerifyWebhook(payload, header)
	require.NoError(t, err)
	assert.Equal(t, EventCheckoutCompleted, string(ev.Type))

	ce, err := ParseCheckoutEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", ce.SessionID)
	assert.Equal(t, "pi_123", ce.TransactionRef())
	assert.True(t, ce.Paid())
	assert.Equal(t, int64(10000), ce.AmountTotal)
	assert.Equal(t, "eur", ce.Currency)
	assert.Equal(t, "bk-1", ce.Metadata["booking_ref"])
	assert.Equal(t, time.Unix(1748772000, 0).UTC(), ce.OccurredAt)
}

func TestParseCheckoutAwaitingDelayedPayment(t *testing.T) {
	c := NewClient("sk_test_unused", testSecret, "", "", nil)
	for _, typ := range []string{EventCheckoutCompleted, EventCheckoutAsyncFailed} {
		payload, header := signedEvent(t, typ, map[string]any{
			"id":             "cs_test_3",
			"object":         "checkout.session",
			"payment_intent": "pi_slow",
			"payment_status": "unpaid",
		})
		ev, err := c.VerifyWebhook(payload, header)
		require.NoError(t, err)
		assert.True(t, IsCheckoutEvent(string(ev.Type)))

		ce, err := ParseCheckoutEvent(ev)
		require.NoError(t, err)
		assert.Equal(t, typ, ce.Type)
		assert.False(t, ce.Paid())
	}
	assert.True(t, IsCheckoutEvent(EventCheckoutAsyncSucceeded))
	assert.False(t, IsCheckoutEvent("checkout.session.created"))
}

func TestParseCheckoutWithoutPaymentIntent(t *testing.T) {
	c := NewClient("sk_test_unused", testSecret, "", "", nil)
	payload, header := signedEvent(t, EventCheckoutExpired, map[string]any{
		"id":     "cs_test_2",
		"object": "checkout.session",
	})
	ev, err := c.VerifyWebhook(payload, header)
	require.NoError(t, err)

	ce, err := ParseCheckoutEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, "cs_test_2", ce.TransactionRef())
	assert.NotNil(t, ce.Metadata)
}

func TestVerifyWebhookRejectsBadSignature(t *testing.T) {
	c := NewClient("sk_test_unused", testSecret, "", "", nil)
	payload, _ := signedEvent(t, EventCheckoutCompleted, map[string]any{"id": "cs_x", "object": "checkout.session"})

	_, err := c.VerifyWebhook(payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	other := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_other"})
	_, err = c.VerifyWebhook(payload, other.Header)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = NewClient("sk_test_unused", "", "", "", nil).VerifyWebhook(payload, other.Header)
	assert.ErrorIs(t, err, ErrWebhookNotConfigured)
}

func TestParseCheckoutEventRejectsOtherTypes(t *testing.T) {
	_, err := ParseCheckoutEvent(stripe.Event{Type: "transfer.created"})
	assert.Error(t, err)
}

// apiStub points a Client at a local HTTP handler instead of Stripe.
func apiStub(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	sc := stripe.NewClient("sk_test_stub", stripe.WithBackends(stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})))
	return &Client{sc: sc, successURL: "https://example.test/ok", cancelURL: "https://example.test/cancel", log: zap.NewNop()}
}

func TestFindTransferSkipsReversed(t *testing.T) {
	c := apiStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transfers", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("transfer_group") {
		case "pi_paid":
			_, _ = w.Write([]byte(`{"object":"list","url":"/v1/transfers","has_more":false,"data":[
				{"id":"tr_old","object":"transfer","reversed":true},
				{"id":"tr_live","object":"transfer","reversed":false}]}`))
		default:
			_, _ = w.Write([]byte(`{"object":"list","url":"/v1/transfers","has_more":false,"data":[]}`))
		}
	})

	id, found, err := c.FindTransfer(context.Background(), "pi_paid")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "tr_live", id)

	_, found, err = c.FindTransfer(context.Background(), "pi_never")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindTransferMapsErrors(t *testing.T) {
	c := apiStub(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"down"}}`))
	})

	_, found, err := c.FindTransfer(context.Background(), "pi_x")
	require.Error(t, err)
	assert.False(t, found)
	re, ok := settlement.AsRemoteError(err)
	require.True(t, ok)
	assert.Equal(t, settlement.KindServer, re.Kind)
}

func TestStartCheckoutSetsSessionExpiry(t *testing.T) {
	expires := time.Now().Add(45 * time.Minute).Truncate(time.Second)
	var got string
	c := apiStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		got = r.PostForm.Get("expires_at")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_stub","object":"checkout.session","url":"https://checkout.test/cs_stub"}`))
	})

	sess, err := c.StartCheckout(context.Background(), CheckoutRequest{
		BookingRef: "bk-1", Amount: 5000, Currency: "eur", Description: "Session", ExpiresAt: expires,
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_stub", sess.ID)
	assert.Equal(t, strconv.FormatInt(expires.Unix(), 10), got)
}
