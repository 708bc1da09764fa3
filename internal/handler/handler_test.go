package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/booking"
	"github.com/iliyamo/expert-settlement/internal/handler"
	"github.com/iliyamo/expert-settlement/internal/model"
	"github.com/iliyamo/expert-settlement/internal/payment"
	"github.com/iliyamo/expert-settlement/internal/repository"
	"github.com/iliyamo/expert-settlement/internal/reservation"
	"github.com/iliyamo/expert-settlement/internal/router"
	"github.com/iliyamo/expert-settlement/internal/settlement"
	"github.com/iliyamo/expert-settlement/internal/utils"
)

const (
	jwtSecret     = "handler-test-secret"
	webhookSecret = "whsec_handler_test"
)

type stubBooking struct {
	reserveReq booking.ReserveRequest
	reserveRes *booking.ReserveResult
	reserveErr error

	releasedID uint64
	releasedBy string
	releaseErr error

	created   bool
	createErr error
	contexts  []model.BookingContext
}

func (s *stubBooking) Reserve(_ context.Context, req booking.ReserveRequest) (*booking.ReserveResult, error) {
	s.reserveReq = req
	return s.reserveRes, s.reserveErr
}

func (s *stubBooking) Release(_ context.Context, id uint64, requester string) error {
	s.releasedID, s.releasedBy = id, requester
	return s.releaseErr
}

func (s *stubBooking) CreateTransferRecord(_ context.Context, bc model.BookingContext) (*model.TransferRecord, bool, error) {
	s.contexts = append(s.contexts, bc)
	if s.createErr != nil {
		return nil, false, s.createErr
	}
	return &model.TransferRecord{ID: 11, TransactionRef: bc.TransactionRef, Status: model.TransferPending}, s.created, nil
}

type stubEvents struct {
	got []*payment.CheckoutEvent
	err error
}

func (s *stubEvents) HandleCheckoutEvent(_ context.Context, ev *payment.CheckoutEvent) error {
	s.got = append(s.got, ev)
	return s.err
}

type overrideCall struct {
	action   string
	id       uint64
	operator string
	note     string
}

type stubAdmin struct {
	listed model.TransferStatus
	limit  int
	calls  []overrideCall
	err    error
	trail  []model.AuditEntry
}

func (s *stubAdmin) List(_ context.Context, status model.TransferStatus, limit int) ([]model.TransferRecord, error) {
	s.listed, s.limit = status, limit
	return []model.TransferRecord{{ID: 3, Status: status}}, s.err
}

func (s *stubAdmin) Get(_ context.Context, id uint64) (*model.TransferRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &model.TransferRecord{ID: id, Status: model.TransferRequiresApproval}, nil
}

func (s *stubAdmin) do(action string, status model.TransferStatus) func(context.Context, uint64, string, string) (*model.TransferRecord, error) {
	return func(_ context.Context, id uint64, operator, note string) (*model.TransferRecord, error) {
		s.calls = append(s.calls, overrideCall{action, id, operator, note})
		if s.err != nil {
			return nil, s.err
		}
		return &model.TransferRecord{ID: id, Status: status}, nil
	}
}

func (s *stubAdmin) Approve(ctx context.Context, id uint64, op, note string) (*model.TransferRecord, error) {
	return s.do("approve", model.TransferPending)(ctx, id, op, note)
}

func (s *stubAdmin) Annotate(ctx context.Context, id uint64, op, note string) (*model.TransferRecord, error) {
	return s.do("annotate", model.TransferRequiresApproval)(ctx, id, op, note)
}

func (s *stubAdmin) Resolve(ctx context.Context, id uint64, op, note string) (*model.TransferRecord, error) {
	return s.do("resolve", model.TransferFailed)(ctx, id, op, note)
}

func (s *stubAdmin) Cancel(ctx context.Context, id uint64, op, note string) (*model.TransferRecord, error) {
	return s.do("cancel", model.TransferCancelled)(ctx, id, op, note)
}

func (s *stubAdmin) AuditTrail(_ context.Context, id uint64) ([]model.AuditEntry, error) {
	return s.trail, nil
}

type stubRunner struct {
	at      time.Time
	ctxErr  error
	results []settlement.TransitionResult
	err     error
}

func (s *stubRunner) RunOnce(ctx context.Context, now time.Time) ([]settlement.TransitionResult, error) {
	s.at = now
	s.ctxErr = ctx.Err()
	return s.results, s.err
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(context.Context) error { return p.err }

type app struct {
	e       *echo.Echo
	booking *stubBooking
	events  *stubEvents
	admin   *stubAdmin
	runner  *stubRunner
}

func newApp(t *testing.T) *app {
	t.Helper()
	a := &app{
		e:       echo.New(),
		booking: &stubBooking{},
		events:  &stubEvents{},
		admin:   &stubAdmin{},
		runner:  &stubRunner{},
	}
	log := zap.NewNop()
	sched := handler.NewSchedulerHandler(a.runner, log)
	sched.Now = func() time.Time { return time.Date(2025, 6, 8, 12, 0, 0, 0, time.UTC) }
	router.RegisterRoutes(a.e, router.Deps{
		JWTSecret: jwtSecret,
		DB:        stubPinger{},
		Booking:   handler.NewBookingHandler(a.booking, log),
		Webhook: handler.NewWebhookHandler(
			payment.NewClient("sk_test_unused", webhookSecret, "", "", log), a.events, log),
		Admin:     handler.NewAdminHandler(a.admin, log),
		Scheduler: sched,
	})
	return a
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	tok, err := utils.NewServiceToken(jwtSecret, sub, role, time.Hour)
	require.NoError(t, err)
	return tok.Token
}

func (a *app) do(t *testing.T, method, path, tok, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

const reserveBody = `{
	"resource_id": "expert-9",
	"requester_id": "cust-1",
	"start_time": "2025-06-01T10:00:00Z",
	"end_time": "2025-06-01T11:00:00Z",
	"provider_account_id": "acct_1",
	"provider_id": "expert-9",
	"jurisdiction": "DE",
	"amount": 10000,
	"currency": "EUR"
}`

func TestReserveStatusCodes(t *testing.T) {
	a := newApp(t)
	tok := token(t, "web", utils.RoleBooking)
	exp := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

	a.booking.reserveRes = &booking.ReserveResult{
		Outcome: reservation.Granted, ReservationID: 5, CheckoutID: "cs_1",
		CheckoutURL: "https://checkout.test/cs_1", ExpiresAt: &exp,
	}
	rec := a.do(t, http.MethodPost, "/v1/reservations", tok, reserveBody, map[string]string{"Idempotency-Key": " k-1 "})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "k-1", a.booking.reserveReq.IdempotencyKey)
	assert.Equal(t, "expert-9", a.booking.reserveReq.ResourceID)
	assert.Equal(t, int64(10000), a.booking.reserveReq.Amount)
	assert.True(t, a.booking.reserveReq.StartTime.Equal(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "granted", strings.ToLower(fmt.Sprint(body["outcome"])))
	assert.Equal(t, "https://checkout.test/cs_1", body["checkout_url"])

	a.booking.reserveRes = &booking.ReserveResult{Outcome: reservation.Granted, ReservationID: 5, Replayed: true}
	rec = a.do(t, http.MethodPost, "/v1/reservations", tok, reserveBody, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	a.booking.reserveRes = &booking.ReserveResult{Outcome: reservation.Conflict}
	rec = a.do(t, http.MethodPost, "/v1/reservations", tok, reserveBody, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	a.booking.reserveRes, a.booking.reserveErr = nil, fmt.Errorf("%w: stripe down", booking.ErrCheckoutUnavailable)
	rec = a.do(t, http.MethodPost, "/v1/reservations", tok, reserveBody, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "stripe down")

	a.booking.reserveErr = fmt.Errorf("%w: amount", booking.ErrInvalidRequest)
	rec = a.do(t, http.MethodPost, "/v1/reservations", tok, reserveBody, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	a.booking.reserveErr = errors.New("database is locked")
	rec = a.do(t, http.MethodPost, "/v1/reservations", tok, reserveBody, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())

	rec = a.do(t, http.MethodPost, "/v1/reservations", tok, "{broken", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBookingRoutesRequireBookingRole(t *testing.T) {
	a := newApp(t)
	rec := a.do(t, http.MethodPost, "/v1/reservations", "", reserveBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/reservations", token(t, "ops", utils.RoleAdmin), reserveBody, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRelease(t *testing.T) {
	a := newApp(t)
	tok := token(t, "web", utils.RoleBooking)

	rec := a.do(t, http.MethodPost, "/v1/reservations/9/release", tok, `{"requester_id":"cust-1"}`, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, uint64(9), a.booking.releasedID)
	assert.Equal(t, "cust-1", a.booking.releasedBy)

	rec = a.do(t, http.MethodPost, "/v1/reservations/9/release", tok, `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/reservations/abc/release", tok, `{"requester_id":"cust-1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	a.booking.releaseErr = repository.ErrForbidden
	rec = a.do(t, http.MethodPost, "/v1/reservations/9/release", tok, `{"requester_id":"cust-2"}`, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	a.booking.releaseErr = repository.ErrNotFound
	rec = a.do(t, http.MethodPost, "/v1/reservations/9/release", tok, `{"requester_id":"cust-1"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

const completedBody = `{
	"transaction_ref": "pi_1",
	"booking_ref": "bk-1",
	"provider_account_id": "acct_1",
	"provider_id": "expert-9",
	"total_amount": 10000,
	"currency": "EUR",
	"payment_time": "2025-05-30T10:00:00Z",
	"session_start_time": "2025-06-01T10:00:00Z",
	"session_end_time": "2025-06-01T11:00:00Z"
}`

func TestPaymentCompleted(t *testing.T) {
	a := newApp(t)
	tok := token(t, "web", utils.RoleBooking)

	a.booking.created = true
	rec := a.do(t, http.MethodPost, "/v1/payments/completed", tok, completedBody, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, a.booking.contexts, 1)
	assert.Equal(t, "pi_1", a.booking.contexts[0].TransactionRef)
	assert.Equal(t, int64(10000), a.booking.contexts[0].TotalAmount)

	a.booking.created = false
	rec = a.do(t, http.MethodPost, "/v1/payments/completed", tok, completedBody, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	a.booking.createErr = fmt.Errorf("%w: fee too high", settlement.ErrInvalidAmount)
	rec = a.do(t, http.MethodPost, "/v1/payments/completed", tok, completedBody, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func signed(t *testing.T, typ string, object map[string]any) (string, map[string]string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_h_1",
		"object":      "event",
		"api_version": stripe.APIVersion,
		"created":     int64(1748772000),
		"type":        typ,
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: webhookSecret})
	return string(payload), map[string]string{"Stripe-Signature": sp.Header}
}

var session = map[string]any{
	"id":             "cs_w_1",
	"object":         "checkout.session",
	"payment_intent": "pi_w_1",
	"amount_total":   10000,
	"currency":       "eur",
	"metadata":       map[string]string{"resource_id": "expert-9"},
}

func TestStripeWebhookAppliesCheckoutEvents(t *testing.T) {
	a := newApp(t)
	body, hdr := signed(t, payment.EventCheckoutCompleted, session)

	rec := a.do(t, http.MethodPost, "/webhooks/stripe", "", body, hdr)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, a.events.got, 1)
	assert.Equal(t, "cs_w_1", a.events.got[0].SessionID)
	assert.Equal(t, "pi_w_1", a.events.got[0].TransactionRef())
	assert.Equal(t, "expert-9", a.events.got[0].Metadata["resource_id"])
}

func TestStripeWebhookStatusCodes(t *testing.T) {
	a := newApp(t)
	body, hdr := signed(t, payment.EventCheckoutCompleted, session)

	rec := a.do(t, http.MethodPost, "/webhooks/stripe", "", body, map[string]string{"Stripe-Signature": "t=1,v1=bad"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, a.events.got)

	a.events.err = fmt.Errorf("%w: no slot metadata", booking.ErrInvalidRequest)
	rec = a.do(t, http.MethodPost, "/webhooks/stripe", "", body, hdr)
	assert.Equal(t, http.StatusOK, rec.Code)

	a.events.err = errors.New("database is locked")
	rec = a.do(t, http.MethodPost, "/webhooks/stripe", "", body, hdr)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	a.events.err = nil
	a.events.got = nil
	other, otherHdr := signed(t, "payment_intent.created", map[string]any{"id": "pi_x", "object": "payment_intent"})
	rec = a.do(t, http.MethodPost, "/webhooks/stripe", "", other, otherHdr)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, a.events.got)
}

func TestStripeWebhookWithoutSecret(t *testing.T) {
	e := echo.New()
	h := handler.NewWebhookHandler(payment.NewClient("sk_test_unused", "", "", "", nil), &stubEvents{}, zap.NewNop())
	e.POST("/webhooks/stripe", h.Stripe)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminList(t *testing.T) {
	a := newApp(t)
	tok := token(t, "ops-1", utils.RoleAdmin)

	rec := a.do(t, http.MethodGet, "/v1/admin/transfers", tok, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.TransferRequiresApproval, a.admin.listed)
	assert.Equal(t, 0, a.admin.limit)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = a.do(t, http.MethodGet, "/v1/admin/transfers?status=retry_scheduled&limit=5", tok, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.TransferRetryScheduled, a.admin.listed)
	assert.Equal(t, 5, a.admin.limit)

	rec = a.do(t, http.MethodGet, "/v1/admin/transfers?status=LOST", tok, "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do(t, http.MethodGet, "/v1/admin/transfers?limit=-1", tok, "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/v1/admin/transfers", token(t, "web", utils.RoleBooking), "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminOverridesUseTokenSubject(t *testing.T) {
	a := newApp(t)
	tok := token(t, "ops-7", utils.RoleAdmin)

	for _, action := range []string{"approve", "annotate", "resolve", "cancel"} {
		rec := a.do(t, http.MethodPost, "/v1/admin/transfers/42/"+action, tok, `{"note":" checked with provider "}`, nil)
		require.Equal(t, http.StatusOK, rec.Code, action)
	}
	require.Len(t, a.admin.calls, 4)
	for i, action := range []string{"approve", "annotate", "resolve", "cancel"} {
		assert.Equal(t, overrideCall{action, 42, "ops-7", "checked with provider"}, a.admin.calls[i])
	}

	a.admin.err = repository.ErrInvalidState
	rec := a.do(t, http.MethodPost, "/v1/admin/transfers/42/approve", tok, `{}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	a.admin.err = repository.ErrNotFound
	rec = a.do(t, http.MethodPost, "/v1/admin/transfers/42/cancel", tok, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/admin/transfers/0/approve", tok, "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminGetAndAudit(t *testing.T) {
	a := newApp(t)
	tok := token(t, "ops-7", utils.RoleAdmin)
	a.admin.trail = []model.AuditEntry{{ID: 1, TransferID: 42, OperatorID: "ops-7", Action: "approve"}}

	rec := a.do(t, http.MethodGet, "/v1/admin/transfers/42", tok, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":42`)

	rec = a.do(t, http.MethodGet, "/v1/admin/transfers/42/audit", tok, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"operator_id":"ops-7"`)

	a.admin.err = repository.ErrNotFound
	rec = a.do(t, http.MethodGet, "/v1/admin/transfers/42/audit", tok, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedulerRun(t *testing.T) {
	a := newApp(t)
	a.runner.results = []settlement.TransitionResult{
		{TransferID: 1, Outcome: settlement.OutcomeCompleted},
		{TransferID: 2, Outcome: settlement.OutcomeRetryScheduled},
		{TransferID: 3, Outcome: settlement.OutcomeCompleted},
	}

	rec := a.do(t, http.MethodPost, "/v1/scheduler/run", token(t, "cron", utils.RoleScheduler), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2025, 6, 8, 12, 0, 0, 0, time.UTC), a.runner.at)

	var body struct {
		Summary map[string]int                `json:"summary"`
		Results []settlement.TransitionResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]int{"completed": 2, "retry_scheduled": 1}, body.Summary)
	assert.Len(t, body.Results, 3)

	rec = a.do(t, http.MethodPost, "/v1/scheduler/run", token(t, "web", utils.RoleBooking), "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	a.runner.err = errors.New("select due: database is locked")
	rec = a.do(t, http.MethodPost, "/v1/scheduler/run", token(t, "ops", utils.RoleAdmin), "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSchedulerRunOutlivesCallerDisconnect(t *testing.T) {
	a := newApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodPost, "/v1/scheduler/run", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+token(t, "cron", utils.RoleScheduler))
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, a.runner.ctxErr)
}

func TestHealthAndReady(t *testing.T) {
	a := newApp(t)
	rec := a.do(t, http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = a.do(t, http.MethodGet, "/readyz", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	e := echo.New()
	e.GET("/readyz", handler.Ready(stubPinger{err: errors.New("down")}))
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = a.do(t, http.MethodGet, "/metrics", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
