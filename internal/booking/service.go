// Package booking is the entry point of a booking into the settlement
// engine.  It runs the idempotent reserve flow (cache, checkout session,
// atomic slot reservation, compensation on conflict) and turns verified
// payment completions into transfer records.
package booking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/expert-settlement/internal/cache"
	"github.com/iliyamo/expert-settlement/internal/model"
	"github.com/iliyamo/expert-settlement/internal/payment"
	"github.com/iliyamo/expert-settlement/internal/repository"
	"github.com/iliyamo/expert-settlement/internal/reservation"
	"github.com/iliyamo/expert-settlement/internal/settlement"
)

var (
	// ErrInvalidRequest wraps validation failures of caller input.
	ErrInvalidRequest = errors.New("invalid booking request")
	// ErrCheckoutUnavailable is returned when no payment session could be
	// opened.  Nothing was reserved.
	ErrCheckoutUnavailable = errors.New("checkout unavailable")
)

// Checkout opens and closes payment sessions.  ExpireCheckout must be
// idempotent.
type Checkout interface {
	StartCheckout(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error)
	ExpireCheckout(ctx context.Context, sessionID string) error
}

// ReserveRequest is a customer's request for a slot.
type ReserveRequest struct {
	IdempotencyKey    string    `json:"-"`
	ResourceID        string    `json:"resource_id" validate:"required,max=64"`
	RequesterID       string    `json:"requester_id" validate:"required,max=64"`
	StartTime         time.Time `json:"start_time" validate:"required"`
	EndTime           time.Time `json:"end_time" validate:"required"`
	ProviderAccountID string    `json:"provider_account_id" validate:"required"`
	ProviderID        string    `json:"provider_id" validate:"required,max=64"`
	Jurisdiction      string    `json:"jurisdiction" validate:"omitempty,max=8"`
	Amount            int64     `json:"amount" validate:"gt=0"`
	Currency          string    `json:"currency" validate:"required,len=3"`
	PlatformFee       *int64    `json:"platform_fee,omitempty" validate:"omitempty,gte=0"`
	Description       string    `json:"description" validate:"max=200"`
}

// ReserveResult is the outcome handed back to the caller and stored in
// the idempotency cache.
type ReserveResult struct {
	Outcome       reservation.Outcome `json:"outcome"`
	ReservationID uint64              `json:"reservation_id,omitempty"`
	BookingRef    string              `json:"booking_ref,omitempty"`
	CheckoutID    string              `json:"checkout_session_id,omitempty"`
	CheckoutURL   string              `json:"checkout_url,omitempty"`
	ExpiresAt     *time.Time          `json:"expires_at,omitempty"`
	Replayed      bool                `json:"replayed"`
}

// Checkout metadata keys.  They come back on the checkout webhooks.
const (
	metaResourceID      = "resource_id"
	metaRequesterID     = "requester_id"
	metaSessionStart    = "session_start"
	metaSessionEnd      = "session_end"
	metaProviderAccount = "provider_account_id"
	metaProviderID      = "provider_id"
	metaJurisdiction    = "jurisdiction"
	metaPlatformFee     = "platform_fee"
	metaBookingRef      = "booking_ref"
)

// Service wires the booking boundary.
type Service struct {
	reservations *reservation.Manager
	transfers    *repository.TransferRepo
	checkout     Checkout
	cache        cache.Cache
	cacheTTL     time.Duration
	delays       settlement.DelayTable
	feeRate      decimal.Decimal
	validate     *validator.Validate
	now          func() time.Time
	log          *zap.Logger

	flight singleflight.Group
}

// Deps are the collaborators of a Service.
type Deps struct {
	Reservations *reservation.Manager
	Transfers    *repository.TransferRepo
	Checkout     Checkout
	Cache        cache.Cache
	CacheTTL     time.Duration
	Delays       settlement.DelayTable
	FeeRate      decimal.Decimal
	Now          func() time.Time
	Logger       *zap.Logger
}

// NewService constructs a Service.
func NewService(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.L()
	}
	if d.CacheTTL <= 0 {
		d.CacheTTL = 10 * time.Minute
	}
	if d.Cache == nil {
		d.Cache = cache.NewFallbackCache(nil, nil, cache.Options{Now: d.Now, Logger: d.Logger})
	}
	return &Service{
		reservations: d.Reservations,
		transfers:    d.Transfers,
		checkout:     d.Checkout,
		cache:        d.Cache,
		cacheTTL:     d.CacheTTL,
		delays:       d.Delays,
		feeRate:      d.FeeRate,
		validate:     validator.New(),
		now:          d.Now,
		log:          d.Logger.Named("booking"),
	}
}

// cacheKey scopes the caller's idempotency key to the requester.  Without
// a key the slot itself identifies the request.
func cacheKey(req ReserveRequest) string {
	if k := strings.TrimSpace(req.IdempotencyKey); k != "" {
		return "reserve:" + req.RequesterID + ":" + k
	}
	return fmt.Sprintf("reserve:%s:%s:%d", req.RequesterID, req.ResourceID, req.StartTime.UTC().Unix())
}

// Reserve runs the booking flow.  A result computed for the same key
// within the cache TTL is returned again without side effects, and
// concurrent calls with one key in this process share one execution.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	req.ResourceID = strings.TrimSpace(req.ResourceID)
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !req.EndTime.After(req.StartTime) {
		return nil, fmt.Errorf("%w: end_time must be after start_time", ErrInvalidRequest)
	}
	if req.PlatformFee != nil && *req.PlatformFee >= req.Amount {
		return nil, fmt.Errorf("%w: platform_fee must be below amount", ErrInvalidRequest)
	}

	key := cacheKey(req)
	v, err, _ := s.flight.Do(key, func() (any, error) {
		return s.reserve(ctx, key, req)
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*ReserveResult)
	return &out, nil
}

func (s *Service) reserve(ctx context.Context, key string, req ReserveRequest) (*ReserveResult, error) {
	if raw, ok := s.cache.Get(ctx, key); ok {
		var cached ReserveResult
		if err := json.Unmarshal(raw, &cached); err == nil {
			cached.Replayed = true
			return &cached, nil
		}
		s.log.Warn("discarding unreadable cached result", zap.String("key", key))
	}

	bookingRef := uuid.NewString()
	sess, err := s.checkout.StartCheckout(ctx, s.checkoutRequest(bookingRef, req))
	if err != nil {
		s.log.Warn("checkout session not created", zap.String("resource_id", req.ResourceID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	res, err := s.reservations.Reserve(ctx, req.ResourceID, req.StartTime, req.EndTime, req.RequesterID)
	if err != nil {
		s.compensate(ctx, sess.ID, "reserve failed")
		return nil, err
	}

	var out *ReserveResult
	switch {
	case res.Outcome == reservation.Conflict:
		s.compensate(ctx, sess.ID, "slot taken")
		out = &ReserveResult{Outcome: reservation.Conflict}
	case res.Replay:
		// The requester already holds the slot through an earlier session;
		// a second payable session would allow paying twice.
		s.compensate(ctx, sess.ID, "slot already held by requester")
		out = &ReserveResult{
			Outcome:       reservation.Granted,
			ReservationID: res.Reservation.ID,
			ExpiresAt:     res.Reservation.ExpiresAt,
			Replayed:      true,
		}
	default:
		if err := s.reservations.AttachCheckout(ctx, res.Reservation.ID, sess.ID); err != nil {
			// The hold still lapses through the expiry sweep.
			s.log.Warn("checkout not linked to reservation",
				zap.Uint64("reservation_id", res.Reservation.ID), zap.String("session_id", sess.ID), zap.Error(err))
		}
		out = &ReserveResult{
			Outcome:       reservation.Granted,
			ReservationID: res.Reservation.ID,
			BookingRef:    bookingRef,
			CheckoutID:    sess.ID,
			CheckoutURL:   sess.URL,
			ExpiresAt:     res.Reservation.ExpiresAt,
		}
	}

	if raw, err := json.Marshal(out); err == nil {
		s.cache.Set(ctx, key, raw, s.cacheTTL)
	}
	return out, nil
}

func (s *Service) checkoutRequest(bookingRef string, req ReserveRequest) payment.CheckoutRequest {
	meta := map[string]string{
		metaResourceID:      req.ResourceID,
		metaRequesterID:     req.RequesterID,
		metaSessionStart:    req.StartTime.UTC().Format(time.RFC3339),
		metaSessionEnd:      req.EndTime.UTC().Format(time.RFC3339),
		metaProviderAccount: req.ProviderAccountID,
		metaProviderID:      req.ProviderID,
		metaJurisdiction:    strings.ToUpper(req.Jurisdiction),
	}
	if req.PlatformFee != nil {
		meta[metaPlatformFee] = fmt.Sprint(*req.PlatformFee)
	}
	desc := req.Description
	if desc == "" {
		desc = "Session " + req.StartTime.UTC().Format("2006-01-02 15:04") + " UTC"
	}
	out := payment.CheckoutRequest{
		BookingRef:  bookingRef,
		Amount:      req.Amount,
		Currency:    strings.ToLower(req.Currency),
		Description: desc,
		Metadata:    meta,
	}
	// The session closes no later than the hold it pays for.
	if ttl := s.reservations.HoldTTL(); ttl > 0 {
		out.ExpiresAt = s.now().UTC().Add(ttl)
	}
	return out
}

// compensate expires a checkout session that must not be paid.  The
// session expires on its own if this fails, so the error is only logged.
func (s *Service) compensate(ctx context.Context, sessionID, reason string) {
	if err := s.checkout.ExpireCheckout(context.WithoutCancel(ctx), sessionID); err != nil {
		s.log.Error("compensating checkout expiry failed",
			zap.String("session_id", sessionID), zap.String("reason", reason), zap.Error(err))
		return
	}
	s.log.Debug("checkout session expired", zap.String("session_id", sessionID), zap.String("reason", reason))
}

// Release frees a reservation on behalf of its requester.
func (s *Service) Release(ctx context.Context, reservationID uint64, requesterID string) error {
	if strings.TrimSpace(requesterID) == "" {
		return fmt.Errorf("%w: requester is required", ErrInvalidRequest)
	}
	return s.reservations.Release(ctx, reservationID, requesterID)
}

// codeReservationLapsed marks records whose payment arrived after the
// slot's hold had ended.
const codeReservationLapsed = "reservation_lapsed"

// CreateTransferRecord persists the PENDING transfer for a completed
// payment and confirms its reservation in the same transaction.  It is
// idempotent per transaction reference: a repeated call returns the
// existing record and created=false.  When the reservation is no longer
// held the record is still created, parked in REQUIRES_APPROVAL, since the
// slot may already belong to another paying customer.
func (s *Service) CreateTransferRecord(ctx context.Context, bc model.BookingContext) (rec *model.TransferRecord, created bool, err error) {
	return s.createRecord(ctx, bc, false)
}

func (s *Service) createRecord(ctx context.Context, bc model.BookingContext, lapsed bool) (rec *model.TransferRecord, created bool, err error) {
	if err := s.validate.Struct(bc); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	rec, err = settlement.NewTransferRecord(bc, s.delays, s.feeRate, s.now())
	if err != nil {
		return nil, false, err
	}

	tx, err := s.transfers.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := s.transfers.CreateTx(ctx, tx, rec); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			_ = tx.Rollback()
			committed = true
			existing, gerr := s.transfers.GetByTransactionRef(ctx, bc.TransactionRef)
			if gerr != nil {
				return nil, false, gerr
			}
			s.log.Debug("transfer record already exists", zap.String("transaction_ref", bc.TransactionRef))
			return existing, false, nil
		}
		return nil, false, err
	}
	if bc.ReservationID != nil {
		ok, err := s.reservations.ConfirmTx(ctx, tx, *bc.ReservationID)
		if err != nil {
			return nil, false, err
		}
		lapsed = lapsed || !ok
	}
	if lapsed {
		if err := s.holdForApproval(ctx, tx, rec); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	committed = true

	s.log.Info("transfer record created",
		zap.Uint64("transfer_id", rec.ID),
		zap.String("transaction_ref", rec.TransactionRef),
		zap.String("provider_id", rec.ProviderID),
		zap.Int64("provider_share", rec.ProviderShare),
		zap.String("status", string(rec.Status)),
		zap.Time("scheduled_transfer_time", rec.ScheduledTransferTime))
	return rec, true, nil
}

func (s *Service) holdForApproval(ctx context.Context, tx *sql.Tx, rec *model.TransferRecord) error {
	msg := "payment completed after the reservation hold ended"
	if _, err := s.transfers.HoldForApprovalTx(ctx, tx, rec.ID, codeReservationLapsed, msg, s.now()); err != nil {
		return err
	}
	code := codeReservationLapsed
	rec.Status = model.TransferRequiresApproval
	rec.RequiresApproval = true
	rec.LastErrorCode = &code
	rec.LastErrorMessage = &msg
	s.log.Warn("payment completed for a reservation that is no longer held",
		zap.String("transaction_ref", rec.TransactionRef), zap.String("checkout_session", rec.CheckoutSessionRef))
	return nil
}

// HandleCheckoutEvent applies a verified checkout webhook.  A paid
// session becomes a transfer record.  A completed session whose payment is
// still clearing keeps its slot until the async outcome arrives.  An
// expired session or a failed delayed payment releases the slot.  Other
// event types are ignored.
func (s *Service) HandleCheckoutEvent(ctx context.Context, ev *payment.CheckoutEvent) error {
	switch ev.Type {
	case payment.EventCheckoutCompleted, payment.EventCheckoutAsyncSucceeded:
		if !ev.Paid() {
			return s.awaitPayment(ctx, ev)
		}
		bc, lapsed, err := s.bookingContext(ctx, ev)
		if err != nil {
			return err
		}
		_, _, err = s.createRecord(ctx, bc, lapsed)
		return err
	case payment.EventCheckoutExpired:
		return s.releaseSession(ctx, ev, true)
	case payment.EventCheckoutAsyncFailed:
		return s.releaseSession(ctx, ev, false)
	}
	return nil
}

func (s *Service) slotOf(ev *payment.CheckoutEvent) (resourceID, requesterID string, start, end time.Time, err error) {
	m := ev.Metadata
	resourceID, requesterID = m[metaResourceID], m[metaRequesterID]
	if resourceID == "" || requesterID == "" {
		return "", "", time.Time{}, time.Time{}, fmt.Errorf("%w: checkout %s carries no slot metadata", ErrInvalidRequest, ev.SessionID)
	}
	if start, err = time.Parse(time.RFC3339, m[metaSessionStart]); err != nil {
		return "", "", time.Time{}, time.Time{}, fmt.Errorf("%w: session_start: %v", ErrInvalidRequest, err)
	}
	if end, err = time.Parse(time.RFC3339, m[metaSessionEnd]); err != nil {
		return "", "", time.Time{}, time.Time{}, fmt.Errorf("%w: session_end: %v", ErrInvalidRequest, err)
	}
	return resourceID, requesterID, start, end, nil
}

// bookingContext rebuilds the booking from the session metadata.  lapsed
// is set when the requester no longer holds the slot.
func (s *Service) bookingContext(ctx context.Context, ev *payment.CheckoutEvent) (bc model.BookingContext, lapsed bool, err error) {
	resourceID, requesterID, start, end, err := s.slotOf(ev)
	if err != nil {
		return model.BookingContext{}, false, err
	}
	m := ev.Metadata
	bc = model.BookingContext{
		TransactionRef:     ev.TransactionRef(),
		CheckoutSessionRef: ev.SessionID,
		BookingRef:         m[metaBookingRef],
		ProviderAccountID:  m[metaProviderAccount],
		ProviderID:         m[metaProviderID],
		Jurisdiction:       m[metaJurisdiction],
		TotalAmount:        ev.AmountTotal,
		Currency:           ev.Currency,
		PaymentTime:        ev.OccurredAt,
		SessionStartTime:   start,
		SessionEndTime:     end,
	}
	if bc.BookingRef == "" {
		bc.BookingRef = ev.SessionID
	}
	if raw := m[metaPlatformFee]; raw != "" {
		fee, err := decimal.NewFromString(raw)
		if err != nil || !fee.IsInteger() {
			return model.BookingContext{}, false, fmt.Errorf("%w: platform_fee %q", ErrInvalidRequest, raw)
		}
		v := fee.IntPart()
		bc.PlatformFee = &v
	}

	held, err := s.reservations.FindActive(ctx, resourceID, start, requesterID)
	switch {
	case err == nil:
		id := held.ID
		bc.ReservationID = &id
	case errors.Is(err, repository.ErrNotFound):
		lapsed = true
	default:
		return model.BookingContext{}, false, err
	}
	return bc, lapsed, nil
}

// heldBy returns the requester's ACTIVE reservation when it was granted
// through this checkout session, or nil.
func (s *Service) heldBy(ctx context.Context, ev *payment.CheckoutEvent) (*model.SlotReservation, error) {
	resourceID, requesterID, start, _, err := s.slotOf(ev)
	if err != nil {
		return nil, err
	}
	held, err := s.reservations.FindActive(ctx, resourceID, start, requesterID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if held.CheckoutRef == nil || *held.CheckoutRef != ev.SessionID {
		return nil, nil
	}
	return held, nil
}

// awaitPayment keeps the slot of a completed but unpaid session.
func (s *Service) awaitPayment(ctx context.Context, ev *payment.CheckoutEvent) error {
	held, err := s.heldBy(ctx, ev)
	if err != nil || held == nil {
		return err
	}
	if _, err := s.reservations.Confirm(ctx, held.ID); err != nil {
		return err
	}
	s.log.Info("checkout completed, payment pending",
		zap.Uint64("reservation_id", held.ID), zap.String("session_id", ev.SessionID),
		zap.String("payment_status", ev.PaymentStatus))
	return nil
}

// releaseSession frees the slot held through the event's session.  With
// unpaidOnly set, a hold already confirmed by a completed checkout stays.
func (s *Service) releaseSession(ctx context.Context, ev *payment.CheckoutEvent, unpaidOnly bool) error {
	held, err := s.heldBy(ctx, ev)
	if err != nil || held == nil {
		return err
	}
	if unpaidOnly && held.ExpiresAt == nil {
		return nil
	}
	s.log.Info("checkout ended without payment, releasing slot",
		zap.Uint64("reservation_id", held.ID), zap.String("session_id", ev.SessionID), zap.String("type", ev.Type))
	return s.reservations.Release(ctx, held.ID, "")
}
