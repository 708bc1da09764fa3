package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/booking"
	"github.com/iliyamo/expert-settlement/internal/model"
	"github.com/iliyamo/expert-settlement/internal/reservation"
)

// BookingService is the part of booking.Service the HTTP boundary uses.
type BookingService interface {
	Reserve(ctx context.Context, req booking.ReserveRequest) (*booking.ReserveResult, error)
	Release(ctx context.Context, reservationID uint64, requesterID string) error
	CreateTransferRecord(ctx context.Context, bc model.BookingContext) (*model.TransferRecord, bool, error)
}

var _ BookingService = (*booking.Service)(nil)

// BookingHandler exposes the reserve flow and payment intake to the
// booking front end.  Routes are guarded by JWTAuth and the BOOKING role.
type BookingHandler struct {
	Svc BookingService
	Log *zap.Logger
}

// NewBookingHandler constructs a BookingHandler and panics on a nil service.
func NewBookingHandler(svc BookingService, log *zap.Logger) *BookingHandler {
	if svc == nil {
		panic("nil service passed to NewBookingHandler")
	}
	return &BookingHandler{Svc: svc, Log: named(log, "http.booking")}
}

// Reserve handles POST /v1/reservations.  The optional Idempotency-Key
// header makes retries return the first result.  It answers 201 for a new
// grant, 200 for a replay and 409 when the slot belongs to someone else.
func (h *BookingHandler) Reserve(c echo.Context) error {
	var req booking.ReserveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	req.IdempotencyKey = strings.TrimSpace(c.Request().Header.Get("Idempotency-Key"))

	res, err := h.Svc.Reserve(c.Request().Context(), req)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	switch {
	case res.Outcome == reservation.Conflict:
		return c.JSON(http.StatusConflict, res)
	case res.Replayed:
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusCreated, res)
}

// Release handles POST /v1/reservations/:id/release with body
// {"requester_id": "..."}.  Only the requester who holds the slot may free it.
func (h *BookingHandler) Release(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid reservation id"})
	}
	var body struct {
		RequesterID string `json:"requester_id" validate:"required,max=64"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := c.Validate(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "requester_id is required"})
	}
	if err := h.Svc.Release(c.Request().Context(), id, body.RequesterID); err != nil {
		return writeError(c, h.Log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// PaymentCompleted handles POST /v1/payments/completed, the synchronous
// twin of the payment.completed queue.  201 means a record was created,
// 200 that the payment was already known.
func (h *BookingHandler) PaymentCompleted(c echo.Context) error {
	var bc model.BookingContext
	if err := c.Bind(&bc); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	rec, created, err := h.Svc.CreateTransferRecord(c.Request().Context(), bc)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	if !created {
		return c.JSON(http.StatusOK, rec)
	}
	return c.JSON(http.StatusCreated, rec)
}
