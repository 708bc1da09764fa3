package handler // declare the package name; contains HTTP handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/booking"
	"github.com/iliyamo/expert-settlement/internal/repository"
	"github.com/iliyamo/expert-settlement/internal/reservation"
	"github.com/iliyamo/expert-settlement/internal/settlement"
)

// statusOf maps domain errors to HTTP status codes.  Anything unknown is a
// 500 and its message is not echoed to the caller.
func statusOf(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrInvalidState), errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, booking.ErrInvalidRequest),
		errors.Is(err, reservation.ErrInvalidSlot),
		errors.Is(err, settlement.ErrOperatorRequired):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrInvalidAmount):
		return http.StatusUnprocessableEntity
	case errors.Is(err, booking.ErrCheckoutUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError renders err as {"error": ...}.  Server errors are logged and
// answered with a generic message.
func writeError(c echo.Context, log *zap.Logger, err error) error {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err))
		return c.JSON(code, echo.Map{"error": "internal error"})
	}
	if code == http.StatusBadGateway {
		log.Warn("upstream unavailable", zap.String("path", c.Path()), zap.Error(err))
		return c.JSON(code, echo.Map{"error": "payment processor unavailable"})
	}
	return c.JSON(code, echo.Map{"error": err.Error()})
}

func named(log *zap.Logger, name string) *zap.Logger {
	if log == nil {
		log = zap.L()
	}
	return log.Named(name)
}
