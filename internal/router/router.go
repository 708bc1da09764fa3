package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/expert-settlement/internal/handler"    // HTTP handlers
	"github.com/iliyamo/expert-settlement/internal/middleware" // JWT authentication, role enforcement and rate limiting
	"github.com/iliyamo/expert-settlement/internal/utils"
)

// Deps carries the handlers and middleware the routes are built from.
// RateLimit may be nil, which disables limiting.
type Deps struct {
	JWTSecret string
	DB        handler.Pinger
	Booking   *handler.BookingHandler
	Webhook   *handler.WebhookHandler
	Admin     *handler.AdminHandler
	Scheduler *handler.SchedulerHandler
	RateLimit echo.MiddlewareFunc
}

// RegisterRoutes registers every route of the service on e and installs
// the request validator.
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.Validator = handler.NewValidator()

	// Public health checks and metrics.
	e.GET("/healthz", handler.Health)
	if d.DB != nil {
		e.GET("/readyz", handler.Ready(d.DB))
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	limit := d.RateLimit
	if limit == nil {
		limit = func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}

	// The processor authenticates with its signature header, not a token.
	if d.Webhook != nil {
		e.POST("/webhooks/stripe", d.Webhook.Stripe, limit)
	}

	if d.Booking != nil {
		g := e.Group("/v1",
			middleware.JWTAuth(d.JWTSecret),
			middleware.RequireRole(utils.RoleBooking),
		)
		g.POST("/reservations", d.Booking.Reserve, limit)
		g.POST("/reservations/:id/release", d.Booking.Release)
		g.POST("/payments/completed", d.Booking.PaymentCompleted)
	}

	if d.Admin != nil {
		g := e.Group("/v1/admin",
			middleware.JWTAuth(d.JWTSecret),
			middleware.RequireRole(utils.RoleAdmin),
		)
		g.GET("/transfers", d.Admin.List)
		g.GET("/transfers/:id", d.Admin.Get)
		g.GET("/transfers/:id/audit", d.Admin.Audit)
		g.POST("/transfers/:id/approve", d.Admin.Approve)
		g.POST("/transfers/:id/annotate", d.Admin.Annotate)
		g.POST("/transfers/:id/resolve", d.Admin.Resolve)
		g.POST("/transfers/:id/cancel", d.Admin.Cancel)
	}

	if d.Scheduler != nil {
		g := e.Group("/v1/scheduler",
			middleware.JWTAuth(d.JWTSecret),
			middleware.RequireRole(utils.RoleScheduler, utils.RoleAdmin),
		)
		g.POST("/run", d.Scheduler.Run)
	}
}
