package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/settlement"
)

// SchedulerRunner runs one settlement pass.
type SchedulerRunner interface {
	RunOnce(ctx context.Context, now time.Time) ([]settlement.TransitionResult, error)
}

var _ SchedulerRunner = (*settlement.Scheduler)(nil)

// SchedulerHandler lets an external cron trigger a pass over HTTP.
type SchedulerHandler struct {
	Runner SchedulerRunner
	Now    func() time.Time
	Log    *zap.Logger
}

// NewSchedulerHandler constructs a SchedulerHandler using the wall clock.
func NewSchedulerHandler(r SchedulerRunner, log *zap.Logger) *SchedulerHandler {
	if r == nil {
		panic("nil runner passed to NewSchedulerHandler")
	}
	return &SchedulerHandler{Runner: r, Now: time.Now, Log: named(log, "http.scheduler")}
}

// Run handles POST /v1/scheduler/run.  The response lists one result per
// selected record and a count per outcome.  The pass keeps running if the
// caller disconnects.
func (h *SchedulerHandler) Run(c echo.Context) error {
	now := h.Now().UTC()
	results, err := h.Runner.RunOnce(context.WithoutCancel(c.Request().Context()), now)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	summary := map[string]int{}
	for _, r := range results {
		summary[r.Outcome]++
	}
	if results == nil {
		results = []settlement.TransitionResult{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"ran_at":  now,
		"summary": summary,
		"results": results,
	})
}
