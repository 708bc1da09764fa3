package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/middleware"
	"github.com/iliyamo/expert-settlement/internal/model"
	"github.com/iliyamo/expert-settlement/internal/settlement"
)

// AdminService is the operator surface of settlement.Admin.
type AdminService interface {
	List(ctx context.Context, status model.TransferStatus, limit int) ([]model.TransferRecord, error)
	Get(ctx context.Context, id uint64) (*model.TransferRecord, error)
	Approve(ctx context.Context, id uint64, operator, note string) (*model.TransferRecord, error)
	Annotate(ctx context.Context, id uint64, operator, note string) (*model.TransferRecord, error)
	Resolve(ctx context.Context, id uint64, operator, note string) (*model.TransferRecord, error)
	Cancel(ctx context.Context, id uint64, operator, note string) (*model.TransferRecord, error)
	AuditTrail(ctx context.Context, id uint64) ([]model.AuditEntry, error)
}

var _ AdminService = (*settlement.Admin)(nil)

// AdminHandler serves /v1/admin/transfers.  The operator id recorded in
// the audit trail is the subject of the caller's ADMIN token.
type AdminHandler struct {
	Svc AdminService
	Log *zap.Logger
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(svc AdminService, log *zap.Logger) *AdminHandler {
	if svc == nil {
		panic("nil service passed to NewAdminHandler")
	}
	return &AdminHandler{Svc: svc, Log: named(log, "http.admin")}
}

var knownStatuses = map[model.TransferStatus]bool{
	model.TransferPending:          true,
	model.TransferRetryScheduled:   true,
	model.TransferCompleted:        true,
	model.TransferFailed:           true,
	model.TransferRequiresApproval: true,
	model.TransferCancelled:        true,
	model.TransferReversed:         true,
}

func transferID(c echo.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

// List handles GET /v1/admin/transfers?status=&limit=.  The status
// defaults to REQUIRES_APPROVAL, the operator work queue.
func (h *AdminHandler) List(c echo.Context) error {
	status := model.TransferStatus(strings.ToUpper(strings.TrimSpace(c.QueryParam("status"))))
	if status == "" {
		status = model.TransferRequiresApproval
	}
	if !knownStatuses[status] {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown status"})
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid limit"})
		}
		limit = n
	}
	list, err := h.Svc.List(c.Request().Context(), status, limit)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	if list == nil {
		list = []model.TransferRecord{}
	}
	return c.JSON(http.StatusOK, echo.Map{"items": list, "count": len(list)})
}

// Get handles GET /v1/admin/transfers/:id.
func (h *AdminHandler) Get(c echo.Context) error {
	id, ok := transferID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid transfer id"})
	}
	rec, err := h.Svc.Get(c.Request().Context(), id)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// Audit handles GET /v1/admin/transfers/:id/audit.
func (h *AdminHandler) Audit(c echo.Context) error {
	id, ok := transferID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid transfer id"})
	}
	ctx := c.Request().Context()
	if _, err := h.Svc.Get(ctx, id); err != nil {
		return writeError(c, h.Log, err)
	}
	trail, err := h.Svc.AuditTrail(ctx, id)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	if trail == nil {
		trail = []model.AuditEntry{}
	}
	return c.JSON(http.StatusOK, echo.Map{"items": trail})
}

type overrideFunc func(ctx context.Context, id uint64, operator, note string) (*model.TransferRecord, error)

// override binds {"note": "..."} and runs one operator action.
func (h *AdminHandler) override(c echo.Context, action string, fn overrideFunc) error {
	id, ok := transferID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid transfer id"})
	}
	var body struct {
		Note string `json:"note"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	operator := middleware.Subject(c)
	rec, err := fn(c.Request().Context(), id, operator, strings.TrimSpace(body.Note))
	if err != nil {
		return writeError(c, h.Log, err)
	}
	h.Log.Info("operator override",
		zap.String("action", action),
		zap.Uint64("transfer_id", id),
		zap.String("operator", operator),
		zap.String("status", string(rec.Status)))
	return c.JSON(http.StatusOK, rec)
}

// Approve handles POST /v1/admin/transfers/:id/approve.
func (h *AdminHandler) Approve(c echo.Context) error {
	return h.override(c, settlement.ActionApprove, h.Svc.Approve)
}

// Annotate handles POST /v1/admin/transfers/:id/annotate.
func (h *AdminHandler) Annotate(c echo.Context) error {
	return h.override(c, settlement.ActionAnnotate, h.Svc.Annotate)
}

// Resolve handles POST /v1/admin/transfers/:id/resolve.
func (h *AdminHandler) Resolve(c echo.Context) error {
	return h.override(c, settlement.ActionResolve, h.Svc.Resolve)
}

// Cancel handles POST /v1/admin/transfers/:id/cancel.
func (h *AdminHandler) Cancel(c echo.Context) error {
	return h.override(c, settlement.ActionCancel, h.Svc.Cancel)
}
