package mgmt

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/access-agent/internal/accesscontrol"
	"github.com/p-blackswan/access-agent/internal/emergency"
	perrors "github.com/p-blackswan/access-agent/internal/errors"
	"github.com/p-blackswan/access-agent/internal/health"
	"github.com/p-blackswan/access-agent/internal/models"
	"github.com/p-blackswan/access-agent/internal/notify"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	svc       *accesscontrol.Service
	checker   *health.Checker
	recent    *notify.Recorder
	logger    zerolog.Logger
	startTime time.Time
}

func newHandlers(svc *accesscontrol.Service, checker *health.Checker, recent *notify.Recorder, logger zerolog.Logger) *Handlers {
	return &Handlers{
		svc:       svc,
		checker:   checker,
		recent:    recent,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	report := h.checker.Run(c.UserContext())
	return c.JSON(HealthDetailResponse{
		Report: report,
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
	})
}

// WhoAmI handles GET /api/v1/whoami.
func (h *Handlers) WhoAmI(c *fiber.Ctx) error {
	return c.JSON(principalOf(c))
}

// GetState handles GET /api/v1/state.
func (h *Handlers) GetState(c *fiber.Ctx) error {
	return c.JSON(h.svc.State().Snapshot())
}

// Refresh handles POST /api/v1/refresh.
func (h *Handlers) Refresh(c *fiber.Ctx) error {
	if err := h.svc.Refresh(c.UserContext()); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(h.svc.State().Snapshot())
}

// Notifications handles GET /api/v1/notifications.
func (h *Handlers) Notifications(c *fiber.Ctx) error {
	if h.recent == nil {
		return c.JSON(NotificationListResponse{Notifications: []NotificationView{}})
	}
	all := h.recent.All()
	limit := c.QueryInt("limit", 50)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]NotificationView, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, newNotificationView(all[i]))
	}
	return c.JSON(NotificationListResponse{Notifications: out, Total: len(out)})
}

// ListPoints handles GET /api/v1/points.
func (h *Handlers) ListPoints(c *fiber.Ctx) error {
	return c.JSON(h.svc.State().AccessPoints())
}

// CreatePoint handles POST /api/v1/points.
func (h *Handlers) CreatePoint(c *fiber.Ctx) error {
	var p models.AccessPoint
	if err := c.BodyParser(&p); err != nil {
		return badBody(c, err)
	}
	created, res, err := h.svc.CreateAccessPoint(c.UserContext(), p)
	if err != nil {
		return h.fail(c, err)
	}
	return mutationResponse(c, fiber.StatusCreated, created, res)
}

// UpdatePoint handles PATCH /api/v1/points/:id.
func (h *Handlers) UpdatePoint(c *fiber.Ctx) error {
	var patch accesscontrol.PointPatch
	if err := c.BodyParser(&patch); err != nil {
		return badBody(c, err)
	}
	updated, res, err := h.svc.UpdateAccessPoint(c.UserContext(), c.Params("id"), patch)
	if err != nil {
		return h.fail(c, err)
	}
	return mutationResponse(c, fiber.StatusOK, updated, res)
}

// TogglePoint handles POST /api/v1/points/:id/toggle.
func (h *Handlers) TogglePoint(c *fiber.Ctx) error {
	updated, res, err := h.svc.ToggleAccessPoint(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return mutationResponse(c, fiber.StatusOK, updated, res)
}

// SyncPointEvents handles POST /api/v1/points/:id/sync-events.
func (h *Handlers) SyncPointEvents(c *fiber.Ctx) error {
	n, res, err := h.svc.SyncCachedEvents(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return mutationResponse(c, fiber.StatusOK, fiber.Map{"synced": n}, res)
}

// DeletePoint handles DELETE /api/v1/points/:id.
func (h *Handlers) DeletePoint(c *fiber.Ctx) error {
	res, err := h.svc.DeleteAccessPoint(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return mutationResponse(c, fiber.StatusOK, nil, res)
}

// ListUsers handles GET /api/v1/users.
func (h *Handlers) ListUsers(c *fiber.Ctx) error {
	return c.JSON(h.svc.State().Users())
}

// CreateUser handles POST /api/v1/users.
func (h *Handlers) CreateUser(c *fiber.Ctx) error {
	var u models.AccessControlUser
	if err := c.BodyParser(&u); err != nil {
		return badBody(c, err)
	}
	created, res, err := h.svc.CreateUser(c.UserContext(), u)
	if err != nil {
		return h.fail(c, err)
	}
	return mutationResponse(c, fiber.StatusCreated, created, res)
}

// UpdateUser handles PATCH /api/v1/users/:id.
func (h *Handlers) UpdateUser(c *fiber.Ctx) error {
	var patch accesscontrol.UserPatch
	if err := c.BodyParser(&patch); err != nil {
		return badBody(c, err)
	}
	updated, res, err := h.svc.UpdateUser(c.UserContext(), c.Params("id"), patch)
	if err != nil {
		return h.fail(c, err)
	}
	return mutationResponse(c, fiber.StatusOK, updated, res)
}

// DeleteUser handles DELETE /api/v1/users/:id.
func (h *Handlers) DeleteUser(c *fiber.Ctx) error {
	res, err := h.svc.DeleteUser(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return mutationResponse(c, fiber.StatusOK, nil, res)
}

// ListEvents handles GET /api/v1/events.
func (h *Handlers) ListEvents(c *fiber.Ctx) error {
	return c.JSON(h.svc.State().Events(c.QueryInt("limit", 100)))
}

// ReviewEvent handles POST /api/v1/events/:id/review.
func (h *Handlers) ReviewEvent(c *fiber.Ctx) error {
	var req ReviewRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	res, err := h.svc.ReviewAgentEvent(c.UserContext(), c.Params("id"), req.Action, req.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return mutationResponse(c, fiber.StatusOK, nil, res)
}

// ExportEvents handles GET /api/v1/events/export.
func (h *Handlers) ExportEvents(c *fiber.Ctx) error {
	format := c.Query("format", "csv")
	data, err := h.svc.ExportEvents(c.UserContext(), format)
	if err != nil {
		return h.fail(c, err)
	}
	return sendExport(c, "access-events", format, data)
}

// ExportReport handles GET /api/v1/reports/export.
func (h *Handlers) ExportReport(c *fiber.Ctx) error {
	format := c.Query("format", "pdf")
	data, err := h.svc.ExportReport(c.UserContext(), format)
	if err != nil {
		return h.fail(c, err)
	}
	return sendExport(c, "access-report", format, data)
}

// BackendMetrics handles GET /api/v1/backend-metrics. ?refresh=true reloads
// before answering.
func (h *Handlers) BackendMetrics(c *fiber.Ctx) error {
	if c.QueryBool("refresh") {
		if err := h.svc.RefreshMetrics(c.UserContext()); err != nil {
			return h.fail(c, err)
		}
	}
	m, ok := h.svc.State().Metrics()
	if !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"not_loaded", "Not Found", "Backend metrics have not been loaded yet")
	}
	return c.JSON(m)
}

// GetEmergency handles GET /api/v1/emergency.
func (h *Handlers) GetEmergency(c *fiber.Ctx) error {
	ctrl, ok := h.svc.Emergency()
	if !ok {
		return c.JSON(EmergencyResponse{Mode: emergency.ModeNormal})
	}
	return c.JSON(EmergencyResponse{Mode: ctrl.Mode, Controller: &ctrl})
}

// Lockdown handles POST /api/v1/emergency/lockdown.
func (h *Handlers) Lockdown(c *fiber.Ctx) error {
	var req EmergencyRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	ctrl, err := h.svc.Lockdown(c.UserContext(), req.toRequest())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(EmergencyResponse{Mode: ctrl.Mode, Controller: &ctrl})
}

// Unlock handles POST /api/v1/emergency/unlock.
func (h *Handlers) Unlock(c *fiber.Ctx) error {
	var req EmergencyRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	ctrl, err := h.svc.Unlock(c.UserContext(), req.toRequest())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(EmergencyResponse{Mode: ctrl.Mode, Controller: &ctrl})
}

// Restore handles POST /api/v1/emergency/restore.
func (h *Handlers) Restore(c *fiber.Ctx) error {
	var req EmergencyRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badBody(c, err)
		}
	}
	if err := h.svc.Restore(c.UserContext(), req.toRequest()); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(EmergencyResponse{Mode: emergency.ModeNormal})
}

// ListQueue handles GET /api/v1/queue.
func (h *Handlers) ListQueue(c *fiber.Ctx) error {
	ctx := c.UserContext()
	ops := h.svc.QueuedOperations(ctx)
	if status := c.Query("status"); status != "" {
		filtered := ops[:0:0]
		for _, op := range ops {
			if string(op.SyncStatus) == status {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}
	return c.JSON(QueueResponse{Operations: ops, Stats: h.svc.QueueStats(ctx)})
}

// FlushQueue handles POST /api/v1/queue/flush.
func (h *Handlers) FlushQueue(c *fiber.Ctx) error {
	return c.JSON(h.svc.FlushQueue(c.UserContext()))
}

// RetryQueue handles POST /api/v1/queue/retry.
func (h *Handlers) RetryQueue(c *fiber.Ctx) error {
	n, res := h.svc.RetryFailed(c.UserContext())
	return c.JSON(RetryResponse{Rearmed: n, Flush: res})
}

// DiscardQueued handles DELETE /api/v1/queue/:id.
func (h *Handlers) DiscardQueued(c *fiber.Ctx) error {
	if err := h.svc.DiscardQueued(c.UserContext(), c.Params("id")); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListAudit handles GET /api/v1/audit. ?remote=true reads the backend's log.
func (h *Handlers) ListAudit(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if c.QueryBool("remote") {
		entries, err := h.svc.RemoteAudit(c.UserContext(), limit)
		if err != nil {
			return h.fail(c, err)
		}
		return c.JSON(entries)
	}
	return c.JSON(h.svc.Audit(limit))
}

func mutationResponse(c *fiber.Ctx, status int, data any, res accesscontrol.Result) error {
	if res.Queued {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(MutationResponse{
		Data:     data,
		Queued:   res.Queued,
		QueueID:  res.QueueID,
		EntityID: res.EntityID,
	})
}

func sendExport(c *fiber.Ctx, name, format string, data []byte) error {
	switch format {
	case "csv":
		c.Set(fiber.HeaderContentType, "text/csv")
	case "json":
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	case "pdf":
		c.Set(fiber.HeaderContentType, "application/pdf")
	}
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+name+`.`+format+`"`)
	return c.Send(data)
}

func badBody(c *fiber.Ctx, err error) error {
	return problemResponse(c, fiber.StatusBadRequest,
		"invalid_body", "Bad Request",
		"Invalid request body: "+err.Error())
}

// fail maps service errors onto problem responses.
func (h *Handlers) fail(c *fiber.Ctx, err error) error {
	var conflict *emergency.ConflictError
	switch {
	case errors.As(err, &conflict):
		return problemResponse(c, fiber.StatusConflict, "emergency_conflict", "Conflict", err.Error())
	case errors.Is(err, emergency.ErrConfirmationRequired):
		return problemResponse(c, fiber.StatusPreconditionRequired, "confirmation_required", "Precondition Required", err.Error())
	case errors.Is(err, perrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest, "invalid_input", "Bad Request", err.Error())
	case errors.Is(err, perrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, perrors.ErrConflict):
		return problemResponse(c, fiber.StatusConflict, "conflict", "Conflict", err.Error())
	case perrors.IsTransport(err), errors.Is(err, perrors.ErrUnavailable):
		return problemResponse(c, fiber.StatusServiceUnavailable, "backend_unavailable", "Service Unavailable", err.Error())
	case errors.Is(err, perrors.ErrTimeout):
		return problemResponse(c, fiber.StatusGatewayTimeout, "backend_timeout", "Gateway Timeout", err.Error())
	}
	var apiErr *perrors.APIError
	if errors.As(err, &apiErr) {
		return problemResponse(c, fiber.StatusBadGateway, "backend_error", "Bad Gateway", err.Error())
	}
	h.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return problemResponse(c, fiber.StatusInternalServerError, "internal_error", "Internal Server Error", "An internal error occurred")
}
