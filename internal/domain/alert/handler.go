package alert

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// Handler exposes the alert ledger over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the alert endpoints on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/alerts", h.list)
	g.POST("/alerts", h.upsert)
	g.GET("/alerts/:id", h.get)
	g.GET("/alerts/:id/history", h.history)
	g.GET("/alerts/:id/deliveries", h.deliveries)
	g.POST("/alerts/:id/ack", h.acknowledge)
	g.POST("/alerts/:id/snooze", h.snooze)
	g.POST("/alerts/:id/resolve", h.resolve)
}

type upsertRequest struct {
	Kind      string `json:"kind"`
	SourceKey string `json:"source_key"`
	Payload
}

func (h *Handler) upsert(c echo.Context) error {
	var req upsertRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Kind == "" || req.SourceKey == "" || req.Summary == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "kind, source_key, and summary are required")
	}
	if req.Severity == "" {
		req.Severity = SeverityMedium
	}
	alertID, created, err := h.service.Upsert(c.Request().Context(), req.Kind, req.SourceKey, req.Payload)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, map[string]interface{}{"alert_id": alertID, "created": created})
}

func (h *Handler) list(c echo.Context) error {
	var f Filter
	f.Kind = c.QueryParam("kind")
	f.Status = Status(c.QueryParam("status"))
	f.PatientID = c.QueryParam("patient")
	f.Severity = Severity(c.QueryParam("severity"))
	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC3339")
		}
		f.Since = &t
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	alerts, total, err := h.service.Query(c.Request().Context(), f, limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"alerts": alerts, "total": total})
}

func (h *Handler) get(c echo.Context) error {
	a, err := h.service.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapAlertErr(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) history(c echo.Context) error {
	rows, err := h.service.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapAlertErr(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"history": rows})
}

func (h *Handler) deliveries(c echo.Context) error {
	rows, err := h.service.Deliveries(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapAlertErr(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"deliveries": rows})
}

func (h *Handler) acknowledge(c echo.Context) error {
	err := h.service.Acknowledge(c.Request().Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		return mapAlertErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type snoozeRequest struct {
	Until time.Time `json:"until"`
}

func (h *Handler) snooze(c echo.Context) error {
	var req snoozeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	err := h.service.Snooze(c.Request().Context(), c.Param("id"), actorFrom(c), req.Until)
	if err != nil {
		return mapAlertErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type resolveRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) resolve(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	err := h.service.Resolve(c.Request().Context(), c.Param("id"), actorFrom(c), req.Reason)
	if err != nil {
		return mapAlertErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func actorFrom(c echo.Context) string {
	if v, ok := c.Get("user_id").(string); ok && v != "" {
		return v
	}
	return "api"
}

func mapAlertErr(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "alert not found")
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrResolutionReason),
		errors.Is(err, ErrSnoozeUntil):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
