package reporting

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Handler exposes the report downloads and the submission audit.
type Handler struct {
	exporter *Exporter
	repo     Repository
}

func NewHandler(exporter *Exporter, repo Repository) *Handler {
	return &Handler{exporter: exporter, repo: repo}
}

// RegisterRoutes mounts the reporting endpoints on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/reports/au", h.au)
	g.GET("/reports/ar", h.ar)
	g.GET("/reports/nhsn", h.nhsn)
	g.GET("/reports/submissions", h.submissions)
	g.GET("/reports/denominators", h.denominators)
}

func (h *Handler) au(c echo.Context) error {
	q, err := quarterParam(c)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="au-`+string(q)+`.csv"`)
	c.Response().WriteHeader(http.StatusOK)
	_, err = h.exporter.WriteAU(c.Request().Context(), q, actorFrom(c), c.Response())
	return err
}

func (h *Handler) ar(c echo.Context) error {
	q, err := quarterParam(c)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="ar-`+string(q)+`.csv"`)
	c.Response().WriteHeader(http.StatusOK)
	_, err = h.exporter.WriteAR(c.Request().Context(), q, actorFrom(c), c.Response())
	return err
}

func (h *Handler) nhsn(c echo.Context) error {
	q, err := quarterParam(c)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationXML)
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="hai-`+string(q)+`.xml"`)
	c.Response().WriteHeader(http.StatusOK)
	_, err = h.exporter.WriteNHSN(c.Request().Context(), q, actorFrom(c), c.Response())
	return err
}

func (h *Handler) submissions(c echo.Context) error {
	since := time.Now().AddDate(-1, 0, 0)
	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC3339")
		}
		since = t
	}
	rows, err := h.repo.ListSubmissions(c.Request().Context(), since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"submissions": rows})
}

func (h *Handler) denominators(c echo.Context) error {
	month, err := time.Parse("2006-01", c.QueryParam("month"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "month must be YYYY-MM")
	}
	rows, err := h.repo.MonthDenominators(c.Request().Context(), month)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"denominators": rows})
}

func quarterParam(c echo.Context) (Quarter, error) {
	q := Quarter(c.QueryParam("quarter"))
	if _, _, err := q.Range(); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "quarter must look like 2026Q1")
	}
	return q, nil
}

func actorFrom(c echo.Context) string {
	if v, ok := c.Get("user_id").(string); ok && v != "" {
		return v
	}
	return "api"
}
