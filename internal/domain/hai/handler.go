package hai

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// Handler exposes the candidate pipeline over HTTP.
type Handler struct {
	repo    Repository
	reviews *ReviewService
}

func NewHandler(repo Repository, reviews *ReviewService) *Handler {
	return &Handler{repo: repo, reviews: reviews}
}

// RegisterRoutes mounts the HAI endpoints on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/hai/candidates", h.list)
	g.GET("/hai/candidates/:id", h.get)
	g.GET("/hai/candidates/:id/extractions", h.extractions)
	g.POST("/hai/candidates/:id/review", h.review)
	g.GET("/hai/discrepancies", h.discrepancies)
}

func (h *Handler) list(c echo.Context) error {
	var f CandidateFilter
	f.Kind = Kind(c.QueryParam("kind"))
	f.Status = Status(c.QueryParam("status"))
	f.PatientID = c.QueryParam("patient")
	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC3339")
		}
		f.Since = &t
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	candidates, err := h.repo.ListCandidates(c.Request().Context(), f, limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"candidates": candidates})
}

func (h *Handler) get(c echo.Context) error {
	cand, err := h.repo.GetCandidate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapHAIErr(err)
	}
	resp := map[string]interface{}{"candidate": cand}
	if cl, err := h.repo.LatestClassification(c.Request().Context(), cand.ID); err == nil {
		resp["classification"] = cl
		resp["reasoning"] = cl.Trace()
	}
	if rv, err := h.repo.GetOpenReview(c.Request().Context(), cand.ID); err == nil {
		resp["review"] = rv
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) extractions(c echo.Context) error {
	cand, err := h.repo.GetCandidate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapHAIErr(err)
	}
	rows, err := h.repo.ListExtractions(c.Request().Context(), cand.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"extractions": rows})
}

type reviewRequest struct {
	Decision       Decision `json:"decision"`
	OverrideReason string   `json:"override_reason"`
}

func (h *Handler) review(c echo.Context) error {
	var req reviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	err := h.reviews.Submit(c.Request().Context(), c.Param("id"), reviewerFrom(c), req.Decision, req.OverrideReason)
	if err != nil {
		return mapHAIErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) discrepancies(c echo.Context) error {
	since := time.Now().AddDate(0, -3, 0)
	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC3339")
		}
		since = t
	}
	rows, err := h.repo.ListDiscrepancies(c.Request().Context(), since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"discrepancies": rows})
}

func reviewerFrom(c echo.Context) string {
	if v, ok := c.Get("user_id").(string); ok && v != "" {
		return v
	}
	return "api"
}

func mapHAIErr(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "candidate not found")
	case errors.Is(err, ErrReviewClosed):
		return echo.NewHTTPError(http.StatusConflict, "review already closed")
	case errors.Is(err, ErrReviewDecision), errors.Is(err, ErrOverrideReason):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
