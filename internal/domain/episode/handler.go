package episode

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes read access to episodes and their element results.
type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// RegisterRoutes mounts the episode endpoints on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/episodes/:id", h.get)
	g.GET("/episodes/:id/elements", h.elements)
	g.GET("/episodes/:id/summary", h.summary)
	g.GET("/patients/:id/episodes", h.byPatient)
}

func (h *Handler) get(c echo.Context) error {
	ep, err := h.repo.GetByEpisodeID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapEpisodeErr(err)
	}
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) elements(c echo.Context) error {
	ep, err := h.repo.GetByEpisodeID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapEpisodeErr(err)
	}
	rows, err := h.repo.Elements(c.Request().Context(), ep.ID)
	if err != nil {
		return mapEpisodeErr(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"episode_id": ep.EpisodeID, "elements": rows})
}

func (h *Handler) summary(c echo.Context) error {
	ep, err := h.repo.GetByEpisodeID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapEpisodeErr(err)
	}
	rows, err := h.repo.Elements(c.Request().Context(), ep.ID)
	if err != nil {
		return mapEpisodeErr(err)
	}
	return c.JSON(http.StatusOK, Summarize(ep, rows))
}

func (h *Handler) byPatient(c echo.Context) error {
	eps, err := h.repo.ListOpenByPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapEpisodeErr(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"episodes": eps})
}

func mapEpisodeErr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "episode not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
