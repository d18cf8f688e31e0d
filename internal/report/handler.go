package report

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Handler serves reconciliation run reports.
type Handler struct {
	svc *Service
}

// NewHandler creates a report handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the report endpoints on a route group.
//
//	GET /reconciliation/runs      - List recent runs
//	GET /reconciliation/runs/:id  - Fetch one run
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/reconciliation/runs", h.ListRuns)
	g.GET("/reconciliation/runs/:id", h.GetRun)
}

// ListRuns handles GET /api/v1/reconciliation/runs. Optional query
// parameters: subject ("Patient/id") and limit.
func (h *Handler) ListRuns(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	runs, err := h.svc.ListRuns(c.Request().Context(), c.QueryParam("subject"), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if runs == nil {
		runs = []*Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

// GetRun handles GET /api/v1/reconciliation/runs/:id.
func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed run id"})
	}

	run, err := h.svc.GetRun(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, run)
}
