package simulation

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/patientflow/internal/platform/auth"
	"github.com/ehr/patientflow/internal/platform/openapi"
	"github.com/ehr/patientflow/internal/sim"
	"github.com/ehr/patientflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, write ...echo.MiddlewareFunc) {
	read := api.Group("", auth.RequireRole(auth.RoleViewer, auth.RolePlanner))
	read.GET("/runs", h.ListRuns)
	read.GET("/runs/:id", h.GetRun)
	read.GET("/parameters/default", h.DefaultParameters)

	plan := api.Group("", append([]echo.MiddlewareFunc{auth.RequireRole(auth.RolePlanner)}, write...)...)
	plan.POST("/runs", h.CreateRun)
	plan.POST("/runs/batch", h.CreateBatch)
	plan.DELETE("/runs/:id", h.DeleteRun)
}

// Operations documents the routes RegisterRoutes adds under prefix.
func (h *Handler) Operations(prefix string) []openapi.Operation {
	read := []string{auth.RoleViewer, auth.RolePlanner}
	plan := []string{auth.RolePlanner}
	page := []openapi.Param{
		{Name: "limit", In: "query", Type: "integer", Description: "Page size, at most 100"},
		{Name: "offset", In: "query", Type: "integer"},
		{Name: "batch_id", In: "query", Type: "string", Format: "uuid", Description: "Return every run of one batch instead of a page"},
	}
	return []openapi.Operation{
		{Method: http.MethodPost, Path: prefix + "/runs", Summary: "Execute one simulation run", Tag: "runs",
			Roles: plan, Request: RunRequest{}, Response: Run{}, Status: http.StatusCreated},
		{Method: http.MethodPost, Path: prefix + "/runs/batch", Summary: "Execute independent runs with consecutive seeds", Tag: "runs",
			Roles: plan, Request: BatchRequest{}, Response: BatchResponse{}, Status: http.StatusCreated},
		{Method: http.MethodGet, Path: prefix + "/runs", Summary: "List runs, newest first", Tag: "runs",
			Roles: read, Params: page, Response: pagination.Response{}},
		{Method: http.MethodGet, Path: prefix + "/runs/:id", Summary: "Get a run with its results", Tag: "runs",
			Roles: read, Response: Run{}},
		{Method: http.MethodDelete, Path: prefix + "/runs/:id", Summary: "Delete a finished run", Tag: "runs",
			Roles: plan, Status: http.StatusNoContent},
		{Method: http.MethodGet, Path: prefix + "/parameters/default", Summary: "Default simulation parameters", Tag: "parameters",
			Roles: read, Response: sim.Parameters{}},
	}
}

// BatchResponse is the body returned by POST /runs/batch.
type BatchResponse struct {
	BatchID uuid.UUID `json:"batch_id"`
	Runs    []*Run    `json:"runs"`
}

func (h *Handler) CreateRun(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	run, err := h.svc.CreateRun(c.Request().Context(), req, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set("Location", "/api/v1/runs/"+run.ID.String())
	return c.JSON(http.StatusCreated, run)
}

func (h *Handler) CreateBatch(c echo.Context) error {
	var req BatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	runs, err := h.svc.Batch(c.Request().Context(), req, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, BatchResponse{BatchID: *runs[0].BatchID, Runs: runs})
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	run, err := h.svc.GetRun(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) ListRuns(c echo.Context) error {
	if batch := c.QueryParam("batch_id"); batch != "" {
		batchID, err := uuid.Parse(batch)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid batch_id")
		}
		runs, err := h.svc.ListBatch(c.Request().Context(), batchID)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, runs)
	}

	pg := pagination.FromContext(c)
	runs, total, err := h.svc.ListRuns(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if link := pg.LinkHeader(c.Request().URL.Path, total); link != "" {
		c.Response().Header().Set("Link", link)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(runs, total, pg))
}

func (h *Handler) DeleteRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteRun(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DefaultParameters(c echo.Context) error {
	return c.JSON(http.StatusOK, sim.DefaultParameters())
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, sim.ErrInvalidParameters):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, sim.ErrTimelineExhausted):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
