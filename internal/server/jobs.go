package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/agent-bletchley/bletchley/internal/orchestrator"
	"github.com/agent-bletchley/bletchley/internal/research"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Store is the persistence surface used by the API, the janitor and the
// orchestrator. Both the Postgres and the in-memory store implement it.
type Store interface {
	orchestrator.Store
	CreateJob(ctx context.Context, query string, jobContext map[string]any) (string, error)
	GetJob(ctx context.Context, id string) (research.Job, bool, error)
	ListJobs(ctx context.Context, skip, limit int) ([]research.Job, error)
	ListIterations(ctx context.Context, jobID string) ([]research.Iteration, error)
	ListSources(ctx context.Context, jobID string) ([]research.Source, error)
	DeleteJob(ctx context.Context, id string) (bool, error)
	ListStaleJobs(ctx context.Context, before time.Time) ([]research.Job, error)
}

// Runner starts and stops job loops.
type Runner interface {
	StartJob(ctx context.Context, jobID, query string) error
	Cancel(ctx context.Context, jobID string) error
	Active(jobID string) bool
}

type JobsHandler struct {
	store  Store
	runner Runner
	events orchestrator.Publisher
	logger *zap.Logger
}

func NewJobsHandler(st Store, runner Runner, events orchestrator.Publisher, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{store: st, runner: runner, events: events, logger: logger}
}

func (h *JobsHandler) Register(g *echo.Group) {
	g.POST("/jobs", h.create)
	g.GET("/jobs", h.list)
	g.GET("/jobs/:id", h.get)
	g.DELETE("/jobs/:id", h.delete)
	g.POST("/jobs/:id/cancel", h.cancel)
	g.GET("/jobs/:id/sources/search", h.searchSources)
}

type createJobRequest struct {
	Query   string         `json:"query"`
	Context map[string]any `json:"context"`
}

func (h *JobsHandler) create(c echo.Context) error {
	var req createJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	ctx := c.Request().Context()
	id, err := h.store.CreateJob(ctx, req.Query, req.Context)
	if err != nil {
		return err
	}
	h.logger.Info("created research job", zap.String("job_id", id), zap.String("query", req.Query))

	if err := h.runner.StartJob(ctx, id, req.Query); err != nil {
		if errors.Is(err, orchestrator.ErrShuttingDown) {
			_ = h.store.FailJob(context.WithoutCancel(ctx), id, "service shutting down")
			return echo.NewHTTPError(http.StatusServiceUnavailable, "service shutting down")
		}
		h.logger.Error("start job", zap.String("job_id", id), zap.Error(err))
	}

	job, ok, err := h.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to retrieve created job")
	}
	return c.JSON(http.StatusAccepted, job)
}

func (h *JobsHandler) list(c echo.Context) error {
	skip, err := intQuery(c, "skip", 0)
	if err != nil || skip < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "skip must be a non-negative integer")
	}
	limit, err := intQuery(c, "limit", defaultListLimit)
	if err != nil || limit < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	jobs, err := h.store.ListJobs(c.Request().Context(), skip, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, jobs)
}

func (h *JobsHandler) get(c echo.Context) error {
	ctx := c.Request().Context()
	job, err := h.load(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if job.Iterations, err = h.store.ListIterations(ctx, job.ID); err != nil {
		return err
	}
	if job.Sources, err = h.store.ListSources(ctx, job.ID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (h *JobsHandler) delete(c echo.Context) error {
	ctx := c.Request().Context()
	job, err := h.load(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		if err := h.runner.Cancel(ctx, job.ID); err != nil {
			h.logger.Warn("cancel before delete", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	deleted, err := h.store.DeleteJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return echo.NewHTTPError(http.StatusNotFound, "Job not found")
	}
	h.logger.Info("deleted research job", zap.String("job_id", job.ID))
	return c.JSON(http.StatusOK, map[string]string{"message": "Job deleted"})
}

func (h *JobsHandler) cancel(c echo.Context) error {
	ctx := c.Request().Context()
	job, err := h.load(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "job already "+string(job.Status))
	}
	if err := h.runner.Cancel(ctx, job.ID); err != nil {
		return err
	}
	// A pending job has no loop to notice the request.
	if job.Status == research.StatusPending && !h.runner.Active(job.ID) {
		err := h.store.UpdateJobStatus(ctx, job.ID, research.StatusCancelled, nil)
		if err != nil && !errors.Is(err, research.ErrJobNotActive) {
			return err
		}
		if err == nil && h.events != nil {
			h.events.Publish(job.ID, research.StatusEvent(job.ID, research.StatusCancelled, nil))
		}
	}
	return c.JSON(http.StatusAccepted, map[string]string{"message": "Cancellation requested"})
}

func (h *JobsHandler) load(ctx context.Context, id string) (research.Job, error) {
	job, ok, err := h.store.GetJob(ctx, id)
	if err != nil {
		return job, err
	}
	if !ok {
		return job, echo.NewHTTPError(http.StatusNotFound, "Job not found")
	}
	return job, nil
}

func intQuery(c echo.Context, name string, def int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
