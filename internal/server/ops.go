package server

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/agent-bletchley/bletchley/internal/broadcast"
)

// ActiveLister reports the job loops running in this process.
type ActiveLister interface {
	ActiveJobs() []string
}

// OpsHandler exposes operational state of this instance.
type OpsHandler struct {
	jobs    ActiveLister
	manager *broadcast.Manager
}

func NewOpsHandler(jobs ActiveLister, m *broadcast.Manager) *OpsHandler {
	return &OpsHandler{jobs: jobs, manager: m}
}

// Register mounts ops endpoints under the provided group. It expects authentication to be applied by caller.
func (h *OpsHandler) Register(g *echo.Group) {
	g.GET("/status", h.status)
}

type opsStatus struct {
	ActiveJobs     []string `json:"active_jobs"`
	SubscribedJobs int      `json:"subscribed_jobs"`
}

func (h *OpsHandler) status(c echo.Context) error {
	ids := h.jobs.ActiveJobs()
	sort.Strings(ids)
	return c.JSON(http.StatusOK, opsStatus{ActiveJobs: ids, SubscribedJobs: h.manager.Jobs()})
}
