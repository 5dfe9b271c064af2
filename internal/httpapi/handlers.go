package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stellarlinkco/cabot/internal/reminder"
	"github.com/stellarlinkco/cabot/internal/store"
	"github.com/stellarlinkco/cabot/internal/task"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type Handlers struct {
	deps   Deps
	logger *zap.Logger
}

func NewHandlers(deps Deps, logger *zap.Logger) *Handlers {
	return &Handlers{deps: deps, logger: logger}
}

// Response is the envelope of every reply.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version,omitempty"`
}

// TaskResponse is a task with its status as users see it.
type TaskResponse struct {
	*task.Task
	DisplayStatus task.Status `json:"display_status"`
}

type TaskDetailResponse struct {
	TaskResponse
	Events []task.Event `json:"events"`
}

type StatsResponse struct {
	Tasks      store.Stats           `json:"tasks"`
	Principals map[task.Role]int     `json:"principals"`
	LastCycle  *reminder.CycleResult `json:"last_reminder_cycle,omitempty"`
}

// ListTasksRequest holds the GET /api/tasks query.
type ListTasksRequest struct {
	Assignee int64  `form:"assignee"`
	Creator  int64  `form:"creator"`
	Status   string `form:"status"`
	Limit    int    `form:"limit"`
}

func (h *Handlers) fail(c *gin.Context, status int, msg string, err error) {
	if err != nil && status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, Response{Success: false, Error: msg})
}

// Health handles GET /healthz.
func (h *Handlers) Health(c *gin.Context) {
	status := http.StatusOK
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: h.deps.Now().UTC().Format(time.RFC3339),
		Version:   h.deps.Version,
	}
	if err := h.deps.Store.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		status = http.StatusServiceUnavailable
		resp.Status = "unhealthy"
	}
	c.JSON(status, Response{Success: status == http.StatusOK, Data: resp})
}

// ListTasks handles GET /api/tasks.
func (h *Handlers) ListTasks(c *gin.Context) {
	var req ListTasksRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.fail(c, http.StatusBadRequest, "invalid query parameters", err)
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultListLimit
	}
	if req.Limit > maxListLimit {
		req.Limit = maxListLimit
	}

	now := h.deps.Now()
	f := store.TaskFilter{AssigneeID: req.Assignee, CreatorID: req.Creator, Now: now, Limit: req.Limit}
	if req.Status != "" {
		st, ok := task.ParseStatus(req.Status)
		if !ok {
			h.fail(c, http.StatusBadRequest, "unknown status", nil)
			return
		}
		f.Statuses = []task.Status{st}
	}

	tasks, err := h.deps.Store.ListTasks(c.Request.Context(), f)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "failed to list tasks", err)
		return
	}
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskResponse{Task: t, DisplayStatus: t.DisplayStatus(now)})
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: out})
}

// GetTask handles GET /api/tasks/:id.
func (h *Handlers) GetTask(c *gin.Context) {
	n, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || n <= 0 {
		h.fail(c, http.StatusBadRequest, "invalid task id", nil)
		return
	}
	id := task.ID(n)

	t, err := h.deps.Store.GetTask(c.Request.Context(), id)
	if errors.Is(err, task.ErrTaskNotFound) {
		h.fail(c, http.StatusNotFound, "task not found", nil)
		return
	}
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "failed to get task", err)
		return
	}
	events, err := h.deps.Store.TaskEvents(c.Request.Context(), id)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "failed to get task events", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: TaskDetailResponse{
		TaskResponse: TaskResponse{Task: t, DisplayStatus: t.DisplayStatus(h.deps.Now())},
		Events:       events,
	}})
}

// Stats handles GET /api/stats.
func (h *Handlers) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	st, err := h.deps.Store.TaskStats(ctx, store.TaskFilter{}, h.deps.Now())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "failed to count tasks", err)
		return
	}
	roles, err := h.deps.Store.CountPrincipals(ctx)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "failed to count users", err)
		return
	}
	resp := StatsResponse{Tasks: st, Principals: roles}
	if h.deps.Reminders != nil {
		last := h.deps.Reminders.LastCycle()
		if !last.StartedAt.IsZero() {
			resp.LastCycle = &last
		}
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: resp})
}

// Metrics handles GET /api/metrics.
func (h *Handlers) Metrics(c *gin.Context) {
	if h.deps.Metrics == nil {
		h.fail(c, http.StatusNotFound, "metrics disabled", nil)
		return
	}
	snap, err := h.deps.Metrics.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "failed to collect metrics", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: snap})
}
