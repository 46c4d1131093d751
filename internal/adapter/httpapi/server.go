// Package httpapi exposes the scheduler's control surface over HTTP:
// health, the schedule catalog, task history, manual triggering, and
// pause/resume. Metrics are served from the same listener.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/himanga/fledge/internal/core/scheduler"
)

// Engine is the scheduler surface the API drives.
type Engine interface {
	Snapshot() []scheduler.ScheduleStatus
	RunManual(ctx context.Context, id uuid.UUID) (uuid.UUID, error)
	Pause()
	Resume()
	Paused() bool
	Running() bool
	ActiveTasks() int
}

// TaskStore is the slice of storage the API reads.
type TaskStore interface {
	RecentTasks(ctx context.Context, limit int) ([]scheduler.TaskRecord, error)
}

// Config configures the router.
type Config struct {
	Engine Engine
	Tasks  TaskStore
	Logger *slog.Logger
	// Gatherer backs GET /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Ping verifies storage for the health endpoint; nil skips the check.
	Ping func(ctx context.Context) error
}

// NewRouter builds the gin handler.
func NewRouter(cfg Config) *gin.Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "httpapi")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	h := &handlers{cfg: cfg, log: log}

	r.GET("/healthz", h.health)
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.GET("/schedules", h.listSchedules)
	v1.GET("/tasks", h.listTasks)
	v1.POST("/schedules/:id/start", h.startSchedule)
	v1.POST("/scheduler/pause", h.pause)
	v1.POST("/scheduler/resume", h.resume)

	return r
}

type handlers struct {
	cfg Config
	log *slog.Logger
}

func (h *handlers) health(c *gin.Context) {
	status := http.StatusOK
	storageOK := true
	if h.cfg.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.cfg.Ping(ctx); err != nil {
			h.log.Warn("storage health check failed", "error", err)
			storageOK = false
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{
		"status":       statusWord(status == http.StatusOK),
		"running":      h.cfg.Engine.Running(),
		"paused":       h.cfg.Engine.Paused(),
		"active_tasks": h.cfg.Engine.ActiveTasks(),
		"storage":      statusWord(storageOK),
	})
}

func statusWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "degraded"
}

type scheduleResponse struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	ProcessName   string  `json:"process_name"`
	Type          string  `json:"type"`
	Day           int     `json:"day,omitempty"`
	RepeatSeconds float64 `json:"repeat_seconds,omitempty"`
	Exclusive     bool    `json:"exclusive"`
	NextStart     string  `json:"next_start,omitempty"`
	RunningTasks  int     `json:"running_tasks"`
}

func (h *handlers) listSchedules(c *gin.Context) {
	snap := h.cfg.Engine.Snapshot()
	out := make([]scheduleResponse, 0, len(snap))
	for _, st := range snap {
		resp := scheduleResponse{
			ID:           st.Schedule.ID.String(),
			Name:         st.Schedule.Name,
			ProcessName:  st.Schedule.ProcessName,
			Type:         st.Schedule.Type.String(),
			Day:          st.Schedule.Day,
			Exclusive:    st.Schedule.Exclusive,
			RunningTasks: st.RunningTasks,
		}
		if st.Schedule.Repeat != nil {
			resp.RepeatSeconds = st.Schedule.Repeat.Seconds()
		}
		if !st.NextStart.IsZero() {
			resp.NextStart = st.NextStart.Format(time.RFC3339)
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, gin.H{"schedules": out})
}

type taskResponse struct {
	ID          string `json:"id"`
	ProcessName string `json:"process_name"`
	State       string `json:"state"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time,omitempty"`
	PID         int    `json:"pid"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (h *handlers) listTasks(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..1000"})
			return
		}
		limit = n
	}

	tasks, err := h.cfg.Tasks.RecentTasks(c.Request.Context(), limit)
	if err != nil {
		h.log.Error("list tasks", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp := taskResponse{
			ID:          t.ID.String(),
			ProcessName: t.ProcessName,
			State:       t.State.String(),
			StartTime:   t.StartTime.Format(time.RFC3339),
			PID:         t.PID,
			ExitCode:    t.ExitCode,
			Reason:      t.Reason,
		}
		if t.EndTime != nil {
			resp.EndTime = t.EndTime.Format(time.RFC3339)
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

func (h *handlers) startSchedule(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}

	taskID, err := h.cfg.Engine.RunManual(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"task_id": taskID.String()})
	case errors.Is(err, scheduler.ErrScheduleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrTaskRunning),
		errors.Is(err, scheduler.ErrPaused):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrNotRunning):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.log.Error("manual start", "schedule", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "launch failed"})
	}
}

func (h *handlers) pause(c *gin.Context) {
	h.cfg.Engine.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (h *handlers) resume(c *gin.Context) {
	h.cfg.Engine.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}
