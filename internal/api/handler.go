// Package api exposes the workflow control plane over HTTP
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/claims-workflow/internal/events"
	"github.com/yourusername/claims-workflow/internal/scheduler"
	"github.com/yourusername/claims-workflow/internal/workflow"
	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// UserHeader carries the id of the user performing a mutation
const UserHeader = "X-User-ID"

// Handler serves the control-plane routes
type Handler struct {
	service *workflow.Service
	bus     *events.Bus
}

// NewHandler creates a new API handler. bus may be nil, which disables the
// event routes.
func NewHandler(service *workflow.Service, bus *events.Bus) *Handler {
	return &Handler{service: service, bus: bus}
}

// RegisterRoutes registers the API routes under /api/v1
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/api/v1")

	v1.POST("/assignments/auto", h.TriggerAutoAssign)
	v1.POST("/sla/sweep", h.TriggerSLASweep)
	v1.POST("/assignments", h.AssignTask)
	v1.GET("/assignments", h.ListAssignments)
	v1.GET("/assignments/:id", h.GetAssignment)
	v1.PATCH("/assignments/:id", h.UpdateAssignment)
	v1.GET("/assignments/:id/history", h.GetAssignmentHistory)

	v1.GET("/priorities", h.GetDailyPriorities)
	v1.PUT("/tasks/:id/priority", h.SetTaskPriority)
	v1.DELETE("/tasks/:id/priority", h.ClearTaskPriority)
	v1.GET("/tasks/:id/workflow", h.VisualizeWorkflow)

	v1.GET("/corbeilles/:userId", h.GetCorbeille)
	v1.GET("/corbeilles/:userId/stats", h.GetCorbeilleStats)

	if h.bus != nil {
		v1.GET("/events", h.RecentEvents)
		v1.GET("/events/stream", h.StreamEvents)
	}
}

// TriggerAutoAssign runs one assignment pass
func (h *Handler) TriggerAutoAssign(c *gin.Context) {
	report, err := h.service.TriggerAutoAssign(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// TriggerSLASweep runs one SLA sweep
func (h *Handler) TriggerSLASweep(c *gin.Context) {
	report, err := h.service.TriggerSLASweep(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// AssignTaskRequest is the body of a manual assignment
type AssignTaskRequest struct {
	TaskID     string  `json:"task_id" binding:"required"`
	Kind       string  `json:"kind" binding:"required"`
	AssigneeID string  `json:"assignee_id" binding:"required"`
	Notes      *string `json:"notes,omitempty"`
}

// AssignTask assigns a task explicitly
func (h *Handler) AssignTask(c *gin.Context) {
	var req AssignTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	a, err := h.service.AssignTask(c.Request.Context(), req.TaskID, tasks.Kind(req.Kind), req.AssigneeID, req.Notes, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// ListAssignments lists assignments, optionally filtered by status and assignee
func (h *Handler) ListAssignments(c *gin.Context) {
	filter := workflow.AssignmentFilter{
		Status:     tasks.AssignmentStatus(c.Query("status")),
		AssigneeID: c.Query("assignee"),
		TaskID:     c.Query("task"),
	}

	list, err := h.service.ListAssignments(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": list, "count": len(list)})
}

// GetAssignment returns one assignment
func (h *Handler) GetAssignment(c *gin.Context) {
	a, err := h.service.GetAssignment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// UpdateAssignment patches status, notes or assignee
func (h *Handler) UpdateAssignment(c *gin.Context) {
	var patch workflow.AssignmentPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	a, err := h.service.UpdateAssignment(c.Request.Context(), c.Param("id"), patch, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// GetAssignmentHistory returns the audit trail of an assignment
func (h *Handler) GetAssignmentHistory(c *gin.Context) {
	entries, err := h.service.GetAssignmentHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// GetDailyPriorities returns the ranked pending list
func (h *Handler) GetDailyPriorities(c *gin.Context) {
	list, err := h.service.GetDailyPriorities(c.Request.Context(), c.Query("team"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": list, "count": len(list)})
}

// SetPriorityRequest is the body of a priority override
type SetPriorityRequest struct {
	Priority string `json:"priority" binding:"required"`
}

// SetTaskPriority overrides a task's priority. The optional ?kind= query
// disambiguates ids shared by several kinds.
func (h *Handler) SetTaskPriority(c *gin.Context) {
	var req SetPriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	taskID := c.Param("id")
	if err := h.service.SetTaskPriority(c.Request.Context(), taskID, tasks.Kind(c.Query("kind")), req.Priority); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "priority": req.Priority})
}

// ClearTaskPriority removes a priority override
func (h *Handler) ClearTaskPriority(c *gin.Context) {
	cleared, err := h.service.ClearTaskPriority(c.Request.Context(), c.Param("id"), tasks.Kind(c.Query("kind")))
	if err != nil {
		writeError(c, err)
		return
	}
	if !cleared {
		c.JSON(http.StatusNotFound, gin.H{"error": "no priority override for task"})
		return
	}
	c.Status(http.StatusNoContent)
}

// VisualizeWorkflow returns the stage timeline of a task
func (h *Handler) VisualizeWorkflow(c *gin.Context) {
	view, err := h.service.VisualizeWorkflow(c.Request.Context(), c.Param("id"), tasks.Kind(c.Query("kind")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetCorbeille returns a user's inbox
func (h *Handler) GetCorbeille(c *gin.Context) {
	corbeille, err := h.service.GetCorbeille(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, corbeille)
}

// GetCorbeilleStats returns a user's inbox summary
func (h *Handler) GetCorbeilleStats(c *gin.Context) {
	stats, err := h.service.GetCorbeilleStats(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RecentEvents returns the retained outbound events
func (h *Handler) RecentEvents(c *gin.Context) {
	recent := h.bus.Recent()
	c.JSON(http.StatusOK, gin.H{"events": recent, "count": len(recent)})
}

// StreamEvents streams outbound events via SSE
func (h *Handler) StreamEvents(c *gin.Context) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cleanup := h.bus.Subscribe()
	defer cleanup()

	for _, evt := range h.bus.Recent() {
		if err := writeEvent(w, evt); err != nil {
			return
		}
	}
	w.Flush()

	// Keep the connection alive
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				return
			}
			w.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				return
			}
			w.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeEvent(w gin.ResponseWriter, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}

func userID(c *gin.Context) *string {
	if id := c.GetHeader(UserHeader); id != "" {
		return &id
	}
	return nil
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, workflow.ErrUnknownKind),
		errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrInvalidPriority),
		errors.Is(err, workflow.ErrAmbiguousTask):
		status = http.StatusBadRequest
	case errors.Is(err, workflow.ErrTaskNotFound),
		errors.Is(err, workflow.ErrAssignmentNotFound),
		errors.Is(err, workflow.ErrHandlerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrJobBusy):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
