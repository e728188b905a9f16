package dashboard

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/claims-workflow/internal/scheduler"
	"github.com/yourusername/claims-workflow/internal/workflow"
	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// Handler serves dashboard pages
type Handler struct {
	service *Service
}

// NewHandler creates a new dashboard handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers dashboard routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/dashboard/", h.HandleIndex)
	mux.HandleFunc("/dashboard/corbeilles/", h.HandleCorbeille)
	mux.HandleFunc("/dashboard/tasks/", h.HandleWorkflow)
	mux.HandleFunc("/dashboard/run", h.HandleRun)
}

// Mount serves the dashboard under /dashboard on a gin router
func (h *Handler) Mount(r gin.IRouter) {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	r.Any("/dashboard/*path", gin.WrapH(mux))
}

// HandleIndex renders the overview page
func (h *Handler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/dashboard/" {
		http.NotFound(w, r)
		return
	}

	overview, err := h.service.GetOverview(r.Context(), 20)
	if err != nil {
		writeError(w, r, err)
		return
	}

	data := map[string]interface{}{
		"Title":      "SLA overview",
		"Overview":   overview,
		"ActivePage": "home",
	}
	if err := Render(w, "index.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleCorbeille renders a user's inbox
func (h *Handler) HandleCorbeille(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimPrefix(r.URL.Path, "/dashboard/corbeilles/")
	if userID == "" {
		http.NotFound(w, r)
		return
	}

	corbeille, err := h.service.GetCorbeille(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	data := map[string]interface{}{
		"Title":      "Corbeille " + userID,
		"Corbeille":  corbeille,
		"ActivePage": "corbeilles",
	}
	if err := Render(w, "corbeille.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleWorkflow renders the stage timeline of a task
func (h *Handler) HandleWorkflow(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/dashboard/tasks/")
	if taskID == "" {
		http.NotFound(w, r)
		return
	}

	view, err := h.service.GetWorkflow(r.Context(), taskID, tasks.Kind(r.URL.Query().Get("kind")))
	if err != nil {
		writeError(w, r, err)
		return
	}

	data := map[string]interface{}{
		"Title":      "Task " + view.Task.Reference,
		"View":       view,
		"ActivePage": "tasks",
	}
	if err := Render(w, "workflow.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleRun triggers an assignment pass or an SLA sweep
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	job := r.FormValue("job")
	if job == "" {
		http.Error(w, "Job is required", http.StatusBadRequest)
		return
	}

	if err := h.service.RunJob(r.Context(), job); err != nil {
		writeError(w, r, err)
		return
	}

	http.Redirect(w, r, "/dashboard/", http.StatusSeeOther)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, workflow.ErrHandlerNotFound), errors.Is(err, workflow.ErrTaskNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, workflow.ErrAmbiguousTask), errors.Is(err, workflow.ErrUnknownKind):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, scheduler.ErrJobBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("dashboard request failed", "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
