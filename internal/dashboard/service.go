package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/yourusername/claims-workflow/internal/workflow"
	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// Backend is the subset of the workflow control plane the dashboard reads
type Backend interface {
	GetDailyPriorities(ctx context.Context, teamID string) ([]tasks.Task, error)
	Workload(ctx context.Context) ([]tasks.Handler, error)
	GetCorbeille(ctx context.Context, userID string) (*workflow.Corbeille, error)
	VisualizeWorkflow(ctx context.Context, taskID string, kind tasks.Kind) (*workflow.WorkflowView, error)
	TriggerAutoAssign(ctx context.Context) (*workflow.RunReport, error)
	TriggerSLASweep(ctx context.Context) (*workflow.SweepReport, error)
}

// Service handles data fetching for the dashboard
type Service struct {
	backend Backend
	now     func() time.Time
}

// NewService creates a new dashboard service
func NewService(backend Backend) *Service {
	return &Service{backend: backend, now: time.Now}
}

// Stats holds high-level dashboard statistics
type Stats struct {
	Pending    int
	Unassigned int
	BySLA      map[workflow.SLAStatus]int
	ByKind     map[tasks.Kind]int
	Handlers   int
	Saturated  int
}

// Row is one pending task as listed on the overview
type Row struct {
	tasks.Task
	SLAStatus workflow.SLAStatus
}

// Overview is everything the index page shows
type Overview struct {
	Stats    *Stats
	Top      []Row
	Handlers []tasks.Handler
}

// GetOverview ranks the pending list and summarizes handler load
func (s *Service) GetOverview(ctx context.Context, limit int) (*Overview, error) {
	list, err := s.backend.GetDailyPriorities(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load priorities: %w", err)
	}
	handlers, err := s.backend.Workload(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load workload: %w", err)
	}

	now := s.now()
	stats := &Stats{
		Pending:  len(list),
		BySLA:    make(map[workflow.SLAStatus]int),
		ByKind:   make(map[tasks.Kind]int),
		Handlers: len(handlers),
	}
	top := make([]Row, 0, limit)
	for _, t := range list {
		status := workflow.StatusFor(t.DueDate, now)
		stats.BySLA[status]++
		stats.ByKind[t.Kind]++
		if t.AssignedHandlerID == "" {
			stats.Unassigned++
		}
		if len(top) < limit {
			top = append(top, Row{Task: t, SLAStatus: status})
		}
	}
	for _, h := range handlers {
		if !workflow.CanTake(h) {
			stats.Saturated++
		}
	}

	return &Overview{Stats: stats, Top: top, Handlers: handlers}, nil
}

// GetCorbeille returns a user's inbox
func (s *Service) GetCorbeille(ctx context.Context, userID string) (*workflow.Corbeille, error) {
	return s.backend.GetCorbeille(ctx, userID)
}

// GetWorkflow returns the stage timeline of a task. An empty kind matches
// the id under any kind.
func (s *Service) GetWorkflow(ctx context.Context, taskID string, kind tasks.Kind) (*workflow.WorkflowView, error) {
	return s.backend.VisualizeWorkflow(ctx, taskID, kind)
}

// RunJob triggers one of the manual jobs by name
func (s *Service) RunJob(ctx context.Context, job string) error {
	var err error
	switch job {
	case workflow.JobAutoAssign:
		_, err = s.backend.TriggerAutoAssign(ctx)
	case workflow.JobSLASweep:
		_, err = s.backend.TriggerSLASweep(ctx)
	default:
		return fmt.Errorf("unknown job %q", job)
	}
	return err
}
