package workflow

import (
	"context"
	"fmt"

	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// Job names shared with the scheduler
const (
	JobAutoAssign = "auto-assign"
	JobSLASweep   = "sla-sweep"
	JobDigest     = "digest"
)

// JobRunner runs a registered job on demand under the scheduler's
// single-flight and pool lock
type JobRunner interface {
	Trigger(ctx context.Context, job string) (any, error)
}

// Service is the control plane over the workflow engine
type Service struct {
	engine     *Engine
	monitor    *Monitor
	audit      *AuditLog
	corbeilles *CorbeilleView
	overrides  *Overrides
	directory  Directory
	runner     JobRunner
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithRunner routes manual job triggers through a scheduler
func WithRunner(r JobRunner) ServiceOption {
	return func(s *Service) { s.runner = r }
}

// NewService wires the control plane
func NewService(engine *Engine, monitor *Monitor, directory Directory, overrides *Overrides, opts ...ServiceOption) *Service {
	s := &Service{
		engine:     engine,
		monitor:    monitor,
		audit:      NewAuditLog(engine.agg, engine.scorer, engine.store, engine.now),
		corbeilles: NewCorbeilleView(engine.agg, engine.scorer, directory, engine.now),
		overrides:  overrides,
		directory:  directory,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TriggerAutoAssign runs one full assignment pass
func (s *Service) TriggerAutoAssign(ctx context.Context) (*RunReport, error) {
	if s.runner == nil {
		return s.engine.Run(ctx, RunOptions{})
	}
	res, err := s.runner.Trigger(ctx, JobAutoAssign)
	if err != nil {
		return nil, err
	}
	report, _ := res.(*RunReport)
	return report, nil
}

// TriggerSLASweep runs one SLA sweep
func (s *Service) TriggerSLASweep(ctx context.Context) (*SweepReport, error) {
	if s.runner == nil {
		return s.monitor.Sweep(ctx)
	}
	res, err := s.runner.Trigger(ctx, JobSLASweep)
	if err != nil {
		return nil, err
	}
	report, _ := res.(*SweepReport)
	return report, nil
}

// SetTaskPriority overrides the computed priority of a task. kind may be
// empty when the id is unique across kinds.
func (s *Service) SetTaskPriority(ctx context.Context, taskID string, kind tasks.Kind, priority string) error {
	p, ok := tasks.ParsePriority(priority)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}
	t, err := s.engine.agg.Find(ctx, kind, taskID)
	if err != nil {
		return err
	}
	s.overrides.Set(t.Key(), p)
	return nil
}

// ClearTaskPriority drops an override, returning whether one existed
func (s *Service) ClearTaskPriority(ctx context.Context, taskID string, kind tasks.Kind) (bool, error) {
	t, err := s.engine.agg.Find(ctx, kind, taskID)
	if err != nil {
		return false, err
	}
	return s.overrides.Clear(t.Key()), nil
}

// AssignTask assigns a task to a handler explicitly
func (s *Service) AssignTask(ctx context.Context, taskID string, kind tasks.Kind, assigneeID string, notes, updatedBy *string) (tasks.Assignment, error) {
	return s.engine.AssignTask(ctx, taskID, kind, assigneeID, notes, updatedBy)
}

// GetDailyPriorities returns the ranked pending list. A non-empty teamID
// keeps tasks owned by that team lead or assigned to one of its members.
func (s *Service) GetDailyPriorities(ctx context.Context, teamID string) ([]tasks.Task, error) {
	list, err := s.engine.agg.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate tasks: %w", err)
	}
	list = s.engine.scorer.Rank(list, s.engine.now())
	if teamID == "" {
		return list, nil
	}

	members, err := s.directory.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list handlers: %w", err)
	}
	team := map[string]struct{}{teamID: {}}
	for _, h := range members {
		if h.TeamLeadID == teamID {
			team[h.ID] = struct{}{}
		}
	}

	filtered := make([]tasks.Task, 0, len(list))
	for _, t := range list {
		_, member := team[t.AssignedHandlerID]
		if t.TeamID == teamID || (t.AssignedHandlerID != "" && member) {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// ListAssignments returns assignments matching filter, newest first
func (s *Service) ListAssignments(ctx context.Context, filter AssignmentFilter) ([]tasks.Assignment, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, filter.Status)
	}
	return s.engine.store.List(ctx, filter)
}

// GetAssignment returns one assignment
func (s *Service) GetAssignment(ctx context.Context, id string) (tasks.Assignment, error) {
	return s.engine.store.Get(ctx, id)
}

// UpdateAssignment patches an assignment and records the change
func (s *Service) UpdateAssignment(ctx context.Context, id string, patch AssignmentPatch, updatedBy *string) (tasks.Assignment, error) {
	return s.engine.UpdateAssignment(ctx, id, patch, updatedBy)
}

// GetAssignmentHistory returns the ordered audit trail of an assignment
func (s *Service) GetAssignmentHistory(ctx context.Context, id string) ([]tasks.HistoryEntry, error) {
	return s.audit.History(ctx, id)
}

// GetCorbeille returns the role-resolved inbox of a user
func (s *Service) GetCorbeille(ctx context.Context, userID string) (*Corbeille, error) {
	return s.corbeilles.Get(ctx, userID)
}

// GetCorbeilleStats returns the inbox summary of a user
func (s *Service) GetCorbeilleStats(ctx context.Context, userID string) (*CorbeilleStats, error) {
	return s.corbeilles.Stats(ctx, userID)
}

// VisualizeWorkflow returns the stage timeline of a task
func (s *Service) VisualizeWorkflow(ctx context.Context, taskID string, kind tasks.Kind) (*WorkflowView, error) {
	return s.audit.VisualizeWorkflow(ctx, taskID, kind)
}

// Workload returns every active handler with its capacity and current load
func (s *Service) Workload(ctx context.Context) ([]tasks.Handler, error) {
	return s.engine.capacity.Pool(ctx)
}
