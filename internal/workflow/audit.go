package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// newHistoryEntry describes the change from prev to next. A zero prev.Status
// marks the creation entry.
func newHistoryEntry(prev, next tasks.Assignment, updatedBy *string, at time.Time) tasks.HistoryEntry {
	entry := tasks.HistoryEntry{
		ID:              uuid.NewString(),
		AssignmentID:    next.ID,
		UpdatedByUserID: updatedBy,
		UpdatedAt:       at,
		PrevStatus:      prev.Status,
		NewStatus:       next.Status,
		PrevNotes:       prev.Notes,
		NewNotes:        next.Notes,
	}
	if prev.AssigneeID != next.AssigneeID {
		if prev.AssigneeID != "" {
			id := prev.AssigneeID
			entry.PrevAssigneeID = &id
		}
		id := next.AssigneeID
		entry.NewAssigneeID = &id
	}
	return entry
}

// WorkflowStage is one contiguous period a task spent in a single
// assignment status with a single assignee
type WorkflowStage struct {
	AssignmentID string                 `json:"assignment_id"`
	Status       tasks.AssignmentStatus `json:"status"`
	AssigneeID   string                 `json:"assignee_id"`
	UpdatedBy    *string                `json:"updated_by,omitempty"`
	EnteredAt    time.Time              `json:"entered_at"`
	LeftAt       *time.Time             `json:"left_at,omitempty"`
	Duration     time.Duration          `json:"duration_ns"`
	SLAMet       *bool                  `json:"sla_met,omitempty"`
}

// WorkflowView is the reconstructed timeline of one task
type WorkflowView struct {
	Task   tasks.Task      `json:"task"`
	Stages []WorkflowStage `json:"stages"`
	// Current is the status of the last stage, empty when never assigned
	Current tasks.AssignmentStatus `json:"current,omitempty"`
}

// AuditLog reads assignment history
type AuditLog struct {
	agg    *Aggregator
	scorer *Scorer
	store  AssignmentStore
	now    func() time.Time
}

// NewAuditLog creates an audit reader. now defaults to time.Now.
func NewAuditLog(agg *Aggregator, scorer *Scorer, store AssignmentStore, now func() time.Time) *AuditLog {
	if now == nil {
		now = time.Now
	}
	return &AuditLog{agg: agg, scorer: scorer, store: store, now: now}
}

// History returns the ordered audit trail of one assignment
func (l *AuditLog) History(ctx context.Context, assignmentID string) ([]tasks.HistoryEntry, error) {
	if _, err := l.store.Get(ctx, assignmentID); err != nil {
		return nil, err
	}
	entries, err := l.store.History(ctx, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return entries, nil
}

// VisualizeWorkflow rebuilds the stage timeline of a task from every
// assignment it ever had and their history. kind may be empty when the id
// is unique across kinds.
func (l *AuditLog) VisualizeWorkflow(ctx context.Context, taskID string, kind tasks.Kind) (*WorkflowView, error) {
	t, err := l.agg.Find(ctx, kind, taskID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	l.scorer.Score(&t, now)

	assignments, err := l.store.ListForTask(ctx, t.Kind, t.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	sort.SliceStable(assignments, func(i, j int) bool {
		return assignments[i].AssignedAt.Before(assignments[j].AssignedAt)
	})

	view := &WorkflowView{Task: t, Stages: []WorkflowStage{}}
	for _, a := range assignments {
		entries, err := l.store.History(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load history for %s: %w", a.ID, err)
		}
		view.Stages = append(view.Stages, stagesFor(a, entries)...)
	}

	for i := range view.Stages {
		s := &view.Stages[i]
		if i+1 < len(view.Stages) && s.LeftAt == nil && s.Status != tasks.AssignmentCompleted {
			left := view.Stages[i+1].EnteredAt
			s.LeftAt = &left
		}
		switch {
		case s.LeftAt != nil:
			s.Duration = s.LeftAt.Sub(s.EnteredAt)
		case s.Status != tasks.AssignmentCompleted:
			s.Duration = now.Sub(s.EnteredAt)
		}
	}
	if n := len(view.Stages); n > 0 {
		view.Current = view.Stages[n-1].Status
	}
	return view, nil
}

func stagesFor(a tasks.Assignment, entries []tasks.HistoryEntry) []WorkflowStage {
	var stages []WorkflowStage
	assignee := a.AssigneeID
	if len(entries) > 0 && entries[0].NewAssigneeID != nil {
		assignee = *entries[0].NewAssigneeID
	}
	for _, e := range entries {
		if e.NewAssigneeID != nil {
			assignee = *e.NewAssigneeID
		}
		if n := len(stages); n > 0 {
			last := &stages[n-1]
			if last.Status == e.NewStatus && last.AssigneeID == assignee && e.SLAMet == nil {
				// notes-only change
				continue
			}
			left := e.UpdatedAt
			last.LeftAt = &left
		}
		stages = append(stages, WorkflowStage{
			AssignmentID: a.ID,
			Status:       e.NewStatus,
			AssigneeID:   assignee,
			UpdatedBy:    e.UpdatedByUserID,
			EnteredAt:    e.UpdatedAt,
			SLAMet:       e.SLAMet,
		})
	}
	return stages
}
