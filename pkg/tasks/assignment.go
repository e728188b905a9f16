package tasks

import "time"

// AssignmentStatus is the lifecycle state of an Assignment
type AssignmentStatus string

// Assignment statuses
const (
	AssignmentPending    AssignmentStatus = "PENDING"
	AssignmentInProgress AssignmentStatus = "IN_PROGRESS"
	AssignmentCompleted  AssignmentStatus = "COMPLETED"
	AssignmentOverdue    AssignmentStatus = "OVERDUE"
)

// Active reports whether the assignment still counts against the assignee's load
func (s AssignmentStatus) Active() bool {
	return s == AssignmentPending || s == AssignmentInProgress || s == AssignmentOverdue
}

// Valid reports whether s is a known status
func (s AssignmentStatus) Valid() bool {
	switch s {
	case AssignmentPending, AssignmentInProgress, AssignmentCompleted, AssignmentOverdue:
		return true
	}
	return false
}

var transitions = map[AssignmentStatus][]AssignmentStatus{
	AssignmentPending:    {AssignmentInProgress, AssignmentOverdue, AssignmentCompleted},
	AssignmentInProgress: {AssignmentCompleted, AssignmentOverdue},
	AssignmentOverdue:    {AssignmentInProgress, AssignmentCompleted},
}

// CanTransition reports whether an assignment may move from s to next.
// Staying in the same non-terminal status is allowed so notes can change.
func (s AssignmentStatus) CanTransition(next AssignmentStatus) bool {
	if s == next {
		return s != AssignmentCompleted
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AssignmentSource records which path produced an assignment
type AssignmentSource string

// Assignment sources
const (
	SourceOracle    AssignmentSource = "oracle"
	SourceGreedy    AssignmentSource = "greedy"
	SourceManual    AssignmentSource = "manual"
	SourceRebalance AssignmentSource = "rebalance"
)

// Assignment pairs a task with a handler
type Assignment struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	TaskKind    Kind             `json:"task_kind"`
	AssigneeID  string           `json:"assignee_id"`
	AssignedAt  time.Time        `json:"assigned_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	DueAt       time.Time        `json:"due_at"`
	Status      AssignmentStatus `json:"status"`
	Notes       *string          `json:"notes,omitempty"`
	Source      AssignmentSource `json:"source"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// HistoryEntry is one append-only audit row for an Assignment mutation
type HistoryEntry struct {
	ID              string           `json:"id"`
	AssignmentID    string           `json:"assignment_id"`
	UpdatedByUserID *string          `json:"updated_by_user_id,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
	PrevStatus      AssignmentStatus `json:"prev_status"`
	NewStatus       AssignmentStatus `json:"new_status"`
	PrevNotes       *string          `json:"prev_notes,omitempty"`
	NewNotes        *string          `json:"new_notes,omitempty"`
	PrevAssigneeID  *string          `json:"prev_assignee_id,omitempty"`
	NewAssigneeID   *string          `json:"new_assignee_id,omitempty"`
	SLAMet          *bool            `json:"sla_met,omitempty"`
}
