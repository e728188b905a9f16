package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/yourusername/claims-workflow/internal/events"
	"github.com/yourusername/claims-workflow/pkg/tasks"
)

var (
	ErrUnknownKind        = errors.New("unknown task kind")
	ErrTaskNotFound       = errors.New("task not found")
	ErrAssignmentNotFound = errors.New("assignment not found")
	ErrHandlerNotFound    = errors.New("handler not found")
	ErrInvalidTransition  = errors.New("invalid assignment status transition")
	ErrInvalidPriority    = errors.New("invalid priority")
	ErrAmbiguousTask      = errors.New("task id matches several kinds")
)

// Source is the capability set every task kind provides.
// Each of the four record stores implements it once.
type Source interface {
	Kind() tasks.Kind
	// Pending returns every record in a non-terminal business status
	Pending(ctx context.Context) ([]tasks.Task, error)
	// CompletedSince returns records that reached a terminal status at or after since
	CompletedSince(ctx context.Context, since time.Time) ([]tasks.Task, error)
	// Get returns one record; the error wraps ErrTaskNotFound when it does not exist
	Get(ctx context.Context, id string) (tasks.Task, error)
	// SetAssignee writes the chosen handler back onto the record
	SetAssignee(ctx context.Context, id, handlerID string) error
}

// AssignmentStore persists assignments and their append-only history
type AssignmentStore interface {
	// Create inserts the assignment and its creation history entry atomically
	Create(ctx context.Context, a tasks.Assignment, entry tasks.HistoryEntry) error
	// Update rewrites the assignment and appends entry atomically
	Update(ctx context.Context, a tasks.Assignment, entry tasks.HistoryEntry) error
	Get(ctx context.Context, id string) (tasks.Assignment, error)
	List(ctx context.Context, filter AssignmentFilter) ([]tasks.Assignment, error)
	ActiveForTask(ctx context.Context, kind tasks.Kind, taskID string) (tasks.Assignment, bool, error)
	ListForTask(ctx context.Context, kind tasks.Kind, taskID string) ([]tasks.Assignment, error)
	// ActiveLoad counts non-completed assignments per assignee
	ActiveLoad(ctx context.Context) (map[string]int, error)
	History(ctx context.Context, assignmentID string) ([]tasks.HistoryEntry, error)
}

// AssignmentFilter narrows ListAssignments
type AssignmentFilter struct {
	Status     tasks.AssignmentStatus
	AssigneeID string
	TaskID     string
	ActiveOnly bool
}

// Directory resolves back-office users
type Directory interface {
	Get(ctx context.Context, id string) (tasks.Handler, error)
	ListActive(ctx context.Context) ([]tasks.Handler, error)
	ListByRole(ctx context.Context, role tasks.Role) ([]tasks.Handler, error)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, events.Event) error { return nil }

func isNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}
