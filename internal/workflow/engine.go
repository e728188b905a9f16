package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/claims-workflow/internal/events"
	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// Engine pairs pending tasks with handlers and owns every write to assignments
type Engine struct {
	cfg       *Config
	agg       *Aggregator
	scorer    *Scorer
	capacity  *CapacityTracker
	store     AssignmentStore
	oracle    Oracle
	publisher events.Publisher
	metrics   *Metrics
	now       func() time.Time

	// Serializes assignment decisions so load snapshots are never read
	// by two runs at once
	mu sync.Mutex
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithOracle enables the scoring oracle
func WithOracle(o Oracle) EngineOption {
	return func(e *Engine) { e.oracle = o }
}

// WithPublisher sets the outbound event publisher
func WithPublisher(p events.Publisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an assignment engine
func NewEngine(cfg *Config, agg *Aggregator, scorer *Scorer, capacity *CapacityTracker, store AssignmentStore, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:       cfg,
		agg:       agg,
		scorer:    scorer,
		capacity:  capacity,
		store:     store,
		publisher: nopPublisher{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	return e
}

// RunOptions tunes a single engine pass
type RunOptions struct {
	// Rebalance lists task keys (see tasks.Task.Key) whose active assignment
	// may move to a less loaded handler
	Rebalance []string
}

// RunReport summarizes one engine pass
type RunReport struct {
	Considered  int                `json:"considered"`
	Created     int                `json:"created"`
	Reassigned  int                `json:"reassigned"`
	Unassigned  int                `json:"unassigned"`
	Skipped     int                `json:"skipped"`
	Failed      int                `json:"failed"`
	OracleUsed  bool               `json:"oracle_used"`
	Assignments []tasks.Assignment `json:"assignments"`
}

// Run performs one Aggregator → Scorer → assignment pass
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	all, err := e.agg.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate tasks: %w", err)
	}
	ranked := e.scorer.Rank(all, now)
	setByKind(e.metrics.tasksPending, ranked)

	pool, err := e.capacity.Pool(ctx)
	if err != nil {
		return nil, err
	}

	active, err := e.activeByTask(ctx)
	if err != nil {
		return nil, err
	}

	report := &RunReport{Considered: len(ranked)}
	var open, unassigned []tasks.Task
	for _, t := range ranked {
		if _, ok := active[t.Key()]; ok {
			report.Skipped++
			continue
		}
		open = append(open, t)
	}

	hints, usedOracle := e.TryOracleAssign(ctx, open)
	report.OracleUsed = usedOracle

	for _, t := range open {
		idx, source := -1, tasks.SourceGreedy
		if handlerID, ok := hints[t.Key()]; ok {
			if idx = e.acceptHint(t, handlerID, pool); idx >= 0 {
				source = tasks.SourceOracle
			}
		}
		if idx < 0 {
			idx = e.LocalGreedyAssign(t, pool, "")
		}
		if idx < 0 {
			report.Unassigned++
			unassigned = append(unassigned, t)
			continue
		}

		a, err := e.create(ctx, t, pool[idx].ID, source, nil, nil, now)
		if err != nil {
			slog.Error("failed to create assignment", "task_id", t.ID, "kind", t.Kind, "error", err)
			report.Failed++
			continue
		}
		pool[idx].CurrentLoad++
		report.Created++
		report.Assignments = append(report.Assignments, a)
	}
	setByKind(e.metrics.tasksUnassigned, unassigned)

	if len(opts.Rebalance) > 0 {
		report.Reassigned = e.rebalance(ctx, ranked, active, pool, opts.Rebalance, now)
	}

	slog.Info("assignment run completed",
		"considered", report.Considered,
		"created", report.Created,
		"reassigned", report.Reassigned,
		"unassigned", report.Unassigned,
		"failed", report.Failed,
		"oracle", report.OracleUsed)

	return report, nil
}

func (e *Engine) rebalance(ctx context.Context, ranked []tasks.Task, active map[string]tasks.Assignment, pool []tasks.Handler, keys []string, now time.Time) int {
	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}

	moved := 0
	for _, t := range ranked {
		if _, ok := wanted[t.Key()]; !ok {
			continue
		}
		a, ok := active[t.Key()]
		if !ok {
			continue
		}

		current := -1
		for i := range pool {
			if pool[i].ID == a.AssigneeID {
				current = i
				break
			}
		}
		candidate := e.LocalGreedyAssign(t, pool, a.AssigneeID)
		if candidate < 0 {
			continue
		}
		if current >= 0 && pool[candidate].CurrentLoad >= pool[current].CurrentLoad {
			continue
		}

		note := fmt.Sprintf("reassigned after SLA breach (due %s)", t.DueDate.Format(time.RFC3339))
		if _, err := e.reassign(ctx, a, pool[candidate].ID, tasks.SourceRebalance, &note, nil, now); err != nil {
			slog.Error("failed to rebalance task", "task_id", t.ID, "kind", t.Kind, "error", err)
			continue
		}
		pool[candidate].CurrentLoad++
		if current >= 0 {
			pool[current].CurrentLoad--
		}
		moved++
	}
	return moved
}

// AssignTask explicitly assigns a task, reassigning any active assignment in place
func (e *Engine) AssignTask(ctx context.Context, taskID string, kind tasks.Kind, assigneeID string, notes, updatedBy *string) (tasks.Assignment, error) {
	if !kind.Valid() {
		return tasks.Assignment{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	src, err := e.agg.Source(kind)
	if err != nil {
		return tasks.Assignment{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := src.Get(ctx, taskID)
	if err != nil {
		return tasks.Assignment{}, err
	}
	if t.Terminal {
		return tasks.Assignment{}, fmt.Errorf("%w: task %s is closed", ErrInvalidTransition, taskID)
	}

	h, err := e.capacity.Handler(ctx, assigneeID)
	if err != nil {
		return tasks.Assignment{}, err
	}
	if !CanTake(h) {
		slog.Warn("manual assignment exceeds handler capacity",
			"handler_id", h.ID, "load", h.CurrentLoad, "capacity", h.Capacity)
	}

	now := e.now()
	e.scorer.Score(&t, now)

	current, found, err := e.store.ActiveForTask(ctx, kind, taskID)
	if err != nil {
		return tasks.Assignment{}, fmt.Errorf("failed to load active assignment: %w", err)
	}
	if found {
		if current.AssigneeID == assigneeID {
			return current, nil
		}
		return e.reassign(ctx, current, assigneeID, tasks.SourceManual, notes, updatedBy, now)
	}
	return e.create(ctx, t, assigneeID, tasks.SourceManual, notes, updatedBy, now)
}

// AssignmentPatch lists the fields UpdateAssignment may change
type AssignmentPatch struct {
	Status     *tasks.AssignmentStatus `json:"status,omitempty"`
	Notes      *string                 `json:"notes,omitempty"`
	AssigneeID *string                 `json:"assignee_id,omitempty"`
}

// UpdateAssignment applies a patch and appends exactly one history entry.
// A missing assignment returns ErrAssignmentNotFound and writes nothing.
func (e *Engine) UpdateAssignment(ctx context.Context, id string, patch AssignmentPatch, updatedBy *string) (tasks.Assignment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.Get(ctx, id)
	if err != nil {
		return tasks.Assignment{}, err
	}

	if patch.AssigneeID != nil && *patch.AssigneeID != a.AssigneeID {
		if patch.Status != nil && *patch.Status != a.Status {
			return tasks.Assignment{}, fmt.Errorf("%w: reassignment and status change must be separate updates", ErrInvalidTransition)
		}
		if !a.Status.Active() {
			return tasks.Assignment{}, fmt.Errorf("%w: assignment %s is completed", ErrInvalidTransition, a.ID)
		}
		if _, err := e.capacity.Handler(ctx, *patch.AssigneeID); err != nil {
			return tasks.Assignment{}, err
		}
		notes := a.Notes
		if patch.Notes != nil {
			notes = patch.Notes
		}
		return e.reassign(ctx, a, *patch.AssigneeID, tasks.SourceManual, notes, updatedBy, e.now())
	}

	next := a.Status
	if patch.Status != nil {
		next = *patch.Status
	}
	if !next.Valid() || !a.Status.CanTransition(next) {
		return tasks.Assignment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, next)
	}

	now := e.now()
	prev := a
	a.Status = next
	a.UpdatedAt = now
	if patch.Notes != nil {
		a.Notes = patch.Notes
	}

	entry := newHistoryEntry(prev, a, updatedBy, now)
	if next == tasks.AssignmentCompleted && prev.Status != tasks.AssignmentCompleted {
		completedAt := now
		if completedAt.Before(a.AssignedAt) {
			completedAt = a.AssignedAt
		}
		a.CompletedAt = &completedAt
		met := SLAMet(completedAt, a.DueAt)
		entry.SLAMet = &met
	}

	if err := e.store.Update(ctx, a, entry); err != nil {
		return tasks.Assignment{}, fmt.Errorf("failed to update assignment: %w", err)
	}

	slog.Info("assignment updated",
		"assignment_id", a.ID,
		"task_id", a.TaskID,
		"prev_status", prev.Status,
		"new_status", a.Status)
	return a, nil
}

func (e *Engine) create(ctx context.Context, t tasks.Task, assigneeID string, source tasks.AssignmentSource, notes, updatedBy *string, now time.Time) (tasks.Assignment, error) {
	src, err := e.agg.Source(t.Kind)
	if err != nil {
		return tasks.Assignment{}, err
	}

	a := tasks.Assignment{
		ID:         uuid.NewString(),
		TaskID:     t.ID,
		TaskKind:   t.Kind,
		AssigneeID: assigneeID,
		AssignedAt: now,
		DueAt:      t.DueDate,
		Status:     tasks.AssignmentPending,
		Notes:      notes,
		Source:     source,
		UpdatedAt:  now,
	}
	entry := newHistoryEntry(tasks.Assignment{ID: a.ID}, a, updatedBy, now)

	// The record is written first so a failed write-back leaves no
	// assignment behind and the handler's load untouched.
	if err := src.SetAssignee(ctx, t.ID, assigneeID); err != nil {
		return tasks.Assignment{}, fmt.Errorf("failed to write assignee back to %s %s: %w", t.Kind, t.ID, err)
	}
	if err := e.store.Create(ctx, a, entry); err != nil {
		return tasks.Assignment{}, fmt.Errorf("failed to create assignment: %w", err)
	}

	e.metrics.assignmentsCreated.WithLabelValues(string(t.Kind), string(source)).Inc()
	slog.Info("task assigned",
		"task_id", t.ID,
		"kind", t.Kind,
		"assignee_id", assigneeID,
		"source", source,
		"priority", t.Priority.String())

	evt := events.New(events.TypeTaskAssigned, now)
	evt.TaskID, evt.TaskKind, evt.Reference, evt.AssigneeID = t.ID, t.Kind, t.Reference, assigneeID
	evt.Data = map[string]any{"source": string(source), "due_date": t.DueDate}
	e.publish(ctx, evt)

	return a, nil
}

func (e *Engine) reassign(ctx context.Context, a tasks.Assignment, assigneeID string, source tasks.AssignmentSource, notes, updatedBy *string, now time.Time) (tasks.Assignment, error) {
	src, err := e.agg.Source(a.TaskKind)
	if err != nil {
		return tasks.Assignment{}, err
	}

	prev := a
	a.AssigneeID = assigneeID
	a.Source = source
	a.UpdatedAt = now
	if notes != nil {
		a.Notes = notes
	}

	entry := newHistoryEntry(prev, a, updatedBy, now)
	if err := src.SetAssignee(ctx, a.TaskID, assigneeID); err != nil {
		return tasks.Assignment{}, fmt.Errorf("failed to write assignee back to %s %s: %w", a.TaskKind, a.TaskID, err)
	}
	if err := e.store.Update(ctx, a, entry); err != nil {
		if restoreErr := src.SetAssignee(ctx, a.TaskID, prev.AssigneeID); restoreErr != nil {
			slog.Error("failed to restore previous assignee",
				"task_id", a.TaskID, "kind", a.TaskKind, "assignee_id", prev.AssigneeID, "error", restoreErr)
		}
		return tasks.Assignment{}, fmt.Errorf("failed to reassign: %w", err)
	}

	e.metrics.reassignments.WithLabelValues(string(a.TaskKind), string(source)).Inc()
	slog.Info("task reassigned",
		"task_id", a.TaskID,
		"kind", a.TaskKind,
		"from", prev.AssigneeID,
		"to", assigneeID,
		"source", source)

	evt := events.New(events.TypeTaskReassigned, now)
	evt.TaskID, evt.TaskKind, evt.AssigneeID = a.TaskID, a.TaskKind, assigneeID
	evt.Data = map[string]any{"previous_assignee_id": prev.AssigneeID, "source": string(source)}
	e.publish(ctx, evt)

	return a, nil
}

func (e *Engine) activeByTask(ctx context.Context) (map[string]tasks.Assignment, error) {
	list, err := e.store.List(ctx, AssignmentFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list active assignments: %w", err)
	}
	byTask := make(map[string]tasks.Assignment, len(list))
	for _, a := range list {
		byTask[tasks.KeyOf(a.TaskKind, a.TaskID)] = a
	}
	return byTask, nil
}

func (e *Engine) publish(ctx context.Context, evt events.Event) {
	if err := e.publisher.Publish(ctx, evt); err != nil {
		slog.Warn("failed to publish event", "type", evt.Type, "task_id", evt.TaskID, "error", err)
	}
}
