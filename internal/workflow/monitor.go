package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yourusername/claims-workflow/internal/events"
	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// SweepReport summarizes one SLA sweep
type SweepReport struct {
	Overdue       int        `json:"overdue"`
	MarkedOverdue int        `json:"marked_overdue"`
	Escalated     int        `json:"escalated"`
	Notified      int        `json:"notified"`
	Suppressed    int        `json:"suppressed"`
	Unresolved    int        `json:"unresolved"`
	Rebalance     *RunReport `json:"rebalance,omitempty"`
}

// Monitor detects SLA breaches and escalates them up the role hierarchy
type Monitor struct {
	engine    *Engine
	agg       *Aggregator
	scorer    *Scorer
	store     AssignmentStore
	directory Directory
	publisher events.Publisher
	metrics   *Metrics
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

// NewMonitor creates an SLA monitor sharing the engine's collaborators
func NewMonitor(engine *Engine, directory Directory) *Monitor {
	return &Monitor{
		engine:    engine,
		agg:       engine.agg,
		scorer:    engine.scorer,
		store:     engine.store,
		directory: directory,
		publisher: engine.publisher,
		metrics:   engine.metrics,
		cooldown:  engine.cfg.AlertCooldown,
		now:       engine.now,
		lastAlert: make(map[string]time.Time),
	}
}

// Sweep escalates every overdue pending task, persists OVERDUE on its
// assignment and runs one engine pass to rebalance what can move
func (m *Monitor) Sweep(ctx context.Context) (*SweepReport, error) {
	now := m.now()
	list, err := m.agg.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate tasks: %w", err)
	}
	m.scorer.Rank(list, now)

	var overdue []tasks.Task
	for _, t := range list {
		if Overdue(t, now) {
			overdue = append(overdue, t)
		}
	}
	setByKind(m.metrics.tasksOverdue, overdue)
	m.pruneAlerts(now)

	report := &SweepReport{Overdue: len(overdue)}
	resolver := &targetResolver{directory: m.directory}
	var rebalance []string
	var pool []tasks.Handler
	runPass := false

	for _, t := range overdue {
		a, found, err := m.store.ActiveForTask(ctx, t.Kind, t.ID)
		if err != nil {
			slog.Error("failed to load assignment for overdue task", "task_id", t.ID, "kind", t.Kind, "error", err)
			continue
		}

		var assignee *tasks.Handler
		assigneeID := t.AssignedHandlerID
		if found {
			assigneeID = a.AssigneeID
		}
		if assigneeID != "" {
			h, err := m.directory.Get(ctx, assigneeID)
			if err != nil {
				slog.Warn("failed to resolve assignee", "task_id", t.ID, "assignee_id", assigneeID, "error", err)
			} else {
				assignee = &h
			}
		}

		if found && a.Status != tasks.AssignmentOverdue {
			overdueStatus := tasks.AssignmentOverdue
			if _, err := m.engine.UpdateAssignment(ctx, a.ID, AssignmentPatch{Status: &overdueStatus}, nil); err != nil {
				slog.Error("failed to mark assignment overdue", "assignment_id", a.ID, "error", err)
			} else {
				report.MarkedOverdue++
			}
		}

		switch {
		case found && (assignee == nil || assignee.Role != tasks.RoleSuperAdmin):
			rebalance = append(rebalance, t.Key())
			runPass = true
		case !found && !runPass:
			runPass = m.assignable(ctx, t, &pool)
		}

		if !m.shouldAlert(t.Key(), now) {
			report.Suppressed++
			continue
		}

		targets, err := resolver.resolve(ctx, t, assignee)
		if err != nil || len(targets) == 0 {
			report.Unresolved++
			slog.Warn("no escalation target for overdue task",
				"task_id", t.ID,
				"kind", t.Kind,
				"assignee_id", assigneeID,
				"error", err)
			continue
		}

		report.Escalated++
		report.Notified += m.alert(ctx, t, assigneeID, targets, now)
		m.markAlerted(t.Key(), now)
	}

	if runPass {
		run, err := m.engine.Run(ctx, RunOptions{Rebalance: rebalance})
		if err != nil {
			slog.Error("rebalance pass failed", "error", err)
		} else {
			report.Rebalance = run
		}
	}

	slog.Info("SLA sweep completed",
		"overdue", report.Overdue,
		"marked_overdue", report.MarkedOverdue,
		"escalated", report.Escalated,
		"notified", report.Notified,
		"suppressed", report.Suppressed,
		"unresolved", report.Unresolved)

	return report, nil
}

// assignable reports whether an unassigned task has a capable handler with
// spare capacity. The pool is loaded on first use and reused for the sweep.
func (m *Monitor) assignable(ctx context.Context, t tasks.Task, pool *[]tasks.Handler) bool {
	if *pool == nil {
		handlers, err := m.engine.capacity.Pool(ctx)
		if err != nil {
			slog.Warn("failed to load handler pool, running assignment pass anyway", "error", err)
			return true
		}
		*pool = append([]tasks.Handler{}, handlers...)
	}
	return m.engine.LocalGreedyAssign(t, *pool, "") >= 0
}

func (m *Monitor) alert(ctx context.Context, t tasks.Task, assigneeID string, targets []tasks.Handler, now time.Time) int {
	late := now.Sub(t.DueDate).Round(time.Minute)

	overdue := events.New(events.TypeTaskOverdue, now)
	overdue.TaskID, overdue.TaskKind, overdue.Reference, overdue.AssigneeID = t.ID, t.Kind, t.Reference, assigneeID
	overdue.Data = map[string]any{"due_date": t.DueDate, "late_by": late.String()}
	m.publish(ctx, overdue)

	recipients := make([]string, 0, len(targets))
	for _, target := range targets {
		recipients = append(recipients, target.ID)
	}
	alert := events.New(events.TypeSLAAlert, now)
	alert.TaskID, alert.TaskKind, alert.Reference, alert.AssigneeID = t.ID, t.Kind, t.Reference, assigneeID
	alert.Message = fmt.Sprintf("%s %s exceeded its SLA by %s", t.Kind, t.Reference, late)
	alert.Data = map[string]any{"targets": recipients, "priority": t.Priority.String()}
	m.publish(ctx, alert)

	for _, target := range targets {
		n := events.New(events.TypeNotification, now)
		n.TaskID, n.TaskKind, n.Reference, n.AssigneeID = t.ID, t.Kind, t.Reference, assigneeID
		n.Recipient = target.ID
		n.Message = alert.Message
		m.publish(ctx, n)
		m.metrics.escalations.WithLabelValues(string(t.Kind), string(target.Role)).Inc()
	}
	return len(targets)
}

// Digest sends each team lead one summary of the team's overdue and
// critical tasks. Leads with nothing to report get no message.
func (m *Monitor) Digest(ctx context.Context) (int, error) {
	now := m.now()
	leads, err := m.directory.ListByRole(ctx, tasks.RoleChefEquipe)
	if err != nil {
		return 0, fmt.Errorf("failed to list team leads: %w", err)
	}
	handlers, err := m.directory.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list handlers: %w", err)
	}
	list, err := m.agg.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate tasks: %w", err)
	}
	m.scorer.Rank(list, now)

	leadOf := make(map[string]string, len(handlers))
	for _, h := range handlers {
		if h.TeamLeadID != "" {
			leadOf[h.ID] = h.TeamLeadID
		}
	}

	sent := 0
	for _, lead := range leads {
		if !lead.Active {
			continue
		}
		var overdue, critical int
		var refs []string
		for _, t := range list {
			if t.TeamID != lead.ID && leadOf[t.AssignedHandlerID] != lead.ID && t.AssignedHandlerID != lead.ID {
				continue
			}
			switch StatusFor(t.DueDate, now) {
			case SLAOverdue:
				overdue++
				refs = append(refs, t.Reference)
			case SLACritical:
				critical++
			}
		}
		if overdue == 0 && critical == 0 {
			continue
		}

		evt := events.New(events.TypeDigest, now)
		evt.Recipient = lead.ID
		evt.Message = fmt.Sprintf("%d overdue and %d critical tasks in your team", overdue, critical)
		evt.Data = map[string]any{"overdue": overdue, "critical": critical, "overdue_references": refs}
		m.publish(ctx, evt)
		sent++
	}

	slog.Info("daily digest sent", "recipients", sent)
	return sent, nil
}

func (m *Monitor) publish(ctx context.Context, evt events.Event) {
	if err := m.publisher.Publish(ctx, evt); err != nil {
		slog.Warn("failed to publish event", "type", evt.Type, "task_id", evt.TaskID, "recipient", evt.Recipient, "error", err)
	}
}

func (m *Monitor) shouldAlert(key string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastAlert[key]
	return !ok || now.Sub(last) >= m.cooldown
}

func (m *Monitor) markAlerted(key string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAlert[key] = now
}

func (m *Monitor) pruneAlerts(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, at := range m.lastAlert {
		if now.Sub(at) >= m.cooldown {
			delete(m.lastAlert, key)
		}
	}
}

// targetResolver maps an overdue task to the users who must hear about it.
// Super-admins are looked up once per sweep.
type targetResolver struct {
	directory Directory
	admins    []tasks.Handler
	loaded    bool
}

func (r *targetResolver) resolve(ctx context.Context, t tasks.Task, assignee *tasks.Handler) ([]tasks.Handler, error) {
	if assignee == nil {
		if t.TeamID != "" {
			return r.lead(ctx, t.TeamID)
		}
		return r.superAdmins(ctx)
	}

	switch assignee.Role {
	case tasks.RoleScan, tasks.RoleGestionnaire, tasks.RoleBureauOrdre, tasks.RoleFinance:
		if assignee.TeamLeadID == "" {
			return nil, fmt.Errorf("%w: %s has no team lead", ErrHandlerNotFound, assignee.ID)
		}
		return r.lead(ctx, assignee.TeamLeadID)
	default:
		return r.superAdmins(ctx)
	}
}

func (r *targetResolver) lead(ctx context.Context, id string) ([]tasks.Handler, error) {
	h, err := r.directory.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !h.Active {
		return nil, fmt.Errorf("%w: team lead %s is inactive", ErrHandlerNotFound, id)
	}
	return []tasks.Handler{h}, nil
}

func (r *targetResolver) superAdmins(ctx context.Context) ([]tasks.Handler, error) {
	if r.loaded {
		return r.admins, nil
	}
	all, err := r.directory.ListByRole(ctx, tasks.RoleSuperAdmin)
	if err != nil {
		return nil, err
	}
	for _, h := range all {
		if h.Active {
			r.admins = append(r.admins, h)
		}
	}
	r.loaded = true
	return r.admins, nil
}
