package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/yourusername/claims-workflow/internal/oracle"
	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// Oracle suggests task→handler pairings. Implementations may fail freely.
type Oracle interface {
	Suggest(ctx context.Context, list []oracle.Task) ([]oracle.Hint, error)
}

// TryOracleAssign asks the oracle once for the whole pending list. Hints are
// keyed by tasks.Task.Key. It returns ok=false when there is no oracle or it produced nothing usable;
// the caller then relies on LocalGreedyAssign alone.
func (e *Engine) TryOracleAssign(ctx context.Context, pending []tasks.Task) (map[string]string, bool) {
	if e.oracle == nil || len(pending) == 0 {
		return nil, false
	}

	payload := make([]oracle.Task, 0, len(pending))
	known := make(map[string][]tasks.Kind, len(pending))
	for _, t := range pending {
		payload = append(payload, oracle.Task{
			ID:            t.ID,
			Kind:          string(t.Kind),
			Reference:     t.Reference,
			ReferenceDate: t.ReferenceDate,
			DueDate:       t.DueDate,
			Priority:      t.Priority.String(),
		})
		known[t.ID] = append(known[t.ID], t.Kind)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	defer cancel()

	start := time.Now()
	hints, err := e.oracle.Suggest(callCtx, payload)
	e.metrics.oracleDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			outcome = "timeout"
		case errors.Is(err, oracle.ErrEmptyResponse):
			outcome = "empty"
		}
		e.metrics.oracleRequests.WithLabelValues(outcome).Inc()
		slog.Warn("oracle unavailable, using local assignment", "outcome", outcome, "error", err)
		return nil, false
	}

	byTask := make(map[string]string, len(hints))
	for _, h := range hints {
		if h.AssigneeID == "" {
			continue
		}
		kind, ok := hintKind(h, known[h.TaskID])
		if !ok {
			slog.Debug("ignoring oracle hint", "task_id", h.TaskID, "kind", h.Kind)
			continue
		}
		byTask[tasks.KeyOf(kind, h.TaskID)] = h.AssigneeID
	}
	if len(byTask) == 0 {
		e.metrics.oracleRequests.WithLabelValues("empty").Inc()
		slog.Warn("oracle returned no usable hints, using local assignment")
		return nil, false
	}

	e.metrics.oracleRequests.WithLabelValues("ok").Inc()
	slog.Debug("oracle hints received", "hints", len(byTask), "tasks", len(pending))
	return byTask, true
}

// hintKind resolves which pending task a hint names. A hint without a kind
// is only usable when its id is unique among the pending tasks.
func hintKind(h oracle.Hint, kinds []tasks.Kind) (tasks.Kind, bool) {
	if h.Kind == "" {
		if len(kinds) == 1 {
			return kinds[0], true
		}
		return "", false
	}
	for _, k := range kinds {
		if string(k) == h.Kind {
			return k, true
		}
	}
	return "", false
}

// LocalGreedyAssign picks the least-loaded capable handler with spare capacity.
// pool must be sorted by id so ties resolve to the lowest id. exclude names a
// handler that must not be chosen. It returns -1 when nobody is eligible.
func (e *Engine) LocalGreedyAssign(t tasks.Task, pool []tasks.Handler, exclude string) int {
	best := -1
	for i, h := range pool {
		if h.ID == exclude || !h.Active {
			continue
		}
		if !e.capacity.Capable(h.Role, t.Kind) || !CanTake(h) {
			continue
		}
		if best == -1 || h.CurrentLoad < pool[best].CurrentLoad {
			best = i
		}
	}
	return best
}

// acceptHint validates an oracle suggestion against the local pool
func (e *Engine) acceptHint(t tasks.Task, handlerID string, pool []tasks.Handler) int {
	for i, h := range pool {
		if h.ID != handlerID {
			continue
		}
		if h.Active && e.capacity.Capable(h.Role, t.Kind) && CanTake(h) {
			return i
		}
		slog.Debug("oracle hint rejected", "task_id", t.ID, "handler_id", handlerID)
		return -1
	}
	slog.Debug("oracle hint names unknown handler", "task_id", t.ID, "handler_id", handlerID)
	return -1
}
