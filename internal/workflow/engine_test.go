package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/claims-workflow/internal/events"
	"github.com/yourusername/claims-workflow/internal/oracle"
	"github.com/yourusername/claims-workflow/pkg/tasks"
)

func TestRunNeverExceedsCapacity(t *testing.T) {
	h := newHarness(t)
	h.cfg.RoleCapacity[tasks.RoleScan] = 2
	h.addHandler("scan-1", tasks.RoleScan, "")
	h.addHandler("scan-2", tasks.RoleScan, "")
	for i := 0; i < 7; i++ {
		h.addTask(tasks.KindBordereau, fmt.Sprintf("b%d", i), time.Duration(i)*time.Hour)
	}

	report, err := h.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 7, report.Considered)
	assert.Equal(t, 4, report.Created)
	assert.Equal(t, 3, report.Unassigned)

	load, err := h.store.ActiveLoad(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, load["scan-1"])
	assert.Equal(t, 2, load["scan-2"])
}

func TestRunWithFailingWriteBackLeavesNoAssignment(t *testing.T) {
	h := newHarness(t)
	h.cfg.RoleCapacity[tasks.RoleScan] = 1
	h.addHandler("scan-1", tasks.RoleScan, "")
	for i := 0; i < 3; i++ {
		h.addTask(tasks.KindBordereau, fmt.Sprintf("b%d", i), time.Duration(i)*time.Hour,
			func(task *tasks.Task) { task.Status = tasks.StatusAScanner })
	}
	h.sources[tasks.KindBordereau].assignErr = errors.New("record locked")
	ctx := context.Background()

	report, err := h.engine.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 3, report.Failed)
	assert.Empty(t, h.pub.ofType(events.TypeTaskAssigned))
	assert.Equal(t, 0, h.store.historyCount())

	load, err := h.store.ActiveLoad(ctx)
	require.NoError(t, err)
	assert.Zero(t, load["scan-1"])

	h.sources[tasks.KindBordereau].assignErr = nil
	report, err = h.engine.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 2, report.Unassigned)

	load, err = h.store.ActiveLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, load["scan-1"])
	assert.Equal(t, "scan-1", h.task(tasks.KindBordereau, report.Assignments[0].TaskID).AssignedHandlerID)
}

func TestManualAssignWithFailingWriteBack(t *testing.T) {
	h := newHarness(t)
	h.addHandler("scan-1", tasks.RoleScan, "")
	h.addHandler("scan-2", tasks.RoleScan, "")
	h.addTask(tasks.KindBordereau, "b1", time.Hour)
	ctx := context.Background()

	a, err := h.engine.AssignTask(ctx, "b1", tasks.KindBordereau, "scan-1", nil, nil)
	require.NoError(t, err)

	h.sources[tasks.KindBordereau].assignErr = errors.New("record locked")
	_, err = h.engine.AssignTask(ctx, "b1", tasks.KindBordereau, "scan-2", nil, nil)
	require.Error(t, err)

	current, err := h.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "scan-1", current.AssigneeID)
	entries, err := h.store.History(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunAssignsMostUrgentFirst(t *testing.T) {
	h := newHarness(t)
	h.cfg.RoleCapacity[tasks.RoleScan] = 1
	h.addHandler("scan-1", tasks.RoleScan, "")
	h.addTask(tasks.KindBordereau, "fresh", time.Hour)
	h.addTask(tasks.KindBordereau, "late", 30*time.Hour)

	report, err := h.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, report.Assignments, 1)
	assert.Equal(t, "late", report.Assignments[0].TaskID)
}

func TestLocalGreedyAssign(t *testing.T) {
	h := newHarness(t)
	task := tasks.Task{ID: "b1", Kind: tasks.KindBordereau}
	pool := []tasks.Handler{
		{ID: "a", Role: tasks.RoleScan, Active: true, Capacity: 5, CurrentLoad: 3},
		{ID: "b", Role: tasks.RoleScan, Active: true, Capacity: 5, CurrentLoad: 1},
		{ID: "c", Role: tasks.RoleScan, Active: true, Capacity: 5, CurrentLoad: 1},
		{ID: "d", Role: tasks.RoleGestionnaire, Active: true, Capacity: 5, CurrentLoad: 0},
		{ID: "e", Role: tasks.RoleScan, Active: true, Capacity: 2, CurrentLoad: 2},
	}

	assert.Equal(t, 1, h.engine.LocalGreedyAssign(task, pool, ""))
	assert.Equal(t, 2, h.engine.LocalGreedyAssign(task, pool, "b"))

	full := []tasks.Handler{{ID: "x", Role: tasks.RoleScan, Active: true, Capacity: 1, CurrentLoad: 1}}
	assert.Equal(t, -1, h.engine.LocalGreedyAssign(task, full, ""))
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.addHandler("gest-1", tasks.RoleGestionnaire, "")
	h.addHandler("fin-1", tasks.RoleFinance, "")
	h.addTask(tasks.KindBulletinSoin, "bs1", time.Hour)
	h.addTask(tasks.KindReclamation, "r1", time.Hour)
	h.addTask(tasks.KindOrdreVirement, "ov1", time.Hour)

	first, err := h.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, first.Created)

	second, err := h.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 3, second.Skipped)
	assert.Equal(t, 3, h.store.creates)
}

func TestRunWritesAssigneeBackAndPublishes(t *testing.T) {
	h := newHarness(t)
	h.addHandler("fin-1", tasks.RoleFinance, "")
	h.addTask(tasks.KindOrdreVirement, "ov1", time.Hour)

	_, err := h.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, "fin-1", h.task(tasks.KindOrdreVirement, "ov1").AssignedHandlerID)

	assigned := h.pub.ofType(events.TypeTaskAssigned)
	require.Len(t, assigned, 1)
	assert.Equal(t, "ov1", assigned[0].TaskID)
	assert.Equal(t, "fin-1", assigned[0].AssigneeID)
}

func TestRunUsesValidOracleHints(t *testing.T) {
	var seen []oracle.Task
	o := oracleFunc(func(_ context.Context, list []oracle.Task) ([]oracle.Hint, error) {
		seen = list
		return []oracle.Hint{{TaskID: "b1", AssigneeID: "scan-2"}}, nil
	})
	h := newHarness(t, WithOracle(o))
	h.addHandler("scan-1", tasks.RoleScan, "")
	h.addHandler("scan-2", tasks.RoleScan, "")
	h.addTask(tasks.KindBordereau, "b1", time.Hour)
	h.addTask(tasks.KindBordereau, "b2", time.Hour)

	report, err := h.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.True(t, report.OracleUsed)
	require.Len(t, seen, 2)

	byTask := map[string]tasks.Assignment{}
	for _, a := range report.Assignments {
		byTask[a.TaskID] = a
	}
	assert.Equal(t, "scan-2", byTask["b1"].AssigneeID)
	assert.Equal(t, tasks.SourceOracle, byTask["b1"].Source)
	assert.Equal(t, "scan-1", byTask["b2"].AssigneeID)
	assert.Equal(t, tasks.SourceGreedy, byTask["b2"].Source)
}

func TestRunOracleHintsOnSharedID(t *testing.T) {
	run := func(hint oracle.Hint) *RunReport {
		o := oracleFunc(func(context.Context, []oracle.Task) ([]oracle.Hint, error) {
			return []oracle.Hint{hint}, nil
		})
		h := newHarness(t, WithOracle(o))
		h.addHandler("scan-1", tasks.RoleScan, "")
		h.addHandler("gest-1", tasks.RoleGestionnaire, "")
		h.addHandler("gest-2", tasks.RoleGestionnaire, "")
		h.addTask(tasks.KindBordereau, "42", time.Hour)
		h.addTask(tasks.KindReclamation, "42", time.Hour)

		report, err := h.engine.Run(context.Background(), RunOptions{})
		require.NoError(t, err)
		require.Len(t, report.Assignments, 2)
		return report
	}

	report := run(oracle.Hint{TaskID: "42", AssigneeID: "gest-2"})
	assert.False(t, report.OracleUsed)
	for _, a := range report.Assignments {
		assert.Equal(t, tasks.SourceGreedy, a.Source, a.TaskKind)
	}

	report = run(oracle.Hint{TaskID: "42", Kind: string(tasks.KindReclamation), AssigneeID: "gest-2"})
	assert.True(t, report.OracleUsed)
	for _, a := range report.Assignments {
		if a.TaskKind == tasks.KindReclamation {
			assert.Equal(t, "gest-2", a.AssigneeID)
			assert.Equal(t, tasks.SourceOracle, a.Source)
			continue
		}
		assert.Equal(t, "scan-1", a.AssigneeID)
		assert.Equal(t, tasks.SourceGreedy, a.Source)
	}
}

func TestRunFallsBackWhenOracleFails(t *testing.T) {
	o := oracleFunc(func(context.Context, []oracle.Task) ([]oracle.Hint, error) {
		return nil, errors.New("connection refused")
	})
	h := newHarness(t, WithOracle(o))
	h.addHandler("scan-1", tasks.RoleScan, "")
	h.addTask(tasks.KindBordereau, "b1", time.Hour)

	report, err := h.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.False(t, report.OracleUsed)
	require.Len(t, report.Assignments, 1)
	assert.Equal(t, tasks.SourceGreedy, report.Assignments[0].Source)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.engine.metrics.oracleRequests.WithLabelValues("error")))
}

func TestRunFallsBackWhenOracleTimesOut(t *testing.T) {
	o := oracleFunc(func(ctx context.Context, _ []oracle.Task) ([]oracle.Hint, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, WithOracle(o))
	h.cfg.OracleTimeout = 20 * time.Millisecond
	h.addHandler("gest-1", tasks.RoleGestionnaire, "")
	h.addTask(tasks.KindBulletinSoin, "bs1", time.Hour)

	report, err := h.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.engine.metrics.oracleRequests.WithLabelValues("timeout")))
}

func TestRunIgnoresInvalidOracleHints(t *testing.T) {
	o := oracleFunc(func(context.Context, []oracle.Task) ([]oracle.Hint, error) {
		return []oracle.Hint{
			{TaskID: "b1", AssigneeID: "gest-1"},
			{TaskID: "b2", AssigneeID: "ghost"},
		}, nil
	})
	h := newHarness(t, WithOracle(o))
	h.addHandler("scan-1", tasks.RoleScan, "")
	h.addHandler("gest-1", tasks.RoleGestionnaire, "")
	h.addTask(tasks.KindBordereau, "b1", time.Hour)
	h.addTask(tasks.KindBordereau, "b2", time.Hour)

	report, err := h.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, report.Assignments, 2)
	for _, a := range report.Assignments {
		assert.Equal(t, "scan-1", a.AssigneeID)
		assert.Equal(t, tasks.SourceGreedy, a.Source)
	}
}

func TestAssignTaskUnknownKindWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.addHandler("gest-1", tasks.RoleGestionnaire, "")

	_, err := h.engine.AssignTask(context.Background(), "x1", tasks.Kind("CONTRAT"), "gest-1", nil, nil)
	require.ErrorIs(t, err, ErrUnknownKind)
	assert.Equal(t, 0, h.store.creates)
	assert.Equal(t, 0, h.store.historyCount())
}

func TestAssignTaskErrors(t *testing.T) {
	h := newHarness(t)
	h.addHandler("gest-1", tasks.RoleGestionnaire, "")
	h.addTask(tasks.KindReclamation, "closed", time.Hour, func(t *tasks.Task) {
		t.Status = tasks.StatusReclamationFermee
		t.Terminal = true
	})
	h.addTask(tasks.KindReclamation, "r1", time.Hour)
	ctx := context.Background()

	_, err := h.engine.AssignTask(ctx, "missing", tasks.KindReclamation, "gest-1", nil, nil)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = h.engine.AssignTask(ctx, "r1", tasks.KindReclamation, "nobody", nil, nil)
	assert.ErrorIs(t, err, ErrHandlerNotFound)

	_, err = h.engine.AssignTask(ctx, "closed", tasks.KindReclamation, "gest-1", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, 0, h.store.historyCount())
}

func TestAssignTaskReassignsInPlace(t *testing.T) {
	h := newHarness(t)
	h.addHandler("gest-1", tasks.RoleGestionnaire, "")
	h.addHandler("gest-2", tasks.RoleGestionnaire, "")
	h.addTask(tasks.KindBulletinSoin, "bs1", time.Hour)
	ctx := context.Background()

	first, err := h.engine.AssignTask(ctx, "bs1", tasks.KindBulletinSoin, "gest-1", strPtr("first pass"), strPtr("chef-1"))
	require.NoError(t, err)

	same, err := h.engine.AssignTask(ctx, "bs1", tasks.KindBulletinSoin, "gest-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, same.ID)

	moved, err := h.engine.AssignTask(ctx, "bs1", tasks.KindBulletinSoin, "gest-2", nil, strPtr("chef-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, moved.ID)
	assert.Equal(t, "gest-2", moved.AssigneeID)
	assert.Equal(t, tasks.SourceManual, moved.Source)
	assert.Equal(t, "gest-2", h.task(tasks.KindBulletinSoin, "bs1").AssignedHandlerID)

	history, err := h.store.History(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[1].PrevAssigneeID)
	assert.Equal(t, "gest-1", *history[1].PrevAssigneeID)
	assert.Equal(t, "gest-2", *history[1].NewAssigneeID)
	assert.Len(t, h.pub.ofType(events.TypeTaskReassigned), 1)
}

func TestAssignmentLifecycleHistory(t *testing.T) {
	tests := []struct {
		name      string
		finishAge time.Duration
		wantMet   bool
	}{
		{"completed on time", 10 * time.Hour, true},
		{"completed late", 60 * time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.addHandler("gest-1", tasks.RoleGestionnaire, "")
			h.addTask(tasks.KindBulletinSoin, "bs1", 0)
			ctx := context.Background()

			a, err := h.service.AssignTask(ctx, "bs1", tasks.KindBulletinSoin, "gest-1", nil, strPtr("chef-1"))
			require.NoError(t, err)
			assert.Equal(t, tasks.AssignmentPending, a.Status)
			assert.Equal(t, baseTime.Add(48*time.Hour), a.DueAt)

			h.now = h.now.Add(time.Hour)
			_, err = h.service.UpdateAssignment(ctx, a.ID, AssignmentPatch{Status: statusPtr(tasks.AssignmentInProgress)}, strPtr("gest-1"))
			require.NoError(t, err)

			h.now = baseTime.Add(tt.finishAge)
			done, err := h.service.UpdateAssignment(ctx, a.ID, AssignmentPatch{
				Status: statusPtr(tasks.AssignmentCompleted),
				Notes:  strPtr("validated"),
			}, strPtr("gest-1"))
			require.NoError(t, err)
			require.NotNil(t, done.CompletedAt)
			assert.False(t, done.CompletedAt.Before(done.AssignedAt))

			history, err := h.service.GetAssignmentHistory(ctx, a.ID)
			require.NoError(t, err)
			require.Len(t, history, 3)

			assert.Equal(t, tasks.AssignmentStatus(""), history[0].PrevStatus)
			for i := 1; i < len(history); i++ {
				assert.Equal(t, history[i-1].NewStatus, history[i].PrevStatus)
			}
			assert.Equal(t, tasks.AssignmentPending, history[0].NewStatus)
			assert.Equal(t, tasks.AssignmentInProgress, history[1].NewStatus)
			assert.Equal(t, tasks.AssignmentCompleted, history[2].NewStatus)

			assert.Nil(t, history[0].SLAMet)
			assert.Nil(t, history[1].SLAMet)
			require.NotNil(t, history[2].SLAMet)
			assert.Equal(t, tt.wantMet, *history[2].SLAMet)
			assert.Equal(t, SLAMet(*done.CompletedAt, done.DueAt), *history[2].SLAMet)
			require.NotNil(t, history[2].NewNotes)
			assert.Equal(t, "validated", *history[2].NewNotes)
		})
	}
}

func TestUpdateMissingAssignmentWritesNothing(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.UpdateAssignment(context.Background(), "nope", AssignmentPatch{Status: statusPtr(tasks.AssignmentCompleted)}, nil)
	require.ErrorIs(t, err, ErrAssignmentNotFound)
	assert.Equal(t, 0, h.store.historyCount())
}

func TestUpdateRejectsInvalidTransitions(t *testing.T) {
	h := newHarness(t)
	h.addHandler("gest-1", tasks.RoleGestionnaire, "")
	h.addTask(tasks.KindBulletinSoin, "bs1", time.Hour)
	ctx := context.Background()

	a, err := h.engine.AssignTask(ctx, "bs1", tasks.KindBulletinSoin, "gest-1", nil, nil)
	require.NoError(t, err)

	_, err = h.engine.UpdateAssignment(ctx, a.ID, AssignmentPatch{Status: statusPtr("ARCHIVED")}, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.engine.UpdateAssignment(ctx, a.ID, AssignmentPatch{Status: statusPtr(tasks.AssignmentCompleted)}, nil)
	require.NoError(t, err)

	_, err = h.engine.UpdateAssignment(ctx, a.ID, AssignmentPatch{Status: statusPtr(tasks.AssignmentInProgress)}, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.engine.UpdateAssignment(ctx, a.ID, AssignmentPatch{Notes: strPtr("late note")}, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	history, err := h.store.History(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestUpdateNotesOnlyIsAudited(t *testing.T) {
	h := newHarness(t)
	h.addHandler("gest-1", tasks.RoleGestionnaire, "")
	h.addTask(tasks.KindBulletinSoin, "bs1", time.Hour)
	ctx := context.Background()

	a, err := h.engine.AssignTask(ctx, "bs1", tasks.KindBulletinSoin, "gest-1", strPtr("v1"), nil)
	require.NoError(t, err)

	updated, err := h.engine.UpdateAssignment(ctx, a.ID, AssignmentPatch{Notes: strPtr("v2")}, strPtr("gest-1"))
	require.NoError(t, err)
	assert.Equal(t, tasks.AssignmentPending, updated.Status)

	history, err := h.store.History(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "v1", *history[1].PrevNotes)
	assert.Equal(t, "v2", *history[1].NewNotes)
	assert.Equal(t, tasks.AssignmentPending, history[1].PrevStatus)
	assert.Equal(t, tasks.AssignmentPending, history[1].NewStatus)
	assert.Equal(t, "gest-1", *history[1].UpdatedByUserID)
}

func TestRunRebalancesToLessLoadedHandler(t *testing.T) {
	h := newHarness(t)
	h.addHandler("scan-1", tasks.RoleScan, "")
	ctx := context.Background()

	for _, id := range []string{"b1", "b2", "b3"} {
		h.addTask(tasks.KindBordereau, id, 30*time.Hour)
		_, err := h.engine.AssignTask(ctx, id, tasks.KindBordereau, "scan-1", nil, nil)
		require.NoError(t, err)
	}
	h.addHandler("scan-2", tasks.RoleScan, "")

	report, err := h.engine.Run(ctx, RunOptions{Rebalance: []string{"BORDEREAU:b1"}})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 1, report.Reassigned)

	a, found, err := h.store.ActiveForTask(ctx, tasks.KindBordereau, "b1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "scan-2", a.AssigneeID)
	assert.Equal(t, tasks.SourceRebalance, a.Source)
	assert.Equal(t, "scan-2", h.task(tasks.KindBordereau, "b1").AssignedHandlerID)

	// scan-2 now carries one task against two on scan-1: nothing else moves
	report, err = h.engine.Run(ctx, RunOptions{Rebalance: []string{"BORDEREAU:b1"}})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Reassigned)
}
