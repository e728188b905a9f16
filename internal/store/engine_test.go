package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/claims-workflow/internal/workflow"
	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// TestEngineOverSQLite runs the assignment lifecycle against the real store
func TestEngineOverSQLite(t *testing.T) {
	exerciseEngine(t, newTestDB(t))
}

// TestEngineOverPostgres runs the same lifecycle against PostgreSQL
func TestEngineOverPostgres(t *testing.T) {
	db, cleanup := setupPostgres(t)
	defer cleanup()

	exerciseEngine(t, db)
}

func exerciseEngine(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()

	directory := NewHandlerStore(db)
	require.NoError(t, directory.Register(ctx, tasks.Handler{ID: "chef-1", Name: "Chef", Role: tasks.RoleChefEquipe, Active: true}))
	require.NoError(t, directory.Register(ctx, tasks.Handler{ID: "gest-1", Name: "Gest", Role: tasks.RoleGestionnaire, TeamLeadID: "chef-1", Active: true}))

	bulletins := newSource(t, db, tasks.KindBulletinSoin)
	reclamations := newSource(t, db, tasks.KindReclamation)
	require.NoError(t, bulletins.Insert(ctx, record("bs1", tasks.StatusBSEnCours, time.Hour)))
	require.NoError(t, reclamations.Insert(ctx, record("r1", tasks.StatusReclamationOuverte, time.Hour)))

	cfg := workflow.DefaultConfig()
	agg, err := workflow.NewAggregator(Sources(db)...)
	require.NoError(t, err)
	assignments := NewAssignmentStore(db)
	scorer := workflow.NewScorer(workflow.NewSLATable(cfg.SLAHours), nil)
	engine := workflow.NewEngine(cfg, agg, scorer,
		workflow.NewCapacityTracker(cfg, directory, assignments), assignments,
		workflow.WithClock(func() time.Time { return t0 }))

	report, err := engine.Run(ctx, workflow.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)

	r1, err := reclamations.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "chef-1", r1.AssignedHandlerID)
	assert.Equal(t, tasks.StatusReclamationEnCours, r1.Status)

	again, err := engine.Run(ctx, workflow.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Created)
	assert.Equal(t, 2, again.Skipped)

	a, found, err := assignments.ActiveForTask(ctx, tasks.KindBulletinSoin, "bs1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "gest-1", a.AssigneeID)

	by := "gest-1"
	inProgress := tasks.AssignmentInProgress
	completed := tasks.AssignmentCompleted
	_, err = engine.UpdateAssignment(ctx, a.ID, workflow.AssignmentPatch{Status: &inProgress}, &by)
	require.NoError(t, err)
	_, err = engine.UpdateAssignment(ctx, a.ID, workflow.AssignmentPatch{Status: &completed}, &by)
	require.NoError(t, err)

	history, err := assignments.History(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, tasks.AssignmentStatus(""), history[0].PrevStatus)
	assert.Equal(t, tasks.AssignmentPending, history[1].PrevStatus)
	assert.Equal(t, tasks.AssignmentInProgress, history[2].PrevStatus)
	require.NotNil(t, history[2].SLAMet)
	assert.True(t, *history[2].SLAMet)

	load, err := assignments.ActiveLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, load["gest-1"])
	assert.Equal(t, 1, load["chef-1"])
}

// setupPostgres connects to TEST_DATABASE_URL and returns a cleanup function
func setupPostgres(t *testing.T) (*sql.DB, func()) {
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	db, err := Open(ctx, DriverPostgres, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	drop := func() {
		for _, table := range []string{
			"assignment_history", "assignments", "job_leases", "users",
			"bordereaux", "bulletins_soin", "reclamations", "ordres_virement",
		} {
			db.Exec("DROP TABLE IF EXISTS " + table + " CASCADE")
		}
	}
	drop()

	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		drop()
		db.Close()
	}
	return db, cleanup
}
