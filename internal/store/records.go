package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourusername/claims-workflow/internal/workflow"
	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// kindSpec describes how one task kind is stored
type kindSpec struct {
	kind     tasks.Kind
	table    string
	terminal []string
	// promoteFrom moves to promoteTo when an assignee is written back
	promoteFrom string
	promoteTo   string
	amount      bool
}

var kindSpecs = map[tasks.Kind]kindSpec{
	tasks.KindBordereau: {
		kind:        tasks.KindBordereau,
		table:       "bordereaux",
		terminal:    []string{tasks.StatusTraite, tasks.StatusCloture},
		promoteFrom: tasks.StatusAAffecter,
		promoteTo:   tasks.StatusAssigne,
	},
	tasks.KindBulletinSoin: {
		kind:     tasks.KindBulletinSoin,
		table:    "bulletins_soin",
		terminal: []string{tasks.StatusBSValidate, tasks.StatusBSRejete},
	},
	tasks.KindReclamation: {
		kind:        tasks.KindReclamation,
		table:       "reclamations",
		terminal:    []string{tasks.StatusReclamationResolue, tasks.StatusReclamationFermee},
		promoteFrom: tasks.StatusReclamationOuverte,
		promoteTo:   tasks.StatusReclamationEnCours,
	},
	tasks.KindOrdreVirement: {
		kind:     tasks.KindOrdreVirement,
		table:    "ordres_virement",
		terminal: []string{tasks.StatusOVExecute, tasks.StatusOVRejete},
		amount:   true,
	},
}

// RecordSource reads and writes back one record table
type RecordSource struct {
	db   *sql.DB
	spec kindSpec
	now  func() time.Time
}

// NewRecordSource creates the source for a kind
func NewRecordSource(db *sql.DB, kind tasks.Kind) (*RecordSource, error) {
	spec, ok := kindSpecs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrUnknownKind, kind)
	}
	return &RecordSource{db: db, spec: spec, now: time.Now}, nil
}

// Sources returns one source per task kind
func Sources(db *sql.DB) []workflow.Source {
	sources := make([]workflow.Source, 0, len(tasks.Kinds))
	for _, kind := range tasks.Kinds {
		src, _ := NewRecordSource(db, kind)
		sources = append(sources, src)
	}
	return sources
}

// Kind returns the task kind served
func (s *RecordSource) Kind() tasks.Kind {
	return s.spec.kind
}

func (s *RecordSource) columns() string {
	cols := "id, reference, status, created_at, reference_at, assigned_to, team_id, updated_at, completed_at"
	if s.spec.amount {
		cols += ", amount"
	}
	return cols
}

// Pending returns every record not in a terminal status
func (s *RecordSource) Pending(ctx context.Context) ([]tasks.Task, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE status NOT IN (%s)
		ORDER BY id
	`, s.columns(), s.spec.table, placeholders(1, len(s.spec.terminal)))

	return s.query(ctx, query, stringArgs(s.spec.terminal)...)
}

// CompletedSince returns terminal records completed at or after since
func (s *RecordSource) CompletedSince(ctx context.Context, since time.Time) ([]tasks.Task, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE status IN (%s)
		  AND completed_at IS NOT NULL
		ORDER BY id
	`, s.columns(), s.spec.table, placeholders(1, len(s.spec.terminal)))

	all, err := s.query(ctx, query, stringArgs(s.spec.terminal)...)
	if err != nil {
		return nil, err
	}

	recent := all[:0]
	for _, t := range all {
		if !t.CompletedAt.Before(since) {
			recent = append(recent, t)
		}
	}
	return recent, nil
}

// Get returns one record
func (s *RecordSource) Get(ctx context.Context, id string) (tasks.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, s.columns(), s.spec.table)

	t, err := s.scan(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tasks.Task{}, fmt.Errorf("%w: %s %s", workflow.ErrTaskNotFound, s.spec.kind, id)
	}
	if err != nil {
		return tasks.Task{}, fmt.Errorf("failed to get %s %s: %w", s.spec.kind, id, err)
	}
	return t, nil
}

// SetAssignee writes the handler onto the record
func (s *RecordSource) SetAssignee(ctx context.Context, id, handlerID string) error {
	now := s.now().UTC()

	var (
		result sql.Result
		err    error
	)
	if s.spec.promoteFrom != "" {
		result, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET assigned_to = $1,
				updated_at = $2,
				status = CASE WHEN status = $3 THEN $4 ELSE status END
			WHERE id = $5
		`, s.spec.table), handlerID, now, s.spec.promoteFrom, s.spec.promoteTo, id)
	} else {
		result, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET assigned_to = $1,
				updated_at = $2
			WHERE id = $3
		`, s.spec.table), handlerID, now, id)
	}
	if err != nil {
		return fmt.Errorf("failed to set assignee: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s %s", workflow.ErrTaskNotFound, s.spec.kind, id)
	}
	return nil
}

// Insert stores a new record
func (s *RecordSource) Insert(ctx context.Context, t tasks.Task) error {
	var refAt *time.Time
	if !t.ReferenceDate.IsZero() {
		refAt = &t.ReferenceDate
	}
	updatedAt := t.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = t.CreatedAt
	}
	args := []any{
		t.ID, t.Reference, t.Status, t.CreatedAt.UTC(), nullTime(refAt),
		emptyAsNull(t.AssignedHandlerID), emptyAsNull(t.TeamID), updatedAt.UTC(), nullTime(t.CompletedAt),
	}
	cols := "id, reference, status, created_at, reference_at, assigned_to, team_id, updated_at, completed_at"
	if s.spec.amount {
		cols += ", amount"
		args = append(args, t.Amount)
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		s.spec.table, cols, placeholders(1, len(args))), args...)
	if err != nil {
		return fmt.Errorf("failed to insert %s: %w", s.spec.kind, err)
	}
	return nil
}

// SetStatus moves a record to a business status. Terminal statuses stamp completed_at.
func (s *RecordSource) SetStatus(ctx context.Context, id, status string, at time.Time) error {
	var completedAt *time.Time
	if s.isTerminal(status) {
		completedAt = &at
	}

	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $1,
			updated_at = $2,
			completed_at = $3
		WHERE id = $4
	`, s.spec.table), status, at.UTC(), nullTime(completedAt), id)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s %s", workflow.ErrTaskNotFound, s.spec.kind, id)
	}
	return nil
}

func (s *RecordSource) isTerminal(status string) bool {
	for _, st := range s.spec.terminal {
		if st == status {
			return true
		}
	}
	return false
}

func (s *RecordSource) query(ctx context.Context, query string, args ...any) ([]tasks.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.spec.table, err)
	}
	defer rows.Close()

	var list []tasks.Task
	for rows.Next() {
		t, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", s.spec.kind, err)
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (s *RecordSource) scan(row rowScanner) (tasks.Task, error) {
	t := tasks.Task{Kind: s.spec.kind}
	var referenceAt, completedAt sql.NullTime
	var assignedTo, teamID sql.NullString

	dest := []any{
		&t.ID, &t.Reference, &t.Status, &t.CreatedAt, &referenceAt,
		&assignedTo, &teamID, &t.UpdatedAt, &completedAt,
	}
	if s.spec.amount {
		dest = append(dest, &t.Amount)
	}
	if err := row.Scan(dest...); err != nil {
		return tasks.Task{}, err
	}

	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if referenceAt.Valid {
		t.ReferenceDate = referenceAt.Time.UTC()
	}
	t.AssignedHandlerID = assignedTo.String
	t.TeamID = teamID.String
	t.CompletedAt = timePtr(completedAt)
	t.Terminal = s.isTerminal(t.Status)
	if !s.spec.amount {
		t.Amount = decimal.Zero
	}
	return t, nil
}

// placeholders returns "$from, $from+1, ..." for n arguments
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(from+i)
	}
	return strings.Join(parts, ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
