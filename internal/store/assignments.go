package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/yourusername/claims-workflow/internal/workflow"
	"github.com/yourusername/claims-workflow/pkg/tasks"
)

const assignmentColumns = `id, task_id, task_kind, assignee_id, assigned_at, completed_at,
	due_at, status, notes, source, updated_at`

// AssignmentStore persists assignments and their history
type AssignmentStore struct {
	db *sql.DB
}

// NewAssignmentStore creates an assignment store
func NewAssignmentStore(db *sql.DB) *AssignmentStore {
	return &AssignmentStore{db: db}
}

// Create inserts an assignment and its creation entry in one transaction
func (s *AssignmentStore) Create(ctx context.Context, a tasks.Assignment, entry tasks.HistoryEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO assignments (id, task_id, task_kind, assignee_id, assigned_at, completed_at,
				due_at, status, notes, source, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, a.ID, a.TaskID, string(a.TaskKind), a.AssigneeID, a.AssignedAt.UTC(), nullTime(a.CompletedAt),
			a.DueAt.UTC(), string(a.Status), nullString(a.Notes), string(a.Source), a.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert assignment: %w", err)
		}
		return appendHistory(ctx, tx, entry)
	})
}

// Update rewrites an assignment and appends entry in one transaction
func (s *AssignmentStore) Update(ctx context.Context, a tasks.Assignment, entry tasks.HistoryEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE assignments
			SET assignee_id = $1,
				completed_at = $2,
				status = $3,
				notes = $4,
				source = $5,
				updated_at = $6
			WHERE id = $7
		`, a.AssigneeID, nullTime(a.CompletedAt), string(a.Status), nullString(a.Notes),
			string(a.Source), a.UpdatedAt.UTC(), a.ID)
		if err != nil {
			return fmt.Errorf("failed to update assignment: %w", err)
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("%w: %s", workflow.ErrAssignmentNotFound, a.ID)
		}
		return appendHistory(ctx, tx, entry)
	})
}

// Get returns one assignment
func (s *AssignmentStore) Get(ctx context.Context, id string) (tasks.Assignment, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tasks.Assignment{}, fmt.Errorf("%w: %s", workflow.ErrAssignmentNotFound, id)
	}
	if err != nil {
		return tasks.Assignment{}, fmt.Errorf("failed to get assignment: %w", err)
	}
	return a, nil
}

// List returns assignments matching filter, most recent first
func (s *AssignmentStore) List(ctx context.Context, filter workflow.AssignmentFilter) ([]tasks.Assignment, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.AssigneeID != "" {
		args = append(args, filter.AssigneeID)
		where = append(where, fmt.Sprintf("assignee_id = $%d", len(args)))
	}
	if filter.TaskID != "" {
		args = append(args, filter.TaskID)
		where = append(where, fmt.Sprintf("task_id = $%d", len(args)))
	}
	if filter.ActiveOnly {
		where = append(where, activeClause)
	}

	query := `SELECT ` + assignmentColumns + ` FROM assignments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY assigned_at DESC, id"

	return s.query(ctx, query, args...)
}

// ActiveForTask returns the active assignment of a task, if any
func (s *AssignmentStore) ActiveForTask(ctx context.Context, kind tasks.Kind, taskID string) (tasks.Assignment, bool, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+`
		FROM assignments
		WHERE task_kind = $1 AND task_id = $2 AND `+activeClause,
		string(kind), taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return tasks.Assignment{}, false, nil
	}
	if err != nil {
		return tasks.Assignment{}, false, fmt.Errorf("failed to get active assignment: %w", err)
	}
	return a, true, nil
}

// ListForTask returns every assignment a task ever had, oldest first
func (s *AssignmentStore) ListForTask(ctx context.Context, kind tasks.Kind, taskID string) ([]tasks.Assignment, error) {
	return s.query(ctx, `
		SELECT `+assignmentColumns+`
		FROM assignments
		WHERE task_kind = $1 AND task_id = $2
		ORDER BY assigned_at ASC, id
	`, string(kind), taskID)
}

// ActiveLoad counts active assignments per assignee
func (s *AssignmentStore) ActiveLoad(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT assignee_id, COUNT(*)
		FROM assignments
		WHERE `+activeClause+`
		GROUP BY assignee_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query load: %w", err)
	}
	defer rows.Close()

	load := make(map[string]int)
	for rows.Next() {
		var assignee string
		var count int
		if err := rows.Scan(&assignee, &count); err != nil {
			return nil, fmt.Errorf("failed to scan load: %w", err)
		}
		load[assignee] = count
	}
	return load, rows.Err()
}

// History returns the entries of an assignment in the order they were written
func (s *AssignmentStore) History(ctx context.Context, assignmentID string) ([]tasks.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assignment_id, updated_by_user_id, updated_at, prev_status, new_status,
			prev_notes, new_notes, prev_assignee_id, new_assignee_id, sla_met
		FROM assignment_history
		WHERE assignment_id = $1
		ORDER BY seq ASC
	`, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := []tasks.HistoryEntry{}
	for rows.Next() {
		var e tasks.HistoryEntry
		var updatedBy, prevNotes, newNotes, prevAssignee, newAssignee sql.NullString
		var prevStatus, newStatus string
		var slaMet sql.NullBool

		if err := rows.Scan(&e.ID, &e.AssignmentID, &updatedBy, &e.UpdatedAt, &prevStatus, &newStatus,
			&prevNotes, &newNotes, &prevAssignee, &newAssignee, &slaMet); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}

		e.UpdatedAt = e.UpdatedAt.UTC()
		e.PrevStatus = tasks.AssignmentStatus(prevStatus)
		e.NewStatus = tasks.AssignmentStatus(newStatus)
		e.UpdatedByUserID = stringPtr(updatedBy)
		e.PrevNotes = stringPtr(prevNotes)
		e.NewNotes = stringPtr(newNotes)
		e.PrevAssigneeID = stringPtr(prevAssignee)
		e.NewAssigneeID = stringPtr(newAssignee)
		if slaMet.Valid {
			met := slaMet.Bool
			e.SLAMet = &met
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const activeClause = "status IN ('PENDING', 'IN_PROGRESS', 'OVERDUE')"

func appendHistory(ctx context.Context, tx *sql.Tx, e tasks.HistoryEntry) error {
	var seq int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1
		FROM assignment_history
		WHERE assignment_id = $1
	`, e.AssignmentID).Scan(&seq); err != nil {
		return fmt.Errorf("failed to compute history sequence: %w", err)
	}

	var slaMet sql.NullBool
	if e.SLAMet != nil {
		slaMet = sql.NullBool{Bool: *e.SLAMet, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO assignment_history (id, assignment_id, seq, updated_by_user_id, updated_at,
			prev_status, new_status, prev_notes, new_notes, prev_assignee_id, new_assignee_id, sla_met)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.AssignmentID, seq, nullString(e.UpdatedByUserID), e.UpdatedAt.UTC(),
		string(e.PrevStatus), string(e.NewStatus), nullString(e.PrevNotes), nullString(e.NewNotes),
		nullString(e.PrevAssigneeID), nullString(e.NewAssigneeID), slaMet)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (s *AssignmentStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *AssignmentStore) query(ctx context.Context, query string, args ...any) ([]tasks.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	list := []tasks.Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

func scanAssignment(row rowScanner) (tasks.Assignment, error) {
	var a tasks.Assignment
	var kind, status, source string
	var completedAt sql.NullTime
	var notes sql.NullString

	if err := row.Scan(&a.ID, &a.TaskID, &kind, &a.AssigneeID, &a.AssignedAt, &completedAt,
		&a.DueAt, &status, &notes, &source, &a.UpdatedAt); err != nil {
		return tasks.Assignment{}, err
	}

	a.TaskKind = tasks.Kind(kind)
	a.Status = tasks.AssignmentStatus(status)
	a.Source = tasks.AssignmentSource(source)
	a.AssignedAt = a.AssignedAt.UTC()
	a.DueAt = a.DueAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.CompletedAt = timePtr(completedAt)
	a.Notes = stringPtr(notes)
	return a, nil
}
