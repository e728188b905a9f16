package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourusername/claims-workflow/internal/workflow"
	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// HandlerStore is the directory of back-office users
type HandlerStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewHandlerStore creates a new handler store
func NewHandlerStore(db *sql.DB) *HandlerStore {
	return &HandlerStore{db: db, now: time.Now}
}

// Register inserts a user or refreshes its profile
func (hs *HandlerStore) Register(ctx context.Context, h tasks.Handler) error {
	_, err := hs.db.ExecContext(ctx, `
		INSERT INTO users (id, name, role, team_lead_id, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			role = EXCLUDED.role,
			team_lead_id = EXCLUDED.team_lead_id,
			active = EXCLUDED.active
	`, h.ID, h.Name, string(h.Role), emptyAsNull(h.TeamLeadID), h.Active, hs.now().UTC())

	if err != nil {
		return fmt.Errorf("failed to register handler: %w", err)
	}

	slog.Info("handler registered", "handler_id", h.ID, "role", h.Role)
	return nil
}

// Deactivate removes a user from the assignment pool
func (hs *HandlerStore) Deactivate(ctx context.Context, id string) error {
	result, err := hs.db.ExecContext(ctx, `
		UPDATE users
		SET active = FALSE
		WHERE id = $1
	`, id)

	if err != nil {
		return fmt.Errorf("failed to deactivate handler: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", workflow.ErrHandlerNotFound, id)
	}

	slog.Info("handler deactivated", "handler_id", id)
	return nil
}

// Get returns one user, active or not
func (hs *HandlerStore) Get(ctx context.Context, id string) (tasks.Handler, error) {
	h, err := scanHandler(hs.db.QueryRowContext(ctx, `
		SELECT id, name, role, team_lead_id, active
		FROM users
		WHERE id = $1
	`, id))

	if errors.Is(err, sql.ErrNoRows) {
		return tasks.Handler{}, fmt.Errorf("%w: %s", workflow.ErrHandlerNotFound, id)
	}
	if err != nil {
		return tasks.Handler{}, fmt.Errorf("failed to get handler: %w", err)
	}
	return h, nil
}

// ListActive returns every active user ordered by id
func (hs *HandlerStore) ListActive(ctx context.Context) ([]tasks.Handler, error) {
	return hs.list(ctx, `
		SELECT id, name, role, team_lead_id, active
		FROM users
		WHERE active = TRUE
		ORDER BY id ASC
	`)
}

// ListByRole returns every user holding role, active or not
func (hs *HandlerStore) ListByRole(ctx context.Context, role tasks.Role) ([]tasks.Handler, error) {
	return hs.list(ctx, `
		SELECT id, name, role, team_lead_id, active
		FROM users
		WHERE role = $1
		ORDER BY id ASC
	`, string(role))
}

func (hs *HandlerStore) list(ctx context.Context, query string, args ...any) ([]tasks.Handler, error) {
	rows, err := hs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list handlers: %w", err)
	}
	defer rows.Close()

	var handlers []tasks.Handler
	for rows.Next() {
		h, err := scanHandler(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan handler: %w", err)
		}
		handlers = append(handlers, h)
	}

	return handlers, rows.Err()
}

func scanHandler(row rowScanner) (tasks.Handler, error) {
	var h tasks.Handler
	var role string
	var teamLead sql.NullString
	if err := row.Scan(&h.ID, &h.Name, &role, &teamLead, &h.Active); err != nil {
		return tasks.Handler{}, err
	}
	h.Role = tasks.Role(role)
	h.TeamLeadID = teamLead.String
	return h, nil
}
