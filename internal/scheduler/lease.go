package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SQLLocker holds the pool lock as a lease row in the job_leases table so
// several instances sharing one database never overlap
type SQLLocker struct {
	db     *sql.DB
	holder string
	term   time.Duration
	now    func() time.Time
}

// NewSQLLocker creates a lease-based locker. holder identifies this instance.
func NewSQLLocker(db *sql.DB, holder string, term time.Duration) *SQLLocker {
	return &SQLLocker{
		db:     db,
		holder: holder,
		term:   term,
		now:    time.Now,
	}
}

// TryLock acquires the lease for key when nobody holds an unexpired one
func (l *SQLLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	now := l.now().UTC()
	token := uuid.NewString()

	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO job_leases (name, holder, token, expires_at)
		VALUES ($1, '', '', 0)
		ON CONFLICT (name) DO NOTHING
	`, key); err != nil {
		return nil, false, fmt.Errorf("failed to seed lease: %w", err)
	}

	result, err := l.db.ExecContext(ctx, `
		UPDATE job_leases
		SET holder = $1,
			token = $2,
			expires_at = $3
		WHERE name = $4
		  AND expires_at <= $5
	`, l.holder, token, now.Add(l.term).UnixMilli(), key, now.UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("lease acquisition failed: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, false, nil
	}
	slog.Debug("lease acquired", "key", key, "holder", l.holder)

	stop := keepAlive(l.term, key, func(ctx context.Context) error {
		return l.extend(ctx, key, token)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.release(ctx, key, token); err != nil {
				slog.Error("failed to release lease", "key", key, "error", err)
			}
		})
	}, true, nil
}

func (l *SQLLocker) extend(ctx context.Context, key, token string) error {
	result, err := l.db.ExecContext(ctx, `
		UPDATE job_leases
		SET expires_at = $1
		WHERE name = $2 AND token = $3
	`, l.now().UTC().Add(l.term).UnixMilli(), key, token)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("lease %s lost", key)
	}
	return nil
}

func (l *SQLLocker) release(ctx context.Context, key, token string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE job_leases
		SET holder = '',
			token = '',
			expires_at = 0
		WHERE name = $1 AND token = $2
	`, key, token)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}

	slog.Debug("lease released", "key", key, "holder", l.holder)
	return nil
}

// Holder returns the instance currently holding key, or "" when the lease is free
func (l *SQLLocker) Holder(ctx context.Context, key string) (string, error) {
	var holder string
	err := l.db.QueryRowContext(ctx, `
		SELECT holder
		FROM job_leases
		WHERE name = $1 AND expires_at > $2
	`, key, l.now().UTC().UnixMilli()).Scan(&holder)

	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get lease holder: %w", err)
	}
	return holder, nil
}
