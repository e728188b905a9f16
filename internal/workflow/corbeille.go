package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// Corbeille bucket names
const (
	BucketIntake            = "intake"
	BucketToScan            = "toScan"
	BucketScanning          = "scanning"
	BucketCompletedRecently = "completedRecently"
	BucketUnassigned        = "unassigned"
	BucketInProgress        = "inProgress"
	BucketAssigned          = "assigned"
)

const (
	scanRecentWindow = 24 * time.Hour
	teamRecentWindow = 7 * 24 * time.Hour
)

// CorbeilleItem is a task as shown in an inbox
type CorbeilleItem struct {
	tasks.Task
	SLAStatus SLAStatus `json:"sla_status"`
}

// Corbeille is a role-scoped inbox
type Corbeille struct {
	UserID      string                     `json:"user_id"`
	Role        tasks.Role                 `json:"role"`
	Buckets     map[string][]CorbeilleItem `json:"buckets"`
	Overdue     int                        `json:"overdue"`
	Critical    int                        `json:"critical"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

// CorbeilleStats summarizes a corbeille
type CorbeilleStats struct {
	UserID        string           `json:"user_id"`
	Role          tasks.Role       `json:"role"`
	Buckets       map[string]int   `json:"buckets"`
	Total         int              `json:"total"`
	Overdue       int              `json:"overdue"`
	Critical      int              `json:"critical"`
	AtRisk        int              `json:"at_risk"`
	PendingAmount *decimal.Decimal `json:"pending_amount,omitempty"`
}

// CorbeilleView materializes inboxes on demand
type CorbeilleView struct {
	agg       *Aggregator
	scorer    *Scorer
	directory Directory
	now       func() time.Time
}

// NewCorbeilleView creates a corbeille view. now defaults to time.Now.
func NewCorbeilleView(agg *Aggregator, scorer *Scorer, directory Directory, now func() time.Time) *CorbeilleView {
	if now == nil {
		now = time.Now
	}
	return &CorbeilleView{agg: agg, scorer: scorer, directory: directory, now: now}
}

// Get returns the corbeille of a user. Roles without an inbox get an empty one.
func (v *CorbeilleView) Get(ctx context.Context, userID string) (*Corbeille, error) {
	user, err := v.directory.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := v.now()
	c := &Corbeille{
		UserID:      user.ID,
		Role:        user.Role,
		Buckets:     map[string][]CorbeilleItem{},
		GeneratedAt: now,
	}

	switch user.Role {
	case tasks.RoleBureauOrdre:
		err = v.bureauOrdre(ctx, c, now)
	case tasks.RoleScan:
		err = v.scan(ctx, c, now)
	case tasks.RoleChefEquipe:
		err = v.teamLead(ctx, c, user, now)
	case tasks.RoleGestionnaire:
		err = v.assigned(ctx, c, user, nil, now)
	case tasks.RoleFinance:
		err = v.assigned(ctx, c, user, []tasks.Kind{tasks.KindOrdreVirement}, now)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Stats returns per-bucket counts and SLA tallies for a user's corbeille
func (v *CorbeilleView) Stats(ctx context.Context, userID string) (*CorbeilleStats, error) {
	c, err := v.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &CorbeilleStats{
		UserID:  c.UserID,
		Role:    c.Role,
		Buckets: make(map[string]int, len(c.Buckets)),
	}
	var amount decimal.Decimal
	for name, items := range c.Buckets {
		stats.Buckets[name] = len(items)
		stats.Total += len(items)
		if name == BucketCompletedRecently {
			continue
		}
		for _, it := range items {
			switch it.SLAStatus {
			case SLAOverdue:
				stats.Overdue++
			case SLACritical:
				stats.Critical++
			case SLAAtRisk:
				stats.AtRisk++
			}
			if it.Kind == tasks.KindOrdreVirement {
				amount = amount.Add(it.Amount)
			}
		}
	}
	if c.Role == tasks.RoleFinance {
		stats.PendingAmount = &amount
	}
	return stats, nil
}

func (v *CorbeilleView) pending(ctx context.Context, now time.Time) ([]tasks.Task, error) {
	list, err := v.agg.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending tasks: %w", err)
	}
	return v.scorer.Rank(list, now), nil
}

func (v *CorbeilleView) completed(ctx context.Context, since, now time.Time) ([]tasks.Task, error) {
	list, err := v.agg.CompletedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load completed tasks: %w", err)
	}
	return v.scorer.Rank(list, now), nil
}

func (v *CorbeilleView) bureauOrdre(ctx context.Context, c *Corbeille, now time.Time) error {
	list, err := v.pending(ctx, now)
	if err != nil {
		return err
	}
	for _, t := range list {
		if t.Kind == tasks.KindBordereau && t.Status == tasks.StatusEnAttente {
			c.add(BucketIntake, t, now)
		}
	}
	return nil
}

func (v *CorbeilleView) scan(ctx context.Context, c *Corbeille, now time.Time) error {
	list, err := v.pending(ctx, now)
	if err != nil {
		return err
	}
	since := now.Add(-scanRecentWindow)
	for _, t := range list {
		if t.Kind != tasks.KindBordereau {
			continue
		}
		switch t.Status {
		case tasks.StatusAScanner:
			c.add(BucketToScan, t, now)
		case tasks.StatusScanEnCours:
			c.add(BucketScanning, t, now)
		case tasks.StatusScanne:
			if !t.UpdatedAt.Before(since) {
				c.addCompleted(t, t.UpdatedAt)
			}
		}
	}
	return nil
}

func (v *CorbeilleView) teamLead(ctx context.Context, c *Corbeille, lead tasks.Handler, now time.Time) error {
	members, err := v.directory.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list team members: %w", err)
	}
	team := map[string]struct{}{lead.ID: {}}
	for _, m := range members {
		if m.TeamLeadID == lead.ID {
			team[m.ID] = struct{}{}
		}
	}
	inTeam := func(t tasks.Task) bool {
		if t.TeamID == lead.ID {
			return true
		}
		_, ok := team[t.AssignedHandlerID]
		return ok && t.AssignedHandlerID != ""
	}

	list, err := v.pending(ctx, now)
	if err != nil {
		return err
	}
	for _, t := range list {
		if !inTeam(t) {
			continue
		}
		if t.AssignedHandlerID == "" {
			c.add(BucketUnassigned, t, now)
		} else {
			c.add(BucketInProgress, t, now)
		}
	}

	done, err := v.completed(ctx, now.Add(-teamRecentWindow), now)
	if err != nil {
		return err
	}
	for _, t := range done {
		if !inTeam(t) {
			continue
		}
		completedAt := t.UpdatedAt
		if t.CompletedAt != nil {
			completedAt = *t.CompletedAt
		}
		c.addCompleted(t, completedAt)
	}
	return nil
}

func (v *CorbeilleView) assigned(ctx context.Context, c *Corbeille, user tasks.Handler, kinds []tasks.Kind, now time.Time) error {
	list, err := v.pending(ctx, now)
	if err != nil {
		return err
	}
	for _, t := range list {
		if t.AssignedHandlerID != user.ID || !kindIn(t.Kind, kinds) {
			continue
		}
		c.add(BucketAssigned, t, now)
	}
	return nil
}

func (c *Corbeille) add(bucket string, t tasks.Task, now time.Time) {
	status := StatusFor(t.DueDate, now)
	switch status {
	case SLAOverdue:
		c.Overdue++
	case SLACritical:
		c.Critical++
	}
	c.Buckets[bucket] = append(c.Buckets[bucket], CorbeilleItem{Task: t, SLAStatus: status})
}

func (c *Corbeille) addCompleted(t tasks.Task, completedAt time.Time) {
	c.Buckets[BucketCompletedRecently] = append(c.Buckets[BucketCompletedRecently], CorbeilleItem{
		Task:      t,
		SLAStatus: CompletedStatus(t.DueDate, completedAt),
	})
}

// kindIn reports whether kind is listed; an empty list matches every kind
func kindIn(kind tasks.Kind, kinds []tasks.Kind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
