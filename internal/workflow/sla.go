package workflow

import (
	"sort"
	"time"

	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// SLAStatus is the remaining-time classification shown in corbeilles
type SLAStatus string

// SLA statuses
const (
	SLAOnTime   SLAStatus = "ON_TIME"
	SLAAtRisk   SLAStatus = "AT_RISK"
	SLACritical SLAStatus = "CRITICAL"
	SLAOverdue  SLAStatus = "OVERDUE"
)

const (
	highFraction   = 0.75
	atRiskWindow   = 72 * time.Hour
	criticalWindow = 24 * time.Hour
)

// SLATable maps each task kind to its allowed processing duration
type SLATable map[tasks.Kind]time.Duration

// NewSLATable builds the table from hour thresholds
func NewSLATable(hours map[tasks.Kind]float64) SLATable {
	table := make(SLATable, len(hours))
	for kind, h := range hours {
		table[kind] = time.Duration(h * float64(time.Hour))
	}
	return table
}

// Threshold returns the allowed duration for a kind
func (t SLATable) Threshold(kind tasks.Kind) (time.Duration, bool) {
	d, ok := t[kind]
	return d, ok
}

// Scorer computes priority and due date from elapsed time against the SLA table
type Scorer struct {
	table     SLATable
	overrides *Overrides
}

// NewScorer creates a scorer. overrides may be nil.
func NewScorer(table SLATable, overrides *Overrides) *Scorer {
	return &Scorer{table: table, overrides: overrides}
}

// DueDate returns referenceDate + threshold. A zero reference date counts from now.
func (s *Scorer) DueDate(kind tasks.Kind, referenceDate, now time.Time) time.Time {
	if referenceDate.IsZero() {
		referenceDate = now
	}
	return referenceDate.Add(s.table[kind])
}

// PriorityFor classifies elapsed time against the kind's threshold
func (s *Scorer) PriorityFor(kind tasks.Kind, elapsed time.Duration) tasks.Priority {
	threshold := s.table[kind]
	switch {
	case elapsed > threshold:
		return tasks.PriorityCritical
	case float64(elapsed) > highFraction*float64(threshold):
		return tasks.PriorityHigh
	default:
		return tasks.PriorityMedium
	}
}

// Score fills DueDate and Priority on a task
func (s *Scorer) Score(t *tasks.Task, now time.Time) {
	if t.ReferenceDate.IsZero() {
		t.ReferenceDate = now
	}
	t.DueDate = t.ReferenceDate.Add(s.table[t.Kind])
	t.Priority = s.PriorityFor(t.Kind, now.Sub(t.ReferenceDate))
	t.PriorityOverridden = false
	if p, ok := s.overrides.Get(t.Key()); ok {
		t.Priority = p
		t.PriorityOverridden = true
	}
}

// Rank scores every task in place and sorts by priority desc, due date asc
func (s *Scorer) Rank(list []tasks.Task, now time.Time) []tasks.Task {
	for i := range list {
		s.Score(&list[i], now)
	}
	SortByUrgency(list)
	return list
}

// SortByUrgency orders tasks by priority desc, then earliest deadline.
// Kind and id break the remaining ties so runs are reproducible.
func SortByUrgency(list []tasks.Task) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.ID < b.ID
	})
}

// Overdue reports whether the task is past its due date
func Overdue(t tasks.Task, now time.Time) bool {
	return now.After(t.DueDate)
}

// StatusFor classifies remaining time before the due date
func StatusFor(due, now time.Time) SLAStatus {
	remaining := due.Sub(now)
	switch {
	case remaining < 0:
		return SLAOverdue
	case remaining <= criticalWindow:
		return SLACritical
	case remaining <= atRiskWindow:
		return SLAAtRisk
	default:
		return SLAOnTime
	}
}

// CompletedStatus classifies a finished task by whether it met its deadline
func CompletedStatus(due, completedAt time.Time) SLAStatus {
	if completedAt.After(due) {
		return SLAOverdue
	}
	return SLAOnTime
}

// SLAMet reports completedAt <= due
func SLAMet(completedAt, due time.Time) bool {
	return !completedAt.After(due)
}
