package tasks

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies which record store a task was derived from
type Kind string

// Kinds of work items tracked by the workflow engine
const (
	KindBordereau     Kind = "BORDEREAU"
	KindBulletinSoin  Kind = "BULLETIN_SOIN"
	KindReclamation   Kind = "RECLAMATION"
	KindOrdreVirement Kind = "ORDRE_VIREMENT"
)

// Kinds lists every task kind in aggregation order
var Kinds = []Kind{KindBordereau, KindBulletinSoin, KindReclamation, KindOrdreVirement}

// Valid reports whether k is one of the four known kinds
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Priority is the urgency tier of a task. Higher values are more urgent.
type Priority int

// Priority tiers
const (
	PriorityMedium Priority = iota + 1
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the priority by name
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, ok := ParsePriority(string(text))
	if !ok {
		return &PriorityError{Value: string(text)}
	}
	*p = parsed
	return nil
}

// ParsePriority converts a priority name to its tier
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "MEDIUM":
		return PriorityMedium, true
	case "HIGH":
		return PriorityHigh, true
	case "CRITICAL":
		return PriorityCritical, true
	}
	return 0, false
}

// PriorityError reports an unrecognised priority name
type PriorityError struct {
	Value string
}

func (e *PriorityError) Error() string {
	return "invalid priority: " + e.Value
}

// Task is a work item derived from one of the four record stores.
// It has no identity beyond ID+Kind and is recomputed on every pass.
type Task struct {
	ID                 string          `json:"id"`
	Kind               Kind            `json:"kind"`
	Reference          string          `json:"reference"`
	Status             string          `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	ReferenceDate      time.Time       `json:"reference_date"`
	DueDate            time.Time       `json:"due_date"`
	Priority           Priority        `json:"priority"`
	PriorityOverridden bool            `json:"priority_overridden,omitempty"`
	AssignedHandlerID  string          `json:"assigned_handler_id,omitempty"`
	TeamID             string          `json:"team_id,omitempty"`
	Terminal           bool            `json:"terminal,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	Amount             decimal.Decimal `json:"amount"`
}

// Key identifies a task across kinds
func (t Task) Key() string {
	return KeyOf(t.Kind, t.ID)
}

// KeyOf builds the cross-kind key of a task. Ids are only unique within a kind.
func KeyOf(kind Kind, id string) string {
	return string(kind) + ":" + id
}

// Business statuses of the source records
const (
	// Bordereau
	StatusEnAttente   = "EN_ATTENTE"
	StatusAScanner    = "A_SCANNER"
	StatusScanEnCours = "SCAN_EN_COURS"
	StatusScanne      = "SCANNE"
	StatusAAffecter   = "A_AFFECTER"
	StatusAssigne     = "ASSIGNE"
	StatusEnCours     = "EN_COURS"
	StatusTraite      = "TRAITE"
	StatusCloture     = "CLOTURE"

	// Bulletin de soin
	StatusBSEnCours  = "IN_PROGRESS"
	StatusBSValidate = "VALIDATED"
	StatusBSRejete   = "REJECTED"

	// Reclamation
	StatusReclamationOuverte = "OUVERTE"
	StatusReclamationEnCours = "EN_COURS"
	StatusReclamationResolue = "RESOLUE"
	StatusReclamationFermee  = "FERMEE"

	// Ordre de virement
	StatusOVEnAttente = "EN_ATTENTE"
	StatusOVValide    = "VALIDE"
	StatusOVExecute   = "EXECUTE"
	StatusOVRejete    = "REJETE"
)
