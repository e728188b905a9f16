package tasks

// Role of a back-office user
type Role string

// Roles known to the workflow engine
const (
	RoleBureauOrdre  Role = "BUREAU_ORDRE"
	RoleScan         Role = "SCAN_TEAM"
	RoleChefEquipe   Role = "CHEF_EQUIPE"
	RoleGestionnaire Role = "GESTIONNAIRE"
	RoleFinance      Role = "FINANCE"
	RoleSuperAdmin   Role = "SUPER_ADMIN"
)

// Handler is a user who can be assigned tasks
type Handler struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        Role   `json:"role"`
	TeamLeadID  string `json:"team_lead_id,omitempty"`
	Active      bool   `json:"active"`
	Capacity    int    `json:"capacity"`
	CurrentLoad int    `json:"current_load"`
}
