package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// Config holds the workflow engine configuration
type Config struct {
	// SLA thresholds in hours per task kind
	SLAHours map[tasks.Kind]float64 `yaml:"sla_hours"`

	// Capacity ceilings per role (default applies to unlisted roles)
	RoleCapacity    map[tasks.Role]int `yaml:"role_capacity"`
	DefaultCapacity int                `yaml:"default_capacity"`

	// Roles allowed to work each task kind
	KindRoles map[tasks.Kind][]tasks.Role `yaml:"kind_roles"`

	// Oracle
	OracleURL     string        `yaml:"oracle_url"`
	OracleTimeout time.Duration `yaml:"oracle_timeout"` // default: 5s

	// Job schedules (robfig/cron spec strings)
	AutoAssignSchedule string `yaml:"auto_assign_schedule"` // default: @every 30m
	SLASweepSchedule   string `yaml:"sla_sweep_schedule"`   // default: @every 1h
	DigestSchedule     string `yaml:"digest_schedule"`      // default: @daily

	// Monitor
	AlertCooldown time.Duration `yaml:"alert_cooldown"` // default: 6h
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		SLAHours: map[tasks.Kind]float64{
			tasks.KindBordereau:     24,
			tasks.KindBulletinSoin:  48,
			tasks.KindReclamation:   72,
			tasks.KindOrdreVirement: 36,
		},
		RoleCapacity: map[tasks.Role]int{
			tasks.RoleScan:         50,
			tasks.RoleBureauOrdre:  40,
			tasks.RoleFinance:      30,
			tasks.RoleGestionnaire: 20,
			tasks.RoleChefEquipe:   10,
		},
		DefaultCapacity: 15,
		KindRoles: map[tasks.Kind][]tasks.Role{
			tasks.KindBordereau:     {tasks.RoleScan},
			tasks.KindBulletinSoin:  {tasks.RoleGestionnaire},
			tasks.KindReclamation:   {tasks.RoleGestionnaire, tasks.RoleChefEquipe},
			tasks.KindOrdreVirement: {tasks.RoleFinance},
		},
		OracleTimeout:      5 * time.Second,
		AutoAssignSchedule: "@every 30m",
		SLASweepSchedule:   "@every 1h",
		DigestSchedule:     "@daily",
		AlertCooldown:      6 * time.Hour,
	}
}

// LoadConfigFile reads a YAML file and merges it over the defaults.
// Tables present in the file replace the default entry by entry.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.merge(&file)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) merge(o *Config) {
	for kind, hours := range o.SLAHours {
		c.SLAHours[kind] = hours
	}
	for role, capacity := range o.RoleCapacity {
		c.RoleCapacity[role] = capacity
	}
	for kind, roles := range o.KindRoles {
		c.KindRoles[kind] = roles
	}
	if o.DefaultCapacity > 0 {
		c.DefaultCapacity = o.DefaultCapacity
	}
	if o.OracleURL != "" {
		c.OracleURL = o.OracleURL
	}
	if o.OracleTimeout > 0 {
		c.OracleTimeout = o.OracleTimeout
	}
	if o.AutoAssignSchedule != "" {
		c.AutoAssignSchedule = o.AutoAssignSchedule
	}
	if o.SLASweepSchedule != "" {
		c.SLASweepSchedule = o.SLASweepSchedule
	}
	if o.DigestSchedule != "" {
		c.DigestSchedule = o.DigestSchedule
	}
	if o.AlertCooldown > 0 {
		c.AlertCooldown = o.AlertCooldown
	}
}

// Validate checks that every kind has a positive SLA threshold
func (c *Config) Validate() error {
	for _, kind := range tasks.Kinds {
		if c.SLAHours[kind] <= 0 {
			return fmt.Errorf("config: sla_hours for %s must be positive", kind)
		}
	}
	for kind := range c.SLAHours {
		if !kind.Valid() {
			return fmt.Errorf("config: %w: %s", ErrUnknownKind, kind)
		}
	}
	if c.DefaultCapacity <= 0 {
		return fmt.Errorf("config: default_capacity must be positive")
	}
	return nil
}
