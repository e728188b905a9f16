package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// CapacityTracker computes handler load against role ceilings
type CapacityTracker struct {
	byRole    map[tasks.Role]int
	fallback  int
	kindRoles map[tasks.Kind][]tasks.Role
	directory Directory
	store     AssignmentStore
}

// NewCapacityTracker builds a tracker from the configured tables
func NewCapacityTracker(cfg *Config, directory Directory, store AssignmentStore) *CapacityTracker {
	return &CapacityTracker{
		byRole:    cfg.RoleCapacity,
		fallback:  cfg.DefaultCapacity,
		kindRoles: cfg.KindRoles,
		directory: directory,
		store:     store,
	}
}

// Capacity returns the ceiling for a role
func (c *CapacityTracker) Capacity(role tasks.Role) int {
	if n, ok := c.byRole[role]; ok {
		return n
	}
	return c.fallback
}

// CanTake reports whether the handler has spare capacity
func CanTake(h tasks.Handler) bool {
	return h.CurrentLoad < h.Capacity
}

// Capable reports whether a role may work a task kind
func (c *CapacityTracker) Capable(role tasks.Role, kind tasks.Kind) bool {
	for _, r := range c.kindRoles[kind] {
		if r == role {
			return true
		}
	}
	return false
}

// Pool returns every active handler with capacity and current load filled in,
// sorted by id
func (c *CapacityTracker) Pool(ctx context.Context) ([]tasks.Handler, error) {
	handlers, err := c.directory.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list handlers: %w", err)
	}
	load, err := c.store.ActiveLoad(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute load: %w", err)
	}

	for i := range handlers {
		handlers[i].Capacity = c.Capacity(handlers[i].Role)
		handlers[i].CurrentLoad = load[handlers[i].ID]
	}
	sort.Slice(handlers, func(i, j int) bool { return handlers[i].ID < handlers[j].ID })
	return handlers, nil
}

// Handler resolves a single handler with capacity and load filled in
func (c *CapacityTracker) Handler(ctx context.Context, id string) (tasks.Handler, error) {
	h, err := c.directory.Get(ctx, id)
	if err != nil {
		return tasks.Handler{}, err
	}
	load, err := c.store.ActiveLoad(ctx)
	if err != nil {
		return tasks.Handler{}, fmt.Errorf("failed to compute load: %w", err)
	}
	h.Capacity = c.Capacity(h.Role)
	h.CurrentLoad = load[h.ID]
	return h, nil
}
