package workflow

import (
	"sync"

	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// Overrides holds manual priority overrides keyed by tasks.Task.Key.
// They live in memory only and are lost on restart.
type Overrides struct {
	mu    sync.RWMutex
	byKey map[string]tasks.Priority
}

// NewOverrides creates an empty override table
func NewOverrides() *Overrides {
	return &Overrides{byKey: make(map[string]tasks.Priority)}
}

// Set records an override
func (o *Overrides) Set(key string, p tasks.Priority) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byKey[key] = p
}

// Clear removes an override, returning whether one existed
func (o *Overrides) Clear(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.byKey[key]
	delete(o.byKey, key)
	return ok
}

// Get returns the override for a task, if any
func (o *Overrides) Get(key string) (tasks.Priority, bool) {
	if o == nil {
		return 0, false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.byKey[key]
	return p, ok
}
