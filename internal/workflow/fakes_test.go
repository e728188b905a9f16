package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/claims-workflow/internal/events"
	"github.com/yourusername/claims-workflow/internal/oracle"
	"github.com/yourusername/claims-workflow/pkg/tasks"
)

var baseTime = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

// memSource is an in-memory record store for one kind
type memSource struct {
	kind    tasks.Kind
	mu      sync.Mutex
	records map[string]tasks.Task
	// assignErr makes every SetAssignee fail
	assignErr error
}

func newMemSource(kind tasks.Kind) *memSource {
	return &memSource{kind: kind, records: make(map[string]tasks.Task)}
}

func (s *memSource) Kind() tasks.Kind { return s.kind }

func (s *memSource) put(t tasks.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Kind = s.kind
	s.records[t.ID] = t
}

func (s *memSource) Pending(context.Context) ([]tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []tasks.Task
	for _, t := range s.records {
		if !t.Terminal {
			list = append(list, t)
		}
	}
	return list, nil
}

func (s *memSource) CompletedSince(_ context.Context, since time.Time) ([]tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []tasks.Task
	for _, t := range s.records {
		if t.Terminal && t.CompletedAt != nil && !t.CompletedAt.Before(since) {
			list = append(list, t)
		}
	}
	return list, nil
}

func (s *memSource) Get(_ context.Context, id string) (tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.records[id]
	if !ok {
		return tasks.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

func (s *memSource) SetAssignee(_ context.Context, id, handlerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assignErr != nil {
		return s.assignErr
	}
	t, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.AssignedHandlerID = handlerID
	s.records[id] = t
	return nil
}

// memStore is an in-memory AssignmentStore
type memStore struct {
	mu          sync.Mutex
	assignments map[string]tasks.Assignment
	history     map[string][]tasks.HistoryEntry
	creates     int
}

func newMemStore() *memStore {
	return &memStore{
		assignments: make(map[string]tasks.Assignment),
		history:     make(map[string][]tasks.HistoryEntry),
	}
}

func (s *memStore) Create(_ context.Context, a tasks.Assignment, entry tasks.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.assignments {
		if other.TaskKind == a.TaskKind && other.TaskID == a.TaskID && other.Status.Active() {
			return fmt.Errorf("duplicate active assignment for %s", a.TaskID)
		}
	}
	s.assignments[a.ID] = a
	s.history[a.ID] = append(s.history[a.ID], entry)
	s.creates++
	return nil
}

func (s *memStore) Update(_ context.Context, a tasks.Assignment, entry tasks.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assignments[a.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrAssignmentNotFound, a.ID)
	}
	s.assignments[a.ID] = a
	s.history[a.ID] = append(s.history[a.ID], entry)
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (tasks.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return tasks.Assignment{}, fmt.Errorf("%w: %s", ErrAssignmentNotFound, id)
	}
	return a, nil
}

func (s *memStore) List(_ context.Context, f AssignmentFilter) ([]tasks.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := []tasks.Assignment{}
	for _, a := range s.assignments {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.AssigneeID != "" && a.AssigneeID != f.AssigneeID {
			continue
		}
		if f.TaskID != "" && a.TaskID != f.TaskID {
			continue
		}
		if f.ActiveOnly && !a.Status.Active() {
			continue
		}
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (s *memStore) ActiveForTask(_ context.Context, kind tasks.Kind, taskID string) (tasks.Assignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assignments {
		if a.TaskKind == kind && a.TaskID == taskID && a.Status.Active() {
			return a, true, nil
		}
	}
	return tasks.Assignment{}, false, nil
}

func (s *memStore) ListForTask(_ context.Context, kind tasks.Kind, taskID string) ([]tasks.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []tasks.Assignment
	for _, a := range s.assignments {
		if a.TaskKind == kind && a.TaskID == taskID {
			list = append(list, a)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].AssignedAt.Before(list[j].AssignedAt) })
	return list, nil
}

func (s *memStore) ActiveLoad(context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	load := make(map[string]int)
	for _, a := range s.assignments {
		if a.Status.Active() {
			load[a.AssigneeID]++
		}
	}
	return load, nil
}

func (s *memStore) History(_ context.Context, id string) ([]tasks.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tasks.HistoryEntry(nil), s.history[id]...), nil
}

func (s *memStore) historyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entries := range s.history {
		n += len(entries)
	}
	return n
}

// memDirectory is an in-memory Directory
type memDirectory struct {
	handlers map[string]tasks.Handler
}

func (d *memDirectory) Get(_ context.Context, id string) (tasks.Handler, error) {
	h, ok := d.handlers[id]
	if !ok {
		return tasks.Handler{}, fmt.Errorf("%w: %s", ErrHandlerNotFound, id)
	}
	return h, nil
}

func (d *memDirectory) ListActive(context.Context) ([]tasks.Handler, error) {
	var list []tasks.Handler
	for _, h := range d.handlers {
		if h.Active {
			list = append(list, h)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (d *memDirectory) ListByRole(_ context.Context, role tasks.Role) ([]tasks.Handler, error) {
	var list []tasks.Handler
	for _, h := range d.handlers {
		if h.Role == role {
			list = append(list, h)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

// recorder captures published events
type recorder struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.err
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// oracleFunc adapts a function to the Oracle interface
type oracleFunc func(ctx context.Context, list []oracle.Task) ([]oracle.Hint, error)

func (f oracleFunc) Suggest(ctx context.Context, list []oracle.Task) ([]oracle.Hint, error) {
	return f(ctx, list)
}

// harness wires an engine over in-memory fakes with a controllable clock
type harness struct {
	now       time.Time
	cfg       *Config
	sources   map[tasks.Kind]*memSource
	store     *memStore
	dir       *memDirectory
	pub       *recorder
	overrides *Overrides
	engine    *Engine
	monitor   *Monitor
	service   *Service
}

func newHarness(t *testing.T, opts ...EngineOption) *harness {
	t.Helper()

	h := &harness{
		now:       baseTime,
		cfg:       DefaultConfig(),
		sources:   make(map[tasks.Kind]*memSource),
		store:     newMemStore(),
		dir:       &memDirectory{handlers: make(map[string]tasks.Handler)},
		pub:       &recorder{},
		overrides: NewOverrides(),
	}

	var sources []Source
	for _, kind := range tasks.Kinds {
		src := newMemSource(kind)
		h.sources[kind] = src
		sources = append(sources, src)
	}
	agg, err := NewAggregator(sources...)
	if err != nil {
		t.Fatalf("failed to build aggregator: %v", err)
	}

	scorer := NewScorer(NewSLATable(h.cfg.SLAHours), h.overrides)
	capacity := NewCapacityTracker(h.cfg, h.dir, h.store)

	all := append([]EngineOption{
		WithPublisher(h.pub),
		WithClock(func() time.Time { return h.now }),
	}, opts...)
	h.engine = NewEngine(h.cfg, agg, scorer, capacity, h.store, all...)
	h.monitor = NewMonitor(h.engine, h.dir)
	h.service = NewService(h.engine, h.monitor, h.dir, h.overrides)
	return h
}

// addTask stores a pending task whose reference date is age before now
func (h *harness) addTask(kind tasks.Kind, id string, age time.Duration, mods ...func(*tasks.Task)) tasks.Task {
	t := tasks.Task{
		ID:            id,
		Kind:          kind,
		Reference:     "REF-" + id,
		Status:        "EN_ATTENTE",
		CreatedAt:     h.now.Add(-age),
		UpdatedAt:     h.now.Add(-age),
		ReferenceDate: h.now.Add(-age),
	}
	for _, mod := range mods {
		mod(&t)
	}
	h.sources[kind].put(t)
	return t
}

func (h *harness) addHandler(id string, role tasks.Role, lead string) {
	h.dir.handlers[id] = tasks.Handler{ID: id, Name: id, Role: role, TeamLeadID: lead, Active: true}
}

func (h *harness) task(kind tasks.Kind, id string) tasks.Task {
	t, _ := h.sources[kind].Get(context.Background(), id)
	return t
}

func strPtr(s string) *string { return &s }

func statusPtr(s tasks.AssignmentStatus) *tasks.AssignmentStatus { return &s }
