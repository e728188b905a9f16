// Package scheduler runs the periodic workflow jobs. Every job is
// single-flight per name, and exclusive jobs additionally share one pool
// lock so they never overlap, in this process or across instances when the
// lock is distributed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrJobBusy is returned when the pool lock could not be taken
	ErrJobBusy = errors.New("job is already running")
	// ErrUnknownJob is returned for a job name that was never registered
	ErrUnknownJob = errors.New("unknown job")
)

// JobFunc is the body of a job. The result is handed back to manual triggers.
type JobFunc func(ctx context.Context) (any, error)

// Job is a named unit of periodic work
type Job struct {
	Name string
	// Schedule is a robfig/cron spec (e.g. "@every 30m"). Empty means manual only.
	Schedule string
	// Exclusive jobs hold the pool lock while running
	Exclusive bool
	Run       JobFunc
}

// Observer receives job outcomes
type Observer interface {
	ObserveRun(job, status string, d time.Duration)
	ObserveSkip(job string)
}

type nopObserver struct{}

func (nopObserver) ObserveRun(string, string, time.Duration) {}
func (nopObserver) ObserveSkip(string)                       {}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithObserver sets the job outcome observer
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithPollInterval sets how often manual triggers retry a held pool lock
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.pollInterval = d }
}

// WithLockKey sets the name of the shared pool lock
func WithLockKey(key string) Option {
	return func(s *Scheduler) { s.lockKey = key }
}

// Scheduler runs registered jobs on their cron schedules and on demand
type Scheduler struct {
	cron         *cron.Cron
	jobs         map[string]Job
	group        singleflight.Group
	locker       Locker
	observer     Observer
	pollInterval time.Duration
	lockKey      string

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler guarded by locker
func New(locker Locker, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:         cron.New(),
		jobs:         make(map[string]Job),
		locker:       locker,
		observer:     nopObserver{},
		pollInterval: 500 * time.Millisecond,
		lockKey:      "workflow:pool",
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job. Registering a name twice is an error.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already registered", job.Name)
	}

	if job.Schedule != "" {
		name := job.Name
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.tick(name) }); err != nil {
			return fmt.Errorf("invalid schedule for job %q: %w", job.Name, err)
		}
	}
	s.jobs[job.Name] = job

	slog.Info("job registered", "job", job.Name, "schedule", job.Schedule, "exclusive", job.Exclusive)
	return nil
}

// Jobs returns the registered job names in order
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs the cron loop until ctx is cancelled or Shutdown is called
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	s.cron.Start()
	slog.Info("scheduler started", "jobs", len(s.jobs))

	<-runCtx.Done()
	slog.Info("scheduler stopping")
	return runCtx.Err()
}

// Trigger runs a job now and returns its result. Exclusive jobs wait for
// the pool lock until it frees or ctx ends.
func (s *Scheduler) Trigger(ctx context.Context, name string) (any, error) {
	job, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	s.wg.Add(1)
	defer s.wg.Done()
	return s.run(ctx, job, true)
}

// tick is the cron entry point. It tries the pool lock once and skips on contention.
func (s *Scheduler) tick(name string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	if _, err := s.run(ctx, s.jobs[name], false); err != nil && !errors.Is(err, ErrJobBusy) {
		slog.Error("scheduled job failed", "job", name, "error", err)
	}
}

// run shares one execution per job name. A waiting caller that joined a
// cron tick which lost the pool lock runs again on its own instead of
// reporting the tick's skip.
func (s *Scheduler) run(ctx context.Context, job Job, wait bool) (any, error) {
	for {
		res, err, shared := s.group.Do(job.Name, func() (any, error) {
			return s.execute(ctx, job, wait)
		})
		if !shared {
			return res, err
		}
		slog.Debug("joined in-flight job run", "job", job.Name)
		if wait && errors.Is(err, ErrJobBusy) && ctx.Err() == nil {
			continue
		}
		return res, err
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job, wait bool) (any, error) {
	if job.Exclusive {
		unlock, err := s.acquire(ctx, wait)
		if err != nil {
			if errors.Is(err, ErrJobBusy) {
				s.observer.ObserveSkip(job.Name)
				slog.Info("job skipped, pool lock held", "job", job.Name)
			}
			return nil, err
		}
		defer unlock()
	}

	start := time.Now()
	res, err := job.Run(ctx)
	status := "success"
	if err != nil {
		status = "failed"
	}
	s.observer.ObserveRun(job.Name, status, time.Since(start))

	slog.Debug("job finished", "job", job.Name, "status", status, "duration", time.Since(start))
	return res, err
}

func (s *Scheduler) acquire(ctx context.Context, wait bool) (func(), error) {
	for {
		unlock, ok, err := s.locker.TryLock(ctx, s.lockKey)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire pool lock: %w", err)
		}
		if ok {
			return unlock, nil
		}
		if !wait {
			return nil, ErrJobBusy
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrJobBusy, ctx.Err())
		case <-time.After(s.pollInterval):
		}
	}
}

// Shutdown stops scheduling and waits for in-flight runs
func (s *Scheduler) Shutdown(ctx context.Context) error {
	slog.Info("initiating scheduler shutdown")

	stopped := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all jobs completed gracefully")
		return nil
	case <-ctx.Done():
		slog.Warn("shutdown timeout exceeded, abandoning running jobs")
		return ctx.Err()
	}
}
