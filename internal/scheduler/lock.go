package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Locker guards the shared handler pool. TryLock never blocks on a held
// lock: it returns ok=false instead. The returned unlock func is safe to
// call more than once.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// MemoryLocker is an in-process Locker for single-instance deployments
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// TryLock takes key if it is free
func (l *MemoryLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.held, key)
		})
	}, true, nil
}

// keepAlive calls renew every ttl/2 until the returned stop func is called.
// A failed renewal is logged; the lease then simply expires.
func keepAlive(ttl time.Duration, key string, renew func(ctx context.Context) error) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := renew(ctx); err != nil && ctx.Err() == nil {
					slog.Error("failed to renew lock lease", "key", key, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
