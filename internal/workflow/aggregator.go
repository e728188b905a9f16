package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// Aggregator unifies the four record stores into a single task list
type Aggregator struct {
	sources map[tasks.Kind]Source
}

// NewAggregator registers one source per kind. Registering the same kind
// twice or an unknown kind is an error.
func NewAggregator(sources ...Source) (*Aggregator, error) {
	a := &Aggregator{sources: make(map[tasks.Kind]Source, len(sources))}
	for _, src := range sources {
		kind := src.Kind()
		if !kind.Valid() {
			return nil, fmt.Errorf("aggregator: %w: %s", ErrUnknownKind, kind)
		}
		if _, dup := a.sources[kind]; dup {
			return nil, fmt.Errorf("aggregator: duplicate source for %s", kind)
		}
		a.sources[kind] = src
	}
	return a, nil
}

// Source returns the source registered for a kind
func (a *Aggregator) Source(kind tasks.Kind) (Source, error) {
	src, ok := a.sources[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return src, nil
}

// Pending returns every non-terminal task across all kinds, ordered by kind then id
func (a *Aggregator) Pending(ctx context.Context) ([]tasks.Task, error) {
	return a.collect(ctx, func(ctx context.Context, src Source) ([]tasks.Task, error) {
		return src.Pending(ctx)
	})
}

// CompletedSince returns tasks that reached a terminal status at or after since
func (a *Aggregator) CompletedSince(ctx context.Context, since time.Time) ([]tasks.Task, error) {
	return a.collect(ctx, func(ctx context.Context, src Source) ([]tasks.Task, error) {
		return src.CompletedSince(ctx, since)
	})
}

// Find looks a task up by id. An empty kind searches every kind and
// returns ErrAmbiguousTask when the id exists in more than one.
func (a *Aggregator) Find(ctx context.Context, kind tasks.Kind, taskID string) (tasks.Task, error) {
	if kind != "" {
		src, err := a.Source(kind)
		if err != nil {
			return tasks.Task{}, err
		}
		return src.Get(ctx, taskID)
	}

	var matches []tasks.Task
	for _, k := range tasks.Kinds {
		src, ok := a.sources[k]
		if !ok {
			continue
		}
		t, err := src.Get(ctx, taskID)
		if err == nil {
			matches = append(matches, t)
			continue
		}
		if !isNotFound(err) {
			return tasks.Task{}, err
		}
	}

	switch len(matches) {
	case 0:
		return tasks.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	case 1:
		return matches[0], nil
	default:
		kinds := make([]string, len(matches))
		for i, t := range matches {
			kinds[i] = string(t.Kind)
		}
		return tasks.Task{}, fmt.Errorf("%w: %s exists as %s", ErrAmbiguousTask, taskID, strings.Join(kinds, ", "))
	}
}

func (a *Aggregator) collect(ctx context.Context, fetch func(context.Context, Source) ([]tasks.Task, error)) ([]tasks.Task, error) {
	results := make([][]tasks.Task, len(tasks.Kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range tasks.Kinds {
		src, ok := a.sources[kind]
		if !ok {
			continue
		}
		i, kind, src := i, kind, src
		g.Go(func() error {
			list, err := fetch(gctx, src)
			if err != nil {
				return fmt.Errorf("failed to fetch %s tasks: %w", kind, err)
			}
			results[i] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []tasks.Task
	for _, list := range results {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		all = append(all, list...)
	}
	return all, nil
}
