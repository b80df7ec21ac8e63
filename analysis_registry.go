package statehistory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// AnalysisRegistry holds the analyses available to a project.
type AnalysisRegistry struct {
	executor *Executor

	mu       sync.RWMutex
	analyses map[string]Analysis
}

// NewAnalysisRegistry creates an empty registry whose builds run on x.
func NewAnalysisRegistry(x *Executor) *AnalysisRegistry {
	return &AnalysisRegistry{executor: x, analyses: make(map[string]Analysis)}
}

// Register adds a. Names must be unique.
func (r *AnalysisRegistry) Register(a Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.analyses[a.Name()]; dup {
		return fmt.Errorf("analysis %q already registered: %w", a.Name(), ErrInvalidArgument)
	}
	r.analyses[a.Name()] = a
	return nil
}

// Lookup returns the analysis called name.
func (r *AnalysisRegistry) Lookup(name string) (Analysis, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.analyses[name]
	return a, ok
}

// Names returns the registered names in sorted order.
func (r *AnalysisRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.analyses))
	for name := range r.analyses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecuteAll builds or reuses every registered analysis over project
// concurrently. The first failure cancels the remaining builds.
func (r *AnalysisRegistry) ExecuteAll(ctx context.Context, project *TraceProject) (map[string]StateSystemReader, error) {
	names := r.Names()
	results := make([]StateSystemReader, len(names))

	g, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		a, _ := r.Lookup(name)
		g.Go(func() error {
			ss, err := r.executor.Execute(ctx, a, project)
			if err != nil {
				return fmt.Errorf("analysis %s: %w", name, err)
			}
			results[i] = ss
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, ss := range results {
			if ss != nil {
				ss.Dispose()
			}
		}
		return nil, err
	}

	out := make(map[string]StateSystemReader, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out, nil
}
