package statehistory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	analysisDirectory = "analyses"
	projectsDirectory = "projects"
	historyFileSuffix = ".ht"
	sqliteFileSuffix  = ".db"
	tracerName        = "github.com/chronicle-db/statehistory"
)

// Analysis turns the events of a project into a state history.
type Analysis interface {
	// Name identifies the analysis and names its artifact.
	Name() string
	// ProviderVersion is bumped whenever HandleEvent changes what it writes;
	// histories built by another version are rebuilt.
	ProviderVersion() int
	// FilterTraces selects the traces the analysis reads.
	FilterTraces(project *TraceProject) *TraceCollection
	// TrackedState returns fresh per-build scratch state handed to every
	// HandleEvent call.
	TrackedState() []any
	HandleEvent(ss StateSystemWriter, e *Event, tracked []any) error
}

// AnalysisArtifactKey is the artifact key of the history built by the
// analysis called name, in a store rooted at the project directory.
func AnalysisArtifactKey(name string) string {
	return path.Join(analysisDirectory, name+historyFileSuffix)
}

// SharedAnalysisArtifactKey is the artifact key of the history built by the
// analysis called name over project, in a store shared by several projects.
func SharedAnalysisArtifactKey(project *TraceProject, name string) string {
	return path.Join(projectsDirectory, ProjectID(project).String(), AnalysisArtifactKey(name))
}

// ProjectID derives a stable identifier from the project directory, or
// from its name when the project has no directory.
func ProjectID(project *TraceProject) uuid.UUID {
	if project.Directory == "" {
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte("project:"+project.Name))
	}
	dir, err := filepath.Abs(project.Directory)
	if err != nil {
		dir = filepath.Clean(project.Directory)
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(dir)))
}

// Executor builds analyses or reuses their stored histories.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	group  singleflight.Group

	mu     sync.Mutex
	stores map[string]ArtifactStore // by directory
}

// NewExecutor validates cfg and returns an executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{
		cfg:    cfg,
		logger: cfg.logger(),
		tracer: otel.Tracer(tracerName),
		stores: make(map[string]ArtifactStore),
	}, nil
}

// Close releases the artifact stores opened by the executor.
func (x *Executor) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	var errs []error
	for dir, s := range x.stores {
		errs = append(errs, s.Close())
		delete(x.stores, dir)
	}
	return errors.Join(errs...)
}

func (x *Executor) storeFor(ctx context.Context, project *TraceProject) (ArtifactStore, error) {
	dir := x.cfg.Artifacts.Dir
	if dir == "" {
		dir = project.Directory
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if s, ok := x.stores[dir]; ok {
		return s, nil
	}
	s, err := NewArtifactStore(ctx, x.cfg, dir)
	if err != nil {
		return nil, err
	}
	x.stores[dir] = s
	return s, nil
}

// sharedArtifacts reports whether one artifact store serves every project,
// in which case artifact keys carry the project.
func (x *Executor) sharedArtifacts() bool {
	if x.cfg.Artifacts.Dir != "" {
		return true
	}
	switch x.cfg.Artifacts.Store {
	case ArtifactStoreS3, ArtifactStoreTiered:
		return true
	}
	return false
}

func (x *Executor) artifactKey(a Analysis, project *TraceProject) string {
	if x.sharedArtifacts() {
		return SharedAnalysisArtifactKey(project, a.Name())
	}
	return AnalysisArtifactKey(a.Name())
}

// Execute returns the state system of analysis a over project. A stored
// history built by the same provider version is reused without reading any
// event; otherwise the history is built from the project's traces.
//
// Concurrent calls for the same analysis and project share one build and
// receive the same state system, so disposing it disposes it for every
// caller. The context of the call that started the build governs it.
func (x *Executor) Execute(ctx context.Context, a Analysis, project *TraceProject) (StateSystemReader, error) {
	key := ProjectID(project).String() + "\x00" + a.Name()
	v, err, _ := x.group.Do(key, func() (any, error) {
		return x.execute(ctx, a, project)
	})
	if err != nil {
		return nil, err
	}
	return v.(*StateSystem), nil
}

func (x *Executor) execute(ctx context.Context, a Analysis, project *TraceProject) (*StateSystem, error) {
	ctx, span := x.tracer.Start(ctx, "statehistory.Executor.Execute",
		trace.WithAttributes(
			attribute.String("analysis", a.Name()),
			attribute.Int("provider_version", a.ProviderVersion()),
			attribute.String("backend", string(x.cfg.Backend)),
		),
	)
	defer span.End()

	backend, reused, err := x.openBackend(ctx, a, project)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open backend")
		return nil, err
	}

	if reused {
		ss, err := NewStateSystem(backend, false, WithLogger(x.logger))
		if err == nil {
			span.SetAttributes(attribute.Bool("reused", true))
			x.logger.Debug("reusing analysis history", "analysis", a.Name(), "project", project.Name)
			return ss, nil
		}
		x.logger.Warn("stored history is unusable, rebuilding", "analysis", a.Name(), "err", err)
		if rmErr := backend.RemoveFiles(); rmErr != nil {
			x.logger.Warn("failed to remove stale history", "analysis", a.Name(), "err", rmErr)
		}
		backend.Dispose()
		if backend, err = x.newBackend(ctx, a, project); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}
	span.SetAttributes(attribute.Bool("reused", false))

	ss, err := NewStateSystem(backend, true, WithLogger(x.logger))
	if err != nil {
		backend.Dispose()
		return nil, err
	}
	if err := x.build(ctx, a, project, ss); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build")
		ss.Dispose()
		return nil, fmt.Errorf("build %s: %w", a.Name(), err)
	}
	return ss, nil
}

// openBackend opens the stored history of a, or starts a new one.
func (x *Executor) openBackend(ctx context.Context, a Analysis, project *TraceProject) (HistoryBackend, bool, error) {
	switch x.cfg.Backend {
	case BackendHistoryFile, "":
		store, err := x.storeFor(ctx, project)
		if err != nil {
			return nil, false, err
		}
		key := x.artifactKey(a, project)
		exists, err := store.Exists(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if exists {
			b, err := OpenHistoryFileBackend(ctx, store, key, a.ProviderVersion(), x.cfg.historyFileOptions())
			if err == nil {
				return b, true, nil
			}
			x.logger.Warn("cannot open stored history, rebuilding", "analysis", a.Name(), "key", key, "err", err)
			if err := store.Delete(ctx, key); err != nil {
				return nil, false, fmt.Errorf("remove stale history: %w", err)
			}
		}

	case BackendSQLite:
		cfg := x.sqliteConfig(a, project)
		if _, err := os.Stat(cfg.Path); err == nil {
			b, err := OpenSQLiteBackend(cfg, a.ProviderVersion())
			if err == nil {
				b.SetLogger(x.logger)
				return b, true, nil
			}
			x.logger.Warn("cannot open stored history, rebuilding", "analysis", a.Name(), "path", cfg.Path, "err", err)
			if err := removeSQLiteFiles(cfg.Path); err != nil {
				return nil, false, fmt.Errorf("remove stale history: %w", err)
			}
		}
	}
	b, err := x.newBackend(ctx, a, project)
	return b, false, err
}

func (x *Executor) newBackend(ctx context.Context, a Analysis, project *TraceProject) (HistoryBackend, error) {
	start := project.StartTime()
	switch x.cfg.Backend {
	case BackendMemory:
		return NewMemoryBackend(a.Name(), start), nil
	case BackendSQLite:
		cfg := x.sqliteConfig(a, project)
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create analysis directory: %w", err)
		}
		b, err := NewSQLiteBackend(cfg, a.Name(), start, a.ProviderVersion())
		if err != nil {
			return nil, err
		}
		b.SetLogger(x.logger)
		return b, nil
	default:
		store, err := x.storeFor(ctx, project)
		if err != nil {
			return nil, err
		}
		return NewHistoryFileBackend(store, x.artifactKey(a, project), a.Name(), start,
			a.ProviderVersion(), x.cfg.historyFileOptions())
	}
}

func (x *Executor) sqliteConfig(a Analysis, project *TraceProject) SQLiteConfig {
	cfg := x.cfg.SQLite
	cfg.Path = filepath.Join(project.Directory, analysisDirectory, a.Name()+sqliteFileSuffix)
	return cfg.withDefaults()
}

func removeSQLiteFiles(path string) error {
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// build feeds every event selected by a into ss and closes the history at
// the last event.
func (x *Executor) build(ctx context.Context, a Analysis, project *TraceProject, ss *StateSystem) error {
	ctx, span := x.tracer.Start(ctx, "statehistory.Executor.build")
	defer span.End()

	traces := a.FilterTraces(project)
	if traces == nil {
		traces = NewTraceCollection()
	}
	cursor, err := traces.NewCursor()
	if err != nil {
		return err
	}
	defer cursor.Close()

	interval := x.cfg.Build.CancelCheckInterval
	if interval <= 0 {
		interval = 1024
	}
	tracked := a.TrackedState()
	last := ss.StartTime()
	var n int64
	for cursor.HasNext() {
		e, err := cursor.Next()
		if err != nil {
			return err
		}
		if err := a.HandleEvent(ss, e, tracked); err != nil {
			return fmt.Errorf("event %s: %w", e, err)
		}
		last = max(last, e.Timestamp)
		n++
		if n%int64(interval) == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	span.SetAttributes(attribute.Int64("events", n))
	x.logger.Debug("analysis built", "analysis", a.Name(), "events", n, "end", last)
	return ss.CloseHistory(last)
}

// BuildFuture is the pending result of ExecuteAsync.
type BuildFuture struct {
	done chan struct{}
	ss   StateSystemReader
	err  error
}

// ExecuteAsync runs Execute on a new goroutine. Cancelling ctx aborts the
// build.
func (x *Executor) ExecuteAsync(ctx context.Context, a Analysis, project *TraceProject) *BuildFuture {
	f := &BuildFuture{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.ss, f.err = x.Execute(ctx, a, project)
	}()
	return f
}

// Done is closed once the build has finished or failed.
func (f *BuildFuture) Done() <-chan struct{} { return f.done }

// Wait blocks until the build completes or ctx is done.
func (f *BuildFuture) Wait(ctx context.Context) (StateSystemReader, error) {
	select {
	case <-f.done:
		return f.ss, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EventCounterAnalysis counts the events of every trace in the "count"
// attribute.
type EventCounterAnalysis struct{}

const eventCounterAttribute = "count"

func (EventCounterAnalysis) Name() string         { return "event-counter" }
func (EventCounterAnalysis) ProviderVersion() int { return 1 }
func (EventCounterAnalysis) TrackedState() []any  { return nil }

func (EventCounterAnalysis) FilterTraces(project *TraceProject) *TraceCollection {
	return NewTraceCollection(project.Traces()...)
}

func (EventCounterAnalysis) HandleEvent(ss StateSystemWriter, e *Event, _ []any) error {
	q, err := ss.QuarkAbsoluteAndAdd(eventCounterAttribute)
	if err != nil {
		return err
	}
	return ss.IncrementAttribute(e.Timestamp, q)
}
