package statehistory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chronicle-db/statehistory/internal/testutil"
)

// countingAnalysis counts events like EventCounterAnalysis and records how
// many events it handled.
type countingAnalysis struct {
	name    string
	version int
	handled atomic.Int64
	failAt  Time
}

func (a *countingAnalysis) Name() string         { return a.name }
func (a *countingAnalysis) ProviderVersion() int { return a.version }
func (a *countingAnalysis) TrackedState() []any  { return []any{new(int)} }

func (a *countingAnalysis) FilterTraces(project *TraceProject) *TraceCollection {
	return NewTraceCollection(project.Traces()...)
}

func (a *countingAnalysis) HandleEvent(ss StateSystemWriter, e *Event, tracked []any) error {
	if a.failAt > 0 && e.Timestamp == a.failAt {
		return errors.New("bad event")
	}
	a.handled.Add(1)
	seen := tracked[0].(*int)
	*seen++

	q, err := ss.QuarkAbsoluteAndAdd("count")
	if err != nil {
		return err
	}
	if err := ss.IncrementAttribute(e.Timestamp, q); err != nil {
		return err
	}
	cq, err := ss.QuarkAbsoluteAndAdd("sources", e.Source)
	if err != nil {
		return err
	}
	return ss.ModifyAttribute(e.Timestamp, cq, IntValue(int32(*seen)))
}

func newTestProject(t *testing.T) *TraceProject {
	t.Helper()
	return NewTraceProject("test", t.TempDir(), NewTraceCollection(
		NewTrace("even", NewSliceSource(testEvents("even", 2, 4, 6, 8, 10))),
		NewTrace("odd", NewSliceSource(testEvents("odd", 3, 5, 7, 9))),
	))
}

func newTestExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	x, err := NewExecutor(cfg)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	t.Cleanup(func() { _ = x.Close() })
	return x
}

func checkCount(t *testing.T, ss StateSystemReader, ts Time, want int32) {
	t.Helper()
	q, err := ss.QuarkAbsolute("count")
	if err != nil {
		t.Fatalf("QuarkAbsolute failed: %v", err)
	}
	iv, err := ss.QuerySingleState(ts, q)
	if err != nil {
		t.Fatalf("QuerySingleState(%d) failed: %v", ts, err)
	}
	if !iv.Value.Equal(IntValue(want)) {
		t.Errorf("count at %d = %s, want %d", ts, iv.Value, want)
	}
}

func TestExecutor_EventCounter(t *testing.T) {
	for _, backend := range []BackendKind{BackendHistoryFile, BackendSQLite, BackendMemory} {
		t.Run(string(backend), func(t *testing.T) {
			project := newTestProject(t)
			x := newTestExecutor(t, NewConfigBuilder("").WithBackend(backend).MustBuild())

			ss, err := x.Execute(context.Background(), EventCounterAnalysis{}, project)
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			defer ss.Dispose()

			if ss.StartTime() != 2 || ss.CurrentEndTime() != 10 {
				t.Errorf("history bounds [%d, %d], want [2, 10]", ss.StartTime(), ss.CurrentEndTime())
			}
			checkCount(t, ss, 6, 5)
			checkCount(t, ss, 10, 9)
			checkCount(t, ss, 2, 1)
		})
	}
}

func TestExecutor_ReusesStoredHistory(t *testing.T) {
	for _, backend := range []BackendKind{BackendHistoryFile, BackendSQLite} {
		t.Run(string(backend), func(t *testing.T) {
			ctx := context.Background()
			project := newTestProject(t)
			cfg := NewConfigBuilder("").WithBackend(backend).MustBuild()
			a := &countingAnalysis{name: "counter", version: 1}

			ss, err := newTestExecutor(t, cfg).Execute(ctx, a, project)
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			ss.Dispose()
			if a.handled.Load() != 9 {
				t.Fatalf("expected 9 handled events, got %d", a.handled.Load())
			}

			ss, err = newTestExecutor(t, cfg).Execute(ctx, a, project)
			if err != nil {
				t.Fatalf("second Execute failed: %v", err)
			}
			defer ss.Dispose()
			if a.handled.Load() != 9 {
				t.Errorf("stored history should be reused, handled %d events", a.handled.Load())
			}
			checkCount(t, ss, 6, 5)

			src, err := ss.QuarkAbsolute("sources", "odd")
			if err != nil {
				t.Fatalf("QuarkAbsolute failed: %v", err)
			}
			// Eight events precede or share timestamp 9.
			iv, err := ss.QuerySingleState(9, src)
			if err != nil || !iv.Value.Equal(IntValue(8)) {
				t.Errorf("sources/odd at 9 = %v, %v", iv, err)
			}
		})
	}
}

func TestExecutor_RebuildsOnVersionChange(t *testing.T) {
	ctx := context.Background()
	project := newTestProject(t)
	cfg := DefaultConfig("")

	v1 := &countingAnalysis{name: "counter", version: 1}
	ss, err := newTestExecutor(t, cfg).Execute(ctx, v1, project)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	ss.Dispose()

	v2 := &countingAnalysis{name: "counter", version: 2}
	ss, err = newTestExecutor(t, cfg).Execute(ctx, v2, project)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	ss.Dispose()
	if v2.handled.Load() != 9 {
		t.Errorf("new version should rebuild, handled %d events", v2.handled.Load())
	}

	backend, err := OpenHistoryFileBackend(ctx, mustFileStore(t, project.Directory), AnalysisArtifactKey("counter"), 2, HistoryFileOptions{})
	if err != nil {
		t.Fatalf("rebuilt history should carry version 2: %v", err)
	}
	backend.Dispose()
}

func mustFileStore(t *testing.T, dir string) *FileArtifactStore {
	t.Helper()
	s, err := NewFileArtifactStore(dir)
	if err != nil {
		t.Fatalf("NewFileArtifactStore failed: %v", err)
	}
	return s
}

func TestExecutor_RebuildsCorruptHistory(t *testing.T) {
	ctx := context.Background()
	project := newTestProject(t)
	path := filepath.Join(project.Directory, "analyses", "counter.ht")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("not a history file"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	a := &countingAnalysis{name: "counter", version: 1}
	ss, err := newTestExecutor(t, DefaultConfig("")).Execute(ctx, a, project)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	defer ss.Dispose()
	if a.handled.Load() != 9 {
		t.Errorf("corrupt history should be rebuilt, handled %d events", a.handled.Load())
	}
	checkCount(t, ss, 10, 9)
}

func TestExecutor_FailedBuildLeavesNoArtifact(t *testing.T) {
	project := newTestProject(t)
	a := &countingAnalysis{name: "broken", version: 1, failAt: 7}

	_, err := newTestExecutor(t, DefaultConfig("")).Execute(context.Background(), a, project)
	if err == nil {
		t.Fatal("expected build error")
	}
	testutil.MustNotExist(t, filepath.Join(project.Directory, "analyses", "broken.ht"))
}

func TestExecutor_Cancelled(t *testing.T) {
	project := newTestProject(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestExecutor(t, DefaultConfig("")).Execute(ctx, EventCounterAnalysis{}, project)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestExecutor_Async(t *testing.T) {
	project := newTestProject(t)
	x := newTestExecutor(t, NewConfigBuilder("").WithBackend(BackendMemory).MustBuild())

	f := x.ExecuteAsync(context.Background(), EventCounterAnalysis{}, project)
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("build did not finish")
	}
	ss, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	defer ss.Dispose()
	if err := ss.WaitUntilBuilt(context.Background()); err != nil {
		t.Errorf("WaitUntilBuilt failed: %v", err)
	}
	checkCount(t, ss, 10, 9)
}

func TestExecutor_EmptyProject(t *testing.T) {
	project := NewTraceProject("empty", t.TempDir())
	x := newTestExecutor(t, NewConfigBuilder("").WithBackend(BackendMemory).MustBuild())

	ss, err := x.Execute(context.Background(), EventCounterAnalysis{}, project)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	defer ss.Dispose()
	if ss.NbAttributes() != 0 || !ss.IsBuilt() {
		t.Errorf("expected an empty built history, got %d attributes", ss.NbAttributes())
	}
}

func TestNewExecutor_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.Backend = "tape"
	if _, err := NewExecutor(cfg); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestAnalysisRegistry(t *testing.T) {
	project := newTestProject(t)
	r := NewAnalysisRegistry(newTestExecutor(t, DefaultConfig("")))

	if err := r.Register(EventCounterAnalysis{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(&countingAnalysis{name: "counter", version: 1}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(EventCounterAnalysis{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("duplicate Register: got %v", err)
	}
	if names := r.Names(); len(names) != 2 || names[0] != "counter" || names[1] != "event-counter" {
		t.Errorf("unexpected names %v", names)
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Error("Lookup of unknown analysis should fail")
	}

	results, err := r.ExecuteAll(context.Background(), project)
	if err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}
	for name, ss := range results {
		checkCount(t, ss, 10, 9)
		ss.Dispose()
		delete(results, name)
	}

	if err := r.Register(&countingAnalysis{name: "broken", version: 1, failAt: 3}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := r.ExecuteAll(context.Background(), project); err == nil {
		t.Error("expected ExecuteAll to fail")
	}
}

// failingReadSource hands out cursors whose Next fails at position failAt.
type failingReadSource struct {
	events []*Event
	failAt int
}

func (s failingReadSource) NewCursor() (Cursor, error) {
	return &failingCursor{SliceCursor: NewSliceCursor(s.events, nil), failAt: s.failAt}, nil
}

func TestExecutor_TraceReadErrorFailsBuild(t *testing.T) {
	project := NewTraceProject("flaky", t.TempDir(), NewTraceCollection(
		NewTrace("good", NewSliceSource(testEvents("good", 2, 4, 6, 8, 10))),
		NewTrace("flaky", failingReadSource{events: testEvents("flaky", 3, 5, 7, 9), failAt: 2}),
	))
	x := newTestExecutor(t, DefaultConfig(""))

	for run := 0; run < 2; run++ {
		ss, err := x.Execute(context.Background(), EventCounterAnalysis{}, project)
		if !errors.Is(err, errChildRead) {
			if ss != nil {
				ss.Dispose()
			}
			t.Fatalf("run %d: expected the trace read error, got %v", run, err)
		}
		testutil.MustNotExist(t, filepath.Join(project.Directory, "analyses", "event-counter.ht"))
	}
}

func TestExecutor_SharedArtifactDirectory(t *testing.T) {
	ctx := context.Background()
	shared := t.TempDir()
	first := NewTraceProject("first", t.TempDir(), NewTraceCollection(
		NewTrace("a", NewSliceSource(testEvents("a", 1, 2, 3))),
	))
	second := NewTraceProject("second", t.TempDir(), NewTraceCollection(
		NewTrace("b", NewSliceSource(testEvents("b", 100, 200, 300, 400, 500))),
	))
	cfg := NewConfigBuilder(shared).MustBuild()

	x := newTestExecutor(t, cfg)
	ss, err := x.Execute(ctx, EventCounterAnalysis{}, first)
	if err != nil {
		t.Fatalf("Execute(first) failed: %v", err)
	}
	checkCount(t, ss, 3, 3)
	ss.Dispose()

	ss, err = x.Execute(ctx, EventCounterAnalysis{}, second)
	if err != nil {
		t.Fatalf("Execute(second) failed: %v", err)
	}
	if ss.StartTime() != 100 || ss.CurrentEndTime() != 500 {
		t.Errorf("second project bounds [%d, %d], want [100, 500]", ss.StartTime(), ss.CurrentEndTime())
	}
	checkCount(t, ss, 500, 5)
	ss.Dispose()

	for _, p := range []*TraceProject{first, second} {
		testutil.MustExist(t, filepath.Join(shared, "projects", ProjectID(p).String(), "analyses", "event-counter.ht"))
	}
	if ProjectID(first) == ProjectID(second) {
		t.Fatal("projects in different directories share an id")
	}

	// A fresh executor reuses each project's own history.
	ss, err = newTestExecutor(t, cfg).Execute(ctx, EventCounterAnalysis{}, second)
	if err != nil {
		t.Fatalf("Execute(second) after reopen failed: %v", err)
	}
	defer ss.Dispose()
	checkCount(t, ss, 250, 2)
	checkCount(t, ss, 500, 5)
}

// gatedAnalysis holds its first event until release is closed.
type gatedAnalysis struct {
	*countingAnalysis
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (a *gatedAnalysis) HandleEvent(ss StateSystemWriter, e *Event, tracked []any) error {
	a.once.Do(func() {
		close(a.started)
		<-a.release
	})
	return a.countingAnalysis.HandleEvent(ss, e, tracked)
}

func TestExecutor_ConcurrentCallsShareBuild(t *testing.T) {
	project := newTestProject(t)
	x := newTestExecutor(t, NewConfigBuilder("").WithBackend(BackendMemory).MustBuild())
	a := &gatedAnalysis{
		countingAnalysis: &countingAnalysis{name: "gated", version: 1},
		started:          make(chan struct{}),
		release:          make(chan struct{}),
	}

	type result struct {
		ss  StateSystemReader
		err error
	}
	results := make(chan result, 2)
	run := func() {
		ss, err := x.Execute(context.Background(), a, project)
		results <- result{ss, err}
	}
	go run()
	<-a.started
	go run()
	time.Sleep(50 * time.Millisecond)
	close(a.release)

	first, second := <-results, <-results
	if first.err != nil || second.err != nil {
		t.Fatalf("Execute failed: %v, %v", first.err, second.err)
	}
	if first.ss != second.ss {
		t.Fatal("concurrent calls should receive the same state system")
	}
	if a.handled.Load() != 9 {
		t.Errorf("expected one build of 9 events, handled %d", a.handled.Load())
	}

	first.ss.Dispose()
	if _, err := second.ss.QuerySingleState(10, 0); !errors.Is(err, ErrStateSystemDisposed) {
		t.Errorf("disposing a shared state system should dispose it for every caller, got %v", err)
	}
}
