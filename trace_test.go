package statehistory

import (
	"errors"
	"testing"
)

func TestNewSliceSource_StableSort(t *testing.T) {
	events := []*Event{
		{Timestamp: 5, Name: "late"},
		{Timestamp: 1, Name: "first"},
		{Timestamp: 3, Name: "tie-a"},
		{Timestamp: 3, Name: "tie-b"},
	}
	src := NewSliceSource(events)
	events[0] = &Event{Timestamp: 0, Name: "replaced"}

	c, err := src.NewCursor()
	if err != nil {
		t.Fatalf("NewCursor failed: %v", err)
	}
	defer c.Close()

	var names []string
	for c.HasNext() {
		e, _ := c.Next()
		names = append(names, e.Name)
	}
	want := []string{"first", "tie-a", "tie-b", "late"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestTrace_TimeRange(t *testing.T) {
	tr := NewTrace("cpu", NewSliceSource(testEvents("cpu", 40, 10, 25)))
	start, end, empty, err := tr.TimeRange()
	if err != nil {
		t.Fatalf("TimeRange failed: %v", err)
	}
	if empty || start != 10 || end != 40 {
		t.Errorf("expected [10, 40], got [%d, %d] empty=%v", start, end, empty)
	}

	empty2 := NewTrace("none", NewSliceSource(nil))
	if _, _, empty, err := empty2.TimeRange(); err != nil || !empty {
		t.Errorf("expected an empty trace, got empty=%v err=%v", empty, err)
	}
}

func TestTraceCollection(t *testing.T) {
	tc := NewTraceCollection(
		NewTrace("a", NewSliceSource(testEvents("a", 5, 15))),
		NewTrace("empty", NewSliceSource(nil)),
		NewTrace("b", NewSliceSource(testEvents("b", 2, 30))),
	)

	start, end, empty, err := tc.TimeRange()
	if err != nil {
		t.Fatalf("TimeRange failed: %v", err)
	}
	if empty || start != 2 || end != 30 {
		t.Errorf("expected [2, 30], got [%d, %d] empty=%v", start, end, empty)
	}

	c, err := tc.NewCursor()
	if err != nil {
		t.Fatalf("NewCursor failed: %v", err)
	}
	defer c.Close()
	if got := drainForward(t, c); !equalTimes(got, []Time{2, 5, 15, 30}) {
		t.Errorf("merged events = %v", got)
	}

	none := NewTraceCollection()
	if _, _, empty, _ := none.TimeRange(); !empty {
		t.Error("collection without traces should be empty")
	}
	nc, err := none.NewCursor()
	if err != nil {
		t.Fatalf("NewCursor failed: %v", err)
	}
	if nc.HasNext() {
		t.Error("cursor over no traces should be exhausted")
	}
}

type failingSource struct{}

var errSourceOpen = errors.New("trace file missing")

func (failingSource) NewCursor() (Cursor, error) {
	return nil, errSourceOpen
}

func TestTraceCollection_OpenError(t *testing.T) {
	closer := &countingCloser{}
	tc := NewTraceCollection(
		NewTrace("ok", &closingSource{events: testEvents("ok", 1), closer: closer}),
		NewTrace("broken", failingSource{}),
	)
	if _, err := tc.NewCursor(); !errors.Is(err, errSourceOpen) {
		t.Errorf("expected the open error, got %v", err)
	}
	if closer.calls != 1 {
		t.Errorf("cursors opened before the failure should be closed, got %d closes", closer.calls)
	}
}

// closingSource hands out cursors that report to closer.
type closingSource struct {
	events []*Event
	closer *countingCloser
}

func (s *closingSource) NewCursor() (Cursor, error) {
	return NewSliceCursor(s.events, s.closer), nil
}

func TestTraceProject(t *testing.T) {
	p := NewTraceProject("p", t.TempDir(),
		NewTraceCollection(NewTrace("a", NewSliceSource(testEvents("a", 7, 9)))),
		NewTraceCollection(
			NewTrace("b", NewSliceSource(testEvents("b", 3))),
			NewTrace("c", NewSliceSource(testEvents("c", 12))),
		),
	)
	if len(p.Traces()) != 3 {
		t.Errorf("expected 3 traces, got %d", len(p.Traces()))
	}
	if p.StartTime() != 3 || p.EndTime() != 12 {
		t.Errorf("expected [3, 12], got [%d, %d]", p.StartTime(), p.EndTime())
	}

	c, err := p.NewCursor()
	if err != nil {
		t.Fatalf("NewCursor failed: %v", err)
	}
	defer c.Close()
	if got := drainForward(t, c); !equalTimes(got, []Time{3, 7, 9, 12}) {
		t.Errorf("project events = %v", got)
	}

	empty := NewTraceProject("empty", t.TempDir())
	if empty.StartTime() != 0 || empty.EndTime() != 0 {
		t.Errorf("empty project bounds [%d, %d]", empty.StartTime(), empty.EndTime())
	}
}

func TestTraceProject_OpenError(t *testing.T) {
	closer := &countingCloser{}
	p := NewTraceProject("p", t.TempDir(),
		NewTraceCollection(NewTrace("ok", &closingSource{events: testEvents("ok", 1, 4), closer: closer})),
		NewTraceCollection(NewTrace("broken", failingSource{})),
	)
	if _, err := p.NewCursor(); !errors.Is(err, errSourceOpen) {
		t.Errorf("expected the open error, got %v", err)
	}
	if closer.calls != 1 {
		t.Errorf("collections opened before the failure should be closed, got %d closes", closer.calls)
	}
}
