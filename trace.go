package statehistory

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
)

// EventSource produces cursors over one trace's events.
type EventSource interface {
	NewCursor() (Cursor, error)
}

// SliceSource is an EventSource backed by events held in memory.
type SliceSource struct {
	events []*Event
}

// NewSliceSource copies events and sorts the copy by timestamp, keeping the
// relative order of simultaneous events.
func NewSliceSource(events []*Event) *SliceSource {
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b *Event) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
	return &SliceSource{events: sorted}
}

func (s *SliceSource) NewCursor() (Cursor, error) {
	return NewSliceCursor(s.events, nil), nil
}

// timeBounds memoizes the first and last timestamps of an event stream.
type timeBounds struct {
	once       sync.Once
	start, end Time
	empty      bool
	err        error
}

func (b *timeBounds) get(open func() (Cursor, error)) (Time, Time, bool, error) {
	b.once.Do(func() {
		b.start, b.end, b.empty, b.err = scanBounds(open)
	})
	return b.start, b.end, b.empty, b.err
}

func scanBounds(open func() (Cursor, error)) (start, end Time, empty bool, err error) {
	c, err := open()
	if err != nil {
		return 0, 0, true, err
	}
	defer c.Close()

	if !c.HasNext() {
		return 0, 0, true, nil
	}
	first, err := c.Next()
	if err != nil {
		return 0, 0, true, err
	}
	c.Seek(math.MaxInt64)
	last, err := c.Previous()
	if err != nil {
		return 0, 0, true, err
	}
	return first.Timestamp, last.Timestamp, false, nil
}

// Trace is a single named event stream.
type Trace struct {
	Name   string
	Source EventSource

	bounds timeBounds
}

// NewTrace names source.
func NewTrace(name string, source EventSource) *Trace {
	return &Trace{Name: name, Source: source}
}

// NewCursor opens a cursor over the trace from its first event.
func (t *Trace) NewCursor() (Cursor, error) {
	c, err := t.Source.NewCursor()
	if err != nil {
		return nil, fmt.Errorf("open trace %s: %w", t.Name, err)
	}
	return c, nil
}

// TimeRange returns the timestamps of the first and last events. empty
// reports a trace without events.
func (t *Trace) TimeRange() (start, end Time, empty bool, err error) {
	return t.bounds.get(t.NewCursor)
}

// TraceCollection groups traces that are read together in timestamp order.
type TraceCollection struct {
	Traces []*Trace
}

// NewTraceCollection groups traces.
func NewTraceCollection(traces ...*Trace) *TraceCollection {
	return &TraceCollection{Traces: traces}
}

// NewCursor merges the cursors of every trace. The returned cursor owns
// them.
func (tc *TraceCollection) NewCursor() (Cursor, error) {
	cursors := make([]Cursor, 0, len(tc.Traces))
	for _, t := range tc.Traces {
		c, err := t.NewCursor()
		if err != nil {
			for _, opened := range cursors {
				opened.Close()
			}
			return nil, err
		}
		cursors = append(cursors, c)
	}
	if len(cursors) == 0 {
		return NewSliceCursor(nil, nil), nil
	}
	return NewSortedCompoundCursor(cursors...)
}

// TimeRange spans every non-empty trace in the collection.
func (tc *TraceCollection) TimeRange() (start, end Time, empty bool, err error) {
	empty = true
	for _, t := range tc.Traces {
		s, e, none, err := t.TimeRange()
		if err != nil {
			return 0, 0, true, err
		}
		if none {
			continue
		}
		if empty || s < start {
			start = s
		}
		if empty || e > end {
			end = e
		}
		empty = false
	}
	return start, end, empty, nil
}

// TraceProject is a named set of trace collections whose analysis
// artifacts live under Directory.
type TraceProject struct {
	Name        string
	Directory   string
	Collections []*TraceCollection

	bounds timeBounds
	logger *slog.Logger
}

// NewTraceProject creates a project rooted at dir.
func NewTraceProject(name, dir string, collections ...*TraceCollection) *TraceProject {
	return &TraceProject{Name: name, Directory: dir, Collections: collections, logger: slog.Default()}
}

// Traces lists the traces of every collection.
func (p *TraceProject) Traces() []*Trace {
	var traces []*Trace
	for _, c := range p.Collections {
		traces = append(traces, c.Traces...)
	}
	return traces
}

// NewCursor merges the cursors of every collection, each of which merges
// its own traces.
func (p *TraceProject) NewCursor() (Cursor, error) {
	cursors := make([]Cursor, 0, len(p.Collections))
	for _, tc := range p.Collections {
		c, err := tc.NewCursor()
		if err != nil {
			for _, opened := range cursors {
				opened.Close()
			}
			return nil, fmt.Errorf("project %s: %w", p.Name, err)
		}
		cursors = append(cursors, c)
	}
	if len(cursors) == 0 {
		return NewSliceCursor(nil, nil), nil
	}
	return NewSortedCompoundCursor(cursors...)
}

func (p *TraceProject) timeRange() (Time, Time, bool, error) {
	return p.bounds.get(func() (Cursor, error) {
		return p.NewCursor()
	})
}

// StartTime is the timestamp of the project's first event, or 0 when the
// project has no events.
func (p *TraceProject) StartTime() Time {
	start, _, _, err := p.timeRange()
	if err != nil {
		p.log().Warn("failed to read project bounds", "project", p.Name, "err", err)
	}
	return start
}

// EndTime is the timestamp of the project's last event.
func (p *TraceProject) EndTime() Time {
	_, end, _, err := p.timeRange()
	if err != nil {
		p.log().Warn("failed to read project bounds", "project", p.Name, "err", err)
	}
	return end
}

func (p *TraceProject) log() *slog.Logger {
	if p.logger == nil {
		return slog.Default()
	}
	return p.logger
}
