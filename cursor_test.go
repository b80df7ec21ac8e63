package statehistory

import (
	"errors"
	"testing"
)

func testEvents(source string, timestamps ...Time) []*Event {
	events := make([]*Event, len(timestamps))
	for i, ts := range timestamps {
		events[i] = &Event{Timestamp: ts, Source: source, Name: "ev"}
	}
	return events
}

type countingCloser struct {
	calls int
	err   error
}

func (c *countingCloser) Close() error {
	c.calls++
	return c.err
}

func drainForward(t *testing.T, c Cursor) []Time {
	t.Helper()
	var got []Time
	for c.HasNext() {
		e, err := c.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		got = append(got, e.Timestamp)
	}
	return got
}

func drainBackward(t *testing.T, c Cursor) []Time {
	t.Helper()
	var got []Time
	for c.HasPrevious() {
		e, err := c.Previous()
		if err != nil {
			t.Fatalf("Previous failed: %v", err)
		}
		got = append(got, e.Timestamp)
	}
	return got
}

func equalTimes(a, b []Time) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSliceCursor_Walk(t *testing.T) {
	c := NewSliceCursor(testEvents("t", 1, 3, 5), nil)
	defer c.Close()

	if c.HasPrevious() {
		t.Error("fresh cursor should have no previous")
	}
	if got := drainForward(t, c); !equalTimes(got, []Time{1, 3, 5}) {
		t.Errorf("forward = %v", got)
	}
	if _, err := c.Next(); !errors.Is(err, ErrNoSuchElement) {
		t.Errorf("expected ErrNoSuchElement past the end, got %v", err)
	}
	if got := drainBackward(t, c); !equalTimes(got, []Time{5, 3, 1}) {
		t.Errorf("backward = %v", got)
	}
	if _, err := c.Previous(); !errors.Is(err, ErrNoSuchElement) {
		t.Errorf("expected ErrNoSuchElement before the start, got %v", err)
	}
}

func TestSliceCursor_NextThenPrevious(t *testing.T) {
	c := NewSliceCursor(testEvents("t", 1, 3, 5), nil)

	n1, _ := c.Next()
	n2, _ := c.Next()
	p, _ := c.Previous()
	if p != n2 {
		t.Errorf("Previous after Next should return the same event, got %d want %d", p.Timestamp, n2.Timestamp)
	}
	p, _ = c.Previous()
	if p != n1 {
		t.Errorf("expected %d, got %d", n1.Timestamp, p.Timestamp)
	}
	n, _ := c.Next()
	if n != n1 {
		t.Errorf("Next after Previous should return the same event, got %d", n.Timestamp)
	}
}

func TestSliceCursor_Seek(t *testing.T) {
	c := NewSliceCursor(testEvents("t", 1, 3, 3, 5), nil)

	cases := []struct {
		seek     Time
		next     Time
		previous Time
	}{
		{0, 1, -1},
		{1, 1, -1},
		{2, 3, 1},
		{3, 3, 1},
		{4, 5, 3},
	}
	for _, tc := range cases {
		c.Seek(tc.seek)
		e, err := c.Next()
		if err != nil || e.Timestamp != tc.next {
			t.Errorf("Seek(%d) then Next = %v, %v; want %d", tc.seek, e, err, tc.next)
		}
		c.Seek(tc.seek)
		e, err = c.Previous()
		if tc.previous < 0 {
			if !errors.Is(err, ErrNoSuchElement) {
				t.Errorf("Seek(%d) then Previous: expected ErrNoSuchElement, got %v", tc.seek, err)
			}
			continue
		}
		if err != nil || e.Timestamp != tc.previous {
			t.Errorf("Seek(%d) then Previous = %v, %v; want %d", tc.seek, e, err, tc.previous)
		}
	}

	c.Seek(6)
	if c.HasNext() {
		t.Error("seek past the end should exhaust the cursor")
	}
}

func TestSliceCursor_Copy(t *testing.T) {
	closer := &countingCloser{}
	c := NewSliceCursor(testEvents("t", 1, 2, 3), closer)
	_, _ = c.Next()

	cp := c.Copy()
	_, _ = c.Next()
	_, _ = c.Next()

	e, err := cp.Next()
	if err != nil || e.Timestamp != 2 {
		t.Errorf("copy should stay at its own position, got %v, %v", e, err)
	}

	cp.Close()
	if closer.calls != 0 {
		t.Error("closing a copy should not close the original resource")
	}
	c.Close()
	c.Close()
	if closer.calls != 1 {
		t.Errorf("expected one close, got %d", closer.calls)
	}
}

func TestSliceCursor_CloseErrorIsSwallowed(t *testing.T) {
	closer := &countingCloser{err: errors.New("disk gone")}
	c := NewSliceCursor(nil, closer)
	c.Close()
	if closer.calls != 1 {
		t.Errorf("expected one close, got %d", closer.calls)
	}
}

func TestCursorPosition(t *testing.T) {
	c := NewSliceCursor(testEvents("t", 10, 20, 30), nil)
	_, _ = c.Next()

	pos := PositionOf(c)
	defer pos.Close()

	_, _ = c.Next()
	c.Close()

	for i := 0; i < 2; i++ {
		restored := pos.NewCursor()
		e, err := restored.Next()
		if err != nil || e.Timestamp != 20 {
			t.Errorf("restored cursor %d: got %v, %v; want 20", i, e, err)
		}
		e, err = restored.Previous()
		if err != nil || e.Timestamp != 20 {
			t.Errorf("restored cursor %d previous: got %v, %v", i, e, err)
		}
		restored.Close()
	}
}
