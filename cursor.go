package statehistory

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
)

// Cursor walks a timestamp-ordered event sequence in both directions.
// Cursors are not safe for concurrent use; Copy gives each goroutine its
// own.
type Cursor interface {
	HasNext() bool
	// Next returns the next event, or ErrNoSuchElement past the end.
	Next() (*Event, error)

	HasPrevious() bool
	// Previous returns the event before the current position, or
	// ErrNoSuchElement before the start.
	Previous() (*Event, error)

	// Seek positions the cursor so that Next returns the first event at or
	// after t.
	Seek(t Time)

	// Copy returns an independent cursor at the same position.
	Copy() Cursor

	// Close releases the cursor. It is idempotent and never fails;
	// underlying failures are logged.
	Close()
}

// SliceCursor is a Cursor over an immutable, timestamp-sorted slice.
type SliceCursor struct {
	events []*Event
	pos    int
	closer io.Closer
	closed bool
}

// NewSliceCursor creates a cursor positioned before events[0]. events must
// be sorted by timestamp and not modified afterwards. closer, if not nil,
// is closed with the cursor; copies do not share it.
func NewSliceCursor(events []*Event, closer io.Closer) *SliceCursor {
	return &SliceCursor{events: events, closer: closer}
}

func (c *SliceCursor) HasNext() bool { return c.pos < len(c.events) }

func (c *SliceCursor) Next() (*Event, error) {
	if !c.HasNext() {
		return nil, fmt.Errorf("cursor at end: %w", ErrNoSuchElement)
	}
	e := c.events[c.pos]
	c.pos++
	return e, nil
}

func (c *SliceCursor) HasPrevious() bool { return c.pos > 0 }

func (c *SliceCursor) Previous() (*Event, error) {
	if !c.HasPrevious() {
		return nil, fmt.Errorf("cursor at start: %w", ErrNoSuchElement)
	}
	c.pos--
	return c.events[c.pos], nil
}

func (c *SliceCursor) Seek(t Time) {
	c.pos = sort.Search(len(c.events), func(i int) bool {
		return c.events[i].Timestamp >= t
	})
}

func (c *SliceCursor) Copy() Cursor {
	return &SliceCursor{events: c.events, pos: c.pos}
}

func (c *SliceCursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	closeQuietly(c.closer, "slice cursor")
}

// closeQuietly closes c and logs any failure.
func closeQuietly(c io.Closer, what string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		slog.Warn("failed to close "+what, "err", err)
	}
}

var _ Cursor = (*SliceCursor)(nil)
