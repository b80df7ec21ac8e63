package statehistory

import (
	"container/heap"
	"fmt"
)

// peekCursor keeps one element of lookahead over a child cursor in the
// direction it is currently moving. Turning around has to step over the
// lookahead element as well as the one last returned.
type peekCursor struct {
	c        Cursor
	forwards bool
	peeked   *Event
	err      error
}

func newPeekCursor(c Cursor) *peekCursor {
	p := &peekCursor{c: c, forwards: true}
	p.peeked = p.pull(c.HasNext, c.Next)
	return p
}

func (p *peekCursor) pull(has func() bool, step func() (*Event, error)) *Event {
	if p.err != nil || !has() {
		return nil
	}
	e, err := step()
	if err != nil {
		p.err = err
		return nil
	}
	return e
}

func (p *peekCursor) goForwards() {
	if p.forwards {
		return
	}
	p.forwards = true
	if p.peeked != nil {
		// Step back over the peeked element.
		p.pull(p.c.HasNext, p.c.Next)
	}
	p.peeked = p.pull(p.c.HasNext, p.c.Next)
}

func (p *peekCursor) goBackwards() {
	if !p.forwards {
		return
	}
	p.forwards = false
	if p.peeked != nil {
		p.pull(p.c.HasPrevious, p.c.Previous)
	}
	p.peeked = p.pull(p.c.HasPrevious, p.c.Previous)
}

// take returns the peeked element and advances the lookahead.
func (p *peekCursor) take() *Event {
	e := p.peeked
	if p.forwards {
		p.peeked = p.pull(p.c.HasNext, p.c.Next)
	} else {
		p.peeked = p.pull(p.c.HasPrevious, p.c.Previous)
	}
	return e
}

func (p *peekCursor) copy() *peekCursor {
	return &peekCursor{c: p.c.Copy(), forwards: p.forwards, peeked: p.peeked, err: p.err}
}

type peekEntry struct {
	p     *peekCursor
	index int
}

// peekHeap orders children by their peeked timestamp. Going forwards the
// earliest wins and ties go to the lower child index; going backwards the
// latest wins and ties go to the higher index. Exhausted children sink.
type peekHeap struct {
	entries  []peekEntry
	backward bool
}

func (h *peekHeap) Len() int { return len(h.entries) }

func (h *peekHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	switch {
	case a.p.peeked == nil:
		return false
	case b.p.peeked == nil:
		return true
	}
	ta, tb := a.p.peeked.Timestamp, b.p.peeked.Timestamp
	if ta != tb {
		if h.backward {
			return ta > tb
		}
		return ta < tb
	}
	if h.backward {
		return a.index > b.index
	}
	return a.index < b.index
}

func (h *peekHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *peekHeap) Push(x any)   { h.entries = append(h.entries, x.(peekEntry)) }
func (h *peekHeap) Pop() any {
	old := h.entries
	n := len(old)
	x := old[n-1]
	h.entries = old[:n-1]
	return x
}

// SortedCompoundCursor merges several timestamp-ordered cursors into one,
// in both directions. Each Previous after a Next (and vice versa) returns
// the element just returned, like a single list cursor.
//
// A read error from any child stops the merge: HasNext and HasPrevious
// report true and the next step returns the error.
type SortedCompoundCursor struct {
	children []*peekCursor
	queue    peekHeap
	loaded   bool // queue reflects the current direction
	closed   bool
}

// NewSortedCompoundCursor takes ownership of children.
func NewSortedCompoundCursor(children ...Cursor) (*SortedCompoundCursor, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("compound cursor needs at least one child: %w", ErrInvalidArgument)
	}
	c := &SortedCompoundCursor{children: make([]*peekCursor, len(children))}
	for i, child := range children {
		c.children[i] = newPeekCursor(child)
	}
	return c, nil
}

func (c *SortedCompoundCursor) load(backward bool) {
	if c.loaded && c.queue.backward == backward {
		return
	}
	c.queue = peekHeap{entries: make([]peekEntry, len(c.children)), backward: backward}
	for i, p := range c.children {
		if backward {
			p.goBackwards()
		} else {
			p.goForwards()
		}
		c.queue.entries[i] = peekEntry{p: p, index: i}
	}
	heap.Init(&c.queue)
	c.loaded = true
}

func (c *SortedCompoundCursor) HasNext() bool {
	c.load(false)
	return c.childErr() != nil || c.queue.entries[0].p.peeked != nil
}

func (c *SortedCompoundCursor) Next() (*Event, error) {
	return c.step(false)
}

func (c *SortedCompoundCursor) HasPrevious() bool {
	c.load(true)
	return c.childErr() != nil || c.queue.entries[0].p.peeked != nil
}

func (c *SortedCompoundCursor) Previous() (*Event, error) {
	return c.step(true)
}

func (c *SortedCompoundCursor) step(backward bool) (*Event, error) {
	c.load(backward)
	if err := c.childErr(); err != nil {
		return nil, err
	}
	top := c.queue.entries[0].p
	if top.peeked == nil {
		if backward {
			return nil, fmt.Errorf("compound cursor at start: %w", ErrNoSuchElement)
		}
		return nil, fmt.Errorf("compound cursor at end: %w", ErrNoSuchElement)
	}
	// A failed lookahead surfaces on the following call.
	e := top.take()
	heap.Fix(&c.queue, 0)
	return e, nil
}

func (c *SortedCompoundCursor) childErr() error {
	for _, p := range c.children {
		if p.err != nil {
			return p.err
		}
	}
	return nil
}

// Seek moves every child and drops the lookahead.
func (c *SortedCompoundCursor) Seek(t Time) {
	for i, p := range c.children {
		p.c.Seek(t)
		c.children[i] = newPeekCursor(p.c)
	}
	c.loaded = false
}

func (c *SortedCompoundCursor) Copy() Cursor {
	cp := &SortedCompoundCursor{children: make([]*peekCursor, len(c.children))}
	for i, p := range c.children {
		cp.children[i] = p.copy()
	}
	return cp
}

func (c *SortedCompoundCursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	for _, p := range c.children {
		p.c.Close()
	}
}

var _ Cursor = (*SortedCompoundCursor)(nil)
