package statehistory

import "fmt"

// Time is a timestamp in nanoseconds.
type Time = int64

// Quark identifies one node of the attribute tree.
type Quark = int

// RootQuark is the parent of every top-level attribute.
const RootQuark Quark = -1

// StateInterval records that an attribute held a value during [Start, End],
// both ends inclusive.
type StateInterval struct {
	Start Time
	End   Time
	Quark Quark
	Value StateValue
}

// NewStateInterval validates and returns a new interval.
func NewStateInterval(start, end Time, quark Quark, value StateValue) (*StateInterval, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("interval [%d, %d] for quark %d: %w", start, end, quark, ErrInvalidTimeRange)
	}
	return &StateInterval{Start: start, End: end, Quark: quark, Value: value}, nil
}

// Intersects reports whether t lies within the interval.
func (i *StateInterval) Intersects(t Time) bool {
	return i.Start <= t && t <= i.End
}

// Duration returns the number of time units covered.
func (i *StateInterval) Duration() Time {
	return i.End - i.Start + 1
}

// Equal reports whether both intervals describe the same state.
func (i *StateInterval) Equal(o *StateInterval) bool {
	if i == nil || o == nil {
		return i == o
	}
	return i.Start == o.Start && i.End == o.End && i.Quark == o.Quark && i.Value.Equal(o.Value)
}

func (i *StateInterval) String() string {
	return fmt.Sprintf("[%d, %d] quark=%d value=%s", i.Start, i.End, i.Quark, i.Value)
}
