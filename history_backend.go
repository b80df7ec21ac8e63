package statehistory

import (
	"fmt"
	"io"
)

// HistoryBackend stores the completed intervals of one state system.
//
// A backend is built by a single writer through InsertPastState and
// FinishBuilding. Afterwards it is read-only and implementations must allow
// concurrent queries.
type HistoryBackend interface {
	// ID identifies the state system this backend belongs to.
	ID() string

	// StartTime is fixed at creation.
	StartTime() Time

	// EndTime advances while building and is frozen by FinishBuilding.
	EndTime() Time

	// InsertPastState appends a completed interval. Ends for one quark must
	// be non-decreasing across calls. Invalid ranges are rejected with
	// ErrInvalidTimeRange and leave stored state untouched.
	InsertPastState(start, end Time, quark Quark, value StateValue) error

	// FinishBuilding closes the write phase. end may exceed the last
	// inserted interval end.
	FinishBuilding(end Time) error

	// DoQuery fills results[q] with the interval of every stored quark q
	// that intersects t. Callers size results and clamp t.
	DoQuery(t Time, results []*StateInterval) error

	// DoSingularQuery returns the interval of quark at t, or nil if the
	// backend holds none.
	DoSingularQuery(t Time, quark Quark) (*StateInterval, error)

	// AttributeTreeReader returns a reader positioned at the saved
	// attribute tree, or nil if none was saved.
	AttributeTreeReader() (io.Reader, error)

	// AttributeTreeWriter returns the target where the attribute tree is
	// saved once the build finishes, or nil if the backend cannot persist it.
	AttributeTreeWriter() (AttributeTreeSink, error)

	// RemoveFiles deletes any persisted artifact.
	RemoveFiles() error

	// Dispose releases handles without deleting persisted data.
	Dispose()
}

// AttributeTreeSink receives the serialized attribute tree at the position
// the backend reserves for it.
type AttributeTreeSink interface {
	Save(data []byte) error
}

// PartialQuerier is implemented by backends that can answer a query for a
// subset of quarks more efficiently than one singular query per quark.
type PartialQuerier interface {
	DoPartialQuery(t Time, quarks []Quark, results map[Quark]*StateInterval) error
}

// PartialQuery answers a point query for quarks, using the backend's bulk
// form when it has one and repeated singular queries otherwise. Quarks the
// backend holds no interval for are left out of results.
func PartialQuery(b HistoryBackend, t Time, quarks []Quark, results map[Quark]*StateInterval) error {
	if pq, ok := b.(PartialQuerier); ok {
		return pq.DoPartialQuery(t, quarks, results)
	}
	for _, q := range quarks {
		interval, err := b.DoSingularQuery(t, q)
		if err != nil {
			return err
		}
		if interval != nil {
			results[q] = interval
		}
	}
	return nil
}

// checkInsert validates an InsertPastState call against the backend bounds.
func checkInsert(b HistoryBackend, start, end Time, quark Quark) error {
	if start > end || start < b.StartTime() {
		return fmt.Errorf("%s: insert [%d, %d] for quark %d (history starts at %d): %w",
			b.ID(), start, end, quark, b.StartTime(), ErrInvalidTimeRange)
	}
	if quark < 0 {
		return fmt.Errorf("%s: insert for quark %d: %w", b.ID(), quark, ErrInvalidArgument)
	}
	return nil
}
