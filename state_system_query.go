package statehistory

import (
	"fmt"
)

// checkQuery rejects queries on a disposed system or outside the history.
func (ss *StateSystem) checkQuery(t Time) error {
	if ss.disposed.Load() {
		return ErrStateSystemDisposed
	}
	if start, end := ss.StartTime(), ss.CurrentEndTime(); t < start || t > end {
		return fmt.Errorf("%s: query at %d outside [%d, %d]: %w", ss.ID(), t, start, end, ErrTimeRange)
	}
	return nil
}

func (ss *StateSystem) checkQuark(op string, quark Quark) error {
	if quark < 0 || quark >= ss.tree.len() {
		return newAttributeNotFound(op, nil, quark)
	}
	return nil
}

// ongoingInterval returns the transient state of quark if it covers t.
// Callers hold mu for reading.
func (ss *StateSystem) ongoingInterval(t Time, quark Quark) *StateInterval {
	ts := &ss.transient
	if !ts.active || quark >= len(ts.values) || ts.starts[quark] > t {
		return nil
	}
	return &StateInterval{
		Start: ts.starts[quark],
		End:   max(ts.latest, ts.starts[quark]),
		Quark: quark,
		Value: ts.values[quark],
	}
}

func missingInterval(id string, t Time, quark Quark) error {
	return newStorageError(StorageErrorTypeCorruption,
		fmt.Sprintf("no interval for quark %d at %d", quark, t), id, nil)
}

// QueryFullState returns the state of every attribute at t, indexed by quark.
func (ss *StateSystem) QueryFullState(t Time) ([]*StateInterval, error) {
	if err := ss.checkQuery(t); err != nil {
		return nil, err
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	results := make([]*StateInterval, ss.tree.len())
	for q := range results {
		results[q] = ss.ongoingInterval(t, q)
	}
	if err := ss.backend.DoQuery(t, results); err != nil {
		return nil, err
	}
	for q, iv := range results {
		if iv == nil {
			return nil, missingInterval(ss.ID(), t, q)
		}
	}
	return results, nil
}

// QuerySingleState returns the state of quark at t.
func (ss *StateSystem) QuerySingleState(t Time, quark Quark) (*StateInterval, error) {
	if err := ss.checkQuery(t); err != nil {
		return nil, err
	}
	if err := ss.checkQuark("query", quark); err != nil {
		return nil, err
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	if iv := ss.ongoingInterval(t, quark); iv != nil {
		return iv, nil
	}
	iv, err := ss.backend.DoSingularQuery(t, quark)
	if err != nil {
		return nil, err
	}
	if iv == nil {
		return nil, missingInterval(ss.ID(), t, quark)
	}
	return iv, nil
}

// QueryStates returns the state at t of each quark in quarks.
func (ss *StateSystem) QueryStates(t Time, quarks []Quark) (map[Quark]*StateInterval, error) {
	if err := ss.checkQuery(t); err != nil {
		return nil, err
	}
	for _, q := range quarks {
		if err := ss.checkQuark("query", q); err != nil {
			return nil, err
		}
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	results := make(map[Quark]*StateInterval, len(quarks))
	var rest []Quark
	for _, q := range quarks {
		if iv := ss.ongoingInterval(t, q); iv != nil {
			results[q] = iv
		} else {
			rest = append(rest, q)
		}
	}
	if len(rest) > 0 {
		if err := PartialQuery(ss.backend, t, rest, results); err != nil {
			return nil, err
		}
	}
	for _, q := range rest {
		if results[q] == nil {
			return nil, missingInterval(ss.ID(), t, q)
		}
	}
	return results, nil
}

// QueryOngoingState returns the latest value of quark. Once the history is
// closed this is the value at the end time.
func (ss *StateSystem) QueryOngoingState(quark Quark) (StateValue, error) {
	iv, err := ss.ongoing(quark)
	if err != nil {
		return StateValue{}, err
	}
	return iv.Value, nil
}

// OngoingStartTime returns when the latest value of quark was set.
func (ss *StateSystem) OngoingStartTime(quark Quark) (Time, error) {
	iv, err := ss.ongoing(quark)
	if err != nil {
		return 0, err
	}
	return iv.Start, nil
}

func (ss *StateSystem) ongoing(quark Quark) (*StateInterval, error) {
	if ss.disposed.Load() {
		return nil, ErrStateSystemDisposed
	}
	if err := ss.checkQuark("ongoing", quark); err != nil {
		return nil, err
	}
	ss.mu.RLock()
	if ss.transient.active {
		defer ss.mu.RUnlock()
		ts := &ss.transient
		if quark >= len(ts.values) {
			return nil, newAttributeNotFound("ongoing", nil, quark)
		}
		return &StateInterval{Start: ts.starts[quark], End: max(ts.latest, ts.starts[quark]), Quark: quark, Value: ts.values[quark]}, nil
	}
	ss.mu.RUnlock()
	return ss.QuerySingleState(ss.CurrentEndTime(), quark)
}
