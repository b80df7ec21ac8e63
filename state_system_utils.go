package statehistory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// QuerySingleStackTop returns the interval of the top element of the stack
// rooted at quark, or nil when the stack is empty at t.
func QuerySingleStackTop(ss StateSystemReader, t Time, quark Quark) (*StateInterval, error) {
	iv, err := ss.QuerySingleState(t, quark)
	if err != nil {
		return nil, err
	}
	if iv.Value.IsNull() {
		return nil, nil
	}
	depth, ok := iv.Value.Int()
	if !ok || depth <= 0 {
		return nil, &AttributeError{Op: "stack top", Quark: quark,
			Cause: fmt.Errorf("stack depth is %s: %w", iv.Value, ErrStateValueType)}
	}
	sub, err := ss.QuarkRelative(quark, strconv.Itoa(int(depth)))
	if err != nil {
		return nil, err
	}
	return ss.QuerySingleState(t, sub)
}

// QueryHistoryRange returns every interval of quark that intersects
// [t1, t2], in time order. t2 is clamped to the current end time.
func QueryHistoryRange(ss StateSystemReader, quark Quark, t1, t2 Time) ([]*StateInterval, error) {
	if t2 < t1 {
		return nil, fmt.Errorf("%s: range [%d, %d]: %w", ss.ID(), t1, t2, ErrTimeRange)
	}
	end := min(t2, ss.CurrentEndTime())

	iv, err := ss.QuerySingleState(t1, quark)
	if err != nil {
		return nil, err
	}
	intervals := []*StateInterval{iv}
	for ts := iv.End; ts < end; ts = iv.End {
		if iv, err = ss.QuerySingleState(ts+1, quark); err != nil {
			return nil, err
		}
		intervals = append(intervals, iv)
	}
	return intervals, nil
}

// QueryHistoryRangeResolution samples quark over [t1, t2] every resolution
// time units, skipping samples that fall in an interval already returned.
// The interval at the end of the range is always included. Cancelling ctx
// returns what was collected so far along with the context error.
func QueryHistoryRangeResolution(ctx context.Context, ss StateSystemReader, quark Quark, t1, t2, resolution Time) ([]*StateInterval, error) {
	if t2 < t1 || resolution <= 0 {
		return nil, fmt.Errorf("%s: range [%d, %d] resolution %d: %w", ss.ID(), t1, t2, resolution, ErrTimeRange)
	}
	end := min(t2, ss.CurrentEndTime())

	var (
		intervals []*StateInterval
		current   *StateInterval
	)
	for ts := t1; ts <= end; ts += ((current.End-ts)/resolution + 1) * resolution {
		if err := ctx.Err(); err != nil {
			return intervals, err
		}
		iv, err := ss.QuerySingleState(ts, quark)
		if err != nil {
			return intervals, err
		}
		current = iv
		intervals = append(intervals, iv)
	}

	if current != nil && current.End < end {
		iv, err := ss.QuerySingleState(end, quark)
		if err != nil {
			return intervals, err
		}
		intervals = append(intervals, iv)
	}
	return intervals, nil
}

// QueryUntilNonNullValue returns the first interval of quark in [t1, t2)
// holding a non-null value, or nil if there is none.
func QueryUntilNonNullValue(ss StateSystemReader, quark Quark, t1, t2 Time) (*StateInterval, error) {
	current := max(t1, ss.StartTime())
	if max(t2, ss.CurrentEndTime()) < current {
		return nil, nil
	}
	for current < t2 {
		iv, err := ss.QuerySingleState(current, quark)
		if errors.Is(err, ErrTimeRange) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !iv.Value.IsNull() {
			return iv, nil
		}
		current = iv.End + 1
	}
	return nil, nil
}
