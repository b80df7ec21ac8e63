package statehistory

import (
	"container/heap"
	"context"
	"fmt"
)

// IterationStep2D holds the states found at one resolution point.
type IterationStep2D struct {
	Timestamp Time
	Results   map[Quark]*StateInterval
}

// queryTarget schedules the next query of one attribute.
type queryTarget struct {
	quark Quark
	ts    Time
}

type targetQueue []queryTarget

func (q targetQueue) Len() int { return len(q) }
func (q targetQueue) Less(i, j int) bool {
	if q[i].ts != q[j].ts {
		return q[i].ts < q[j].ts
	}
	return q[i].quark < q[j].quark
}
func (q targetQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *targetQueue) Push(x any)   { *q = append(*q, x.(queryTarget)) }
func (q *targetQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

// Iterator2D walks a time range at a fixed resolution over a set of
// attributes. Each attribute is only queried again once its current
// interval ends, so long-lived states cost one query no matter how many
// resolution points they span.
//
//	it, err := Iterate2D(ctx, ss, start, end, res, quarks)
//	for it.Next() {
//		step := it.Step()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator2D struct {
	ctx        context.Context
	ss         StateSystemReader
	rangeStart Time
	rangeEnd   Time
	resolution Time
	queue      targetQueue

	step IterationStep2D
	err  error
	done bool
}

// Iterate2D prepares a lazy iteration over [rangeStart, rangeEnd], clamped to
// the bounds of ss. A range entirely outside the history or an empty quark
// set yields nothing.
func Iterate2D(ctx context.Context, ss StateSystemReader, rangeStart, rangeEnd, resolution Time, quarks []Quark) (*Iterator2D, error) {
	if rangeStart > rangeEnd {
		return nil, fmt.Errorf("range [%d, %d] starts after it ends: %w", rangeStart, rangeEnd, ErrInvalidArgument)
	}
	if resolution <= 0 {
		return nil, fmt.Errorf("resolution %d: %w", resolution, ErrInvalidArgument)
	}
	it := &Iterator2D{ctx: ctx, ss: ss, resolution: resolution}

	start, end := ss.StartTime(), ss.CurrentEndTime()
	if rangeEnd <= start || rangeStart >= end || len(quarks) == 0 {
		it.done = true
		return it, nil
	}
	it.rangeStart = max(rangeStart, start)
	it.rangeEnd = min(rangeEnd, end)

	seen := make(map[Quark]struct{}, len(quarks))
	for _, q := range quarks {
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		it.queue = append(it.queue, queryTarget{quark: q, ts: it.rangeStart})
	}
	heap.Init(&it.queue)
	return it, nil
}

// Next advances to the next step. It returns false when the range is
// exhausted, a query fails, or the context is done.
func (it *Iterator2D) Next() bool {
	if it.done {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		return it.fail(err)
	}

	first := heap.Pop(&it.queue).(queryTarget)
	ts := first.ts
	if ts > it.rangeEnd {
		it.done = true
		return false
	}
	quarks := []Quark{first.quark}
	for it.queue.Len() > 0 && it.queue[0].ts == ts {
		quarks = append(quarks, heap.Pop(&it.queue).(queryTarget).quark)
	}

	results, err := it.ss.QueryStates(ts, quarks)
	if err != nil {
		return it.fail(err)
	}

	nextResPoint := min(ts+it.resolution, it.rangeEnd)
	if ts == it.rangeEnd {
		nextResPoint = ts + it.resolution
	}
	step := IterationStep2D{Timestamp: ts, Results: make(map[Quark]*StateInterval, len(results))}
	for _, q := range quarks {
		iv := results[q]
		heap.Push(&it.queue, queryTarget{quark: q, ts: determineNextQueryTs(iv, it.rangeStart, ts, it.resolution)})
		if iv.Intersects(nextResPoint) {
			step.Results[q] = iv
		}
	}
	it.step = step
	return true
}

func (it *Iterator2D) fail(err error) bool {
	it.err = err
	it.done = true
	return false
}

// Step returns the current step. Only valid after Next returned true.
func (it *Iterator2D) Step() IterationStep2D {
	return it.step
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator2D) Err() error {
	return it.err
}

// determineNextQueryTs returns the first resolution point after the end of
// interval, or the next point after ts if the interval ends before it.
// Resolution points are rangeStart plus multiples of resolution.
func determineNextQueryTs(interval *StateInterval, rangeStart, ts, resolution Time) Time {
	next := ts + resolution
	if next > interval.End {
		return next
	}
	base := interval.End - rangeStart + 1
	return ceilMultiple(base, resolution) + rangeStart
}

func ceilMultiple(n, m Time) Time {
	if r := n % m; r != 0 {
		return n + m - r
	}
	return n
}

// Collect2D drains a 2D iteration into a slice.
func Collect2D(ctx context.Context, ss StateSystemReader, rangeStart, rangeEnd, resolution Time, quarks []Quark) ([]IterationStep2D, error) {
	it, err := Iterate2D(ctx, ss, rangeStart, rangeEnd, resolution, quarks)
	if err != nil {
		return nil, err
	}
	var steps []IterationStep2D
	for it.Next() {
		steps = append(steps, it.Step())
	}
	return steps, it.Err()
}
