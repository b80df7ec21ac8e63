package statehistory

import (
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/google/btree"
)

// memoryItem orders intervals by end time, then quark, then insertion.
type memoryItem struct {
	interval *StateInterval
	seq      uint64
}

func memoryItemLess(a, b memoryItem) bool {
	if a.interval.End != b.interval.End {
		return a.interval.End < b.interval.End
	}
	if a.interval.Quark != b.interval.Quark {
		return a.interval.Quark < b.interval.Quark
	}
	return a.seq < b.seq
}

// MemoryBackend keeps every interval in an in-memory B-tree. It cannot be
// persisted and is mostly useful for tests and short-lived analyses.
type MemoryBackend struct {
	id    string
	start Time

	mu       sync.RWMutex
	end      Time
	tree     *btree.BTreeG[memoryItem]
	lastEnd  map[Quark]Time
	seq      uint64
	finished bool
	disposed bool
}

// NewMemoryBackend creates an empty in-memory backend starting at start.
func NewMemoryBackend(id string, start Time) *MemoryBackend {
	return &MemoryBackend{
		id:      id,
		start:   start,
		end:     start,
		tree:    btree.NewG(32, memoryItemLess),
		lastEnd: make(map[Quark]Time),
	}
}

func (m *MemoryBackend) ID() string      { return m.id }
func (m *MemoryBackend) StartTime() Time { return m.start }

func (m *MemoryBackend) EndTime() Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.end
}

func (m *MemoryBackend) InsertPastState(start, end Time, quark Quark, value StateValue) error {
	if err := checkInsert(m, start, end, quark); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrBackendClosed
	}
	if m.finished {
		return fmt.Errorf("%s: insert after finish: %w", m.id, ErrBuildInProgress)
	}
	if last, ok := m.lastEnd[quark]; ok && end <= last {
		return fmt.Errorf("%s: quark %d end %d not after previous end %d: %w",
			m.id, quark, end, last, ErrInvalidTimeRange)
	}

	m.seq++
	m.tree.ReplaceOrInsert(memoryItem{
		interval: &StateInterval{Start: start, End: end, Quark: quark, Value: value},
		seq:      m.seq,
	})
	m.lastEnd[quark] = end
	if end > m.end {
		m.end = end
	}
	return nil
}

func (m *MemoryBackend) FinishBuilding(end Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrBackendClosed
	}
	if end < m.end {
		return fmt.Errorf("%s: finish at %d before last interval end %d: %w", m.id, end, m.end, ErrInvalidTimeRange)
	}
	m.end = end
	m.finished = true
	return nil
}

// ascendFrom visits, in end order, every interval with end >= t and start <= t.
func (m *MemoryBackend) ascendFrom(t Time, visit func(*StateInterval) bool) {
	pivot := memoryItem{interval: &StateInterval{End: t, Quark: math.MinInt}}
	m.tree.AscendGreaterOrEqual(pivot, func(item memoryItem) bool {
		if item.interval.Start > t {
			return true
		}
		return visit(item.interval)
	})
}

func (m *MemoryBackend) DoQuery(t Time, results []*StateInterval) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.disposed {
		return ErrBackendClosed
	}
	m.ascendFrom(t, func(iv *StateInterval) bool {
		if iv.Quark < len(results) && results[iv.Quark] == nil {
			results[iv.Quark] = iv
		}
		return true
	})
	return nil
}

func (m *MemoryBackend) DoSingularQuery(t Time, quark Quark) (*StateInterval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.disposed {
		return nil, ErrBackendClosed
	}
	var found *StateInterval
	m.ascendFrom(t, func(iv *StateInterval) bool {
		if iv.Quark == quark {
			found = iv
			return false
		}
		return true
	})
	return found, nil
}

func (m *MemoryBackend) DoPartialQuery(t Time, quarks []Quark, results map[Quark]*StateInterval) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.disposed {
		return ErrBackendClosed
	}
	wanted := make(map[Quark]struct{}, len(quarks))
	for _, q := range quarks {
		wanted[q] = struct{}{}
	}
	m.ascendFrom(t, func(iv *StateInterval) bool {
		if _, ok := wanted[iv.Quark]; ok {
			results[iv.Quark] = iv
			delete(wanted, iv.Quark)
		}
		return len(wanted) > 0
	})
	return nil
}

// Len returns the number of stored intervals.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

func (m *MemoryBackend) AttributeTreeReader() (io.Reader, error)         { return nil, nil }
func (m *MemoryBackend) AttributeTreeWriter() (AttributeTreeSink, error) { return nil, nil }
func (m *MemoryBackend) RemoveFiles() error                              { return nil }

func (m *MemoryBackend) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed = true
	m.tree.Clear(false)
}

var (
	_ HistoryBackend = (*MemoryBackend)(nil)
	_ PartialQuerier = (*MemoryBackend)(nil)
)
