package statehistory

import (
	"errors"
	"path/filepath"
	"testing"
)

type backendFactory struct {
	name string
	open func(t *testing.T, start Time) HistoryBackend
}

func backendFactories() []backendFactory {
	return []backendFactory{
		{"memory", func(t *testing.T, start Time) HistoryBackend {
			return NewMemoryBackend("contract", start)
		}},
		{"historyfile", func(t *testing.T, start Time) HistoryBackend {
			b, err := NewHistoryFileBackend(NewMemoryArtifactStore(), "analyses/contract.ht", "contract", start, 1,
				HistoryFileOptions{NodeCapacity: 2})
			if err != nil {
				t.Fatalf("NewHistoryFileBackend failed: %v", err)
			}
			return b
		}},
		{"sqlite", func(t *testing.T, start Time) HistoryBackend {
			cfg := DefaultSQLiteConfig()
			cfg.Path = filepath.Join(t.TempDir(), "contract.db")
			cfg.BatchSize = 3
			b, err := NewSQLiteBackend(cfg, "contract", start, 1)
			if err != nil {
				t.Fatalf("NewSQLiteBackend failed: %v", err)
			}
			return b
		}},
	}
}

type testInterval struct {
	start, end Time
	quark      Quark
	value      StateValue
}

// contractIntervals covers [0, 30] for quarks 0..2.
var contractIntervals = []testInterval{
	{0, 4, 1, MustStringValue("a")},
	{0, 9, 0, IntValue(1)},
	{10, 19, 0, IntValue(2)},
	{0, 30, 2, LongValue(7)},
	{5, 30, 1, DoubleValue(1.5)},
	{20, 30, 0, NullValue()},
}

func fillBackend(t *testing.T, b HistoryBackend) {
	t.Helper()
	for _, iv := range contractIntervals {
		if err := b.InsertPastState(iv.start, iv.end, iv.quark, iv.value); err != nil {
			t.Fatalf("InsertPastState(%v) failed: %v", iv, err)
		}
	}
	if err := b.FinishBuilding(30); err != nil {
		t.Fatalf("FinishBuilding failed: %v", err)
	}
}

func checkContractQueries(t *testing.T, b HistoryBackend) {
	t.Helper()
	want := map[Time][]StateValue{
		0:  {IntValue(1), MustStringValue("a"), LongValue(7)},
		4:  {IntValue(1), MustStringValue("a"), LongValue(7)},
		5:  {IntValue(1), DoubleValue(1.5), LongValue(7)},
		10: {IntValue(2), DoubleValue(1.5), LongValue(7)},
		30: {NullValue(), DoubleValue(1.5), LongValue(7)},
	}
	for ts, values := range want {
		full := make([]*StateInterval, 3)
		if err := b.DoQuery(ts, full); err != nil {
			t.Fatalf("DoQuery(%d) failed: %v", ts, err)
		}
		for q, v := range values {
			if full[q] == nil || !full[q].Value.Equal(v) || !full[q].Intersects(ts) {
				t.Errorf("DoQuery(%d)[%d] = %v, want %s", ts, q, full[q], v)
			}
			single, err := b.DoSingularQuery(ts, q)
			if err != nil {
				t.Fatalf("DoSingularQuery(%d, %d) failed: %v", ts, q, err)
			}
			if !single.Equal(full[q]) {
				t.Errorf("DoSingularQuery(%d, %d) = %v, want %v", ts, q, single, full[q])
			}
		}

		partial := make(map[Quark]*StateInterval)
		if err := PartialQuery(b, ts, []Quark{0, 2}, partial); err != nil {
			t.Fatalf("PartialQuery failed: %v", err)
		}
		if len(partial) != 2 || !partial[2].Value.Equal(LongValue(7)) {
			t.Errorf("PartialQuery(%d) = %v", ts, partial)
		}
	}

	if iv, err := b.DoSingularQuery(10, 9); err != nil || iv != nil {
		t.Errorf("unknown quark: got %v, %v", iv, err)
	}
}

func TestHistoryBackend_Contract(t *testing.T) {
	for _, f := range backendFactories() {
		t.Run(f.name, func(t *testing.T) {
			b := f.open(t, 0)
			defer b.Dispose()

			fillBackend(t, b)
			if b.StartTime() != 0 || b.EndTime() != 30 {
				t.Errorf("bounds [%d, %d], want [0, 30]", b.StartTime(), b.EndTime())
			}
			if b.ID() != "contract" {
				t.Errorf("unexpected id %q", b.ID())
			}
			checkContractQueries(t, b)
		})
	}
}

func TestHistoryBackend_RejectsBadInserts(t *testing.T) {
	for _, f := range backendFactories() {
		t.Run(f.name, func(t *testing.T) {
			b := f.open(t, 100)
			defer b.Dispose()

			if err := b.InsertPastState(120, 110, 0, NullValue()); !errors.Is(err, ErrInvalidTimeRange) {
				t.Errorf("inverted range: got %v", err)
			}
			if err := b.InsertPastState(50, 110, 0, NullValue()); !errors.Is(err, ErrInvalidTimeRange) {
				t.Errorf("before start: got %v", err)
			}
			if err := b.InsertPastState(100, 110, 0, IntValue(1)); err != nil {
				t.Fatalf("InsertPastState failed: %v", err)
			}
			if err := b.InsertPastState(100, 105, 0, IntValue(2)); !errors.Is(err, ErrInvalidTimeRange) {
				t.Errorf("overlapping insert: got %v", err)
			}
			if err := b.FinishBuilding(105); !errors.Is(err, ErrInvalidTimeRange) {
				t.Errorf("finish before last end: got %v", err)
			}
			if err := b.FinishBuilding(110); err != nil {
				t.Fatalf("FinishBuilding failed: %v", err)
			}
			if err := b.InsertPastState(111, 120, 0, IntValue(3)); !errors.Is(err, ErrBuildInProgress) {
				t.Errorf("insert after finish: got %v", err)
			}

			// Rejected inserts left the stored state alone.
			iv, err := b.DoSingularQuery(105, 0)
			if err != nil || iv == nil || !iv.Value.Equal(IntValue(1)) {
				t.Errorf("state after rejected inserts: %v, %v", iv, err)
			}
		})
	}
}

func TestHistoryBackend_DisposedFails(t *testing.T) {
	for _, f := range backendFactories() {
		t.Run(f.name, func(t *testing.T) {
			b := f.open(t, 0)
			fillBackend(t, b)
			b.Dispose()
			b.Dispose()
			if _, err := b.DoSingularQuery(1, 0); !errors.Is(err, ErrBackendClosed) {
				t.Errorf("expected ErrBackendClosed, got %v", err)
			}
		})
	}
}

// singularOnly hides a backend's bulk query so PartialQuery falls back to
// singular queries.
type singularOnly struct {
	HistoryBackend
}

func TestPartialQuery_Fallback(t *testing.T) {
	b := NewMemoryBackend("fallback", 0)
	fillBackend(t, b)

	results := make(map[Quark]*StateInterval)
	if err := PartialQuery(singularOnly{b}, 12, []Quark{0, 1, 7}, results); err != nil {
		t.Fatalf("PartialQuery failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", results)
	}
	if !results[0].Value.Equal(IntValue(2)) || !results[1].Value.Equal(DoubleValue(1.5)) {
		t.Errorf("unexpected results %v", results)
	}
}
