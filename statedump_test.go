package statehistory

import (
	"context"
	"errors"
	"io/fs"
	"math"
	"strings"
	"testing"
)

func buildDumpHistory(t *testing.T) *StateSystem {
	t.Helper()
	ss := newTestStateSystem(t, 0)
	writes := []struct {
		path []string
		v    StateValue
	}{
		{[]string{"cpus", "0", "status"}, MustStringValue("running")},
		{[]string{"cpus", "1", "status"}, MustStringValue("idle \"quoted\"")},
		{[]string{"cpus", "1", "freq"}, DoubleValue(math.NaN())},
		{[]string{"ratio"}, DoubleValue(math.Inf(-1))},
		{[]string{"load"}, DoubleValue(0.75)},
		{[]string{"bytes"}, LongValue(1 << 40)},
		{[]string{"count"}, IntValue(-3)},
		{[]string{"flag"}, BoolValue(true)},
	}
	for _, w := range writes {
		q := mustQuark(t, ss, w.path...)
		if err := ss.ModifyAttribute(5, q, w.v); err != nil {
			t.Fatalf("ModifyAttribute(%v) failed: %v", w.path, err)
		}
	}
	if err := ss.CloseHistory(10); err != nil {
		t.Fatalf("CloseHistory failed: %v", err)
	}
	return ss
}

func dumpByPath(d *Statedump) map[string]StateValue {
	m := make(map[string]StateValue, len(d.Attributes))
	for i, attr := range d.Attributes {
		m[strings.Join(attr, "/")] = d.States[i]
	}
	return m
}

func TestStatedump_RoundTrip(t *testing.T) {
	ss := buildDumpHistory(t)
	dump, err := StatedumpAt(ss, 7, 2)
	if err != nil {
		t.Fatalf("StatedumpAt failed: %v", err)
	}
	if len(dump.Attributes) != ss.NbAttributes() {
		t.Errorf("expected %d attributes, got %d", ss.NbAttributes(), len(dump.Attributes))
	}

	data, err := dump.Marshal("kernel")
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := UnmarshalStatedump(data, "kernel")
	if err != nil {
		t.Fatalf("UnmarshalStatedump failed: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected version 2, got %d", got.Version)
	}

	want := dumpByPath(dump)
	have := dumpByPath(got)
	if len(have) != len(want) {
		t.Fatalf("expected %d attributes, got %d", len(want), len(have))
	}
	for path, v := range want {
		if !have[path].Equal(v) {
			t.Errorf("%s: expected %s, got %s", path, v, have[path])
		}
	}
	if !have["cpus"].IsNull() {
		t.Errorf("parent attributes should round-trip as null, got %s", have["cpus"])
	}

	// Depth first, siblings sorted by name.
	order := make([]string, len(got.Attributes))
	for i, attr := range got.Attributes {
		order[i] = strings.Join(attr, "/")
	}
	if order[0] != "bytes" || order[1] != "count" || order[2] != "cpus" || order[3] != "cpus/0" {
		t.Errorf("unexpected attribute order %v", order)
	}
}

func TestStatedump_SpecialDoubles(t *testing.T) {
	dump, err := NewStatedump(
		[][]string{{"nan"}, {"pos"}, {"neg"}},
		[]StateValue{DoubleValue(math.NaN()), DoubleValue(math.Inf(1)), DoubleValue(math.Inf(-1))},
		1,
	)
	if err != nil {
		t.Fatalf("NewStatedump failed: %v", err)
	}
	data, err := dump.Marshal("doubles")
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for _, token := range []string{`"nan"`, `"+inf"`, `"-inf"`, `"format-version": 1`} {
		if !strings.Contains(string(data), token) {
			t.Errorf("expected %s in %s", token, data)
		}
	}
	got, err := UnmarshalStatedump(data, "doubles")
	if err != nil {
		t.Fatalf("UnmarshalStatedump failed: %v", err)
	}
	m := dumpByPath(got)
	if d, _ := m["nan"].Double(); !math.IsNaN(d) {
		t.Errorf("expected NaN, got %v", d)
	}
	if d, _ := m["pos"].Double(); !math.IsInf(d, 1) {
		t.Errorf("expected +Inf, got %v", d)
	}
	if d, _ := m["neg"].Double(); !math.IsInf(d, -1) {
		t.Errorf("expected -Inf, got %v", d)
	}
}

func TestStatedump_Errors(t *testing.T) {
	if _, err := NewStatedump([][]string{{"a"}}, nil, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("mismatched lengths: expected ErrInvalidArgument, got %v", err)
	}

	empty := &Statedump{Attributes: [][]string{{}}, States: []StateValue{IntValue(1)}}
	if _, err := empty.Marshal("x"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty path: expected ErrInvalidArgument, got %v", err)
	}

	dump, _ := NewStatedump([][]string{{"a"}}, []StateValue{IntValue(1)}, 1)
	data, _ := dump.Marshal("owner")
	if _, err := UnmarshalStatedump(data, "someone-else"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("wrong id: expected ErrInvalidArgument, got %v", err)
	}

	future := strings.Replace(string(data), `"format-version": 1`, `"format-version": 9`, 1)
	if _, err := UnmarshalStatedump([]byte(future), "owner"); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("future format: expected ErrVersionMismatch, got %v", err)
	}

	for name, doc := range map[string]string{
		"not json":  "{",
		"no state":  `{"format-version": 1, "id": "owner", "statedump-version": 1}`,
		"bad type":  `{"format-version": 1, "id": "owner", "state": {"children": {"a": {"children": {}, "type": "blob", "value": 1}}}}`,
		"bad int":   `{"format-version": 1, "id": "owner", "state": {"children": {"a": {"children": {}, "type": "int", "value": "x"}}}}`,
		"bad float": `{"format-version": 1, "id": "owner", "state": {"children": {"a": {"children": {}, "type": "double", "value": "huge"}}}}`,
	} {
		if _, err := UnmarshalStatedump([]byte(doc), "owner"); !errors.Is(err, ErrStorageCorruption) {
			t.Errorf("%s: expected ErrStorageCorruption, got %v", name, err)
		}
	}
}

func TestStatedump_SaveLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryArtifactStore()

	if _, err := LoadStatedump(ctx, store, "kernel"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}

	dump, err := StatedumpAt(buildDumpHistory(t), 5, 1)
	if err != nil {
		t.Fatalf("StatedumpAt failed: %v", err)
	}
	if err := dump.Save(ctx, store, "kernel"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if StatedumpKey("kernel") != ".tc-states/kernel.statedump.json" {
		t.Errorf("unexpected key %q", StatedumpKey("kernel"))
	}
	if exists, _ := store.Exists(ctx, StatedumpKey("kernel")); !exists {
		t.Fatal("expected the statedump artifact")
	}

	loaded, err := LoadStatedump(ctx, store, "kernel")
	if err != nil {
		t.Fatalf("LoadStatedump failed: %v", err)
	}
	if v := dumpByPath(loaded)["cpus/0/status"]; !v.Equal(MustStringValue("running")) {
		t.Errorf("expected 'running', got %s", v)
	}
}
