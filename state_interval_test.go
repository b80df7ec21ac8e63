package statehistory

import (
	"errors"
	"testing"
)

func TestNewStateInterval(t *testing.T) {
	for _, r := range [][2]Time{{0, 0}, {0, 10}, {5, 5}, {100, 1 << 40}} {
		iv, err := NewStateInterval(r[0], r[1], 3, IntValue(1))
		if err != nil {
			t.Fatalf("NewStateInterval(%d, %d) failed: %v", r[0], r[1], err)
		}
		if iv.Duration() != r[1]-r[0]+1 {
			t.Errorf("unexpected duration %d", iv.Duration())
		}
	}
	for _, r := range [][2]Time{{1, 0}, {10, 9}, {-1, 5}} {
		if _, err := NewStateInterval(r[0], r[1], 3, IntValue(1)); !errors.Is(err, ErrInvalidTimeRange) {
			t.Errorf("NewStateInterval(%d, %d) error = %v, want ErrInvalidTimeRange", r[0], r[1], err)
		}
	}
}

func TestStateInterval_Intersects(t *testing.T) {
	iv := &StateInterval{Start: 10, End: 20}
	for ts, want := range map[Time]bool{9: false, 10: true, 15: true, 20: true, 21: false} {
		if got := iv.Intersects(ts); got != want {
			t.Errorf("Intersects(%d) = %v, want %v", ts, got, want)
		}
	}
}

func TestStateInterval_Equal(t *testing.T) {
	a := &StateInterval{Start: 1, End: 2, Quark: 0, Value: IntValue(3)}
	b := &StateInterval{Start: 1, End: 2, Quark: 0, Value: IntValue(3)}
	if !a.Equal(b) {
		t.Error("expected equal intervals")
	}
	b.Value = LongValue(3)
	if a.Equal(b) {
		t.Error("expected different values to differ")
	}
	var nilIv *StateInterval
	if a.Equal(nilIv) || !nilIv.Equal(nil) {
		t.Error("nil handling mismatch")
	}
}
