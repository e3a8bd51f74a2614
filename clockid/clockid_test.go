package clockid

import (
	"strings"
	"testing"
	"time"
)

func TestIDGenerator_Monotonic(t *testing.T) {
	clock := &SteppingClock{Start: time.Unix(0, 0), Step: time.Millisecond}
	gen := NewIDGenerator(clock, nil)

	prev := ""
	for i := 0; i < 50; i++ {
		id := gen.NewID()
		if id == prev {
			t.Fatalf("expected unique IDs, got repeat %s", id)
		}
		if prev != "" && strings.Compare(id, prev) <= 0 {
			t.Fatalf("expected lexically increasing IDs, got %s after %s", id, prev)
		}
		prev = id
	}
}

func TestNewOpaqueID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewOpaqueID()
		if seen[id] {
			t.Fatalf("duplicate opaque id %s", id)
		}
		seen[id] = true
	}
}

func TestFixedClock(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := FixedClock{At: at}
	if !c.Now().Equal(at) {
		t.Fatalf("expected fixed clock to return %v, got %v", at, c.Now())
	}
}
