package ids

import (
	"testing"
	"time"
)

func TestNew_Length(t *testing.T) {
	id := New()
	if len(id) != idLength {
		t.Fatalf("expected length %d, got %d (%s)", idLength, len(id), id)
	}
}

func TestNew_Alphanumeric(t *testing.T) {
	id := New()
	for _, c := range id {
		found := false
		for _, a := range alphabet {
			if c == a {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("id %s contains non-alphanumeric character %q", id, c)
		}
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestSetClock(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	SetClock(func() time.Time { return fixed })
	defer SetClock(nil)

	if got := NowUnix(); got != fixed.Unix() {
		t.Fatalf("expected %d, got %d", fixed.Unix(), got)
	}
	if got := Now(); !got.Equal(fixed) {
		t.Fatalf("expected %v, got %v", fixed, got)
	}
}
