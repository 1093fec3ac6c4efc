package ids

import (
	"testing"
	"time"
)

func TestNew_Monotonic(t *testing.T) {
	g := NewGenerator()
	prev := g.New()
	for i := 0; i < 1000; i++ {
		next := g.New()
		if next <= prev {
			t.Fatalf("ULID %q not greater than %q at i=%d", next, prev, i)
		}
		prev = next
	}
}

func TestNewAt_SameMillisecond(t *testing.T) {
	g := NewGenerator()
	at := time.Now()
	prev := g.NewAt(at)
	for i := 0; i < 100; i++ {
		next := g.NewAt(at)
		if next <= prev {
			t.Fatalf("same-ms ULID %q not strictly increasing over %q", next, prev)
		}
		prev = next
	}
}

func TestTime_RoundTrip(t *testing.T) {
	g := NewGenerator()
	at := time.Date(2026, 3, 14, 9, 26, 53, 589e6, time.UTC)
	id := g.NewAt(at)
	got := Time(id)
	if !got.Equal(at.Truncate(time.Millisecond)) {
		t.Fatalf("Time(%q) = %v, want %v", id, got, at)
	}
}

func TestTime_Malformed(t *testing.T) {
	if !Time("not-a-ulid").IsZero() {
		t.Fatal("malformed ULID should produce zero time")
	}
}
