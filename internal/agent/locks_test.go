package agent

import (
	"testing"
	"time"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
)

func TestLockAcquireConflict(t *testing.T) {
	lm := NewLockManager(time.Minute)

	if err := lm.Acquire("s1", "alice"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	// Holder refresh is allowed.
	if err := lm.Acquire("s1", "alice"); err != nil {
		t.Fatalf("holder refresh: %v", err)
	}

	err := lm.Acquire("s1", "bob")
	if err == nil {
		t.Fatal("expected conflict")
	}
	if dorkerr.CodeOf(err) != dorkerr.CodeLocked {
		t.Fatalf("code = %v, want LOCKED", dorkerr.CodeOf(err))
	}
	de := dorkerr.AsError(err)
	if de == nil {
		t.Fatal("not a domain error")
	}
	if de.Details["holder"] != "alice" {
		t.Fatalf("holder detail = %v", de.Details["holder"])
	}
}

func TestLockReleaseIdempotent(t *testing.T) {
	lm := NewLockManager(time.Minute)
	if err := lm.Acquire("s1", "alice"); err != nil {
		t.Fatal(err)
	}

	// Release by a non-holder is a no-op.
	lm.Release("s1", "bob")
	if !lm.IsLocked("s1", "bob") {
		t.Fatal("lock dropped by non-holder release")
	}

	lm.Release("s1", "alice")
	lm.Release("s1", "alice")
	if lm.IsLocked("s1", "") {
		t.Fatal("lock still held after release")
	}
}

func TestLockTTLExpiry(t *testing.T) {
	lm := NewLockManager(time.Minute)
	base := time.Now()
	lm.now = func() time.Time { return base }

	if err := lm.Acquire("s1", "alice"); err != nil {
		t.Fatal(err)
	}
	lm.now = func() time.Time { return base.Add(2 * time.Minute) }

	if lm.IsLocked("s1", "bob") {
		t.Fatal("expired lock still reported held")
	}
	if err := lm.Acquire("s1", "bob"); err != nil {
		t.Fatalf("acquire over expired lock: %v", err)
	}
}

func TestLockCleanup(t *testing.T) {
	lm := NewLockManager(time.Minute)
	lm.Acquire("s1", "alice")
	lm.Acquire("s2", "bob")

	lm.Cleanup([]string{"s1"})
	if lm.IsLocked("s1", "") {
		t.Fatal("s1 survived cleanup")
	}
	if !lm.IsLocked("s2", "") {
		t.Fatal("s2 released by unrelated cleanup")
	}
}
