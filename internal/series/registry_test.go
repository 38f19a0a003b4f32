package series

import (
	"math/rand"
	"testing"
	"testing/quick"
	"time"

	"graphhost/internal/wire"
)

func TestRecordIfNewKeepsFirstSeenOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"PID0", "Elevator", "PID0", "Drive", "Elevator"} {
		r.RecordIfNew(name)
	}
	got := r.Snapshot()
	want := []string{"PID0", "Elevator", "Drive"}
	if len(got) != len(want) {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot = %v, want %v", got, want)
		}
	}
}

func TestRecordIfNewReportsNovelty(t *testing.T) {
	r := NewRegistry()
	if !r.RecordIfNew("PID0") {
		t.Fatalf("first record should be new")
	}
	if r.RecordIfNew("PID0") {
		t.Fatalf("second record should not be new")
	}
	if !r.Contains("PID0") || r.Len() != 1 {
		t.Fatalf("unexpected registry state: len=%d", r.Len())
	}
}

func TestSnapshotIsStableCopy(t *testing.T) {
	r := NewRegistry()
	r.RecordIfNew("a")
	snap := r.Snapshot()
	r.RecordIfNew("b")
	snap[0] = "mutated"
	if len(snap) != 1 {
		t.Fatalf("snapshot grew after append: %v", snap)
	}
	if r.Snapshot()[0] != "a" {
		t.Fatalf("registry changed through snapshot")
	}
}

func TestLongNamesCollapseToWireForm(t *testing.T) {
	r := NewRegistry()
	r.RecordIfNew("ElevatorPositionA")
	if r.RecordIfNew("ElevatorPositionB") {
		t.Fatalf("names equal in their first %d bytes should be one series", wire.NameSize)
	}
	if got := r.Snapshot()[0]; got != "ElevatorPositio" {
		t.Fatalf("stored name = %q", got)
	}
}

func TestCanonicalizeProperty(t *testing.T) {
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := quick.Check(func(s string) bool {
		c := Canonicalize(s)
		return len(c) <= wire.NameSize && Canonicalize(c) == c
	}, cfg); err != nil {
		t.Fatalf("canonicalize property failed: %v", err)
	}
}
