package guard

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPerUserCap(t *testing.T) {
	g := New(Config{PerUserLimit: 1, GlobalLimit: 10})

	rel, err := g.Acquire("alice", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	_, err = g.Acquire("alice", "run-2")
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want BlockedError", err)
	}
	if !strings.Contains(blocked.Reason, "per-user cap") {
		t.Errorf("reason = %q", blocked.Reason)
	}
	if blocked.Code() != "concurrency_blocked" {
		t.Errorf("code = %q", blocked.Code())
	}

	// Other users are unaffected.
	if _, err := g.Acquire("bob", "run-3"); err != nil {
		t.Errorf("bob blocked by alice's slot: %v", err)
	}

	rel()
	if _, err := g.Acquire("alice", "run-4"); err != nil {
		t.Errorf("release did not free the slot: %v", err)
	}
}

func TestGlobalCap(t *testing.T) {
	g := New(Config{PerUserLimit: 10, GlobalLimit: 2})
	if _, err := g.Acquire("u1", "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Acquire("u2", "r2"); err != nil {
		t.Fatal(err)
	}
	_, err := g.Acquire("u3", "r3")
	var blocked *BlockedError
	if !errors.As(err, &blocked) || !strings.Contains(blocked.Reason, "global cap") {
		t.Errorf("err = %v", err)
	}
}

func TestSlotTTLPruning(t *testing.T) {
	g := New(Config{PerUserLimit: 1, GlobalLimit: 10, SlotTTL: time.Minute})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	if _, err := g.Acquire("alice", "stuck-run"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := g.Acquire("alice", "fresh-run"); err != nil {
		t.Errorf("stale slot not pruned: %v", err)
	}
}

func TestNoopSlotForMissingIdentity(t *testing.T) {
	g := New(Config{PerUserLimit: 1, GlobalLimit: 1})
	rel, err := g.Acquire("", "run-1")
	if err != nil {
		t.Fatalf("empty user must yield no-op slot: %v", err)
	}
	rel()
	rel() // double release benign

	if g.Inflight() != 0 {
		t.Errorf("no-op slot was accounted: %d", g.Inflight())
	}
}

func TestDoubleReleaseBenign(t *testing.T) {
	g := New(Config{})
	rel, err := g.Acquire("alice", "r1")
	if err != nil {
		t.Fatal(err)
	}
	rel()
	rel()
	if g.Inflight() != 0 {
		t.Errorf("inflight = %d", g.Inflight())
	}
}
