package registry

import (
	"sort"
	"testing"
	"time"
)

func TestTouchAndRemove(t *testing.T) {
	r := New[string]()

	if !r.Touch("a") {
		t.Error("first Touch should report a new participant")
	}
	if r.Touch("a") {
		t.Error("second Touch should not report a new participant")
	}
	r.Touch("b")

	if r.Len() != 2 {
		t.Fatalf("Len mismatch: got %d, want 2", r.Len())
	}

	if !r.Remove("a") {
		t.Error("Remove of a registered key should report true")
	}
	if r.Remove("a") {
		t.Error("Remove of an unknown key should report false")
	}
	if r.Has("a") || !r.Has("b") {
		t.Errorf("membership mismatch after Remove: %v", r.All())
	}
}

func TestAllIsSnapshot(t *testing.T) {
	r := New[int]()
	for i := 0; i < 3; i++ {
		r.Touch(i)
	}

	snap := r.All()
	r.Touch(99)
	r.Remove(0)

	sort.Ints(snap)
	if len(snap) != 3 || snap[0] != 0 || snap[2] != 2 {
		t.Errorf("snapshot changed after mutation: %v", snap)
	}
}

func TestEvictOlderThan(t *testing.T) {
	r := New[string]()
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	r.Touch("stale")
	now = now.Add(20 * time.Second)
	r.Touch("fresh")
	now = now.Add(15 * time.Second)

	evicted := r.EvictOlderThan(ParticipantTTL)
	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Fatalf("evicted mismatch: got %v, want [stale]", evicted)
	}
	if !r.Has("fresh") {
		t.Error("fresh participant was evicted")
	}
}

func TestRunJanitor(t *testing.T) {
	r := New[string]()
	r.Touch("x")

	quit := make(chan struct{})
	evicted := make(chan string, 1)
	go r.RunJanitor(quit, 10*time.Millisecond, time.Millisecond, func(k string) { evicted <- k })
	defer close(quit)

	select {
	case k := <-evicted:
		if k != "x" {
			t.Errorf("evicted key mismatch: got %q", k)
		}
	case <-time.After(time.Second):
		t.Fatal("janitor did not evict")
	}
}
