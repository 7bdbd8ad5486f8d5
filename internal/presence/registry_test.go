package presence

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(7, "conn-a")

	got, ok := r.Lookup(7)
	if !ok || got != "conn-a" {
		t.Fatalf("Lookup(7) = %q, %v; want conn-a, true", got, ok)
	}
	if _, ok := r.Lookup(8); ok {
		t.Error("expected no connection for user 8")
	}
}

func TestRegisterLastWins(t *testing.T) {
	r := NewRegistry()
	r.Register(7, "conn-old")
	r.Register(7, "conn-new")

	got, _ := r.Lookup(7)
	if got != "conn-new" {
		t.Fatalf("Lookup(7) = %q, want conn-new", got)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestUnregisterStaleConnectionKeepsNewer(t *testing.T) {
	r := NewRegistry()
	r.Register(7, "conn-old")
	r.Register(7, "conn-new")

	// The old connection's disconnect arrives after the reconnect.
	if r.Unregister(7, "conn-old") {
		t.Fatal("Unregister of a stale connection must not remove the entry")
	}
	got, ok := r.Lookup(7)
	if !ok || got != "conn-new" {
		t.Fatalf("Lookup(7) = %q, %v; want conn-new, true", got, ok)
	}

	if !r.Unregister(7, "conn-new") {
		t.Fatal("expected current connection to be removed")
	}
	if _, ok := r.Lookup(7); ok {
		t.Error("expected user 7 to be offline")
	}
	if r.Unregister(7, "conn-new") {
		t.Error("second Unregister must be a no-op")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := int64(i % 10)
			connID := fmt.Sprintf("conn-%d", i)
			r.Register(userID, connID)
			r.Lookup(userID)
			r.Unregister(userID, connID)
		}(i)
	}
	wg.Wait()

	if r.Len() > 10 {
		t.Errorf("Len() = %d, want at most 10", r.Len())
	}
}
