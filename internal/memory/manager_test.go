package memory

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/siteintel/internal/storage"
)

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *mockClock) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	clock := &mockClock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	return NewManagerWithClock(s, clock), clock
}

// --- Tests ---

func TestShortTerm_ExpiresWithoutPurge(t *testing.T) {
	mgr, clock := newTestManager(t)

	if err := mgr.SetShortTerm("u1", "active_session", "s1", time.Hour); err != nil {
		t.Fatalf("SetShortTerm: %v", err)
	}

	e, err := mgr.GetShortTerm("u1", "active_session")
	if err != nil {
		t.Fatalf("GetShortTerm: %v", err)
	}
	if string(e.Value) != `"s1"` {
		t.Errorf("value = %s", e.Value)
	}

	clock.Advance(2 * time.Hour)
	if _, err := mgr.GetShortTerm("u1", "active_session"); !IsNotFound(err) {
		t.Errorf("expected not found after expiry, got %v", err)
	}
}

func TestSetShortTerm_RejectsNonPositiveTTL(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.SetShortTerm("u1", "k", "v", 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}

func TestRemember_NeverLowersConfidence(t *testing.T) {
	mgr, _ := newTestManager(t)

	if _, err := mgr.Remember("u1", "portfolio", "max_ltv", 0.65, 0.9); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	stored, err := mgr.Remember("u1", "portfolio", "max_ltv", 0.7, 0.4)
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if stored.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9 kept", stored.Confidence)
	}
	if string(stored.Value) != "0.7" {
		t.Errorf("value = %s, want updated 0.7", stored.Value)
	}
}

func TestRemember_ConcurrentWritersKeepHighest(t *testing.T) {
	mgr, _ := newTestManager(t)

	confidences := []float64{0.3, 0.9, 0.5, 0.7, 0.6}
	var wg sync.WaitGroup
	for _, c := range confidences {
		wg.Add(1)
		go func(c float64) {
			defer wg.Done()
			if _, err := mgr.Remember("u1", "portfolio", "hold_period", "5y", c); err != nil {
				t.Errorf("Remember(%v): %v", c, err)
			}
		}(c)
	}
	wg.Wait()

	facts, err := mgr.Facts("u1", "portfolio")
	if err != nil {
		t.Fatalf("Facts: %v", err)
	}
	if len(facts) != 1 || facts[0].Confidence != 0.9 {
		t.Errorf("facts = %+v, want one entry at 0.9", facts)
	}
}

func TestRemember_RawJSON(t *testing.T) {
	mgr, _ := newTestManager(t)

	if _, err := mgr.Remember("u1", "c", "k", json.RawMessage(`{"a":1}`), 0.5); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if _, err := mgr.Remember("u1", "c", "k", json.RawMessage(`{bad`), 0.5); err == nil {
		t.Error("expected error for invalid raw JSON")
	}
}

func TestSessionContext_FiltersExpired(t *testing.T) {
	mgr, clock := newTestManager(t)

	if _, err := mgr.AddSessionContext(storage.SessionContext{SessionID: "s1", UserID: "u1", Type: "deal", Relevance: 0.9, Context: json.RawMessage(`{"name":"Elm"}`)}, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.AddSessionContext(storage.SessionContext{SessionID: "s1", UserID: "u1", Type: "site", Relevance: 0.1}, time.Minute); err != nil {
		t.Fatal(err)
	}

	live, err := mgr.SessionContext("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 2 {
		t.Fatalf("expected 2 live entries, got %d", len(live))
	}

	clock.Advance(time.Hour)
	live, err = mgr.SessionContext("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || live[0].Type != "deal" {
		t.Errorf("unexpected live entries: %+v", live)
	}

	res, err := mgr.Purge()
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionContext != 1 {
		t.Errorf("purged %d session entries, want 1", res.SessionContext)
	}
}
