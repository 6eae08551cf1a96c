package learning

import (
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/siteintel/internal/storage"
)

// --- Mock store ---

type mockStore struct {
	mu         sync.Mutex
	data       map[string]storage.LongTermMemory
	reinforces int
	err        error
}

func newMockStore() *mockStore {
	return &mockStore{data: make(map[string]storage.LongTermMemory)}
}

func (m *mockStore) ReinforceLongTermMemory(e storage.LongTermMemory, patch json.RawMessage, inc float64) (storage.LongTermMemory, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return storage.LongTermMemory{}, false, m.err
	}
	m.reinforces++
	id := e.UserID + "/" + e.Category + "/" + e.Key
	cur, ok := m.data[id]
	if !ok {
		m.data[id] = e
		return e, true, nil
	}

	var v map[string]any
	json.Unmarshal(cur.Value, &v)
	var p map[string]any
	json.Unmarshal(patch, &p)
	if v == nil {
		v = map[string]any{}
	}
	for k, val := range p {
		v[k] = val
	}
	cur.Value, _ = json.Marshal(v)
	cur.Confidence = math.Min(1, math.Round((cur.Confidence+inc)*100)/100)
	m.data[id] = cur
	return cur, false, nil
}

func (m *mockStore) get(userID, key string) (storage.LongTermMemory, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[userID+"/"+Category+"/"+key]
	return e, ok
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// --- Tests ---

func TestUpdate_NoTopics(t *testing.T) {
	store := newMockStore()
	u := NewUpdater(store, nil)

	out, err := u.Update("u1", "Hello, how are you?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 || store.reinforces != 0 {
		t.Errorf("expected no updates, got %v (%d writes)", out, store.reinforces)
	}
}

func TestUpdate_CreatesAtBaseline(t *testing.T) {
	store := newMockStore()
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	u := NewUpdater(store, nil).WithClock(fixedClock{now})

	out, err := u.Update("u1", "What cap rate should I expect on a multifamily deal?")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	want := []Outcome{
		{Topic: "cap_rate", Created: true, Confidence: DefaultBaseline},
		{Topic: "multifamily", Created: true, Confidence: DefaultBaseline},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}

	e, ok := store.get("u1", "cap_rate")
	if !ok {
		t.Fatal("cap_rate entry not created")
	}
	var v topicValue
	if err := json.Unmarshal(e.Value, &v); err != nil {
		t.Fatalf("value: %v", err)
	}
	if v.FirstMentioned != now.Format(time.RFC3339) {
		t.Errorf("firstMentioned = %q", v.FirstMentioned)
	}
	if v.Context == "" {
		t.Error("expected a context excerpt")
	}
}

func TestUpdate_RepeatedMentionCountsOnce(t *testing.T) {
	store := newMockStore()
	u := NewUpdater(store, nil)

	if _, err := u.Update("u1", "cap rate"); err != nil {
		t.Fatal(err)
	}
	if _, err := u.Update("u1", "cap rate, cap rate, and again the cap rate"); err != nil {
		t.Fatal(err)
	}

	e, _ := store.get("u1", "cap_rate")
	if math.Abs(e.Confidence-0.6) > 1e-9 {
		t.Errorf("confidence = %v, want 0.6 (one increment per call)", e.Confidence)
	}
}

func TestUpdate_ConfidenceSeries(t *testing.T) {
	for n := 0; n <= 8; n++ {
		store := newMockStore()
		u := NewUpdater(store, nil)

		if _, err := u.Update("u1", "thinking about IRR"); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < n; i++ {
			if _, err := u.Update("u1", "IRR again"); err != nil {
				t.Fatal(err)
			}
		}

		e, _ := store.get("u1", "irr")
		want := math.Min(1, 0.5+0.1*float64(n))
		if math.Abs(e.Confidence-want) > 1e-9 {
			t.Errorf("after %d reinforcements confidence = %v, want %v", n, e.Confidence, want)
		}
	}
}

func TestUpdate_ReinforceKeepsFirstMentioned(t *testing.T) {
	store := newMockStore()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := first.Add(48 * time.Hour)

	NewUpdater(store, nil).WithClock(fixedClock{first}).Update("u1", "value-add")
	out, err := NewUpdater(store, nil).WithClock(fixedClock{later}).Update("u1", "value add again")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Created {
		t.Fatalf("expected one reinforcement, got %+v", out)
	}

	e, _ := store.get("u1", "value_add")
	var v topicValue
	json.Unmarshal(e.Value, &v)
	if v.FirstMentioned != first.Format(time.RFC3339) {
		t.Errorf("firstMentioned = %q, want %q", v.FirstMentioned, first.Format(time.RFC3339))
	}
	if v.LastDiscussed != later.Format(time.RFC3339) {
		t.Errorf("lastDiscussed = %q, want %q", v.LastDiscussed, later.Format(time.RFC3339))
	}
}

func TestUpdate_StoreErrorPropagates(t *testing.T) {
	store := newMockStore()
	store.err = errors.New("db gone")
	_, err := NewUpdater(store, nil).Update("u1", "office space")
	if !errors.Is(err, store.err) {
		t.Errorf("expected wrapped store error, got %v", err)
	}
}

// TestUpdate_ConcurrentSameUser runs several turns for one user at once
// against a real store; every reinforcement must count.
func TestUpdate_ConcurrentSameUser(t *testing.T) {
	store := openStore(t)
	u := NewUpdater(store, nil)
	if _, err := u.Update("u1", "first look at the cap rate"); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	const turns = 4
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := u.Update("u1", "cap rate again"); err != nil {
				errs <- err
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.GetLongTermMemory("u1", Category)
	if err != nil {
		t.Fatalf("GetLongTermMemory: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].Confidence != 0.9 {
		t.Errorf("confidence = %v after baseline + %d concurrent reinforcements, want 0.9", got[0].Confidence, turns)
	}
}

// TestUpdate_NeverLowersStoredConfidence checks a reinforcement on top of an
// explicitly remembered high confidence only raises it.
func TestUpdate_NeverLowersStoredConfidence(t *testing.T) {
	store := openStore(t)
	if _, err := store.UpsertLongTermMemory(storage.LongTermMemory{
		UserID: "u1", Category: Category, Key: "industrial",
		Value: json.RawMessage(`{"topic":"industrial","firstMentioned":"2025-12-01T00:00:00Z"}`), Confidence: 0.95,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	out, err := NewUpdater(store, nil).Update("u1", "industrial outdoor storage")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	want := []Outcome{{Topic: "industrial", Confidence: 1}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}

	got, _ := store.GetLongTermMemory("u1", Category)
	var v topicValue
	if err := json.Unmarshal(got[0].Value, &v); err != nil {
		t.Fatalf("value: %v", err)
	}
	if v.FirstMentioned != "2025-12-01T00:00:00Z" || v.LastDiscussed == "" {
		t.Errorf("value = %+v, want firstMentioned kept and lastDiscussed set", v)
	}
}

func TestUpdate_RealStoreSeries(t *testing.T) {
	store := openStore(t)
	u := NewUpdater(store, nil)
	for n := 0; n <= 6; n++ {
		out, err := u.Update("u1", "value-add play")
		if err != nil {
			t.Fatalf("Update %d: %v", n, err)
		}
		want := math.Min(1, 0.5+0.1*float64(n))
		if len(out) != 1 || math.Abs(out[0].Confidence-want) > 1e-9 || out[0].Created != (n == 0) {
			t.Errorf("call %d: %+v, want confidence %v", n, out, want)
		}
	}
}

func TestTopics(t *testing.T) {
	u := NewUpdater(newMockStore(), nil)
	got := u.Topics("Industrial vs retail property: which has the better IRR? industrial!")
	want := []string{"irr", "retail_property", "industrial"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("topics mismatch (-want +got):\n%s", diff)
	}
}
