package composer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/siteintel/internal/proxy"
	"github.com/kalambet/siteintel/internal/storage"
)

// --- Mock store ---

type mockStore struct {
	facts     []storage.LongTermMemory
	session   []storage.SessionContext
	decisions []storage.Decision
	turns     []storage.ChatTurn
	err       error
}

func (m *mockStore) GetLongTermMemory(userID, category string) ([]storage.LongTermMemory, error) {
	return m.facts, m.err
}

func (m *mockStore) GetSessionContext(sessionID string) ([]storage.SessionContext, error) {
	return m.session, nil
}

func (m *mockStore) GetRecentDecisions(sessionID string, n int) ([]storage.Decision, error) {
	if len(m.decisions) > n {
		return m.decisions[:n], nil
	}
	return m.decisions, nil
}

func (m *mockStore) GetSessionMessages(sessionID string) ([]storage.ChatTurn, error) {
	return m.turns, nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestAssembler(store Store) *Assembler {
	return New(store, Options{}).WithClock(fixedClock{testNow})
}

func fact(key string, conf float64, updated time.Time) storage.LongTermMemory {
	return storage.LongTermMemory{
		UserID: "u1", Category: "portfolio", Key: key,
		Value: json.RawMessage(`"v-` + key + `"`), Confidence: conf, UpdatedAt: updated,
	}
}

func hasBlock(ctx *Context, header string) bool {
	for _, in := range ctx.Instructions {
		if strings.HasPrefix(in, header) {
			return true
		}
	}
	return false
}

// --- Tests ---

func TestAssemble_Minimal(t *testing.T) {
	a := newTestAssembler(&mockStore{})

	ctx, err := a.Assemble(Request{SessionID: "s1", UserID: "u1", UserMessage: "hello"})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	want := []proxy.Message{
		{Role: proxy.RoleSystem, Content: DefaultBaseInstructions},
		{Role: proxy.RoleUser, Content: "hello"},
	}
	if diff := cmp.Diff(want, ctx.Messages()); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestAssemble_FullOrder(t *testing.T) {
	store := &mockStore{
		facts:     []storage.LongTermMemory{fact("max_ltv", 0.9, testNow)},
		session:   []storage.SessionContext{{Type: "deal", Context: json.RawMessage(`{"name":"Elm St"}`)}},
		decisions: []storage.Decision{{DecisionType: "recommendation", Reasoning: "buy it"}},
		turns: []storage.ChatTurn{
			{Role: storage.RoleUser, Content: "earlier"},
			{Role: storage.RoleAssistant, Content: "answer"},
		},
	}
	a := newTestAssembler(store)

	ctx, err := a.Assemble(Request{
		SessionID:      "s1",
		UserID:         "u1",
		UserMessage:    "now what?",
		SystemPrompts:  []Prompt{{Name: "low", Content: "sys-low", Priority: 1}, {Name: "high", Content: "sys-high", Priority: 5}},
		ProjectPrompts: []Prompt{{Name: "Elm", Content: "proj", Priority: 0}},
		Attachments:    []Attachment{{FileName: "om.pdf", Content: "offering memo"}},
		DataContext:    json.RawMessage(`{"vacancy":0.04}`),
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	prefixes := []string{
		DefaultBaseInstructions,
		"sys-high",
		"sys-low",
		"Project context (Elm):\nproj",
		factsHeader,
		sessionHeader,
		decisionsHeader,
		attachmentsHeader,
		liveDataHeader,
	}
	if len(ctx.Instructions) != len(prefixes) {
		t.Fatalf("got %d instructions, want %d: %q", len(ctx.Instructions), len(prefixes), ctx.Instructions)
	}
	for i, p := range prefixes {
		if !strings.HasPrefix(ctx.Instructions[i], p) {
			t.Errorf("instruction %d = %q, want prefix %q", i, ctx.Instructions[i], p)
		}
	}

	msgs := ctx.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != proxy.RoleUser || last.Content != "now what?" {
		t.Errorf("last message = %+v, want current user turn", last)
	}
	if !strings.Contains(ctx.Instructions[5], "DEAL: {\"name\":\"Elm St\"}") {
		t.Errorf("session block = %q", ctx.Instructions[5])
	}
	if !strings.Contains(ctx.Instructions[6], "recommendation: buy it") {
		t.Errorf("decisions block = %q", ctx.Instructions[6])
	}
	if ctx.Instructions[8] != "Live data:\n{\"vacancy\":0.04}" {
		t.Errorf("live data block = %q", ctx.Instructions[8])
	}
}

func TestAssemble_OmitsFactsBelowThreshold(t *testing.T) {
	store := &mockStore{facts: []storage.LongTermMemory{
		fact("a", 0.7, testNow),
		fact("b", 0.5, testNow),
	}}
	ctx, err := newTestAssembler(store).Assemble(Request{UserID: "u1", UserMessage: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if hasBlock(ctx, factsHeader) {
		t.Error("facts block must be omitted when nothing exceeds the threshold")
	}
}

func TestAssemble_FactsOrderAndLimit(t *testing.T) {
	older := testNow.Add(-time.Hour)
	store := &mockStore{facts: []storage.LongTermMemory{
		fact("f1", 0.75, testNow),
		fact("f2", 0.95, testNow),
		fact("f3", 0.8, older),
		fact("f4", 0.8, testNow),
		fact("f5", 0.85, testNow),
		fact("f6", 0.71, testNow),
		fact("f7", 0.99, testNow),
	}}
	ctx, err := newTestAssembler(store).Assemble(Request{UserID: "u1", UserMessage: "q"})
	if err != nil {
		t.Fatal(err)
	}

	var block string
	for _, in := range ctx.Instructions {
		if strings.HasPrefix(in, factsHeader) {
			block = in
		}
	}
	lines := strings.Split(block, "\n")[1:]
	var keys []string
	for _, l := range lines {
		var k string
		fmt.Sscanf(strings.TrimPrefix(l, "- portfolio/"), "%2s", &k)
		keys = append(keys, k)
	}
	want := []string{"f7", "f2", "f5", "f4", "f3"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("fact order mismatch (-want +got):\n%s", diff)
	}
}

func TestAssemble_SkipsExpiredSessionContext(t *testing.T) {
	past := testNow.Add(-time.Minute)
	future := testNow.Add(time.Minute)
	store := &mockStore{session: []storage.SessionContext{
		{Type: "site", Context: json.RawMessage(`"old parcel"`), ExpiresAt: &past},
		{Type: "deal", Context: json.RawMessage(`"live deal"`), ExpiresAt: &future, Relevance: 0.01},
	}}
	ctx, err := newTestAssembler(store).Assemble(Request{SessionID: "s1", UserMessage: "q"})
	if err != nil {
		t.Fatal(err)
	}
	want := sessionHeader + "\nDEAL: live deal"
	if ctx.Instructions[1] != want {
		t.Errorf("session block = %q, want %q", ctx.Instructions[1], want)
	}
}

func TestAssemble_AllSessionContextExpired(t *testing.T) {
	past := testNow.Add(-time.Minute)
	store := &mockStore{session: []storage.SessionContext{{Type: "site", ExpiresAt: &past}}}
	ctx, err := newTestAssembler(store).Assemble(Request{SessionID: "s1", UserMessage: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if hasBlock(ctx, sessionHeader) {
		t.Error("session block must be omitted when every entry expired")
	}
}

func TestAssemble_AttachmentTruncation(t *testing.T) {
	content := strings.Repeat("ü", 600)
	ctx, err := newTestAssembler(&mockStore{}).Assemble(Request{
		UserMessage: "q",
		Attachments: []Attachment{{FileName: "rent-roll.csv", Content: content}},
	})
	if err != nil {
		t.Fatal(err)
	}
	block := ctx.Instructions[1]
	if strings.Count(block, "ü") != DefaultAttachmentChars {
		t.Errorf("attachment kept %d chars, want %d", strings.Count(block, "ü"), DefaultAttachmentChars)
	}
	if !strings.Contains(block, "[rent-roll.csv]") {
		t.Errorf("attachment block missing file name: %q", block[:60])
	}
}

func TestAssemble_NullDataContextOmitted(t *testing.T) {
	ctx, err := newTestAssembler(&mockStore{}).Assemble(Request{UserMessage: "q", DataContext: json.RawMessage(" null ")})
	if err != nil {
		t.Fatal(err)
	}
	if hasBlock(ctx, liveDataHeader) {
		t.Error("null data context must not produce a live data block")
	}
}

func TestAssemble_CurrentTurnNotDuplicated(t *testing.T) {
	store := &mockStore{turns: []storage.ChatTurn{
		{Role: storage.RoleUser, Content: "first"},
		{Role: storage.RoleAssistant, Content: "reply"},
		{Role: storage.RoleUser, Content: "second"},
	}}
	ctx, err := newTestAssembler(store).Assemble(Request{UserMessage: "second"})
	if err != nil {
		t.Fatal(err)
	}
	if ctx.Current != nil {
		t.Errorf("current turn must be nil when already the history tail, got %+v", ctx.Current)
	}
	msgs := ctx.Messages()
	if n := strings.Count(fmt.Sprint(msgs), "second"); n != 1 {
		t.Errorf("current turn appears %d times, want 1", n)
	}
	if msgs[len(msgs)-1].Content != "second" {
		t.Errorf("last message = %+v", msgs[len(msgs)-1])
	}
}

func TestAssemble_TailFromAssistantIsNotDeduped(t *testing.T) {
	store := &mockStore{turns: []storage.ChatTurn{
		{Role: storage.RoleUser, Content: "same"},
		{Role: storage.RoleAssistant, Content: "same"},
	}}
	ctx, err := newTestAssembler(store).Assemble(Request{UserMessage: "same"})
	if err != nil {
		t.Fatal(err)
	}
	if ctx.Current == nil {
		t.Error("an assistant tail with matching text must not suppress the current turn")
	}
}

func TestAssemble_HistoryWindow(t *testing.T) {
	var turns []storage.ChatTurn
	turns = append(turns, storage.ChatTurn{Role: storage.RoleSystem, Content: "ignored"})
	for i := range 14 {
		turns = append(turns, storage.ChatTurn{Role: storage.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}
	ctx, err := newTestAssembler(&mockStore{turns: turns}).Assemble(Request{UserMessage: "new"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ctx.History) != DefaultHistoryWindow {
		t.Fatalf("history = %d turns, want %d", len(ctx.History), DefaultHistoryWindow)
	}
	if ctx.History[0].Content != "m4" {
		t.Errorf("oldest kept turn = %q, want m4", ctx.History[0].Content)
	}
	for _, m := range ctx.History {
		if m.Role == proxy.RoleSystem {
			t.Error("system turns must not appear in history")
		}
	}
}

func TestAssemble_StoreError(t *testing.T) {
	dbErr := errors.New("db locked")
	_, err := newTestAssembler(&mockStore{err: dbErr}).Assemble(Request{UserMessage: "q"})
	if !errors.Is(err, dbErr) {
		t.Errorf("expected wrapped store error, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 2); got != "hé" {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Errorf("Truncate = %q", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
