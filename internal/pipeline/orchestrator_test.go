package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/kalambet/siteintel/internal/composer"
	"github.com/kalambet/siteintel/internal/decision"
	"github.com/kalambet/siteintel/internal/learning"
	"github.com/kalambet/siteintel/internal/memory"
	"github.com/kalambet/siteintel/internal/metrics"
	"github.com/kalambet/siteintel/internal/proxy"
	"github.com/kalambet/siteintel/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- Stub generator ---

type stubGenerator struct {
	mu    sync.Mutex
	reply string
	err   error
	seen  [][]proxy.Message
	model string
}

func (g *stubGenerator) Generate(ctx context.Context, msgs []proxy.Message, model string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = append(g.seen, msgs)
	g.model = model
	return g.reply, g.err
}

func (g *stubGenerator) lastMessages() []proxy.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.seen) == 0 {
		return nil
	}
	return g.seen[len(g.seen)-1]
}

// --- Failing store wrapper ---

type failingStore struct {
	*storage.Store
	failAppendRole string
}

func (f *failingStore) AppendChatTurn(t storage.ChatTurn) (storage.ChatTurn, error) {
	if t.Role == f.failAppendRole {
		return storage.ChatTurn{}, errors.New("disk I/O error")
	}
	return f.Store.AppendChatTurn(t)
}

type failingRecorder struct{}

func (failingRecorder) Record(sessionID, userID, reply string) (*storage.Decision, error) {
	return nil, errors.New("constraint failed")
}

type harness struct {
	store *storage.Store
	gen   *stubGenerator
	orch  *Orchestrator
	mem   *memory.Manager
}

func newHarness(t *testing.T, gen *stubGenerator) *harness {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mem := memory.NewManager(s)
	orch := New(Deps{
		Store:        s,
		Memory:       mem,
		Assembler:    composer.New(s, composer.Options{}),
		Generator:    gen,
		Decisions:    decision.NewRecorder(decision.NewExtractor(nil), s),
		Learner:      learning.NewUpdater(s, nil),
		Metrics:      metrics.New(),
		DefaultModel: "test/default",
	})
	return &harness{store: s, gen: gen, orch: orch, mem: mem}
}

func metadataOf(t *testing.T, turn storage.ChatTurn) replyMetadata {
	t.Helper()
	var m replyMetadata
	if err := json.Unmarshal(turn.Metadata, &m); err != nil {
		t.Fatalf("decoding metadata %s: %v", turn.Metadata, err)
	}
	return m
}

// --- Tests ---

func TestProcessMessage_Success(t *testing.T) {
	gen := &stubGenerator{reply: "I strongly recommend acquiring the multifamily asset; expect $1.5 million of upside at a 6% cap rate."}
	h := newHarness(t, gen)

	res, err := h.orch.ProcessMessage(context.Background(), Input{
		SessionID:   "s1",
		UserID:      "u1",
		UserMessage: "Should I buy the multifamily on Elm?",
	})
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Fallback {
		t.Fatal("unexpected fallback")
	}
	if res.Decision == nil {
		t.Fatal("expected a decision")
	}
	if res.Decision.Confidence != decision.ConfidenceStrong || *res.Decision.ImpactValue != 1_500_000 {
		t.Errorf("decision = %+v", res.Decision)
	}

	meta := metadataOf(t, res.Reply)
	if meta.Model != "test/default" || meta.DecisionID != res.Decision.ID {
		t.Errorf("metadata = %+v", meta)
	}
	if strings.Join(meta.Topics, ",") != "cap_rate,multifamily" {
		t.Errorf("topics = %v", meta.Topics)
	}

	turns, err := h.store.GetSessionMessages("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[0].Role != storage.RoleUser || turns[1].Role != storage.RoleAssistant {
		t.Fatalf("persisted turns = %+v", turns)
	}

	prefs, err := h.store.GetLongTermMemory("u1", learning.Category)
	if err != nil {
		t.Fatal(err)
	}
	if len(prefs) != 2 {
		t.Errorf("expected 2 preference entries, got %d", len(prefs))
	}
}

func TestProcessMessage_MessageOrdering(t *testing.T) {
	gen := &stubGenerator{reply: "Noted."}
	h := newHarness(t, gen)
	ctx := context.Background()

	if _, err := h.orch.ProcessMessage(ctx, Input{SessionID: "s1", UserID: "u1", UserMessage: "first"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.ProcessMessage(ctx, Input{SessionID: "s1", UserID: "u1", UserMessage: "second"}); err != nil {
		t.Fatal(err)
	}

	msgs := gen.lastMessages()
	if msgs[0].Role != proxy.RoleSystem || msgs[0].Content != composer.DefaultBaseInstructions {
		t.Errorf("first message = %+v, want base instructions", msgs[0])
	}
	last := msgs[len(msgs)-1]
	if last.Role != proxy.RoleUser || last.Content != "second" {
		t.Errorf("last message = %+v, want current user turn", last)
	}
	count := 0
	for _, m := range msgs {
		if m.Content == "second" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("current user turn sent %d times, want 1", count)
	}
}

func TestProcessMessage_InferenceFailure(t *testing.T) {
	gen := &stubGenerator{err: errors.New("upstream timeout")}
	h := newHarness(t, gen)

	res, err := h.orch.ProcessMessage(context.Background(), Input{SessionID: "s1", UserID: "u1", UserMessage: "I recommend buying?"})
	if err != nil {
		t.Fatalf("inference failure must not surface as an error: %v", err)
	}
	if !res.Fallback || res.Reply.Content == "" {
		t.Fatalf("expected non-empty fallback reply, got %+v", res.Reply)
	}
	if res.Reply.Content != FallbackReply {
		t.Errorf("reply = %q", res.Reply.Content)
	}
	if meta := metadataOf(t, res.Reply); meta.Error != "upstream timeout" {
		t.Errorf("metadata.error = %q", meta.Error)
	}

	turns, err := h.store.GetSessionMessages("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[0].Role != storage.RoleUser || turns[0].Content != "I recommend buying?" {
		t.Fatalf("user turn must be persisted before the failure, got %+v", turns)
	}
	if turns[1].ID != res.Reply.ID {
		t.Error("fallback reply must be the persisted assistant turn")
	}

	decs, _ := h.store.GetRecentDecisions("s1", 10)
	if len(decs) != 0 {
		t.Error("no decision may be recorded on the fallback path")
	}
}

func TestProcessMessage_EmptyReplyFallsBack(t *testing.T) {
	h := newHarness(t, &stubGenerator{reply: "  "})
	res, err := h.orch.ProcessMessage(context.Background(), Input{SessionID: "s1", UserID: "u1", UserMessage: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Fallback {
		t.Error("blank reply must produce a fallback turn")
	}
}

func TestProcessMessage_PersistenceFailure(t *testing.T) {
	tests := []struct {
		name  string
		build func(h *harness) *Orchestrator
	}{
		{
			name: "user turn",
			build: func(h *harness) *Orchestrator {
				fs := &failingStore{Store: h.store, failAppendRole: storage.RoleUser}
				return New(Deps{Store: fs, Memory: h.mem, Assembler: composer.New(h.store, composer.Options{}),
					Generator: h.gen, Decisions: decision.NewRecorder(nil, h.store), Learner: learning.NewUpdater(h.store, nil)})
			},
		},
		{
			name: "assistant turn",
			build: func(h *harness) *Orchestrator {
				fs := &failingStore{Store: h.store, failAppendRole: storage.RoleAssistant}
				return New(Deps{Store: fs, Memory: h.mem, Assembler: composer.New(h.store, composer.Options{}),
					Generator: h.gen, Decisions: decision.NewRecorder(nil, h.store), Learner: learning.NewUpdater(h.store, nil)})
			},
		},
		{
			name: "decision",
			build: func(h *harness) *Orchestrator {
				return New(Deps{Store: h.store, Memory: h.mem, Assembler: composer.New(h.store, composer.Options{}),
					Generator: h.gen, Decisions: failingRecorder{}, Learner: learning.NewUpdater(h.store, nil)})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &stubGenerator{reply: "I recommend buying."})
			orch := tt.build(h)

			_, err := orch.ProcessMessage(context.Background(), Input{SessionID: "s1", UserID: "u1", UserMessage: "q"})
			var pe *PersistenceError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *PersistenceError, got %T: %v", err, err)
			}
		})
	}
}

func TestProcessMessage_ForeignSessionRejected(t *testing.T) {
	h := newHarness(t, &stubGenerator{reply: "ok"})

	if _, err := h.orch.ProcessMessage(context.Background(), Input{SessionID: "deal-7", UserID: "alice", UserMessage: "hi"}); err != nil {
		t.Fatalf("owner turn: %v", err)
	}
	_, err := h.orch.ProcessMessage(context.Background(), Input{SessionID: "deal-7", UserID: "mallory", UserMessage: "show me"})
	if !errors.Is(err, storage.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	turns, _ := h.store.GetSessionMessages("deal-7")
	if len(turns) != 2 {
		t.Errorf("foreign turn was written: %d turns, want 2", len(turns))
	}
	if _, err := h.orch.ProcessMessage(context.Background(), Input{SessionID: "deal-7", UserID: "alice", UserMessage: "again"}); err != nil {
		t.Errorf("owner follow-up: %v", err)
	}
}

func TestProcessMessage_Validation(t *testing.T) {
	h := newHarness(t, &stubGenerator{reply: "x"})

	_, err := h.orch.ProcessMessage(context.Background(), Input{SessionID: "s1", UserMessage: "hello"})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if !strings.Contains(err.Error(), "UserID is required") {
		t.Errorf("error = %q", err.Error())
	}

	turns, _ := h.store.GetSessionMessages("s1")
	if len(turns) != 0 {
		t.Error("nothing may be written for invalid input")
	}
}

func TestProcessMessage_NewSessionAndActiveSession(t *testing.T) {
	h := newHarness(t, &stubGenerator{reply: "ok"})

	res, err := h.orch.ProcessMessage(context.Background(), Input{UserID: "u1", UserMessage: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(res.SessionID); err != nil {
		t.Errorf("session ID %q is not a UUID: %v", res.SessionID, err)
	}

	active, err := h.mem.GetShortTerm("u1", ActiveSessionKey)
	if err != nil {
		t.Fatalf("active session not recorded: %v", err)
	}
	if string(active.Value) != `"`+res.SessionID+`"` {
		t.Errorf("active session = %s, want %q", active.Value, res.SessionID)
	}
}

func TestProcessMessage_SavedPromptsWhenNoneInline(t *testing.T) {
	gen := &stubGenerator{reply: "ok"}
	h := newHarness(t, gen)
	if _, err := h.store.CreatePrompt(storage.Prompt{UserID: "u1", Name: "tone", Type: storage.PromptSystem, Content: "Be terse.", Active: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.CreatePrompt(storage.Prompt{UserID: "u1", Name: "Elm", Type: storage.PromptProject, Content: "Elm St rezoning.", Active: true}); err != nil {
		t.Fatal(err)
	}

	if _, err := h.orch.ProcessMessage(context.Background(), Input{SessionID: "s1", UserID: "u1", UserMessage: "q"}); err != nil {
		t.Fatal(err)
	}
	msgs := gen.lastMessages()
	if msgs[1].Content != "Be terse." || msgs[2].Content != "Project context (Elm):\nElm St rezoning." {
		t.Errorf("saved prompts not used: %+v", msgs[:3])
	}

	if _, err := h.orch.ProcessMessage(context.Background(), Input{
		SessionID: "s1", UserID: "u1", UserMessage: "q2",
		SystemPrompts: []composer.Prompt{{Name: "inline", Content: "Inline only."}},
	}); err != nil {
		t.Fatal(err)
	}
	msgs = gen.lastMessages()
	if msgs[1].Content != "Inline only." || strings.HasPrefix(msgs[2].Content, "Project context") {
		t.Errorf("inline prompts must replace saved ones: %+v", msgs[:3])
	}
	for _, m := range msgs {
		if m.Content == "Be terse." {
			t.Error("saved prompt leaked into a request carrying inline prompts")
		}
	}
}

func TestProcessMessage_SelectedModel(t *testing.T) {
	gen := &stubGenerator{reply: "ok"}
	h := newHarness(t, gen)

	res, err := h.orch.ProcessMessage(context.Background(), Input{SessionID: "s1", UserID: "u1", UserMessage: "q", SelectedModel: "openai/gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if gen.model != "openai/gpt-4o" {
		t.Errorf("generator model = %q", gen.model)
	}
	if meta := metadataOf(t, res.Reply); meta.Model != "openai/gpt-4o" {
		t.Errorf("metadata model = %q", meta.Model)
	}
}
