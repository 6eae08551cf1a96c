// Package composer assembles the ordered instruction set sent to the model
// for one conversational turn.
package composer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/siteintel/internal/proxy"
	"github.com/kalambet/siteintel/internal/storage"
)

// Defaults for the assembly budgets.
const (
	DefaultMemoryThreshold = 0.7
	DefaultMemoryLimit     = 5
	DefaultHistoryWindow   = 10
	DefaultAttachmentChars = 500
	DefaultDecisionLimit   = 3
)

// DefaultBaseInstructions opens every assembled conversation.
const DefaultBaseInstructions = `You are a real-estate site intelligence analyst. You help investors and developers evaluate sites, markets and deals.
Ground your answers in the facts, session context, documents and live data provided below. When you make a recommendation, state it plainly and quantify the financial impact where you can.
If the provided data is insufficient, say what is missing rather than guessing.`

// Block headers.
const (
	factsHeader       = "Known facts about this user:"
	sessionHeader     = "Current session/deal context:"
	decisionsHeader   = "Recent decisions in this session:"
	attachmentsHeader = "Attached documents:"
	liveDataHeader    = "Live data:"
)

// Store defines the reads the Assembler performs. Implemented by storage.Store.
type Store interface {
	GetLongTermMemory(userID, category string) ([]storage.LongTermMemory, error)
	GetSessionContext(sessionID string) ([]storage.SessionContext, error)
	GetRecentDecisions(sessionID string, n int) ([]storage.Decision, error)
	GetSessionMessages(sessionID string) ([]storage.ChatTurn, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Prompt is a named instruction supplied with the request or loaded from the
// user's prompt library.
type Prompt struct {
	Name     string `json:"name"`
	Content  string `json:"content" validate:"required"`
	Priority int    `json:"priority"`
}

// Attachment is an already-extracted document.
type Attachment struct {
	FileName string `json:"fileName" validate:"required"`
	Content  string `json:"content"`
}

// Request carries everything known about the turn being assembled.
type Request struct {
	SessionID      string
	UserID         string
	UserMessage    string
	SystemPrompts  []Prompt
	ProjectPrompts []Prompt
	Attachments    []Attachment
	DataContext    json.RawMessage
}

// Context is the assembled conversation.
type Context struct {
	Instructions []string
	History      []proxy.Message
	// Current is nil when the user turn is already the tail of History.
	Current *proxy.Message
}

// Messages flattens the context into the ordered list sent upstream:
// instructions as system messages, then history, then the current turn.
func (c *Context) Messages() []proxy.Message {
	out := make([]proxy.Message, 0, len(c.Instructions)+len(c.History)+1)
	for _, in := range c.Instructions {
		out = append(out, proxy.Message{Role: proxy.RoleSystem, Content: in})
	}
	out = append(out, c.History...)
	if c.Current != nil {
		out = append(out, *c.Current)
	}
	return out
}

// EstimatedTokens returns a rough size of the assembled conversation.
func (c *Context) EstimatedTokens() int {
	n := 0
	for _, m := range c.Messages() {
		n += EstimateTokens(m.Content)
	}
	return n
}

// Options tunes the assembly budgets. Zero fields fall back to the defaults.
type Options struct {
	BaseInstructions string
	MemoryThreshold  float64
	MemoryLimit      int
	HistoryWindow    int
	AttachmentChars  int
	DecisionLimit    int
}

func (o Options) withDefaults() Options {
	if o.BaseInstructions == "" {
		o.BaseInstructions = DefaultBaseInstructions
	}
	if o.MemoryThreshold <= 0 {
		o.MemoryThreshold = DefaultMemoryThreshold
	}
	if o.MemoryLimit <= 0 {
		o.MemoryLimit = DefaultMemoryLimit
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = DefaultHistoryWindow
	}
	if o.AttachmentChars <= 0 {
		o.AttachmentChars = DefaultAttachmentChars
	}
	if o.DecisionLimit <= 0 {
		o.DecisionLimit = DefaultDecisionLimit
	}
	return o
}

// Assembler merges instructions, memory, session state, documents, live data
// and bounded history into one ordered conversation.
type Assembler struct {
	store Store
	clock Clock
	opts  Options
}

// New creates an Assembler.
func New(store Store, opts Options) *Assembler {
	return &Assembler{store: store, clock: realClock{}, opts: opts.withDefaults()}
}

// WithClock replaces the clock used for session context expiry (for testing).
func (a *Assembler) WithClock(c Clock) *Assembler {
	a.clock = c
	return a
}

// Assemble builds the conversation for req. Blocks with nothing to show are
// left out entirely. Store read failures are wrapped and returned.
func (a *Assembler) Assemble(req Request) (*Context, error) {
	out := &Context{}
	out.Instructions = append(out.Instructions, a.opts.BaseInstructions)

	for _, p := range byPriority(req.SystemPrompts) {
		if strings.TrimSpace(p.Content) != "" {
			out.Instructions = append(out.Instructions, p.Content)
		}
	}
	for _, p := range byPriority(req.ProjectPrompts) {
		if strings.TrimSpace(p.Content) != "" {
			out.Instructions = append(out.Instructions, fmt.Sprintf("Project context (%s):\n%s", p.Name, p.Content))
		}
	}

	facts, err := a.factsBlock(req.UserID)
	if err != nil {
		return nil, err
	}
	session, err := a.sessionBlock(req.SessionID)
	if err != nil {
		return nil, err
	}
	decisions, err := a.decisionsBlock(req.SessionID)
	if err != nil {
		return nil, err
	}
	for _, block := range []string{
		facts,
		session,
		decisions,
		a.attachmentsBlock(req.Attachments),
		liveDataBlock(req.DataContext),
	} {
		if block != "" {
			out.Instructions = append(out.Instructions, block)
		}
	}

	history, err := a.history(req.SessionID)
	if err != nil {
		return nil, err
	}
	out.History = history

	if n := len(history); n > 0 && history[n-1].Role == proxy.RoleUser && history[n-1].Content == req.UserMessage {
		return out, nil
	}
	out.Current = &proxy.Message{Role: proxy.RoleUser, Content: req.UserMessage}
	return out, nil
}

func (a *Assembler) factsBlock(userID string) (string, error) {
	all, err := a.store.GetLongTermMemory(userID, "")
	if err != nil {
		return "", fmt.Errorf("loading long-term memory: %w", err)
	}

	var qualified []storage.LongTermMemory
	for _, m := range all {
		if m.Confidence > a.opts.MemoryThreshold {
			qualified = append(qualified, m)
		}
	}
	if len(qualified) == 0 {
		return "", nil
	}
	sort.SliceStable(qualified, func(i, j int) bool {
		if qualified[i].Confidence != qualified[j].Confidence {
			return qualified[i].Confidence > qualified[j].Confidence
		}
		return qualified[i].UpdatedAt.After(qualified[j].UpdatedAt)
	})
	if len(qualified) > a.opts.MemoryLimit {
		qualified = qualified[:a.opts.MemoryLimit]
	}

	var sb strings.Builder
	sb.WriteString(factsHeader)
	for _, m := range qualified {
		fmt.Fprintf(&sb, "\n- %s/%s: %s (confidence %.2f)", m.Category, m.Key, renderJSON(m.Value), m.Confidence)
	}
	return sb.String(), nil
}

func (a *Assembler) sessionBlock(sessionID string) (string, error) {
	entries, err := a.store.GetSessionContext(sessionID)
	if err != nil {
		return "", fmt.Errorf("loading session context: %w", err)
	}

	now := a.clock.Now()
	var sb strings.Builder
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		if sb.Len() == 0 {
			sb.WriteString(sessionHeader)
		}
		fmt.Fprintf(&sb, "\n%s: %s", strings.ToUpper(e.Type), renderJSON(e.Context))
	}
	return sb.String(), nil
}

func (a *Assembler) decisionsBlock(sessionID string) (string, error) {
	recent, err := a.store.GetRecentDecisions(sessionID, a.opts.DecisionLimit)
	if err != nil {
		return "", fmt.Errorf("loading recent decisions: %w", err)
	}
	if len(recent) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString(decisionsHeader)
	for _, d := range recent {
		fmt.Fprintf(&sb, "\n- %s: %s", d.DecisionType, d.Reasoning)
	}
	return sb.String(), nil
}

func (a *Assembler) attachmentsBlock(atts []Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(attachmentsHeader)
	for _, att := range atts {
		fmt.Fprintf(&sb, "\n\n[%s]\n%s", att.FileName, Truncate(att.Content, a.opts.AttachmentChars))
	}
	return sb.String()
}

func liveDataBlock(data json.RawMessage) string {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	return liveDataHeader + "\n" + string(trimmed)
}

func (a *Assembler) history(sessionID string) ([]proxy.Message, error) {
	turns, err := a.store.GetSessionMessages(sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session messages: %w", err)
	}

	var msgs []proxy.Message
	for _, t := range turns {
		if t.Role == storage.RoleSystem {
			continue
		}
		msgs = append(msgs, proxy.Message{Role: t.Role, Content: t.Content})
	}
	if len(msgs) > a.opts.HistoryWindow {
		msgs = msgs[len(msgs)-a.opts.HistoryWindow:]
	}
	return msgs, nil
}

func byPriority(prompts []Prompt) []Prompt {
	sorted := make([]Prompt, len(prompts))
	copy(sorted, prompts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return sorted
}

// renderJSON shows a JSON string without quotes and anything else compacted.
func renderJSON(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return string(v)
	}
	return buf.String()
}

// Truncate returns the first n characters of s, never splitting a multi-byte rune.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
