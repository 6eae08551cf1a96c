// Package pipeline runs one conversational turn end to end: persist the user
// turn, assemble context, call the model, extract a decision, reinforce
// memory and persist the reply.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/siteintel/internal/composer"
	"github.com/kalambet/siteintel/internal/learning"
	"github.com/kalambet/siteintel/internal/metrics"
	"github.com/kalambet/siteintel/internal/proxy"
	"github.com/kalambet/siteintel/internal/storage"
)

// FallbackReply is persisted as the assistant turn when the model call fails.
const FallbackReply = "I'm sorry, I wasn't able to generate a response just now. Your message has been saved; please try again in a moment."

// ActiveSessionKey is the short-term memory key holding the user's most recent session.
const ActiveSessionKey = "active_session"

// ActiveSessionTTL bounds how long the most recent session is remembered.
const ActiveSessionTTL = 24 * time.Hour

// Store defines the persistence the Orchestrator writes through directly.
// Implemented by storage.Store.
type Store interface {
	ClaimSession(sessionID, userID string) error
	AppendChatTurn(t storage.ChatTurn) (storage.ChatTurn, error)
	GetPrompts(userID, typ string) ([]storage.Prompt, error)
}

// ShortTermMemory records expiring per-user values. Implemented by memory.Manager.
type ShortTermMemory interface {
	SetShortTerm(userID, key string, value any, ttl time.Duration) error
}

// Assembler builds the conversation. Implemented by composer.Assembler.
type Assembler interface {
	Assemble(req composer.Request) (*composer.Context, error)
}

// DecisionRecorder persists a decision found in a reply. Implemented by decision.Recorder.
type DecisionRecorder interface {
	Record(sessionID, userID, reply string) (*storage.Decision, error)
}

// Learner reinforces preferences from an exchange. Implemented by learning.Updater.
type Learner interface {
	Update(userID, text string) ([]learning.Outcome, error)
}

// Input is one incoming user turn.
type Input struct {
	SessionID      string                `json:"sessionId,omitempty" validate:"omitempty,max=128"`
	UserID         string                `json:"userId" validate:"required,max=128"`
	UserMessage    string                `json:"message" validate:"required"`
	SystemPrompts  []composer.Prompt     `json:"systemPrompts,omitempty" validate:"dive"`
	ProjectPrompts []composer.Prompt     `json:"projectPrompts,omitempty" validate:"dive"`
	Attachments    []composer.Attachment `json:"attachments,omitempty" validate:"dive"`
	DataContext    json.RawMessage       `json:"dataContext,omitempty"`
	SelectedModel  string                `json:"model,omitempty"`
}

// Result describes the outcome of a processed turn.
type Result struct {
	SessionID string             `json:"sessionId"`
	UserTurn  storage.ChatTurn   `json:"userTurn"`
	Reply     storage.ChatTurn   `json:"reply"`
	Decision  *storage.Decision  `json:"decision,omitempty"`
	Topics    []learning.Outcome `json:"topics,omitempty"`
	Fallback  bool               `json:"fallback"`
}

// replyMetadata is stored on every assistant turn.
type replyMetadata struct {
	Model      string   `json:"model,omitempty"`
	DecisionID string   `json:"decisionId,omitempty"`
	Topics     []string `json:"topics,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Deps wires the Orchestrator's collaborators.
type Deps struct {
	Store        Store
	Memory       ShortTermMemory
	Assembler    Assembler
	Generator    proxy.Generator
	Decisions    DecisionRecorder
	Learner      Learner
	Metrics      *metrics.Collector
	DefaultModel string
}

// Orchestrator sequences the stages of a turn.
type Orchestrator struct {
	store        Store
	memory       ShortTermMemory
	assembler    Assembler
	generator    proxy.Generator
	decisions    DecisionRecorder
	learner      Learner
	metrics      *metrics.Collector
	defaultModel string
	validate     *validator.Validate
}

// New creates an Orchestrator. Metrics may be nil.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		store:        d.Store,
		memory:       d.Memory,
		assembler:    d.Assembler,
		generator:    d.Generator,
		decisions:    d.Decisions,
		learner:      d.Learner,
		metrics:      d.Metrics,
		defaultModel: d.DefaultModel,
		validate:     validator.New(),
	}
}

// ProcessMessage runs one turn. A model failure is not an error: the returned
// Result carries a fallback reply with the failure recorded in its metadata.
// Storage failures are returned as *PersistenceError, invalid input as
// *ValidationError, and a session owned by another user as storage.ErrNotOwner.
func (o *Orchestrator) ProcessMessage(ctx context.Context, in Input) (*Result, error) {
	res, err := o.process(ctx, in)
	if err != nil {
		o.metrics.TurnProcessed(metrics.OutcomeError)
		return nil, err
	}
	if res.Fallback {
		o.metrics.TurnProcessed(metrics.OutcomeFallback)
	} else {
		o.metrics.TurnProcessed(metrics.OutcomeSuccess)
	}
	return res, nil
}

func (o *Orchestrator) process(ctx context.Context, in Input) (*Result, error) {
	if err := o.validate.Struct(in); err != nil {
		return nil, &ValidationError{Err: err}
	}
	if in.SessionID == "" {
		in.SessionID = uuid.New().String()
	}
	res := &Result{SessionID: in.SessionID}

	// A session belongs to the user who opened it.
	if err := o.store.ClaimSession(in.SessionID, in.UserID); err != nil {
		if errors.Is(err, storage.ErrNotOwner) {
			return nil, err
		}
		return nil, persistenceErr("claim session", err)
	}

	// 1. Persist the user turn.
	userTurn, err := o.store.AppendChatTurn(storage.ChatTurn{
		SessionID: in.SessionID,
		Role:      storage.RoleUser,
		Content:   in.UserMessage,
	})
	if err != nil {
		return nil, persistenceErr("append user turn", err)
	}
	res.UserTurn = userTurn

	if err := o.memory.SetShortTerm(in.UserID, ActiveSessionKey, in.SessionID, ActiveSessionTTL); err != nil {
		return nil, persistenceErr("record active session", err)
	}

	// 2. Assemble.
	req, err := o.buildRequest(in)
	if err != nil {
		return nil, err
	}
	assembled, err := o.assembler.Assemble(req)
	if err != nil {
		return nil, persistenceErr("assemble context", err)
	}
	slog.Debug("context assembled",
		"session_id", in.SessionID,
		"instructions", len(assembled.Instructions),
		"history", len(assembled.History),
		"est_tokens", assembled.EstimatedTokens(),
	)

	// 3. Generate.
	model := in.SelectedModel
	if model == "" {
		model = o.defaultModel
	}
	start := time.Now()
	reply, genErr := o.generator.Generate(ctx, assembled.Messages(), model)
	o.metrics.ObserveInference(time.Since(start), genErr)
	if genErr == nil && strings.TrimSpace(reply) == "" {
		genErr = proxy.ErrEmptyReply
	}
	if genErr != nil {
		slog.Warn("inference failed, storing fallback reply", "session_id", in.SessionID, "error", genErr)
		turn, err := o.appendReply(in.SessionID, FallbackReply, replyMetadata{Model: model, Error: genErr.Error()})
		if err != nil {
			return nil, err
		}
		res.Reply = turn
		res.Fallback = true
		return res, nil
	}

	// 4. Decision extraction and learning are independent of each other.
	var (
		g        errgroup.Group
		dec      *storage.Decision
		outcomes []learning.Outcome
	)
	g.Go(func() error {
		d, err := o.decisions.Record(in.SessionID, in.UserID, reply)
		if err != nil {
			return persistenceErr("record decision", err)
		}
		dec = d
		return nil
	})
	g.Go(func() error {
		out, err := o.learner.Update(in.UserID, in.UserMessage+"\n"+reply)
		if err != nil {
			return persistenceErr("update learning", err)
		}
		outcomes = out
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	meta := replyMetadata{Model: model}
	if dec != nil {
		meta.DecisionID = dec.ID
		o.metrics.DecisionRecorded()
	}
	for _, oc := range outcomes {
		meta.Topics = append(meta.Topics, oc.Topic)
		o.metrics.TopicUpdated(oc.Created)
	}

	// 5. Persist the reply.
	turn, err := o.appendReply(in.SessionID, reply, meta)
	if err != nil {
		return nil, err
	}
	res.Reply = turn
	res.Decision = dec
	res.Topics = outcomes

	slog.Debug("turn complete",
		"session_id", in.SessionID,
		"decision", dec != nil,
		"topics", len(outcomes),
	)
	return res, nil
}

// buildRequest falls back to the user's saved prompts when the turn carries none.
func (o *Orchestrator) buildRequest(in Input) (composer.Request, error) {
	req := composer.Request{
		SessionID:      in.SessionID,
		UserID:         in.UserID,
		UserMessage:    in.UserMessage,
		SystemPrompts:  in.SystemPrompts,
		ProjectPrompts: in.ProjectPrompts,
		Attachments:    in.Attachments,
		DataContext:    in.DataContext,
	}
	if len(in.SystemPrompts) > 0 || len(in.ProjectPrompts) > 0 {
		return req, nil
	}

	saved, err := o.savedPrompts(in.UserID, storage.PromptSystem)
	if err != nil {
		return req, err
	}
	req.SystemPrompts = saved
	if saved, err = o.savedPrompts(in.UserID, storage.PromptProject); err != nil {
		return req, err
	}
	req.ProjectPrompts = saved
	return req, nil
}

func (o *Orchestrator) savedPrompts(userID, typ string) ([]composer.Prompt, error) {
	prompts, err := o.store.GetPrompts(userID, typ)
	if err != nil {
		return nil, persistenceErr("load "+typ+" prompts", err)
	}
	out := make([]composer.Prompt, 0, len(prompts))
	for _, p := range prompts {
		out = append(out, composer.Prompt{Name: p.Name, Content: p.Content, Priority: p.Priority})
	}
	return out, nil
}

func (o *Orchestrator) appendReply(sessionID, content string, meta replyMetadata) (storage.ChatTurn, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return storage.ChatTurn{}, fmt.Errorf("marshalling reply metadata: %w", err)
	}
	turn, err := o.store.AppendChatTurn(storage.ChatTurn{
		SessionID: sessionID,
		Role:      storage.RoleAssistant,
		Content:   content,
		Metadata:  raw,
	})
	if err != nil {
		return storage.ChatTurn{}, persistenceErr("append assistant turn", err)
	}
	return turn, nil
}
