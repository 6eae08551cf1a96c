package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/siteintel/internal/attachment"
	"github.com/kalambet/siteintel/internal/composer"
	"github.com/kalambet/siteintel/internal/memory"
	"github.com/kalambet/siteintel/internal/metrics"
	"github.com/kalambet/siteintel/internal/pipeline"
	"github.com/kalambet/siteintel/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxChatBodySize    = 32 << 20 // attachments arrive base64-encoded
	defaultListLimit   = 10
	maxListLimit       = 100
)

// TurnProcessor runs one conversational turn. Implemented by pipeline.Orchestrator.
type TurnProcessor interface {
	ProcessMessage(ctx context.Context, in pipeline.Input) (*pipeline.Result, error)
}

// Deps holds what the HTTP handlers need.
type Deps struct {
	Store        *storage.Store
	Memory       *memory.Manager
	Orchestrator TurnProcessor
	Metrics      *metrics.Collector
	Token        string
	// BreakerState reports the upstream breaker for /health; optional.
	BreakerState func() string
}

// NewHandler returns the service's HTTP routes. /health and /metrics are
// public; everything under /v1 needs the bearer token and an X-User-ID header.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	r.Handle("/metrics", deps.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(RequireUser)

		r.Post("/chat", handleChat(deps))
		r.Get("/sessions/{id}/messages", handleSessionMessages(deps))
		r.Get("/sessions/{id}/decisions", handleSessionDecisions(deps))
		r.Post("/sessions/{id}/context", handleAddSessionContext(deps))
		r.Get("/memory", handleListMemory(deps))
		r.Put("/memory/{category}/{key}", handlePutMemory(deps))
		r.Get("/prompts", handleListPrompts(deps))
		r.Post("/prompts", handleCreatePrompt(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{"status": "ok"}
		if deps.BreakerState != nil {
			body["upstream"] = deps.BreakerState()
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	SessionID      string              `json:"sessionId" validate:"omitempty,max=128"`
	Message        string              `json:"message" validate:"required"`
	SystemPrompts  []composer.Prompt   `json:"systemPrompts" validate:"dive"`
	ProjectPrompts []composer.Prompt   `json:"projectPrompts" validate:"dive"`
	Attachments    []attachment.Upload `json:"attachments" validate:"max=10,dive"`
	DataContext    json.RawMessage     `json:"dataContext"`
	Model          string              `json:"model" validate:"omitempty,max=200"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if !decodeAndValidate(w, r, maxChatBodySize, &req) {
			return
		}

		atts := make([]composer.Attachment, 0, len(req.Attachments))
		for _, up := range req.Attachments {
			att, err := attachment.Extract(up)
			if err != nil {
				httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "attachment: %v", err)
				return
			}
			atts = append(atts, att)
		}

		res, err := deps.Orchestrator.ProcessMessage(r.Context(), pipeline.Input{
			SessionID:      req.SessionID,
			UserID:         userFrom(r.Context()),
			UserMessage:    req.Message,
			SystemPrompts:  req.SystemPrompts,
			ProjectPrompts: req.ProjectPrompts,
			Attachments:    atts,
			DataContext:    req.DataContext,
			SelectedModel:  req.Model,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// checkSessionOwner returns storage.ErrNotOwner when another user claimed
// the session. Unclaimed sessions are open to anyone.
func checkSessionOwner(store *storage.Store, sessionID, userID string) error {
	owner, err := store.SessionOwner(sessionID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return err
	case owner != userID:
		return storage.ErrNotOwner
	}
	return nil
}

func handleSessionMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")
		if err := checkSessionOwner(deps.Store, sessionID, userFrom(r.Context())); err != nil {
			writeError(w, err)
			return
		}
		turns, err := deps.Store.GetSessionMessages(sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		if turns == nil {
			turns = []storage.ChatTurn{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": turns})
	}
}

func handleSessionDecisions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = min(n, maxListLimit)
		}

		sessionID := chi.URLParam(r, "id")
		if err := checkSessionOwner(deps.Store, sessionID, userFrom(r.Context())); err != nil {
			writeError(w, err)
			return
		}
		decisions, err := deps.Store.GetRecentDecisions(sessionID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if decisions == nil {
			decisions = []storage.Decision{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
	}
}

// SessionContextRequest is the body of POST /v1/sessions/{id}/context.
type SessionContextRequest struct {
	Type       string          `json:"type" validate:"required,max=64"`
	EntityID   string          `json:"entityId" validate:"omitempty,max=128"`
	Context    json.RawMessage `json:"context" validate:"required"`
	Relevance  *float64        `json:"relevance" validate:"omitempty,gte=0,lte=1"`
	TTLSeconds int             `json:"ttlSeconds" validate:"gte=0"`
}

func handleAddSessionContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SessionContextRequest
		if !decodeAndValidate(w, r, maxRequestBodySize, &req) {
			return
		}
		if !json.Valid(req.Context) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "context must be valid JSON")
			return
		}
		relevance := 1.0
		if req.Relevance != nil {
			relevance = *req.Relevance
		}

		sessionID := chi.URLParam(r, "id")
		if err := deps.Store.ClaimSession(sessionID, userFrom(r.Context())); err != nil {
			writeError(w, err)
			return
		}
		entry, err := deps.Memory.AddSessionContext(storage.SessionContext{
			SessionID: sessionID,
			UserID:    userFrom(r.Context()),
			Type:      req.Type,
			EntityID:  req.EntityID,
			Context:   req.Context,
			Relevance: relevance,
		}, time.Duration(req.TTLSeconds)*time.Second)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
	}
}

func handleListMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		facts, err := deps.Memory.Facts(userFrom(r.Context()), r.URL.Query().Get("category"))
		if err != nil {
			writeError(w, err)
			return
		}
		if facts == nil {
			facts = []storage.LongTermMemory{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"memory": facts})
	}
}

// MemoryRequest is the body of PUT /v1/memory/{category}/{key}.
type MemoryRequest struct {
	Value      json.RawMessage `json:"value" validate:"required"`
	Confidence float64         `json:"confidence" validate:"gte=0,lte=1"`
}

func handlePutMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MemoryRequest
		if !decodeAndValidate(w, r, maxRequestBodySize, &req) {
			return
		}
		stored, err := deps.Memory.Remember(
			userFrom(r.Context()),
			chi.URLParam(r, "category"),
			chi.URLParam(r, "key"),
			req.Value,
			req.Confidence,
		)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stored)
	}
}

func handleListPrompts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		typ := r.URL.Query().Get("type")
		if typ != "" && typ != storage.PromptSystem && typ != storage.PromptProject {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "type must be system or project")
			return
		}
		prompts, err := deps.Store.GetPrompts(userFrom(r.Context()), typ)
		if err != nil {
			writeError(w, err)
			return
		}
		if prompts == nil {
			prompts = []storage.Prompt{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"prompts": prompts})
	}
}

// PromptRequest is the body of POST /v1/prompts.
type PromptRequest struct {
	Name     string `json:"name" validate:"required,max=200"`
	Type     string `json:"type" validate:"required,oneof=system project"`
	Content  string `json:"content" validate:"required"`
	Priority int    `json:"priority"`
}

func handleCreatePrompt(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PromptRequest
		if !decodeAndValidate(w, r, maxRequestBodySize, &req) {
			return
		}
		p, err := deps.Store.CreatePrompt(storage.Prompt{
			UserID:   userFrom(r.Context()),
			Name:     req.Name,
			Type:     req.Type,
			Content:  req.Content,
			Priority: req.Priority,
			Active:   true,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}
