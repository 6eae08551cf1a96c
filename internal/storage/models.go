package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalid is returned when a record violates a storage invariant
// (score outside [0,1], unknown role or prompt type, missing key fields).
var ErrInvalid = errors.New("invalid record")

// ErrNotOwner is returned when a session belongs to a different user.
var ErrNotOwner = errors.New("session belongs to another user")

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Prompt types.
const (
	PromptSystem  = "system"
	PromptProject = "project"
)

// LongTermMemory is a durable, confidence-weighted fact about a user.
// Unique per (UserID, Category, Key).
type LongTermMemory struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Category   string          `json:"category"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ShortTermMemory is an expiring per-user key/value fact.
type ShortTermMemory struct {
	UserID    string          `json:"user_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// SessionContext is a small fact scoped to one conversation or deal.
type SessionContext struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	EntityID  string          `json:"entity_id,omitempty"`
	Context   json.RawMessage `json:"context"`
	Relevance float64         `json:"relevance"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Expired reports whether the entry has an expiry at or before now.
func (c SessionContext) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// ChatTurn is one immutable message of a session. CreatedAt and Seq are
// assigned by the store and define ordering.
type ChatTurn struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Seq       int64           `json:"-"`
}

// Decision is a structured recommendation extracted from an assistant reply.
type Decision struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	UserID       string          `json:"user_id"`
	DecisionType string          `json:"decision_type"`
	Decision     json.RawMessage `json:"decision"`
	Reasoning    string          `json:"reasoning"`
	Confidence   float64         `json:"confidence"`
	ImpactValue  *float64        `json:"impact_value,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Prompt is a saved system or project instruction.
type Prompt struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Priority  int       `json:"priority"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// PurgeResult reports how many expired rows PurgeExpired removed.
type PurgeResult struct {
	ShortTerm      int64 `json:"short_term"`
	SessionContext int64 `json:"session_context"`
}
