// Package memory provides access to a user's long-term and short-term memory
// and to the per-session context ledger.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/siteintel/internal/storage"
)

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	GetLongTermMemory(userID, category string) ([]storage.LongTermMemory, error)
	UpsertLongTermMemory(m storage.LongTermMemory) (storage.LongTermMemory, error)
	SetShortTermMemory(m storage.ShortTermMemory) error
	GetShortTermMemory(userID, key string) (storage.ShortTermMemory, error)
	AddSessionContext(c storage.SessionContext) (storage.SessionContext, error)
	GetSessionContext(sessionID string) ([]storage.SessionContext, error)
	PurgeExpired(now time.Time) (storage.PurgeResult, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager wraps the memory tables with expiry handling and the
// confidence-never-decreases rule.
type Manager struct {
	store Store
	clock Clock
}

// NewManager creates a Manager backed by store.
func NewManager(store Store) *Manager {
	return &Manager{store: store, clock: realClock{}}
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock) *Manager {
	return &Manager{store: store, clock: clock}
}

// Facts returns the user's long-term entries, optionally restricted to a category.
func (m *Manager) Facts(userID, category string) ([]storage.LongTermMemory, error) {
	facts, err := m.store.GetLongTermMemory(userID, category)
	if err != nil {
		return nil, fmt.Errorf("loading long-term memory: %w", err)
	}
	return facts, nil
}

// Remember stores an explicit long-term fact. If the fact already exists with
// a higher confidence, the store keeps that confidence.
func (m *Manager) Remember(userID, category, key string, value any, confidence float64) (storage.LongTermMemory, error) {
	raw, err := marshalValue(value)
	if err != nil {
		return storage.LongTermMemory{}, fmt.Errorf("marshalling value for %s/%s: %w", category, key, err)
	}

	stored, err := m.store.UpsertLongTermMemory(storage.LongTermMemory{
		UserID:     userID,
		Category:   category,
		Key:        key,
		Value:      raw,
		Confidence: confidence,
	})
	if err != nil {
		return storage.LongTermMemory{}, fmt.Errorf("storing %s/%s: %w", category, key, err)
	}
	return stored, nil
}

// SetShortTerm stores a value that expires after ttl.
func (m *Manager) SetShortTerm(userID, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("short-term ttl must be positive, got %s", ttl)
	}
	raw, err := marshalValue(value)
	if err != nil {
		return fmt.Errorf("marshalling short-term value %q: %w", key, err)
	}
	if err := m.store.SetShortTermMemory(storage.ShortTermMemory{
		UserID:    userID,
		Key:       key,
		Value:     raw,
		ExpiresAt: m.clock.Now().Add(ttl),
	}); err != nil {
		return fmt.Errorf("storing short-term %q: %w", key, err)
	}
	return nil
}

// GetShortTerm returns a live short-term entry. Expired entries that have not
// been purged yet are reported as storage.ErrNotFound.
func (m *Manager) GetShortTerm(userID, key string) (storage.ShortTermMemory, error) {
	e, err := m.store.GetShortTermMemory(userID, key)
	if err != nil {
		return storage.ShortTermMemory{}, err
	}
	if !e.ExpiresAt.After(m.clock.Now()) {
		return storage.ShortTermMemory{}, storage.ErrNotFound
	}
	return e, nil
}

// AddSessionContext appends a fact to the session ledger. A positive ttl sets
// an expiry; zero keeps the entry for the life of the session.
func (m *Manager) AddSessionContext(entry storage.SessionContext, ttl time.Duration) (storage.SessionContext, error) {
	if ttl > 0 {
		exp := m.clock.Now().Add(ttl)
		entry.ExpiresAt = &exp
	}
	stored, err := m.store.AddSessionContext(entry)
	if err != nil {
		return storage.SessionContext{}, fmt.Errorf("adding session context: %w", err)
	}
	return stored, nil
}

// SessionContext returns the non-expired ledger entries of a session in
// insertion order.
func (m *Manager) SessionContext(sessionID string) ([]storage.SessionContext, error) {
	all, err := m.store.GetSessionContext(sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session context: %w", err)
	}
	now := m.clock.Now()
	live := all[:0]
	for _, c := range all {
		if !c.Expired(now) {
			live = append(live, c)
		}
	}
	return live, nil
}

// Purge removes expired short-term memory and session context.
func (m *Manager) Purge() (storage.PurgeResult, error) {
	res, err := m.store.PurgeExpired(m.clock.Now())
	if err != nil {
		return storage.PurgeResult{}, fmt.Errorf("purging expired memory: %w", err)
	}
	if res.ShortTerm > 0 || res.SessionContext > 0 {
		slog.Info("expired memory purged", "short_term", res.ShortTerm, "session_context", res.SessionContext)
	}
	return res, nil
}

// IsNotFound reports whether err means the entry does not exist or has expired.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func marshalValue(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case json.RawMessage:
		if !json.Valid(val) {
			return nil, fmt.Errorf("invalid JSON value")
		}
		return val, nil
	case []byte:
		if !json.Valid(val) {
			return nil, fmt.Errorf("invalid JSON value")
		}
		return json.RawMessage(val), nil
	default:
		return json.Marshal(val)
	}
}
