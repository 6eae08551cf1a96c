// Package learning reinforces a user's long-term topic preferences from the
// topics discussed in each exchange.
package learning

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/siteintel/internal/composer"
	"github.com/kalambet/siteintel/internal/patterns"
	"github.com/kalambet/siteintel/internal/storage"
)

// Category is the long-term memory category topic preferences are stored under.
const Category = "preferences"

// Defaults for reinforcement.
const (
	DefaultIncrement = 0.1
	DefaultBaseline  = 0.5
)

const excerptChars = 200

// MemoryStore defines the storage operation the Updater needs.
// Implemented by storage.Store.
type MemoryStore interface {
	// ReinforceLongTermMemory creates m, or atomically adds inc to the stored
	// confidence and merges patch into the stored value.
	ReinforceLongTermMemory(m storage.LongTermMemory, patch json.RawMessage, inc float64) (storage.LongTermMemory, bool, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Outcome describes what happened to one topic in an Update call.
type Outcome struct {
	Topic      string  `json:"topic"`
	Created    bool    `json:"created"`
	Confidence float64 `json:"confidence"`
}

// Updater matches the topic vocabulary against an exchange and upserts one
// preference entry per distinct topic.
type Updater struct {
	store     MemoryStore
	tables    *patterns.Tables
	clock     Clock
	increment float64
	baseline  float64
}

// NewUpdater creates an Updater with the default increment and baseline.
// A nil tables argument uses the embedded defaults.
func NewUpdater(store MemoryStore, tables *patterns.Tables) *Updater {
	if tables == nil {
		tables = patterns.Default()
	}
	return &Updater{
		store:     store,
		tables:    tables,
		clock:     realClock{},
		increment: DefaultIncrement,
		baseline:  DefaultBaseline,
	}
}

// WithClock replaces the clock (for testing).
func (u *Updater) WithClock(c Clock) *Updater {
	u.clock = c
	return u
}

// WithIncrement overrides the reinforcement step. Non-positive values are ignored.
func (u *Updater) WithIncrement(inc float64) *Updater {
	if inc > 0 {
		u.increment = inc
	}
	return u
}

// Topics returns the distinct topic keys mentioned in text, in table order.
func (u *Updater) Topics(text string) []string {
	var keys []string
	for _, tp := range u.matchTopics(text) {
		keys = append(keys, tp.Key)
	}
	return keys
}

type topicValue struct {
	Topic          string `json:"topic"`
	Label          string `json:"label,omitempty"`
	FirstMentioned string `json:"firstMentioned,omitempty"`
	LastDiscussed  string `json:"lastDiscussed,omitempty"`
	Context        string `json:"context,omitempty"`
}

// Update reinforces every topic found in text for userID. Each topic counts
// once per call no matter how often it appears. The read-increment-write of
// each entry happens inside the store, so concurrent calls for the same user
// each count.
func (u *Updater) Update(userID, text string) ([]Outcome, error) {
	matched := u.matchTopics(text)
	if len(matched) == 0 {
		return nil, nil
	}

	now := u.clock.Now().UTC().Format(time.RFC3339)
	outcomes := make([]Outcome, 0, len(matched))
	for _, tp := range matched {
		initial, err := json.Marshal(topicValue{
			Topic:          tp.Key,
			Label:          tp.Label,
			FirstMentioned: now,
			Context:        composer.Truncate(text, excerptChars),
		})
		if err != nil {
			return outcomes, fmt.Errorf("marshalling preference %q: %w", tp.Key, err)
		}
		patch, err := json.Marshal(topicValue{Topic: tp.Key, LastDiscussed: now})
		if err != nil {
			return outcomes, fmt.Errorf("marshalling preference %q: %w", tp.Key, err)
		}

		stored, created, err := u.store.ReinforceLongTermMemory(storage.LongTermMemory{
			UserID:     userID,
			Category:   Category,
			Key:        tp.Key,
			Value:      initial,
			Confidence: u.baseline,
		}, patch, u.increment)
		if err != nil {
			return outcomes, fmt.Errorf("reinforcing preference %q: %w", tp.Key, err)
		}
		outcomes = append(outcomes, Outcome{Topic: tp.Key, Created: created, Confidence: stored.Confidence})
	}

	slog.Debug("preferences updated", "user_id", userID, "topics", len(outcomes))
	return outcomes, nil
}

func (u *Updater) matchTopics(text string) []patterns.Topic {
	var out []patterns.Topic
	for _, tp := range u.tables.Topics {
		if tp.Match(text) {
			out = append(out, tp)
		}
	}
	return out
}
