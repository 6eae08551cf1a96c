package decision

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kalambet/siteintel/internal/storage"
)

// Store persists decisions. Implemented by storage.Store.
type Store interface {
	CreateDecision(d storage.Decision) (storage.Decision, error)
}

// Recorder extracts a decision from a reply and persists it.
type Recorder struct {
	extractor *Extractor
	store     Store
}

// NewRecorder creates a Recorder. A nil extractor uses the default tables.
func NewRecorder(extractor *Extractor, store Store) *Recorder {
	if extractor == nil {
		extractor = NewExtractor(nil)
	}
	return &Recorder{extractor: extractor, store: store}
}

// Record classifies reply and stores the resulting decision. It returns
// (nil, nil) when the reply contains no decision language.
func (r *Recorder) Record(sessionID, userID, reply string) (*storage.Decision, error) {
	res := r.extractor.Extract(reply)
	if res == nil {
		return nil, nil
	}

	payload, err := json.Marshal(res.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding decision payload: %w", err)
	}

	d, err := r.store.CreateDecision(storage.Decision{
		SessionID:    sessionID,
		UserID:       userID,
		DecisionType: res.Type,
		Decision:     payload,
		Reasoning:    res.Reasoning,
		Confidence:   res.Confidence,
		ImpactValue:  res.ImpactValue,
	})
	if err != nil {
		return nil, fmt.Errorf("storing decision: %w", err)
	}

	slog.Debug("decision recorded",
		"session_id", sessionID,
		"marker", res.Marker,
		"confidence", res.Confidence,
		"has_impact", res.ImpactValue != nil,
	)
	return &d, nil
}
