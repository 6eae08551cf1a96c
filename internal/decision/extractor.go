// Package decision classifies assistant replies into structured decision
// records using the fixed marker tables from package patterns.
package decision

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kalambet/siteintel/internal/composer"
	"github.com/kalambet/siteintel/internal/patterns"
)

// TypeRecommendation is the only decision type produced today.
const TypeRecommendation = "recommendation"

// Confidence levels assigned from qualifiers found in the reply.
const (
	ConfidenceStrong  = 0.9
	ConfidenceWeak    = 0.6
	ConfidenceDefault = 0.75
)

// MaxReasoningChars bounds the reasoning excerpt stored with a decision.
const MaxReasoningChars = 500

// moneyPattern matches a dollar amount with an optional magnitude suffix.
// Only the first match in a reply is used.
var moneyPattern = regexp.MustCompile(`(?i)\$\s?(\d[\d,]*(?:\.\d+)?)(?:\s*(million|thousand|m|k)\b)?`)

// Payload is the JSON body stored in a decision record.
type Payload struct {
	FullResponse string `json:"fullResponse"`
	Marker       string `json:"marker"`
}

// Result is the outcome of classifying one reply.
type Result struct {
	Type        string
	Marker      string
	Confidence  float64
	ImpactValue *float64
	Reasoning   string
	Payload     Payload
}

// Extractor applies the decision marker table to reply text.
type Extractor struct {
	tables *patterns.Tables
}

// NewExtractor creates an Extractor. A nil tables argument uses the embedded defaults.
func NewExtractor(tables *patterns.Tables) *Extractor {
	if tables == nil {
		tables = patterns.Default()
	}
	return &Extractor{tables: tables}
}

// Extract returns the decision expressed in text, or nil when no marker
// matches. The result depends only on text and the tables.
func (e *Extractor) Extract(text string) *Result {
	var marker string
	for _, m := range e.tables.Markers {
		if m.Match(text) {
			marker = m.Name
			break
		}
	}
	if marker == "" {
		return nil
	}

	return &Result{
		Type:        TypeRecommendation,
		Marker:      marker,
		Confidence:  e.confidence(text),
		ImpactValue: ParseImpact(text),
		Reasoning:   composer.Truncate(text, MaxReasoningChars),
		Payload:     Payload{FullResponse: text, Marker: marker},
	}
}

// confidence checks strong qualifiers before weak ones, so a reply carrying
// both is classified strong.
func (e *Extractor) confidence(text string) float64 {
	switch {
	case e.tables.HasStrongQualifier(text):
		return ConfidenceStrong
	case e.tables.HasWeakQualifier(text):
		return ConfidenceWeak
	default:
		return ConfidenceDefault
	}
}

// ParseImpact returns the value of the first dollar amount in text, scaled by
// its magnitude suffix, or nil when text has none.
func ParseImpact(text string) *float64 {
	m := moneyPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return nil
	}
	switch strings.ToLower(m[2]) {
	case "million", "m":
		v *= 1_000_000
	case "thousand", "k":
		v *= 1_000
	}
	return &v
}
