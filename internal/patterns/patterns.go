// Package patterns holds the fixed classification tables used to recognise
// decision language and investment topics in conversation text. The tables
// ship embedded and can be replaced by a YAML file with the same shape.
package patterns

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var defaultTables []byte

// Marker is one decision-language pattern.
type Marker struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`

	re *regexp.Regexp
}

// Match reports whether text contains the marker.
func (m Marker) Match(text string) bool {
	return m.re.MatchString(text)
}

// Topic is one entry of the learning vocabulary.
type Topic struct {
	Key     string `yaml:"key"`
	Label   string `yaml:"label"`
	Pattern string `yaml:"pattern"`

	re *regexp.Regexp
}

// Match reports whether text mentions the topic.
func (t Topic) Match(text string) bool {
	return t.re.MatchString(text)
}

// Tables is the compiled set of classification tables.
type Tables struct {
	Markers []Marker
	Topics  []Topic

	strong *regexp.Regexp
	weak   *regexp.Regexp
}

type rawTables struct {
	DecisionMarkers []Marker `yaml:"decision_markers"`
	Qualifiers      struct {
		Strong []string `yaml:"strong"`
		Weak   []string `yaml:"weak"`
	} `yaml:"qualifiers"`
	Topics []Topic `yaml:"topics"`
}

// HasStrongQualifier reports whether text contains a high-certainty qualifier.
func (t *Tables) HasStrongQualifier(text string) bool {
	return t.strong != nil && t.strong.MatchString(text)
}

// HasWeakQualifier reports whether text contains a hedging qualifier.
func (t *Tables) HasWeakQualifier(text string) bool {
	return t.weak != nil && t.weak.MatchString(text)
}

var defaultOnce = sync.OnceValue(func() *Tables {
	t, err := Parse(defaultTables)
	if err != nil {
		panic(fmt.Sprintf("patterns: embedded tables invalid: %v", err))
	}
	return t
})

// Default returns the embedded tables. The result is shared and must not be
// modified.
func Default() *Tables {
	return defaultOnce()
}

// Load reads tables from a YAML file. An empty path returns Default.
func Load(path string) (*Tables, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pattern tables: %w", err)
	}
	return Parse(data)
}

// Parse compiles tables from YAML. All patterns are matched case-insensitively.
func Parse(data []byte) (*Tables, error) {
	var raw rawTables
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding pattern tables: %w", err)
	}
	if len(raw.DecisionMarkers) == 0 {
		return nil, fmt.Errorf("pattern tables define no decision markers")
	}

	t := &Tables{}
	for _, m := range raw.DecisionMarkers {
		re, err := regexp.Compile("(?i)" + m.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling marker %q: %w", m.Name, err)
		}
		m.re = re
		t.Markers = append(t.Markers, m)
	}

	seen := make(map[string]bool, len(raw.Topics))
	for _, tp := range raw.Topics {
		if tp.Key == "" {
			return nil, fmt.Errorf("topic with pattern %q has no key", tp.Pattern)
		}
		if seen[tp.Key] {
			return nil, fmt.Errorf("duplicate topic key %q", tp.Key)
		}
		seen[tp.Key] = true
		re, err := regexp.Compile("(?i)" + tp.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling topic %q: %w", tp.Key, err)
		}
		tp.re = re
		t.Topics = append(t.Topics, tp)
	}

	var err error
	if t.strong, err = wordSet(raw.Qualifiers.Strong); err != nil {
		return nil, fmt.Errorf("compiling strong qualifiers: %w", err)
	}
	if t.weak, err = wordSet(raw.Qualifiers.Weak); err != nil {
		return nil, fmt.Errorf("compiling weak qualifiers: %w", err)
	}
	return t, nil
}

// wordSet builds a whole-word alternation; spaces inside a phrase match any
// run of whitespace.
func wordSet(words []string) (*regexp.Regexp, error) {
	if len(words) == 0 {
		return nil, nil
	}
	alts := make([]string, 0, len(words))
	for _, w := range words {
		fields := strings.Fields(w)
		for i := range fields {
			fields[i] = regexp.QuoteMeta(fields[i])
		}
		alts = append(alts, strings.Join(fields, `\s+`))
	}
	return regexp.Compile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
}
