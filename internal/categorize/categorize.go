// Package categorize assigns one of a closed set of categories to an incoming
// article by blending three signals: URL patterns, tiered keyword matches, and
// a per-source prior. The tables are configuration data, not code: defaults
// are embedded, and an override file can be loaded at startup after schema
// validation.
package categorize

import (
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Categories is the closed set. Everything below the confidence floor falls
// back to "general".
var Categories = []string{
	"politics", "technology", "business", "sports", "world",
	"science", "health", "entertainment", "environment", "general",
}

const (
	// GeneralFallback is returned when no signal clears the floor.
	GeneralFallback = "general"

	urlWeight     = 0.4
	keywordWeight = 0.4
	sourceWeight  = 0.2

	confidenceFloor = 0.30

	tierHigh   = 3
	tierMedium = 2
	tierLow    = 1

	keywordScoreDivisor = 10.0
)

// KeywordTiers holds a category's keyword dictionary by signal strength.
type KeywordTiers struct {
	High   []string `json:"high"`
	Medium []string `json:"medium"`
	Low    []string `json:"low"`
}

// Tables is the loadable scoring configuration.
type Tables struct {
	// URLPatterns maps a URL substring to the category it implies.
	URLPatterns map[string]string `json:"url_patterns"`
	// Keywords maps category to tiered dictionaries.
	Keywords map[string]KeywordTiers `json:"keywords"`
	// Sources maps a source id to its category distribution.
	Sources map[string]map[string]float64 `json:"sources"`
}

// Result is the categorization outcome including the full score vector.
type Result struct {
	Category   string
	Confidence float64
	Scores     map[string]float64
}

// Categorizer is immutable after construction and safe for concurrent use.
type Categorizer struct {
	tables Tables
	// keywordIndex maps token -> category -> tier weight for single-pass
	// scoring.
	keywordIndex map[string]map[string]int
}

// New builds a categorizer from validated tables.
func New(tables Tables) (*Categorizer, error) {
	if err := validateTables(tables); err != nil {
		return nil, err
	}
	idx := make(map[string]map[string]int)
	add := func(category, word string, weight int) {
		word = strings.ToLower(strings.TrimSpace(word))
		if word == "" {
			return
		}
		byCategory, ok := idx[word]
		if !ok {
			byCategory = make(map[string]int)
			idx[word] = byCategory
		}
		if weight > byCategory[category] {
			byCategory[category] = weight
		}
	}
	for category, tiers := range tables.Keywords {
		for _, w := range tiers.High {
			add(category, w, tierHigh)
		}
		for _, w := range tiers.Medium {
			add(category, w, tierMedium)
		}
		for _, w := range tiers.Low {
			add(category, w, tierLow)
		}
	}
	return &Categorizer{tables: tables, keywordIndex: idx}, nil
}

// Default builds a categorizer from the embedded tables.
func Default() (*Categorizer, error) {
	tables, err := parseTables([]byte(defaultTablesJSON))
	if err != nil {
		return nil, fmt.Errorf("embedded tables: %w", err)
	}
	return New(tables)
}

// LoadFile builds a categorizer from an override tables file.
func LoadFile(path string) (*Categorizer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tables file: %w", err)
	}
	tables, err := parseTables(raw)
	if err != nil {
		return nil, fmt.Errorf("tables file %s: %w", path, err)
	}
	return New(tables)
}

// Categorize scores the article and returns the winning category with its
// blended confidence. Pure: no I/O, no shared mutable state.
func (c *Categorizer) Categorize(title, description, url, source string) Result {
	scores := make(map[string]float64, len(Categories))

	urlScores := c.scoreURL(url)
	keywordScores := c.scoreKeywords(title + " " + description)
	sourceScores := c.scoreSource(source)

	for _, category := range Categories {
		scores[category] = urlWeight*urlScores[category] +
			keywordWeight*keywordScores[category] +
			sourceWeight*sourceScores[category]
	}

	best := GeneralFallback
	bestScore := 0.0
	for _, category := range Categories {
		if scores[category] > bestScore {
			best = category
			bestScore = scores[category]
		}
	}

	if bestScore < confidenceFloor {
		return Result{Category: GeneralFallback, Confidence: 0.0, Scores: scores}
	}
	return Result{Category: best, Confidence: bestScore, Scores: scores}
}

func (c *Categorizer) scoreURL(url string) map[string]float64 {
	scores := make(map[string]float64)
	lowered := strings.ToLower(url)
	for pattern, category := range c.tables.URLPatterns {
		if strings.Contains(lowered, pattern) {
			scores[category] = 1.0
		}
	}
	return scores
}

func (c *Categorizer) scoreKeywords(text string) map[string]float64 {
	raw := make(map[string]float64)
	for _, token := range tokenizeWords(text) {
		for category, weight := range c.keywordIndex[token] {
			raw[category] += float64(weight)
		}
	}
	for category, score := range raw {
		score /= keywordScoreDivisor
		if score > 1.0 {
			score = 1.0
		}
		raw[category] = score
	}
	return raw
}

func (c *Categorizer) scoreSource(source string) map[string]float64 {
	dist, ok := c.tables.Sources[strings.ToLower(strings.TrimSpace(source))]
	if !ok {
		return nil
	}
	return dist
}

func validateTables(tables Tables) error {
	known := make(map[string]struct{}, len(Categories))
	for _, c := range Categories {
		known[c] = struct{}{}
	}
	for pattern, category := range tables.URLPatterns {
		if _, ok := known[category]; !ok {
			return fmt.Errorf("url pattern %q maps to unknown category %q", pattern, category)
		}
	}
	for category := range tables.Keywords {
		if _, ok := known[category]; !ok {
			return fmt.Errorf("keyword tiers reference unknown category %q", category)
		}
	}
	for source, dist := range tables.Sources {
		for category, weight := range dist {
			if _, ok := known[category]; !ok {
				return fmt.Errorf("source %q references unknown category %q", source, category)
			}
			if weight < 0 || weight > 1 {
				return fmt.Errorf("source %q weight for %q out of [0,1]: %f", source, category, weight)
			}
		}
	}
	return nil
}

func tokenizeWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
