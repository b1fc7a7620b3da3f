package categorize

import (
	"os"
	"path/filepath"
	"testing"
)

func newDefault(t *testing.T) *Categorizer {
	t.Helper()
	c, err := Default()
	if err != nil {
		t.Fatalf("Default(): %v", err)
	}
	return c
}

func TestCategorize_URLPatternWins(t *testing.T) {
	t.Parallel()

	c := newDefault(t)
	got := c.Categorize("Daily briefing", "", "https://example.com/politics/briefing", "unknown-source")
	if got.Category != "politics" {
		t.Fatalf("expected politics from URL pattern, got %s (%.2f)", got.Category, got.Confidence)
	}
	if got.Confidence < confidenceFloor {
		t.Fatalf("confidence %.2f below floor", got.Confidence)
	}
}

func TestCategorize_SourcePrior(t *testing.T) {
	t.Parallel()

	c := newDefault(t)
	got := c.Categorize("New smartphone chip ships with faster software", "", "https://techcrunch.com/post", "techcrunch")
	if got.Category != "technology" {
		t.Fatalf("expected technology, got %s", got.Category)
	}
}

func TestCategorize_KeywordTiers(t *testing.T) {
	t.Parallel()

	c := newDefault(t)
	got := c.Categorize(
		"Vaccine outbreak response enters clinical trials",
		"FDA reviews the treatment as hospital patients recover",
		"https://example.com/story",
		"unknown",
	)
	if got.Category != "health" {
		t.Fatalf("expected health from keywords, got %s (scores %v)", got.Category, got.Scores)
	}
}

func TestCategorize_GeneralFallbackBelowFloor(t *testing.T) {
	t.Parallel()

	c := newDefault(t)
	got := c.Categorize("Quiet afternoon", "", "https://example.com/misc", "unknown")
	if got.Category != GeneralFallback {
		t.Fatalf("expected general fallback, got %s", got.Category)
	}
	if got.Confidence != 0.0 {
		t.Fatalf("fallback confidence must be 0.0, got %f", got.Confidence)
	}
}

func TestCategorize_ConfidenceBounded(t *testing.T) {
	t.Parallel()

	c := newDefault(t)
	got := c.Categorize(
		"Election ballot senate congress legislation president parliament",
		"campaign vote policy democrat republican governor minister",
		"https://example.com/politics/vote",
		"thehill",
	)
	if got.Confidence < 0 || got.Confidence > 1 {
		t.Fatalf("confidence out of range: %f", got.Confidence)
	}
	if got.Category != "politics" {
		t.Fatalf("expected politics, got %s", got.Category)
	}
}

func TestLoadFile_RejectsInvalidTables(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "tables.json")
	if err := os.WriteFile(path, []byte(`{"url_patterns": {}}`), 0o644); err != nil {
		t.Fatalf("write temp tables: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected schema validation failure for incomplete tables")
	}
}

func TestNew_RejectsUnknownCategory(t *testing.T) {
	t.Parallel()

	_, err := New(Tables{
		URLPatterns: map[string]string{"/weird/": "astrology"},
		Keywords:    map[string]KeywordTiers{},
		Sources:     map[string]map[string]float64{},
	})
	if err == nil {
		t.Fatalf("expected error for unknown category")
	}
}
