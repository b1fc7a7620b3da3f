package poller

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed feeds.json
var defaultFeedsJSON string

//go:embed feeds.schema.json
var feedsSchemaJSON string

// Feed is one configured RSS/Atom source.
type Feed struct {
	ID                string `json:"id"`
	URL               string `json:"url"`
	SourceID          string `json:"source_id"`
	SourceName        string `json:"source_name"`
	CategoryHint      string `json:"category_hint,omitempty"`
	PollPeriodSeconds int    `json:"poll_period_seconds"`
}

var (
	feedsSchemaOnce sync.Once
	feedsSchema     *jsonschema.Schema
	feedsSchemaErr  error
)

// DefaultFeeds returns the embedded feed set.
func DefaultFeeds() ([]Feed, error) {
	feeds, err := ParseFeeds([]byte(defaultFeedsJSON))
	if err != nil {
		return nil, fmt.Errorf("embedded feeds: %w", err)
	}
	return feeds, nil
}

// LoadFeedsFile reads and validates a feeds configuration file.
func LoadFeedsFile(path string) ([]Feed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feeds file: %w", err)
	}
	feeds, err := ParseFeeds(raw)
	if err != nil {
		return nil, fmt.Errorf("feeds file %s: %w", path, err)
	}
	return feeds, nil
}

// ParseFeeds validates raw JSON against the feeds schema and decodes it.
func ParseFeeds(raw []byte) ([]Feed, error) {
	var value any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode feeds JSON: %w", err)
	}

	schema, err := loadFeedsSchema()
	if err != nil {
		return nil, fmt.Errorf("load feeds schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var payload struct {
		Feeds []Feed `json:"feeds"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal feeds: %w", err)
	}

	seen := make(map[string]struct{}, len(payload.Feeds))
	for _, f := range payload.Feeds {
		if _, dup := seen[f.ID]; dup {
			return nil, fmt.Errorf("duplicate feed id %q", f.ID)
		}
		seen[f.ID] = struct{}{}
	}
	return payload.Feeds, nil
}

func loadFeedsSchema() (*jsonschema.Schema, error) {
	feedsSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true
		if err := compiler.AddResource("feeds.schema.json", strings.NewReader(feedsSchemaJSON)); err != nil {
			feedsSchemaErr = err
			return
		}
		feedsSchema, feedsSchemaErr = compiler.Compile("feeds.schema.json")
	})
	return feedsSchema, feedsSchemaErr
}
