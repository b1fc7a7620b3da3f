// Package model defines the documents the pipeline reads and writes: raw
// articles, story clusters, poller state, and batch-summarization tracking.
package model

import (
	"fmt"
	"time"
)

// Status is the verification maturity of a story.
type Status string

const (
	StatusMonitoring Status = "MONITORING"
	StatusDeveloping Status = "DEVELOPING"
	StatusVerified   Status = "VERIFIED"
	StatusBreaking   Status = "BREAKING"
)

func (s Status) Valid() bool {
	switch s {
	case StatusMonitoring, StatusDeveloping, StatusVerified, StatusBreaking:
		return true
	}
	return false
}

// Visible reports whether clients may see stories in this status. Single-source
// MONITORING stories never leave the backend.
func (s Status) Visible() bool {
	return s == StatusDeveloping || s == StatusVerified || s == StatusBreaking
}

// Article is a single source's rendering of a news event. Immutable after
// insert except for Processed and StoryID, which the clustering consumer sets.
type Article struct {
	ID                 string     `json:"id"`
	Source             string     `json:"source"`
	SourceName         string     `json:"source_name"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	URL                string     `json:"url"`
	MediaURL           string     `json:"media_url,omitempty"`
	PublishedAt        time.Time  `json:"published_at"`
	FetchedAt          time.Time  `json:"fetched_at"`
	Category           string     `json:"category"`
	CategoryConfidence float64    `json:"category_confidence"`
	StoryFingerprint   string     `json:"story_fingerprint"`
	Processed          bool       `json:"processed"`
	StoryID            string     `json:"story_id,omitempty"`
}

// SourceArticle is one entry in a story's ordered source list.
type SourceArticle struct {
	ArticleID   string    `json:"article_id"`
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

// Summary is the AI summary attached to a story. Version equals the story's
// source_count at the moment of generation.
type Summary struct {
	Text        string    `json:"text"`
	Version     int       `json:"version"`
	GeneratedAt time.Time `json:"generated_at"`
	Model       string    `json:"model"`
	WordCount   int       `json:"word_count"`
}

// Story is a cluster of articles believed to describe the same event.
type Story struct {
	ID                 string          `json:"id"`
	Category           string          `json:"category"`
	Title              string          `json:"title"`
	PrimarySource      string          `json:"primary_source"`
	SourceArticles     []SourceArticle `json:"source_articles"`
	SourceCount        int             `json:"source_count"`
	EventFingerprint   string          `json:"event_fingerprint"`
	Status             Status          `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	LastUpdated        time.Time       `json:"last_updated"`
	LastSourceAddedAt  time.Time       `json:"last_source_added_at"`
	BreakingDetectedAt *time.Time      `json:"breaking_detected_at,omitempty"`
	UpdateSignificance float64         `json:"update_significance"`
	Summary            *Summary        `json:"summary,omitempty"`
	SummaryAttempts    int             `json:"summary_attempts"`
	LastSummaryError   string          `json:"last_summary_error,omitempty"`
}

// HasSource reports whether the story already carries an article from the
// given source id.
func (s *Story) HasSource(source string) bool {
	for _, sa := range s.SourceArticles {
		if sa.Source == source {
			return true
		}
	}
	return false
}

// ContainsArticle reports whether the article id is already attached.
func (s *Story) ContainsArticle(articleID string) bool {
	for _, sa := range s.SourceArticles {
		if sa.ArticleID == articleID {
			return true
		}
	}
	return false
}

// CheckInvariants validates the structural invariants every persisted story
// must satisfy. A violation is a programmer error, not an operational one.
func (s *Story) CheckInvariants() error {
	if s.SourceCount != len(s.SourceArticles) {
		return fmt.Errorf("story %s: source_count=%d but %d source articles", s.ID, s.SourceCount, len(s.SourceArticles))
	}
	seen := make(map[string]struct{}, len(s.SourceArticles))
	for _, sa := range s.SourceArticles {
		if _, dup := seen[sa.Source]; dup {
			return fmt.Errorf("story %s: duplicate source %q", s.ID, sa.Source)
		}
		seen[sa.Source] = struct{}{}
	}
	if s.Status == StatusBreaking && s.SourceCount < 3 {
		return fmt.Errorf("story %s: BREAKING with source_count=%d", s.ID, s.SourceCount)
	}
	if s.Summary != nil && s.Summary.Version > s.SourceCount {
		return fmt.Errorf("story %s: summary version %d exceeds source_count %d", s.ID, s.Summary.Version, s.SourceCount)
	}
	return nil
}

// NeedsSummary reports whether the story qualifies for summary generation:
// past MONITORING and either never summarized or grown since the last summary.
func (s *Story) NeedsSummary() bool {
	if s.SourceCount < 1 || s.Status == StatusMonitoring {
		return false
	}
	return s.Summary == nil || s.Summary.Version < s.SourceCount
}

// PollState is the per-feed scheduling record owned by the poller coordinator.
type PollState struct {
	FeedID       string    `json:"feed_id"`
	LastPollAt   time.Time `json:"last_poll_at"`
	NextDueAt    time.Time `json:"next_due_at"`
	FailureCount int       `json:"failure_count"`
	BackoffUntil time.Time `json:"backoff_until"`
	ETag         string    `json:"http_etag,omitempty"`
	LastModified string    `json:"http_last_modified,omitempty"`
	ItemsFetched int64     `json:"items_fetched"`
	Duplicates   int64     `json:"duplicates"`
	LastError    string    `json:"last_error,omitempty"`
}

// BatchRecord tracks one submitted summarization batch.
type BatchRecord struct {
	BatchID      string    `json:"batch_id"`
	Status       string    `json:"status"`
	SubmittedAt  time.Time `json:"submitted_at"`
	StoryIDs     []string  `json:"story_ids"`
	CostEstimate float64   `json:"cost_estimate"`
}
