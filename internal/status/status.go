// Package status owns story maturity: the update-significance score that
// decides whether an attach bumps feed ordering, and the MONITORING →
// DEVELOPING → VERIFIED → BREAKING transition rules.
package status

import (
	"time"

	"horse.fit/newswire/internal/model"
	"horse.fit/newswire/internal/textsig"
)

// DefaultBreakingWindow is the interval within which continued source
// additions keep a story in BREAKING. Override via config.
const DefaultBreakingWindow = 30 * time.Minute

const (
	timeWeight    = 0.4
	infoWeight    = 0.4
	noveltyWeight = 0.2
)

// Significance scores how much an incoming article changes a story, in [0,1].
// Scores above 0.5 bump last_updated; minor updates do not reorder the feed.
func Significance(story model.Story, articleTitle string, now time.Time) float64 {
	return timeWeight*timeFactor(story.LastUpdated, now) +
		infoWeight*infoFactor(story.Title, articleTitle) +
		noveltyWeight*noveltyFactor(story.SourceCount)
}

// timeFactor rewards stories that have been quiet: a story untouched for six
// hours finds any new source significant.
func timeFactor(lastUpdated, now time.Time) float64 {
	delta := now.Sub(lastUpdated)
	switch {
	case delta < time.Hour:
		return 0.2
	case delta > 6*time.Hour:
		return 0.8
	default:
		// Linear from 0.2 at 1h to 0.8 at 6h.
		return 0.2 + 0.6*float64(delta-time.Hour)/float64(5*time.Hour)
	}
}

// infoFactor rewards titles that say something new: near-duplicates of the
// story title carry little information.
func infoFactor(storyTitle, articleTitle string) float64 {
	sim := textsig.Similarity(storyTitle, articleTitle)
	switch {
	case sim > 0.8:
		return 0.2
	case sim < 0.5:
		return 0.9
	default:
		return 0.5
	}
}

// noveltyFactor rewards early corroboration; the tenth source moves the
// needle less than the second.
func noveltyFactor(sourceCount int) float64 {
	switch {
	case sourceCount == 1:
		return 0.8
	case sourceCount < 5:
		return 0.5
	default:
		return 0.3
	}
}

// Evaluate returns the status the story should hold right now.
func Evaluate(story model.Story, now time.Time, breakingWindow time.Duration) model.Status {
	if breakingWindow <= 0 {
		breakingWindow = DefaultBreakingWindow
	}
	switch {
	case story.SourceCount <= 1:
		return model.StatusMonitoring
	case story.SourceCount == 2:
		return model.StatusDeveloping
	case now.Sub(story.LastSourceAddedAt) <= breakingWindow:
		return model.StatusBreaking
	default:
		return model.StatusVerified
	}
}

// Transitioner applies status changes and fires the breaking hook. The hook
// is an event seam for notification delivery, which lives outside the core.
type Transitioner struct {
	BreakingWindow time.Duration
	// OnBreaking fires when a story enters BREAKING. Optional.
	OnBreaking func(story model.Story)
}

// Apply recomputes the story's status in place and reports whether it
// changed. Setting the same status is a no-op; the transition is idempotent.
func (t *Transitioner) Apply(story *model.Story, now time.Time) bool {
	next := Evaluate(*story, now, t.BreakingWindow)
	if next == story.Status {
		return false
	}
	prev := story.Status
	story.Status = next

	if next == model.StatusBreaking {
		// Keep the original detection time when re-entering within the window.
		if story.BreakingDetectedAt == nil || now.Sub(*story.BreakingDetectedAt) > t.window() {
			detected := now
			story.BreakingDetectedAt = &detected
		}
		if t.OnBreaking != nil && prev != model.StatusBreaking {
			t.OnBreaking(*story)
		}
	}
	// Leaving BREAKING keeps breaking_detected_at; it is informational.
	return true
}

func (t *Transitioner) window() time.Duration {
	if t.BreakingWindow > 0 {
		return t.BreakingWindow
	}
	return DefaultBreakingWindow
}
