// Package metrics keeps process-local counters and component health for the
// admin surface. Counters are rolling windows over hourly buckets; nothing
// here is distributed.
package metrics

import (
	"sync"
	"time"

	"horse.fit/newswire/internal/globaltime"
)

// Component health states.
const (
	StateHealthy  = "healthy"
	StateDegraded = "degraded"
	StateDown     = "down"
)

// Health is one component's reported status.
type Health struct {
	Component      string    `json:"component"`
	State          string    `json:"state"`
	Message        string    `json:"message,omitempty"`
	LastChecked    time.Time `json:"last_checked"`
	ResponseTimeMS int64     `json:"response_time_ms"`
}

// Registry aggregates counters and health reports from all subsystems.
type Registry struct {
	mu sync.Mutex

	articlesIngested   *rolling
	duplicates         *rolling
	parseErrors        *rolling
	storiesCreated     *rolling
	summariesGenerated *rolling
	deadLetters        *rolling

	avgSourcesPerStory float64
	health             map[string]Health
}

func NewRegistry() *Registry {
	return &Registry{
		articlesIngested:   newRolling(),
		duplicates:         newRolling(),
		parseErrors:        newRolling(),
		storiesCreated:     newRolling(),
		summariesGenerated: newRolling(),
		deadLetters:        newRolling(),
		health:             make(map[string]Health),
	}
}

func (r *Registry) ArticleIngested()   { r.articlesIngested.add(1) }
func (r *Registry) DuplicateSkipped()  { r.duplicates.add(1) }
func (r *Registry) ParseError()        { r.parseErrors.add(1) }
func (r *Registry) StoryCreated()      { r.storiesCreated.add(1) }
func (r *Registry) SummaryGenerated()  { r.summariesGenerated.add(1) }
func (r *Registry) DeadLetter()        { r.deadLetters.add(1) }

// SetAvgSourcesPerStory records the latest sweep's measurement.
func (r *Registry) SetAvgSourcesPerStory(avg float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.avgSourcesPerStory = avg
}

// Report records a component's health observation.
func (r *Registry) Report(component, state, message string, responseTime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[component] = Health{
		Component:      component,
		State:          state,
		Message:        message,
		LastChecked:    globaltime.UTC(),
		ResponseTimeMS: responseTime.Milliseconds(),
	}
}

// Snapshot is the admin metrics payload.
type Snapshot struct {
	ArticlesIngested24h   int64    `json:"articles_ingested_24h"`
	Duplicates24h         int64    `json:"duplicates_24h"`
	ParseErrors24h        int64    `json:"parse_errors_24h"`
	StoriesCreated24h     int64    `json:"stories_created_24h"`
	SummariesGenerated24h int64    `json:"summaries_generated_24h"`
	DeadLetters24h        int64    `json:"dead_letters_24h"`
	AvgSourcesPerStory    float64  `json:"avg_sources_per_story"`
	Components            []Health `json:"components"`
}

func (r *Registry) Snapshot() Snapshot {
	const window = 24 * time.Hour

	r.mu.Lock()
	defer r.mu.Unlock()

	components := make([]Health, 0, len(r.health))
	for _, h := range r.health {
		components = append(components, h)
	}
	return Snapshot{
		ArticlesIngested24h:   r.articlesIngested.total(window),
		Duplicates24h:         r.duplicates.total(window),
		ParseErrors24h:        r.parseErrors.total(window),
		StoriesCreated24h:     r.storiesCreated.total(window),
		SummariesGenerated24h: r.summariesGenerated.total(window),
		DeadLetters24h:        r.deadLetters.total(window),
		AvgSourcesPerStory:    r.avgSourcesPerStory,
		Components:            components,
	}
}

// rolling is an hourly-bucketed counter. Buckets older than 48h are pruned on
// write.
type rolling struct {
	mu      sync.Mutex
	buckets map[int64]int64
}

func newRolling() *rolling {
	return &rolling{buckets: make(map[int64]int64)}
}

func (c *rolling) add(n int64) {
	hour := globaltime.UTC().Truncate(time.Hour).Unix()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets[hour] += n
	cutoff := hour - int64((48 * time.Hour).Seconds())
	for b := range c.buckets {
		if b < cutoff {
			delete(c.buckets, b)
		}
	}
}

func (c *rolling) total(window time.Duration) int64 {
	cutoff := globaltime.UTC().Add(-window).Truncate(time.Hour).Unix()
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum int64
	for bucket, n := range c.buckets {
		if bucket >= cutoff {
			sum += n
		}
	}
	return sum
}
