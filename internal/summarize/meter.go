package summarize

import (
	"sync"
	"time"

	"horse.fit/newswire/internal/globaltime"
)

// costMeter tracks approximate provider spend per rolling hour. It is
// process-local; the ceiling is a budget brake, not an accounting system.
type costMeter struct {
	mu      sync.Mutex
	buckets map[int64]float64
}

func newCostMeter() *costMeter {
	return &costMeter{buckets: make(map[int64]float64)}
}

func (m *costMeter) add(cost float64) {
	now := globaltime.UTC()
	hour := now.Truncate(time.Hour).Unix()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[hour] += cost
	cutoff := hour - int64((2 * time.Hour).Seconds())
	for b := range m.buckets {
		if b < cutoff {
			delete(m.buckets, b)
		}
	}
}

// hourSpend is the total recorded over the trailing hour.
func (m *costMeter) hourSpend() float64 {
	cutoff := globaltime.UTC().Add(-time.Hour).Truncate(time.Hour).Unix()
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for bucket, cost := range m.buckets {
		if bucket >= cutoff {
			sum += cost
		}
	}
	return sum
}
