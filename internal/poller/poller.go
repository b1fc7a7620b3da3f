// Package poller keeps the ingest pipeline fed without thundering herds. A
// coordinator ticks every cycle, picks the handful of feeds that are due
// (oldest-polled first), commits their next due time before fetching, and
// fans the fetches out to a bounded worker group.
package poller

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"horse.fit/newswire/internal/categorize"
	"horse.fit/newswire/internal/globaltime"
	"horse.fit/newswire/internal/metrics"
	"horse.fit/newswire/internal/model"
	"horse.fit/newswire/internal/store"
)

// Options are the poller tunables. Zero values take the defaults below.
type Options struct {
	CyclePeriod     time.Duration
	BatchSize       int
	FetchTimeout    time.Duration
	MaxConcurrent   int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	ClockSkewBudget time.Duration
	RatePerSecond   float64
}

const (
	defaultCyclePeriod     = 10 * time.Second
	defaultBatchSize       = 5
	defaultFetchTimeout    = 30 * time.Second
	defaultMaxConcurrent   = 10
	defaultBaseBackoff     = 30 * time.Second
	defaultMaxBackoff      = 5 * time.Minute
	defaultClockSkewBudget = 5 * time.Minute
	defaultRatePerSecond   = 5
)

func (o Options) withDefaults() Options {
	if o.CyclePeriod <= 0 {
		o.CyclePeriod = defaultCyclePeriod
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = defaultFetchTimeout
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = defaultMaxConcurrent
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = defaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	if o.ClockSkewBudget <= 0 {
		o.ClockSkewBudget = defaultClockSkewBudget
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = defaultRatePerSecond
	}
	return o
}

// Poller is the staggered feed-ingest coordinator.
type Poller struct {
	feeds       []Feed
	states      *store.PollStates
	articles    *store.Articles
	categorizer *categorize.Categorizer
	client      *http.Client
	limiter     *rate.Limiter
	registry    *metrics.Registry
	logger      zerolog.Logger
	opts        Options
}

func New(
	feeds []Feed,
	states *store.PollStates,
	articles *store.Articles,
	categorizer *categorize.Categorizer,
	registry *metrics.Registry,
	logger zerolog.Logger,
	opts Options,
) *Poller {
	opts = opts.withDefaults()
	return &Poller{
		feeds:       feeds,
		states:      states,
		articles:    articles,
		categorizer: categorizer,
		client:      &http.Client{Timeout: opts.FetchTimeout},
		limiter:     rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		registry:    registry,
		logger:      logger.With().Str("component", "poller").Logger(),
		opts:        opts,
	}
}

// Run ticks until the context ends. The in-flight cycle finishes before Run
// returns, so shutdown never abandons a half-written poll state.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.CyclePeriod)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error().Err(err).Msg("poll cycle failed")
			p.registry.Report("poller", metrics.StateDegraded, err.Error(), 0)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	FeedsPolled int
	Inserted    int
	Duplicates  int
}

// RunOnce selects due feeds, commits their schedules, and fetches them.
func (p *Poller) RunOnce(ctx context.Context) (CycleResult, error) {
	start := globaltime.UTC()
	due, err := p.selectDue(ctx, start)
	if err != nil {
		return CycleResult{}, err
	}
	if len(due) == 0 {
		p.registry.Report("poller", metrics.StateHealthy, "idle cycle", globaltime.Since(start))
		return CycleResult{}, nil
	}

	var result CycleResult
	result.FeedsPolled = len(due)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxConcurrent)
	outcomes := make([]fetchOutcome, len(due))
	for i, d := range due {
		i, d := i, d
		g.Go(func() error {
			outcomes[i] = p.fetchFeed(gctx, d.feed, d.state)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	for _, o := range outcomes {
		result.Inserted += o.inserted
		result.Duplicates += o.duplicates
	}
	p.registry.Report("poller", metrics.StateHealthy, "", globaltime.Since(start))
	p.logger.Debug().
		Int("feeds", result.FeedsPolled).
		Int("inserted", result.Inserted).
		Int("duplicates", result.Duplicates).
		Msg("poll cycle finished")
	return result, nil
}

type dueFeed struct {
	feed  Feed
	state model.PollState
}

// selectDue picks up to BatchSize feeds whose schedule has elapsed, oldest
// poll first so no feed starves. Each selected feed's next_due_at is committed
// before any fetch starts: a crash mid-cycle cannot double-poll the window.
func (p *Poller) selectDue(ctx context.Context, now time.Time) ([]dueFeed, error) {
	var candidates []dueFeed
	for _, f := range p.feeds {
		state, err := p.states.Get(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		if state.NextDueAt.After(now) || now.Before(state.BackoffUntil) {
			continue
		}
		candidates = append(candidates, dueFeed{feed: f, state: state})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].state.LastPollAt.Equal(candidates[j].state.LastPollAt) {
			return candidates[i].state.LastPollAt.Before(candidates[j].state.LastPollAt)
		}
		return candidates[i].feed.ID < candidates[j].feed.ID
	})
	if len(candidates) > p.opts.BatchSize {
		candidates = candidates[:p.opts.BatchSize]
	}

	for i := range candidates {
		c := &candidates[i]
		c.state.LastPollAt = now
		c.state.NextDueAt = now.Add(time.Duration(c.feed.PollPeriodSeconds) * time.Second)
		if err := p.states.Put(ctx, c.state); err != nil {
			return nil, err
		}
	}
	return candidates, nil
}
