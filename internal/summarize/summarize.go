// Package summarize attaches AI summaries to stories that have matured past
// MONITORING. Work arrives on the story change feed and from a periodic
// backfill sweep, flows through a coalescing bounded queue, and is executed by
// a fixed worker pool under a per-story lock and an hourly cost ceiling.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"horse.fit/newswire/internal/docstore"
	"horse.fit/newswire/internal/globaltime"
	"horse.fit/newswire/internal/llm"
	"horse.fit/newswire/internal/metrics"
	"horse.fit/newswire/internal/model"
	"horse.fit/newswire/internal/store"
)

// Options are the summarizer tunables. Zero values take the defaults below.
type Options struct {
	Workers            int
	QueueCapacity      int
	MaxConcurrentCalls int64
	CallTimeout        time.Duration
	TransientRetries   int
	BackfillWindow     time.Duration
	HourlyCostCeiling  float64
	// BatchThreshold is the queue depth at which old stories divert to the
	// provider's batch path. Zero disables batching.
	BatchThreshold      int
	BatchFastPathCutoff time.Duration
	BatchMaxSize        int
	BatchPollInterval   time.Duration
	LeasePrefix         string
}

const (
	defaultWorkers             = 4
	defaultQueueCapacity       = 256
	defaultMaxConcurrentCalls  = 4
	defaultCallTimeout         = 30 * time.Second
	defaultTransientRetries    = 2
	defaultBackfillWindow      = 4 * time.Hour
	defaultHourlyCostCeiling   = 5.0
	defaultBatchFastPathCutoff = time.Hour
	defaultBatchMaxSize        = 50
	defaultBatchPollInterval   = time.Minute
	defaultLeasePrefix         = "summarize"

	writeRetries = 3
)

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = defaultQueueCapacity
	}
	if o.MaxConcurrentCalls <= 0 {
		o.MaxConcurrentCalls = defaultMaxConcurrentCalls
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.TransientRetries < 0 {
		o.TransientRetries = defaultTransientRetries
	}
	if o.BackfillWindow <= 0 {
		o.BackfillWindow = defaultBackfillWindow
	}
	if o.HourlyCostCeiling <= 0 {
		o.HourlyCostCeiling = defaultHourlyCostCeiling
	}
	if o.BatchFastPathCutoff <= 0 {
		o.BatchFastPathCutoff = defaultBatchFastPathCutoff
	}
	if o.BatchMaxSize <= 0 {
		o.BatchMaxSize = defaultBatchMaxSize
	}
	if o.BatchPollInterval <= 0 {
		o.BatchPollInterval = defaultBatchPollInterval
	}
	if o.LeasePrefix == "" {
		o.LeasePrefix = defaultLeasePrefix
	}
	return o
}

// Dispatcher owns the summarization pipeline.
type Dispatcher struct {
	stories  *store.Stories
	articles *store.Articles
	batches  *store.Batches
	provider llm.Provider
	registry *metrics.Registry
	logger   zerolog.Logger
	opts     Options

	queue *queue
	locks *storyLocks
	sem   *semaphore.Weighted
	meter *costMeter
}

func New(
	stories *store.Stories,
	articles *store.Articles,
	batches *store.Batches,
	provider llm.Provider,
	registry *metrics.Registry,
	logger zerolog.Logger,
	opts Options,
) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		stories:  stories,
		articles: articles,
		batches:  batches,
		provider: provider,
		registry: registry,
		logger:   logger.With().Str("component", "summarize").Logger(),
		opts:     opts,
		queue:    newQueue(opts.QueueCapacity),
		locks:    newStoryLocks(),
		sem:      semaphore.NewWeighted(opts.MaxConcurrentCalls),
		meter:    newCostMeter(),
	}
}

// Run starts the change-feed consumer, the worker pool, and the batch poller,
// and blocks until the context ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.consumeFeed(gctx) })
	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error { return d.worker(gctx) })
	}
	g.Go(func() error { return d.pollBatches(gctx) })
	return g.Wait()
}

// consumeFeed enqueues every upserted story that qualifies. The checkpoint
// always advances: a story missed here is caught by the backfill sweep, so
// redelivery pressure is not worth holding the lease back.
func (d *Dispatcher) consumeFeed(ctx context.Context) error {
	feed, err := d.stories.ChangeFeed(ctx, d.opts.LeasePrefix)
	if err != nil {
		return fmt.Errorf("open story change feed: %w", err)
	}
	defer feed.Close()

	for {
		batch, err := feed.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read story change feed: %w", err)
		}
		for _, doc := range batch.Docs {
			story, err := store.DecodeStory(doc)
			if err != nil {
				d.logger.Error().Err(err).Str("doc", doc.ID).Msg("undecodable story skipped")
				continue
			}
			d.maybeEnqueue(story)
		}
		if err := feed.Checkpoint(ctx, batch); err != nil {
			d.logger.Error().Err(err).Int64("end_seq", batch.EndSeq).Msg("checkpoint failed")
		}
	}
}

func (d *Dispatcher) maybeEnqueue(story model.Story) {
	if !story.NeedsSummary() {
		return
	}
	if !d.queue.push(item{storyID: story.ID, category: story.Category}) {
		d.logger.Warn().Str("story", story.ID).Msg("summary queue full, deferring to backfill")
	}
}

// Backfill sweeps the recent story window and enqueues anything the change
// feed missed. Stories older than the window stay unsummarized; that cutoff
// is a spend decision.
func (d *Dispatcher) Backfill(ctx context.Context) error {
	start := globaltime.UTC()
	stories, err := d.stories.Window(ctx, "", start.Add(-d.opts.BackfillWindow))
	if err != nil {
		d.registry.Report("summarizer", metrics.StateDegraded, err.Error(), globaltime.Since(start))
		return fmt.Errorf("backfill query: %w", err)
	}
	enqueued := 0
	for _, story := range stories {
		if story.NeedsSummary() {
			d.maybeEnqueue(story)
			enqueued++
		}
	}
	d.registry.Report("summarizer", metrics.StateHealthy, "", globaltime.Since(start))
	d.logger.Debug().Int("stories", len(stories)).Int("enqueued", enqueued).Msg("backfill sweep finished")
	return nil
}

func (d *Dispatcher) worker(ctx context.Context) error {
	for {
		if d.meter.hourSpend() >= d.opts.HourlyCostCeiling {
			d.logger.Warn().Float64("hour_spend", d.meter.hourSpend()).Msg("cost ceiling reached, pausing")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Minute):
			}
			continue
		}

		it, err := d.queue.pop(ctx)
		if err != nil {
			return err
		}

		if d.opts.BatchThreshold > 0 && d.queue.depth() >= d.opts.BatchThreshold {
			if d.tryBatch(ctx, it) {
				continue
			}
		}

		if err := d.ProcessStory(ctx, it.storyID, it.category); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error().Err(err).Str("story", it.storyID).Msg("summary generation failed")
		}
	}
}

// ProcessStory generates and attaches a summary for one story. It is a no-op
// when the story no longer qualifies by the time the lock is held.
func (d *Dispatcher) ProcessStory(ctx context.Context, storyID, category string) error {
	unlock := d.locks.lock(storyID)
	defer unlock()

	rev, err := d.stories.Get(ctx, storyID, category)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read story %s: %w", storyID, err)
	}
	if !rev.Story.NeedsSummary() {
		return nil
	}

	// Version is pinned before the call: sources attached during generation
	// re-qualify the story and trigger a fresh pass.
	version := rev.Story.SourceCount
	prompt := d.buildPrompt(ctx, rev.Story)

	summary, genErr := d.generate(ctx, prompt)
	if genErr != nil {
		werr := d.mutateStory(ctx, storyID, category, func(s *model.Story) bool {
			s.SummaryAttempts++
			s.LastSummaryError = genErr.Error()
			return true
		})
		if werr != nil {
			d.logger.Error().Err(werr).Str("story", storyID).Msg("failure record write failed")
		}
		return genErr
	}

	d.meter.add(summary.Cost)
	now := globaltime.UTC()
	if err := d.mutateStory(ctx, storyID, category, func(s *model.Story) bool {
		s.Summary = &model.Summary{
			Text:        summary.Text,
			Version:     version,
			GeneratedAt: now,
			Model:       summary.Model,
			WordCount:   len(strings.Fields(summary.Text)),
		}
		s.SummaryAttempts = 0
		s.LastSummaryError = ""
		return true
	}); err != nil {
		return err
	}
	d.registry.SummaryGenerated()
	d.logger.Info().Str("story", storyID).Int("version", version).Msg("summary attached")
	return nil
}

// generate calls the provider under the global concurrency cap, retrying
// transient failures. Content-policy refusals are final.
func (d *Dispatcher) generate(ctx context.Context, prompt string) (llm.Summary, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return llm.Summary{}, err
	}
	defer d.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt <= d.opts.TransientRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return llm.Summary{}, ctx.Err()
			case <-time.After(time.Second << uint(attempt-1)):
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
		summary, err := d.provider.Summarize(callCtx, prompt)
		cancel()
		if err == nil {
			return summary, nil
		}
		if errors.Is(err, llm.ErrContentPolicy) {
			return llm.Summary{}, err
		}
		// Transient and unclassified errors alike get the remaining attempts.
		lastErr = err
	}
	return llm.Summary{}, fmt.Errorf("summarize after %d attempts: %w", d.opts.TransientRetries+1, lastErr)
}

// buildPrompt renders the story's sources oldest first. Descriptions come
// from the article store when still readable; a missing article degrades to
// its headline.
func (d *Dispatcher) buildPrompt(ctx context.Context, story model.Story) string {
	sources := append([]model.SourceArticle(nil), story.SourceArticles...)
	sort.Slice(sources, func(i, j int) bool {
		return sources[i].PublishedAt.Before(sources[j].PublishedAt)
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "Story: %s\nCategory: %s\nSources:\n", story.Title, story.Category)
	for _, src := range sources {
		line := src.Title
		if art, err := d.articles.Get(ctx, src.ArticleID, story.Category); err == nil && art.Description != "" {
			line = src.Title + " :: " + art.Description
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", src.Source, line)
	}
	return sb.String()
}

// mutateStory applies fn under optimistic concurrency, re-reading on etag
// conflicts. fn returning false abandons the write.
func (d *Dispatcher) mutateStory(ctx context.Context, storyID, category string, fn func(*model.Story) bool) error {
	for attempt := 0; attempt < writeRetries; attempt++ {
		rev, err := d.stories.Get(ctx, storyID, category)
		if err != nil {
			return fmt.Errorf("read story %s: %w", storyID, err)
		}
		if !fn(&rev.Story) {
			return nil
		}
		_, err = d.stories.Upsert(ctx, rev)
		if errors.Is(err, docstore.ErrPreconditionFailed) {
			continue
		}
		if err != nil {
			return fmt.Errorf("write story %s: %w", storyID, err)
		}
		return nil
	}
	return fmt.Errorf("write story %s: contention after %d attempts", storyID, writeRetries)
}

// storyLocks serializes generation per story id. Entries are reference
// counted so the map does not grow with story cardinality.
type storyLocks struct {
	mu    sync.Mutex
	locks map[string]*storyLock
}

type storyLock struct {
	mu   sync.Mutex
	refs int
}

func newStoryLocks() *storyLocks {
	return &storyLocks{locks: make(map[string]*storyLock)}
}

func (l *storyLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &storyLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
