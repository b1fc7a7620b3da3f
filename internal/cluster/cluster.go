// Package cluster consumes the article change feed and attaches every article
// to exactly one story. Matching is fingerprint-first with a fuzzy-similarity
// fallback; story writes go through the etag-checked upsert so concurrent
// attachers linearize.
package cluster

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	mrand "math/rand"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newswire/internal/docstore"
	"horse.fit/newswire/internal/globaltime"
	"horse.fit/newswire/internal/metrics"
	"horse.fit/newswire/internal/model"
	"horse.fit/newswire/internal/status"
	"horse.fit/newswire/internal/store"
	"horse.fit/newswire/internal/textsig"
)

// Options are the clustering tunables. Zero values take the defaults below.
type Options struct {
	CandidateWindow time.Duration
	CandidateLimit  int
	AttachThreshold float64
	MaxRetries      int
	LeasePrefix     string
	BreakingWindow  time.Duration
	// OnBreaking fires when an attach pushes a story into BREAKING. Optional.
	OnBreaking func(story model.Story)
}

const (
	defaultCandidateWindow = 72 * time.Hour
	defaultCandidateLimit  = 100
	defaultAttachThreshold = 0.45
	defaultMaxRetries      = 3
	defaultLeasePrefix     = "cluster"

	significanceBumpFloor = 0.5
)

func (o Options) withDefaults() Options {
	if o.CandidateWindow <= 0 {
		o.CandidateWindow = defaultCandidateWindow
	}
	if o.CandidateLimit <= 0 {
		o.CandidateLimit = defaultCandidateLimit
	}
	if o.AttachThreshold <= 0 {
		o.AttachThreshold = defaultAttachThreshold
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.LeasePrefix == "" {
		o.LeasePrefix = defaultLeasePrefix
	}
	return o
}

// Engine is the clustering change-feed consumer.
type Engine struct {
	articles *store.Articles
	stories  *store.Stories
	trans    *status.Transitioner
	registry *metrics.Registry
	logger   zerolog.Logger
	opts     Options
}

func New(
	articles *store.Articles,
	stories *store.Stories,
	registry *metrics.Registry,
	logger zerolog.Logger,
	opts Options,
) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		articles: articles,
		stories:  stories,
		trans: &status.Transitioner{
			BreakingWindow: opts.BreakingWindow,
			OnBreaking:     opts.OnBreaking,
		},
		registry: registry,
		logger:   logger.With().Str("component", "cluster").Logger(),
		opts:     opts,
	}
}

// Run consumes the article change feed until the context ends. A batch is
// checkpointed only when every article in it was processed; a partial failure
// leaves the checkpoint behind so the lease redelivers on restart, and the
// skip guard makes that redelivery a no-op for the articles that did land.
func (e *Engine) Run(ctx context.Context) error {
	feed, err := e.articles.ChangeFeed(ctx, e.opts.LeasePrefix)
	if err != nil {
		return fmt.Errorf("open article change feed: %w", err)
	}
	defer feed.Close()

	for {
		batch, err := feed.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read article change feed: %w", err)
		}
		if e.processBatch(ctx, batch) {
			if err := feed.Checkpoint(ctx, batch); err != nil {
				e.logger.Error().Err(err).Int64("end_seq", batch.EndSeq).Msg("checkpoint failed")
			}
		}
	}
}

// processBatch reports whether every document in the batch was handled.
func (e *Engine) processBatch(ctx context.Context, batch docstore.Batch) bool {
	start := globaltime.UTC()
	clean := true
	for _, doc := range batch.Docs {
		article, err := store.DecodeArticle(doc)
		if err != nil {
			// A document that cannot decode will not decode on redelivery
			// either. Dead-letter and move on.
			e.registry.DeadLetter()
			e.logger.Error().Err(err).Str("doc", doc.ID).Msg("undecodable article dead-lettered")
			continue
		}
		if err := e.ProcessArticle(ctx, article); err != nil {
			clean = false
			e.registry.DeadLetter()
			e.logger.Error().Err(err).Str("article", article.ID).Msg("article processing failed")
		}
	}
	state := metrics.StateHealthy
	if !clean {
		state = metrics.StateDegraded
	}
	e.registry.Report("cluster", state, "", globaltime.Since(start))
	return clean
}

// ProcessArticle attaches one article to a story, creating the story when
// nothing matches. Safe to call twice with the same article.
func (e *Engine) ProcessArticle(ctx context.Context, article model.Article) error {
	now := globaltime.UTC()

	if article.Processed && article.StoryID != "" {
		rev, err := e.stories.Get(ctx, article.StoryID, article.Category)
		if err == nil && rev.Story.ContainsArticle(article.ID) {
			return nil
		}
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("skip-guard lookup for article %s: %w", article.ID, err)
		}
		// Processed flag without a resolvable attachment means a crash
		// between the story write and the article write; fall through and
		// re-match.
	}

	candidates, err := e.stories.Candidates(ctx, article.Category, now.Add(-e.opts.CandidateWindow), e.opts.CandidateLimit)
	if err != nil {
		return err
	}

	if match, ok := e.match(article, candidates); ok {
		return e.attach(ctx, match, article, now)
	}
	return e.createStory(ctx, article, now)
}

// match finds the story the article belongs to: exact fingerprint first, then
// best fuzzy similarity above the attach threshold. Candidates arrive newest
// first, so similarity ties resolve to the most recently updated story.
func (e *Engine) match(article model.Article, candidates []store.StoryRev) (store.StoryRev, bool) {
	for _, rev := range candidates {
		if rev.Story.EventFingerprint != "" && rev.Story.EventFingerprint == article.StoryFingerprint {
			return rev, true
		}
	}

	best := store.StoryRev{}
	bestScore := e.opts.AttachThreshold
	found := false
	for _, rev := range candidates {
		score := textsig.Similarity(article.Title, rev.Story.Title)
		if score > bestScore {
			best = rev
			bestScore = score
			found = true
		}
	}
	return best, found
}

// attach appends the article to the story under optimistic concurrency. A
// duplicate source is acknowledged without mutating the story. Contention is
// retried with jittered backoff; exhausting the retries surfaces an error so
// the batch stays uncheckpointed.
func (e *Engine) attach(ctx context.Context, rev store.StoryRev, article model.Article, now time.Time) error {
	for attempt := 0; attempt < e.opts.MaxRetries; attempt++ {
		if rev.Story.ContainsArticle(article.ID) {
			return e.articles.MarkProcessed(ctx, article, rev.Story.ID)
		}
		if rev.Story.HasSource(article.Source) {
			// Same outlet re-reporting the event. The story keeps its first
			// rendering; the article still records where it landed.
			e.logger.Debug().
				Str("story", rev.Story.ID).
				Str("source", article.Source).
				Msg("duplicate source rejected")
			return e.articles.MarkProcessed(ctx, article, rev.Story.ID)
		}

		next := rev.Story
		sigma := status.Significance(next, article.Title, now)
		next.SourceArticles = append(append([]model.SourceArticle(nil), next.SourceArticles...), model.SourceArticle{
			ArticleID:   article.ID,
			Source:      article.Source,
			Title:       article.Title,
			URL:         article.URL,
			PublishedAt: article.PublishedAt,
		})
		next.SourceCount++
		next.LastSourceAddedAt = now
		next.UpdateSignificance = sigma
		if sigma > significanceBumpFloor {
			next.LastUpdated = now
		}
		e.trans.Apply(&next, now)

		_, err := e.stories.Upsert(ctx, store.StoryRev{Story: next, ETag: rev.ETag})
		if errors.Is(err, docstore.ErrPreconditionFailed) {
			jitterSleep(ctx)
			fresh, readErr := e.stories.Get(ctx, rev.Story.ID, rev.Story.Category)
			if readErr != nil {
				return fmt.Errorf("re-read story %s after conflict: %w", rev.Story.ID, readErr)
			}
			rev = fresh
			continue
		}
		if err != nil {
			return fmt.Errorf("attach article %s to story %s: %w", article.ID, rev.Story.ID, err)
		}
		return e.articles.MarkProcessed(ctx, article, next.ID)
	}
	return fmt.Errorf("attach article %s to story %s: contention after %d attempts", article.ID, rev.Story.ID, e.opts.MaxRetries)
}

func (e *Engine) createStory(ctx context.Context, article model.Article, now time.Time) error {
	story := model.Story{
		ID:            NewStoryID(now),
		Category:      article.Category,
		Title:         article.Title,
		PrimarySource: article.Source,
		SourceArticles: []model.SourceArticle{{
			ArticleID:   article.ID,
			Source:      article.Source,
			Title:       article.Title,
			URL:         article.URL,
			PublishedAt: article.PublishedAt,
		}},
		SourceCount:       1,
		EventFingerprint:  article.StoryFingerprint,
		Status:            model.StatusMonitoring,
		CreatedAt:         now,
		LastUpdated:       now,
		LastSourceAddedAt: now,
	}
	if _, err := e.stories.Upsert(ctx, store.StoryRev{Story: story}); err != nil {
		return fmt.Errorf("create story for article %s: %w", article.ID, err)
	}
	e.registry.StoryCreated()
	e.logger.Info().
		Str("story", story.ID).
		Str("category", story.Category).
		Str("source", article.Source).
		Msg("story created")
	return e.articles.MarkProcessed(ctx, article, story.ID)
}

// Sweep re-evaluates the status of every story updated inside the candidate
// window. This is what demotes a quiet BREAKING story to VERIFIED without
// waiting for its next attach. It also refreshes the average-sources gauge.
func (e *Engine) Sweep(ctx context.Context) error {
	now := globaltime.UTC()
	stories, err := e.stories.Window(ctx, "", now.Add(-e.opts.CandidateWindow))
	if err != nil {
		return fmt.Errorf("status sweep query: %w", err)
	}

	var sourcesTotal int
	for _, story := range stories {
		sourcesTotal += story.SourceCount

		working := story
		if !e.trans.Apply(&working, now) {
			continue
		}
		rev, err := e.stories.Get(ctx, story.ID, story.Category)
		if err != nil {
			e.logger.Warn().Err(err).Str("story", story.ID).Msg("sweep re-read failed")
			continue
		}
		fresh := rev.Story
		if !e.trans.Apply(&fresh, now) {
			continue
		}
		if _, err := e.stories.Upsert(ctx, store.StoryRev{Story: fresh, ETag: rev.ETag}); err != nil {
			// A concurrent attach already re-evaluated the status; the next
			// sweep picks up anything still stale.
			e.logger.Warn().Err(err).Str("story", story.ID).Msg("sweep status write failed")
		}
	}

	if len(stories) > 0 {
		e.registry.SetAvgSourcesPerStory(math.Round(float64(sourcesTotal)/float64(len(stories))*100) / 100)
	}
	return nil
}

// NewStoryID mints a story id with a sortable timestamp prefix and a short
// random suffix.
func NewStoryID(now time.Time) string {
	var buf [3]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("story_%s_%s", now.UTC().Format("20060102150405"), hex.EncodeToString(buf[:]))
}

func jitterSleep(ctx context.Context) {
	delay := time.Duration(10+mrand.Intn(91)) * time.Millisecond
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
