package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newswire/internal/docstore"
	"horse.fit/newswire/internal/docstore/memstore"
	"horse.fit/newswire/internal/globaltime"
	"horse.fit/newswire/internal/metrics"
	"horse.fit/newswire/internal/model"
	"horse.fit/newswire/internal/store"
	"horse.fit/newswire/internal/textsig"
)

type fixture struct {
	engine   *Engine
	mem      *memstore.Store
	articles *store.Articles
	stories  *store.Stories
	registry *metrics.Registry
	breaking []string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mem := memstore.New()
	f := &fixture{
		mem:      mem,
		articles: store.NewArticles(mem),
		stories:  store.NewStories(mem),
		registry: metrics.NewRegistry(),
	}
	opts.OnBreaking = func(story model.Story) {
		f.breaking = append(f.breaking, story.ID)
	}
	f.engine = New(f.articles, f.stories, f.registry, zerolog.Nop(), opts)
	return f
}

func article(id, source, title string, at time.Time) model.Article {
	return model.Article{
		ID:               id,
		Source:           source,
		SourceName:       strings.ToUpper(source),
		Title:            title,
		URL:              "https://" + source + ".example/" + id,
		PublishedAt:      at,
		FetchedAt:        at,
		Category:         "world",
		StoryFingerprint: textsig.Fingerprint(title),
	}
}

func (f *fixture) ingest(t *testing.T, art model.Article) model.Story {
	t.Helper()
	ctx := context.Background()
	if _, err := f.articles.Insert(ctx, art); err != nil {
		t.Fatalf("insert article %s: %v", art.ID, err)
	}
	if err := f.engine.ProcessArticle(ctx, art); err != nil {
		t.Fatalf("process article %s: %v", art.ID, err)
	}
	stored, err := f.articles.Get(ctx, art.ID, art.Category)
	if err != nil {
		t.Fatalf("re-read article %s: %v", art.ID, err)
	}
	if !stored.Processed || stored.StoryID == "" {
		t.Fatalf("article %s not marked processed (processed=%v story=%q)", art.ID, stored.Processed, stored.StoryID)
	}
	rev, err := f.stories.Get(ctx, stored.StoryID, art.Category)
	if err != nil {
		t.Fatalf("read story %s: %v", stored.StoryID, err)
	}
	if err := rev.Story.CheckInvariants(); err != nil {
		t.Fatalf("story invariants violated: %v", err)
	}
	return rev.Story
}

func TestSingleArticleCreatesMonitoringStory(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newFixture(t, Options{})
	story := f.ingest(t, article("a1", "bbc", "Major earthquake hits California coast", base))

	if story.SourceCount != 1 {
		t.Fatalf("source_count = %d, want 1", story.SourceCount)
	}
	if story.Status != model.StatusMonitoring {
		t.Fatalf("status = %s, want MONITORING", story.Status)
	}
	if want := textsig.Fingerprint("major earthquake hits california coast"); story.EventFingerprint != want {
		t.Fatalf("event_fingerprint = %s, want %s", story.EventFingerprint, want)
	}
	if story.PrimarySource != "bbc" {
		t.Fatalf("primary_source = %s, want bbc", story.PrimarySource)
	}
}

func TestParaphraseAttachesToSameStory(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newFixture(t, Options{})
	first := f.ingest(t, article("a1", "bbc", "Major earthquake hits California coast", base))

	globaltime.SetMockTime(base.Add(10 * time.Minute))
	second := f.ingest(t, article("a2", "reuters", "Magnitude 7.2 earthquake strikes California", base.Add(10*time.Minute)))

	if second.ID != first.ID {
		t.Fatalf("paraphrase created a new story %s instead of attaching to %s", second.ID, first.ID)
	}
	if second.SourceCount != 2 {
		t.Fatalf("source_count = %d, want 2", second.SourceCount)
	}
	if second.Status != model.StatusDeveloping {
		t.Fatalf("status = %s, want DEVELOPING", second.Status)
	}
	if second.SourceArticles[0].ArticleID != "a1" || second.SourceArticles[1].ArticleID != "a2" {
		t.Fatalf("source_articles not in insertion order: %+v", second.SourceArticles)
	}
}

func TestThirdSourceWithinWindowGoesBreaking(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newFixture(t, Options{})
	f.ingest(t, article("a1", "bbc", "Major earthquake hits California coast", base))
	globaltime.SetMockTime(base.Add(5 * time.Minute))
	f.ingest(t, article("a2", "reuters", "Magnitude 7.2 earthquake strikes California", base.Add(5*time.Minute)))
	globaltime.SetMockTime(base.Add(15 * time.Minute))
	story := f.ingest(t, article("a3", "ap", "California quake damage reported", base.Add(15*time.Minute)))

	if story.Status != model.StatusBreaking {
		t.Fatalf("status = %s, want BREAKING", story.Status)
	}
	if story.BreakingDetectedAt == nil {
		t.Fatalf("breaking_detected_at not set")
	}
	if len(f.breaking) != 1 || f.breaking[0] != story.ID {
		t.Fatalf("breaking hook fired %v, want exactly once for %s", f.breaking, story.ID)
	}
}

func TestDuplicateSourceRejectedWithoutMutation(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newFixture(t, Options{})
	f.ingest(t, article("a1", "bbc", "Major earthquake hits California coast", base))
	f.ingest(t, article("a2", "reuters", "Magnitude 7.2 earthquake strikes California", base))
	before := f.ingest(t, article("a3", "ap", "California quake damage reported", base))

	dup := article("a4", "bbc", "Major earthquake hits California coast", base)
	after := f.ingest(t, dup)

	if after.ID != before.ID {
		t.Fatalf("duplicate-source article landed on story %s, want %s", after.ID, before.ID)
	}
	if after.SourceCount != before.SourceCount {
		t.Fatalf("source_count changed %d -> %d on duplicate source", before.SourceCount, after.SourceCount)
	}
	if len(after.SourceArticles) != len(before.SourceArticles) {
		t.Fatalf("source_articles mutated on duplicate source")
	}
	stored, err := f.articles.Get(context.Background(), "a4", "world")
	if err != nil {
		t.Fatalf("read a4: %v", err)
	}
	if !stored.Processed || stored.StoryID != before.ID {
		t.Fatalf("a4 not acknowledged: processed=%v story=%q", stored.Processed, stored.StoryID)
	}
}

func TestSignificantUpdateBumpsLastUpdated(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newFixture(t, Options{})
	f.ingest(t, article("a1", "bbc", "Major earthquake hits California coast", base))
	f.ingest(t, article("a2", "reuters", "Magnitude 7.2 earthquake strikes California", base))
	quiet := f.ingest(t, article("a3", "ap", "California quake damage reported", base))

	later := base.Add(4 * time.Hour)
	globaltime.SetMockTime(later)
	bumped := f.ingest(t, article("a5", "guardian", "California earthquake recovery underway", later))

	if bumped.ID != quiet.ID {
		t.Fatalf("late update created a new story")
	}
	if bumped.UpdateSignificance <= 0.5 {
		t.Fatalf("significance = %.2f, want > 0.5 for a four-hour-quiet story", bumped.UpdateSignificance)
	}
	if !bumped.LastUpdated.Equal(later) {
		t.Fatalf("last_updated = %v, want bump to %v", bumped.LastUpdated, later)
	}
}

func TestQuietAddDoesNotBumpLastUpdated(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newFixture(t, Options{})
	f.ingest(t, article("a1", "bbc", "Major earthquake hits California coast", base))
	f.ingest(t, article("a2", "reuters", "Major earthquake hits the California coast", base))
	f.ingest(t, article("a3", "ap", "Major earthquake hits California coastline", base))
	f.ingest(t, article("a4", "guardian", "Major earthquake hits California coast today", base))

	// Near-duplicate title minutes later on an already-corroborated story.
	globaltime.SetMockTime(base.Add(10 * time.Minute))
	story := f.ingest(t, article("a6", "politico", "Major earthquake hits California coast region", base.Add(10*time.Minute)))

	if story.UpdateSignificance > 0.5 {
		t.Fatalf("significance = %.2f, want <= 0.5 for a near-duplicate quick add", story.UpdateSignificance)
	}
	if !story.LastUpdated.Equal(base) {
		t.Fatalf("last_updated moved to %v on a minor update", story.LastUpdated)
	}
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newFixture(t, Options{})
	ctx := context.Background()
	art := article("a1", "bbc", "Major earthquake hits California coast", base)
	first := f.ingest(t, art)

	// Redeliver the already-processed document, as a crashed consumer would.
	processed, err := f.articles.Get(ctx, art.ID, art.Category)
	if err != nil {
		t.Fatalf("read processed article: %v", err)
	}
	if err := f.engine.ProcessArticle(ctx, processed); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	// Redeliver the pre-processing snapshot too; the attach path must still
	// converge on the same story.
	if err := f.engine.ProcessArticle(ctx, art); err != nil {
		t.Fatalf("stale redelivery: %v", err)
	}

	rev, err := f.stories.Get(ctx, first.ID, "world")
	if err != nil {
		t.Fatalf("read story: %v", err)
	}
	if rev.Story.SourceCount != 1 || len(rev.Story.SourceArticles) != 1 {
		t.Fatalf("redelivery grew the story: count=%d articles=%d", rev.Story.SourceCount, len(rev.Story.SourceArticles))
	}
}

func TestUnrelatedTitlesGetSeparateStories(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newFixture(t, Options{})
	quake := f.ingest(t, article("a1", "bbc", "Major earthquake hits California coast", base))
	match := f.ingest(t, article("a2", "reuters", "Champions League final ends in penalty shootout", base))

	if quake.ID == match.ID {
		t.Fatalf("unrelated titles clustered together")
	}
}

func TestCandidateWindowExcludesStaleStories(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newFixture(t, Options{CandidateWindow: 72 * time.Hour})
	old := f.ingest(t, article("a1", "bbc", "Major earthquake hits California coast", base))

	// Four days later the same fingerprint is a new event.
	later := base.Add(96 * time.Hour)
	globaltime.SetMockTime(later)
	fresh := f.ingest(t, article("a2", "reuters", "Major earthquake hits California coast", later))

	if fresh.ID == old.ID {
		t.Fatalf("stale story outside the candidate window was reused")
	}
}

func TestSweepDemotesQuietBreakingStory(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newFixture(t, Options{})
	f.ingest(t, article("a1", "bbc", "Major earthquake hits California coast", base))
	f.ingest(t, article("a2", "reuters", "Magnitude 7.2 earthquake strikes California", base))
	story := f.ingest(t, article("a3", "ap", "California quake damage reported", base))
	if story.Status != model.StatusBreaking {
		t.Fatalf("precondition: status = %s, want BREAKING", story.Status)
	}

	globaltime.SetMockTime(base.Add(45 * time.Minute))
	if err := f.engine.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	rev, err := f.stories.Get(context.Background(), story.ID, "world")
	if err != nil {
		t.Fatalf("read story: %v", err)
	}
	if rev.Story.Status != model.StatusVerified {
		t.Fatalf("status after quiet window = %s, want VERIFIED", rev.Story.Status)
	}
	if rev.Story.BreakingDetectedAt == nil {
		t.Fatalf("breaking_detected_at dropped on demotion")
	}
}

func TestConcurrentAttachRetriesOnConflict(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newFixture(t, Options{})
	ctx := context.Background()
	story := f.ingest(t, article("a1", "bbc", "Major earthquake hits California coast", base))

	// Read the story, then write through another path to stale the etag.
	rev, err := f.stories.Get(ctx, story.ID, "world")
	if err != nil {
		t.Fatalf("read story: %v", err)
	}
	interloper := rev.Story
	interloper.Title = story.Title + " tonight"
	if _, err := f.stories.Upsert(ctx, store.StoryRev{Story: interloper, ETag: rev.ETag}); err != nil {
		t.Fatalf("interloper write: %v", err)
	}

	// The attach starting from the stale revision must re-read and land.
	art := article("a2", "reuters", "Magnitude 7.2 earthquake strikes California", base)
	if _, err := f.articles.Insert(ctx, art); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := f.engine.attach(ctx, rev, art, base); err != nil {
		t.Fatalf("attach with stale etag: %v", err)
	}

	final, err := f.stories.Get(ctx, story.ID, "world")
	if err != nil {
		t.Fatalf("read story: %v", err)
	}
	if final.Story.SourceCount != 2 {
		t.Fatalf("source_count = %d after conflicted attach, want 2", final.Story.SourceCount)
	}
}

func TestRunDeadLettersPoisonedDocAndAdvancesCheckpoint(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	good := article("a1", "bbc", "Major earthquake hits California coast", now)
	if _, err := f.articles.Insert(ctx, good); err != nil {
		t.Fatalf("insert article: %v", err)
	}
	poisoned := docstore.Doc{
		ID:        "poisoned",
		Partition: "world",
		Ts:        now,
		Data:      json.RawMessage(`{"title": 42}`),
	}
	if err := f.mem.Create(ctx, docstore.ContainerRawArticles, poisoned); err != nil {
		t.Fatalf("insert poisoned doc: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if err := f.engine.Run(runCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned %v, want deadline exceeded", err)
	}

	stored, err := f.articles.Get(ctx, "a1", "world")
	if err != nil {
		t.Fatalf("re-read article: %v", err)
	}
	if !stored.Processed || stored.StoryID == "" {
		t.Fatalf("decodable article in a poisoned batch was not processed (processed=%v story=%q)",
			stored.Processed, stored.StoryID)
	}
	if got := f.registry.Snapshot().DeadLetters24h; got != 1 {
		t.Fatalf("dead letters = %d, want 1", got)
	}

	// The handled batch was checkpointed, so a fresh consumer on the same
	// lease sees only what arrived afterwards.
	extra := article("a2", "reuters", "Senate passes sweeping election legislation", now)
	if _, err := f.articles.Insert(ctx, extra); err != nil {
		t.Fatalf("insert follow-up article: %v", err)
	}
	feed, err := f.articles.ChangeFeed(ctx, "cluster")
	if err != nil {
		t.Fatalf("reopen change feed: %v", err)
	}
	defer feed.Close()

	nextCtx, nextCancel := context.WithTimeout(ctx, time.Second)
	defer nextCancel()
	batch, err := feed.Next(nextCtx)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(batch.Docs) != 1 || batch.Docs[0].ID != "a2" {
		ids := make([]string, 0, len(batch.Docs))
		for _, doc := range batch.Docs {
			ids = append(ids, doc.ID)
		}
		t.Fatalf("redelivered docs %v, want only a2", ids)
	}
}

func TestNewStoryIDShape(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 4, 5, 0, time.UTC)
	id := NewStoryID(now)
	if !strings.HasPrefix(id, "story_20260302100405_") {
		t.Fatalf("story id %q missing timestamp prefix", id)
	}
	if len(id) != len("story_20260302100405_")+6 {
		t.Fatalf("story id %q suffix length wrong", id)
	}
	if id == NewStoryID(now) {
		t.Fatalf("consecutive story ids collided")
	}
}
