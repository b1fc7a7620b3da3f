package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"horse.fit/newswire/internal/docstore/memstore"
	"horse.fit/newswire/internal/globaltime"
	"horse.fit/newswire/internal/metrics"
	"horse.fit/newswire/internal/model"
	"horse.fit/newswire/internal/store"
)

type apiFixture struct {
	server  *Server
	echo    *echo.Echo
	stories *store.Stories
}

func newAPIFixture(t *testing.T, opts Options) *apiFixture {
	t.Helper()
	mem := memstore.New()
	stories := store.NewStories(mem)
	server := NewServer(stories, metrics.NewRegistry(), nil, zerolog.Nop(), opts)
	return &apiFixture{server: server, echo: server.Handler(), stories: stories}
}

func (f *apiFixture) putStory(t *testing.T, s model.Story) {
	t.Helper()
	if _, err := f.stories.Upsert(context.Background(), store.StoryRev{Story: s}); err != nil {
		t.Fatalf("seed story %s: %v", s.ID, err)
	}
}

func (f *apiFixture) get(t *testing.T, path string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	var envelope struct {
		Status string         `json:"status"`
		Data   map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response for %s: %v (%s)", path, err, rec.Body.String())
	}
	return rec.Code, envelope.Data
}

func feedStory(id, source string, status model.Status, sources int, updated time.Time) model.Story {
	s := model.Story{
		ID:                id,
		Category:          "world",
		Title:             "Story " + id,
		PrimarySource:     source,
		Status:            status,
		CreatedAt:         updated.Add(-time.Hour),
		LastUpdated:       updated,
		LastSourceAddedAt: updated,
	}
	for i := 0; i < sources; i++ {
		s.SourceArticles = append(s.SourceArticles, model.SourceArticle{
			ArticleID:   fmt.Sprintf("%s-a%d", id, i),
			Source:      fmt.Sprintf("%s-%d", source, i),
			Title:       "Headline " + id,
			URL:         "https://example.com/" + id,
			PublishedAt: updated,
		})
	}
	s.SourceArticles[0].Source = source
	s.SourceCount = sources
	if status == model.StatusBreaking {
		detected := updated
		s.BreakingDetectedAt = &detected
	}
	return s
}

func storyIDs(t *testing.T, data map[string]any) []string {
	t.Helper()
	raw, ok := data["stories"].([]any)
	if !ok {
		t.Fatalf("no stories array in %v", data)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		entry := item.(map[string]any)
		out = append(out, entry["id"].(string))
	}
	return out
}

func TestFeedExcludesMonitoringStories(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newAPIFixture(t, Options{})
	f.putStory(t, feedStory("mon1", "bbc", model.StatusMonitoring, 1, base))

	code, data := f.get(t, "/feed", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if ids := storyIDs(t, data); len(ids) != 0 {
		t.Fatalf("MONITORING stories leaked into the feed: %v", ids)
	}
}

func TestFeedReturnsVisibleStoriesBreakingFirst(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newAPIFixture(t, Options{})
	f.putStory(t, feedStory("dev1", "bbc", model.StatusDeveloping, 2, base))
	f.putStory(t, feedStory("brk1", "reuters", model.StatusBreaking, 3, base.Add(-time.Hour)))
	f.putStory(t, feedStory("ver1", "ap", model.StatusVerified, 4, base.Add(-30*time.Minute)))

	_, data := f.get(t, "/feed", nil)
	ids := storyIDs(t, data)
	if len(ids) != 3 {
		t.Fatalf("got %d stories, want 3", len(ids))
	}
	if ids[0] != "brk1" {
		t.Fatalf("breaking story not first: %v", ids)
	}
}

func TestFeedPagination(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newAPIFixture(t, Options{})
	sources := []string{"bbc", "reuters", "ap", "guardian", "politico"}
	for i := 0; i < 5; i++ {
		f.putStory(t, feedStory(fmt.Sprintf("s%d", i), sources[i], model.StatusVerified, 3, base.Add(-time.Duration(i)*time.Minute)))
	}

	_, pageOne := f.get(t, "/feed?limit=2", nil)
	_, pageTwo := f.get(t, "/feed?limit=2&offset=2", nil)
	one := storyIDs(t, pageOne)
	two := storyIDs(t, pageTwo)
	if len(one) != 2 || len(two) != 2 {
		t.Fatalf("page sizes = %d/%d, want 2/2", len(one), len(two))
	}
	if one[0] == two[0] || one[1] == two[0] {
		t.Fatalf("pages overlap: %v vs %v", one, two)
	}
}

func TestFeedRejectsBadParams(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newAPIFixture(t, Options{})
	for _, path := range []string{"/feed?limit=0", "/feed?limit=bogus", "/feed?offset=-1", "/feed?limit=10000"} {
		code, _ := f.get(t, path, nil)
		if code != http.StatusBadRequest {
			t.Fatalf("%s returned %d, want 400", path, code)
		}
	}
}

func TestFeedResponseCached(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newAPIFixture(t, Options{CacheTTL: 30 * time.Second})
	f.putStory(t, feedStory("dev1", "bbc", model.StatusDeveloping, 2, base))

	_, first := f.get(t, "/feed", nil)
	f.putStory(t, feedStory("dev2", "reuters", model.StatusDeveloping, 2, base))

	_, cached := f.get(t, "/feed", nil)
	if len(storyIDs(t, cached)) != len(storyIDs(t, first)) {
		t.Fatalf("cache miss within TTL")
	}

	globaltime.SetMockTime(base.Add(31 * time.Second))
	_, refreshed := f.get(t, "/feed", nil)
	if len(storyIDs(t, refreshed)) != 2 {
		t.Fatalf("cache not refreshed after TTL: %v", refreshed)
	}
}

func TestLastModifiedTracksNewestVisibleStory(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newAPIFixture(t, Options{})
	f.putStory(t, feedStory("dev1", "bbc", model.StatusDeveloping, 2, base.Add(-2*time.Hour)))
	f.putStory(t, feedStory("dev2", "reuters", model.StatusDeveloping, 2, base.Add(-time.Hour)))
	f.putStory(t, feedStory("mon1", "ap", model.StatusMonitoring, 1, base))

	_, data := f.get(t, "/feed/last-modified", nil)
	raw, ok := data["last_modified"].(string)
	if !ok {
		t.Fatalf("last_modified missing: %v", data)
	}
	got, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t.Fatalf("parse last_modified: %v", err)
	}
	if !got.Equal(base.Add(-time.Hour)) {
		t.Fatalf("last_modified = %v, want newest visible story time", got)
	}
}

func TestBreakingEndpointFiltersByStatus(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newAPIFixture(t, Options{})
	f.putStory(t, feedStory("brk1", "bbc", model.StatusBreaking, 3, base))
	f.putStory(t, feedStory("ver1", "reuters", model.StatusVerified, 3, base))

	_, data := f.get(t, "/breaking", nil)
	ids := storyIDs(t, data)
	if len(ids) != 1 || ids[0] != "brk1" {
		t.Fatalf("breaking endpoint returned %v", ids)
	}
}

func TestStoryDetailAndSources(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newAPIFixture(t, Options{})
	f.putStory(t, feedStory("dev1", "bbc", model.StatusDeveloping, 2, base))

	code, data := f.get(t, "/story/dev1", nil)
	if code != http.StatusOK {
		t.Fatalf("story detail status = %d", code)
	}
	if data["id"] != "dev1" {
		t.Fatalf("story detail wrong story: %v", data["id"])
	}
	if _, ok := data["source_articles"].([]any); !ok {
		t.Fatalf("story detail missing source_articles")
	}

	code, data = f.get(t, "/story/dev1/sources", nil)
	if code != http.StatusOK {
		t.Fatalf("sources status = %d", code)
	}
	sources, ok := data["source_articles"].([]any)
	if !ok || len(sources) != 2 {
		t.Fatalf("sources endpoint returned %v", data)
	}
}

func TestStoryEndpointsHideMonitoringAndUnknown(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newAPIFixture(t, Options{})
	f.putStory(t, feedStory("mon1", "bbc", model.StatusMonitoring, 1, base))

	for _, path := range []string{"/story/mon1", "/story/mon1/sources", "/story/nope"} {
		code, _ := f.get(t, path, nil)
		if code != http.StatusNotFound {
			t.Fatalf("%s returned %d, want 404", path, code)
		}
	}
}

func TestAdminMetricsTokenGate(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	ungated := newAPIFixture(t, Options{})
	if code, _ := ungated.get(t, "/admin/metrics", nil); code != http.StatusNotFound {
		t.Fatalf("unconfigured admin endpoint returned %d, want 404", code)
	}

	f := newAPIFixture(t, Options{AdminToken: "sekrit"})
	if code, _ := f.get(t, "/admin/metrics", nil); code != http.StatusUnauthorized {
		t.Fatalf("missing token accepted")
	}
	if code, _ := f.get(t, "/admin/metrics", map[string]string{"X-Admin-Token": "wrong"}); code != http.StatusUnauthorized {
		t.Fatalf("wrong token accepted")
	}
	code, data := f.get(t, "/admin/metrics", map[string]string{"X-Admin-Token": "sekrit"})
	if code != http.StatusOK {
		t.Fatalf("valid token rejected: %d", code)
	}
	if _, ok := data["articles_ingested_24h"]; !ok {
		t.Fatalf("metrics payload missing counters: %v", data)
	}
}

func TestHealthz(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(base)
	defer globaltime.ResetTime()

	f := newAPIFixture(t, Options{})
	code, data := f.get(t, "/healthz", nil)
	if code != http.StatusOK {
		t.Fatalf("healthz status = %d", code)
	}
	if data["service"] != "newswire" {
		t.Fatalf("healthz payload: %v", data)
	}
}
