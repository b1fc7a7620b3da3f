package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"horse.fit/newswire/internal/docstore"
	"horse.fit/newswire/internal/feedrank"
	"horse.fit/newswire/internal/globaltime"
	"horse.fit/newswire/internal/model"
)

const (
	defaultFeedLimit     = 20
	maxFeedLimit         = 100
	maxFeedOffset        = 500
	defaultBreakingLimit = 10
	maxBreakingLimit     = 50

	// candidateMultiplier oversamples before diversification so the picker
	// has cross-source material to work with.
	candidateMultiplier = 3
)

type summaryView struct {
	Text        string    `json:"text"`
	Version     int       `json:"version"`
	GeneratedAt time.Time `json:"generated_at"`
	Model       string    `json:"model"`
	WordCount   int       `json:"word_count"`
}

type sourceView struct {
	ArticleID   string    `json:"article_id"`
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

type storyView struct {
	ID                 string       `json:"id"`
	Category           string       `json:"category"`
	Title              string       `json:"title"`
	PrimarySource      string       `json:"primary_source"`
	SourceCount        int          `json:"source_count"`
	Status             string       `json:"status"`
	CreatedAt          time.Time    `json:"created_at"`
	LastUpdated        time.Time    `json:"last_updated"`
	BreakingDetectedAt *time.Time   `json:"breaking_detected_at,omitempty"`
	Summary            *summaryView `json:"summary,omitempty"`
}

type storyDetailView struct {
	storyView
	SourceArticles []sourceView `json:"source_articles"`
}

func toStoryView(s model.Story) storyView {
	view := storyView{
		ID:                 s.ID,
		Category:           s.Category,
		Title:              s.Title,
		PrimarySource:      s.PrimarySource,
		SourceCount:        s.SourceCount,
		Status:             string(s.Status),
		CreatedAt:          s.CreatedAt,
		LastUpdated:        s.LastUpdated,
		BreakingDetectedAt: s.BreakingDetectedAt,
	}
	if s.Summary != nil {
		view.Summary = &summaryView{
			Text:        s.Summary.Text,
			Version:     s.Summary.Version,
			GeneratedAt: s.Summary.GeneratedAt,
			Model:       s.Summary.Model,
			WordCount:   s.Summary.WordCount,
		}
	}
	return view
}

func toSourceViews(s model.Story) []sourceView {
	out := make([]sourceView, 0, len(s.SourceArticles))
	for _, sa := range s.SourceArticles {
		out = append(out, sourceView{
			ArticleID:   sa.ArticleID,
			Source:      sa.Source,
			Title:       sa.Title,
			URL:         sa.URL,
			PublishedAt: sa.PublishedAt,
		})
	}
	return out
}

// visibleWindow loads the client-facing stories in scope. MONITORING never
// leaves this function: a single-source story is an unverified rumor.
func (s *Server) visibleWindow(ctx context.Context, category string) ([]model.Story, error) {
	cutoff := globaltime.UTC().Add(-s.opts.FeedWindow)
	stories, err := s.stories.Window(ctx, category, cutoff)
	if err != nil {
		return nil, err
	}
	visible := stories[:0]
	for _, story := range stories {
		if story.Status.Visible() {
			visible = append(visible, story)
		}
	}
	return visible, nil
}

func (s *Server) handleFeed(c echo.Context) error {
	category := strings.TrimSpace(c.QueryParam("category"))
	limit, err := intParam(c, "limit", defaultFeedLimit, 1, maxFeedLimit)
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error())
	}
	offset, err := intParam(c, "offset", 0, 0, maxFeedOffset)
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error())
	}

	key := fmt.Sprintf("feed|%s|%d|%d", category, limit, offset)
	if cached, ok := s.cache.get(key); ok {
		return success(c, cached)
	}

	visible, err := s.visibleWindow(c.Request().Context(), category)
	if err != nil {
		s.logger.Error().Err(err).Msg("feed query failed")
		return internalError(c, "Failed to load feed")
	}

	ranked := feedrank.Rank(visible)
	if bound := candidateMultiplier * (offset + limit); len(ranked) > bound {
		ranked = ranked[:bound]
	}
	diversified := feedrank.Diversify(ranked)

	page := diversified
	if offset >= len(page) {
		page = nil
	} else {
		page = page[offset:]
	}
	if len(page) > limit {
		page = page[:limit]
	}

	views := make([]storyView, 0, len(page))
	for _, story := range page {
		views = append(views, toStoryView(story))
	}
	data := map[string]any{
		"stories": views,
		"count":   len(views),
		"offset":  offset,
		"limit":   limit,
	}
	s.cache.put(key, data)
	return success(c, data)
}

func (s *Server) handleLastModified(c echo.Context) error {
	category := strings.TrimSpace(c.QueryParam("category"))
	visible, err := s.visibleWindow(c.Request().Context(), category)
	if err != nil {
		s.logger.Error().Err(err).Msg("last-modified query failed")
		return internalError(c, "Failed to load feed state")
	}
	var last time.Time
	for _, story := range visible {
		if story.LastUpdated.After(last) {
			last = story.LastUpdated
		}
	}
	data := map[string]any{"last_modified": nil}
	if !last.IsZero() {
		data["last_modified"] = last
	}
	return success(c, data)
}

func (s *Server) handleBreaking(c echo.Context) error {
	limit, err := intParam(c, "limit", defaultBreakingLimit, 1, maxBreakingLimit)
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error())
	}
	visible, err := s.visibleWindow(c.Request().Context(), "")
	if err != nil {
		s.logger.Error().Err(err).Msg("breaking query failed")
		return internalError(c, "Failed to load breaking stories")
	}
	breaking := visible[:0]
	for _, story := range visible {
		if story.Status == model.StatusBreaking {
			breaking = append(breaking, story)
		}
	}
	ranked := feedrank.Rank(breaking)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	views := make([]storyView, 0, len(ranked))
	for _, story := range ranked {
		views = append(views, toStoryView(story))
	}
	return success(c, map[string]any{"stories": views, "count": len(views)})
}

func (s *Server) loadVisibleStory(c echo.Context) (model.Story, bool, error) {
	id := c.Param("id")
	rev, err := s.stories.GetByID(c.Request().Context(), id)
	if errors.Is(err, docstore.ErrNotFound) {
		return model.Story{}, false, failNotFound(c, "Story not found")
	}
	if err != nil {
		s.logger.Error().Err(err).Str("story", id).Msg("story lookup failed")
		return model.Story{}, false, internalError(c, "Failed to load story")
	}
	if !rev.Story.Status.Visible() {
		return model.Story{}, false, failNotFound(c, "Story not found")
	}
	return rev.Story, true, nil
}

func (s *Server) handleStory(c echo.Context) error {
	story, ok, err := s.loadVisibleStory(c)
	if !ok {
		return err
	}
	return success(c, storyDetailView{
		storyView:      toStoryView(story),
		SourceArticles: toSourceViews(story),
	})
}

func (s *Server) handleStorySources(c echo.Context) error {
	story, ok, err := s.loadVisibleStory(c)
	if !ok {
		return err
	}
	return success(c, map[string]any{
		"story_id":        story.ID,
		"source_articles": toSourceViews(story),
	})
}

func (s *Server) handleAdminMetrics(c echo.Context) error {
	if s.opts.AdminToken == "" {
		return failNotFound(c, "Not found")
	}
	token := c.Request().Header.Get("X-Admin-Token")
	if token == "" {
		if auth := c.Request().Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token != s.opts.AdminToken {
		return fail(c, http.StatusUnauthorized, "Invalid admin token")
	}
	return success(c, s.registry.Snapshot())
}

func (s *Server) handleHealthz(c echo.Context) error {
	if s.pinger != nil {
		pingCtx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(pingCtx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, jsendResponse{
				Status:  "error",
				Message: "store unreachable",
				Code:    http.StatusServiceUnavailable,
			})
		}
	}
	return success(c, map[string]any{
		"service": "newswire",
		"time":    globaltime.UTC(),
	})
}

func intParam(c echo.Context, name string, def, min, max int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if val < min || val > max {
		return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
	}
	return val, nil
}
