package poller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"horse.fit/newswire/internal/globaltime"
	"horse.fit/newswire/internal/model"
	"horse.fit/newswire/internal/textsig"
)

// trackingQueryKeys are stripped during URL canonicalization so the same
// article shared through different campaigns hashes to the same id.
var trackingQueryKeys = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"fbclid":       {},
	"gclid":        {},
	"mc_cid":       {},
	"mc_eid":       {},
	"ref":          {},
	"ref_src":      {},
}

type fetchOutcome struct {
	inserted   int
	duplicates int
}

// fetchFeed performs one conditional fetch of a single feed and updates its
// poll state. Network failures back off exponentially; parse failures count
// as a successful fetch of zero articles and are never retried.
func (p *Poller) fetchFeed(ctx context.Context, feed Feed, state model.PollState) fetchOutcome {
	if err := p.limiter.Wait(ctx); err != nil {
		return fetchOutcome{}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	defer cancel()

	body, headers, statusCode, err := p.httpGet(fetchCtx, feed.URL, state)
	if err != nil {
		p.recordFailure(ctx, feed, state, err)
		return fetchOutcome{}
	}

	state.FailureCount = 0
	state.BackoffUntil = time.Time{}
	state.LastError = ""
	if etag := headers.Get("ETag"); etag != "" {
		state.ETag = etag
	}
	if lm := headers.Get("Last-Modified"); lm != "" {
		state.LastModified = lm
	}

	if statusCode == http.StatusNotModified {
		if err := p.states.Put(ctx, state); err != nil {
			p.logger.Error().Err(err).Str("feed", feed.ID).Msg("persist poll state after 304")
		}
		return fetchOutcome{}
	}

	parsed, err := gofeed.NewParser().ParseString(body)
	if err != nil {
		// Malformed XML will not improve on retry: swallow, count, move on.
		p.registry.ParseError()
		state.LastError = fmt.Sprintf("parse: %v", err)
		p.logger.Warn().Err(err).Str("feed", feed.ID).Msg("feed parse failed")
		if putErr := p.states.Put(ctx, state); putErr != nil {
			p.logger.Error().Err(putErr).Str("feed", feed.ID).Msg("persist poll state after parse error")
		}
		return fetchOutcome{}
	}

	var outcome fetchOutcome
	now := globaltime.UTC()
	for _, item := range parsed.Items {
		article, ok := p.buildArticle(feed, item, now)
		if !ok {
			continue
		}
		inserted, err := p.articles.Insert(ctx, article)
		if err != nil {
			p.logger.Error().Err(err).Str("feed", feed.ID).Str("article", article.ID).Msg("article insert failed")
			continue
		}
		if inserted {
			outcome.inserted++
			p.registry.ArticleIngested()
		} else {
			outcome.duplicates++
			p.registry.DuplicateSkipped()
		}
	}

	state.ItemsFetched += int64(outcome.inserted)
	state.Duplicates += int64(outcome.duplicates)
	if err := p.states.Put(ctx, state); err != nil {
		p.logger.Error().Err(err).Str("feed", feed.ID).Msg("persist poll state")
	}
	return outcome
}

func (p *Poller) httpGet(ctx context.Context, feedURL string, state model.PollState) (string, http.Header, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return "", nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "newswire/1.0 (+rss aggregator)")
	if state.ETag != "" {
		req.Header.Set("If-None-Match", state.ETag)
	}
	if state.LastModified != "" {
		req.Header.Set("If-Modified-Since", state.LastModified)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", nil, 0, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return "", resp.Header, resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, resp.StatusCode, fmt.Errorf("feed returned HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", nil, 0, fmt.Errorf("read feed body: %w", err)
	}
	return string(raw), resp.Header, resp.StatusCode, nil
}

func (p *Poller) recordFailure(ctx context.Context, feed Feed, state model.PollState, cause error) {
	now := globaltime.UTC()
	backoff := p.opts.BaseBackoff << uint(min(state.FailureCount, 10))
	if backoff > p.opts.MaxBackoff {
		backoff = p.opts.MaxBackoff
	}
	state.BackoffUntil = now.Add(backoff)
	state.FailureCount++
	state.LastError = cause.Error()

	p.logger.Warn().
		Err(cause).
		Str("feed", feed.ID).
		Int("failure_count", state.FailureCount).
		Dur("backoff", backoff).
		Msg("feed fetch failed")
	if err := p.states.Put(ctx, state); err != nil {
		p.logger.Error().Err(err).Str("feed", feed.ID).Msg("persist poll state after failure")
	}
}

// buildArticle converts one feed item into an article document. Items without
// a usable link, or dated further in the future than the clock-skew budget,
// are rejected.
func (p *Poller) buildArticle(feed Feed, item *gofeed.Item, now time.Time) (model.Article, bool) {
	canonical := canonicalizeURL(strings.TrimSpace(item.Link))
	if canonical == "" {
		return model.Article{}, false
	}

	published := now
	if item.PublishedParsed != nil {
		published = item.PublishedParsed.UTC()
	} else if item.UpdatedParsed != nil {
		published = item.UpdatedParsed.UTC()
	}
	if published.After(now.Add(p.opts.ClockSkewBudget)) {
		return model.Article{}, false
	}

	title := strings.TrimSpace(item.Title)
	if title == "" {
		return model.Article{}, false
	}
	description := strings.TrimSpace(item.Description)

	result := p.categorizer.Categorize(title, description, canonical, feed.SourceID)
	category := result.Category
	confidence := result.Confidence
	if category == "general" && confidence == 0.0 && feed.CategoryHint != "" {
		// The feed-level hint beats a zero-signal fallback.
		category = feed.CategoryHint
		confidence = 0.35
	}

	return model.Article{
		ID:                 ArticleID(feed.SourceID, canonical),
		Source:             feed.SourceID,
		SourceName:         feed.SourceName,
		Title:              title,
		Description:        description,
		URL:                canonical,
		MediaURL:           mediaURL(item),
		PublishedAt:        published,
		FetchedAt:          now,
		Category:           category,
		CategoryConfidence: confidence,
		StoryFingerprint:   textsig.Fingerprint(title),
	}, true
}

// ArticleID derives the primary key so a re-fetched item collides with its
// first insert.
func ArticleID(sourceID, canonicalURL string) string {
	sum := sha256.Sum256([]byte(sourceID + canonicalURL))
	return hex.EncodeToString(sum[:])[:16]
}

func mediaURL(item *gofeed.Item) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	return ""
}

// canonicalizeURL lowercases the host, strips fragments, default ports, and
// tracking query parameters, and sorts the remaining query for a stable key.
func canonicalizeURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}

	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimSuffix(u.Host, ":80")
	u.Host = strings.TrimSuffix(u.Host, ":443")
	u.Path = strings.TrimSuffix(u.Path, "/")

	query := u.Query()
	for key := range query {
		lowered := strings.ToLower(key)
		if _, tracked := trackingQueryKeys[lowered]; tracked || strings.HasPrefix(lowered, "utm_") {
			query.Del(key)
		}
	}
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rebuilt := url.Values{}
	for _, key := range keys {
		for _, v := range query[key] {
			rebuilt.Add(key, v)
		}
	}
	u.RawQuery = rebuilt.Encode()
	return u.String()
}
