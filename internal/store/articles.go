// Package store wraps the document store with typed access to articles,
// stories, poll states, and batch-tracking records. All story mutations flow
// through the etag-checked upsert; callers never sort on the store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"horse.fit/newswire/internal/docstore"
	"horse.fit/newswire/internal/model"
)

// Articles is typed access to the raw_articles container, partitioned by
// category.
type Articles struct {
	store docstore.Store
}

func NewArticles(s docstore.Store) *Articles {
	return &Articles{store: s}
}

// Insert writes a new article and reports whether it was inserted. A
// primary-key collision means a re-fetched duplicate and is not an error.
func (a *Articles) Insert(ctx context.Context, art model.Article) (bool, error) {
	data, err := json.Marshal(art)
	if err != nil {
		return false, fmt.Errorf("marshal article %s: %w", art.ID, err)
	}
	err = a.store.Create(ctx, docstore.ContainerRawArticles, docstore.Doc{
		ID:        art.ID,
		Partition: art.Category,
		Ts:        art.FetchedAt,
		Data:      data,
	})
	if errors.Is(err, docstore.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert article %s: %w", art.ID, err)
	}
	return true, nil
}

func (a *Articles) Get(ctx context.Context, id, category string) (model.Article, error) {
	doc, err := a.store.Get(ctx, docstore.ContainerRawArticles, id, category)
	if err != nil {
		return model.Article{}, err
	}
	var art model.Article
	if err := json.Unmarshal(doc.Data, &art); err != nil {
		return model.Article{}, fmt.Errorf("unmarshal article %s: %w", id, err)
	}
	return art, nil
}

// MarkProcessed records the article's story attachment. Articles are immutable
// otherwise, and only the clustering consumer writes this, so the upsert is
// unconditional.
func (a *Articles) MarkProcessed(ctx context.Context, art model.Article, storyID string) error {
	art.Processed = true
	art.StoryID = storyID
	data, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("marshal article %s: %w", art.ID, err)
	}
	_, err = a.store.Upsert(ctx, docstore.ContainerRawArticles, docstore.Doc{
		ID:        art.ID,
		Partition: art.Category,
		Ts:        art.FetchedAt,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("mark article %s processed: %w", art.ID, err)
	}
	return nil
}

// ChangeFeed opens the article change feed for the clustering consumer.
func (a *Articles) ChangeFeed(ctx context.Context, leasePrefix string) (docstore.Feed, error) {
	return a.store.ChangeFeed(ctx, docstore.ContainerRawArticles, leasePrefix)
}

// DecodeArticle converts a change-feed document back into an article.
func DecodeArticle(doc docstore.Doc) (model.Article, error) {
	var art model.Article
	if err := json.Unmarshal(doc.Data, &art); err != nil {
		return model.Article{}, fmt.Errorf("decode article %s: %w", doc.ID, err)
	}
	return art, nil
}
