package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"horse.fit/newswire/internal/docstore"
	"horse.fit/newswire/internal/model"
)

// StoryRev pairs a story with the etag it was read at. Passing the etag back
// to Upsert makes the write conditional; concurrent attachers lose and retry.
type StoryRev struct {
	Story model.Story
	ETag  string
}

// Stories is typed access to the story_clusters container, partitioned by
// category.
type Stories struct {
	store docstore.Store
}

func NewStories(s docstore.Store) *Stories {
	return &Stories{store: s}
}

func (st *Stories) Get(ctx context.Context, id, category string) (StoryRev, error) {
	doc, err := st.store.Get(ctx, docstore.ContainerStoryClusters, id, category)
	if err != nil {
		return StoryRev{}, err
	}
	return decodeStoryDoc(doc)
}

// GetByID looks a story up without knowing its partition. Used by the API
// where the client supplies only the story id.
func (st *Stories) GetByID(ctx context.Context, id string) (StoryRev, error) {
	doc, err := st.store.Get(ctx, docstore.ContainerStoryClusters, id, "")
	if err != nil {
		return StoryRev{}, err
	}
	return decodeStoryDoc(doc)
}

// Upsert validates invariants and writes the story. rev.ETag empty means
// create; otherwise the write fails with ErrPreconditionFailed when stale.
func (st *Stories) Upsert(ctx context.Context, rev StoryRev) (string, error) {
	if err := rev.Story.CheckInvariants(); err != nil {
		return "", fmt.Errorf("refusing story write: %w", err)
	}
	data, err := json.Marshal(rev.Story)
	if err != nil {
		return "", fmt.Errorf("marshal story %s: %w", rev.Story.ID, err)
	}
	newETag, err := st.store.Upsert(ctx, docstore.ContainerStoryClusters, docstore.Doc{
		ID:        rev.Story.ID,
		Partition: rev.Story.Category,
		ETag:      rev.ETag,
		Ts:        rev.Story.LastUpdated,
		Data:      data,
	})
	if err != nil {
		return "", err
	}
	return newETag, nil
}

// Candidates returns the most recently updated stories in a category inside
// the given window, newest first, capped at limit. The store's own ordering is
// never used; results are sorted here.
func (st *Stories) Candidates(ctx context.Context, category string, updatedAfter time.Time, limit int) ([]StoryRev, error) {
	docs, err := st.store.Query(ctx, docstore.ContainerStoryClusters, docstore.Query{
		Partition:    category,
		UpdatedAfter: updatedAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("query story candidates: %w", err)
	}

	revs := make([]StoryRev, 0, len(docs))
	for _, doc := range docs {
		rev, err := decodeStoryDoc(doc)
		if err != nil {
			return nil, err
		}
		revs = append(revs, rev)
	}

	sort.Slice(revs, func(i, j int) bool {
		return revs[i].Story.LastUpdated.After(revs[j].Story.LastUpdated)
	})
	if limit > 0 && len(revs) > limit {
		revs = revs[:limit]
	}
	return revs, nil
}

// Window returns all stories (any status) updated at or after the cutoff,
// optionally restricted to a category. Callers filter and sort.
func (st *Stories) Window(ctx context.Context, category string, updatedAfter time.Time) ([]model.Story, error) {
	docs, err := st.store.Query(ctx, docstore.ContainerStoryClusters, docstore.Query{
		Partition:    category,
		UpdatedAfter: updatedAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("query story window: %w", err)
	}
	out := make([]model.Story, 0, len(docs))
	for _, doc := range docs {
		rev, err := decodeStoryDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rev.Story)
	}
	return out, nil
}

// ChangeFeed opens the story change feed for the given consumer lease.
func (st *Stories) ChangeFeed(ctx context.Context, leasePrefix string) (docstore.Feed, error) {
	return st.store.ChangeFeed(ctx, docstore.ContainerStoryClusters, leasePrefix)
}

// DecodeStory converts a change-feed document back into a story.
func DecodeStory(doc docstore.Doc) (model.Story, error) {
	rev, err := decodeStoryDoc(doc)
	if err != nil {
		return model.Story{}, err
	}
	return rev.Story, nil
}

func decodeStoryDoc(doc docstore.Doc) (StoryRev, error) {
	var story model.Story
	if err := json.Unmarshal(doc.Data, &story); err != nil {
		return StoryRev{}, fmt.Errorf("unmarshal story %s: %w", doc.ID, err)
	}
	return StoryRev{Story: story, ETag: doc.ETag}, nil
}
