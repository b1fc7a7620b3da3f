package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"horse.fit/newswire/internal/docstore"
	"horse.fit/newswire/internal/globaltime"
	"horse.fit/newswire/internal/model"
)

// PollStates is typed access to feed_poll_states, partitioned by feed id.
// Only the poller coordinator writes here, so writes are unconditional.
type PollStates struct {
	store docstore.Store
}

func NewPollStates(s docstore.Store) *PollStates {
	return &PollStates{store: s}
}

// Get returns the feed's state, or a zero state for a feed never polled.
func (p *PollStates) Get(ctx context.Context, feedID string) (model.PollState, error) {
	doc, err := p.store.Get(ctx, docstore.ContainerPollStates, feedID, feedID)
	if errors.Is(err, docstore.ErrNotFound) {
		return model.PollState{FeedID: feedID}, nil
	}
	if err != nil {
		return model.PollState{}, fmt.Errorf("get poll state %s: %w", feedID, err)
	}
	var state model.PollState
	if err := json.Unmarshal(doc.Data, &state); err != nil {
		return model.PollState{}, fmt.Errorf("unmarshal poll state %s: %w", feedID, err)
	}
	return state, nil
}

func (p *PollStates) Put(ctx context.Context, state model.PollState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal poll state %s: %w", state.FeedID, err)
	}
	_, err = p.store.Upsert(ctx, docstore.ContainerPollStates, docstore.Doc{
		ID:        state.FeedID,
		Partition: state.FeedID,
		Ts:        globaltime.UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("put poll state %s: %w", state.FeedID, err)
	}
	return nil
}
