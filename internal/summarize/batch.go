package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"horse.fit/newswire/internal/docstore"
	"horse.fit/newswire/internal/globaltime"
	"horse.fit/newswire/internal/llm"
	"horse.fit/newswire/internal/model"
)

// Batch tracking states.
const (
	batchSubmitted  = "submitted"
	batchInProgress = "in_progress"
	batchCompleted  = "completed"
	batchFailed     = "failed"
)

// approxBatchCostPerPrompt is half the real-time estimate; batch pricing is
// discounted.
const approxBatchCostPerPrompt = 0.001

// tryBatch diverts queued stories older than the fast-path cutoff into one
// provider batch. It reports whether the popped item was consumed; fresh
// stories are never batched and stay on the real-time path.
func (d *Dispatcher) tryBatch(ctx context.Context, first item) bool {
	now := globaltime.UTC()
	cutoff := now.Add(-d.opts.BatchFastPathCutoff)

	consider := append([]item{first}, d.queue.drain(d.opts.BatchMaxSize-1)...)

	var reqs []llm.BatchRequest
	var ids []string
	var batched []item
	firstConsumed := false
	firstBatched := false

	for _, it := range consider {
		rev, err := d.stories.Get(ctx, it.storyID, it.category)
		if errors.Is(err, docstore.ErrNotFound) || (err == nil && !rev.Story.NeedsSummary()) {
			if it.storyID == first.storyID {
				firstConsumed = true
			}
			continue
		}
		if err != nil {
			d.logger.Warn().Err(err).Str("story", it.storyID).Msg("batch candidate read failed")
			if it.storyID != first.storyID {
				d.queue.push(it)
			}
			continue
		}
		if rev.Story.LastUpdated.After(cutoff) {
			if it.storyID != first.storyID {
				d.queue.push(it)
			}
			continue
		}
		reqs = append(reqs, llm.BatchRequest{
			StoryID: it.storyID,
			Prompt:  d.buildPrompt(ctx, rev.Story),
		})
		ids = append(ids, it.storyID)
		batched = append(batched, it)
		if it.storyID == first.storyID {
			firstConsumed = true
			firstBatched = true
		}
	}

	if len(reqs) == 0 {
		return firstConsumed
	}

	batchID, err := d.provider.SubmitBatch(ctx, reqs)
	if err != nil {
		d.logger.Error().Err(err).Int("prompts", len(reqs)).Msg("batch submit failed")
		for _, it := range batched {
			if it.storyID != first.storyID {
				d.queue.push(it)
			}
		}
		return firstConsumed && !firstBatched
	}

	estimate := approxBatchCostPerPrompt * float64(len(reqs))
	d.meter.add(estimate)
	rec := model.BatchRecord{
		BatchID:      batchID,
		Status:       batchSubmitted,
		SubmittedAt:  now,
		StoryIDs:     ids,
		CostEstimate: estimate,
	}
	if err := d.batches.Put(ctx, rec); err != nil {
		d.logger.Error().Err(err).Str("batch", batchID).Msg("batch record write failed")
	}
	d.logger.Info().Str("batch", batchID).Int("stories", len(ids)).Msg("batch submitted")
	return firstConsumed
}

// pollBatches claims results for open batches until the context ends.
func (d *Dispatcher) pollBatches(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.BatchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := d.PollOpenBatches(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("batch poll failed")
		}
	}
}

// PollOpenBatches runs one poll pass over every unresolved batch.
func (d *Dispatcher) PollOpenBatches(ctx context.Context) error {
	open, err := d.batches.Open(ctx)
	if err != nil {
		return err
	}
	for _, rec := range open {
		st, err := d.provider.PollBatch(ctx, rec.BatchID)
		if err != nil {
			d.logger.Warn().Err(err).Str("batch", rec.BatchID).Msg("batch status check failed")
			continue
		}
		switch {
		case !st.Done:
			if rec.Status != batchInProgress {
				rec.Status = batchInProgress
				if err := d.batches.Put(ctx, rec); err != nil {
					d.logger.Error().Err(err).Str("batch", rec.BatchID).Msg("batch record write failed")
				}
			}
		case st.Failed:
			rec.Status = batchFailed
			if err := d.batches.Put(ctx, rec); err != nil {
				d.logger.Error().Err(err).Str("batch", rec.BatchID).Msg("batch record write failed")
			}
			d.logger.Warn().Str("batch", rec.BatchID).Msg("batch failed, stories return via backfill")
		default:
			d.claimBatch(ctx, rec, st)
		}
	}
	return nil
}

func (d *Dispatcher) claimBatch(ctx context.Context, rec model.BatchRecord, st llm.BatchStatus) {
	for _, storyID := range rec.StoryIDs {
		text, ok := st.Results[storyID]
		if !ok {
			d.logger.Warn().Str("batch", rec.BatchID).Str("story", storyID).Msg("batch result missing")
			continue
		}
		if err := d.attachBatchSummary(ctx, storyID, text, st.Model); err != nil {
			d.logger.Error().Err(err).Str("story", storyID).Msg("batch summary write failed")
		}
	}
	rec.Status = batchCompleted
	if err := d.batches.Put(ctx, rec); err != nil {
		d.logger.Error().Err(err).Str("batch", rec.BatchID).Msg("batch record write failed")
	}
	d.logger.Info().Str("batch", rec.BatchID).Int("stories", len(rec.StoryIDs)).Msg("batch claimed")
}

// attachBatchSummary writes one claimed result. The version is the source
// count observed at claim time; a story that grew while the batch was pending
// simply re-qualifies for the next pass.
func (d *Dispatcher) attachBatchSummary(ctx context.Context, storyID, text, modelName string) error {
	unlock := d.locks.lock(storyID)
	defer unlock()

	rev, err := d.stories.GetByID(ctx, storyID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read story %s: %w", storyID, err)
	}
	if !rev.Story.NeedsSummary() {
		return nil
	}

	now := globaltime.UTC()
	if err := d.mutateStory(ctx, storyID, rev.Story.Category, func(s *model.Story) bool {
		if !s.NeedsSummary() {
			return false
		}
		s.Summary = &model.Summary{
			Text:        text,
			Version:     s.SourceCount,
			GeneratedAt: now,
			Model:       modelName,
			WordCount:   len(strings.Fields(text)),
		}
		s.SummaryAttempts = 0
		s.LastSummaryError = ""
		return true
	}); err != nil {
		return err
	}
	d.registry.SummaryGenerated()
	return nil
}
