package store

import (
	"context"
	"encoding/json"
	"fmt"

	"horse.fit/newswire/internal/docstore"
	"horse.fit/newswire/internal/globaltime"
	"horse.fit/newswire/internal/model"
)

// Batches is typed access to batch_tracking, partitioned by batch id.
type Batches struct {
	store docstore.Store
}

func NewBatches(s docstore.Store) *Batches {
	return &Batches{store: s}
}

func (b *Batches) Put(ctx context.Context, rec model.BatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal batch %s: %w", rec.BatchID, err)
	}
	_, err = b.store.Upsert(ctx, docstore.ContainerBatchTracking, docstore.Doc{
		ID:        rec.BatchID,
		Partition: rec.BatchID,
		Ts:        globaltime.UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("put batch %s: %w", rec.BatchID, err)
	}
	return nil
}

func (b *Batches) Get(ctx context.Context, batchID string) (model.BatchRecord, error) {
	doc, err := b.store.Get(ctx, docstore.ContainerBatchTracking, batchID, batchID)
	if err != nil {
		return model.BatchRecord{}, err
	}
	var rec model.BatchRecord
	if err := json.Unmarshal(doc.Data, &rec); err != nil {
		return model.BatchRecord{}, fmt.Errorf("unmarshal batch %s: %w", batchID, err)
	}
	return rec, nil
}

// Open returns batches that have been submitted but not yet resolved.
func (b *Batches) Open(ctx context.Context) ([]model.BatchRecord, error) {
	docs, err := b.store.Query(ctx, docstore.ContainerBatchTracking, docstore.Query{})
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	var out []model.BatchRecord
	for _, doc := range docs {
		var rec model.BatchRecord
		if err := json.Unmarshal(doc.Data, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal batch %s: %w", doc.ID, err)
		}
		if rec.Status == "submitted" || rec.Status == "in_progress" {
			out = append(out, rec)
		}
	}
	return out, nil
}
