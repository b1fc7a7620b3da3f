// Package docstore defines the document-database contract the pipeline runs
// on: point reads, partitioned queries, optimistic-concurrency upserts, and a
// per-container change feed with explicit checkpointing.
//
// Query results carry no ordering guarantee. Callers that need an order must
// sort in application code and should bound result sets with a time-window
// predicate. Relying on store-side ordering is forbidden by contract.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Container names.
const (
	ContainerRawArticles   = "raw_articles"
	ContainerStoryClusters = "story_clusters"
	ContainerLeases        = "leases"
	ContainerPollStates    = "feed_poll_states"
	ContainerBatchTracking = "batch_tracking"
)

var (
	// ErrNotFound is returned by Get when no document matches.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrConflict is returned by Create when the id already exists.
	ErrConflict = errors.New("docstore: document already exists")
	// ErrPreconditionFailed is returned by Upsert when the supplied etag is
	// stale. Callers re-read and retry.
	ErrPreconditionFailed = errors.New("docstore: precondition failed")
)

// Doc is a stored document. ETag is opaque and assigned by the store on every
// write. Ts is the document's indexed timestamp, set by the writer; Query time
// windows evaluate against it.
type Doc struct {
	ID        string
	Partition string
	ETag      string
	Ts        time.Time
	Data      json.RawMessage
}

// Query bounds a container scan. Zero values widen the scan: empty Partition
// is cross-partition, zero UpdatedAfter means no time floor.
type Query struct {
	Partition    string
	UpdatedAfter time.Time
}

// Batch is one change-feed delivery. Docs appear in commit order.
type Batch struct {
	Docs []Doc
	// EndSeq identifies the batch for checkpointing.
	EndSeq int64
}

// Feed is a single-active-consumer change feed over one container. Next blocks
// until a batch is available or the context ends. Re-delivery after a crash is
// possible: consumers must be idempotent and call Checkpoint only after a
// batch is fully processed.
type Feed interface {
	Next(ctx context.Context) (Batch, error)
	Checkpoint(ctx context.Context, batch Batch) error
	Close() error
}

// Store is the persistence contract the pipeline consumes.
type Store interface {
	Get(ctx context.Context, container, id, partition string) (Doc, error)
	// Query returns matching documents in no particular order.
	Query(ctx context.Context, container string, q Query) ([]Doc, error)
	// Create inserts a new document and fails with ErrConflict if the id is
	// taken. This is the idempotent-ingest primitive.
	Create(ctx context.Context, container string, doc Doc) error
	// Upsert writes the document and returns the new etag. A non-empty
	// doc.ETag makes the write conditional.
	Upsert(ctx context.Context, container string, doc Doc) (string, error)
	// ChangeFeed opens the container's change feed for the given lease
	// prefix. Consumption resumes from the lease's last checkpoint.
	ChangeFeed(ctx context.Context, container, leasePrefix string) (Feed, error)
	Close() error
}
