// Package memstore is an in-memory docstore.Store used by tests and local
// runs. It honors the full contract: etag concurrency, unordered queries, and
// a commit-ordered change feed with lease checkpoints and redelivery.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"horse.fit/newswire/internal/docstore"
)

const feedBatchSize = 25

type committed struct {
	seq int64
	doc docstore.Doc
}

type container struct {
	docs map[string]docstore.Doc
	log  []committed
	seq  int64
}

// Store implements docstore.Store in memory.
type Store struct {
	mu         sync.Mutex
	containers map[string]*container
	leases     map[string]int64
	watchers   map[string][]chan struct{}
	closed     bool
}

func New() *Store {
	return &Store{
		containers: make(map[string]*container),
		leases:     make(map[string]int64),
		watchers:   make(map[string][]chan struct{}),
	}
}

func (s *Store) container(name string) *container {
	c, ok := s.containers[name]
	if !ok {
		c = &container{docs: make(map[string]docstore.Doc)}
		s.containers[name] = c
	}
	return c
}

func (s *Store) Get(_ context.Context, containerName, id, partition string) (docstore.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.container(containerName)
	doc, ok := c.docs[id]
	if !ok {
		return docstore.Doc{}, docstore.ErrNotFound
	}
	if partition != "" && doc.Partition != partition {
		return docstore.Doc{}, docstore.ErrNotFound
	}
	return copyDoc(doc), nil
}

func (s *Store) Query(_ context.Context, containerName string, q docstore.Query) ([]docstore.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.container(containerName)
	var out []docstore.Doc
	// Map iteration order is deliberately the only order callers get.
	for _, doc := range c.docs {
		if q.Partition != "" && doc.Partition != q.Partition {
			continue
		}
		if !q.UpdatedAfter.IsZero() && doc.Ts.Before(q.UpdatedAfter) {
			continue
		}
		out = append(out, copyDoc(doc))
	}
	return out, nil
}

func (s *Store) Create(_ context.Context, containerName string, doc docstore.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.container(containerName)
	if _, exists := c.docs[doc.ID]; exists {
		return docstore.ErrConflict
	}
	doc.ETag = uuid.NewString()
	s.commitLocked(containerName, c, doc)
	return nil
}

func (s *Store) Upsert(_ context.Context, containerName string, doc docstore.Doc) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.container(containerName)
	current, exists := c.docs[doc.ID]
	if doc.ETag != "" {
		if !exists || current.ETag != doc.ETag {
			return "", docstore.ErrPreconditionFailed
		}
	}
	doc.ETag = uuid.NewString()
	s.commitLocked(containerName, c, doc)
	return doc.ETag, nil
}

func (s *Store) commitLocked(containerName string, c *container, doc docstore.Doc) {
	stored := copyDoc(doc)
	c.docs[doc.ID] = stored
	c.seq++
	c.log = append(c.log, committed{seq: c.seq, doc: copyDoc(stored)})
	for _, ch := range s.watchers[containerName] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) ChangeFeed(_ context.Context, containerName, leasePrefix string) (docstore.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("memstore: store closed")
	}
	leaseKey := containerName + "/" + leasePrefix
	notify := make(chan struct{}, 1)
	s.watchers[containerName] = append(s.watchers[containerName], notify)

	return &feed{
		store:     s,
		container: containerName,
		leaseKey:  leaseKey,
		cursor:    s.leases[leaseKey],
		notify:    notify,
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type feed struct {
	store     *Store
	container string
	leaseKey  string
	cursor    int64
	notify    chan struct{}
	closed    bool
}

func (f *feed) Next(ctx context.Context) (docstore.Batch, error) {
	for {
		batch, ok := f.tryBatch()
		if ok {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return docstore.Batch{}, ctx.Err()
		case <-f.notify:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (f *feed) tryBatch() (docstore.Batch, bool) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	c := f.store.container(f.container)
	var batch docstore.Batch
	for _, entry := range c.log {
		if entry.seq <= f.cursor {
			continue
		}
		batch.Docs = append(batch.Docs, copyDoc(entry.doc))
		batch.EndSeq = entry.seq
		if len(batch.Docs) >= feedBatchSize {
			break
		}
	}
	if len(batch.Docs) == 0 {
		return docstore.Batch{}, false
	}
	// Advance the in-memory cursor so successive Next calls page forward;
	// only Checkpoint persists progress, so a reopened feed redelivers.
	f.cursor = batch.EndSeq
	return batch, true
}

func (f *feed) Checkpoint(_ context.Context, batch docstore.Batch) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	if batch.EndSeq > f.store.leases[f.leaseKey] {
		f.store.leases[f.leaseKey] = batch.EndSeq
	}
	return nil
}

func (f *feed) Close() error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	watchers := f.store.watchers[f.container]
	for i, ch := range watchers {
		if ch == f.notify {
			f.store.watchers[f.container] = append(watchers[:i], watchers[i+1:]...)
			break
		}
	}
	return nil
}

func copyDoc(doc docstore.Doc) docstore.Doc {
	out := doc
	out.Data = append(json.RawMessage(nil), doc.Data...)
	return out
}
