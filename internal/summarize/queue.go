package summarize

import (
	"context"
	"sync"
)

// item identifies one story awaiting summarization.
type item struct {
	storyID  string
	category string
}

// queue is the bounded, coalescing work queue. A story already queued is not
// queued again; only its position is kept. When full, new work is dropped and
// the backfill sweep picks it up later.
type queue struct {
	mu     sync.Mutex
	order  []item
	queued map[string]struct{}
	cap    int
	notify chan struct{}
}

func newQueue(capacity int) *queue {
	return &queue{
		queued: make(map[string]struct{}),
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

// push reports whether the item was accepted. Coalesced duplicates count as
// accepted.
func (q *queue) push(it item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[it.storyID]; ok {
		return true
	}
	if len(q.order) >= q.cap {
		return false
	}
	q.order = append(q.order, it)
	q.queued[it.storyID] = struct{}{}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until an item is available or the context ends.
func (q *queue) pop(ctx context.Context) (item, error) {
	for {
		q.mu.Lock()
		if len(q.order) > 0 {
			it := q.order[0]
			q.order = q.order[1:]
			delete(q.queued, it.storyID)
			if len(q.order) > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return it, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return item{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// drain removes and returns up to n queued items without blocking.
func (q *queue) drain(n int) []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.order) {
		n = len(q.order)
	}
	out := make([]item, n)
	copy(out, q.order[:n])
	q.order = q.order[n:]
	for _, it := range out {
		delete(q.queued, it.storyID)
	}
	return out
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
