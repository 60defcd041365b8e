// Package memory provides the channel-backed work queue shared by the worker
// pool.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// ErrQueueClosed is returned once the queue has been closed and drained.
var ErrQueueClosed = crawler.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan crawler.WorkItem
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan crawler.WorkItem, capacity),
	}
}

// Enqueue pushes an item into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item crawler.WorkItem) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation. Items queued
// before Close are still delivered.
func (q *Queue) Dequeue(ctx context.Context) (crawler.WorkItem, error) {
	select {
	case <-ctx.Done():
		return crawler.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return crawler.WorkItem{}, ErrQueueClosed
		}
		return item, nil
	}
}

// Len reports the number of buffered items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
