// Package memory provides a bounded in-process task queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/queue"
)

var _ queue.Queue = (*Queue)(nil)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan corpus.IndexTask
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan corpus.IndexTask, capacity),
	}
}

// Enqueue pushes a task into the queue. It never waits for a worker to make
// room: a full queue returns queue.ErrFull.
func (q *Queue) Enqueue(ctx context.Context, task corpus.IndexTask) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return queue.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	select {
	case q.ch <- task:
		return nil
	default:
		return fmt.Errorf("enqueue %s: %w", task.WebsiteID, queue.ErrFull)
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (corpus.IndexTask, error) {
	select {
	case <-ctx.Done():
		return corpus.IndexTask{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return corpus.IndexTask{}, queue.ErrClosed
		}
		return task, nil
	}
}

// Len reports how many tasks are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. Queued tasks can still
// be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
