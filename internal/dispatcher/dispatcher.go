// Package dispatcher fans indexing tasks out to a pool of workers and
// serves as the in-process index scheduler.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/queue"
	"github.com/JakeFAU/sitecorpus/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   queue.Queue
	workers []*worker.Worker
}

var _ corpus.IndexScheduler = (*Dispatcher)(nil)

// New creates a Dispatcher.
func New(q queue.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   q,
		workers: workers,
	}
}

// Run starts all workers and blocks until every worker has returned, which
// happens when the context finishes or the queue is closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task corpus.IndexTask) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// ScheduleIndexing hands task to the worker pool.
func (d *Dispatcher) ScheduleIndexing(ctx context.Context, task corpus.IndexTask) error {
	return d.Enqueue(ctx, task)
}
