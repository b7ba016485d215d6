// Package worker runs indexing tasks taken from the task queue.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/metrics"
	"github.com/JakeFAU/sitecorpus/internal/queue"
	"github.com/JakeFAU/sitecorpus/internal/retry"
)

// Runner executes one indexing run.
type Runner interface {
	Index(ctx context.Context, websiteID string, opts corpus.IndexOptions) (corpus.IndexResult, error)
}

// Worker consumes queue items and executes indexing runs.
type Worker struct {
	queue   queue.Queue
	runner  Runner
	policy  *retry.ExponentialPolicy
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New constructs a Worker. queue may be nil for a worker that only serves
// Handle.
func New(q queue.Queue, runner Runner, policy *retry.ExponentialPolicy, logger *zap.Logger, m *metrics.Metrics) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = retry.NewExponentialPolicy(retry.Config{})
	}
	return &Worker{
		queue:   q,
		runner:  runner,
		policy:  policy,
		logger:  logger,
		metrics: m,
	}
}

// Run blocks, consuming queue items until the context finishes or the
// queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued indexing task",
			zap.String("website_id", task.WebsiteID),
			zap.String("job_id", task.JobID),
		)
		_ = w.Handle(ctx, task)
	}
}

// Handle runs task, retrying transient failures with backoff. The final
// error is logged and returned.
func (w *Worker) Handle(ctx context.Context, task corpus.IndexTask) error {
	if task.WebsiteID == "" {
		w.metrics.ObserveIndexTask("invalid")
		return fmt.Errorf("%w: indexing task has no website id", corpus.ErrInvalidInput)
	}
	logger := w.logger.With(zap.String("website_id", task.WebsiteID), zap.String("source_job_id", task.JobID))
	err := w.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		task.Attempt = attempt + 1
		res, err := w.runner.Index(ctx, task.WebsiteID, corpus.IndexOptions{JobID: task.JobID})
		if err != nil {
			logger.Warn("indexing run failed", zap.Int("attempt", task.Attempt), zap.Error(err))
			return err
		}
		logger.Info("indexing run finished",
			zap.String("job_id", res.JobID),
			zap.Int("attempt", task.Attempt),
			zap.Int("indexed", res.Indexed),
			zap.Int("deleted", res.Deleted),
			zap.Int("errors", len(res.Errors)),
		)
		return nil
	})
	if err != nil {
		w.metrics.ObserveIndexTask("failed")
		logger.Error("indexing task abandoned", zap.Int("attempts", task.Attempt), zap.Error(err))
		return fmt.Errorf("index website %s: %w", task.WebsiteID, err)
	}
	w.metrics.ObserveIndexTask("completed")
	return nil
}
