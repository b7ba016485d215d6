package collyfetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxWait      = 10 * time.Minute
)

type batch struct {
	mu        sync.Mutex
	total     int
	completed int
	results   []corpus.FetchResult
}

func (b *batch) snapshot() corpus.BatchResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := corpus.BatchResult{Completed: b.completed, Total: b.total}
	if b.completed == b.total {
		out.Results = append([]corpus.FetchResult(nil), b.results...)
	}
	return out
}

// FetchBatch starts fetching urls in the background and returns the batch
// handle. The batch outlives ctx cancellation but is bounded by the
// configured batch timeout.
func (f *Fetcher) FetchBatch(ctx context.Context, urls []string) (string, error) {
	if len(urls) == 0 {
		return "", fmt.Errorf("%w: empty fetch batch", corpus.ErrInvalidInput)
	}
	id, err := f.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("batch id: %w", err)
	}
	b := &batch{total: len(urls), results: make([]corpus.FetchResult, len(urls))}
	f.mu.Lock()
	f.batches[id] = b
	f.mu.Unlock()

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.BatchTimeout)
	go func() {
		defer cancel()
		f.runBatch(runCtx, id, b, urls)
	}()
	f.logger.Info("fetch batch submitted", zap.String("batch_id", id), zap.Int("urls", len(urls)))
	return id, nil
}

func (f *Fetcher) runBatch(ctx context.Context, id string, b *batch, urls []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Parallelism)
	for i, u := range urls {
		g.Go(func() error {
			res, err := f.fetch(gctx, u)
			if err != nil {
				f.logger.Warn("batch fetch failed", zap.String("batch_id", id), zap.String("url", u), zap.Error(err))
				res = corpus.FetchResult{URL: u}
			}
			b.mu.Lock()
			b.results[i] = res
			b.completed++
			b.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// AwaitBatch polls the batch until every URL finished, opts.MaxWait passes
// (ErrTimeout) or ctx ends. A finished batch is released.
func (f *Fetcher) AwaitBatch(ctx context.Context, batchID string, opts corpus.AwaitOptions) (corpus.BatchResult, error) {
	f.mu.Lock()
	b, ok := f.batches[batchID]
	f.mu.Unlock()
	if !ok {
		return corpus.BatchResult{}, fmt.Errorf("batch %s: %w", batchID, corpus.ErrNotFound)
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snap := b.snapshot()
		if opts.OnProgress != nil {
			opts.OnProgress(snap.Completed, snap.Total)
		}
		if snap.Completed == snap.Total {
			f.mu.Lock()
			delete(f.batches, batchID)
			f.mu.Unlock()
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, fmt.Errorf("await batch %s: %w", batchID, ctx.Err())
		case <-deadline.C:
			return snap, fmt.Errorf("await batch %s after %s: %w", batchID, maxWait, corpus.ErrTimeout)
		case <-ticker.C:
		}
	}
}
