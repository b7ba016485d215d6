package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/domain"
	"github.com/JakeFAU/sitecorpus/internal/pipeline"
)

// heal revisits pages stuck before indexing. Pages that already hold
// content are queued again; the rest are refetched in one batch. A failed
// batch is recorded on the job and returns its pages to error for the next
// run.
func (x *run) heal(ctx context.Context) error {
	stuck, err := x.store.ListPages(ctx, x.site.ID, corpus.PageFilter{Statuses: corpus.HealableStatuses})
	if err != nil {
		return fmt.Errorf("list stuck pages: %w", err)
	}
	if len(stuck) == 0 {
		return nil
	}

	var refetch []corpus.Page
	for _, p := range stuck {
		switch {
		case p.CaptureAttempts >= x.cfg.HealMaxAttempts:
			x.job.Stats.Heal.Skipped++
		case p.HasContent():
			x.requeue(ctx, p)
		default:
			refetch = append(refetch, p)
		}
	}
	if len(refetch) > 0 {
		x.refetch(ctx, refetch)
	}
	x.logger.Info("self-healing done",
		zap.Int("stuck", len(stuck)),
		zap.Int("requeued", x.job.Stats.Heal.Requeued),
		zap.Int("refetched", x.job.Stats.Heal.Refetched),
		zap.Int("recovered", x.job.Stats.Heal.Recovered),
		zap.Int("failed", x.job.Stats.Heal.Failed),
		zap.Int("skipped", x.job.Stats.Heal.Skipped),
	)
	return nil
}

func (x *run) requeue(ctx context.Context, page corpus.Page) {
	updated := page.Clone()
	markReady(&updated)
	updated.ErrorMessage = ""
	updated.SyncJobID = x.job.ID
	if !x.save(ctx, updated, page.Status) {
		return
	}
	x.job.Stats.Heal.Requeued++
	x.job.Updated++
}

func (x *run) refetch(ctx context.Context, pages []corpus.Page) {
	ids := make([]string, 0, len(pages))
	urls := make([]string, 0, len(pages))
	for _, p := range pages {
		ids = append(ids, p.ID)
		urls = append(urls, p.URL)
	}
	moved, err := x.store.TransitionPages(ctx, x.site.ID, ids, corpus.HealableStatuses, corpus.PageStatusProcessing)
	if err != nil {
		x.fail("", corpus.StageHeal, err)
		return
	}
	x.job.Stats.Heal.Refetched = moved

	results, batchID, err := x.writer.Fetch(ctx, x.job, urls)
	if err != nil {
		x.fail("", corpus.StageHeal, err)
		x.releaseFailed(context.WithoutCancel(ctx), pages, err)
		return
	}
	byURL := make(map[string]corpus.FetchResult, len(results))
	for _, r := range results {
		if u, err := domain.NormalizeURL(r.URL); err == nil {
			byURL[u] = r
		}
	}

	for _, p := range pages {
		updated := p.Clone()
		updated.Status = corpus.PageStatusProcessing
		updated.CaptureAttempts++
		updated.SyncJobID = x.job.ID

		r, ok := byURL[p.URL]
		var verr error
		if !ok {
			verr = fmt.Errorf("%w: %s missing from batch %s", corpus.ErrIncompleteContent, p.URL, batchID)
		} else {
			_, verr = pipeline.Validate(x.site.BaseDomain, r)
		}
		if verr != nil {
			updated.Status = corpus.PageStatusError
			updated.ErrorMessage = verr.Error()
			if x.save(ctx, updated, corpus.PageStatusProcessing) {
				x.job.Stats.Heal.Failed++
				x.job.AddError(p.URL, corpus.StageHeal, verr, x.clock.Now())
			}
			continue
		}

		x.writer.Apply(ctx, &updated, r, batchID)
		markReady(&updated)
		if !x.save(ctx, updated, corpus.PageStatusProcessing) {
			continue
		}
		x.job.Stats.Heal.Recovered++
		x.job.Updated++
	}
}

// releaseFailed moves pages claimed for a refetch back to error after the
// batch itself failed, counting the attempt.
func (x *run) releaseFailed(ctx context.Context, pages []corpus.Page, cause error) {
	for _, p := range pages {
		updated := p.Clone()
		updated.Status = corpus.PageStatusError
		updated.CaptureAttempts++
		updated.ErrorMessage = fmt.Sprintf("refetch batch failed: %v", cause)
		updated.SyncJobID = x.job.ID
		if x.save(ctx, updated, corpus.PageStatusProcessing) {
			x.job.Stats.Heal.Failed++
		}
	}
}

// markReady queues a page with content for indexing. A page that still
// holds an index handle is re-indexed and its old handle retired.
func markReady(p *corpus.Page) {
	if p.IndexDocumentID == "" {
		p.Status = corpus.PageStatusReadyForIndexing
		return
	}
	p.Status = corpus.PageStatusReadyForReIndexing
	p.Retire(p.IndexDocumentID)
	p.IndexDocumentID = ""
}

// isConflict reports a lost compare-and-set.
func isConflict(err error) bool {
	return errors.Is(err, corpus.ErrConflict)
}
