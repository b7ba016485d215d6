// Package indexing drains pages in the ready states into the semantic
// index: uploads new and changed content, retires replaced documents and
// removes documents of deleted pages. Active pages whose replaced documents
// could not be removed are picked up again until the removal succeeds.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/metrics"
	"github.com/JakeFAU/sitecorpus/internal/pipeline"
	"github.com/JakeFAU/sitecorpus/internal/retry"
)

// Config tunes an indexing run.
type Config struct {
	// BatchSize caps the pages loaded per run.
	BatchSize int `mapstructure:"batch_size"`
	// SubBatchSize is how many pages are processed and persisted together.
	SubBatchSize int `mapstructure:"sub_batch_size"`
	// Parallelism bounds concurrent pages within a sub-batch.
	Parallelism int `mapstructure:"parallelism"`
	// OperationTimeout bounds the wait for one upload to be accepted.
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	Retry            retry.Config  `mapstructure:"retry"`
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.SubBatchSize <= 0 {
		c.SubBatchSize = 10
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 5
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 5 * time.Minute
	}
	return c
}

// Decoupler implements the indexing stage.
type Decoupler struct {
	cfg     Config
	store   corpus.Store
	indexer corpus.Indexer
	ledger  *pipeline.Ledger
	policy  *retry.ExponentialPolicy
	tracker *Tracker
	clock   corpus.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New builds a Decoupler. logger and m may be nil.
func New(
	cfg Config,
	store corpus.Store,
	indexer corpus.Indexer,
	ledger *pipeline.Ledger,
	clock corpus.Clock,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Decoupler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("indexing")
	policy := retry.NewExponentialPolicy(cfg.Retry)
	return &Decoupler{
		cfg:     cfg,
		store:   store,
		indexer: indexer,
		ledger:  ledger,
		policy:  policy,
		tracker: NewTracker(indexer, policy, cfg.OperationTimeout, logger),
		clock:   clock,
		logger:  logger,
		metrics: m,
	}
}

// run carries the mutable state of one indexing pass.
type run struct {
	*Decoupler
	site   corpus.Website
	job    *corpus.Job
	logger *zap.Logger

	mu sync.Mutex
}

func (x *run) fail(url, stage string, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.job.AddError(url, stage, err, x.clock.Now())
}

func (x *run) count(fn func(s *corpus.IndexStats)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	fn(&x.job.Stats.Index)
}

// Index processes up to BatchSize ready pages of the website, oldest first.
// opts.JobID restricts the run to pages produced by that capture job.
func (d *Decoupler) Index(ctx context.Context, websiteID string, opts corpus.IndexOptions) (res corpus.IndexResult, err error) {
	site, err := d.store.GetWebsite(ctx, websiteID)
	if err != nil {
		return corpus.IndexResult{}, fmt.Errorf("load website: %w", err)
	}
	job, err := d.ledger.Open(ctx, corpus.Job{
		WebsiteID:   websiteID,
		Type:        corpus.JobTypeIndexing,
		ParentJobID: opts.JobID,
	})
	if err != nil {
		return corpus.IndexResult{WebsiteID: websiteID}, err
	}
	defer d.ledger.Finish(ctx, job, &err)
	defer func() {
		res = corpus.IndexResult{
			WebsiteID: websiteID,
			JobID:     job.ID,
			Indexed:   job.Updated,
			Deleted:   job.Deleted,
			Errors:    job.Errors,
		}
	}()

	x := &run{
		Decoupler: d,
		site:      site,
		job:       job,
		logger:    d.logger.With(zap.String("website_id", websiteID), zap.String("job_id", job.ID)),
	}
	pages, err := d.store.ListPages(ctx, websiteID, corpus.PageFilter{
		Statuses: corpus.IndexableStatuses,
		Retiring: true,
		JobID:    opts.JobID,
		Limit:    d.cfg.BatchSize,
	})
	if err != nil {
		return res, fmt.Errorf("list ready pages: %w", err)
	}
	job.Discovered = len(pages)
	x.logger.Info("indexing started", zap.Int("pages", len(pages)), zap.String("source_job_id", opts.JobID))
	if len(pages) == 0 {
		return res, d.ledger.Seal(ctx, job, corpus.JobStatusCompleted)
	}

	if needsContainer(pages) {
		if err := x.ensureContainer(ctx); err != nil {
			x.fail("", corpus.StageContainer, err)
			return res, err
		}
	}

	for start := 0; start < len(pages); start += d.cfg.SubBatchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+d.cfg.SubBatchSize, len(pages))
		x.processSubBatch(ctx, pages[start:end])
	}

	if err := d.ledger.Seal(ctx, job, corpus.JobStatusCompleted); err != nil {
		return res, err
	}
	return res, nil
}

func needsContainer(pages []corpus.Page) bool {
	for _, p := range pages {
		if p.Status != corpus.PageStatusReadyForDeletion && !p.RetirePending() {
			return true
		}
	}
	return false
}

// ensureContainer creates the website's container on first use.
func (x *run) ensureContainer(ctx context.Context) error {
	if x.site.IndexContainerID != "" {
		return nil
	}
	var containerID string
	err := x.policy.Do(ctx, func(ctx context.Context, _ int) error {
		id, err := x.indexer.CreateContainer(ctx, x.site.BaseDomain)
		containerID = id
		return err
	})
	if err != nil {
		return fmt.Errorf("create index container: %w", err)
	}
	x.site.IndexContainerID = containerID
	if err := x.store.UpdateWebsite(ctx, x.site); err != nil {
		return fmt.Errorf("persist index container: %w", err)
	}
	x.logger.Info("index container created", zap.String("container_id", containerID))
	return nil
}

// processSubBatch handles pages concurrently and returns once every page's
// outcome has been persisted.
func (x *run) processSubBatch(ctx context.Context, pages []corpus.Page) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.cfg.Parallelism)
	for _, p := range pages {
		g.Go(func() error {
			switch {
			case p.Status == corpus.PageStatusReadyForDeletion:
				x.remove(gctx, p)
			case p.RetirePending():
				x.retireOnly(gctx, p)
			default:
				x.index(gctx, p)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// remove deletes every index handle of the page and tombstones it.
func (x *run) remove(ctx context.Context, page corpus.Page) {
	for _, id := range append([]string{page.IndexDocumentID}, page.RetiredDocumentIDs...) {
		if id == "" {
			continue
		}
		if err := x.deleteDocument(ctx, id); err != nil {
			x.count(func(s *corpus.IndexStats) { s.Failed++ })
			x.fail(page.URL, corpus.StageDelete, err)
			return
		}
	}
	now := x.clock.Now()
	updated := page.Clone()
	updated.Status = corpus.PageStatusDeleted
	updated.IndexDocumentID = ""
	updated.RetiredDocumentIDs = nil
	updated.IndexOperationID = ""
	updated.IndexJobID = x.job.ID
	updated.DeletedAt = &now
	if !x.save(ctx, updated, page.Status) {
		return
	}
	x.mu.Lock()
	x.job.Deleted++
	x.job.Stats.Index.Tombstoned++
	x.mu.Unlock()
}

// index uploads the page, or resumes an upload submitted by an earlier
// run, and records the outcome.
func (x *run) index(ctx context.Context, page corpus.Page) {
	current := page.Clone()
	current.RetiredDocumentIDs = x.retire(ctx, current)

	if current.IndexOperationID != "" {
		x.count(func(s *corpus.IndexStats) { s.Resumed++ })
	} else {
		opID, err := x.upload(ctx, current)
		if err != nil {
			x.count(func(s *corpus.IndexStats) { s.Failed++ })
			x.fail(page.URL, corpus.StageUpload, err)
			x.metrics.ObserveUpload("upload_error", 0)
			current.ErrorMessage = err.Error()
			x.save(ctx, current, page.Status)
			return
		}
		current.IndexOperationID = opID
		current.ErrorMessage = ""
		// The handle is durable before the wait so a crash resumes polling.
		if !x.save(ctx, current, page.Status) {
			return
		}
		x.count(func(s *corpus.IndexStats) { s.Uploaded++ })
	}

	started := time.Now()
	op, err := x.tracker.Await(ctx, current.IndexOperationID)
	wait := time.Since(started)
	updated := current.Clone()
	switch {
	case err != nil && (errors.Is(err, corpus.ErrTimeout) || errors.Is(err, corpus.ErrTransient)):
		updated.ErrorMessage = err.Error()
		x.count(func(s *corpus.IndexStats) { s.Pending++ })
		x.fail(page.URL, corpus.StageUpload, err)
		x.metrics.ObserveUpload("pending", wait)
	case err != nil:
		if errors.Is(err, corpus.ErrNotFound) {
			updated.IndexOperationID = ""
		}
		updated.ErrorMessage = err.Error()
		x.count(func(s *corpus.IndexStats) { s.Failed++ })
		x.fail(page.URL, corpus.StageUpload, err)
		x.metrics.ObserveUpload("poll_error", wait)
	case op.State == corpus.OperationActive:
		updated.Status = corpus.PageStatusActive
		updated.IndexDocumentID = op.DocumentID
		updated.IndexOperationID = ""
		updated.IndexJobID = x.job.ID
		updated.ErrorMessage = ""
		x.metrics.ObserveUpload("accepted", wait)
	default:
		reason := op.Error
		if reason == "" {
			reason = "document rejected by index"
		}
		updated.IndexOperationID = ""
		updated.ErrorMessage = reason
		x.count(func(s *corpus.IndexStats) { s.Failed++ })
		x.fail(page.URL, corpus.StageUpload, fmt.Errorf("%w: %s", corpus.ErrPermanent, reason))
		x.metrics.ObserveUpload("rejected", wait)
	}
	if !x.save(ctx, updated, current.Status) {
		return
	}
	if updated.Status == corpus.PageStatusActive {
		x.mu.Lock()
		x.job.Updated++
		x.mu.Unlock()
	}
}

// retireOnly removes the replaced documents of an active page. Handles whose
// removal fails stay on the page for the next run.
func (x *run) retireOnly(ctx context.Context, page corpus.Page) {
	updated := page.Clone()
	updated.RetiredDocumentIDs = x.retire(ctx, page)
	if len(updated.RetiredDocumentIDs) == len(page.RetiredDocumentIDs) {
		return
	}
	updated.IndexJobID = x.job.ID
	x.save(ctx, updated, page.Status)
}

// retire deletes every retired handle of page and returns the ones that are
// still in the index.
func (x *run) retire(ctx context.Context, page corpus.Page) []string {
	var remaining []string
	for _, id := range page.RetiredDocumentIDs {
		if err := x.deleteDocument(ctx, id); err != nil {
			x.logger.Warn("retired document not removed",
				zap.String("url", page.URL),
				zap.String("document_id", id),
				zap.Error(err),
			)
			x.fail(page.URL, corpus.StageRetire, err)
			remaining = append(remaining, id)
			continue
		}
		x.count(func(s *corpus.IndexStats) { s.Retired++ })
	}
	return remaining
}

func (x *run) upload(ctx context.Context, page corpus.Page) (string, error) {
	updatedAt := page.UpdatedAt
	if page.LastCapturedAt != nil {
		updatedAt = *page.LastCapturedAt
	}
	meta := corpus.DocumentMetadata{
		URL:       page.URL,
		Title:     page.Title,
		Path:      page.Path,
		UpdatedAt: updatedAt,
	}
	var opID string
	err := x.policy.Do(ctx, func(ctx context.Context, _ int) error {
		id, err := x.indexer.Upload(ctx, x.site.IndexContainerID, page.Content, meta)
		opID = id
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", page.URL, err)
	}
	return opID, nil
}

func (x *run) deleteDocument(ctx context.Context, documentID string) error {
	err := x.policy.Do(ctx, func(ctx context.Context, _ int) error {
		return x.indexer.Delete(ctx, documentID)
	})
	if err != nil {
		return fmt.Errorf("delete document %s: %w", documentID, err)
	}
	return nil
}

// save persists page with a compare-and-set on its previous status. The
// write outlives cancellation so a submitted upload is never forgotten.
func (x *run) save(ctx context.Context, page corpus.Page, expected corpus.PageStatus) bool {
	err := x.store.UpdatePage(context.WithoutCancel(ctx), page, expected)
	if err == nil {
		return true
	}
	if errors.Is(err, corpus.ErrConflict) {
		x.logger.Info("page changed concurrently, skipped", zap.String("url", page.URL))
		return false
	}
	x.fail(page.URL, corpus.StageWrite, err)
	x.logger.Warn("page write failed", zap.String("url", page.URL), zap.Error(err))
	return false
}
