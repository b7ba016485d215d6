// Package reconcile re-synchronizes a captured website with its live
// state: it heals stuck pages, captures new URLs, refreshes existing ones,
// counts absences and marks pages for deletion once the miss threshold is
// reached.
package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/metrics"
	"github.com/JakeFAU/sitecorpus/internal/pipeline"
)

// Config holds reconciliation thresholds.
type Config struct {
	// MissThreshold is how many consecutive absences mark a page for deletion.
	MissThreshold int `mapstructure:"miss_threshold"`
	// SimilarityThreshold is the similarity below which refreshed text
	// counts as a significant change.
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	// HealMaxAttempts stops self-healing pages that failed capture this often.
	HealMaxAttempts int `mapstructure:"heal_max_attempts"`
	// RefreshParallelism bounds concurrent single-page refetches.
	RefreshParallelism int `mapstructure:"refresh_parallelism"`
}

func (c Config) withDefaults() Config {
	if c.MissThreshold <= 0 {
		c.MissThreshold = 3
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.95
	}
	if c.HealMaxAttempts <= 0 {
		c.HealMaxAttempts = 5
	}
	if c.RefreshParallelism <= 0 {
		c.RefreshParallelism = 5
	}
	return c
}

// Reconciler implements the sync engine.
type Reconciler struct {
	cfg       Config
	store     corpus.Store
	fetcher   corpus.ContentFetcher
	hasher    corpus.ChangeDetector
	writer    *pipeline.Writer
	ledger    *pipeline.Ledger
	scheduler corpus.IndexScheduler
	clock     corpus.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// Deps groups the Reconciler collaborators.
type Deps struct {
	Store     corpus.Store
	Fetcher   corpus.ContentFetcher
	Hasher    corpus.ChangeDetector
	Writer    *pipeline.Writer
	Ledger    *pipeline.Ledger
	Scheduler corpus.IndexScheduler
	Clock     corpus.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// New builds a Reconciler.
func New(cfg Config, d Deps) *Reconciler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		cfg:       cfg.withDefaults(),
		store:     d.Store,
		fetcher:   d.Fetcher,
		hasher:    d.Hasher,
		writer:    d.Writer,
		ledger:    d.Ledger,
		scheduler: d.Scheduler,
		clock:     d.Clock,
		logger:    logger.Named("reconcile"),
		metrics:   d.Metrics,
	}
}

// run carries the mutable state of one reconciliation.
type run struct {
	*Reconciler
	site   corpus.Website
	job    *corpus.Job
	logger *zap.Logger

	mu sync.Mutex
}

func (x *run) fail(url, stage string, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.job.AddError(url, stage, err, x.clock.Now())
	x.logger.Warn("reconcile step failed", zap.String("url", url), zap.String("stage", stage), zap.Error(err))
}

func (x *run) record(fn func(job *corpus.Job)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	fn(x.job)
}

// Reconcile runs one reconciliation pass over the website. It fails with
// corpus.ErrNotCaptured when the website has no pages yet.
func (r *Reconciler) Reconcile(ctx context.Context, websiteID string) (res corpus.ReconcileResult, err error) {
	site, err := r.store.GetWebsite(ctx, websiteID)
	if err != nil {
		return corpus.ReconcileResult{}, fmt.Errorf("load website: %w", err)
	}
	count, err := r.store.CountPages(ctx, websiteID)
	if err != nil {
		return corpus.ReconcileResult{}, fmt.Errorf("count pages: %w", err)
	}
	if count == 0 {
		return corpus.ReconcileResult{WebsiteID: websiteID}, fmt.Errorf("website %s: %w", websiteID, corpus.ErrNotCaptured)
	}

	job, err := r.ledger.Open(ctx, corpus.Job{
		WebsiteID: websiteID,
		Type:      corpus.JobTypeCapture,
		Mode:      corpus.JobModeIncremental,
	})
	if err != nil {
		return corpus.ReconcileResult{WebsiteID: websiteID}, err
	}
	defer r.ledger.Finish(ctx, job, &err)
	defer func() {
		res = corpus.ReconcileResult{
			WebsiteID:  websiteID,
			JobID:      job.ID,
			Discovered: job.Discovered,
			Updated:    job.Updated,
			Deleted:    job.Deleted,
			Errored:    job.Errored,
			Errors:     job.Errors,
		}
	}()

	x := &run{
		Reconciler: r,
		site:       site,
		job:        job,
		logger:     r.logger.With(zap.String("website_id", websiteID), zap.String("job_id", job.ID)),
	}
	if err := x.heal(ctx); err != nil {
		return res, err
	}
	if err := x.sync(ctx); err != nil {
		return res, err
	}
	x.observeMissCounts(ctx)

	if err := r.ledger.Seal(ctx, job, corpus.JobStatusCompleted); err != nil {
		return res, err
	}
	now := r.clock.Now()
	site.LastReconciledAt = &now
	if err := r.store.UpdateWebsite(ctx, site); err != nil {
		x.logger.Warn("record reconcile time failed", zap.Error(err))
	}
	x.schedule(ctx)
	return res, nil
}

// sync runs enumeration, categorization and steps on every category.
func (x *run) sync(ctx context.Context) error {
	raw, err := x.fetcher.Enumerate(ctx, x.site.SeedURL)
	if err != nil {
		x.fail(x.site.SeedURL, corpus.StageDiscover, err)
		return fmt.Errorf("enumerate %s: %w", x.site.SeedURL, err)
	}
	urls := pipeline.Candidates(x.site.BaseDomain, raw, 0)
	if len(urls) == 0 {
		// An empty enumeration would count every page missing at once.
		err := fmt.Errorf("%w: enumeration of %s found no pages", corpus.ErrTransient, x.site.SeedURL)
		x.fail(x.site.SeedURL, corpus.StageDiscover, err)
		return err
	}
	x.job.Discovered = len(urls)

	pages, err := x.store.ListPages(ctx, x.site.ID, corpus.PageFilter{})
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	cats := categorize(urls, pages)
	x.job.Stats.Categories = corpus.CategoryStats{
		New:      len(cats.fresh),
		Existing: len(cats.existing),
		Missing:  len(cats.missing),
	}
	x.metrics.ObserveReconcileCategory("new", len(cats.fresh))
	x.metrics.ObserveReconcileCategory("existing", len(cats.existing))
	x.metrics.ObserveReconcileCategory("missing", len(cats.missing))
	x.logger.Info("pages categorized",
		zap.Int("discovered", len(urls)),
		zap.Int("new", len(cats.fresh)),
		zap.Int("existing", len(cats.existing)),
		zap.Int("missing", len(cats.missing)),
	)

	if err := x.captureNew(ctx, cats.fresh); err != nil {
		return err
	}
	x.refreshExisting(ctx, cats.existing)
	for _, p := range cats.missing {
		x.miss(ctx, p)
	}
	return nil
}

type categories struct {
	fresh    []string
	existing []corpus.Page
	missing  []corpus.Page
}

// categorize splits discovered URLs and stored pages. Tombstoned pages that
// reappear count as new.
func categorize(urls []string, pages []corpus.Page) categories {
	byURL := make(map[string]corpus.Page, len(pages))
	for _, p := range pages {
		byURL[p.URL] = p
	}
	seen := make(map[string]bool, len(urls))
	var c categories
	for _, u := range urls {
		seen[u] = true
		p, ok := byURL[u]
		if !ok || p.Status == corpus.PageStatusDeleted {
			c.fresh = append(c.fresh, u)
			continue
		}
		c.existing = append(c.existing, p)
	}
	for _, p := range pages {
		if !seen[p.URL] && p.Status != corpus.PageStatusDeleted {
			c.missing = append(c.missing, p)
		}
	}
	return c
}

func (x *run) captureNew(ctx context.Context, urls []string) error {
	if max := x.writer.MaxPages(); len(urls) > max {
		x.logger.Info("new urls capped", zap.Int("new", len(urls)), zap.Int("max_pages", max))
		urls = urls[:max]
	}
	written, err := x.writer.Capture(ctx, x.site, x.job, urls)
	if err != nil {
		x.fail("", corpus.StageFetch, err)
		return err
	}
	x.job.Updated += written
	return nil
}

func (x *run) refreshExisting(ctx context.Context, pages []corpus.Page) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.cfg.RefreshParallelism)
	for _, p := range pages {
		if p.Status == corpus.PageStatusActive {
			g.Go(func() error {
				x.refresh(gctx, p)
				return nil
			})
			continue
		}
		x.touch(ctx, p)
	}
	_ = g.Wait()
}

// refresh refetches an active page and applies change detection.
func (x *run) refresh(ctx context.Context, page corpus.Page) {
	r, err := x.fetcher.FetchOne(ctx, page.URL)
	if err != nil {
		x.record(func(j *corpus.Job) { j.Stats.Refresh.Failed++ })
		x.fail(page.URL, corpus.StageRefresh, err)
		return
	}
	updated := page.Clone()
	if r.HTTPStatus == http.StatusNotFound || r.HTTPStatus == http.StatusGone {
		x.record(func(j *corpus.Job) { j.Stats.Refresh.Gone++ })
		x.miss(ctx, page)
		return
	}
	if _, err := pipeline.Validate(x.site.BaseDomain, r); err != nil {
		x.record(func(j *corpus.Job) { j.Stats.Refresh.Failed++ })
		x.fail(page.URL, corpus.StageRefresh, err)
		return
	}

	previous := page.Content
	change := x.hasher.HasChangedSignificantly(r.Text, &previous, x.cfg.SimilarityThreshold)
	x.writer.Apply(ctx, &updated, r, "")
	updated.SyncJobID = x.job.ID
	if change.Changed {
		updated.Status = corpus.PageStatusReadyForReIndexing
		updated.Retire(updated.IndexDocumentID)
		updated.IndexDocumentID = ""
	}
	if !x.save(ctx, updated, page.Status) {
		return
	}
	x.record(func(j *corpus.Job) {
		j.Stats.Similarity.Observe(change.Similarity)
		if change.Changed {
			j.Stats.Refresh.Changed++
			j.Updated++
			return
		}
		j.Stats.Refresh.Unchanged++
	})
}

// touch records presence of a non-active existing page and rescues pages
// that were about to be deleted.
func (x *run) touch(ctx context.Context, page corpus.Page) {
	now := x.clock.Now()
	updated := page.Clone()
	updated.LastSeenAt = &now
	updated.MissingCount = 0
	updated.SyncJobID = x.job.ID
	requeued := false
	if page.Status == corpus.PageStatusReadyForDeletion {
		switch {
		case page.IndexDocumentID != "" && page.HasContent():
			updated.Status = corpus.PageStatusActive
		case page.HasContent():
			updated.Status = corpus.PageStatusReadyForIndexing
			updated.Retire(page.IndexDocumentID)
			updated.IndexDocumentID = ""
			requeued = true
		default:
			updated.Status = corpus.PageStatusPending
		}
		x.record(func(j *corpus.Job) { j.Stats.Refresh.Rescued++ })
	}
	if !x.save(ctx, updated, page.Status) {
		return
	}
	if requeued {
		x.record(func(j *corpus.Job) { j.Updated++ })
	}
}

// miss counts one more absence and queues the page for deletion once it
// reaches the threshold.
func (x *run) miss(ctx context.Context, page corpus.Page) {
	updated := page.Clone()
	updated.MissingCount++
	updated.SyncJobID = x.job.ID
	doomed := updated.MissingCount >= x.cfg.MissThreshold &&
		page.Status != corpus.PageStatusReadyForDeletion &&
		corpus.CanTransition(page.Status, corpus.PageStatusReadyForDeletion)
	if doomed {
		updated.Status = corpus.PageStatusReadyForDeletion
	}
	if x.save(ctx, updated, page.Status) && doomed {
		x.record(func(j *corpus.Job) { j.Deleted++ })
	}
}

// save writes page with a compare-and-set on its previous status. A lost
// race means a concurrent run already moved the page and is only logged.
func (x *run) save(ctx context.Context, page corpus.Page, expected corpus.PageStatus) bool {
	err := x.store.UpdatePage(ctx, page, expected)
	switch {
	case err == nil:
		return true
	case isConflict(err):
		x.logger.Info("page changed concurrently, skipped",
			zap.String("url", page.URL),
			zap.String("expected", string(expected)),
		)
	default:
		x.fail(page.URL, corpus.StageWrite, err)
	}
	return false
}

func (x *run) observeMissCounts(ctx context.Context) {
	pages, err := x.store.ListPages(ctx, x.site.ID, corpus.PageFilter{})
	if err != nil {
		x.logger.Warn("miss count stats skipped", zap.Error(err))
		return
	}
	for _, p := range pages {
		if p.Status != corpus.PageStatusDeleted {
			x.job.Stats.ObserveMissCount(p.MissingCount)
		}
	}
}

func (x *run) schedule(ctx context.Context) {
	if x.scheduler == nil {
		return
	}
	task := corpus.IndexTask{WebsiteID: x.site.ID, JobID: x.job.ID, Submitted: x.clock.Now().Unix()}
	if err := x.scheduler.ScheduleIndexing(ctx, task); err != nil {
		x.metrics.ObserveIndexTask("submit_failed")
		x.logger.Error("indexing task submission failed", zap.Error(err))
		return
	}
	x.metrics.ObserveIndexTask("submitted")
}
