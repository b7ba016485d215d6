// Package capture runs first contact with a website: resolve its base
// domain, register it, enumerate and capture its pages, then hand the
// result to indexing.
package capture

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/domain"
	"github.com/JakeFAU/sitecorpus/internal/metrics"
	"github.com/JakeFAU/sitecorpus/internal/pipeline"
)

// Reconciler serves repeated captures of a known website.
type Reconciler interface {
	Reconcile(ctx context.Context, websiteID string) (corpus.ReconcileResult, error)
}

// Orchestrator implements the capture stage.
type Orchestrator struct {
	store      corpus.Store
	fetcher    corpus.ContentFetcher
	indexer    corpus.Indexer
	writer     *pipeline.Writer
	ledger     *pipeline.Ledger
	reconciler Reconciler
	scheduler  corpus.IndexScheduler
	clock      corpus.Clock
	ids        corpus.IDGenerator
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// Deps groups the Orchestrator collaborators.
type Deps struct {
	Store      corpus.Store
	Fetcher    corpus.ContentFetcher
	Indexer    corpus.Indexer
	Writer     *pipeline.Writer
	Ledger     *pipeline.Ledger
	Reconciler Reconciler
	Scheduler  corpus.IndexScheduler
	Clock      corpus.Clock
	IDs        corpus.IDGenerator
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// New builds an Orchestrator.
func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:      d.Store,
		fetcher:    d.Fetcher,
		indexer:    d.Indexer,
		writer:     d.Writer,
		ledger:     d.Ledger,
		reconciler: d.Reconciler,
		scheduler:  d.Scheduler,
		clock:      d.Clock,
		ids:        d.IDs,
		logger:     logger.Named("capture"),
		metrics:    d.Metrics,
	}
}

// Capture registers the website behind seed and captures its pages. A seed
// whose website already has pages is served by reconciliation instead.
func (o *Orchestrator) Capture(ctx context.Context, seed, name string) (corpus.CaptureResult, error) {
	site, err := domain.Resolve(seed)
	if err != nil {
		return corpus.CaptureResult{}, err
	}
	logger := o.logger.With(zap.String("base_domain", site.BaseDomain))

	existing, err := o.store.GetWebsiteByDomain(ctx, site.BaseDomain)
	switch {
	case err == nil:
		pages, err := o.store.CountPages(ctx, existing.ID)
		if err != nil {
			return corpus.CaptureResult{}, fmt.Errorf("count pages: %w", err)
		}
		if pages > 0 {
			logger.Info("website already captured, reconciling", zap.String("website_id", existing.ID))
			return o.delegate(ctx, existing.ID)
		}
		logger.Info("website has no pages, capturing again", zap.String("website_id", existing.ID))
		return o.run(ctx, existing, "")
	case !errors.Is(err, corpus.ErrNotFound):
		return corpus.CaptureResult{}, fmt.Errorf("lookup website: %w", err)
	}

	jobID, err := o.ledger.NewID()
	if err != nil {
		return corpus.CaptureResult{}, err
	}
	websiteID, err := o.ids.NewID()
	if err != nil {
		return corpus.CaptureResult{}, fmt.Errorf("website id: %w", err)
	}
	if name == "" {
		name = site.BaseDomain
	}
	created, err := o.store.CreateWebsite(ctx, corpus.Website{
		ID:             websiteID,
		BaseDomain:     site.BaseDomain,
		SeedURL:        site.SeedURL,
		Name:           name,
		CreatedByJobID: jobID,
	})
	if errors.Is(err, corpus.ErrAlreadyExists) {
		winner, lookupErr := o.store.GetWebsiteByDomain(ctx, site.BaseDomain)
		if lookupErr != nil {
			return corpus.CaptureResult{}, fmt.Errorf("lookup website after create race: %w", lookupErr)
		}
		logger.Info("lost website create race, reconciling", zap.String("website_id", winner.ID))
		return o.delegate(ctx, winner.ID)
	}
	if err != nil {
		return corpus.CaptureResult{}, fmt.Errorf("create website: %w", err)
	}
	logger.Info("website created", zap.String("website_id", created.ID), zap.String("job_id", jobID))
	return o.run(ctx, created, jobID)
}

func (o *Orchestrator) delegate(ctx context.Context, websiteID string) (corpus.CaptureResult, error) {
	rr, err := o.reconciler.Reconcile(ctx, websiteID)
	res := corpus.CaptureResult{
		WebsiteID:  websiteID,
		JobID:      rr.JobID,
		Discovered: rr.Discovered,
		Captured:   rr.Updated,
		Errors:     rr.Errors,
		Delegated:  true,
		Reconcile:  &rr,
	}
	if err != nil {
		return res, fmt.Errorf("reconcile existing website: %w", err)
	}
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, site corpus.Website, jobID string) (res corpus.CaptureResult, err error) {
	job, err := o.ledger.Open(ctx, corpus.Job{
		ID:        jobID,
		WebsiteID: site.ID,
		Type:      corpus.JobTypeCapture,
		Mode:      corpus.JobModeInitial,
	})
	if err != nil {
		return corpus.CaptureResult{WebsiteID: site.ID}, err
	}
	defer o.ledger.Finish(ctx, job, &err)
	defer func() {
		res = corpus.CaptureResult{
			WebsiteID:  site.ID,
			JobID:      job.ID,
			Discovered: job.Discovered,
			Captured:   job.Updated,
			Errors:     job.Errors,
		}
	}()
	logger := o.logger.With(zap.String("website_id", site.ID), zap.String("job_id", job.ID))

	o.ensureContainer(ctx, &site, job, logger)

	raw, err := o.fetcher.Enumerate(ctx, site.SeedURL)
	if err != nil {
		job.AddError(site.SeedURL, corpus.StageDiscover, err, o.clock.Now())
		return res, fmt.Errorf("enumerate %s: %w", site.SeedURL, err)
	}
	urls := pipeline.Candidates(site.BaseDomain, raw, o.writer.MaxPages())
	if len(urls) == 0 {
		if seed, nerr := domain.NormalizeURL(site.SeedURL); nerr == nil {
			urls = []string{seed}
		}
	}
	job.Discovered = len(urls)
	logger.Info("urls discovered", zap.Int("enumerated", len(raw)), zap.Int("candidates", len(urls)))

	written, err := o.writer.Capture(ctx, site, job, urls)
	if err != nil {
		job.AddError("", corpus.StageFetch, err, o.clock.Now())
		return res, err
	}
	job.Updated = written
	job.Stats.Categories.New = written

	if err := o.ledger.Seal(ctx, job, corpus.JobStatusCompleted); err != nil {
		return res, err
	}
	o.schedule(ctx, site.ID, job.ID, logger)
	return res, nil
}

// ensureContainer creates the website's index container if it has none.
// Failure is a job error; indexing creates the container lazily.
func (o *Orchestrator) ensureContainer(ctx context.Context, site *corpus.Website, job *corpus.Job, logger *zap.Logger) {
	if site.IndexContainerID != "" || o.indexer == nil {
		return
	}
	containerID, err := o.indexer.CreateContainer(ctx, site.BaseDomain)
	if err != nil {
		job.AddError("", corpus.StageContainer, err, o.clock.Now())
		logger.Warn("index container creation failed", zap.Error(err))
		return
	}
	site.IndexContainerID = containerID
	if err := o.store.UpdateWebsite(ctx, *site); err != nil {
		job.AddError("", corpus.StageContainer, err, o.clock.Now())
		logger.Warn("persist index container failed", zap.Error(err))
	}
}

func (o *Orchestrator) schedule(ctx context.Context, websiteID, jobID string, logger *zap.Logger) {
	if o.scheduler == nil {
		return
	}
	task := corpus.IndexTask{WebsiteID: websiteID, JobID: jobID, Submitted: o.clock.Now().Unix()}
	if err := o.scheduler.ScheduleIndexing(ctx, task); err != nil {
		o.metrics.ObserveIndexTask("submit_failed")
		logger.Error("indexing task submission failed", zap.Error(err))
		return
	}
	o.metrics.ObserveIndexTask("submitted")
	logger.Info("indexing task submitted")
}
