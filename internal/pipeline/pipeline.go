// Package pipeline is the capture, validate and write path shared by first
// contact and reconciliation: candidate filtering, one fetch batch per call,
// per-result validation and atomic upsert into ready_for_indexing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/domain"
	"github.com/JakeFAU/sitecorpus/internal/metrics"
)

// Metadata keys written on captured pages.
const (
	MetaDescription = "description"
	MetaLanguage    = "language"
	MetaSnapshotURI = "snapshot_uri"
	MetaRendering   = "rendering"
)

// Write-path outcomes reported to metrics.
const (
	outcomeWritten    = "written"
	outcomeIncomplete = "incomplete"
	outcomeWriteError = "write_error"
)

// Config bounds the capture path.
type Config struct {
	// MaxPages caps the URLs captured from one enumeration.
	MaxPages     int           `mapstructure:"max_pages"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxWait bounds how long a fetch batch is awaited.
	MaxWait time.Duration `mapstructure:"max_wait"`
	// SnapshotPrefix is the blob path prefix for archived captures.
	SnapshotPrefix string `mapstructure:"snapshot_prefix"`
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = 200
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 10 * time.Minute
	}
	if c.SnapshotPrefix == "" {
		c.SnapshotPrefix = "snapshots"
	}
	return c
}

// Writer runs the shared capture path.
type Writer struct {
	cfg     Config
	pages   corpus.PageStore
	fetcher corpus.ContentFetcher
	hasher  corpus.ChangeDetector
	blobs   corpus.BlobStore
	clock   corpus.Clock
	ids     corpus.IDGenerator
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New builds a Writer. blobs and m may be nil.
func New(
	cfg Config,
	pages corpus.PageStore,
	fetcher corpus.ContentFetcher,
	hasher corpus.ChangeDetector,
	blobs corpus.BlobStore,
	clock corpus.Clock,
	ids corpus.IDGenerator,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		cfg:     cfg.withDefaults(),
		pages:   pages,
		fetcher: fetcher,
		hasher:  hasher,
		blobs:   blobs,
		clock:   clock,
		ids:     ids,
		logger:  logger.Named("pipeline"),
		metrics: m,
	}
}

// MaxPages is the configured enumeration cap.
func (w *Writer) MaxPages() int {
	return w.cfg.MaxPages
}

// Candidates keeps the URLs that belong exactly to baseDomain, normalizes
// and dedupes them in discovery order and caps the result at limit.
func Candidates(baseDomain string, raw []string, limit int) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if limit > 0 && len(out) >= limit {
			break
		}
		u, err := domain.NormalizeURL(r)
		if err != nil || !domain.SameSite(baseDomain, u) || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// Validate checks a fetch result before anything is written and returns its
// normalized URL.
func Validate(baseDomain string, r corpus.FetchResult) (string, error) {
	if strings.TrimSpace(r.URL) == "" {
		return "", fmt.Errorf("%w: result has no url", corpus.ErrIncompleteContent)
	}
	u, err := domain.NormalizeURL(r.URL)
	if err != nil {
		return "", err
	}
	if !domain.SameSite(baseDomain, u) {
		return u, fmt.Errorf("%w: %s is not on %s", corpus.ErrInvalidInput, u, baseDomain)
	}
	if strings.TrimSpace(r.Text) == "" {
		return u, fmt.Errorf("%w: %s returned no text (status %d)", corpus.ErrIncompleteContent, u, r.HTTPStatus)
	}
	return u, nil
}

// Fetch submits urls as one batch, records the batch on job and waits for
// it. A submission or wait failure is returned as is.
func (w *Writer) Fetch(ctx context.Context, job *corpus.Job, urls []string) ([]corpus.FetchResult, string, error) {
	batchID, err := w.fetcher.FetchBatch(ctx, urls)
	if err != nil {
		return nil, "", fmt.Errorf("submit fetch batch: %w", err)
	}
	job.BatchIDs = append(job.BatchIDs, batchID)
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("batch_id", batchID))
	logger.Info("fetch batch submitted", zap.Int("urls", len(urls)))

	res, err := w.fetcher.AwaitBatch(ctx, batchID, corpus.AwaitOptions{
		PollInterval: w.cfg.PollInterval,
		MaxWait:      w.cfg.MaxWait,
		OnProgress: func(completed, total int) {
			logger.Debug("fetch batch progress", zap.Int("completed", completed), zap.Int("total", total))
		},
	})
	if err != nil {
		return nil, batchID, fmt.Errorf("await fetch batch %s: %w", batchID, err)
	}
	return res.Results, batchID, nil
}

// Capture fetches urls in one batch and writes every complete result as a
// ready_for_indexing page created by job. It returns how many pages were
// written; an error means the batch itself failed and nothing was written.
func (w *Writer) Capture(ctx context.Context, site corpus.Website, job *corpus.Job, urls []string) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	results, batchID, err := w.Fetch(ctx, job, urls)
	if err != nil {
		return 0, err
	}
	return w.WriteResults(ctx, site, job, batchID, results), nil
}

// WriteResults validates and upserts each result. Incomplete results and
// failed writes are recorded as job errors and skipped.
func (w *Writer) WriteResults(
	ctx context.Context,
	site corpus.Website,
	job *corpus.Job,
	batchID string,
	results []corpus.FetchResult,
) int {
	written := 0
	for _, r := range results {
		u, err := Validate(site.BaseDomain, r)
		if err != nil {
			w.reject(job, r.URL, corpus.StageValidate, outcomeIncomplete, err)
			continue
		}
		id, err := w.ids.NewID()
		if err != nil {
			w.reject(job, u, corpus.StageWrite, outcomeWriteError, err)
			continue
		}
		page := corpus.Page{
			ID:              id,
			WebsiteID:       site.ID,
			URL:             u,
			Path:            domain.PathOf(u),
			Status:          corpus.PageStatusReadyForIndexing,
			CaptureAttempts: 1,
			CreatedByJobID:  job.ID,
		}
		if job.Mode == corpus.JobModeIncremental {
			page.SyncJobID = job.ID
		}
		w.Apply(ctx, &page, r, batchID)
		if _, err := w.pages.UpsertPage(ctx, page); err != nil {
			w.reject(job, u, corpus.StageWrite, outcomeWriteError, err)
			continue
		}
		w.metrics.ObservePageWrite(outcomeWritten)
		written++
	}
	w.logger.Info("capture results written",
		zap.String("website_id", site.ID),
		zap.String("job_id", job.ID),
		zap.String("batch_id", batchID),
		zap.Int("results", len(results)),
		zap.Int("written", written),
	)
	return written
}

// Apply copies fetched content onto page, stamps capture times and
// archives a snapshot when a blob store is configured.
func (w *Writer) Apply(ctx context.Context, page *corpus.Page, r corpus.FetchResult, batchID string) {
	now := w.clock.Now()
	page.Content = r.Text
	page.ContentHash = w.hasher.Hash(r.Text)
	page.HTTPStatus = r.HTTPStatus
	if r.Title != "" {
		page.Title = r.Title
	}
	page.LastCapturedAt = &now
	page.LastSeenAt = &now
	page.MissingCount = 0
	page.ErrorMessage = ""
	page.DeletedAt = nil
	if batchID != "" {
		page.BatchID = batchID
	}
	if page.Metadata == nil {
		page.Metadata = make(map[string]string)
	}
	setMeta(page.Metadata, MetaDescription, r.Description)
	setMeta(page.Metadata, MetaLanguage, r.Language)
	if r.ClientRendered {
		page.Metadata[MetaRendering] = "client"
	} else {
		delete(page.Metadata, MetaRendering)
	}
	if uri := w.archive(ctx, *page); uri != "" {
		page.Metadata[MetaSnapshotURI] = uri
	}
}

func (w *Writer) archive(ctx context.Context, page corpus.Page) string {
	if w.blobs == nil {
		return ""
	}
	path := fmt.Sprintf("%s/%s/%s.md", strings.Trim(w.cfg.SnapshotPrefix, "/"), page.WebsiteID, page.ContentHash)
	uri, err := w.blobs.PutObject(ctx, path, "text/markdown; charset=utf-8", strings.NewReader(page.Content))
	if err != nil {
		w.logger.Warn("snapshot archive failed", zap.String("url", page.URL), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Writer) reject(job *corpus.Job, url, stage, outcome string, err error) {
	job.AddError(url, stage, err, w.clock.Now())
	w.metrics.ObservePageWrite(outcome)
	level := w.logger.Warn
	if errors.Is(err, corpus.ErrIncompleteContent) {
		level = w.logger.Info
	}
	level("capture result rejected",
		zap.String("job_id", job.ID),
		zap.String("url", url),
		zap.String("stage", stage),
		zap.Error(err),
	)
}

func setMeta(m map[string]string, key, value string) {
	if value == "" {
		delete(m, key)
		return
	}
	m[key] = value
}
