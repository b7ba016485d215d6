package indexing

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecorpus/internal/clock/fake"
	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/id/uuid"
	memindexer "github.com/JakeFAU/sitecorpus/internal/indexer/memory"
	"github.com/JakeFAU/sitecorpus/internal/pipeline"
	"github.com/JakeFAU/sitecorpus/internal/retry"
	"github.com/JakeFAU/sitecorpus/internal/storage/memory"
)

const site = "w1"

var fastRetry = retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type harness struct {
	store   *memory.Store
	indexer *memindexer.Indexer
	clock   *fake.Clock
	dec     *Decoupler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clock := fake.New(time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC))
	store := memory.NewStore(clock)
	idx := memindexer.New(memindexer.Config{AcceptAfterPolls: 1})
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = fastRetry
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 2 * time.Second
	}
	ids := uuid.New()
	_, err := store.CreateWebsite(context.Background(), corpus.Website{
		ID:         site,
		BaseDomain: "acme.test",
		SeedURL:    "https://acme.test/",
	})
	require.NoError(t, err)
	return &harness{
		store:   store,
		indexer: idx,
		clock:   clock,
		dec:     New(cfg, store, idx, pipeline.NewLedger(store, clock, ids, nil, nil), clock, nil, nil),
	}
}

func pageID(path string) string {
	return "p" + strings.ReplaceAll(path, "/", "-")
}

// put stores a page at path and advances the clock so insertion order is
// update order.
func (h *harness) put(t *testing.T, path string, p corpus.Page) {
	t.Helper()
	p.ID = pageID(path)
	p.WebsiteID = site
	p.URL = "https://acme.test" + path
	p.Path = path
	if p.Status.Searchable() && p.Content == "" {
		p.Content = "content of " + path
	}
	if p.Content != "" {
		p.ContentHash = "hash-" + path
	}
	_, err := h.store.UpsertPage(context.Background(), p)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
}

func (h *harness) get(t *testing.T, path string) corpus.Page {
	t.Helper()
	page, err := h.store.GetPage(context.Background(), pageID(path))
	require.NoError(t, err)
	return page
}

func ready() corpus.Page {
	return corpus.Page{Status: corpus.PageStatusReadyForIndexing}
}

func TestIndexUploadsReadyPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	for _, path := range []string{"/a", "/b", "/c"} {
		h.put(t, path, ready())
	}

	res, err := h.dec.Index(ctx, site, corpus.IndexOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, res.Indexed)
	require.Empty(t, res.Errors)

	website, err := h.store.GetWebsite(ctx, site)
	require.NoError(t, err)
	require.NotEmpty(t, website.IndexContainerID)
	require.Equal(t, 1, h.indexer.Containers())

	for _, path := range []string{"/a", "/b", "/c"} {
		p := h.get(t, path)
		require.Equal(t, corpus.PageStatusActive, p.Status)
		require.Empty(t, p.IndexOperationID)
		require.Equal(t, res.JobID, p.IndexJobID)
		doc, ok := h.indexer.Document(p.IndexDocumentID)
		require.True(t, ok)
		require.Equal(t, p.URL, doc.Meta.URL)
		require.Equal(t, website.IndexContainerID, doc.ContainerID)
	}

	job, err := h.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, corpus.JobTypeIndexing, job.Type)
	require.Equal(t, corpus.JobStatusCompleted, job.Status)
	require.Equal(t, 3, job.Stats.Index.Uploaded)
}

func TestIndexNothingToDo(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.put(t, "/done", corpus.Page{Status: corpus.PageStatusPending})

	res, err := h.dec.Index(context.Background(), site, corpus.IndexOptions{})
	require.NoError(t, err)
	require.Zero(t, res.Indexed)
	require.Zero(t, h.indexer.Containers())
}

func TestIndexReindexRetiresOldDocument(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	h.put(t, "/changed", corpus.Page{Status: corpus.PageStatusReadyForReIndexing, RetiredDocumentIDs: []string{"doc-old"}})

	res, err := h.dec.Index(ctx, site, corpus.IndexOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Indexed)
	require.Equal(t, 1, h.indexer.Deletes())

	p := h.get(t, "/changed")
	require.Equal(t, corpus.PageStatusActive, p.Status)
	require.Empty(t, p.RetiredDocumentIDs)
	require.NotEmpty(t, p.IndexDocumentID)
	require.NotEqual(t, "doc-old", p.IndexDocumentID)
}

func TestIndexRetriesFailedRetireOnLaterRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	h.put(t, "/a", ready())
	_, err := h.dec.Index(ctx, site, corpus.IndexOptions{})
	require.NoError(t, err)

	page := h.get(t, "/a")
	oldDoc := page.IndexDocumentID
	page.Content = "rewritten content of /a"
	page.ContentHash = "hash-rewritten"
	page.Status = corpus.PageStatusReadyForReIndexing
	page.Retire(page.IndexDocumentID)
	page.IndexDocumentID = ""
	require.NoError(t, h.store.UpdatePage(ctx, page, corpus.PageStatusActive))

	h.indexer.FailDeletes(func(string) error { return corpus.ErrPermanent })
	res, err := h.dec.Index(ctx, site, corpus.IndexOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Indexed)
	p := h.get(t, "/a")
	require.Equal(t, corpus.PageStatusActive, p.Status)
	require.Equal(t, []string{oldDoc}, p.RetiredDocumentIDs)
	require.True(t, p.RetirePending())

	h.indexer.FailDeletes(nil)
	res, err = h.dec.Index(ctx, site, corpus.IndexOptions{})
	require.NoError(t, err)
	require.Empty(t, res.Errors)

	job, err := h.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, 1, job.Discovered)
	require.Equal(t, 1, job.Stats.Index.Retired)
	require.Zero(t, job.Stats.Index.Uploaded)

	p = h.get(t, "/a")
	require.Equal(t, corpus.PageStatusActive, p.Status)
	require.Empty(t, p.RetiredDocumentIDs)
	_, stillIndexed := h.indexer.Document(oldDoc)
	require.False(t, stillIndexed)

	website, err := h.store.GetWebsite(ctx, site)
	require.NoError(t, err)
	require.Len(t, h.indexer.Documents(website.IndexContainerID), 1)
}

func TestIndexRemovesDeletedPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	h.put(t, "/gone", corpus.Page{
		Status:             corpus.PageStatusReadyForDeletion,
		IndexDocumentID:    "doc-x",
		RetiredDocumentIDs: []string{"doc-y", "doc-z"},
	})

	res, err := h.dec.Index(ctx, site, corpus.IndexOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Deleted)
	require.Equal(t, 3, h.indexer.Deletes())
	require.Zero(t, h.indexer.Containers())

	p := h.get(t, "/gone")
	require.Equal(t, corpus.PageStatusDeleted, p.Status)
	require.Empty(t, p.IndexDocumentID)
	require.Empty(t, p.RetiredDocumentIDs)
	require.NotNil(t, p.DeletedAt)
}

func TestIndexDeleteFailureLeavesPageQueued(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	h.put(t, "/gone", corpus.Page{Status: corpus.PageStatusReadyForDeletion, IndexDocumentID: "doc-x"})
	h.indexer.FailDeletes(func(string) error { return fmt.Errorf("index down: %w", corpus.ErrPermanent) })

	res, err := h.dec.Index(ctx, site, corpus.IndexOptions{})
	require.NoError(t, err)
	require.Zero(t, res.Deleted)
	require.Len(t, res.Errors, 1)
	require.Equal(t, corpus.StageDelete, res.Errors[0].Stage)
	require.Equal(t, corpus.PageStatusReadyForDeletion, h.get(t, "/gone").Status)
}

func TestIndexRejectedDocumentStaysReady(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	h.put(t, "/ok", ready())
	h.put(t, "/bad", ready())
	h.indexer.RejectDocuments(func(meta corpus.DocumentMetadata) string {
		if strings.HasSuffix(meta.URL, "/bad") {
			return "unsupported content"
		}
		return ""
	})

	res, err := h.dec.Index(ctx, site, corpus.IndexOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Indexed)
	require.Len(t, res.Errors, 1)

	bad := h.get(t, "/bad")
	require.Equal(t, corpus.PageStatusReadyForIndexing, bad.Status)
	require.Empty(t, bad.IndexOperationID)
	require.Equal(t, "unsupported content", bad.ErrorMessage)
	require.Equal(t, corpus.PageStatusActive, h.get(t, "/ok").Status)
}

func TestIndexPermanentUploadErrorLeavesPageRetryable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	h.put(t, "/a", ready())
	h.indexer.FailUploads(func(corpus.DocumentMetadata) error {
		return fmt.Errorf("quota exceeded: %w", corpus.ErrPermanent)
	})

	res, err := h.dec.Index(ctx, site, corpus.IndexOptions{})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	require.Equal(t, corpus.StageUpload, res.Errors[0].Stage)
	a := h.get(t, "/a")
	require.Equal(t, corpus.PageStatusReadyForIndexing, a.Status)
	require.Contains(t, a.ErrorMessage, "quota")
}

func TestIndexResumesUploadsAfterCrash(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	paths := []string{"/1", "/2", "/3", "/4", "/5"}
	for _, path := range paths {
		h.put(t, path, ready())
	}

	// First run: two uploads fail outright and the three submitted ones
	// never get confirmed.
	h.indexer.FailUploads(func(meta corpus.DocumentMetadata) error {
		if meta.Path == "/4" || meta.Path == "/5" {
			return corpus.ErrPermanent
		}
		return nil
	})
	h.indexer.FailPolls(func(string) error { return corpus.ErrTransient })
	first, err := h.dec.Index(ctx, site, corpus.IndexOptions{})
	require.NoError(t, err)
	require.Zero(t, first.Indexed)
	require.Equal(t, 3, h.indexer.Uploads())
	for _, path := range paths[:3] {
		require.NotEmpty(t, h.get(t, path).IndexOperationID, path)
	}

	h.indexer.FailUploads(nil)
	h.indexer.FailPolls(nil)
	second, err := h.dec.Index(ctx, site, corpus.IndexOptions{})
	require.NoError(t, err)
	require.Equal(t, 5, second.Indexed)
	require.Equal(t, 5, h.indexer.Uploads(), "only the two missing uploads are sent again")

	job, err := h.store.GetJob(ctx, second.JobID)
	require.NoError(t, err)
	require.Equal(t, 3, job.Stats.Index.Resumed)
	require.Equal(t, 2, job.Stats.Index.Uploaded)
	for _, path := range paths {
		require.Equal(t, corpus.PageStatusActive, h.get(t, path).Status)
	}
}

func TestIndexScopedToProducingJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	mine := ready()
	mine.CreatedByJobID = "job-1"
	synced := ready()
	synced.SyncJobID = "job-1"
	other := ready()
	other.CreatedByJobID = "job-2"
	h.put(t, "/mine", mine)
	h.put(t, "/synced", synced)
	h.put(t, "/other", other)

	res, err := h.dec.Index(ctx, site, corpus.IndexOptions{JobID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, 2, res.Indexed)
	require.Equal(t, corpus.PageStatusReadyForIndexing, h.get(t, "/other").Status)

	job, err := h.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ParentJobID)
}

func TestIndexBatchTakesOldestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{BatchSize: 2, SubBatchSize: 1})
	h.put(t, "/old", ready())
	h.put(t, "/older-than-new", ready())
	h.put(t, "/new", ready())

	res, err := h.dec.Index(ctx, site, corpus.IndexOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Indexed)
	require.Equal(t, corpus.PageStatusActive, h.get(t, "/old").Status)
	require.Equal(t, corpus.PageStatusActive, h.get(t, "/older-than-new").Status)
	require.Equal(t, corpus.PageStatusReadyForIndexing, h.get(t, "/new").Status)
}

func TestIndexContainerFailureFailsJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{})
	h.put(t, "/a", ready())
	h.indexer.FailContainers(fmt.Errorf("forbidden: %w", corpus.ErrPermanent))

	res, err := h.dec.Index(ctx, site, corpus.IndexOptions{})
	require.ErrorIs(t, err, corpus.ErrPermanent)
	job, err := h.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, corpus.JobStatusFailed, job.Status)
	require.Equal(t, corpus.PageStatusReadyForIndexing, h.get(t, "/a").Status)
	require.Zero(t, h.indexer.Uploads())
}
