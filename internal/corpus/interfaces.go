package corpus

import (
	"context"
	"io"
	"time"
)

// WebsiteStore persists websites.
type WebsiteStore interface {
	// CreateWebsite inserts a website; ErrAlreadyExists when the base domain is taken.
	CreateWebsite(ctx context.Context, site Website) (Website, error)
	GetWebsite(ctx context.Context, id string) (Website, error)
	GetWebsiteByDomain(ctx context.Context, baseDomain string) (Website, error)
	UpdateWebsite(ctx context.Context, site Website) error
}

// PageFilter narrows ListPages.
type PageFilter struct {
	Statuses []PageStatus
	// JobID matches pages created or last touched by the given capture job.
	JobID string
	// Retiring also matches active pages that still hold retired handles.
	Retiring bool
	// Limit caps the result size; zero means unlimited.
	Limit int
}

// PageStore persists pages. Writes validate Page invariants and the
// lifecycle transition table.
type PageStore interface {
	// UpsertPage inserts or updates the page keyed on (WebsiteID, URL) in a
	// single atomic write. CreatedByJobID and CreatedAt of an existing row
	// are preserved.
	UpsertPage(ctx context.Context, page Page) (Page, error)
	// UpdatePage overwrites the page identified by page.ID only if its
	// stored status still equals expected; ErrConflict otherwise.
	UpdatePage(ctx context.Context, page Page, expected PageStatus) error
	// TransitionPages moves the listed pages currently in one of from to the
	// status to and returns how many rows moved.
	TransitionPages(ctx context.Context, websiteID string, ids []string, from []PageStatus, to PageStatus) (int, error)
	GetPage(ctx context.Context, id string) (Page, error)
	// ListPages returns matching pages ordered oldest update first.
	ListPages(ctx context.Context, websiteID string, filter PageFilter) ([]Page, error)
	CountPages(ctx context.Context, websiteID string) (int, error)
}

// JobStore persists jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, websiteID string, limit int) ([]Job, error)
}

// Store is the full record store.
type Store interface {
	WebsiteStore
	PageStore
	JobStore
}

// FetchResult is the content fetched for one URL.
type FetchResult struct {
	URL         string `json:"url"`
	Text        string `json:"text"`
	Title       string `json:"title,omitempty"`
	HTTPStatus  int    `json:"http_status"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language,omitempty"`
	// ClientRendered is set when the HTML looked like a JavaScript
	// application shell.
	ClientRendered bool `json:"client_rendered,omitempty"`
}

// BatchResult is the state of a fetch batch.
type BatchResult struct {
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Results   []FetchResult `json:"results"`
}

// AwaitOptions bounds the wait for a fetch batch.
type AwaitOptions struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	OnProgress   func(completed, total int)
}

// ContentFetcher discovers URLs and fetches rendered text.
type ContentFetcher interface {
	Enumerate(ctx context.Context, seedURL string) ([]string, error)
	FetchBatch(ctx context.Context, urls []string) (string, error)
	AwaitBatch(ctx context.Context, batchID string, opts AwaitOptions) (BatchResult, error)
	FetchOne(ctx context.Context, url string) (FetchResult, error)
}

// DocumentMetadata accompanies an uploaded document.
type DocumentMetadata struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Path      string    `json:"path"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OperationState is the remote processing state of an upload.
type OperationState string

// Operation states reported by the indexing service.
const (
	OperationProcessing OperationState = "processing"
	OperationActive     OperationState = "active"
	OperationFailed     OperationState = "failed"
)

// Operation is one poll of an upload operation.
type Operation struct {
	DocumentID string         `json:"document_id,omitempty"`
	State      OperationState `json:"state"`
	Error      string         `json:"error,omitempty"`
}

// Indexer is the semantic-indexing service.
type Indexer interface {
	CreateContainer(ctx context.Context, name string) (string, error)
	// Upload submits a document and returns an opaque operation handle.
	Upload(ctx context.Context, containerID, text string, meta DocumentMetadata) (string, error)
	GetOperation(ctx context.Context, operationID string) (Operation, error)
	// Delete removes a document; an absent document is not an error.
	Delete(ctx context.Context, documentID string) error
}

// IndexScheduler hands indexing work off to whatever runs it.
type IndexScheduler interface {
	ScheduleIndexing(ctx context.Context, task IndexTask) error
}

// ChangeDetector decides whether re-captured text differs enough to re-index.
type ChangeDetector interface {
	Hash(text string) string
	HasChangedSignificantly(newText string, oldText *string, threshold float64) Change
}

// Change is the outcome of a change check.
type Change struct {
	Changed    bool    `json:"changed"`
	Digest     string  `json:"digest"`
	Similarity float64 `json:"similarity"`
}

// BlobStore archives captured snapshots and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
