package corpus

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Website is the identity of one base domain in the corpus.
type Website struct {
	ID               string     `json:"id"`
	BaseDomain       string     `json:"base_domain"`
	SeedURL          string     `json:"seed_url"`
	Name             string     `json:"name"`
	IndexContainerID string     `json:"index_container_id,omitempty"`
	LastReconciledAt *time.Time `json:"last_reconciled_at,omitempty"`
	CreatedByJobID   string     `json:"created_by_job_id"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Page is the ledger entry for one normalized URL of a website.
type Page struct {
	ID        string     `json:"id"`
	WebsiteID string     `json:"website_id"`
	URL       string     `json:"url"`
	Path      string     `json:"path"`
	Title     string     `json:"title,omitempty"`
	Status    PageStatus `json:"status"`

	ContentHash     string     `json:"content_hash,omitempty"`
	Content         string     `json:"-"`
	LastCapturedAt  *time.Time `json:"last_captured_at,omitempty"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	CaptureAttempts int        `json:"capture_attempts"`
	HTTPStatus      int        `json:"http_status,omitempty"`

	// IndexDocumentID is the handle of the accepted document in the index.
	IndexDocumentID string `json:"index_document_id,omitempty"`
	// RetiredDocumentIDs are handles invalidated by content changes that
	// still have to be removed from the index.
	RetiredDocumentIDs []string `json:"retired_document_ids,omitempty"`
	// IndexOperationID is an upload that was submitted but whose acceptance
	// has not been confirmed yet.
	IndexOperationID string `json:"index_operation_id,omitempty"`

	MissingCount int               `json:"missing_count"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	CreatedByJobID string `json:"created_by_job_id,omitempty"`
	SyncJobID      string `json:"sync_job_id,omitempty"`
	BatchID        string `json:"batch_id,omitempty"`
	IndexJobID     string `json:"index_job_id,omitempty"`

	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// HasContent reports whether the page carries usable captured text.
func (p Page) HasContent() bool {
	return strings.TrimSpace(p.Content) != "" && p.ContentHash != ""
}

// Validate enforces the ledger invariants every store checks on write.
func (p Page) Validate() error {
	if p.WebsiteID == "" {
		return fmt.Errorf("%w: page website id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("%w: page url is required", ErrInvalidInput)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: unknown page status %q", ErrInvalidInput, p.Status)
	}
	if p.Status.Searchable() && !p.HasContent() {
		return fmt.Errorf("%w: %s page %s has no captured text", ErrIncompleteContent, p.Status, p.URL)
	}
	if p.Status == PageStatusActive && p.IndexDocumentID == "" {
		return fmt.Errorf("%w: active page %s has no index handle", ErrInvalidInput, p.URL)
	}
	if p.IndexDocumentID != "" {
		switch p.Status {
		case PageStatusActive, PageStatusReadyForDeletion, PageStatusError, PageStatusPending, PageStatusProcessing:
		default:
			return fmt.Errorf("%w: %s page %s cannot hold an index handle", ErrInvalidInput, p.Status, p.URL)
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (p Page) Clone() Page {
	cp := p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.RetiredDocumentIDs = slices.Clone(p.RetiredDocumentIDs)
	cp.LastCapturedAt = cloneTime(p.LastCapturedAt)
	cp.LastSeenAt = cloneTime(p.LastSeenAt)
	cp.DeletedAt = cloneTime(p.DeletedAt)
	return cp
}

// Retire queues documentID for removal from the index. Empty and already
// queued handles are ignored.
func (p *Page) Retire(documentID string) {
	if documentID == "" || slices.Contains(p.RetiredDocumentIDs, documentID) {
		return
	}
	p.RetiredDocumentIDs = append(p.RetiredDocumentIDs, documentID)
}

// RetirePending reports whether an active page still has replaced documents
// left in the index.
func (p Page) RetirePending() bool {
	return p.Status == PageStatusActive && len(p.RetiredDocumentIDs) > 0
}

// JobType distinguishes capture runs from indexing runs.
type JobType string

// Job types.
const (
	JobTypeCapture  JobType = "capture"
	JobTypeIndexing JobType = "indexing"
)

// JobMode refines capture jobs into first contact and reconciliation.
type JobMode string

// Capture job modes.
const (
	JobModeInitial     JobMode = "initial"
	JobModeIncremental JobMode = "incremental"
)

// JobStatus is the run state of a job.
type JobStatus string

// Job statuses.
const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the job has been sealed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job stages recorded on JobError.
const (
	StageDiscover  = "discover"
	StageFetch     = "fetch"
	StageValidate  = "validate"
	StageWrite     = "write"
	StageHeal      = "heal"
	StageRefresh   = "refresh"
	StageContainer = "container"
	StageUpload    = "upload"
	StageRetire    = "retire"
	StageDelete    = "delete"
	StageSchedule  = "schedule"
)

// JobError is one structured failure recorded during a run.
type JobError struct {
	URL     string    `json:"url,omitempty"`
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Job is the ledger entry of one pipeline run.
type Job struct {
	ID          string     `json:"id"`
	WebsiteID   string     `json:"website_id"`
	Type        JobType    `json:"type"`
	Mode        JobMode    `json:"mode,omitempty"`
	ParentJobID string     `json:"parent_job_id,omitempty"`
	Status      JobStatus  `json:"status"`
	Discovered  int        `json:"discovered"`
	Updated     int        `json:"updated"`
	Deleted     int        `json:"deleted"`
	Errored     int        `json:"errored"`
	BatchIDs    []string   `json:"batch_ids"`
	Errors      []JobError `json:"errors"`
	Stats       JobStats   `json:"stats"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// AddError appends a structured error and bumps the errored count.
func (j *Job) AddError(url, stage string, err error, at time.Time) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	j.Errors = append(j.Errors, JobError{URL: url, Stage: stage, Message: msg, At: at})
	j.Errored++
}

// Seal marks the job terminal.
func (j *Job) Seal(status JobStatus, at time.Time) {
	j.Status = status
	j.FinishedAt = cloneTime(&at)
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	cp := j
	cp.BatchIDs = append([]string(nil), j.BatchIDs...)
	cp.Errors = append([]JobError(nil), j.Errors...)
	cp.FinishedAt = cloneTime(j.FinishedAt)
	cp.Stats = j.Stats.clone()
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
