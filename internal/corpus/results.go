package corpus

// CaptureResult is returned by the capture stage.
type CaptureResult struct {
	WebsiteID  string     `json:"website_id"`
	JobID      string     `json:"job_id"`
	Discovered int        `json:"discovered"`
	Captured   int        `json:"captured"`
	Errors     []JobError `json:"errors"`
	// Delegated is set when the website already existed and the call was
	// served by a reconciliation run.
	Delegated bool             `json:"delegated"`
	Reconcile *ReconcileResult `json:"reconcile,omitempty"`
}

// ReconcileResult is returned by the reconciliation stage.
type ReconcileResult struct {
	WebsiteID  string     `json:"website_id"`
	JobID      string     `json:"job_id"`
	Discovered int        `json:"discovered"`
	Updated    int        `json:"updated"`
	Deleted    int        `json:"deleted"`
	Errored    int        `json:"errored"`
	Errors     []JobError `json:"errors,omitempty"`
}

// IndexOptions scopes an indexing run.
type IndexOptions struct {
	// JobID restricts the run to pages produced by that capture job.
	JobID string
}

// IndexResult is returned by the indexing stage.
type IndexResult struct {
	WebsiteID string     `json:"website_id"`
	JobID     string     `json:"job_id"`
	Indexed   int        `json:"indexed"`
	Deleted   int        `json:"deleted"`
	Errors    []JobError `json:"errors"`
}

// IndexTask is the unit of work handed from capture/reconcile to indexing.
type IndexTask struct {
	WebsiteID string `json:"website_id"`
	JobID     string `json:"job_id,omitempty"`
	Attempt   int    `json:"attempt"`
	Submitted int64  `json:"submitted"`
}
