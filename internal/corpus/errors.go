package corpus

import "errors"

// Sentinel errors shared across stages and stores.
var (
	// ErrInvalidInput marks malformed seeds, domains or URLs.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned by stores and indexers when a record is absent.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a unique key is already taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict is returned when a compare-and-set precondition fails.
	ErrConflict = errors.New("conflict")
	// ErrNotCaptured is returned when reconciling a website with no pages.
	ErrNotCaptured = errors.New("website has no captured pages")
	// ErrTransient marks remote failures worth retrying (rate limit, 5xx, timeouts).
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks remote failures that retrying cannot fix (auth, quota).
	ErrPermanent = errors.New("permanent failure")
	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("timed out")
	// ErrIncompleteContent is returned by Page.Validate when a searchable
	// status is paired with missing content.
	ErrIncompleteContent = errors.New("incomplete content")
)
