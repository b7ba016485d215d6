package corpus

import "fmt"

// PageStatus is the lifecycle state of a single page.
type PageStatus string

// Page lifecycle states.
const (
	PageStatusPending            PageStatus = "pending"
	PageStatusProcessing         PageStatus = "processing"
	PageStatusReadyForIndexing   PageStatus = "ready_for_indexing"
	PageStatusReadyForReIndexing PageStatus = "ready_for_re_indexing"
	PageStatusActive             PageStatus = "active"
	PageStatusReadyForDeletion   PageStatus = "ready_for_deletion"
	PageStatusDeleted            PageStatus = "deleted"
	PageStatusError              PageStatus = "error"
)

// AllPageStatuses lists every known status in lifecycle order.
var AllPageStatuses = []PageStatus{
	PageStatusPending,
	PageStatusProcessing,
	PageStatusReadyForIndexing,
	PageStatusReadyForReIndexing,
	PageStatusActive,
	PageStatusReadyForDeletion,
	PageStatusDeleted,
	PageStatusError,
}

// IndexableStatuses are drained by the indexing stage.
var IndexableStatuses = []PageStatus{
	PageStatusReadyForIndexing,
	PageStatusReadyForReIndexing,
	PageStatusReadyForDeletion,
}

// HealableStatuses are revisited by the self-healing step of reconciliation.
var HealableStatuses = []PageStatus{
	PageStatusPending,
	PageStatusProcessing,
	PageStatusError,
}

// transitions maps a target status to the statuses it may be entered from.
// Staying in the same status is always allowed and is not listed.
var transitions = map[PageStatus][]PageStatus{
	PageStatusPending: {
		PageStatusDeleted,
		PageStatusReadyForDeletion,
	},
	PageStatusProcessing: {
		PageStatusPending,
		PageStatusError,
	},
	PageStatusReadyForIndexing: {
		PageStatusPending,
		PageStatusProcessing,
		PageStatusError,
		PageStatusReadyForDeletion,
		PageStatusDeleted,
	},
	PageStatusReadyForReIndexing: {
		PageStatusPending,
		PageStatusProcessing,
		PageStatusActive,
		PageStatusError,
	},
	PageStatusActive: {
		PageStatusReadyForIndexing,
		PageStatusReadyForReIndexing,
		PageStatusReadyForDeletion,
	},
	PageStatusReadyForDeletion: {
		PageStatusPending,
		PageStatusProcessing,
		PageStatusReadyForIndexing,
		PageStatusReadyForReIndexing,
		PageStatusActive,
		PageStatusError,
	},
	PageStatusDeleted: {PageStatusReadyForDeletion},
	PageStatusError: {
		PageStatusPending,
		PageStatusProcessing,
		PageStatusReadyForIndexing,
		PageStatusReadyForReIndexing,
	},
}

// Valid reports whether s is a known status.
func (s PageStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Searchable reports whether the status implies the page holds complete
// captured content destined for, or already in, the index.
func (s PageStatus) Searchable() bool {
	switch s {
	case PageStatusReadyForIndexing, PageStatusReadyForReIndexing, PageStatusActive:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a page may move from one status to another.
func CanTransition(from, to PageStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, src := range transitions[to] {
		if src == from {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrConflict when the move is not allowed.
func CheckTransition(from, to PageStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: page cannot move from %s to %s", ErrConflict, from, to)
	}
	return nil
}

// SourcesOf returns the statuses from which to may be entered, including to itself.
func SourcesOf(to PageStatus) []PageStatus {
	out := []PageStatus{to}
	return append(out, transitions[to]...)
}

// ParsePageStatus validates a raw status string.
func ParsePageStatus(raw string) (PageStatus, error) {
	s := PageStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown page status %q", ErrInvalidInput, raw)
	}
	return s, nil
}
