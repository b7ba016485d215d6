// Package memory implements the corpus record store in process memory for
// local runs and tests. It enforces the same invariants as the Postgres
// store: page validation, the lifecycle transition table and the unique
// keys on base domain and (website, url).
package memory

import (
	"sync"

	"github.com/JakeFAU/sitecorpus/internal/clock/system"
	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

// Store provides an in-memory implementation of corpus.Store.
type Store struct {
	mu    sync.RWMutex
	clock corpus.Clock

	websites map[string]corpus.Website
	byDomain map[string]string

	pages   map[string]corpus.Page
	pageKey map[pageKey]string

	jobs map[string]corpus.Job
}

type pageKey struct {
	websiteID string
	url       string
}

var _ corpus.Store = (*Store)(nil)

// NewStore constructs a Store. A nil clock uses the system clock.
func NewStore(clock corpus.Clock) *Store {
	if clock == nil {
		clock = system.New()
	}
	return &Store{
		clock:    clock,
		websites: make(map[string]corpus.Website),
		byDomain: make(map[string]string),
		pages:    make(map[string]corpus.Page),
		pageKey:  make(map[pageKey]string),
		jobs:     make(map[string]corpus.Job),
	}
}
