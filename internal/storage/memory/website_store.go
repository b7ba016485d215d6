package memory

import (
	"context"
	"fmt"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

// CreateWebsite inserts a website keyed by its unique base domain.
func (s *Store) CreateWebsite(_ context.Context, site corpus.Website) (corpus.Website, error) {
	if site.ID == "" || site.BaseDomain == "" {
		return corpus.Website{}, fmt.Errorf("%w: website id and base domain are required", corpus.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byDomain[site.BaseDomain]; taken {
		return corpus.Website{}, fmt.Errorf("website %s: %w", site.BaseDomain, corpus.ErrAlreadyExists)
	}
	if _, taken := s.websites[site.ID]; taken {
		return corpus.Website{}, fmt.Errorf("website %s: %w", site.ID, corpus.ErrAlreadyExists)
	}
	now := s.clock.Now()
	if site.CreatedAt.IsZero() {
		site.CreatedAt = now
	}
	site.UpdatedAt = now
	s.websites[site.ID] = site
	s.byDomain[site.BaseDomain] = site.ID
	return cloneWebsite(site), nil
}

// GetWebsite fetches a website by ID.
func (s *Store) GetWebsite(_ context.Context, id string) (corpus.Website, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.websites[id]
	if !ok {
		return corpus.Website{}, fmt.Errorf("website %s: %w", id, corpus.ErrNotFound)
	}
	return cloneWebsite(site), nil
}

// GetWebsiteByDomain fetches a website by its base domain.
func (s *Store) GetWebsiteByDomain(_ context.Context, baseDomain string) (corpus.Website, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDomain[baseDomain]
	if !ok {
		return corpus.Website{}, fmt.Errorf("website %s: %w", baseDomain, corpus.ErrNotFound)
	}
	return cloneWebsite(s.websites[id]), nil
}

// UpdateWebsite overwrites the mutable fields of a website. The base domain
// and creation lineage never change.
func (s *Store) UpdateWebsite(_ context.Context, site corpus.Website) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.websites[site.ID]
	if !ok {
		return fmt.Errorf("website %s: %w", site.ID, corpus.ErrNotFound)
	}
	current.Name = site.Name
	current.SeedURL = site.SeedURL
	current.IndexContainerID = site.IndexContainerID
	current.LastReconciledAt = site.LastReconciledAt
	current.UpdatedAt = s.clock.Now()
	s.websites[site.ID] = cloneWebsite(current)
	return nil
}

func cloneWebsite(site corpus.Website) corpus.Website {
	if site.LastReconciledAt != nil {
		ts := *site.LastReconciledAt
		site.LastReconciledAt = &ts
	}
	return site
}
