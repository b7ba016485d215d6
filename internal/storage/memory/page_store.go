package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

// UpsertPage inserts the page or updates the row already holding its
// (website, url) key.
func (s *Store) UpsertPage(_ context.Context, page corpus.Page) (corpus.Page, error) {
	if err := page.Validate(); err != nil {
		return corpus.Page{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.websites[page.WebsiteID]; !ok {
		return corpus.Page{}, fmt.Errorf("website %s: %w", page.WebsiteID, corpus.ErrNotFound)
	}

	now := s.clock.Now()
	key := pageKey{websiteID: page.WebsiteID, url: page.URL}
	if id, exists := s.pageKey[key]; exists {
		current := s.pages[id]
		if err := corpus.CheckTransition(current.Status, page.Status); err != nil {
			return corpus.Page{}, fmt.Errorf("upsert page %s: %w", page.URL, err)
		}
		page.ID = current.ID
		page.CreatedByJobID = current.CreatedByJobID
		page.CreatedAt = current.CreatedAt
		page.UpdatedAt = now
		s.pages[id] = page.Clone()
		return page.Clone(), nil
	}

	if page.ID == "" {
		return corpus.Page{}, fmt.Errorf("%w: new page %s needs an id", corpus.ErrInvalidInput, page.URL)
	}
	if _, taken := s.pages[page.ID]; taken {
		return corpus.Page{}, fmt.Errorf("page %s: %w", page.ID, corpus.ErrAlreadyExists)
	}
	if page.CreatedAt.IsZero() {
		page.CreatedAt = now
	}
	page.UpdatedAt = now
	s.pages[page.ID] = page.Clone()
	s.pageKey[key] = page.ID
	return page.Clone(), nil
}

// UpdatePage overwrites a page only if its stored status still equals expected.
func (s *Store) UpdatePage(_ context.Context, page corpus.Page, expected corpus.PageStatus) error {
	if err := page.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.pages[page.ID]
	if !ok {
		return fmt.Errorf("page %s: %w", page.ID, corpus.ErrNotFound)
	}
	if current.Status != expected {
		return fmt.Errorf("page %s is %s, expected %s: %w", page.ID, current.Status, expected, corpus.ErrConflict)
	}
	if err := corpus.CheckTransition(current.Status, page.Status); err != nil {
		return fmt.Errorf("update page %s: %w", page.ID, err)
	}
	if current.WebsiteID != page.WebsiteID || current.URL != page.URL {
		return fmt.Errorf("%w: page %s key is immutable", corpus.ErrInvalidInput, page.ID)
	}
	page.CreatedByJobID = current.CreatedByJobID
	page.CreatedAt = current.CreatedAt
	page.UpdatedAt = s.clock.Now()
	s.pages[page.ID] = page.Clone()
	return nil
}

// TransitionPages moves each listed page whose status is in from to to.
// Pages that would violate an invariant in the target status are skipped.
func (s *Store) TransitionPages(
	_ context.Context,
	websiteID string,
	ids []string,
	from []corpus.PageStatus,
	to corpus.PageStatus,
) (int, error) {
	if !to.Valid() {
		return 0, fmt.Errorf("%w: unknown page status %q", corpus.ErrInvalidInput, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	moved := 0
	for _, id := range ids {
		page, ok := s.pages[id]
		if !ok || page.WebsiteID != websiteID || !slices.Contains(from, page.Status) {
			continue
		}
		if !corpus.CanTransition(page.Status, to) {
			continue
		}
		page.Status = to
		if page.Validate() != nil {
			continue
		}
		page.UpdatedAt = now
		s.pages[id] = page
		moved++
	}
	return moved, nil
}

// GetPage fetches a page by ID.
func (s *Store) GetPage(_ context.Context, id string) (corpus.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[id]
	if !ok {
		return corpus.Page{}, fmt.Errorf("page %s: %w", id, corpus.ErrNotFound)
	}
	return page.Clone(), nil
}

// ListPages returns the website's pages matching filter, oldest update first.
func (s *Store) ListPages(_ context.Context, websiteID string, filter corpus.PageFilter) ([]corpus.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]corpus.Page, 0)
	for _, page := range s.pages {
		if page.WebsiteID != websiteID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, page.Status) &&
			!(filter.Retiring && page.RetirePending()) {
			continue
		}
		if filter.JobID != "" && page.CreatedByJobID != filter.JobID && page.SyncJobID != filter.JobID {
			continue
		}
		out = append(out, page.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountPages counts every page row of the website, tombstones included.
func (s *Store) CountPages(_ context.Context, websiteID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, page := range s.pages {
		if page.WebsiteID == websiteID {
			n++
		}
	}
	return n, nil
}
