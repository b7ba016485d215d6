package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job corpus.Job) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is required", corpus.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, corpus.ErrAlreadyExists)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// UpdateJob replaces the stored job. A sealed job cannot be reopened.
func (s *Store) UpdateJob(_ context.Context, job corpus.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, corpus.ErrNotFound)
	}
	if current.Status.Terminal() && !job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s: %w", job.ID, current.Status, corpus.ErrConflict)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, id string) (corpus.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return corpus.Job{}, fmt.Errorf("job %s: %w", id, corpus.ErrNotFound)
	}
	return job.Clone(), nil
}

// ListJobs returns the website's jobs, most recent first.
func (s *Store) ListJobs(_ context.Context, websiteID string, limit int) ([]corpus.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]corpus.Job, 0)
	for _, job := range s.jobs {
		if job.WebsiteID == websiteID {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
