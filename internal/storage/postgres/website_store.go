package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

const websiteColumns = `id, base_domain, seed_url, name, index_container_id, last_reconciled_at,
	created_by_job_id, created_at, updated_at`

// CreateWebsite inserts a website; ErrAlreadyExists when the base domain is taken.
func (s *Store) CreateWebsite(ctx context.Context, site corpus.Website) (corpus.Website, error) {
	if site.ID == "" || site.BaseDomain == "" {
		return corpus.Website{}, fmt.Errorf("%w: website id and base domain are required", corpus.ErrInvalidInput)
	}
	now := s.clock.Now()
	if site.CreatedAt.IsZero() {
		site.CreatedAt = now
	}
	site.UpdatedAt = now

	query := `
		INSERT INTO websites (` + websiteColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (base_domain) DO NOTHING;
	`
	tag, err := s.db.Exec(ctx, query,
		site.ID,
		site.BaseDomain,
		site.SeedURL,
		site.Name,
		site.IndexContainerID,
		site.LastReconciledAt,
		site.CreatedByJobID,
		site.CreatedAt,
		site.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return corpus.Website{}, fmt.Errorf("website %s: %w", site.ID, corpus.ErrAlreadyExists)
		}
		return corpus.Website{}, fmt.Errorf("insert website: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return corpus.Website{}, fmt.Errorf("website %s: %w", site.BaseDomain, corpus.ErrAlreadyExists)
	}
	return site, nil
}

// GetWebsite fetches a website by ID.
func (s *Store) GetWebsite(ctx context.Context, id string) (corpus.Website, error) {
	query := `SELECT ` + websiteColumns + ` FROM websites WHERE id = $1;`
	site, err := scanWebsite(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return corpus.Website{}, fmt.Errorf("get website %s: %w", id, err)
	}
	return site, nil
}

// GetWebsiteByDomain fetches a website by its base domain.
func (s *Store) GetWebsiteByDomain(ctx context.Context, baseDomain string) (corpus.Website, error) {
	query := `SELECT ` + websiteColumns + ` FROM websites WHERE base_domain = $1;`
	site, err := scanWebsite(s.db.QueryRow(ctx, query, baseDomain))
	if err != nil {
		return corpus.Website{}, fmt.Errorf("get website %s: %w", baseDomain, err)
	}
	return site, nil
}

// UpdateWebsite overwrites the mutable fields of a website.
func (s *Store) UpdateWebsite(ctx context.Context, site corpus.Website) error {
	query := `
		UPDATE websites
		SET name = $2, seed_url = $3, index_container_id = $4, last_reconciled_at = $5, updated_at = $6
		WHERE id = $1;
	`
	tag, err := s.db.Exec(ctx, query,
		site.ID,
		site.Name,
		site.SeedURL,
		site.IndexContainerID,
		site.LastReconciledAt,
		s.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("update website: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("website %s: %w", site.ID, corpus.ErrNotFound)
	}
	return nil
}

func scanWebsite(row scanner) (corpus.Website, error) {
	var site corpus.Website
	err := row.Scan(
		&site.ID,
		&site.BaseDomain,
		&site.SeedURL,
		&site.Name,
		&site.IndexContainerID,
		&site.LastReconciledAt,
		&site.CreatedByJobID,
		&site.CreatedAt,
		&site.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return corpus.Website{}, corpus.ErrNotFound
		}
		return corpus.Website{}, fmt.Errorf("scan website: %w", err)
	}
	return site, nil
}
