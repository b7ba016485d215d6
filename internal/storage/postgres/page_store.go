package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

const pageColumns = `id, website_id, url, path, title, status, content_hash, content,
	last_captured_at, last_seen_at, capture_attempts, http_status,
	index_document_id, retired_document_ids, index_operation_id, missing_count,
	error_message, metadata, created_by_job_id, sync_job_id, batch_id, index_job_id,
	deleted_at, created_at, updated_at`

// UpsertPage inserts the page or updates the row holding its (website, url)
// key in one statement. The update only applies while the stored status may
// legally move to the new one; otherwise ErrConflict.
func (s *Store) UpsertPage(ctx context.Context, page corpus.Page) (corpus.Page, error) {
	if err := page.Validate(); err != nil {
		return corpus.Page{}, err
	}
	if page.ID == "" {
		return corpus.Page{}, fmt.Errorf("%w: new page %s needs an id", corpus.ErrInvalidInput, page.URL)
	}
	metadata, err := marshalJSON(page.Metadata, "{}")
	if err != nil {
		return corpus.Page{}, err
	}
	now := s.clock.Now()
	if page.CreatedAt.IsZero() {
		page.CreatedAt = now
	}
	page.UpdatedAt = now

	query := `
		INSERT INTO pages (` + pageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		ON CONFLICT (website_id, url) DO UPDATE SET
			path = EXCLUDED.path,
			title = EXCLUDED.title,
			status = EXCLUDED.status,
			content_hash = EXCLUDED.content_hash,
			content = EXCLUDED.content,
			last_captured_at = EXCLUDED.last_captured_at,
			last_seen_at = EXCLUDED.last_seen_at,
			capture_attempts = EXCLUDED.capture_attempts,
			http_status = EXCLUDED.http_status,
			index_document_id = EXCLUDED.index_document_id,
			retired_document_ids = EXCLUDED.retired_document_ids,
			index_operation_id = EXCLUDED.index_operation_id,
			missing_count = EXCLUDED.missing_count,
			error_message = EXCLUDED.error_message,
			metadata = EXCLUDED.metadata,
			sync_job_id = EXCLUDED.sync_job_id,
			batch_id = EXCLUDED.batch_id,
			index_job_id = EXCLUDED.index_job_id,
			deleted_at = EXCLUDED.deleted_at,
			updated_at = EXCLUDED.updated_at
		WHERE pages.status = ANY($26)
		RETURNING id, created_by_job_id, created_at;
	`
	args := []any{
		page.ID,
		page.WebsiteID,
		page.URL,
		page.Path,
		page.Title,
		string(page.Status),
		page.ContentHash,
		page.Content,
		page.LastCapturedAt,
		page.LastSeenAt,
		page.CaptureAttempts,
		page.HTTPStatus,
		page.IndexDocumentID,
		textArray(page.RetiredDocumentIDs),
		page.IndexOperationID,
		page.MissingCount,
		page.ErrorMessage,
		metadata,
		page.CreatedByJobID,
		page.SyncJobID,
		page.BatchID,
		page.IndexJobID,
		page.DeletedAt,
		page.CreatedAt,
		page.UpdatedAt,
		statusStrings(corpus.SourcesOf(page.Status)),
	}
	err = s.db.QueryRow(ctx, query, args...).Scan(&page.ID, &page.CreatedByJobID, &page.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return corpus.Page{}, fmt.Errorf("upsert page %s to %s: %w", page.URL, page.Status, corpus.ErrConflict)
		}
		if isCheckViolation(err) {
			return corpus.Page{}, fmt.Errorf("upsert page %s: %w", page.URL, corpus.ErrIncompleteContent)
		}
		return corpus.Page{}, fmt.Errorf("upsert page: %w", err)
	}
	return page, nil
}

// UpdatePage overwrites a page only if its stored status still equals expected.
func (s *Store) UpdatePage(ctx context.Context, page corpus.Page, expected corpus.PageStatus) error {
	if err := page.Validate(); err != nil {
		return err
	}
	if err := corpus.CheckTransition(expected, page.Status); err != nil {
		return fmt.Errorf("update page %s: %w", page.ID, err)
	}
	metadata, err := marshalJSON(page.Metadata, "{}")
	if err != nil {
		return err
	}
	query := `
		UPDATE pages SET
			path = $3,
			title = $4,
			status = $5,
			content_hash = $6,
			content = $7,
			last_captured_at = $8,
			last_seen_at = $9,
			capture_attempts = $10,
			http_status = $11,
			index_document_id = $12,
			retired_document_ids = $13,
			index_operation_id = $14,
			missing_count = $15,
			error_message = $16,
			metadata = $17,
			sync_job_id = $18,
			batch_id = $19,
			index_job_id = $20,
			deleted_at = $21,
			updated_at = $22
		WHERE id = $1 AND status = $2;
	`
	tag, err := s.db.Exec(ctx, query,
		page.ID,
		string(expected),
		page.Path,
		page.Title,
		string(page.Status),
		page.ContentHash,
		page.Content,
		page.LastCapturedAt,
		page.LastSeenAt,
		page.CaptureAttempts,
		page.HTTPStatus,
		page.IndexDocumentID,
		textArray(page.RetiredDocumentIDs),
		page.IndexOperationID,
		page.MissingCount,
		page.ErrorMessage,
		metadata,
		page.SyncJobID,
		page.BatchID,
		page.IndexJobID,
		page.DeletedAt,
		s.clock.Now(),
	)
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("update page %s: %w", page.ID, corpus.ErrIncompleteContent)
		}
		return fmt.Errorf("update page: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRow(ctx, `SELECT status FROM pages WHERE id = $1;`, page.ID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("page %s: %w", page.ID, corpus.ErrNotFound)
		}
		return fmt.Errorf("read page status: %w", err)
	}
	return fmt.Errorf("page %s is %s, expected %s: %w", page.ID, current, expected, corpus.ErrConflict)
}

// TransitionPages moves each listed page whose status is in from to to.
// Rows that would break a page invariant in the target status stay put.
func (s *Store) TransitionPages(
	ctx context.Context,
	websiteID string,
	ids []string,
	from []corpus.PageStatus,
	to corpus.PageStatus,
) (int, error) {
	if !to.Valid() {
		return 0, fmt.Errorf("%w: unknown page status %q", corpus.ErrInvalidInput, to)
	}
	legal := make([]corpus.PageStatus, 0, len(from))
	for _, f := range from {
		if corpus.CanTransition(f, to) {
			legal = append(legal, f)
		}
	}
	if len(ids) == 0 || len(legal) == 0 {
		return 0, nil
	}

	query := `
		UPDATE pages SET status = $1, updated_at = $2
		WHERE website_id = $3 AND id = ANY($4) AND status = ANY($5)` + transitionGuard(to) + `;`
	tag, err := s.db.Exec(ctx, query, string(to), s.clock.Now(), websiteID, ids, statusStrings(legal))
	if err != nil {
		return 0, fmt.Errorf("transition pages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// transitionGuard mirrors Page.Validate for a bulk status change.
func transitionGuard(to corpus.PageStatus) string {
	var guard []string
	if to.Searchable() {
		guard = append(guard, "btrim(content) <> ''", "content_hash <> ''")
	}
	switch to {
	case corpus.PageStatusActive:
		guard = append(guard, "index_document_id <> ''")
	case corpus.PageStatusReadyForIndexing, corpus.PageStatusReadyForReIndexing, corpus.PageStatusDeleted:
		guard = append(guard, "index_document_id = ''")
	}
	if len(guard) == 0 {
		return ""
	}
	return " AND " + strings.Join(guard, " AND ")
}

// GetPage fetches a page by ID.
func (s *Store) GetPage(ctx context.Context, id string) (corpus.Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages WHERE id = $1;`
	page, err := scanPage(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return corpus.Page{}, fmt.Errorf("get page %s: %w", id, err)
	}
	return page, nil
}

// ListPages returns the website's pages matching filter, oldest update first.
func (s *Store) ListPages(ctx context.Context, websiteID string, filter corpus.PageFilter) ([]corpus.Page, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + pageColumns + ` FROM pages WHERE website_id = $1`)
	args := []any{websiteID}
	switch {
	case len(filter.Statuses) > 0 && filter.Retiring:
		args = append(args, statusStrings(filter.Statuses))
		fmt.Fprintf(&sb, " AND (status = ANY($%d) OR (status = 'active' AND cardinality(retired_document_ids) > 0))", len(args))
	case len(filter.Statuses) > 0:
		args = append(args, statusStrings(filter.Statuses))
		fmt.Fprintf(&sb, " AND status = ANY($%d)", len(args))
	}
	if filter.JobID != "" {
		args = append(args, filter.JobID)
		fmt.Fprintf(&sb, " AND (created_by_job_id = $%d OR sync_job_id = $%d)", len(args), len(args))
	}
	sb.WriteString(" ORDER BY updated_at ASC, id ASC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	sb.WriteString(";")

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	pages := make([]corpus.Page, 0)
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return pages, nil
}

// CountPages counts every page row of the website, tombstones included.
func (s *Store) CountPages(ctx context.Context, websiteID string) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM pages WHERE website_id = $1;`, websiteID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

func scanPage(row scanner) (corpus.Page, error) {
	var (
		page     corpus.Page
		status   string
		metadata []byte
	)
	err := row.Scan(
		&page.ID,
		&page.WebsiteID,
		&page.URL,
		&page.Path,
		&page.Title,
		&status,
		&page.ContentHash,
		&page.Content,
		&page.LastCapturedAt,
		&page.LastSeenAt,
		&page.CaptureAttempts,
		&page.HTTPStatus,
		&page.IndexDocumentID,
		&page.RetiredDocumentIDs,
		&page.IndexOperationID,
		&page.MissingCount,
		&page.ErrorMessage,
		&metadata,
		&page.CreatedByJobID,
		&page.SyncJobID,
		&page.BatchID,
		&page.IndexJobID,
		&page.DeletedAt,
		&page.CreatedAt,
		&page.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return corpus.Page{}, corpus.ErrNotFound
		}
		return corpus.Page{}, fmt.Errorf("scan page: %w", err)
	}
	page.Status = corpus.PageStatus(status)
	if len(page.RetiredDocumentIDs) == 0 {
		page.RetiredDocumentIDs = nil
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &page.Metadata); err != nil {
			return corpus.Page{}, fmt.Errorf("decode page metadata: %w", err)
		}
	}
	if len(page.Metadata) == 0 {
		page.Metadata = nil
	}
	return page, nil
}

// textArray keeps NOT NULL array columns from receiving a nil slice.
func textArray(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
