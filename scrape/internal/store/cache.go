package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// LatestValidPage returns the most recent unexpired cache row for a URL,
// or nil on a miss. Older unexpired rows may exist; only the newest one
// is authoritative.
func (s *Store) LatestValidPage(ctx context.Context, url string, now int64) (*Page, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, url, raw_html, cleaned_html, cleaned_text, http_status,
		       content_hash, fetched_at, valid_until, metadata_json
		FROM scraped_pages
		WHERE url = ? AND valid_until > ?
		ORDER BY fetched_at DESC LIMIT 1`, url, now)

	var p Page
	err := row.Scan(&p.ID, &p.URL, &p.RawHTML, &p.CleanedHTML, &p.CleanedText,
		&p.HTTPStatus, &p.ContentHash, &p.FetchedAt, &p.ValidUntil,
		&p.MetadataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertPage stores a freshly fetched page. Cache writers always insert a
// new row; rows are never updated in place, so a concurrent fetch of the
// same URL produces a duplicate snapshot rather than a lost update.
func (s *Store) InsertPage(ctx context.Context, p *Page) error {
	if p.FetchedAt == 0 {
		p.FetchedAt = time.Now().UnixMilli()
	}
	if p.MetadataJSON == "" {
		p.MetadataJSON = "{}"
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO scraped_pages
			(id, url, raw_html, cleaned_html, cleaned_text, http_status,
			 content_hash, fetched_at, valid_until, metadata_json)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.URL, p.RawHTML, p.CleanedHTML, p.CleanedText, p.HTTPStatus,
		p.ContentHash, p.FetchedAt, p.ValidUntil, p.MetadataJSON,
	)
	return err
}

// DeleteExpiredPages removes cache rows past their validity window.
// Housekeeping only; correctness never depends on it.
func (s *Store) DeleteExpiredPages(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM scraped_pages WHERE valid_until < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
