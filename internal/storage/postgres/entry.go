package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"feedbridge/internal/domain"
	"feedbridge/internal/process"
)

const entryColumns = `
	id, feed_id, guid, creating,
	title, summary, link, author, tags,
	thumbnail_url, thumbnail_width, thumbnail_height,
	published, published_post, published_channel,
	overflow, overflow_reason, published_at,
	status, added`

// entryRow carries the tags array through sqlx; domain.Entry keeps a
// plain []string.
type entryRow struct {
	domain.Entry
	TagsArray pq.StringArray `db:"tags"`
}

func (r *entryRow) toDomain() *domain.Entry {
	e := r.Entry
	e.Tags = []string(r.TagsArray)
	return &e
}

type EntryStore struct {
	db *sqlx.DB
}

func NewEntryStore(db *sqlx.DB) *EntryStore {
	return &EntryStore{db: db}
}

func (s *EntryStore) GetByID(ctx context.Context, entryID int64) (*domain.Entry, error) {
	query := `SELECT` + entryColumns + ` FROM entries WHERE id = $1`

	var row entryRow
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &row, query, entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", entryID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// ExistingGUIDs reports which of guids already have a row under the feed,
// in one batched lookup.
func (s *EntryStore) ExistingGUIDs(ctx context.Context, feedID int64, guids []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(guids))
	if len(guids) == 0 {
		return existing, nil
	}

	query := `SELECT guid FROM entries WHERE feed_id = $1 AND guid = ANY($2)`

	rows, err := GetExecutor(ctx, s.db).QueryxContext(ctx, query, feedID, pq.Array(guids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			return nil, err
		}
		existing[guid] = true
	}
	return existing, rows.Err()
}

// StagePlaceholders inserts creating=true rows for the staged GUIDs in one
// statement. A concurrent stager hitting the same (feed, guid) loses the
// conflict and both converge on one row.
func (s *EntryStore) StagePlaceholders(ctx context.Context, feedID int64, staged []process.StagedEntry) error {
	if len(staged) == 0 {
		return nil
	}

	guids := make([]string, len(staged))
	added := make([]time.Time, len(staged))
	for i, st := range staged {
		guids[i] = st.GUID
		added[i] = st.Added
	}

	query := `
		INSERT INTO entries (feed_id, guid, creating, status, added)
		SELECT $1, g, TRUE, $4, a
		FROM unnest($2::text[], $3::timestamptz[]) AS t(g, a)
		ON CONFLICT (feed_id, guid) DO NOTHING`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		feedID, pq.Array(guids), pq.Array(added), domain.EntryStateActive,
	)
	return err
}

// SaveHydrated fills in the staged rows and clears creating, making the
// entries visible in one batch.
func (s *EntryStore) SaveHydrated(ctx context.Context, entries []*domain.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	query := `
		UPDATE entries SET
			creating = FALSE,
			title = $3, summary = $4, link = $5, author = $6, tags = $7,
			thumbnail_url = $8, thumbnail_width = $9, thumbnail_height = $10,
			published = $11, overflow = $12, overflow_reason = $13,
			status = $14
		WHERE feed_id = $1 AND guid = $2`

	for _, e := range entries {
		_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
			e.FeedID, e.GUID,
			e.Title, e.Summary, e.Link, e.Author, pq.Array(e.Tags),
			e.ThumbnailURL, e.ThumbnailWidth, e.ThumbnailHeight,
			e.Published, e.Overflow, e.OverflowReason,
			e.Status,
		)
		if err != nil {
			return fmt.Errorf("save entry %s: %w", e.GUID, err)
		}
	}
	return nil
}

// ListUnpublished returns visible unpublished entries, oldest first.
func (s *EntryStore) ListUnpublished(ctx context.Context, feedID int64, limit int) ([]*domain.Entry, error) {
	query := `
		SELECT` + entryColumns + `
		FROM entries
		WHERE feed_id = $1
		  AND NOT published
		  AND NOT creating
		  AND status = $2
		ORDER BY added ASC
		LIMIT $3`

	var rows []entryRow
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &rows, query, feedID, domain.EntryStateActive, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]*domain.Entry, len(rows))
	for i := range rows {
		entries[i] = rows[i].toDomain()
	}
	return entries, nil
}

// CountPublishedSince counts entries genuinely posted downstream in the
// window; administrative overflow publishes do not consume window slots.
func (s *EntryStore) CountPublishedSince(ctx context.Context, feedID int64, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM entries
		WHERE feed_id = $1
		  AND published
		  AND NOT overflow
		  AND published_at >= $2`

	var count int
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &count, query, feedID, since)
	return count, err
}

// ClaimForPublish takes the entry's window slot. Exactly one caller wins;
// the rest observe ErrAlreadyPublished.
func (s *EntryStore) ClaimForPublish(ctx context.Context, entryID int64, at time.Time) error {
	res, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		`UPDATE entries SET published = TRUE, published_at = $2 WHERE id = $1 AND NOT published`,
		entryID, at,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("entry %d: %w", entryID, domain.ErrAlreadyPublished)
	}
	return nil
}

func (s *EntryStore) MarkOverflowed(ctx context.Context, entryIDs []int64, reason domain.OverflowReason) error {
	if len(entryIDs) == 0 {
		return nil
	}
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		`UPDATE entries SET published = TRUE, overflow = TRUE, overflow_reason = $2 WHERE id = ANY($1)`,
		pq.Array(entryIDs), reason,
	)
	return err
}

func (s *EntryStore) MarkDestinationPublished(ctx context.Context, entryID int64, dest domain.Destination) error {
	column := "published_post"
	if dest == domain.DestinationChannel {
		column = "published_channel"
	}
	query := fmt.Sprintf(`UPDATE entries SET %s = TRUE WHERE id = $1`, column)
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, entryID)
	return err
}

// RequeueMalformed puts a rejected entry back in the unpublished set,
// flagged so the overflow reason survives for display.
func (s *EntryStore) RequeueMalformed(ctx context.Context, entryID int64) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		`UPDATE entries SET
			published = FALSE, published_at = NULL,
			overflow = TRUE, overflow_reason = $2
		WHERE id = $1`,
		entryID, domain.OverflowReasonMalformed,
	)
	return err
}

// DeleteForFeed removes up to limit entries of a feed and reports how
// many were deleted.
func (s *EntryStore) DeleteForFeed(ctx context.Context, feedID int64, limit int) (int64, error) {
	query := `
		DELETE FROM entries
		WHERE id IN (
			SELECT id FROM entries WHERE feed_id = $1 LIMIT $2
		)`

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, feedID, limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
