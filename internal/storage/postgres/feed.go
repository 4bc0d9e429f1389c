package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"feedbridge/internal/domain"
)

const feedColumns = `
	id, account_id, feed_url, link, title, description, language,
	update_interval, next_poll_at,
	manual_control, schedule_period, max_stories_per_period, dump_excess_in_period,
	status, etag, last_content_hash,
	hub, subscribed_at_hub, verify_token, hub_secret,
	channel_id, publish_to_stream, is_dirty,
	initial_error, disabled, last_successful_fetch,
	added, updated_at`

type FeedStore struct {
	db *sqlx.DB
}

func NewFeedStore(db *sqlx.DB) *FeedStore {
	return &FeedStore{db: db}
}

func (s *FeedStore) GetByID(ctx context.Context, feedID int64) (*domain.Feed, error) {
	query := `SELECT` + feedColumns + ` FROM feeds WHERE id = $1`

	var feed domain.Feed
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &feed, query, feedID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feed %d: %w", feedID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &feed, nil
}

func (s *FeedStore) GetByURL(ctx context.Context, accountID int64, feedURL string) (*domain.Feed, error) {
	query := `SELECT` + feedColumns + ` FROM feeds WHERE account_id = $1 AND feed_url = $2`

	var feed domain.Feed
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &feed, query, accountID, feedURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feed %s: %w", feedURL, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &feed, nil
}

func (s *FeedStore) Create(ctx context.Context, feed *domain.Feed) error {
	query := `
		INSERT INTO feeds (
			account_id, feed_url, link, title, description, language,
			update_interval, next_poll_at,
			manual_control, schedule_period, max_stories_per_period, dump_excess_in_period,
			status, etag, last_content_hash,
			hub, subscribed_at_hub, verify_token, hub_secret,
			channel_id, publish_to_stream, is_dirty,
			initial_error, disabled, last_successful_fetch,
			added, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, NOW()
		)
		RETURNING id`

	return GetExecutor(ctx, s.db).QueryRowxContext(ctx, query,
		feed.AccountID, feed.FeedURL, feed.Link, feed.Title, feed.Description, feed.Language,
		feed.UpdateInterval, feed.NextPollAt,
		feed.ManualControl, feed.SchedulePeriod, feed.MaxStoriesPerPeriod, feed.DumpExcessInPeriod,
		feed.Status, feed.ETag, feed.LastContentHash,
		feed.Hub, feed.SubscribedAtHub, feed.VerifyToken, feed.HubSecret,
		feed.ChannelID, feed.PublishToStream, feed.IsDirty,
		feed.InitialError, feed.Disabled, feed.LastSuccessfulFetch,
		feed.Added,
	).Scan(&feed.ID)
}

func (s *FeedStore) Update(ctx context.Context, feed *domain.Feed) error {
	query := `
		UPDATE feeds SET
			feed_url = $2, link = $3, title = $4, description = $5, language = $6,
			update_interval = $7, next_poll_at = $8,
			manual_control = $9, schedule_period = $10, max_stories_per_period = $11,
			dump_excess_in_period = $12,
			status = $13, etag = $14, last_content_hash = $15,
			hub = $16, subscribed_at_hub = $17, verify_token = $18, hub_secret = $19,
			channel_id = $20, publish_to_stream = $21, is_dirty = $22,
			initial_error = $23, disabled = $24, last_successful_fetch = $25,
			updated_at = NOW()
		WHERE id = $1`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		feed.ID,
		feed.FeedURL, feed.Link, feed.Title, feed.Description, feed.Language,
		feed.UpdateInterval, feed.NextPollAt,
		feed.ManualControl, feed.SchedulePeriod, feed.MaxStoriesPerPeriod,
		feed.DumpExcessInPeriod,
		feed.Status, feed.ETag, feed.LastContentHash,
		feed.Hub, feed.SubscribedAtHub, feed.VerifyToken, feed.HubSecret,
		feed.ChannelID, feed.PublishToStream, feed.IsDirty,
		feed.InitialError, feed.Disabled, feed.LastSuccessfulFetch,
	)
	return err
}

func (s *FeedStore) Delete(ctx context.Context, feedID int64) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, `DELETE FROM feeds WHERE id = $1`, feedID)
	return err
}

// ListDue returns active feeds whose next poll time has passed, oldest
// first so chronically busy batches never starve a feed.
func (s *FeedStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Feed, error) {
	query := `
		SELECT` + feedColumns + `
		FROM feeds
		WHERE next_poll_at <= $1
		  AND NOT disabled
		  AND status = $2
		  AND update_interval > 0
		ORDER BY next_poll_at ASC
		LIMIT $3`

	var feeds []*domain.Feed
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &feeds, query, now, domain.FeedStateActive, limit)
	return feeds, err
}

func (s *FeedStore) MarkNeedsReauth(ctx context.Context, feedID int64) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		`UPDATE feeds SET status = $2, updated_at = NOW() WHERE id = $1`,
		feedID, domain.FeedStateNeedsReauth,
	)
	return err
}

func (s *FeedStore) ReactivateForAccount(ctx context.Context, accountID int64) (int64, error) {
	res, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		`UPDATE feeds SET status = $2, updated_at = NOW() WHERE account_id = $1 AND status = $3`,
		accountID, domain.FeedStateActive, domain.FeedStateNeedsReauth,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *FeedStore) ClearChannel(ctx context.Context, feedID int64) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		`UPDATE feeds SET channel_id = NULL, updated_at = NOW() WHERE id = $1`,
		feedID,
	)
	return err
}
