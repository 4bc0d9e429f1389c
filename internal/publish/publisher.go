// Package publish decides how many backlog entries may go out in the
// current rate-limit window, claims them, and hands delivery to the
// dispatch queue. The claim (published flag plus published_at) happens in
// one storage transaction; the queue write follows the commit, so the
// sliding-window count stays correct even while dispatches are in flight.
package publish

import (
	"context"
	"log/slog"
	"time"

	"feedbridge/internal/domain"
	"feedbridge/internal/queue"
)

type EntryStore interface {
	CountPublishedSince(ctx context.Context, feedID int64, since time.Time) (int, error)
	// ListUnpublished returns up to limit visible unpublished entries,
	// oldest first.
	ListUnpublished(ctx context.Context, feedID int64, limit int) ([]*domain.Entry, error)
	// ClaimForPublish flips published and stamps published_at; it reports
	// domain-level failure when another cycle already claimed the entry.
	ClaimForPublish(ctx context.Context, entryID int64, at time.Time) error
	MarkOverflowed(ctx context.Context, entryIDs []int64, reason domain.OverflowReason) error
}

type FeedStore interface {
	Update(ctx context.Context, feed *domain.Feed) error
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, msg *queue.DispatchMessage) error
}

type Config struct {
	Defaults      Defaults
	DrainPageSize int
}

type Publisher struct {
	entries EntryStore
	feeds   FeedStore
	tx      TransactionManager
	qu      Enqueuer
	logger  *slog.Logger
	cfg     Config
	nowFn   func() time.Time
}

func New(entries EntryStore, feeds FeedStore, tx TransactionManager, qu Enqueuer, logger *slog.Logger, cfg Config) *Publisher {
	if cfg.DrainPageSize <= 0 {
		cfg.DrainPageSize = 25
	}
	if cfg.Defaults.SchedulePeriod <= 0 {
		cfg.Defaults.SchedulePeriod = domain.DefaultSchedulePeriod
	}
	if cfg.Defaults.MaxStoriesPerPeriod <= 0 {
		cfg.Defaults.MaxStoriesPerPeriod = domain.DefaultMaxStoriesPerPeriod
	}
	return &Publisher{
		entries: entries,
		feeds:   feeds,
		tx:      tx,
		qu:      qu,
		logger:  logger,
		cfg:     cfg,
		nowFn:   time.Now,
	}
}

// PublishForFeed publishes as much of the feed's backlog as the current
// window allows and returns how many entries were posted. Fetching
// budget+1 entries distinguishes "exactly enough" from "more waiting"
// without a separate count query.
func (p *Publisher) PublishForFeed(ctx context.Context, feed *domain.Feed, skipQueue bool) (int, error) {
	now := p.nowFn()
	periodMinutes, maxStories := Window(feed, p.cfg.Defaults)

	since := now.Add(-time.Duration(periodMinutes) * time.Minute)
	publishedInWindow, err := p.entries.CountPublishedSince(ctx, feed.ID, since)
	if err != nil {
		return 0, err
	}

	budget := Budget(maxStories, publishedInWindow, skipQueue)
	if budget <= 0 {
		return 0, nil
	}

	entries, err := p.entries.ListUnpublished(ctx, feed.ID, budget+1)
	if err != nil {
		return 0, err
	}

	moreToPublish := len(entries) > budget
	if moreToPublish {
		entries = entries[:budget]
	}

	posted := 0
	for _, entry := range entries {
		if err := p.publishEntry(ctx, entry, feed, now); err != nil {
			p.logger.Error("failed to publish entry",
				"feed_id", feed.ID,
				"entry_id", entry.ID,
				"error", err,
			)
			continue
		}
		posted++
	}

	if !moreToPublish && feed.IsDirty {
		feed.IsDirty = false
		if err := p.feeds.Update(ctx, feed); err != nil {
			return posted, err
		}
	}

	if moreToPublish && feed.DumpExcessInPeriod {
		if err := p.Drain(ctx, feed); err != nil {
			return posted, err
		}
	}

	return posted, nil
}

// publishEntry claims the window slot transactionally, then enqueues one
// dispatch task per pending destination after the commit.
func (p *Publisher) publishEntry(ctx context.Context, entry *domain.Entry, feed *domain.Feed, now time.Time) error {
	err := p.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		return p.entries.ClaimForPublish(txCtx, entry.ID, now)
	})
	if err != nil {
		return err
	}

	for _, dest := range feed.Destinations() {
		if entry.DestinationPublished(dest) {
			continue
		}
		msg := &queue.DispatchMessage{
			EntryID:     entry.ID,
			FeedID:      feed.ID,
			AccountID:   feed.AccountID,
			Destination: dest,
			EnqueuedAt:  now,
		}
		if err := p.qu.Enqueue(ctx, msg); err != nil {
			// The claim already committed; the entry surfaces as
			// dispatched-but-unconfirmed until a later requeue.
			p.logger.Warn("failed to enqueue dispatch",
				"entry_id", entry.ID,
				"destination", dest,
				"error", err,
			)
		}
	}
	return nil
}

// Drain force-publishes the entire remaining unpublished backlog as
// overflow, page by page, without dispatching downstream. Re-running on a
// drained feed is a no-op because the unpublished predicate shrinks to
// empty.
func (p *Publisher) Drain(ctx context.Context, feed *domain.Feed) error {
	for {
		entries, err := p.entries.ListUnpublished(ctx, feed.ID, p.cfg.DrainPageSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		ids := make([]int64, len(entries))
		for i, entry := range entries {
			ids[i] = entry.ID
		}
		if err := p.entries.MarkOverflowed(ctx, ids, domain.OverflowReasonFeedOverflow); err != nil {
			return err
		}

		p.logger.Info("drained overflow entries",
			"feed_id", feed.ID,
			"count", len(entries),
		)

		if len(entries) < p.cfg.DrainPageSize {
			return nil
		}
	}
}
