// Package poller drives the polling schedule: every tick it loads the
// feeds whose next poll is due and updates them with bounded concurrency.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"feedbridge/internal/domain"
	"feedbridge/internal/service"
)

type FeedSource interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Feed, error)
}

type Updater interface {
	UpdateFeed(ctx context.Context, feed *domain.Feed, opts service.UpdateOptions) (*domain.UpdateStats, error)
}

type Config struct {
	Interval    time.Duration
	Concurrency int
	BatchSize   int
}

type Poller struct {
	feeds   FeedSource
	updater Updater
	logger  *slog.Logger
	cfg     Config
	nowFn   func() time.Time
}

func New(feeds FeedSource, updater Updater, logger *slog.Logger, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Poller{
		feeds:   feeds,
		updater: updater,
		logger:  logger,
		cfg:     cfg,
		nowFn:   time.Now,
	}
}

// Run polls on the configured interval until the context is canceled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return ctx.Err()
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce updates every due feed. One failing feed never blocks the
// others; failures are logged per feed and the error window does the
// longer-term accounting.
func (p *Poller) RunOnce(ctx context.Context) {
	now := p.nowFn()
	due, err := p.feeds.ListDue(ctx, now, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("list due feeds", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	p.logger.Debug("polling due feeds", "count", len(due))

	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, feed := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(feed *domain.Feed) {
			defer wg.Done()
			defer func() { <-sem }()

			stats, err := p.updater.UpdateFeed(ctx, feed, service.UpdateOptions{Publish: true})
			if err != nil {
				p.logger.Warn("feed update failed", "feed_id", feed.ID, "error", err)
				return
			}
			if stats.NewEntries > 0 || stats.Published > 0 {
				p.logger.Info("feed updated",
					"feed_id", feed.ID,
					"new_entries", stats.NewEntries,
					"published", stats.Published,
					"duration", stats.Duration,
				)
			}
		}(feed)
	}
	wg.Wait()
}
