package service

import (
	"context"
	"time"

	"feedbridge/internal/domain"
	"feedbridge/internal/fetcher"
	"feedbridge/internal/process"
)

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

type Fetcher interface {
	Fetch(ctx context.Context, rawURL, etag string) (*fetcher.Result, error)
}

type Processor interface {
	Run(ctx context.Context, feed *domain.Feed, parsed *domain.ParsedFeed, opts process.Options) (newGUIDs, oldGUIDs []string, err error)
}

type Publisher interface {
	PublishForFeed(ctx context.Context, feed *domain.Feed, skipQueue bool) (int, error)
	Drain(ctx context.Context, feed *domain.Feed) error
}

type FeedStore interface {
	GetByID(ctx context.Context, feedID int64) (*domain.Feed, error)
	GetByURL(ctx context.Context, accountID int64, feedURL string) (*domain.Feed, error)
	Create(ctx context.Context, feed *domain.Feed) error
	Update(ctx context.Context, feed *domain.Feed) error
	Delete(ctx context.Context, feedID int64) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Feed, error)
	ReactivateForAccount(ctx context.Context, accountID int64) (int64, error)
}

type EntryStore interface {
	// DeleteForFeed removes up to limit entries of the feed and reports
	// how many went away, so unsubscribe can page through large backlogs.
	DeleteForFeed(ctx context.Context, feedID int64, limit int) (int64, error)
}

// HubSubscriber manages push subscriptions at the feed's hub.
type HubSubscriber interface {
	Subscribe(ctx context.Context, feed *domain.Feed) error
}
