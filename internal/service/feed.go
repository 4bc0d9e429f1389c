// Package service orchestrates the feed lifecycle: the update cycle state
// machine, subscription management, and the inbound push path.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"feedbridge/internal/domain"
	"feedbridge/internal/fetcher"
	"feedbridge/internal/hub"
	"feedbridge/internal/metrics"
	"feedbridge/internal/process"
)

// errorWindow is how long a feed may fail continuously before it is
// disabled. The window opens on the first failure and closes on any
// successful fetch.
const errorWindow = 48 * time.Hour

// previewItems is how many entries a synchronous preview returns.
const previewItems = 3

// unsubscribePageSize bounds each delete batch while unsubscribing.
const unsubscribePageSize = 500

type Config struct {
	DrainThreshold int
}

type UpdateOptions struct {
	// Publish runs the publish scheduler after processing.
	Publish bool
	// SkipQueue guarantees at least one slot in the publish window even
	// when the window is already spent.
	SkipQueue bool
}

type CreateParams struct {
	AccountID       int64
	FeedURL         string
	ChannelID       *int64
	PublishToStream bool
	UpdateInterval  domain.UpdateInterval

	ManualControl       bool
	SchedulePeriod      int
	MaxStoriesPerPeriod int
	DumpExcessInPeriod  bool
}

type FeedService struct {
	fetcher   Fetcher
	processor Processor
	publisher Publisher
	feeds     FeedStore
	entries   EntryStore
	hub       HubSubscriber
	metrics   metrics.Collector
	logger    *slog.Logger
	cfg       Config
	nowFn     func() time.Time
}

func NewFeedService(
	fetch Fetcher,
	processor Processor,
	publisher Publisher,
	feeds FeedStore,
	entries EntryStore,
	hubSub HubSubscriber,
	collector metrics.Collector,
	logger *slog.Logger,
	cfg Config,
) *FeedService {
	if cfg.DrainThreshold <= 0 {
		cfg.DrainThreshold = 5
	}
	return &FeedService{
		fetcher:   fetch,
		processor: processor,
		publisher: publisher,
		feeds:     feeds,
		entries:   entries,
		hub:       hubSub,
		metrics:   collector,
		logger:    logger,
		cfg:       cfg,
		nowFn:     time.Now,
	}
}

// UpdateFeed runs one full update cycle for a feed: fetch, dedup and stage
// new entries, then publish within the feed's window. A permanent redirect
// rewrites the feed URL and suppresses publishing for this cycle. A
// not-modified response, by header or by unchanged content hash, writes
// nothing beyond poll bookkeeping.
func (s *FeedService) UpdateFeed(ctx context.Context, feed *domain.Feed, opts UpdateOptions) (*domain.UpdateStats, error) {
	now := s.nowFn()
	stats := &domain.UpdateStats{FeedID: feed.ID}
	defer func() {
		stats.Duration = s.nowFn().Sub(now)
		s.metrics.RecordFetch(stats.Duration)
	}()

	result, err := s.fetcher.Fetch(ctx, feed.FeedURL, feed.ETag)
	if err != nil {
		s.trackFailure(ctx, feed, err, now)
		return stats, fmt.Errorf("fetch feed %d: %w", feed.ID, err)
	}

	s.clearFailure(feed, now)

	if result.NotModified || (result.ContentHash != "" && result.ContentHash == feed.LastContentHash) {
		stats.NotModified = true
		s.schedule(feed, now)
		if err := s.feeds.Update(ctx, feed); err != nil {
			return stats, fmt.Errorf("update feed %d: %w", feed.ID, err)
		}
		return stats, nil
	}

	suppressPublish := false
	if result.PermanentRedirect && result.FinalURL != "" && result.FinalURL != feed.FeedURL {
		s.logger.Info("feed moved permanently",
			"feed_id", feed.ID,
			"old_url", feed.FeedURL,
			"new_url", result.FinalURL,
		)
		feed.FeedURL = result.FinalURL
		stats.URLChanged = true
		// Entries under a new URL cannot be trusted this cycle; the next
		// poll publishes from the rewritten URL.
		suppressPublish = true
	}

	s.refreshMetadata(feed, result)

	newGUIDs, oldGUIDs, err := s.processor.Run(ctx, feed, result.Feed, process.Options{
		Overflow:       feed.FirstTime,
		OverflowReason: domain.OverflowReasonBacklog,
		FirstTime:      feed.FirstTime,
	})
	if err != nil {
		return stats, fmt.Errorf("process feed %d: %w", feed.ID, err)
	}
	stats.NewEntries = len(newGUIDs)
	stats.OldEntries = len(oldGUIDs)
	s.metrics.RecordEntriesCreated(len(newGUIDs))

	if len(newGUIDs) > 0 && !feed.FirstTime {
		feed.IsDirty = true
	}

	switch {
	case feed.FirstTime, suppressPublish:
		// Backlog entries are already marked published, and a moved feed
		// does not publish this cycle.
	case s.floodDetected(newGUIDs, oldGUIDs):
		s.logger.Warn("feed flood detected, draining as overflow",
			"feed_id", feed.ID,
			"new_entries", len(newGUIDs),
		)
		if err := s.publisher.Drain(ctx, feed); err != nil {
			return stats, fmt.Errorf("drain feed %d: %w", feed.ID, err)
		}
		stats.Drained = true
		s.metrics.RecordEntriesOverflowed(len(newGUIDs))
	case opts.Publish:
		published, err := s.publisher.PublishForFeed(ctx, feed, opts.SkipQueue)
		if err != nil {
			return stats, fmt.Errorf("publish feed %d: %w", feed.ID, err)
		}
		stats.Published = published
		s.metrics.RecordEntriesPublished(published)
	}

	s.maybeSubscribe(ctx, feed)
	s.schedule(feed, now)

	if err := s.feeds.Update(ctx, feed); err != nil {
		return stats, fmt.Errorf("update feed %d: %w", feed.ID, err)
	}
	return stats, nil
}

// floodDetected reports a cycle where every listed entry is new and there
// are enough of them to look like a feed reset rather than fresh posts.
func (s *FeedService) floodDetected(newGUIDs, oldGUIDs []string) bool {
	return len(oldGUIDs) == 0 && len(newGUIDs) >= s.cfg.DrainThreshold
}

// CreateFeed subscribes an account to a URL. The first fetch stages the
// feed's current backlog as already published so subscribing never floods
// downstream, and only the newest few items are fully hydrated.
func (s *FeedService) CreateFeed(ctx context.Context, params CreateParams) (*domain.Feed, error) {
	existing, err := s.feeds.GetByURL(ctx, params.AccountID, params.FeedURL)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("check existing feed: %w", err)
	}
	if existing != nil {
		return existing, domain.ErrFeedExists
	}

	now := s.nowFn()
	interval := params.UpdateInterval
	if interval == domain.UpdateIntervalNone {
		interval = domain.UpdateIntervalMinute15
	}

	feed := &domain.Feed{
		AccountID:           params.AccountID,
		FeedURL:             params.FeedURL,
		ChannelID:           params.ChannelID,
		PublishToStream:     params.PublishToStream,
		UpdateInterval:      interval,
		NextPollAt:          now,
		ManualControl:       params.ManualControl,
		SchedulePeriod:      params.SchedulePeriod,
		MaxStoriesPerPeriod: params.MaxStoriesPerPeriod,
		DumpExcessInPeriod:  params.DumpExcessInPeriod,
		Status:              domain.FeedStateActive,
		Added:               now,
	}

	if err := s.feeds.Create(ctx, feed); err != nil {
		return nil, fmt.Errorf("create feed: %w", err)
	}

	feed.FirstTime = true
	if _, err := s.UpdateFeed(ctx, feed, UpdateOptions{}); err != nil {
		// The subscription stands; the poller retries and the error
		// window handles persistent failure.
		s.logger.Warn("initial fetch failed", "feed_id", feed.ID, "error", err)
	}

	return feed, nil
}

// PreviewFeed fetches a URL synchronously and returns its newest few
// entries without writing anything. Fetch failures come back as
// *fetcher.FetchError so callers can show UserMessage.
func (s *FeedService) PreviewFeed(ctx context.Context, rawURL string) (*domain.ParsedFeed, error) {
	result, err := s.fetcher.Fetch(ctx, rawURL, "")
	if err != nil {
		return nil, err
	}
	if result.NotModified || result.Feed == nil {
		return nil, &fetcher.FetchError{
			Kind: fetcher.FailureUnexpectedStatus,
			URL:  rawURL,
		}
	}
	parsed := result.Feed
	if len(parsed.Entries) > previewItems {
		parsed.Entries = parsed.Entries[:previewItems]
	}
	return parsed, nil
}

// Unsubscribe deletes a feed and all its entries, paging the entry
// deletes so a feed with years of history cannot time out.
func (s *FeedService) Unsubscribe(ctx context.Context, feedID int64) error {
	for {
		n, err := s.entries.DeleteForFeed(ctx, feedID, unsubscribePageSize)
		if err != nil {
			return fmt.Errorf("delete entries of feed %d: %w", feedID, err)
		}
		if n < unsubscribePageSize {
			break
		}
	}
	if err := s.feeds.Delete(ctx, feedID); err != nil {
		return fmt.Errorf("delete feed %d: %w", feedID, err)
	}
	s.logger.Info("unsubscribed feed", "feed_id", feedID)
	return nil
}

// Reauthorize returns all of the account's feeds that were parked in the
// needs-reauth state back to active after the account renewed its token.
func (s *FeedService) Reauthorize(ctx context.Context, accountID int64) error {
	n, err := s.feeds.ReactivateForAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("reactivate feeds of account %d: %w", accountID, err)
	}
	s.logger.Info("reauthorized account", "account_id", accountID, "feeds", n)
	return nil
}

// ProcessInbound handles a verified push notification body: the content
// replaces a poll cycle, so the feed publishes immediately instead of
// waiting for its next scheduled fetch.
func (s *FeedService) ProcessInbound(ctx context.Context, feed *domain.Feed, body []byte) error {
	hash := fetcher.HashContent(body)
	if hash == feed.LastContentHash {
		return nil
	}

	parsed, err := fetcher.Parse(body)
	if err != nil {
		return fmt.Errorf("parse pushed feed %d: %w", feed.ID, err)
	}

	now := s.nowFn()
	s.clearFailure(feed, now)
	feed.LastContentHash = hash

	newGUIDs, _, err := s.processor.Run(ctx, feed, parsed, process.Options{})
	if err != nil {
		return fmt.Errorf("process pushed feed %d: %w", feed.ID, err)
	}
	s.metrics.RecordEntriesCreated(len(newGUIDs))
	if len(newGUIDs) > 0 {
		feed.IsDirty = true
	}

	if _, err := s.publisher.PublishForFeed(ctx, feed, false); err != nil {
		return fmt.Errorf("publish pushed feed %d: %w", feed.ID, err)
	}

	return s.feeds.Update(ctx, feed)
}

func (s *FeedService) trackFailure(ctx context.Context, feed *domain.Feed, fetchErr error, now time.Time) {
	var fe *fetcher.FetchError
	if errors.As(fetchErr, &fe) {
		s.metrics.RecordFetchFailure(fe.Kind.String())
	} else {
		s.metrics.RecordFetchFailure("internal")
	}

	if feed.InitialError == nil {
		t := now
		feed.InitialError = &t
	} else if now.Sub(*feed.InitialError) >= errorWindow {
		feed.Disabled = true
		s.metrics.RecordFeedDisabled()
		s.logger.Warn("feed disabled after continuous failure",
			"feed_id", feed.ID,
			"failing_since", *feed.InitialError,
		)
	}

	s.schedule(feed, now)
	if err := s.feeds.Update(ctx, feed); err != nil {
		s.logger.Error("persist feed failure state", "feed_id", feed.ID, "error", err)
	}
}

func (s *FeedService) clearFailure(feed *domain.Feed, now time.Time) {
	feed.InitialError = nil
	t := now
	feed.LastSuccessfulFetch = &t
}

func (s *FeedService) refreshMetadata(feed *domain.Feed, result *fetcher.Result) {
	feed.ETag = result.ETag
	feed.LastContentHash = result.ContentHash
	if result.Feed == nil {
		return
	}
	if result.Feed.Title != "" {
		feed.Title = result.Feed.Title
	}
	if result.Feed.Link != "" {
		feed.Link = result.Feed.Link
	}
	if result.Feed.Description != "" {
		feed.Description = result.Feed.Description
	}
	if result.Feed.Language != "" {
		feed.Language = result.Feed.Language
	}
	if result.Feed.HubURL != "" && result.Feed.HubURL != feed.Hub {
		feed.Hub = result.Feed.HubURL
		feed.SubscribedAtHub = false
	}
}

// maybeSubscribe attempts a push subscription when the feed advertises a
// hub we are not yet subscribed at. Failure only logs; polling still works.
func (s *FeedService) maybeSubscribe(ctx context.Context, feed *domain.Feed) {
	if s.hub == nil || feed.Hub == "" || feed.SubscribedAtHub {
		return
	}
	if feed.VerifyToken == "" {
		feed.VerifyToken = uuid.NewString()
	}
	if feed.HubSecret == "" {
		feed.HubSecret = uuid.NewString()
	}
	if err := s.hub.Subscribe(ctx, feed); err != nil {
		if errors.Is(err, hub.ErrHubGone) {
			s.logger.Info("hub refused subscriptions, dropping hub", "feed_id", feed.ID, "hub", feed.Hub)
			feed.Hub = ""
			return
		}
		s.logger.Warn("hub subscribe failed", "feed_id", feed.ID, "hub", feed.Hub, "error", err)
	}
}

func (s *FeedService) schedule(feed *domain.Feed, now time.Time) {
	if feed.UpdateInterval > domain.UpdateIntervalNone {
		feed.NextPollAt = now.Add(feed.UpdateInterval.Duration())
	}
}
