package poller

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"feedbridge/internal/domain"
	"feedbridge/internal/service"
)

type fakeFeedSource struct {
	feeds []*domain.Feed
	err   error
}

func (f *fakeFeedSource) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Feed, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.feeds) > limit {
		return f.feeds[:limit], nil
	}
	return f.feeds, nil
}

type fakeUpdater struct {
	mu      sync.Mutex
	updated []int64
	failFor map[int64]error
}

func (f *fakeUpdater) UpdateFeed(ctx context.Context, feed *domain.Feed, opts service.UpdateOptions) (*domain.UpdateStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[feed.ID]; err != nil {
		return nil, err
	}
	f.updated = append(f.updated, feed.ID)
	return &domain.UpdateStats{FeedID: feed.ID}, nil
}

func newTestPoller(feeds *fakeFeedSource, updater *fakeUpdater) *Poller {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(feeds, updater, logger, Config{
		Interval:    time.Minute,
		Concurrency: 2,
		BatchSize:   10,
	})
}

func TestRunOnce_UpdatesAllDueFeeds(t *testing.T) {
	feeds := &fakeFeedSource{feeds: []*domain.Feed{
		{ID: 1}, {ID: 2}, {ID: 3},
	}}
	updater := &fakeUpdater{}

	newTestPoller(feeds, updater).RunOnce(context.Background())

	assert.ElementsMatch(t, []int64{1, 2, 3}, updater.updated)
}

func TestRunOnce_OneFailureDoesNotBlockOthers(t *testing.T) {
	feeds := &fakeFeedSource{feeds: []*domain.Feed{
		{ID: 1}, {ID: 2}, {ID: 3},
	}}
	updater := &fakeUpdater{failFor: map[int64]error{2: errors.New("boom")}}

	newTestPoller(feeds, updater).RunOnce(context.Background())

	assert.ElementsMatch(t, []int64{1, 3}, updater.updated)
}

func TestRunOnce_ListFailureIsLoggedOnly(t *testing.T) {
	feeds := &fakeFeedSource{err: errors.New("db down")}
	updater := &fakeUpdater{}

	newTestPoller(feeds, updater).RunOnce(context.Background())

	assert.Empty(t, updater.updated)
}

func TestRunOnce_RespectsBatchSize(t *testing.T) {
	var due []*domain.Feed
	for i := int64(1); i <= 25; i++ {
		due = append(due, &domain.Feed{ID: i})
	}
	feeds := &fakeFeedSource{feeds: due}
	updater := &fakeUpdater{}

	newTestPoller(feeds, updater).RunOnce(context.Background())

	assert.Len(t, updater.updated, 10)
}
