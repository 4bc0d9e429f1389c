package publish

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedbridge/internal/domain"
	"feedbridge/internal/queue"
)

type fakeEntryStore struct {
	publishedInWindow int
	unpublished       []*domain.Entry

	claimed    []int64
	claimErr   map[int64]error
	overflowed []int64
}

func (f *fakeEntryStore) CountPublishedSince(ctx context.Context, feedID int64, since time.Time) (int, error) {
	return f.publishedInWindow, nil
}

func (f *fakeEntryStore) ListUnpublished(ctx context.Context, feedID int64, limit int) ([]*domain.Entry, error) {
	remaining := make([]*domain.Entry, 0, limit)
	for _, e := range f.unpublished {
		if e.Published {
			continue
		}
		remaining = append(remaining, e)
		if len(remaining) == limit {
			break
		}
	}
	return remaining, nil
}

func (f *fakeEntryStore) ClaimForPublish(ctx context.Context, entryID int64, at time.Time) error {
	if err := f.claimErr[entryID]; err != nil {
		return err
	}
	f.claimed = append(f.claimed, entryID)
	for _, e := range f.unpublished {
		if e.ID == entryID {
			e.Published = true
		}
	}
	return nil
}

func (f *fakeEntryStore) MarkOverflowed(ctx context.Context, entryIDs []int64, reason domain.OverflowReason) error {
	f.overflowed = append(f.overflowed, entryIDs...)
	for _, id := range entryIDs {
		for _, e := range f.unpublished {
			if e.ID == id {
				e.Published = true
				e.Overflow = true
				e.OverflowReason = reason
			}
		}
	}
	return nil
}

type fakeFeedStore struct {
	updated []*domain.Feed
}

func (f *fakeFeedStore) Update(ctx context.Context, feed *domain.Feed) error {
	f.updated = append(f.updated, feed)
	return nil
}

type fakeTx struct{}

func (fakeTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeEnqueuer struct {
	messages []*queue.DispatchMessage
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, msg *queue.DispatchMessage) error {
	f.messages = append(f.messages, msg)
	return nil
}

func entryFixture(id int64) *domain.Entry {
	return &domain.Entry{
		ID:     id,
		FeedID: 1,
		GUID:   "guid",
		Status: domain.EntryStateActive,
		Added:  time.Now(),
	}
}

func newTestPublisher(entries *fakeEntryStore, feeds *fakeFeedStore, qu *fakeEnqueuer, pageSize int) *Publisher {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(entries, feeds, fakeTx{}, qu, logger, Config{
		Defaults:      Defaults{SchedulePeriod: 15, MaxStoriesPerPeriod: 2},
		DrainPageSize: pageSize,
	})
}

func TestPublishForFeed_RespectsBudget(t *testing.T) {
	entries := &fakeEntryStore{
		unpublished: []*domain.Entry{entryFixture(1), entryFixture(2), entryFixture(3)},
	}
	feeds := &fakeFeedStore{}
	qu := &fakeEnqueuer{}
	p := newTestPublisher(entries, feeds, qu, 25)

	feed := &domain.Feed{ID: 1, AccountID: 7, IsDirty: true}
	posted, err := p.PublishForFeed(context.Background(), feed, false)
	require.NoError(t, err)

	assert.Equal(t, 2, posted)
	assert.Equal(t, []int64{1, 2}, entries.claimed)
	// More is left, so the backlog flag stays up.
	assert.True(t, feed.IsDirty)
	require.Len(t, qu.messages, 2)
	assert.Equal(t, domain.DestinationPost, qu.messages[0].Destination)
	assert.Equal(t, int64(7), qu.messages[0].AccountID)
}

func TestPublishForFeed_WindowExhausted(t *testing.T) {
	entries := &fakeEntryStore{
		publishedInWindow: 2,
		unpublished:       []*domain.Entry{entryFixture(1)},
	}
	qu := &fakeEnqueuer{}
	p := newTestPublisher(entries, &fakeFeedStore{}, qu, 25)

	posted, err := p.PublishForFeed(context.Background(), &domain.Feed{ID: 1}, false)
	require.NoError(t, err)

	assert.Zero(t, posted)
	assert.Empty(t, entries.claimed)
	assert.Empty(t, qu.messages)
}

func TestPublishForFeed_SkipQueueForcesOne(t *testing.T) {
	entries := &fakeEntryStore{
		publishedInWindow: 5,
		unpublished:       []*domain.Entry{entryFixture(1), entryFixture(2)},
	}
	qu := &fakeEnqueuer{}
	p := newTestPublisher(entries, &fakeFeedStore{}, qu, 25)

	posted, err := p.PublishForFeed(context.Background(), &domain.Feed{ID: 1}, true)
	require.NoError(t, err)

	assert.Equal(t, 1, posted)
	assert.Equal(t, []int64{1}, entries.claimed)
}

func TestPublishForFeed_ClearsDirtyWhenDrainedDry(t *testing.T) {
	entries := &fakeEntryStore{
		unpublished: []*domain.Entry{entryFixture(1)},
	}
	feeds := &fakeFeedStore{}
	p := newTestPublisher(entries, feeds, &fakeEnqueuer{}, 25)

	feed := &domain.Feed{ID: 1, IsDirty: true}
	posted, err := p.PublishForFeed(context.Background(), feed, false)
	require.NoError(t, err)

	assert.Equal(t, 1, posted)
	assert.False(t, feed.IsDirty)
	require.Len(t, feeds.updated, 1)
}

func TestPublishForFeed_DumpExcessDrainsRemainder(t *testing.T) {
	entries := &fakeEntryStore{
		unpublished: []*domain.Entry{
			entryFixture(1), entryFixture(2), entryFixture(3), entryFixture(4),
		},
	}
	p := newTestPublisher(entries, &fakeFeedStore{}, &fakeEnqueuer{}, 25)

	feed := &domain.Feed{ID: 1, DumpExcessInPeriod: true}
	posted, err := p.PublishForFeed(context.Background(), feed, false)
	require.NoError(t, err)

	// DumpExcess caps the window at one story; the rest overflows.
	assert.Equal(t, 1, posted)
	assert.Equal(t, []int64{1}, entries.claimed)
	assert.ElementsMatch(t, []int64{2, 3, 4}, entries.overflowed)
	for _, e := range entries.unpublished[1:] {
		assert.True(t, e.Overflow)
		assert.Equal(t, domain.OverflowReasonFeedOverflow, e.OverflowReason)
	}
}

func TestPublishForFeed_SkipsContestedClaim(t *testing.T) {
	entries := &fakeEntryStore{
		unpublished: []*domain.Entry{entryFixture(1), entryFixture(2)},
		claimErr:    map[int64]error{1: domain.ErrAlreadyPublished},
	}
	p := newTestPublisher(entries, &fakeFeedStore{}, &fakeEnqueuer{}, 25)

	posted, err := p.PublishForFeed(context.Background(), &domain.Feed{ID: 1}, false)
	require.NoError(t, err)

	assert.Equal(t, 1, posted)
	assert.Equal(t, []int64{2}, entries.claimed)
}

func TestPublishForFeed_ChannelDestinations(t *testing.T) {
	entries := &fakeEntryStore{
		unpublished: []*domain.Entry{entryFixture(1)},
	}
	qu := &fakeEnqueuer{}
	p := newTestPublisher(entries, &fakeFeedStore{}, qu, 25)

	channelID := int64(42)
	feed := &domain.Feed{ID: 1, ChannelID: &channelID, PublishToStream: true}
	_, err := p.PublishForFeed(context.Background(), feed, false)
	require.NoError(t, err)

	require.Len(t, qu.messages, 2)
	dests := []domain.Destination{qu.messages[0].Destination, qu.messages[1].Destination}
	assert.ElementsMatch(t, []domain.Destination{domain.DestinationPost, domain.DestinationChannel}, dests)
}

func TestDrain_PagesUntilEmpty(t *testing.T) {
	var backlog []*domain.Entry
	for i := int64(1); i <= 7; i++ {
		backlog = append(backlog, entryFixture(i))
	}
	entries := &fakeEntryStore{unpublished: backlog}
	p := newTestPublisher(entries, &fakeFeedStore{}, &fakeEnqueuer{}, 3)

	require.NoError(t, p.Drain(context.Background(), &domain.Feed{ID: 1}))
	assert.Len(t, entries.overflowed, 7)

	// A second drain finds nothing left.
	entries.overflowed = nil
	require.NoError(t, p.Drain(context.Background(), &domain.Feed{ID: 1}))
	assert.Empty(t, entries.overflowed)
}
