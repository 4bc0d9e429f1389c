package dispatch

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedbridge/internal/domain"
	"feedbridge/internal/metrics"
	"feedbridge/internal/queue"
	"feedbridge/internal/socialapi"
)

type fakeAPI struct {
	posts      int
	broadcasts int
	err        error
	failures   int
}

func (f *fakeAPI) CreatePost(ctx context.Context, token string, post *socialapi.Post) error {
	f.posts++
	return f.nextErr()
}

func (f *fakeAPI) SendBroadcast(ctx context.Context, token string, channelID int64, post *socialapi.Post) error {
	f.broadcasts++
	return f.nextErr()
}

// nextErr returns the configured error for the next `failures` calls;
// a negative count fails forever.
func (f *fakeAPI) nextErr() error {
	if f.err == nil {
		return nil
	}
	if f.failures < 0 {
		return f.err
	}
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return nil
}

type fakeEntries struct {
	entry     *domain.Entry
	confirmed []domain.Destination
	requeued  []int64
}

func (f *fakeEntries) GetByID(ctx context.Context, entryID int64) (*domain.Entry, error) {
	return f.entry, nil
}

func (f *fakeEntries) MarkDestinationPublished(ctx context.Context, entryID int64, dest domain.Destination) error {
	f.confirmed = append(f.confirmed, dest)
	return nil
}

func (f *fakeEntries) RequeueMalformed(ctx context.Context, entryID int64) error {
	f.requeued = append(f.requeued, entryID)
	return nil
}

type fakeFeeds struct {
	feed *domain.Feed

	needsReauth    []int64
	clearedChannel []int64
	deleted        []int64
}

func (f *fakeFeeds) GetByID(ctx context.Context, feedID int64) (*domain.Feed, error) {
	return f.feed, nil
}

func (f *fakeFeeds) MarkNeedsReauth(ctx context.Context, feedID int64) error {
	f.needsReauth = append(f.needsReauth, feedID)
	return nil
}

func (f *fakeFeeds) ClearChannel(ctx context.Context, feedID int64) error {
	f.clearedChannel = append(f.clearedChannel, feedID)
	return nil
}

func (f *fakeFeeds) Delete(ctx context.Context, feedID int64) error {
	f.deleted = append(f.deleted, feedID)
	return nil
}

type staticTokens struct{}

func (staticTokens) Token(ctx context.Context, accountID int64) (string, error) {
	return "token-xyz", nil
}

func newTestWorker(api *fakeAPI, entries *fakeEntries, feeds *fakeFeeds) *Worker {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWorker(nil, api, entries, feeds, staticTokens{}, metrics.Nop{}, logger, Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
}

func msgFixture(dest domain.Destination) *queue.DispatchMessage {
	return &queue.DispatchMessage{
		EntryID:     10,
		FeedID:      1,
		AccountID:   7,
		Destination: dest,
		EnqueuedAt:  time.Now(),
	}
}

func entryFixture() *domain.Entry {
	return &domain.Entry{
		ID:     10,
		FeedID: 1,
		Title:  "Hello",
		Link:   "https://example.com/hello",
	}
}

func feedFixture() *domain.Feed {
	return &domain.Feed{
		ID:              1,
		AccountID:       7,
		Status:          domain.FeedStateActive,
		PublishToStream: true,
	}
}

func TestDispatch_Success(t *testing.T) {
	api := &fakeAPI{}
	entries := &fakeEntries{entry: entryFixture()}
	feeds := &fakeFeeds{feed: feedFixture()}
	w := newTestWorker(api, entries, feeds)

	require.NoError(t, w.dispatch(context.Background(), msgFixture(domain.DestinationPost)))

	assert.Equal(t, 1, api.posts)
	assert.Equal(t, []domain.Destination{domain.DestinationPost}, entries.confirmed)
}

func TestDispatch_AlreadyPublishedIsIdempotent(t *testing.T) {
	api := &fakeAPI{}
	entry := entryFixture()
	entry.PublishedPost = true
	entries := &fakeEntries{entry: entry}
	w := newTestWorker(api, entries, &fakeFeeds{feed: feedFixture()})

	require.NoError(t, w.dispatch(context.Background(), msgFixture(domain.DestinationPost)))

	assert.Zero(t, api.posts)
	assert.Empty(t, entries.confirmed)
}

func TestDispatch_ChannelDelivery(t *testing.T) {
	api := &fakeAPI{}
	feed := feedFixture()
	channelID := int64(42)
	feed.ChannelID = &channelID
	entries := &fakeEntries{entry: entryFixture()}
	w := newTestWorker(api, entries, &fakeFeeds{feed: feed})

	require.NoError(t, w.dispatch(context.Background(), msgFixture(domain.DestinationChannel)))

	assert.Equal(t, 1, api.broadcasts)
	assert.Zero(t, api.posts)
	assert.Equal(t, []domain.Destination{domain.DestinationChannel}, entries.confirmed)
}

func TestDispatch_ChannelUnboundSkips(t *testing.T) {
	api := &fakeAPI{}
	entries := &fakeEntries{entry: entryFixture()}
	w := newTestWorker(api, entries, &fakeFeeds{feed: feedFixture()})

	require.NoError(t, w.dispatch(context.Background(), msgFixture(domain.DestinationChannel)))

	assert.Zero(t, api.broadcasts)
	assert.Empty(t, entries.confirmed)
}

func TestDispatch_UnauthorizedParksFeed(t *testing.T) {
	api := &fakeAPI{
		err:      &socialapi.APIError{Kind: socialapi.FailureUnauthorized, Status: 401},
		failures: -1,
	}
	entries := &fakeEntries{entry: entryFixture()}
	feeds := &fakeFeeds{feed: feedFixture()}
	w := newTestWorker(api, entries, feeds)

	err := w.dispatch(context.Background(), msgFixture(domain.DestinationPost))
	require.Error(t, err)

	// No retry on a pulled authorization.
	assert.Equal(t, 1, api.posts)
	assert.Equal(t, []int64{1}, feeds.needsReauth)
	assert.Empty(t, entries.confirmed)
}

func TestDispatch_BadContentRequeuesMalformed(t *testing.T) {
	api := &fakeAPI{
		err:      &socialapi.APIError{Kind: socialapi.FailureBadContent, Status: 400},
		failures: -1,
	}
	entries := &fakeEntries{entry: entryFixture()}
	feeds := &fakeFeeds{feed: feedFixture()}
	w := newTestWorker(api, entries, feeds)

	err := w.dispatch(context.Background(), msgFixture(domain.DestinationPost))
	require.Error(t, err)

	assert.Equal(t, 1, api.posts)
	assert.Equal(t, []int64{10}, entries.requeued)
}

func TestDispatch_InactiveChannelUnbinds(t *testing.T) {
	api := &fakeAPI{
		err:      &socialapi.APIError{Kind: socialapi.FailureChannelInactive, Status: 403},
		failures: -1,
	}
	feed := feedFixture()
	channelID := int64(42)
	feed.ChannelID = &channelID
	feeds := &fakeFeeds{feed: feed}
	w := newTestWorker(api, &fakeEntries{entry: entryFixture()}, feeds)

	err := w.dispatch(context.Background(), msgFixture(domain.DestinationChannel))
	require.Error(t, err)

	assert.Equal(t, []int64{1}, feeds.clearedChannel)
	assert.Empty(t, feeds.deleted)
}

func TestDispatch_InactiveChannelDeletesChannelOnlyFeed(t *testing.T) {
	api := &fakeAPI{
		err:      &socialapi.APIError{Kind: socialapi.FailureChannelInactive, Status: 403},
		failures: -1,
	}
	feed := feedFixture()
	feed.PublishToStream = false
	channelID := int64(42)
	feed.ChannelID = &channelID
	feeds := &fakeFeeds{feed: feed}
	w := newTestWorker(api, &fakeEntries{entry: entryFixture()}, feeds)

	err := w.dispatch(context.Background(), msgFixture(domain.DestinationChannel))
	require.Error(t, err)

	assert.Equal(t, []int64{1}, feeds.deleted)
	assert.Empty(t, feeds.clearedChannel)
}

func TestDispatch_TransientFailureRetriesThenSucceeds(t *testing.T) {
	api := &fakeAPI{
		err:      &socialapi.APIError{Kind: socialapi.FailureTransient, Status: 502},
		failures: 2,
	}
	entries := &fakeEntries{entry: entryFixture()}
	w := newTestWorker(api, entries, &fakeFeeds{feed: feedFixture()})

	require.NoError(t, w.dispatch(context.Background(), msgFixture(domain.DestinationPost)))

	assert.Equal(t, 3, api.posts)
	assert.Equal(t, []domain.Destination{domain.DestinationPost}, entries.confirmed)
}

func TestDispatch_TransientFailureExhaustsRetries(t *testing.T) {
	api := &fakeAPI{
		err:      &socialapi.APIError{Kind: socialapi.FailureTransient, Status: 502},
		failures: -1,
	}
	entries := &fakeEntries{entry: entryFixture()}
	feeds := &fakeFeeds{feed: feedFixture()}
	w := newTestWorker(api, entries, feeds)

	err := w.dispatch(context.Background(), msgFixture(domain.DestinationPost))
	require.Error(t, err)

	assert.Equal(t, 3, api.posts)
	assert.Empty(t, entries.confirmed)
	assert.Empty(t, feeds.needsReauth)
}

func TestDispatch_NeedsReauthFeedDropsTask(t *testing.T) {
	api := &fakeAPI{}
	feed := feedFixture()
	feed.Status = domain.FeedStateNeedsReauth
	w := newTestWorker(api, &fakeEntries{entry: entryFixture()}, &fakeFeeds{feed: feed})

	err := w.dispatch(context.Background(), msgFixture(domain.DestinationPost))
	require.Error(t, err)
	assert.Zero(t, api.posts)
}

func TestBuildPost(t *testing.T) {
	entry := &domain.Entry{
		Title:           "Hello",
		Link:            "https://example.com/hello",
		ThumbnailURL:    "https://example.com/t.png",
		ThumbnailWidth:  640,
		ThumbnailHeight: 480,
	}

	post := BuildPost(entry)

	assert.Equal(t, "Hello", post.Text)
	require.Len(t, post.Annotations, 2)
	assert.Equal(t, "net.app.core.crosspost", post.Annotations[0].Type)
	assert.Equal(t, "https://example.com/hello", post.Annotations[0].Value["canonical_url"])
	assert.Equal(t, "net.app.core.oembed", post.Annotations[1].Type)
}

func TestBuildPost_UntitledFallsBackToLink(t *testing.T) {
	post := BuildPost(&domain.Entry{Link: "https://example.com/x"})
	assert.Equal(t, "https://example.com/x", post.Text)
}
