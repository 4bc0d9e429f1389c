// Package dispatch consumes dispatch tasks and delivers entries to the
// downstream social API, one (entry, destination) pair per task. Delivery
// is at-least-once; idempotence comes from the per-destination published
// flags checked before every send.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"feedbridge/internal/domain"
	"feedbridge/internal/metrics"
	"feedbridge/internal/queue"
	"feedbridge/internal/socialapi"
)

type SocialAPI interface {
	CreatePost(ctx context.Context, accessToken string, post *socialapi.Post) error
	SendBroadcast(ctx context.Context, accessToken string, channelID int64, post *socialapi.Post) error
}

type EntryStore interface {
	GetByID(ctx context.Context, entryID int64) (*domain.Entry, error)
	MarkDestinationPublished(ctx context.Context, entryID int64, dest domain.Destination) error
	// RequeueMalformed returns the entry to the unpublished-visible set
	// flagged as malformed overflow, so the next cycle reconsiders it
	// without it blocking other entries.
	RequeueMalformed(ctx context.Context, entryID int64) error
}

type FeedStore interface {
	GetByID(ctx context.Context, feedID int64) (*domain.Feed, error)
	MarkNeedsReauth(ctx context.Context, feedID int64) error
	ClearChannel(ctx context.Context, feedID int64) error
	Delete(ctx context.Context, feedID int64) error
}

type Consumer interface {
	Consume(ctx context.Context) (<-chan amqp.Delivery, error)
}

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Worker struct {
	consumer Consumer
	api      SocialAPI
	entries  EntryStore
	feeds    FeedStore
	tokens   TokenSource
	metrics  metrics.Collector
	logger   *slog.Logger
	cfg      Config
}

// TokenSource resolves an account's downstream credential, normally
// through the TTL cache.
type TokenSource interface {
	Token(ctx context.Context, accountID int64) (string, error)
}

func NewWorker(
	consumer Consumer,
	api SocialAPI,
	entries EntryStore,
	feeds FeedStore,
	tokens TokenSource,
	collector metrics.Collector,
	logger *slog.Logger,
	cfg Config,
) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Worker{
		consumer: consumer,
		api:      api,
		entries:  entries,
		feeds:    feeds,
		tokens:   tokens,
		metrics:  collector,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run consumes dispatch tasks until the context is canceled. Failures at
// single-task granularity never stop the worker.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.consumer.Consume(ctx)
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	w.logger.Info("dispatch worker started", "max_attempts", w.cfg.MaxAttempts)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("dispatch worker stopped")
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("dispatch channel closed")
			}
			w.handleDelivery(ctx, delivery)
		}
	}
}

func (w *Worker) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var msg queue.DispatchMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		w.logger.Error("malformed dispatch message", "error", err)
		_ = delivery.Nack(false, false)
		return
	}

	if err := w.dispatch(ctx, &msg); err != nil {
		w.logger.Warn("dispatch abandoned",
			"entry_id", msg.EntryID,
			"feed_id", msg.FeedID,
			"destination", msg.Destination,
			"error", err,
		)
		w.metrics.RecordDispatchFailure(failureKind(err))
		// Terminal outcomes were already applied to entry/feed state;
		// redelivery would repeat the same result.
		_ = delivery.Nack(false, false)
		return
	}

	w.metrics.RecordDispatchSuccess()
	_ = delivery.Ack(false)
}

func (w *Worker) dispatch(ctx context.Context, msg *queue.DispatchMessage) error {
	entry, err := w.entries.GetByID(ctx, msg.EntryID)
	if err != nil {
		return fmt.Errorf("load entry: %w", err)
	}
	if entry.DestinationPublished(msg.Destination) {
		return nil
	}

	feed, err := w.feeds.GetByID(ctx, msg.FeedID)
	if err != nil {
		return fmt.Errorf("load feed: %w", err)
	}
	if feed.Status == domain.FeedStateNeedsReauth {
		return fmt.Errorf("feed %d needs reauthorization", feed.ID)
	}
	if msg.Destination == domain.DestinationChannel && feed.ChannelID == nil {
		// Channel unbound after this task was enqueued.
		return nil
	}

	token, err := w.tokens.Token(ctx, msg.AccountID)
	if err != nil {
		return fmt.Errorf("resolve access token: %w", err)
	}

	post := BuildPost(entry)

	sendErr := w.sendWithRetry(ctx, msg, feed, token, post)
	if sendErr != nil {
		return w.applyFailure(ctx, sendErr, entry, feed)
	}

	if err := w.entries.MarkDestinationPublished(ctx, entry.ID, msg.Destination); err != nil {
		return fmt.Errorf("confirm destination: %w", err)
	}

	w.logger.Info("published entry",
		"entry_id", entry.ID,
		"feed_id", feed.ID,
		"destination", msg.Destination,
	)
	return nil
}

// sendWithRetry retries transient failures with exponential backoff up to
// MaxAttempts; classified failures stop immediately.
func (w *Worker) sendWithRetry(ctx context.Context, msg *queue.DispatchMessage, feed *domain.Feed, token string, post *socialapi.Post) error {
	op := func() error {
		var err error
		if msg.Destination == domain.DestinationChannel {
			err = w.api.SendBroadcast(ctx, token, *feed.ChannelID, post)
		} else {
			err = w.api.CreatePost(ctx, token, post)
		}
		if err == nil {
			return nil
		}

		var apiErr *socialapi.APIError
		if errors.As(err, &apiErr) && apiErr.Kind != socialapi.FailureTransient {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.InitialBackoff
	bo.MaxInterval = w.cfg.MaxBackoff
	policy := backoff.WithMaxRetries(bo, uint64(w.cfg.MaxAttempts-1))

	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

// applyFailure runs the terminal side of the publish state machine.
func (w *Worker) applyFailure(ctx context.Context, sendErr error, entry *domain.Entry, feed *domain.Feed) error {
	var apiErr *socialapi.APIError
	if !errors.As(sendErr, &apiErr) {
		return sendErr
	}

	switch apiErr.Kind {
	case socialapi.FailureUnauthorized:
		w.logger.Warn("feed authorization has been pulled", "feed_id", feed.ID)
		if err := w.feeds.MarkNeedsReauth(ctx, feed.ID); err != nil {
			return err
		}
	case socialapi.FailureBadContent:
		w.logger.Warn("malformed entry, returning to backlog",
			"entry_id", entry.ID,
			"feed_id", feed.ID,
		)
		if err := w.entries.RequeueMalformed(ctx, entry.ID); err != nil {
			return err
		}
	case socialapi.FailureChannelInactive:
		if !feed.PublishToStream {
			// Channel-only feed with a dead channel is itself dead.
			w.logger.Info("deleting channel-only feed with inactive channel", "feed_id", feed.ID)
			if err := w.feeds.Delete(ctx, feed.ID); err != nil {
				return err
			}
		} else {
			w.logger.Info("unbinding inactive channel", "feed_id", feed.ID)
			if err := w.feeds.ClearChannel(ctx, feed.ID); err != nil {
				return err
			}
		}
	}
	return sendErr
}

func failureKind(err error) string {
	var apiErr *socialapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind.String()
	}
	return "internal"
}

// BuildPost renders the minimal downstream body for an entry: the title
// as text with the link attached as a crosspost annotation.
func BuildPost(entry *domain.Entry) *socialapi.Post {
	text := entry.Title
	if text == "" {
		text = entry.Link
	}
	post := &socialapi.Post{Text: text}
	if entry.Link != "" {
		post.Annotations = append(post.Annotations, socialapi.Annotation{
			Type:  "net.app.core.crosspost",
			Value: map[string]any{"canonical_url": entry.Link},
		})
	}
	if entry.ThumbnailURL != "" {
		post.Annotations = append(post.Annotations, socialapi.Annotation{
			Type: "net.app.core.oembed",
			Value: map[string]any{
				"type":   "photo",
				"url":    entry.ThumbnailURL,
				"width":  entry.ThumbnailWidth,
				"height": entry.ThumbnailHeight,
			},
		})
	}
	return post
}
