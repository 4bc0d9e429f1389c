// Package hub implements push subscriptions: subscribing at a feed's
// advertised hub and receiving verified content notifications, which let
// a feed publish without waiting for its polling interval.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"feedbridge/internal/domain"
)

// ErrHubGone means the hub refused to take subscriptions at all; the
// caller should drop the hub binding and rely on polling.
var ErrHubGone = errors.New("hub no longer accepts subscriptions")

type SubscriberConfig struct {
	// CallbackBaseURL is the externally reachable prefix for webhook
	// callbacks, e.g. https://feedbridge.example.com.
	CallbackBaseURL string
	Timeout         time.Duration
}

type Subscriber struct {
	client *http.Client
	cfg    SubscriberConfig
	logger *slog.Logger
}

func NewSubscriber(cfg SubscriberConfig, logger *slog.Logger) *Subscriber {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Subscriber{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

// CallbackURL is where the hub verifies and notifies a given feed.
func (s *Subscriber) CallbackURL(feedID int64) string {
	return fmt.Sprintf("%s/hub/callback/%d", strings.TrimRight(s.cfg.CallbackBaseURL, "/"), feedID)
}

// Subscribe asks the feed's hub to notify us about the feed's topic. The
// hub confirms asynchronously through the GET challenge on the callback;
// only that confirmation flips subscribed_at_hub.
func (s *Subscriber) Subscribe(ctx context.Context, feed *domain.Feed) error {
	form := url.Values{
		"hub.mode":         {"subscribe"},
		"hub.topic":        {feed.FeedURL},
		"hub.callback":     {s.CallbackURL(feed.ID)},
		"hub.verify":       {"async"},
		"hub.verify_token": {feed.VerifyToken},
		"hub.secret":       {feed.HubSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, feed.Hub, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build hub request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to hub %s: %w", feed.Hub, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		s.logger.Info("hub subscription requested", "feed_id", feed.ID, "hub", feed.Hub)
		return nil
	case resp.StatusCode == http.StatusPaymentRequired:
		return ErrHubGone
	default:
		return fmt.Errorf("hub %s rejected subscription: status %d", feed.Hub, resp.StatusCode)
	}
}
