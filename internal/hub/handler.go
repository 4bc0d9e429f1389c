package hub

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"feedbridge/internal/domain"
)

// maxNotificationSize bounds pushed bodies, matching the fetch limit.
const maxNotificationSize = 5 << 20

type FeedStore interface {
	GetByID(ctx context.Context, feedID int64) (*domain.Feed, error)
	Update(ctx context.Context, feed *domain.Feed) error
}

// InboundProcessor consumes a verified notification body for a feed.
type InboundProcessor interface {
	ProcessInbound(ctx context.Context, feed *domain.Feed, body []byte) error
}

type Handler struct {
	feeds     FeedStore
	processor InboundProcessor
	logger    *slog.Logger
}

func NewHandler(feeds FeedStore, processor InboundProcessor, logger *slog.Logger) *Handler {
	return &Handler{feeds: feeds, processor: processor, logger: logger}
}

// NewRouter mounts the hub callback endpoints plus metrics and health.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/hub/callback/{feedID}", func(r chi.Router) {
		r.Get("/", h.Challenge)
		r.Post("/", h.Notify)
	})
	return r
}

// Challenge answers the hub's subscription verification: the verify token
// must match the one we sent, and the challenge is echoed back verbatim.
func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request) {
	feed, ok := h.feedFromRequest(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	if q.Get("hub.verify_token") != feed.VerifyToken || feed.VerifyToken == "" {
		h.logger.Warn("hub challenge with wrong verify token", "feed_id", feed.ID)
		http.Error(w, "verify token mismatch", http.StatusNotFound)
		return
	}

	switch q.Get("hub.mode") {
	case "subscribe":
		if !feed.SubscribedAtHub {
			feed.SubscribedAtHub = true
			if err := h.feeds.Update(r.Context(), feed); err != nil {
				h.logger.Error("persist hub subscription", "feed_id", feed.ID, "error", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			h.logger.Info("hub subscription confirmed", "feed_id", feed.ID, "hub", feed.Hub)
		}
	case "unsubscribe":
		if feed.SubscribedAtHub {
			feed.SubscribedAtHub = false
			if err := h.feeds.Update(r.Context(), feed); err != nil {
				h.logger.Error("persist hub unsubscription", "feed_id", feed.ID, "error", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(q.Get("hub.challenge")))
}

// Notify receives pushed feed content. The body must carry a valid
// HMAC-SHA1 signature under the feed's shared secret; a mismatch is
// acknowledged without processing so the hub does not retry forever.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	feed, ok := h.feedFromRequest(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationSize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if !validSignature(r.Header.Get("X-Hub-Signature"), feed.HubSecret, body) {
		h.logger.Warn("push notification with bad signature", "feed_id", feed.ID)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.processor.ProcessInbound(r.Context(), feed, body); err != nil {
		h.logger.Error("process push notification", "feed_id", feed.ID, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) feedFromRequest(w http.ResponseWriter, r *http.Request) (*domain.Feed, bool) {
	feedID, err := strconv.ParseInt(chi.URLParam(r, "feedID"), 10, 64)
	if err != nil {
		http.Error(w, "bad feed id", http.StatusBadRequest)
		return nil, false
	}
	feed, err := h.feeds.GetByID(r.Context(), feedID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "unknown feed", http.StatusNotFound)
		} else {
			h.logger.Error("load feed for hub callback", "feed_id", feedID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return nil, false
	}
	return feed, true
}

func validSignature(header, secret string, body []byte) bool {
	if secret == "" || header == "" {
		return false
	}
	sig, ok := strings.CutPrefix(header, "sha1=")
	if !ok {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(expected))
}
