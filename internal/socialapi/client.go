// Package socialapi is the client for the downstream publish API. Only the
// status-code contract matters to callers: 200 success, 401 credential
// pulled, 400 malformed content, 403 with the inactive-channel condition,
// everything else transient.
package socialapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const channelInactiveMessage = "Forbidden: This channel is inactive"

// FailureKind classifies a publish failure for the dispatch state machine.
type FailureKind int

const (
	FailureTransient FailureKind = iota
	FailureUnauthorized
	FailureBadContent
	FailureChannelInactive
)

func (k FailureKind) String() string {
	switch k {
	case FailureUnauthorized:
		return "unauthorized"
	case FailureBadContent:
		return "bad_content"
	case FailureChannelInactive:
		return "channel_inactive"
	}
	return "transient"
}

type APIError struct {
	Kind    FailureKind
	Status  int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("social api: %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("social api: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("social api: %s (status %d)", e.Kind, e.Status)
}

func (e *APIError) Unwrap() error { return e.Err }

// Post is the JSON body for both stream posts and channel messages.
type Post struct {
	Text        string         `json:"text"`
	Annotations []Annotation   `json:"annotations,omitempty"`
	Entities    map[string]any `json:"entities,omitempty"`
}

type Annotation struct {
	Type  string         `json:"type"`
	Value map[string]any `json:"value"`
}

type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64
}

type Client struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: cfg.BaseURL,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

// CreatePost publishes to the account's public stream.
func (c *Client) CreatePost(ctx context.Context, accessToken string, post *Post) error {
	return c.send(ctx, "posts", accessToken, post)
}

// SendBroadcast publishes to a channel.
func (c *Client) SendBroadcast(ctx context.Context, accessToken string, channelID int64, post *Post) error {
	return c.send(ctx, fmt.Sprintf("channels/%d/messages", channelID), accessToken, post)
}

func (c *Client) send(ctx context.Context, path, accessToken string, post *Post) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &APIError{Kind: FailureTransient, Err: err}
	}

	body, err := json.Marshal(post)
	if err != nil {
		return &APIError{Kind: FailureBadContent, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+path, bytes.NewReader(body))
	if err != nil {
		return &APIError{Kind: FailureTransient, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Kind: FailureTransient, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return &APIError{Kind: FailureUnauthorized, Status: resp.StatusCode, Message: errorMessage(respBody)}
	case resp.StatusCode == http.StatusBadRequest:
		return &APIError{Kind: FailureBadContent, Status: resp.StatusCode, Message: errorMessage(respBody)}
	case resp.StatusCode == http.StatusForbidden:
		msg := errorMessage(respBody)
		if msg == channelInactiveMessage {
			return &APIError{Kind: FailureChannelInactive, Status: resp.StatusCode, Message: msg}
		}
		return &APIError{Kind: FailureTransient, Status: resp.StatusCode, Message: msg}
	}
	return &APIError{Kind: FailureTransient, Status: resp.StatusCode, Message: errorMessage(respBody)}
}

func errorMessage(body []byte) string {
	var parsed struct {
		Meta struct {
			ErrorMessage string `json:"error_message"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Meta.ErrorMessage
}
