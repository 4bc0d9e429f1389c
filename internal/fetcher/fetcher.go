// Package fetcher performs conditional HTTP fetches of feed documents and
// normalizes the parsed result. Redirects are followed by hand because the
// status code of each hop carries meaning: a 301 means the stored feed URL
// must be updated, a 302/307 must not touch it. An automatic-redirect
// client hides exactly that distinction.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"feedbridge/internal/domain"
)

const defaultMaxRedirects = 5

// Result is the outcome of a successful fetch. Feed is nil when the
// document has not changed (HTTP 304, or an unchanged content hash when
// the caller compares Hash itself).
type Result struct {
	Feed              *domain.ParsedFeed
	NotModified       bool
	FinalURL          string
	PermanentRedirect bool
	ETag              string
	ContentHash       string
}

type Config struct {
	Timeout      time.Duration
	MaxRedirects int
	MaxBodySize  int64
	UserAgent    string
}

type Fetcher struct {
	client       *http.Client
	logger       *slog.Logger
	maxRedirects int
	maxBodySize  int64
	userAgent    string
}

func New(cfg Config, logger *slog.Logger) *Fetcher {
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}
	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = 5 << 20
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:       logger,
		maxRedirects: maxRedirects,
		maxBodySize:  maxBody,
		userAgent:    cfg.UserAgent,
	}
}

// Fetch retrieves rawURL with an optional ETag. It follows up to
// maxRedirects hops itself and reports whether any hop was a 301. A 304
// response short-circuits with NotModified set and no document.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, etag string) (*Result, error) {
	resp, finalURL, permanent, err := f.get(ctx, rawURL, etag)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Result{
			NotModified:       true,
			FinalURL:          finalURL,
			PermanentRedirect: permanent,
			ETag:              etag,
		}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Kind: FailureUnexpectedStatus, URL: finalURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return nil, f.classify(finalURL, err)
	}

	parsed, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", finalURL, err)
	}

	return &Result{
		Feed:              parsed,
		FinalURL:          finalURL,
		PermanentRedirect: permanent,
		ETag:              resp.Header.Get("ETag"),
		ContentHash:       HashContent(body),
	}, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL, etag string) (*http.Response, string, bool, error) {
	current := rawURL
	permanent := false

	for redirects := 0; redirects < f.maxRedirects; redirects++ {
		if _, err := url.ParseRequestURI(current); err != nil {
			return nil, current, false, &FetchError{Kind: FailureInvalidURL, URL: current, Err: err}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, current, false, &FetchError{Kind: FailureInvalidURL, URL: current, Err: err}
		}
		req.Header.Set("User-Agent", f.userAgent)
		req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, current, false, f.classify(current, err)
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect:
		default:
			return resp, current, permanent, nil
		}

		if resp.StatusCode == http.StatusMovedPermanently {
			permanent = true
		}

		location := resp.Header.Get("Location")
		resp.Body.Close()
		if location == "" {
			f.logger.Info("failed to follow redirects", "url", current)
			return nil, current, false, &FetchError{Kind: FailureTooManyRedirects, URL: current, Status: resp.StatusCode}
		}

		next, err := req.URL.Parse(location)
		if err != nil {
			return nil, current, false, &FetchError{Kind: FailureInvalidURL, URL: location, Err: err}
		}
		current = next.String()
	}

	return nil, current, false, &FetchError{Kind: FailureTooManyRedirects, URL: rawURL}
}

func (f *Fetcher) classify(url string, err error) *FetchError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &FetchError{Kind: FailureTimeout, URL: url, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &FetchError{Kind: FailureTimeout, URL: url, Err: err}
	}
	return &FetchError{Kind: FailureNetwork, URL: url, Err: err}
}

// HashContent fingerprints a fetched body so an unchanged document can be
// treated as not-modified even when the origin forgets its ETags.
func HashContent(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
