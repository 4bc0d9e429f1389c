package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example Blog</title>
    <link>https://example.com/</link>
    <description>Posts about things</description>
    <item>
      <title>First post</title>
      <link>https://example.com/1</link>
      <guid>https://example.com/1</guid>
    </item>
  </channel>
</rss>`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestFetcher() *Fetcher {
	return New(Config{UserAgent: "test-agent"}, testLogger())
}

func TestFetch_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, sampleRSS)
	}))
	defer srv.Close()

	result, err := newTestFetcher().Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)

	assert.False(t, result.NotModified)
	assert.False(t, result.PermanentRedirect)
	assert.Equal(t, srv.URL, result.FinalURL)
	assert.Equal(t, `"v1"`, result.ETag)
	assert.NotEmpty(t, result.ContentHash)
	require.NotNil(t, result.Feed)
	assert.Equal(t, "Example Blog", result.Feed.Title)
	require.Len(t, result.Feed.Entries, 1)
	assert.Equal(t, "https://example.com/1", result.Feed.Entries[0].GUID)
}

func TestFetch_NotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		fmt.Fprint(w, sampleRSS)
	}))
	defer srv.Close()

	result, err := newTestFetcher().Fetch(context.Background(), srv.URL, `"v1"`)
	require.NoError(t, err)

	assert.True(t, result.NotModified)
	assert.Nil(t, result.Feed)
	assert.Equal(t, `"v1"`, result.ETag)
}

func TestFetch_PermanentRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sampleRSS)
	})
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	result, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/old", "")
	require.NoError(t, err)

	assert.True(t, result.PermanentRedirect)
	assert.Equal(t, srv.URL+"/new", result.FinalURL)
}

func TestFetch_TemporaryRedirectKeepsURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sampleRSS)
	})
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	result, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/old", "")
	require.NoError(t, err)

	assert.False(t, result.PermanentRedirect)
	assert.Equal(t, srv.URL+"/new", result.FinalURL)
}

func TestFetch_PermanentFlagSurvivesLaterHops(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sampleRSS)
	})
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hop", http.StatusMovedPermanently)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	result, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/old", "")
	require.NoError(t, err)

	assert.True(t, result.PermanentRedirect)
	assert.Equal(t, srv.URL+"/final", result.FinalURL)
}

func TestFetch_TooManyRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path, http.StatusFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/loop", "")
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FailureTooManyRedirects, fe.Kind)
}

func TestFetch_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL, "")
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FailureUnexpectedStatus, fe.Kind)
	assert.Equal(t, http.StatusGone, fe.Status)
}

func TestFetch_InvalidURL(t *testing.T) {
	_, err := newTestFetcher().Fetch(context.Background(), "not a url", "")
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FailureInvalidURL, fe.Kind)
	assert.NotEmpty(t, fe.UserMessage())
}

func TestFetch_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL, "")
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FailureNetwork, fe.Kind)
}

func TestHashContent_Stable(t *testing.T) {
	a := HashContent([]byte(sampleRSS))
	b := HashContent([]byte(sampleRSS))
	c := HashContent([]byte(sampleRSS + " "))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
