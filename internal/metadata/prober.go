// Package metadata fetches the page behind an entry link and extracts the
// meta tags used for thumbnails. Probe failures are expected and degrade
// gracefully: the entry is still created, just without the attribute.
package metadata

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const maxProbeBody = 512 << 10

// PageMeta is what a probe recovers from an entry's page.
type PageMeta struct {
	Tags        map[string]string
	ImageURL    string
	ImageWidth  int
	ImageHeight int
}

type Prober struct {
	client    *http.Client
	logger    *slog.Logger
	timeout   time.Duration
	userAgent string
}

func NewProber(timeout time.Duration, userAgent string, logger *slog.Logger) *Prober {
	return &Prober{
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
		timeout:   timeout,
		userAgent: userAgent,
	}
}

// Probe fetches link with a bounded deadline and parses its meta tags.
func (p *Prober) Probe(ctx context.Context, link string) (*PageMeta, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if resp.StatusCode != http.StatusOK || !strings.Contains(ct, "html") {
		return &PageMeta{Tags: map[string]string{}}, nil
	}

	return parseMeta(io.LimitReader(resp.Body, maxProbeBody))
}

func parseMeta(r io.Reader) (*PageMeta, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	meta := &PageMeta{Tags: map[string]string{}}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "meta" {
			var name, content string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "property", "name":
					name = attr.Val
				case "content":
					content = attr.Val
				}
			}
			if name != "" && content != "" {
				meta.Tags[name] = content
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	meta.ImageURL = meta.Tags["og:image"]
	if meta.ImageURL == "" {
		meta.ImageURL = meta.Tags["twitter:image"]
	}
	meta.ImageWidth = atoi(meta.Tags["og:image:width"])
	meta.ImageHeight = atoi(meta.Tags["og:image:height"])

	return meta, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
