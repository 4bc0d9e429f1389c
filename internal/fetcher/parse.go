package fetcher

import (
	"bytes"
	"encoding/xml"
	"strings"

	"github.com/mmcdole/gofeed"

	"feedbridge/internal/domain"
)

// Parse normalizes a raw feed document into domain types. Entries keep
// document order. Items without a usable GUID fall back to their link.
func Parse(body []byte) (*domain.ParsedFeed, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	feed := &domain.ParsedFeed{
		Title:       parsed.Title,
		Link:        parsed.Link,
		Description: parsed.Description,
		Language:    parsed.Language,
		HubURL:      findHubLink(body),
		Entries:     make([]domain.RawEntry, 0, len(parsed.Items)),
	}

	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		entry := domain.RawEntry{
			GUID:    guidForItem(item),
			Title:   item.Title,
			Summary: item.Description,
			Link:    item.Link,
		}
		if entry.GUID == "" {
			continue
		}
		if entry.Summary == "" {
			entry.Summary = item.Content
		}
		if item.Author != nil {
			entry.Author = item.Author.Name
		} else if len(item.Authors) > 0 && item.Authors[0] != nil {
			entry.Author = item.Authors[0].Name
		}
		entry.Tags = item.Categories
		if item.PublishedParsed != nil {
			t := *item.PublishedParsed
			entry.PublishedAt = &t
		} else if item.UpdatedParsed != nil {
			t := *item.UpdatedParsed
			entry.PublishedAt = &t
		}
		if entry.Link == "" && strings.HasPrefix(entry.GUID, "http") {
			entry.Link = entry.GUID
		}
		feed.Entries = append(feed.Entries, entry)
	}

	return feed, nil
}

func guidForItem(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

// findHubLink scans the raw document for a <link rel="hub"> element.
// gofeed flattens link elements to bare hrefs, dropping the rel attribute
// this needs, so the hub is recovered with a plain token walk.
func findHubLink(body []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "link" {
			continue
		}
		var rel, href string
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "rel":
				rel = attr.Value
			case "href":
				href = attr.Value
			}
		}
		if rel == "hub" && href != "" {
			return href
		}
	}
}
