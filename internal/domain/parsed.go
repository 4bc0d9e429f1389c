package domain

import "time"

// RawEntry is one normalized item from a parsed feed document.
type RawEntry struct {
	GUID        string
	Title       string
	Summary     string
	Link        string
	Author      string
	Tags        []string
	PublishedAt *time.Time
}

// ParsedFeed is a normalized feed document: feed-level metadata plus the
// entries in document order (newest first for almost every real feed).
type ParsedFeed struct {
	Title       string
	Link        string
	Description string
	Language    string
	HubURL      string
	Entries     []RawEntry
}
