package domain

import "time"

// Entry is one feed item. The GUID is the dedup key, unique within the
// parent feed. Entries are created in two phases: a bare placeholder with
// Creating set, then the hydrated row with Creating cleared. Rows still in
// the creating phase are invisible to every "latest" query.
type Entry struct {
	ID       int64  `db:"id"`
	FeedID   int64  `db:"feed_id"`
	GUID     string `db:"guid"`
	Creating bool   `db:"creating"`

	Title   string   `db:"title"`
	Summary string   `db:"summary"`
	Link    string   `db:"link"`
	Author  string   `db:"author"`
	Tags    []string `db:"-"`

	ThumbnailURL    string `db:"thumbnail_url"`
	ThumbnailWidth  int    `db:"thumbnail_width"`
	ThumbnailHeight int    `db:"thumbnail_height"`

	Published        bool           `db:"published"`
	PublishedPost    bool           `db:"published_post"`
	PublishedChannel bool           `db:"published_channel"`
	Overflow         bool           `db:"overflow"`
	OverflowReason   OverflowReason `db:"overflow_reason"`
	PublishedAt      *time.Time     `db:"published_at"`

	Status EntryState `db:"status"`
	Added  time.Time  `db:"added"`
}

// DestinationPublished reports whether this entry has been confirmed
// delivered to the given destination.
func (e *Entry) DestinationPublished(dest Destination) bool {
	switch dest {
	case DestinationPost:
		return e.PublishedPost
	case DestinationChannel:
		return e.PublishedChannel
	}
	return false
}
