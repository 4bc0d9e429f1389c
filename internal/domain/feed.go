package domain

import "time"

// Default publishing schedule used when a feed is not under manual control.
const (
	DefaultSchedulePeriod      = 15 // minutes
	DefaultMaxStoriesPerPeriod = 2
)

// Account owns feeds and holds the downstream API credential.
type Account struct {
	ID          int64     `db:"id"`
	AccessToken string    `db:"access_token"`
	CreatedAt   time.Time `db:"created_at"`
}

// Feed is one subscribed source. A feed belongs to exactly one account and
// the (account_id, feed_url) pair is unique.
type Feed struct {
	ID        int64  `db:"id"`
	AccountID int64  `db:"account_id"`
	FeedURL   string `db:"feed_url"`

	// Link is a semantic thing, whereas FeedURL is a technical thing.
	Link        string `db:"link"`
	Title       string `db:"title"`
	Description string `db:"description"`
	Language    string `db:"language"`

	UpdateInterval UpdateInterval `db:"update_interval"`
	NextPollAt     time.Time      `db:"next_poll_at"`

	// Publishing schedule. Defaults apply unless ManualControl is set.
	ManualControl       bool `db:"manual_control"`
	SchedulePeriod      int  `db:"schedule_period"` // minutes
	MaxStoriesPerPeriod int  `db:"max_stories_per_period"`
	DumpExcessInPeriod  bool `db:"dump_excess_in_period"`

	Status FeedState `db:"status"`

	ETag            string `db:"etag"`
	LastContentHash string `db:"last_content_hash"`

	Hub             string `db:"hub"`
	SubscribedAtHub bool   `db:"subscribed_at_hub"`
	VerifyToken     string `db:"verify_token"`
	HubSecret       string `db:"hub_secret"`

	ChannelID       *int64 `db:"channel_id"`
	PublishToStream bool   `db:"publish_to_stream"`

	// IsDirty is true while the feed may have an unpublished backlog.
	IsDirty bool `db:"is_dirty"`

	// Error tracking. InitialError is the start of the current failure
	// window; two days of continuous failure disables the feed.
	InitialError        *time.Time `db:"initial_error"`
	Disabled            bool       `db:"disabled"`
	LastSuccessfulFetch *time.Time `db:"last_successful_fetch"`

	Added     time.Time `db:"added"`
	UpdatedAt time.Time `db:"updated_at"`

	// FirstTime is set on the very first fetch after subscribe and never
	// persisted; it switches on backlog handling and light hydration.
	FirstTime bool `db:"-"`
}

// Destinations lists where entries of this feed are dispatched. A feed with
// a channel binding posts to the channel, and to the public stream as well
// only when PublishToStream is set. A feed without a channel always posts
// to the stream.
func (f *Feed) Destinations() []Destination {
	var dests []Destination
	if f.PublishToStream || f.ChannelID == nil {
		dests = append(dests, DestinationPost)
	}
	if f.ChannelID != nil {
		dests = append(dests, DestinationChannel)
	}
	return dests
}

// EffectiveTitle falls back to the link and then the fetch URL, so a feed
// is never displayed without a name.
func (f *Feed) EffectiveTitle() string {
	if f.Title != "" {
		return f.Title
	}
	if f.Link != "" {
		return f.Link
	}
	return f.FeedURL
}

func (f *Feed) EffectiveLink() string {
	if f.Link != "" {
		return f.Link
	}
	return f.FeedURL
}
