package domain

import "time"

// FeedState describes whether a feed participates in polling and publishing.
type FeedState int

const (
	FeedStateActive      FeedState = 1
	FeedStateNeedsReauth FeedState = 2
	FeedStateInactive    FeedState = 10
)

func (s FeedState) DisplayName() string {
	switch s {
	case FeedStateActive:
		return "Active"
	case FeedStateNeedsReauth:
		return "Needs reauth"
	case FeedStateInactive:
		return "Inactive"
	}
	return "Unknown"
}

// EntryState marks an entry as visible or administratively hidden.
type EntryState int

const (
	EntryStateActive   EntryState = 1
	EntryStateInactive EntryState = 10
)

func (s EntryState) DisplayName() string {
	switch s {
	case EntryStateActive:
		return "Active"
	case EntryStateInactive:
		return "Inactive"
	}
	return "Unknown"
}

// OverflowReason records why an entry was published administratively
// instead of being dispatched downstream.
type OverflowReason int

const (
	OverflowReasonNone         OverflowReason = 0
	OverflowReasonBacklog      OverflowReason = 1
	OverflowReasonFeedOverflow OverflowReason = 2
	OverflowReasonMalformed    OverflowReason = 3
)

func (r OverflowReason) DisplayName() string {
	switch r {
	case OverflowReasonBacklog:
		return "Added from feed backlog"
	case OverflowReasonFeedOverflow:
		return "Feed backed up"
	case OverflowReasonMalformed:
		return "This item was malformed"
	}
	return "Unknown"
}

// UpdateInterval is how often a feed is polled, in minutes.
// Zero means the feed is never polled automatically.
type UpdateInterval int

const (
	UpdateIntervalNone     UpdateInterval = 0
	UpdateIntervalMinute1  UpdateInterval = 1
	UpdateIntervalMinute5  UpdateInterval = 5
	UpdateIntervalMinute15 UpdateInterval = 15
	UpdateIntervalMinute30 UpdateInterval = 30
	UpdateIntervalMinute60 UpdateInterval = 60
)

func (i UpdateInterval) Duration() time.Duration {
	return time.Duration(i) * time.Minute
}

func (i UpdateInterval) DisplayName() string {
	switch i {
	case UpdateIntervalNone:
		return "No updates"
	case UpdateIntervalMinute1:
		return "1 min"
	case UpdateIntervalMinute5:
		return "5 mins"
	case UpdateIntervalMinute15:
		return "15 mins"
	case UpdateIntervalMinute30:
		return "30 mins"
	case UpdateIntervalMinute60:
		return "60 mins"
	}
	return "Unknown"
}

// Destination identifies where an entry is dispatched downstream.
type Destination string

const (
	DestinationPost    Destination = "post"
	DestinationChannel Destination = "channel"
)
