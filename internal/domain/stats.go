package domain

import "time"

// UpdateStats holds statistics about one feed update cycle.
type UpdateStats struct {
	FeedID      int64
	NotModified bool
	URLChanged  bool
	NewEntries  int
	OldEntries  int
	Published   int
	Drained     bool
	Duration    time.Duration
}
