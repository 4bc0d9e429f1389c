package publish

import "feedbridge/internal/domain"

// Defaults is the system-wide schedule applied to feeds not under manual
// control.
type Defaults struct {
	SchedulePeriod      int // minutes
	MaxStoriesPerPeriod int
}

// Window returns the effective rate-limit window for a feed: the manual
// schedule when the feed opts in, system defaults otherwise. A feed that
// dumps its excess never batches more than one story per cycle.
func Window(feed *domain.Feed, defaults Defaults) (periodMinutes, maxStories int) {
	periodMinutes = defaults.SchedulePeriod
	maxStories = defaults.MaxStoriesPerPeriod
	if feed.ManualControl {
		periodMinutes = feed.SchedulePeriod
		maxStories = feed.MaxStoriesPerPeriod
	}
	if feed.DumpExcessInPeriod {
		maxStories = 1
	}
	return periodMinutes, maxStories
}

// Budget computes how many entries may publish this cycle given how many
// already published inside the window. skipQueue (manual single-entry
// publish, inbound push) forces at least one slot even when the window is
// exhausted. A negative result means the feed is over quota.
func Budget(maxStories, publishedInWindow int, skipQueue bool) int {
	budget := maxStories - publishedInWindow
	if skipQueue && budget < 1 {
		budget = 1
	}
	return budget
}
