// Package process turns a parsed feed document into persisted entries:
// batched dedup against the feed's existing GUIDs, placeholder staging,
// then hydration oldest-to-newest so publish order matches chronology.
package process

import (
	"context"
	"log/slog"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/sync/errgroup"

	"feedbridge/internal/domain"
	"feedbridge/internal/metadata"
)

//go:generate mockgen -source=process.go -destination=mocks/mocks.go -package=mocks

// maxEntryAge filters out items whose published timestamp is older than
// two days, so a feed rewriting its history cannot backfill stale content.
const maxEntryAge = 48 * time.Hour

// StagedEntry is one placeholder row to claim before hydration begins.
type StagedEntry struct {
	GUID  string
	Added time.Time
}

type EntryStore interface {
	// ExistingGUIDs reports which of guids already exist under the feed,
	// in a single batched lookup.
	ExistingGUIDs(ctx context.Context, feedID int64, guids []string) (map[string]bool, error)
	// StagePlaceholders idempotently creates creating=true rows keyed by
	// (feed, guid). Racing stagers converge on the same key.
	StagePlaceholders(ctx context.Context, feedID int64, staged []StagedEntry) error
	SaveHydrated(ctx context.Context, entries []*domain.Entry) error
}

type Prober interface {
	Probe(ctx context.Context, link string) (*metadata.PageMeta, error)
}

type Options struct {
	// Overflow marks every new entry as administratively published with
	// the given reason (used when catching up a first-time backlog).
	Overflow       bool
	OverflowReason domain.OverflowReason
	// FirstTime limits full hydration to the newest few items; the rest
	// of the backlog gets lightweight hydration only.
	FirstTime bool
}

type Config struct {
	FullHydrations   int
	ProbeConcurrency int
}

type Processor struct {
	entries   EntryStore
	prober    Prober
	sanitizer *bluemonday.Policy
	logger    *slog.Logger
	cfg       Config
	nowFn     func() time.Time
}

func New(entries EntryStore, prober Prober, logger *slog.Logger, cfg Config) *Processor {
	if cfg.FullHydrations <= 0 {
		cfg.FullHydrations = 3
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = 4
	}
	return &Processor{
		entries:   entries,
		prober:    prober,
		sanitizer: bluemonday.UGCPolicy(),
		logger:    logger,
		cfg:       cfg,
		nowFn:     time.Now,
	}
}

// Run stages and hydrates the new entries of a parsed feed. It returns the
// GUIDs that were new and those already known, both in document order.
func (p *Processor) Run(ctx context.Context, feed *domain.Feed, parsed *domain.ParsedFeed, opts Options) ([]string, []string, error) {
	now := p.nowFn()
	raw := filterStale(parsed.Entries, now)
	if len(raw) == 0 {
		return nil, nil, nil
	}

	guids := make([]string, 0, len(raw))
	byGUID := make(map[string]domain.RawEntry, len(raw))
	for _, item := range raw {
		if _, dup := byGUID[item.GUID]; dup {
			continue
		}
		guids = append(guids, item.GUID)
		byGUID[item.GUID] = item
	}

	existing, err := p.entries.ExistingGUIDs(ctx, feed.ID, guids)
	if err != nil {
		return nil, nil, err
	}

	var newGUIDs, oldGUIDs []string
	for _, guid := range guids {
		if existing[guid] {
			oldGUIDs = append(oldGUIDs, guid)
		} else {
			newGUIDs = append(newGUIDs, guid)
		}
	}
	if len(newGUIDs) == 0 {
		return nil, oldGUIDs, nil
	}

	// Feeds list newest first. Staging oldest-to-newest with ascending
	// added timestamps makes later publish order chronological.
	staged := make([]StagedEntry, 0, len(newGUIDs))
	for i := len(newGUIDs) - 1; i >= 0; i-- {
		staged = append(staged, StagedEntry{
			GUID:  newGUIDs[i],
			Added: now.Add(time.Duration(len(staged)) * time.Millisecond),
		})
	}

	// Placeholders are persisted before any network-bound hydration so a
	// crash mid-hydration leaves recoverable creating=true rows, never
	// duplicates.
	if err := p.entries.StagePlaceholders(ctx, feed.ID, staged); err != nil {
		return nil, nil, err
	}

	entries := make([]*domain.Entry, len(staged))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ProbeConcurrency)

	for i, st := range staged {
		// Only the newest items need full hydration on a first fetch;
		// they are all the subscriber sees in the preview.
		fullHydration := !opts.FirstTime || i >= len(staged)-p.cfg.FullHydrations

		g.Go(func() error {
			entries[i] = p.buildEntry(gctx, feed, byGUID[st.GUID], st, opts, fullHydration)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	// Hydration ran concurrently; flipping creating=false happens in one
	// serialized batch so no reader observes a half-hydrated entry.
	if err := p.entries.SaveHydrated(ctx, entries); err != nil {
		return nil, nil, err
	}

	return newGUIDs, oldGUIDs, nil
}

func (p *Processor) buildEntry(ctx context.Context, feed *domain.Feed, item domain.RawEntry, st StagedEntry, opts Options, fullHydration bool) *domain.Entry {
	entry := &domain.Entry{
		FeedID:   feed.ID,
		GUID:     st.GUID,
		Creating: false,
		Title:    item.Title,
		Summary:  p.sanitizer.Sanitize(item.Summary),
		Link:     item.Link,
		Author:   item.Author,
		Tags:     item.Tags,
		Status:   domain.EntryStateActive,
		Added:    st.Added,
	}

	if opts.Overflow {
		entry.Published = true
		entry.Overflow = true
		entry.OverflowReason = opts.OverflowReason
	}

	if fullHydration && p.prober != nil && entry.Link != "" {
		meta, err := p.prober.Probe(ctx, entry.Link)
		if err != nil {
			p.logger.Warn("metadata probe failed",
				"feed_id", feed.ID,
				"guid", entry.GUID,
				"error", err,
			)
		} else if meta.ImageURL != "" {
			entry.ThumbnailURL = meta.ImageURL
			entry.ThumbnailWidth = meta.ImageWidth
			entry.ThumbnailHeight = meta.ImageHeight
		}
	}

	return entry
}

func filterStale(entries []domain.RawEntry, now time.Time) []domain.RawEntry {
	cutoff := now.Add(-maxEntryAge)
	filtered := make([]domain.RawEntry, 0, len(entries))
	for _, e := range entries {
		if e.PublishedAt != nil && e.PublishedAt.Before(cutoff) {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}
