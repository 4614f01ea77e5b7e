// Package scheduler publishes fetch events for configured feeds on a fixed tick.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"rss_relay/internal/broker"
	"rss_relay/internal/config"
	"rss_relay/internal/events"
)

// Scheduler periodically asks the pipeline to deliver every configured feed.
type Scheduler struct {
	pub   broker.Publisher
	feeds []events.FeedFetched
	log   *slog.Logger
	tick  time.Duration
	now   func() time.Time
}

// New builds the fetch events for feeds up front so a bad filter fails at
// startup rather than on every tick.
func New(pub broker.Publisher, feeds []config.Feed, log *slog.Logger) (*Scheduler, error) {
	evs := make([]events.FeedFetched, 0, len(feeds))
	for _, f := range feeds {
		ev, err := feedEvent(f)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", f.ID, err)
		}
		evs = append(evs, ev)
	}
	return &Scheduler{
		pub:   pub,
		feeds: evs,
		log:   log,
		tick:  10 * time.Minute,
		now:   time.Now,
	}, nil
}

// SetTickInterval overrides the default 10-minute interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// Run publishes immediately, then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.feeds) == 0 {
		return
	}
	s.publishAll(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishAll(ctx)
		}
	}
}

func (s *Scheduler) publishAll(ctx context.Context) {
	for _, ev := range s.feeds {
		if ctx.Err() != nil {
			return
		}
		ev.Timestamp = s.now().UnixMilli()
		if err := broker.PublishJSON(ctx, s.pub, events.SubjectFeedFetched, ev); err != nil {
			s.log.Error("publish feed event", "feed_id", ev.FeedID, "error", err)
			continue
		}
		s.log.Debug("published feed event", "feed_id", ev.FeedID)
	}
}

func feedEvent(f config.Feed) (events.FeedFetched, error) {
	ev := events.FeedFetched{
		FeedID:              f.ID,
		URL:                 f.URL,
		BlockingComparisons: f.BlockingComparisons,
		PassingComparisons:  f.PassingComparisons,
		FormatOptions: events.FormatOptions{
			DateFormat:   f.DateFormat,
			DateTimezone: f.DateTimezone,
		},
		DateChecks: events.DateChecks{
			OldArticleDateDiffMsThreshold: f.MaxArticleAge.Milliseconds(),
		},
		ArticleDayLimit: f.ArticleDayLimit,
	}
	for _, d := range f.Destinations {
		dest := events.Destination{ID: d.ID, Kind: d.Kind, Target: d.Target}
		if len(d.Filter) > 0 {
			raw, err := json.Marshal(d.Filter)
			if err != nil {
				return ev, fmt.Errorf("encode filter of destination %s: %w", d.ID, err)
			}
			dest.Filter = raw
		}
		ev.Destinations = append(ev.Destinations, dest)
	}
	return ev, ev.Validate()
}
