// Package ratelimit gates per-feed delivery volume with fixed time windows.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"rss_relay/internal/model"
)

// DayWindow is the window used for the per-feed daily article cap.
const DayWindow = 86400

// Unlimited is the remaining count reported when no window is configured.
const Unlimited = -1

// WindowConfig sizes a window.
type WindowConfig struct {
	WindowSeconds int
	Limit         int
}

// Decision is the result of a consume attempt.
type Decision struct {
	Allowed   bool
	Remaining int
}

// Store persists windows. ConsumeWindow must roll an expired window forward
// and conditionally increment it in one atomic step.
type Store interface {
	UpsertWindow(ctx context.Context, feedID string, cfg WindowConfig, resetCount bool, now time.Time) error
	ListWindows(ctx context.Context, feedID string) ([]model.RateLimitWindow, error)
	ConsumeWindow(ctx context.Context, feedID string, windowSeconds int, now time.Time) (Decision, error)
	DeleteWindows(ctx context.Context, feedID string) error
}

// Limiter applies window semantics on top of a Store.
type Limiter struct {
	store Store
	now   func() time.Time
}

// New creates a Limiter.
func New(store Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// SetClock overrides the time source.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// AddOrUpdateWindow creates or reconfigures a window. With resetCurrentCount
// unset an in-progress count is preserved.
func (l *Limiter) AddOrUpdateWindow(ctx context.Context, feedID string, cfg WindowConfig, resetCurrentCount bool) error {
	if cfg.WindowSeconds <= 0 {
		return fmt.Errorf("window seconds must be positive, got %d", cfg.WindowSeconds)
	}
	if cfg.Limit < 0 {
		return fmt.Errorf("limit must not be negative, got %d", cfg.Limit)
	}
	if err := l.store.UpsertWindow(ctx, feedID, cfg, resetCurrentCount, l.now()); err != nil {
		return fmt.Errorf("upsert window: %w", err)
	}
	return nil
}

// Windows returns the feed's windows as they apply now. Expired windows are
// reported with a zero count.
func (l *Limiter) Windows(ctx context.Context, feedID string) ([]model.RateLimitWindow, error) {
	windows, err := l.store.ListWindows(ctx, feedID)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	now := l.now()
	for i, w := range windows {
		if expired(w, now) {
			windows[i].CurrentCount = 0
			windows[i].WindowStart = now
		}
	}
	return windows, nil
}

// TryConsume takes one unit from the window if any remains. A feed without
// such a window is unlimited.
func (l *Limiter) TryConsume(ctx context.Context, feedID string, windowSeconds int) (Decision, error) {
	d, err := l.store.ConsumeWindow(ctx, feedID, windowSeconds, l.now())
	if err != nil {
		return Decision{}, fmt.Errorf("consume window: %w", err)
	}
	return d, nil
}

// DeleteWindows removes every window of the feed.
func (l *Limiter) DeleteWindows(ctx context.Context, feedID string) error {
	if err := l.store.DeleteWindows(ctx, feedID); err != nil {
		return fmt.Errorf("delete windows: %w", err)
	}
	return nil
}

func expired(w model.RateLimitWindow, now time.Time) bool {
	return now.Sub(w.WindowStart) >= time.Duration(w.WindowSeconds)*time.Second
}

func sortWindows(windows []model.RateLimitWindow) {
	sort.Slice(windows, func(i, j int) bool { return windows[i].WindowSeconds < windows[j].WindowSeconds })
}
