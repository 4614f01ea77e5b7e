package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rss_relay/internal/model"
	"rss_relay/internal/ratelimit"
)

// UpsertWindow creates or reconfigures a window, keeping its count unless resetCount is set.
func (q *queries) UpsertWindow(ctx context.Context, feedID string, cfg ratelimit.WindowConfig, resetCount bool, now time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO rate_limit_windows (feed_id, window_seconds, limit_count, current_count, window_start)
		 VALUES (?1, ?2, ?3, 0, ?4)
		 ON CONFLICT (feed_id, window_seconds) DO UPDATE SET
		   limit_count   = excluded.limit_count,
		   current_count = CASE WHEN ?5 THEN 0 ELSE current_count END,
		   window_start  = CASE WHEN ?5 THEN excluded.window_start ELSE window_start END`,
		feedID, cfg.WindowSeconds, cfg.Limit, now.Unix(), resetCount,
	)
	if err != nil {
		return fmt.Errorf("upsert window: %w", err)
	}
	return nil
}

// ListWindows returns the feed's windows ordered by size.
func (q *queries) ListWindows(ctx context.Context, feedID string) ([]model.RateLimitWindow, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT window_seconds, limit_count, current_count, window_start
		 FROM rate_limit_windows WHERE feed_id = ? ORDER BY window_seconds`, feedID,
	)
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var windows []model.RateLimitWindow
	for rows.Next() {
		w := model.RateLimitWindow{FeedID: feedID}
		var start int64
		if err := rows.Scan(&w.WindowSeconds, &w.Limit, &w.CurrentCount, &start); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		w.WindowStart = time.Unix(start, 0).UTC()
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// ConsumeWindow rolls an expired window forward and increments it in a single
// statement, so concurrent callers cannot both pass the limit.
func (q *queries) ConsumeWindow(ctx context.Context, feedID string, windowSeconds int, now time.Time) (ratelimit.Decision, error) {
	var remaining int
	err := q.db.QueryRowContext(ctx,
		`UPDATE rate_limit_windows SET
		   current_count = CASE WHEN ?1 - window_start >= window_seconds THEN 1 ELSE current_count + 1 END,
		   window_start  = CASE WHEN ?1 - window_start >= window_seconds THEN ?1 ELSE window_start END
		 WHERE feed_id = ?2 AND window_seconds = ?3
		   AND (CASE WHEN ?1 - window_start >= window_seconds THEN 0 ELSE current_count END) < limit_count
		 RETURNING limit_count - current_count`,
		now.Unix(), feedID, windowSeconds,
	).Scan(&remaining)
	if err == nil {
		return ratelimit.Decision{Allowed: true, Remaining: remaining}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ratelimit.Decision{}, fmt.Errorf("consume window: %w", err)
	}

	var exists int
	err = q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limit_windows WHERE feed_id = ? AND window_seconds = ?`,
		feedID, windowSeconds,
	).Scan(&exists)
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("check window: %w", err)
	}
	if exists == 0 {
		return ratelimit.Decision{Allowed: true, Remaining: ratelimit.Unlimited}, nil
	}
	return ratelimit.Decision{Allowed: false, Remaining: 0}, nil
}

// DeleteWindows removes every window of the feed.
func (q *queries) DeleteWindows(ctx context.Context, feedID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM rate_limit_windows WHERE feed_id = ?`, feedID); err != nil {
		return fmt.Errorf("delete windows: %w", err)
	}
	return nil
}
