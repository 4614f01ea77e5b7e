package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"rss_relay/internal/model"
)

// KEYS[1] window hash, KEYS[2] window index set.
// ARGV window seconds, limit, reset flag, now.
var upsertScript = redis.NewScript(`
redis.call('SADD', KEYS[2], ARGV[1])
if ARGV[3] == '1' or redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'limit', ARGV[2], 'count', 0, 'start', ARGV[4])
else
  redis.call('HSET', KEYS[1], 'limit', ARGV[2])
end
return 1
`)

// KEYS[1] window hash. ARGV window seconds, now.
// Returns {allowed, remaining}.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {1, -1}
end
local limit = tonumber(redis.call('HGET', KEYS[1], 'limit'))
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
local now = tonumber(ARGV[2])
if now - start >= tonumber(ARGV[1]) then
  count = 0
  redis.call('HSET', KEYS[1], 'count', 0, 'start', now)
end
if count >= limit then
  return {0, 0}
end
count = count + 1
redis.call('HSET', KEYS[1], 'count', count)
return {1, limit - count}
`)

// RedisStore keeps windows in Redis hashes, one per (feed, window size).
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore using keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) windowKey(feedID string, windowSeconds int) string {
	return fmt.Sprintf("%s:{%s}:%d", s.prefix, feedID, windowSeconds)
}

func (s *RedisStore) indexKey(feedID string) string {
	return fmt.Sprintf("%s:{%s}:windows", s.prefix, feedID)
}

// UpsertWindow creates or reconfigures the window hash and indexes it under the feed.
func (s *RedisStore) UpsertWindow(ctx context.Context, feedID string, cfg WindowConfig, resetCount bool, now time.Time) error {
	reset := "0"
	if resetCount {
		reset = "1"
	}
	keys := []string{s.windowKey(feedID, cfg.WindowSeconds), s.indexKey(feedID)}
	if err := upsertScript.Run(ctx, s.client, keys, cfg.WindowSeconds, cfg.Limit, reset, now.Unix()).Err(); err != nil {
		return fmt.Errorf("run upsert script: %w", err)
	}
	return nil
}

// ListWindows returns the feed's windows ordered by size.
func (s *RedisStore) ListWindows(ctx context.Context, feedID string) ([]model.RateLimitWindow, error) {
	members, err := s.client.SMembers(ctx, s.indexKey(feedID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list window index: %w", err)
	}

	var windows []model.RateLimitWindow
	for _, m := range members {
		seconds, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("parse window size %q: %w", m, err)
		}
		fields, err := s.client.HGetAll(ctx, s.windowKey(feedID, seconds)).Result()
		if err != nil {
			return nil, fmt.Errorf("get window %d: %w", seconds, err)
		}
		if len(fields) == 0 {
			continue
		}
		w := model.RateLimitWindow{FeedID: feedID, WindowSeconds: seconds}
		limit, errL := strconv.Atoi(fields["limit"])
		count, errC := strconv.Atoi(fields["count"])
		start, errS := strconv.ParseInt(fields["start"], 10, 64)
		if err := errors.Join(errL, errC, errS); err != nil {
			return nil, fmt.Errorf("decode window %d: %w", seconds, err)
		}
		w.Limit, w.CurrentCount, w.WindowStart = limit, count, time.Unix(start, 0).UTC()
		windows = append(windows, w)
	}
	sortWindows(windows)
	return windows, nil
}

// ConsumeWindow runs the consume script against the window hash.
func (s *RedisStore) ConsumeWindow(ctx context.Context, feedID string, windowSeconds int, now time.Time) (Decision, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.windowKey(feedID, windowSeconds)}, windowSeconds, now.Unix()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run consume script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected consume script result %v", res)
	}
	return Decision{Allowed: res[0] == 1, Remaining: int(res[1])}, nil
}

// DeleteWindows removes every window hash of the feed and its index.
func (s *RedisStore) DeleteWindows(ctx context.Context, feedID string) error {
	members, err := s.client.SMembers(ctx, s.indexKey(feedID)).Result()
	if err != nil {
		return fmt.Errorf("list window index: %w", err)
	}
	keys := []string{s.indexKey(feedID)}
	for _, m := range members {
		seconds, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		keys = append(keys, s.windowKey(feedID, seconds))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete windows: %w", err)
	}
	return nil
}
