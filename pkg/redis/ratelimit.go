package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// QuotaDecision is the answer to one Take.
type QuotaDecision struct {
	Allowed   bool
	Remaining int64
	// RetryIn is how long until the next call under the key can succeed.
	RetryIn time.Duration
}

// Quota counts provider calls in a sliding window stored as one sorted set per key.
// A key can also be held shut, e.g. for the Retry-After of a 429.
type Quota struct {
	client *Client
	prefix string
}

func NewQuota(client *Client, prefix string) *Quota {
	if prefix == "" {
		prefix = "quota:"
	}
	return &Quota{client: client, prefix: prefix}
}

func (q *Quota) windowKey(key string) string { return q.prefix + key }
func (q *Quota) holdKey(key string) string { return q.prefix + key + ":hold" }

// KEYS: window, hold. ARGV: now ms, window ms, limit, member.
// Returns {allowed, remaining, retry ms}. A limit <= 0 only honors the hold.
var takeScript = goredis.NewScript(`
local held = redis.call("pttl", KEYS[2])
if held > 0 then
	return {0, 0, held}
end

local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
if limit <= 0 then
	return {1, 0, 0}
end

redis.call("zremrangebyscore", KEYS[1], "-inf", now - window)
local used = redis.call("zcard", KEYS[1])
if used < limit then
	redis.call("zadd", KEYS[1], now, ARGV[4])
	redis.call("pexpire", KEYS[1], window)
	return {1, limit - used - 1, 0}
end

local oldest = redis.call("zrange", KEYS[1], 0, 0, "WITHSCORES")
local retry = 0
if #oldest > 0 then
	retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// Take spends one call of limit per window under key.
func (q *Quota) Take(ctx context.Context, key string, limit int64, window time.Duration) (*QuotaDecision, error) {
	now := time.Now()
	raw, err := takeScript.Run(ctx, q.client.rdb,
		[]string{q.windowKey(key), q.holdKey(key)},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(raw) != 3 {
		return nil, fmt.Errorf("unexpected quota reply %v", raw)
	}

	return &QuotaDecision{
		Allowed:   raw[0] == 1,
		Remaining: raw[1],
		RetryIn:   time.Duration(max(raw[2], 0)) * time.Millisecond,
	}, nil
}

// Hold shuts key for d. A shorter hold never replaces a longer one.
func (q *Quota) Hold(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	ttl, err := q.client.TTL(ctx, q.holdKey(key))
	if err != nil {
		return err
	}
	if ttl >= d {
		return nil
	}
	return q.client.Set(ctx, q.holdKey(key), "1", d)
}
