package tracking

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Windows holds the shared, time-expiring per-key state the request handlers
// need: the open-coalescing window and the per-IP burst counter. Both live in
// Redis rather than an in-process map so they stay correct when several
// server instances sit behind one tracking hostname. Lua scripts keep each
// check-and-set atomic; GET → check → INCR patterns race under a campaign
// blast.
type Windows struct {
	redis *redis.Client

	dedupScript *redis.Script
	rateScript  *redis.Script
}

// Atomically claim the coalescing slot for a message. Returns 1 when this
// request is the first inside the window.
const dedupLuaScript = `
local key = KEYS[1]
local ttl = tonumber(ARGV[1])

if redis.call("EXISTS", key) == 1 then
    return 0
end
redis.call("SET", key, "1", "PX", ttl)
return 1
`

// Count a hit against a source IP inside the current window bucket and
// return the running total.
const rateLuaScript = `
local key = KEYS[1]
local ttl = tonumber(ARGV[1])

local n = redis.call("INCR", key)
if n == 1 then
    redis.call("EXPIRE", key, ttl)
end
return n
`

func NewWindows(client *redis.Client) *Windows {
	return &Windows{
		redis:       client,
		dedupScript: redis.NewScript(dedupLuaScript),
		rateScript:  redis.NewScript(rateLuaScript),
	}
}

// NewWindowsFromURL connects to Redis and verifies the connection.
func NewWindowsFromURL(redisURL string) (*Windows, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewWindows(client), nil
}

// FirstOpenInWindow reports whether this is the first OPEN for messageID
// inside the coalescing window. The window is soft: once it expires, later
// distinct opens claim a fresh slot and are recorded again. On Redis failure
// it fails open (record the event) and logs — losing a dedup is better than
// losing the event.
func (w *Windows) FirstOpenInWindow(ctx context.Context, messageID string, window time.Duration) bool {
	key := fmt.Sprintf("tracking:dedup:open:%s", messageID)
	res, err := w.dedupScript.Run(ctx, w.redis, []string{key}, window.Milliseconds()).Int()
	if err != nil {
		log.Printf("[Windows] dedup check error (message=%s): %v", messageID, err)
		return true
	}
	return res == 1
}

// CountSourceHit bumps the burst counter for a source IP and returns the
// total inside the current window bucket, this hit included. On Redis
// failure it returns 1 so classification falls through to the other rules.
func (w *Windows) CountSourceHit(ctx context.Context, sourceIP string, window time.Duration) int {
	if sourceIP == "" {
		return 1
	}
	bucket := time.Now().Unix() / int64(window.Seconds())
	key := fmt.Sprintf("tracking:rate:%s:%d", sourceIP, bucket)
	// TTL of two windows so a bucket never expires mid-read.
	n, err := w.rateScript.Run(ctx, w.redis, []string{key}, int(window.Seconds())*2).Int()
	if err != nil {
		log.Printf("[Windows] rate counter error (ip=%s): %v", sourceIP, err)
		return 1
	}
	return n
}

// Close closes the Redis connection.
func (w *Windows) Close() error {
	return w.redis.Close()
}
