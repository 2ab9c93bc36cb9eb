package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if limit <= 0 or current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 0 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// check-all then increment-all; returns the 1-based index of the first full window or 0.
var takeScript = redis.NewScript(`
local n = #KEYS
for i = 1, n do
  local current = tonumber(redis.call('GET', KEYS[i]) or '0')
  if current >= tonumber(ARGV[i]) then
    return i
  end
end
for i = 1, n do
  redis.call('INCR', KEYS[i])
  local ttl = tonumber(ARGV[n + i])
  if ttl > 0 then
    redis.call('PEXPIRE', KEYS[i], ttl)
  end
end
return 0
`)

// RedisSlots coordinates campaign in-flight slots across processes using Redis counters.
type RedisSlots struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSlots constructs a Redis slot limiter. ttl bounds leaked slots after a crash.
func NewRedisSlots(client *redis.Client, ttl time.Duration) *RedisSlots {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisSlots{client: client, ttl: ttl}
}

// Acquire attempts to reserve a slot for the campaign.
func (l *RedisSlots) Acquire(ctx context.Context, campaignID uuid.UUID, limit int) (bool, error) {
	res, err := acquireScript.Run(ctx, l.client, []string{slotKey(campaignID)}, limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("slots acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot.
func (l *RedisSlots) Release(ctx context.Context, campaignID uuid.UUID) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{slotKey(campaignID)}).Int(); err != nil {
		return fmt.Errorf("slots release: %w", err)
	}
	return nil
}

// InFlight reads the current slot count.
func (l *RedisSlots) InFlight(ctx context.Context, campaignID uuid.UUID) (int, error) {
	n, err := l.client.Get(ctx, slotKey(campaignID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("slots inflight: %w", err)
	}
	return n, nil
}

func slotKey(campaignID uuid.UUID) string {
	return fmt.Sprintf("outbound:campaign:%s:active", campaignID.String())
}

// RedisWindows is a WindowLimiter shared by every dispatcher process.
type RedisWindows struct {
	client *redis.Client
}

// NewRedisWindows constructs a Redis window limiter.
func NewRedisWindows(client *redis.Client) *RedisWindows {
	return &RedisWindows{client: client}
}

// Take consumes one unit from every window atomically.
func (r *RedisWindows) Take(ctx context.Context, now time.Time, windows []Window) (bool, time.Time, error) {
	if len(windows) == 0 {
		return true, time.Time{}, nil
	}
	keys := make([]string, len(windows))
	args := make([]any, 0, 2*len(windows))
	for i, w := range windows {
		keys[i] = w.Key
		args = append(args, w.Limit)
	}
	for _, w := range windows {
		ttl := w.ResetAt.Sub(now) + time.Second
		args = append(args, ttl.Milliseconds())
	}

	idx, err := takeScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("windows take: %w", err)
	}
	if idx > 0 {
		return false, windows[idx-1].ResetAt, nil
	}
	return true, time.Time{}, nil
}
