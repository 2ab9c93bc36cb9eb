package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/acme/outbound-dispatch/internal/domain"
)

// KEYS: state, payload, ready. ARGV: id, json.
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], 'waiting')
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

// KEYS: state, payload, ready, delayed, inflight. ARGV: now ms, promote limit.
var dequeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[4], id)
  redis.call('RPUSH', KEYS[3], id)
  redis.call('HSET', KEYS[1], id, 'waiting')
end
local id = redis.call('LPOP', KEYS[3])
if not id then
  return false
end
redis.call('HSET', KEYS[1], id, 'inflight')
redis.call('SADD', KEYS[5], id)
return redis.call('HGET', KEYS[2], id)
`)

// KEYS: state, payload, delayed, inflight. ARGV: id, json, at ms.
var delayScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], ARGV[1])
if st == 'waiting' or st == 'delayed' then
  return 0
end
redis.call('SREM', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], 'delayed')
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// KEYS: state, payload, inflight. ARGV: id.
var doneScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= 'inflight' then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
return 1
`)

// KEYS: state, ready, inflight.
var recoverScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[3])
for _, id in ipairs(ids) do
  redis.call('SREM', KEYS[3], id)
  redis.call('LPUSH', KEYS[2], id)
  redis.call('HSET', KEYS[1], id, 'waiting')
end
return #ids
`)

// RedisQueue is a durable LeadQueue. All keys of one campaign share a hash tag.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	promoteLimit int
}

// NewRedisQueue constructs a Redis-backed queue.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "outbound:queue"
	}
	return &RedisQueue{client: client, prefix: prefix, promoteLimit: 100}
}

type campaignKeys struct {
	state, payload, ready, delayed, inflight string
}

func (q *RedisQueue) keys(campaignID uuid.UUID) campaignKeys {
	base := fmt.Sprintf("%s:{%s}", q.prefix, campaignID.String())
	return campaignKeys{
		state:    base + ":state",
		payload:  base + ":payload",
		ready:    base + ":ready",
		delayed:  base + ":delayed",
		inflight: base + ":inflight",
	}
}

// Enqueue appends the lead unless it is already tracked.
func (q *RedisQueue) Enqueue(ctx context.Context, lead domain.Lead) (bool, error) {
	body, err := json.Marshal(lead)
	if err != nil {
		return false, fmt.Errorf("redis queue: marshal lead: %w", err)
	}
	k := q.keys(lead.CampaignID)
	n, err := enqueueScript.Run(ctx, q.client, []string{k.state, k.payload, k.ready}, lead.ID.String(), body).Int()
	if err != nil {
		return false, fmt.Errorf("redis queue: enqueue: %w", err)
	}
	return n == 1, nil
}

// Dequeue promotes due delayed leads and pops the head.
func (q *RedisQueue) Dequeue(ctx context.Context, campaignID uuid.UUID, now time.Time) (domain.Lead, bool, error) {
	k := q.keys(campaignID)
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{k.state, k.payload, k.ready, k.delayed, k.inflight},
		now.UnixMilli(), q.promoteLimit,
	).Text()
	if err == redis.Nil {
		return domain.Lead{}, false, nil
	}
	if err != nil {
		return domain.Lead{}, false, fmt.Errorf("redis queue: dequeue: %w", err)
	}

	var lead domain.Lead
	if err := json.Unmarshal([]byte(res), &lead); err != nil {
		return domain.Lead{}, false, fmt.Errorf("redis queue: decode lead: %w", err)
	}
	return lead, true, nil
}

// ReenqueueDelayed parks the lead until at.
func (q *RedisQueue) ReenqueueDelayed(ctx context.Context, lead domain.Lead, at time.Time) error {
	body, err := json.Marshal(lead)
	if err != nil {
		return fmt.Errorf("redis queue: marshal lead: %w", err)
	}
	k := q.keys(lead.CampaignID)
	if err := delayScript.Run(ctx, q.client,
		[]string{k.state, k.payload, k.delayed, k.inflight},
		lead.ID.String(), body, at.UnixMilli(),
	).Err(); err != nil {
		return fmt.Errorf("redis queue: delay: %w", err)
	}
	return nil
}

// Done forgets an in-flight lead.
func (q *RedisQueue) Done(ctx context.Context, lead domain.Lead) error {
	k := q.keys(lead.CampaignID)
	if err := doneScript.Run(ctx, q.client, []string{k.state, k.payload, k.inflight}, lead.ID.String()).Err(); err != nil {
		return fmt.Errorf("redis queue: done: %w", err)
	}
	return nil
}

// Stats reads the campaign counters in one pipeline.
func (q *RedisQueue) Stats(ctx context.Context, campaignID uuid.UUID, now time.Time) (Stats, error) {
	k := q.keys(campaignID)
	nowScore := strconv.FormatInt(now.UnixMilli(), 10)

	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, k.ready)
	due := pipe.ZCount(ctx, k.delayed, "-inf", nowScore)
	delayed := pipe.ZCard(ctx, k.delayed)
	inflight := pipe.SCard(ctx, k.inflight)
	head := pipe.ZRangeWithScores(ctx, k.delayed, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("redis queue: stats: %w", err)
	}

	s := Stats{
		Waiting:  int(ready.Val() + due.Val()),
		Delayed:  int(delayed.Val() - due.Val()),
		InFlight: int(inflight.Val()),
	}
	if zs := head.Val(); len(zs) > 0 {
		next := time.UnixMilli(int64(zs[0].Score)).UTC()
		s.NextDueAt = &next
	}
	return s, nil
}

// RecoverInFlight puts leads orphaned by a crashed process back at the head.
func (q *RedisQueue) RecoverInFlight(ctx context.Context, campaignID uuid.UUID) (int, error) {
	k := q.keys(campaignID)
	n, err := recoverScript.Run(ctx, q.client, []string{k.state, k.ready, k.inflight}).Int()
	if err != nil {
		return 0, fmt.Errorf("redis queue: recover: %w", err)
	}
	return n, nil
}
