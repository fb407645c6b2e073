package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/yschiang/retry-herd-prevention/internal/model"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisReadyKey    = "herd:ready"
	redisInflightKey = "herd:inflight"
	redisDeadKey     = "herd:dead"
	redisSentKey     = "herd:sent_total"
	redisItemPrefix  = "herd:item:"
)

// claimScript pops up to limit ready items and marks them in-flight in one
// atomic step. Input: ARGV[1]=now(ms), ARGV[2]=limit, ARGV[3]=item prefix,
// ARGV[4]=in-flight status. Output: claimed ids.
var claimScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local now = ARGV[1]
local limit = tonumber(ARGV[2])
local prefix = ARGV[3]
local status = ARGV[4]

local ids = redis.call("ZRANGEBYSCORE", ready, "-inf", now, "LIMIT", 0, limit)
for _, id in ipairs(ids) do
    redis.call("ZREM", ready, id)
    redis.call("SADD", inflight, id)
    redis.call("HSET", prefix .. id, "status", status)
end
return ids
`)

// RedisStore is a WorkStore over Redis: a sorted set of ready-times plus a
// hash per item. Claiming runs server-side so concurrent dispatchers never
// double-claim.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) itemKey(id string) string {
	return redisItemPrefix + id
}

func (s *RedisStore) Enqueue(ctx context.Context, item *model.WorkItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now()
	readyAt := item.NextAttemptAt
	if readyAt.IsZero() {
		readyAt = now
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.itemKey(item.ID), map[string]any{
		"payload":         item.Payload,
		"status":          model.StatusPending,
		"attempt":         item.Attempt,
		"next_attempt_at": readyAt.UnixMilli(),
		"trace_id":        item.TraceID,
		"created_at":      now.UnixMilli(),
	})
	pipe.ZAdd(ctx, redisReadyKey, redis.Z{Score: float64(readyAt.UnixMilli()), Member: item.ID})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	return nil
}

func (s *RedisStore) Claim(ctx context.Context, limit int) ([]model.WorkItem, error) {
	res, err := claimScript.Run(ctx, s.rdb,
		[]string{redisReadyKey, redisInflightKey},
		time.Now().UnixMilli(), limit, redisItemPrefix, model.StatusInFlight,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis claim: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(res))
	for i, id := range res {
		cmds[i] = pipe.HGetAll(ctx, s.itemKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis claim fetch: %w", err)
	}

	items := make([]model.WorkItem, 0, len(res))
	for i, id := range res {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		items = append(items, s.itemFromHash(id, fields))
	}
	return items, nil
}

func (s *RedisStore) itemFromHash(id string, fields map[string]string) model.WorkItem {
	attempt, _ := strconv.Atoi(fields["attempt"])
	nextMs, _ := strconv.ParseInt(fields["next_attempt_at"], 10, 64)
	createdMs, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	return model.WorkItem{
		ID:            id,
		Payload:       fields["payload"],
		Status:        model.StatusInFlight,
		Attempt:       attempt,
		NextAttemptAt: time.UnixMilli(nextMs),
		TraceID:       fields["trace_id"],
		LastError:     fields["last_error"],
		CreatedAt:     time.UnixMilli(createdMs),
	}
}

func (s *RedisStore) MarkSent(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, redisInflightKey, id)
	pipe.HSet(ctx, s.itemKey(id), "status", model.StatusSent)
	pipe.Incr(ctx, redisSentKey)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis mark sent: %w", err)
	}
	return nil
}

func (s *RedisStore) ScheduleRetry(ctx context.Context, id string, attempt int, delay time.Duration) error {
	readyAt := time.Now().Add(delay)
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, redisInflightKey, id)
	pipe.HSet(ctx, s.itemKey(id),
		"status", model.StatusFailed,
		"attempt", attempt,
		"next_attempt_at", readyAt.UnixMilli(),
	)
	pipe.ZAdd(ctx, redisReadyKey, redis.Z{Score: float64(readyAt.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis schedule retry: %w", err)
	}
	return nil
}

func (s *RedisStore) MoveToDeadLetter(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, redisInflightKey, id)
	pipe.HSet(ctx, s.itemKey(id), "status", model.StatusDeadLettered)
	pipe.SAdd(ctx, redisDeadKey, id)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis move to dead letter: %w", err)
	}
	return nil
}

func (s *RedisStore) AllTerminal(ctx context.Context) (bool, error) {
	pipe := s.rdb.Pipeline()
	ready := pipe.ZCard(ctx, redisReadyKey)
	inflight := pipe.SCard(ctx, redisInflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return ready.Val() == 0 && inflight.Val() == 0, nil
}

func (s *RedisStore) QueueDepth(ctx context.Context) (int64, error) {
	return s.rdb.ZCount(ctx, redisReadyKey, "-inf",
		strconv.FormatInt(time.Now().UnixMilli(), 10)).Result()
}

func (s *RedisStore) Counts(ctx context.Context) (model.StatusCounts, error) {
	var c model.StatusCounts

	ids, err := s.rdb.ZRange(ctx, redisReadyKey, 0, -1).Result()
	if err != nil {
		return c, err
	}
	if len(ids) > 0 {
		pipe := s.rdb.Pipeline()
		cmds := make([]*redis.StringCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, s.itemKey(id), "status")
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return c, err
		}
		for _, cmd := range cmds {
			switch st, _ := strconv.Atoi(cmd.Val()); st {
			case model.StatusFailed:
				c.Failed++
			default:
				c.Pending++
			}
		}
	}

	inflight, err := s.rdb.SCard(ctx, redisInflightKey).Result()
	if err != nil {
		return c, err
	}
	c.InFlight = inflight

	dead, err := s.rdb.SCard(ctx, redisDeadKey).Result()
	if err != nil {
		return c, err
	}
	c.DeadLettered = dead

	sent, err := s.rdb.Get(ctx, redisSentKey).Int64()
	if err != nil && err != redis.Nil {
		return c, err
	}
	c.Sent = sent
	return c, nil
}

func (s *RedisStore) ListDeadLetters(ctx context.Context, limit int) ([]model.WorkItem, error) {
	ids, err := s.rdb.SRandMemberN(ctx, redisDeadKey, int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	items := make([]model.WorkItem, 0, len(ids))
	for _, id := range ids {
		fields, err := s.rdb.HGetAll(ctx, s.itemKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		it := s.itemFromHash(id, fields)
		it.Status = model.StatusDeadLettered
		items = append(items, it)
	}
	return items, nil
}

func (s *RedisStore) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	ids, err := s.rdb.SRandMemberN(ctx, redisDeadKey, int64(limit)).Result()
	if err != nil {
		return 0, err
	}
	now := time.Now()
	moved := 0
	for _, id := range ids {
		pipe := s.rdb.TxPipeline()
		pipe.SRem(ctx, redisDeadKey, id)
		pipe.HSet(ctx, s.itemKey(id),
			"status", model.StatusPending,
			"attempt", 0,
			"next_attempt_at", now.UnixMilli(),
		)
		pipe.ZAdd(ctx, redisReadyKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}
