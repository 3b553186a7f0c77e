package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vdavid/mailcore/internal/mailerr"
	"github.com/vdavid/mailcore/internal/models"
)

const (
	redisKeyPrefix     = "mailcore:ratelimit:"
	maxReserveAttempts = 50
)

// RedisLimiter keeps send timestamps in a Redis sorted set per (user, provider),
// scored by Unix milliseconds, with a second set for holds, so several server
// instances share quotas.
type RedisLimiter struct {
	client *redis.Client
	limits Limits
	now    func() time.Time
}

// NewRedisLimiter creates a limiter backed by client. now defaults to time.Now.
func NewRedisLimiter(client *redis.Client, limits Limits, now func() time.Time) *RedisLimiter {
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{client: client, limits: limits, now: now}
}

// NewRedisClient parses a redis:// URL and checks the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func redisKey(userID string, provider models.ProviderKind) string {
	return redisKeyPrefix + userID + ":" + string(provider)
}

func holdsKey(key string) string {
	return key + ":holds"
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// CanSend implements Limiter.
func (l *RedisLimiter) CanSend(ctx context.Context, userID string, provider models.ProviderKind) (Decision, error) {
	now := l.now()
	key := redisKey(userID, provider)

	counted, err := l.counted(ctx, l.client, key, now)
	if err != nil {
		return Decision{}, err
	}
	return decide(now, counted, l.limits[provider]), nil
}

// Reserve implements Limiter. The check and the hold run in one WATCH
// transaction, retried when another instance touched the same quota.
func (l *RedisLimiter) Reserve(ctx context.Context, userID string, provider models.ProviderKind) (Decision, *Hold, error) {
	key := redisKey(userID, provider)
	holds := holdsKey(key)

	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		now := l.now()
		var decision Decision
		var hold *Hold

		err := l.client.Watch(ctx, func(tx *redis.Tx) error {
			counted, err := l.counted(ctx, tx, key, now)
			if err != nil {
				return err
			}
			decision = decide(now, counted, l.limits[provider])
			if !decision.Allowed {
				return nil
			}

			h := &Hold{UserID: userID, Provider: provider, ID: uuid.NewString(), At: now}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRemRangeByScore(ctx, key, "-inf", millis(now.Add(-Day)))
				pipe.ZRemRangeByScore(ctx, holds, "-inf", millis(now.Add(-HoldTTL)))
				pipe.ZAdd(ctx, holds, redis.Z{Score: float64(now.UnixMilli()), Member: h.ID})
				pipe.Expire(ctx, holds, HoldTTL+time.Minute)
				return nil
			})
			if err != nil {
				return err
			}
			hold = h
			return nil
		}, key, holds)

		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case err != nil:
			return Decision{}, nil, mailerr.Transient(fmt.Errorf("failed to reserve send: %w", err))
		}
		return decision, hold, nil
	}
	return Decision{}, nil, mailerr.Transient(errors.New("failed to reserve send: quota under contention"))
}

// RecordSent implements Limiter.
func (l *RedisLimiter) RecordSent(ctx context.Context, hold *Hold, at time.Time) error {
	if hold == nil {
		return nil
	}
	key := redisKey(hold.UserID, hold.Provider)

	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, holdsKey(key), hold.ID)
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(at.UnixMilli()),
			Member: millis(at) + ":" + hold.ID,
		})
		pipe.Expire(ctx, key, Day+time.Hour)
		return nil
	})
	if err != nil {
		return mailerr.Transient(fmt.Errorf("failed to record send: %w", err))
	}
	return nil
}

// Release implements Limiter.
func (l *RedisLimiter) Release(ctx context.Context, hold *Hold) error {
	if hold == nil {
		return nil
	}
	if err := l.client.ZRem(ctx, holdsKey(redisKey(hold.UserID, hold.Provider)), hold.ID).Err(); err != nil {
		return mailerr.Transient(fmt.Errorf("failed to release hold: %w", err))
	}
	return nil
}

// zsetReader is satisfied by both *redis.Client and a watching *redis.Tx.
type zsetReader interface {
	ZRangeByScoreWithScores(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd
}

// counted reads the sends in the daily window and the live holds.
func (l *RedisLimiter) counted(ctx context.Context, c zsetReader, key string, now time.Time) ([]time.Time, error) {
	sends, err := c.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: "(" + millis(now.Add(-Day)),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, mailerr.Transient(fmt.Errorf("failed to read send log: %w", err))
	}
	holds, err := c.ZRangeByScoreWithScores(ctx, holdsKey(key), &redis.ZRangeBy{
		Min: "(" + millis(now.Add(-HoldTTL)),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, mailerr.Transient(fmt.Errorf("failed to read holds: %w", err))
	}

	out := make([]time.Time, 0, len(sends)+len(holds))
	for _, e := range sends {
		out = append(out, time.UnixMilli(int64(e.Score)))
	}
	for _, e := range holds {
		out = append(out, time.UnixMilli(int64(e.Score)))
	}
	return out, nil
}
