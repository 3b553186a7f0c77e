package ratelimit

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestRedisLimiterEleventhSendDenied(t *testing.T) {
	client := newTestRedis(t)
	clock := &fakeClock{now: t0}

	exerciseEleventhSend(t, NewRedisLimiter(client, testLimits, clock.Now), clock)
}

func TestRedisLimitersShareQuota(t *testing.T) {
	client := newTestRedis(t)
	clock := &fakeClock{now: t0}
	ctx := context.Background()

	a := NewRedisLimiter(client, testLimits, clock.Now)
	b := NewRedisLimiter(client, testLimits, clock.Now)

	for i := 0; i < 10; i++ {
		recordSend(t, a, "shared", "gmail", t0)
	}

	d, err := b.CanSend(ctx, "shared", "gmail")
	require.NoError(t, err)
	require.False(t, d.Allowed)
}

func TestRedisLimiterHolds(t *testing.T) {
	client := newTestRedis(t)
	clock := &fakeClock{now: t0}

	exerciseHolds(t, NewRedisLimiter(client, testLimits, clock.Now), clock)
}

func TestRedisLimiterConcurrentBurst(t *testing.T) {
	client := newTestRedis(t)
	clock := &fakeClock{now: t0}

	exerciseConcurrentBurst(t, NewRedisLimiter(client, testLimits, clock.Now))
}
