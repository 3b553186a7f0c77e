package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailcore/internal/config"
	"github.com/vdavid/mailcore/internal/models"
)

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func minutes(n ...int) []time.Time {
	out := make([]time.Time, len(n))
	for i, m := range n {
		out[i] = t0.Add(time.Duration(m) * time.Minute)
	}
	return out
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name      string
		now       time.Time
		sends     []time.Time
		limit     config.RateLimit
		allowed   bool
		remaining int
		resetAt   time.Time
		window    time.Duration
	}{
		{
			name:      "no caps",
			now:       t0,
			sends:     minutes(0, 1, 2),
			limit:     config.RateLimit{},
			allowed:   true,
			remaining: Unlimited,
		},
		{
			name:      "under hourly cap",
			now:       t0.Add(10 * time.Minute),
			sends:     minutes(0, 5),
			limit:     config.RateLimit{Hourly: 3, Daily: 100},
			allowed:   true,
			remaining: 1,
			window:    Hour,
		},
		{
			name:    "hourly cap reached",
			now:     t0.Add(10 * time.Minute),
			sends:   minutes(5, 0, 7),
			limit:   config.RateLimit{Hourly: 3, Daily: 100},
			allowed: false,
			resetAt: t0.Add(time.Hour),
			window:  Hour,
		},
		{
			name:      "old sends leave the hourly window",
			now:       t0.Add(90 * time.Minute),
			sends:     minutes(0, 5, 7),
			limit:     config.RateLimit{Hourly: 3, Daily: 100},
			allowed:   true,
			remaining: 3,
			window:    Hour,
		},
		{
			name:    "daily cap governs when stricter",
			now:     t0.Add(5 * time.Hour),
			sends:   minutes(0, 60, 120, 180),
			limit:   config.RateLimit{Hourly: 10, Daily: 4},
			allowed: false,
			resetAt: t0.Add(Day),
			window:  Day,
		},
		{
			name:    "over the cap resets when enough sends expire",
			now:     t0.Add(30 * time.Minute),
			sends:   minutes(0, 10, 20),
			limit:   config.RateLimit{Hourly: 2},
			allowed: false,
			resetAt: t0.Add(10*time.Minute + time.Hour),
			window:  Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decide(tt.now, tt.sends, tt.limit)
			assert.Equal(t, tt.allowed, d.Allowed)
			if tt.allowed {
				assert.Equal(t, tt.remaining, d.Remaining)
				assert.True(t, d.ResetAt.IsZero())
			} else {
				assert.Equal(t, 0, d.Remaining)
				assert.True(t, tt.resetAt.Equal(d.ResetAt), "want %s, got %s", tt.resetAt, d.ResetAt)
			}
			if tt.window != 0 {
				assert.Equal(t, tt.window, d.Window)
			}
		})
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// recordSend takes a hold and records it as a send at.
func recordSend(t *testing.T, l Limiter, userID string, provider models.ProviderKind, at time.Time) {
	t.Helper()
	ctx := context.Background()
	d, hold, err := l.Reserve(ctx, userID, provider)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NoError(t, l.RecordSent(ctx, hold, at))
}

// exerciseEleventhSend records ten sends one minute apart under an hourly cap
// of ten, then checks the eleventh is denied until ResetAt.
func exerciseEleventhSend(t *testing.T, l Limiter, clock *fakeClock) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		clock.Set(t0.Add(time.Duration(i) * time.Minute))
		d, hold, err := l.Reserve(ctx, "user-1", models.ProviderGmail)
		require.NoError(t, err)
		require.True(t, d.Allowed, "send %d", i+1)
		require.NotNil(t, hold)
		require.NoError(t, l.RecordSent(ctx, hold, clock.Now()))
	}

	clock.Set(t0.Add(10 * time.Minute))
	d, err := l.CanSend(ctx, "user-1", models.ProviderGmail)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	denied, hold, err := l.Reserve(ctx, "user-1", models.ProviderGmail)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Nil(t, hold, "a denial takes no slot")
	assert.True(t, t0.Add(time.Hour).Equal(d.ResetAt), "reset at %s", d.ResetAt)

	other, err := l.CanSend(ctx, "user-2", models.ProviderGmail)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "quotas are per user")

	otherProvider, err := l.CanSend(ctx, "user-1", models.ProviderSMTP)
	require.NoError(t, err)
	assert.True(t, otherProvider.Allowed, "quotas are per provider")

	clock.Set(d.ResetAt)
	d, err = l.CanSend(ctx, "user-1", models.ProviderGmail)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

var testLimits = Limits{models.ProviderGmail: {Hourly: 10, Daily: 100}}

func TestMemoryLimiterEleventhSendDenied(t *testing.T) {
	clock := &fakeClock{now: t0}
	exerciseEleventhSend(t, NewMemoryLimiter(testLimits, clock.Now), clock)
}

func TestMemoryLimiterPrunesOldEntries(t *testing.T) {
	clock := &fakeClock{now: t0}
	l := NewMemoryLimiter(testLimits, clock.Now)
	ctx := context.Background()

	recordSend(t, l, "u", models.ProviderGmail, t0)
	clock.Set(t0.Add(Day + time.Minute))

	_, err := l.CanSend(ctx, "u", models.ProviderGmail)
	require.NoError(t, err)
	assert.Empty(t, l.sends)
	assert.Empty(t, l.holds)
}

func TestMemoryLimiterConcurrentRecords(t *testing.T) {
	l := NewMemoryLimiter(Limits{models.ProviderSMTP: {Hourly: 1000}}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, hold, err := l.Reserve(ctx, "u", models.ProviderSMTP)
			if assert.NoError(t, err) {
				_ = l.RecordSent(ctx, hold, time.Now())
			}
		}()
	}
	wg.Wait()

	d, err := l.CanSend(ctx, "u", models.ProviderSMTP)
	require.NoError(t, err)
	assert.Equal(t, 950, d.Remaining)
}

// exerciseHolds checks that holds count against the quota until they are
// recorded or released.
func exerciseHolds(t *testing.T, l Limiter, clock *fakeClock) {
	t.Helper()
	ctx := context.Background()

	holds := make([]*Hold, 0, 10)
	for i := 0; i < 10; i++ {
		d, hold, err := l.Reserve(ctx, "user-1", models.ProviderGmail)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		holds = append(holds, hold)
	}

	d, err := l.CanSend(ctx, "user-1", models.ProviderGmail)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "ten unsettled holds fill an hourly cap of ten")

	require.NoError(t, l.Release(ctx, holds[0]))
	require.NoError(t, l.RecordSent(ctx, holds[1], clock.Now()))

	d, err = l.CanSend(ctx, "user-1", models.ProviderGmail)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a released hold frees its slot")
	assert.Equal(t, 1, d.Remaining)

	clock.Set(clock.Now().Add(HoldTTL))
	d, err = l.CanSend(ctx, "user-1", models.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, 9, d.Remaining, "stale holds stop counting, recorded sends stay")
}

// exerciseConcurrentBurst fires more reservations than the cap allows at once.
func exerciseConcurrentBurst(t *testing.T, l Limiter) {
	t.Helper()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, hold, err := l.Reserve(ctx, "burst", models.ProviderGmail)
			if !assert.NoError(t, err) || !d.Allowed {
				return
			}
			mu.Lock()
			granted++
			mu.Unlock()
			assert.NoError(t, l.RecordSent(ctx, hold, t0))
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
}

func TestMemoryLimiterHolds(t *testing.T) {
	clock := &fakeClock{now: t0}
	exerciseHolds(t, NewMemoryLimiter(testLimits, clock.Now), clock)
}

func TestMemoryLimiterConcurrentBurst(t *testing.T) {
	clock := &fakeClock{now: t0}
	exerciseConcurrentBurst(t, NewMemoryLimiter(testLimits, clock.Now))
}

func TestMemoryLimiterSettlingNilHold(t *testing.T) {
	l := NewMemoryLimiter(testLimits, nil)
	assert.NoError(t, l.RecordSent(context.Background(), nil, t0))
	assert.NoError(t, l.Release(context.Background(), nil))
}
