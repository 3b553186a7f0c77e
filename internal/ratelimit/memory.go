package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vdavid/mailcore/internal/models"
)

type limiterKey struct {
	userID   string
	provider models.ProviderKind
}

// MemoryLimiter keeps send timestamps and holds in process memory.
type MemoryLimiter struct {
	limits Limits
	now    func() time.Time

	mu    sync.Mutex
	sends map[limiterKey][]time.Time
	holds map[limiterKey]map[string]time.Time
}

// NewMemoryLimiter creates a limiter with the given caps. now defaults to time.Now.
func NewMemoryLimiter(limits Limits, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		limits: limits,
		now:    now,
		sends:  make(map[limiterKey][]time.Time),
		holds:  make(map[limiterKey]map[string]time.Time),
	}
}

// CanSend implements Limiter.
func (l *MemoryLimiter) CanSend(_ context.Context, userID string, provider models.ProviderKind) (Decision, error) {
	now := l.now()
	key := limiterKey{userID, provider}

	l.mu.Lock()
	defer l.mu.Unlock()

	return decide(now, l.counted(key, now), l.limits[provider]), nil
}

// Reserve implements Limiter.
func (l *MemoryLimiter) Reserve(_ context.Context, userID string, provider models.ProviderKind) (Decision, *Hold, error) {
	now := l.now()
	key := limiterKey{userID, provider}

	l.mu.Lock()
	defer l.mu.Unlock()

	d := decide(now, l.counted(key, now), l.limits[provider])
	if !d.Allowed {
		return d, nil, nil
	}

	hold := &Hold{UserID: userID, Provider: provider, ID: uuid.NewString(), At: now}
	if l.holds[key] == nil {
		l.holds[key] = make(map[string]time.Time)
	}
	l.holds[key][hold.ID] = now
	return d, hold, nil
}

// RecordSent implements Limiter.
func (l *MemoryLimiter) RecordSent(_ context.Context, hold *Hold, at time.Time) error {
	if hold == nil {
		return nil
	}
	key := limiterKey{hold.UserID, hold.Provider}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.dropHold(key, hold.ID)
	l.prune(key, l.now())
	l.sends[key] = append(l.sends[key], at)
	return nil
}

// Release implements Limiter.
func (l *MemoryLimiter) Release(_ context.Context, hold *Hold) error {
	if hold == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.dropHold(limiterKey{hold.UserID, hold.Provider}, hold.ID)
	return nil
}

// counted returns the sends and live holds inside the longest window.
// Caller holds l.mu.
func (l *MemoryLimiter) counted(key limiterKey, now time.Time) []time.Time {
	sends := l.prune(key, now)
	holds := l.holds[key]
	if len(holds) == 0 {
		return sends
	}

	out := append(make([]time.Time, 0, len(sends)+len(holds)), sends...)
	for id, at := range holds {
		if now.Sub(at) >= HoldTTL {
			delete(holds, id)
			continue
		}
		out = append(out, at)
	}
	if len(holds) == 0 {
		delete(l.holds, key)
	}
	return out
}

// dropHold forgets a hold. Caller holds l.mu.
func (l *MemoryLimiter) dropHold(key limiterKey, id string) {
	holds := l.holds[key]
	delete(holds, id)
	if len(holds) == 0 {
		delete(l.holds, key)
	}
}

// prune drops sends older than the longest window. Caller holds l.mu.
func (l *MemoryLimiter) prune(key limiterKey, now time.Time) []time.Time {
	sends := l.sends[key]
	cutoff := now.Add(-Day)

	kept := sends[:0]
	for _, t := range sends {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) == 0 {
		delete(l.sends, key)
		return nil
	}
	l.sends[key] = kept
	return kept
}
