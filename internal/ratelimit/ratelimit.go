// Package ratelimit enforces per-user, per-provider send quotas over rolling
// hourly and daily windows.
package ratelimit

import (
	"context"
	"sort"
	"time"

	"github.com/vdavid/mailcore/internal/config"
	"github.com/vdavid/mailcore/internal/models"
)

const (
	Hour = time.Hour
	Day  = 24 * time.Hour
)

// Unlimited is reported as Remaining when no cap applies.
const Unlimited = -1

// Decision is the answer to "may this user send through this provider now".
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetAt is set when Allowed is false: the earliest time a send fits again.
	ResetAt time.Time
	// Window is the window that governs the decision.
	Window time.Duration
}

// HoldTTL bounds how long an unsettled hold counts against the quota, so a
// crashed sender cannot pin a slot forever.
const HoldTTL = 15 * time.Minute

// Hold is a send slot taken by Reserve. It counts against the quota like a
// send until it is recorded, released or older than HoldTTL.
type Hold struct {
	UserID   string
	Provider models.ProviderKind
	ID       string
	At       time.Time
}

// Limiter checks and records sends. Reserve checks and takes a slot in one
// step, so concurrent senders cannot all pass the same check. Each hold is
// settled exactly once: RecordSent when the provider accepted the message,
// Release otherwise, so a failed send never consumes quota.
type Limiter interface {
	// CanSend reports the quota without consuming it. Live holds count.
	CanSend(ctx context.Context, userID string, provider models.ProviderKind) (Decision, error)
	// Reserve returns a nil hold when the decision is a denial.
	Reserve(ctx context.Context, userID string, provider models.ProviderKind) (Decision, *Hold, error)
	RecordSent(ctx context.Context, hold *Hold, at time.Time) error
	Release(ctx context.Context, hold *Hold) error
}

// Limits maps each provider to its caps. Providers without an entry are unlimited.
type Limits map[models.ProviderKind]config.RateLimit

// decide evaluates both windows against sends (any order) at now.
// The stricter window governs: a denial beats an allowance, and between two
// denials the later reset wins.
func decide(now time.Time, sends []time.Time, limit config.RateLimit) Decision {
	sorted := append([]time.Time(nil), sends...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	d := Decision{Allowed: true, Remaining: Unlimited}
	windows := []struct {
		span time.Duration
		cap  int
	}{
		{Hour, limit.Hourly},
		{Day, limit.Daily},
	}

	for _, w := range windows {
		if w.cap <= 0 {
			continue
		}

		cutoff := now.Add(-w.span)
		first := sort.Search(len(sorted), func(i int) bool { return sorted[i].After(cutoff) })
		counted := sorted[first:]

		if len(counted) >= w.cap {
			// The send that must leave the window before one more fits.
			resetAt := counted[len(counted)-w.cap].Add(w.span)
			if d.Allowed || resetAt.After(d.ResetAt) {
				d.ResetAt = resetAt
				d.Window = w.span
			}
			d.Allowed = false
			d.Remaining = 0
			continue
		}

		remaining := w.cap - len(counted)
		if d.Allowed && (d.Remaining == Unlimited || remaining < d.Remaining) {
			d.Remaining = remaining
			d.Window = w.span
		}
	}

	return d
}
