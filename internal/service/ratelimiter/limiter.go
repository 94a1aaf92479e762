// Package ratelimiter enforces per-principal request rates and daily quotas
// using fixed windows backed by Redis counters.
package ratelimiter

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/comfy-queue/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

// RoleQuota is the allowance attached to a role. Zero means unlimited for
// PerMinute, Daily, and Concurrent; MaxBatch is always positive.
type RoleQuota struct {
	PerMinute  int
	Daily      int
	Concurrent int
	MaxBatch   int
}

var quotas = map[string]RoleQuota{
	domain.RoleFree:     {PerMinute: 5, Daily: 10, Concurrent: 1, MaxBatch: 1},
	domain.RolePro:      {PerMinute: 20, Daily: 100, Concurrent: 3, MaxBatch: 4},
	domain.RoleInternal: {MaxBatch: 8},
}

// QuotaFor returns the quota for role; unknown roles get the free tier.
func QuotaFor(role string) RoleQuota {
	if q, ok := quotas[role]; ok {
		return q
	}
	return quotas[domain.RoleFree]
}

// Decision is the outcome of one counter check, carrying everything the HTTP
// layer needs for X-RateLimit-* and Retry-After headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

func unlimited() Decision {
	return Decision{Allowed: true}
}

// Limiter counts submissions per principal in fixed windows. Redis failures
// fail open: a limiter outage must not take the API down with it.
type Limiter struct {
	kv      *rediskv.Client
	prefix  string
	window  time.Duration
	enabled bool
}

func New(kv *rediskv.Client, prefix string, window time.Duration, enabled bool) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{kv: kv, prefix: prefix, window: window, enabled: enabled}
}

// AllowRequest consumes one slot of owner's per-window allowance.
func (l *Limiter) AllowRequest(ctx domain.Context, owner, role string) Decision {
	q := QuotaFor(role)
	if !l.enabled || q.PerMinute <= 0 {
		return unlimited()
	}

	now := time.Now()
	windowStart := now.Truncate(l.window)
	reset := windowStart.Add(l.window)
	key := fmt.Sprintf("%s:rl:%s:%d", l.prefix, owner, windowStart.Unix())

	count, err := l.kv.IncrWithTTL(ctx, key, l.window+time.Second)
	if err != nil {
		slog.Error("rate limiter counter error", slog.String("owner", owner), slog.Any("error", err))
		return unlimited()
	}

	d := Decision{
		Allowed:   count <= int64(q.PerMinute),
		Limit:     q.PerMinute,
		Remaining: q.PerMinute - int(count),
		Reset:     reset,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = reset.Sub(now)
	}
	return d
}

// ConsumeDaily consumes one slot of owner's daily allowance. The day boundary
// is UTC midnight.
func (l *Limiter) ConsumeDaily(ctx domain.Context, owner, role string) Decision {
	q := QuotaFor(role)
	if !l.enabled || q.Daily <= 0 {
		return unlimited()
	}

	now := time.Now().UTC()
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	key := fmt.Sprintf("%s:quota:%s:%s", l.prefix, owner, now.Format("20060102"))

	count, err := l.kv.IncrWithTTL(ctx, key, midnight.Sub(now)+time.Second)
	if err != nil {
		slog.Error("daily quota counter error", slog.String("owner", owner), slog.Any("error", err))
		return unlimited()
	}

	d := Decision{
		Allowed:   count <= int64(q.Daily),
		Limit:     q.Daily,
		Remaining: q.Daily - int(count),
		Reset:     midnight,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = midnight.Sub(now)
	}
	return d
}
