// Package ratelimit admits or rejects partner requests against four
// concurrent sliding windows (minute, hour, day, burst).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/partner-gateway/internal/config"
	"github.com/jmehdipour/partner-gateway/internal/logger"
	"github.com/jmehdipour/partner-gateway/internal/metrics"
	"github.com/jmehdipour/partner-gateway/internal/model"
)

type Window int

const (
	Minute Window = iota
	Hour
	Day
	Burst

	numWindows = 4
)

// Windows is the fixed evaluation order; the first failing window governs a rejection.
var Windows = [numWindows]Window{Minute, Hour, Day, Burst}

func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	case Burst:
		return "burst"
	default:
		return "unknown"
	}
}

func (w Window) Duration() time.Duration {
	switch w {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	case Burst:
		return 10 * time.Second
	default:
		return 0
	}
}

// DefaultOverrideLimit is reported for override traffic that declares no limit.
const DefaultOverrideLimit = 1_000_000

// Limits holds one limit per window, indexed by Window.
type Limits [numWindows]int

func DefaultLimits() Limits {
	return Limits{Minute: 1000, Hour: 10000, Day: 100000, Burst: 50}
}

func LimitsFromConfig(c config.WindowLimits) Limits {
	l := DefaultLimits()
	for w, v := range [numWindows]int{Minute: c.Minute, Hour: c.Hour, Day: c.Day, Burst: c.Burst} {
		if v > 0 {
			l[w] = v
		}
	}
	return l
}

// Merge replaces defaults with the key's positive per-window overrides.
func (l Limits) Merge(o model.RateLimitOverrides) Limits {
	for w, v := range [numWindows]int{Minute: o.PerMinute, Hour: o.PerHour, Day: o.PerDay, Burst: o.Burst} {
		if v > 0 {
			l[w] = v
		}
	}
	return l
}

// Override marks trusted traffic that skips every window.
type Override struct {
	Limit int // 0 means DefaultOverrideLimit
}

type Request struct {
	PartnerID string
	KeyID     string
	IP        string
	Endpoint  string
	Limits    *model.RateLimitOverrides
	Override  *Override
}

func (r Request) bucket() string { return r.PartnerID + ":" + r.KeyID }

// WindowState is one window's view after a decision.
type WindowState struct {
	Window    Window
	Limit     int
	Current   int
	Remaining int
	Reset     time.Time
}

// Result is the decision plus the governing window's snapshot. On rejection
// the governing window is the first failing one; on admission it is the one
// with the least remaining capacity.
type Result struct {
	Allowed    bool
	Window     Window
	Limit      int
	Current    int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
	Override   bool
	Degraded   bool
	Windows    [numWindows]WindowState
}

// Store performs the atomic check-all-then-append for one bucket.
type Store interface {
	Check(ctx context.Context, bucket string, now time.Time, limits Limits) (Result, error)
}

type Limiter struct {
	store    Store
	defaults Limits
	now      func() time.Time
	log      *zap.Logger
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

func WithLogger(lg *zap.Logger) Option { return func(l *Limiter) { l.log = logger.OrNop(lg) } }

func New(store Store, defaults Limits, opts ...Option) *Limiter {
	l := &Limiter{store: store, defaults: defaults, now: time.Now, log: zap.NewNop()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow never returns an error: limiter faults admit the request and are
// logged as degradation.
func (l *Limiter) Allow(ctx context.Context, req Request) (res Result) {
	now := l.now()

	if req.Override != nil || (req.Limits != nil && req.Limits.Unlimited) {
		limit := DefaultOverrideLimit
		if req.Override != nil && req.Override.Limit > 0 {
			limit = req.Override.Limit
		}
		metrics.RateLimitTotal.WithLabelValues("override", "none").Inc()
		return Result{
			Allowed:   true,
			Override:  true,
			Limit:     limit,
			Remaining: limit,
			Reset:     now.Add(Minute.Duration()),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			res = l.degraded(req, now, fmt.Errorf("panic: %v", r))
		}
	}()

	limits := l.defaults
	if req.Limits != nil {
		limits = limits.Merge(*req.Limits)
	}

	res, err := l.store.Check(ctx, req.bucket(), now, limits)
	if err != nil {
		return l.degraded(req, now, err)
	}

	if res.Allowed {
		metrics.RateLimitTotal.WithLabelValues("allowed", res.Window.String()).Inc()
	} else {
		metrics.RateLimitTotal.WithLabelValues("rejected", res.Window.String()).Inc()
		l.log.Warn("rate limit exceeded",
			zap.String("partner_id", req.PartnerID),
			zap.String("key_id", req.KeyID),
			zap.String("ip", req.IP),
			zap.String("endpoint", req.Endpoint),
			zap.String("window", res.Window.String()),
			zap.Int("limit", res.Limit),
			zap.Int("current", res.Current),
		)
	}
	return res
}

func (l *Limiter) degraded(req Request, now time.Time, err error) Result {
	metrics.RateLimitTotal.WithLabelValues("degraded", "none").Inc()
	l.log.Error("rate limiter degraded, admitting request",
		zap.String("partner_id", req.PartnerID),
		zap.String("key_id", req.KeyID),
		zap.String("endpoint", req.Endpoint),
		zap.Error(err),
	)
	return Result{Allowed: true, Degraded: true, Reset: now}
}

// decide evaluates counts (taken after trimming, before appending) in the
// fixed window order. oldest[w] is the oldest surviving timestamp.
func decide(now time.Time, limits Limits, counts [numWindows]int, oldest [numWindows]time.Time) Result {
	var res Result
	failed := -1
	for _, w := range Windows {
		st := WindowState{Window: w, Limit: limits[w], Current: counts[w], Remaining: max(0, limits[w]-counts[w])}
		if counts[w] >= limits[w] {
			st.Reset = oldest[w].Add(w.Duration())
			if failed < 0 {
				failed = int(w)
			}
		} else {
			st.Reset = now.Add(w.Duration())
			if counts[w] > 0 {
				st.Reset = oldest[w].Add(w.Duration())
			}
		}
		res.Windows[w] = st
	}

	if failed >= 0 {
		g := res.Windows[failed]
		res.Window = g.Window
		res.Limit = g.Limit
		res.Current = g.Current
		res.Remaining = 0
		res.Reset = g.Reset
		res.RetryAfter = g.Reset.Sub(now)
		return res
	}

	res.Allowed = true
	best := -1
	for _, w := range Windows {
		st := &res.Windows[w]
		st.Current++
		st.Remaining = st.Limit - st.Current
		if best < 0 || st.Remaining < res.Windows[best].Remaining {
			best = int(w)
		}
	}
	g := res.Windows[best]
	res.Window = g.Window
	res.Limit = g.Limit
	res.Current = g.Current
	res.Remaining = g.Remaining
	res.Reset = g.Reset
	return res
}
