package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/partner-gateway/internal/config"
	"github.com/jmehdipour/partner-gateway/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func req() Request { return Request{PartnerID: "ptn_1", KeyID: "key_1", IP: "10.0.0.1", Endpoint: "/v1/partner"} }

// burst raised so only the minute window is exercised
func minuteOnly() Limits { return Limits{Minute: 1000, Hour: 10000, Day: 100000, Burst: 5000} }

func TestLimiter_MinuteBoundary(t *testing.T) {
	clk := newFakeClock()
	l := New(NewMemoryStore(0, 0), minuteOnly(), WithClock(clk.Now))
	ctx := context.Background()

	for i := 1; i <= 1000; i++ {
		res := l.Allow(ctx, req())
		require.True(t, res.Allowed, "request %d", i)
		clk.Advance(time.Millisecond)
	}

	res := l.Allow(ctx, req())
	assert.False(t, res.Allowed)
	assert.Equal(t, Minute, res.Window)
	assert.Equal(t, 1000, res.Limit)
	assert.Equal(t, 1000, res.Current)
	assert.Equal(t, 0, res.Remaining)
	assert.Positive(t, res.RetryAfter)
}

func TestLimiter_RejectedRequestsConsumeNothing(t *testing.T) {
	clk := newFakeClock()
	l := New(NewMemoryStore(0, 0), minuteOnly(), WithClock(clk.Now))
	ctx := context.Background()

	for i := 0; i < 1001; i++ {
		l.Allow(ctx, req())
	}
	for i := 0; i < 50; i++ {
		require.False(t, l.Allow(ctx, req()).Allowed)
	}

	clk.Advance(61 * time.Second)

	res := l.Allow(ctx, req())
	require.True(t, res.Allowed)
	assert.Equal(t, 1, res.Windows[Minute].Current)
	assert.Equal(t, 1001, res.Windows[Hour].Current)
	assert.Equal(t, 1001, res.Windows[Day].Current)
}

func TestLimiter_FirstFailingWindowGoverns(t *testing.T) {
	clk := newFakeClock()
	// minute and burst both at 3: minute reported first
	l := New(NewMemoryStore(0, 0), Limits{Minute: 3, Hour: 100, Day: 100, Burst: 3}, WithClock(clk.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow(ctx, req()).Allowed)
	}
	res := l.Allow(ctx, req())
	require.False(t, res.Allowed)
	assert.Equal(t, Minute, res.Window)
	assert.Equal(t, 3, res.Windows[Burst].Current)
}

func TestLimiter_BurstWindow(t *testing.T) {
	clk := newFakeClock()
	l := New(NewMemoryStore(0, 0), DefaultLimits(), WithClock(clk.Now))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.True(t, l.Allow(ctx, req()).Allowed)
	}
	res := l.Allow(ctx, req())
	require.False(t, res.Allowed)
	assert.Equal(t, Burst, res.Window)
	assert.Equal(t, clk.Now().Add(10*time.Second), res.Reset)

	clk.Advance(10 * time.Second)
	assert.True(t, l.Allow(ctx, req()).Allowed)
}

func TestLimiter_AdmittedReportsMostConstrainedWindow(t *testing.T) {
	clk := newFakeClock()
	l := New(NewMemoryStore(0, 0), DefaultLimits(), WithClock(clk.Now))

	res := l.Allow(context.Background(), req())
	require.True(t, res.Allowed)
	assert.Equal(t, Burst, res.Window)
	assert.Equal(t, 49, res.Remaining)
	assert.Equal(t, 999, res.Windows[Minute].Remaining)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	clk := newFakeClock()
	l := New(NewMemoryStore(0, 0), Limits{Minute: 1, Hour: 10, Day: 10, Burst: 10}, WithClock(clk.Now))
	ctx := context.Background()

	a, b := req(), req()
	b.KeyID = "key_2"

	require.True(t, l.Allow(ctx, a).Allowed)
	require.False(t, l.Allow(ctx, a).Allowed)
	assert.True(t, l.Allow(ctx, b).Allowed)
}

func TestLimiter_KeyOverrides(t *testing.T) {
	clk := newFakeClock()
	l := New(NewMemoryStore(0, 0), DefaultLimits(), WithClock(clk.Now))
	ctx := context.Background()

	r := req()
	r.Limits = &model.RateLimitOverrides{Burst: 2}
	require.True(t, l.Allow(ctx, r).Allowed)
	require.True(t, l.Allow(ctx, r).Allowed)
	res := l.Allow(ctx, r)
	assert.False(t, res.Allowed)
	assert.Equal(t, 2, res.Limit)
}

func TestLimiter_OverrideBypassesWindows(t *testing.T) {
	store := &countingStore{}
	l := New(store, Limits{Minute: 1, Hour: 1, Day: 1, Burst: 1})

	r := req()
	r.Override = &Override{}
	for i := 0; i < 10; i++ {
		res := l.Allow(context.Background(), r)
		require.True(t, res.Allowed)
		assert.True(t, res.Override)
		assert.Equal(t, DefaultOverrideLimit, res.Limit)
	}

	r.Override = &Override{Limit: 42}
	assert.Equal(t, 42, l.Allow(context.Background(), r).Limit)

	r.Override = nil
	r.Limits = &model.RateLimitOverrides{Unlimited: true}
	assert.True(t, l.Allow(context.Background(), r).Override)
	assert.Zero(t, store.calls)
}

type countingStore struct{ calls int }

func (s *countingStore) Check(context.Context, string, time.Time, Limits) (Result, error) {
	s.calls++
	return Result{}, nil
}

type brokenStore struct {
	err   error
	panic bool
}

func (s brokenStore) Check(context.Context, string, time.Time, Limits) (Result, error) {
	if s.panic {
		panic("index out of range")
	}
	return Result{}, s.err
}

func TestLimiter_FailsOpen(t *testing.T) {
	t.Run("store error", func(t *testing.T) {
		l := New(brokenStore{err: errors.New("redis: connection refused")}, DefaultLimits())
		res := l.Allow(context.Background(), req())
		assert.True(t, res.Allowed)
		assert.True(t, res.Degraded)
	})
	t.Run("store panic", func(t *testing.T) {
		l := New(brokenStore{panic: true}, DefaultLimits())
		var res Result
		require.NotPanics(t, func() { res = l.Allow(context.Background(), req()) })
		assert.True(t, res.Allowed)
		assert.True(t, res.Degraded)
	})
}

func TestLimiter_ConcurrentSameKeyNeverOverAdmits(t *testing.T) {
	l := New(NewMemoryStore(0, 0), Limits{Minute: 100, Hour: 1000, Day: 1000, Burst: 1000})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if l.Allow(context.Background(), req()).Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, allowed)
}

func TestLimitsFromConfig(t *testing.T) {
	l := LimitsFromConfig(config.WindowLimits{Minute: 10, Burst: 2})
	assert.Equal(t, Limits{Minute: 10, Hour: 10000, Day: 100000, Burst: 2}, l)
}

func TestWindow_String(t *testing.T) {
	for _, w := range Windows {
		assert.NotEqual(t, "unknown", w.String(), fmt.Sprint(int(w)))
		assert.Positive(t, w.Duration())
	}
}
