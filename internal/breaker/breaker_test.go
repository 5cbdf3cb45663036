package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
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

var errBoom = errors.New("boom")

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New("store", 3, 10*time.Second, WithClock(clk.Now))

	for i := 0; i < 3; i++ {
		err := b.Do(func() error { return errBoom }, nil)
		require.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, Open, b.State())

	called := false
	err := b.Do(func() error { called = true; return nil }, nil)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New("store", 1, 5*time.Second, WithClock(clk.Now))

	b.OnFailure()
	require.Equal(t, Open, b.State())

	clk.Advance(6 * time.Second)
	assert.True(t, b.Ready())
	require.True(t, b.TryAcquire())
	assert.Equal(t, HalfOpen, b.State())
	assert.False(t, b.TryAcquire(), "second probe must be refused")

	b.OnSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New("store", 1, 5*time.Second, WithClock(clk.Now))

	b.OnFailure()
	clk.Advance(6 * time.Second)
	require.True(t, b.TryAcquire())
	b.OnFailure()

	assert.Equal(t, Open, b.State())
	assert.False(t, b.Ready())
}

func TestBreaker_IgnoredErrorsCountAsSuccess(t *testing.T) {
	notFound := errors.New("not found")
	b := New("store", 1, time.Minute)

	err := b.Do(func() error { return notFound }, func(err error) bool { return !errors.Is(err, notFound) })
	assert.ErrorIs(t, err, notFound)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_TransitionHook(t *testing.T) {
	var got []string
	b := New("redis", 1, time.Minute, WithTransitionHook(func(name string, from, to State) {
		got = append(got, name+":"+from.String()+"->"+to.String())
	}))

	b.OnFailure()
	b.OnSuccess()

	assert.Equal(t, []string{"redis:closed->open", "redis:open->closed"}, got)
}
