package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/partner-gateway/internal/breaker"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "test:rl:", nil), mr
}

func TestRedisStore_AllOrNothingAppend(t *testing.T) {
	s, mr := newRedisStore(t)
	clk := newFakeClock()
	limits := Limits{Minute: 3, Hour: 100, Day: 100, Burst: 100}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := s.Check(ctx, "ptn_1:key_1", clk.Now(), limits)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		clk.Advance(time.Millisecond)
	}

	res, err := s.Check(ctx, "ptn_1:key_1", clk.Now(), limits)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, Minute, res.Window)
	assert.Equal(t, 3, res.Current)

	members, err := mr.ZMembers("test:rl:ptn_1:key_1:hour")
	require.NoError(t, err)
	assert.Len(t, members, 3, "rejected request must not be recorded")
}

func TestRedisStore_WindowSlides(t *testing.T) {
	s, _ := newRedisStore(t)
	clk := newFakeClock()
	limits := Limits{Minute: 1, Hour: 100, Day: 100, Burst: 100}
	ctx := context.Background()

	res, err := s.Check(ctx, "b", clk.Now(), limits)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = s.Check(ctx, "b", clk.Now(), limits)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, clk.Now().Add(time.Minute).UnixMilli(), res.Reset.UnixMilli())

	clk.Advance(61 * time.Second)
	res, err = s.Check(ctx, "b", clk.Now(), limits)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Windows[Minute].Current)
	assert.Equal(t, 2, res.Windows[Hour].Current)
}

func TestRedisStore_OutageFailsOpenThroughLimiter(t *testing.T) {
	s, mr := newRedisStore(t)
	s.breaker = breaker.New("redis-ratelimit", 2, time.Minute)
	l := New(s, DefaultLimits())
	mr.Close()

	for i := 0; i < 4; i++ {
		res := l.Allow(context.Background(), req())
		assert.True(t, res.Allowed)
		assert.True(t, res.Degraded)
	}
	assert.Equal(t, breaker.Open, s.breaker.State())
}
