package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmehdipour/partner-gateway/internal/breaker"
	"github.com/jmehdipour/partner-gateway/internal/util"
)

// slidingWindowScript trims and counts every window, then appends only when
// all windows have room. KEYS are the window sets in evaluation order.
// ARGV: now_ms, member, then (duration_ms, limit) per key.
// Reply: {allowed, count1, oldest1, count2, oldest2, ...} with counts taken
// before the append.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]
local reply = {1}
for i = 1, #KEYS do
  local dur = tonumber(ARGV[1 + i * 2])
  local limit = tonumber(ARGV[2 + i * 2])
  redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', now - dur)
  local n = redis.call('ZCARD', KEYS[i])
  local oldest = now
  if n > 0 then
    local first = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
    oldest = tonumber(first[2])
  end
  if n >= limit then
    reply[1] = 0
  end
  reply[#reply + 1] = n
  reply[#reply + 1] = oldest
end
if reply[1] == 1 then
  for i = 1, #KEYS do
    redis.call('ZADD', KEYS[i], now, member)
    redis.call('PEXPIRE', KEYS[i], tonumber(ARGV[1 + i * 2]))
  end
end
return reply
`)

// RedisStore shares windows across gateway instances. Scores are unix
// milliseconds; members are unique per request.
type RedisStore struct {
	rdb     redis.Scripter
	prefix  string
	breaker *breaker.Breaker
}

func NewRedisStore(rdb redis.Scripter, prefix string, b *breaker.Breaker) *RedisStore {
	if prefix == "" {
		prefix = "pgw:rl:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, breaker: b}
}

func (s *RedisStore) Check(ctx context.Context, bucket string, now time.Time, limits Limits) (Result, error) {
	keys := make([]string, numWindows)
	args := make([]any, 0, 2+numWindows*2)
	nowMs := now.UnixMilli()
	args = append(args, nowMs, util.New())
	for _, w := range Windows {
		keys[w] = s.prefix + bucket + ":" + w.String()
		args = append(args, w.Duration().Milliseconds(), limits[w])
	}

	var raw []int64
	call := func() error {
		v, err := slidingWindowScript.Run(ctx, s.rdb, keys, args...).Int64Slice()
		raw = v
		return err
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.Do(call, nil)
	} else {
		err = call()
	}
	if err != nil {
		return Result{}, fmt.Errorf("redis sliding window: %w", err)
	}
	if len(raw) != 1+numWindows*2 {
		return Result{}, errors.New("redis sliding window: unexpected reply shape")
	}

	var (
		counts [numWindows]int
		oldest [numWindows]time.Time
	)
	for _, w := range Windows {
		counts[w] = int(raw[1+int(w)*2])
		oldest[w] = time.UnixMilli(raw[2+int(w)*2])
	}
	return decide(now, limits, counts, oldest), nil
}
