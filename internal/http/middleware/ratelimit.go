package middleware

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/partner-gateway/internal/apierr"
	"github.com/jmehdipour/partner-gateway/internal/logger"
	"github.com/jmehdipour/partner-gateway/internal/metrics"
	"github.com/jmehdipour/partner-gateway/internal/pipeline"
	"github.com/jmehdipour/partner-gateway/internal/util"
)

// IPGuardConfig config for the Redis-based per-IP flood guard.
type IPGuardConfig struct {
	Redis     *redis.Client
	RPS       int           // max requests per window per client IP
	KeyPrefix string        // e.g. "pgw:ipg:"
	Window    time.Duration // usually 1s
	CORS      pipeline.CORSPolicy // applied to rejections like any pipeline response
	Log       *zap.Logger
	Now       func() time.Time
}

// IPGuard applies a fixed-window limit per client IP before any credential
// lookup, so floods of unauthenticated traffic never reach the key store.
// Partner quotas are enforced later by the pipeline limiter. Redis errors
// let the request through. The client is c.RealIP(), so the server's
// IPExtractor decides whether X-Forwarded-For counts.
func IPGuard(cfg IPGuardConfig) echo.MiddlewareFunc {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pgw:ipg:"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := logger.OrNop(cfg.Log)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.RPS <= 0 || cfg.Redis == nil || c.Request().Method == http.MethodOptions {
				return next(c)
			}

			ip := c.RealIP()
			now := cfg.Now()
			slot := now.UnixNano() / int64(cfg.Window)

			// fixed-window key: pgw:ipg:{ip}:{slot}
			key := cfg.KeyPrefix + ip + ":" + strconv.FormatInt(slot, 10)

			ctx := c.Request().Context()
			pipe := cfg.Redis.Pipeline()
			cnt := pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, cfg.Window*2)
			if _, err := pipe.Exec(ctx); err != nil {
				metrics.RateLimitTotal.WithLabelValues("degraded", "ip").Inc()
				log.Warn("ip guard degraded", zap.Error(err))
				return next(c)
			}

			if cnt.Val() <= int64(cfg.RPS) {
				return next(c)
			}

			metrics.RateLimitTotal.WithLabelValues("rejected", "ip").Inc()
			reset := time.Unix(0, (slot+1)*int64(cfg.Window))
			retry := int((reset.Sub(now) + time.Second - 1) / time.Second)
			if retry < 1 {
				retry = 1
			}

			reqID := util.Prefixed("req")
			h := c.Response().Header()
			h.Set(pipeline.HeaderRequestID, reqID)
			h.Set("Retry-After", strconv.Itoa(retry))
			h.Set(pipeline.HeaderProcessingTime, pipeline.ProcessingTime(cfg.Now().Sub(now)))
			cfg.CORS.Apply(h, c.Request().Header.Get("Origin"))

			log.Warn("request rejected",
				zap.String("request_id", reqID),
				zap.String("ip", ip),
				zap.String("code", apierr.CodeRateLimitExceeded.String()),
				zap.Int64("count", cnt.Val()),
			)
			return c.JSON(http.StatusTooManyRequests, pipeline.Envelope{
				Error: apierr.RateLimitExceeded().
					WithDetail("window", "ip").
					WithDetail("limit", cfg.RPS).
					WithDetail("retry_after", retry),
				Metadata: pipeline.Metadata{RequestID: reqID, Timestamp: now.UTC()},
			})
		}
	}
}
