package middleware

import (
	echo "github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/jmehdipour/partner-gateway/internal/logger"
	"github.com/jmehdipour/partner-gateway/internal/pipeline"
)

// RequestLog writes one access log line per request into zap. Errors are
// already logged by the pipeline with full context.
func RequestLog(log *zap.Logger) echo.MiddlewareFunc {
	log = logger.OrNop(log).Named("access")
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogUserAgent: true,
		LogValuesFunc: func(c echo.Context, v echoMid.RequestLoggerValues) error {
			log.Info("request",
				zap.String("request_id", c.Response().Header().Get(pipeline.HeaderRequestID)),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
				zap.String("user_agent", v.UserAgent),
			)
			return nil
		},
	})
}
