package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/partner-gateway/internal/config"
	"github.com/jmehdipour/partner-gateway/internal/http/middleware"
	"github.com/jmehdipour/partner-gateway/internal/logger"
	"github.com/jmehdipour/partner-gateway/internal/metrics"
	"github.com/jmehdipour/partner-gateway/internal/pipeline"
	"github.com/jmehdipour/partner-gateway/internal/repository"
)

// Deps are the process-wide services the routes are built on.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Keys     KeyService
	Usage    repository.UsageRepository // nil when ClickHouse is not configured
	Redis    *redis.Client              // enables the IP guard when set
	Now      func() time.Time
}

type Server struct {
	e   *echo.Echo
	cfg config.HTTPConfig
	log *zap.Logger
}

func NewServer(cfg config.Config, deps Deps, lg *zap.Logger) *Server {
	lg = logger.OrNop(lg)
	if deps.Now == nil {
		deps.Now = time.Now
	}

	// echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.OFF)
	e.Server.ReadTimeout = cfg.HTTP.ReadTimeout
	e.Server.WriteTimeout = cfg.HTTP.WriteTimeout
	e.IPExtractor = middleware.IPExtractor(cfg.HTTP.TrustedProxies)
	e.Use(echoMid.Recover(), middleware.RequestLog(lg))

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// routes
	v1 := e.Group("/v1", middleware.IPGuard(middleware.IPGuardConfig{
		Redis:     deps.Redis,
		RPS:       cfg.RateLimit.IPGuardRPS,
		KeyPrefix: cfg.RateLimit.KeyPrefix + "ip:",
		CORS:      pipeline.CORSFromConfig(cfg.CORS),
		Log:       lg,
	}))
	r := deps.Pipeline.Router(v1)

	r.GET("/status", pipeline.Options{Endpoint: "status"}, statusHandler(cfg.Validation.SupportedVersions, deps.Now))

	r.GET("/partner", pipeline.Options{
		RequireAuth: true,
		Permissions: []string{"partner.read"},
		Endpoint:    "partner.get",
	}, partnerHandler())

	r.GET("/keys", pipeline.Options{
		RequireAuth: true,
		Permissions: []string{"keys.read"},
		Endpoint:    "keys.list",
	}, listKeysHandler(deps.Keys))
	r.POST("/keys", pipeline.Options{
		RequireAuth:  true,
		Permissions:  []string{"keys.write"},
		ValidateBody: true,
		Endpoint:     "keys.issue",
	}, issueKeyHandler(deps.Keys))
	r.DELETE("/keys/:id", pipeline.Options{
		RequireAuth: true,
		Permissions: []string{"keys.write"},
		Endpoint:    "keys.revoke",
	}, revokeKeyHandler(deps.Keys))
	r.POST("/keys/:id/rotate", pipeline.Options{
		RequireAuth: true,
		Permissions: []string{"keys.write"},
		Endpoint:    "keys.rotate",
	}, rotateKeyHandler(deps.Keys))

	r.GET("/usage", pipeline.Options{
		RequireAuth:   true,
		Permissions:   []string{"usage.read"},
		ValidateQuery: true,
		Endpoint:      "usage.list",
	}, listUsageHandler(deps.Usage))
	r.GET("/usage/summary", pipeline.Options{
		RequireAuth:   true,
		Permissions:   []string{"usage.read"},
		ValidateQuery: true,
		Endpoint:      "usage.summary",
	}, usageSummaryHandler(deps.Usage, deps.Now))

	return &Server{e: e, cfg: cfg.HTTP, log: lg}
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler { return s.e }

// Start blocks until the server stops; a graceful shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info("http: listening", zap.String("addr", s.cfg.Addr))
	if err := s.e.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
