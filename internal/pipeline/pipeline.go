// Package pipeline is the admission chain every partner endpoint goes
// through: basic checks, authentication, permissions, rate limiting,
// validation and usage recording, then the handler and a uniform envelope.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/partner-gateway/internal/apierr"
	"github.com/jmehdipour/partner-gateway/internal/auth"
	"github.com/jmehdipour/partner-gateway/internal/logger"
	"github.com/jmehdipour/partner-gateway/internal/metrics"
	"github.com/jmehdipour/partner-gateway/internal/model"
	"github.com/jmehdipour/partner-gateway/internal/ratelimit"
	"github.com/jmehdipour/partner-gateway/internal/util"
	"github.com/jmehdipour/partner-gateway/internal/validate"
)

const (
	HeaderRequestID          = "X-Request-ID"
	HeaderProcessingTime     = "X-Processing-Time"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

type Authenticator interface {
	Authenticate(ctx context.Context, authorization string) (*auth.Principal, error)
}

type Limiter interface {
	Allow(ctx context.Context, req ratelimit.Request) ratelimit.Result
}

type Validator interface {
	Validate(r *http.Request, opts validate.Options) (*validate.Result, error)
}

// UsageRecorder must not block; it is called on the request path.
type UsageRecorder interface {
	Record(ev model.UsageEvent)
}

// Options configures one wrapped endpoint.
type Options struct {
	RequireAuth   bool
	Permissions   []string // "resource.action"
	ValidateQuery bool
	ValidateBody  bool
	Endpoint      string // metrics/usage label; defaults to the route path
}

// HandlerFunc returns the data to render. Returning *Response picks the
// status code; anything else is rendered with 200.
type HandlerFunc func(c echo.Context, pc *Context) (any, error)

type Config struct {
	MaxPayloadBytes int64
	CORS            CORSPolicy
}

type Pipeline struct {
	auth      Authenticator
	limiter   Limiter
	validator Validator
	usage     UsageRecorder
	cfg       Config
	now       func() time.Time
	log       *zap.Logger
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func WithLogger(l *zap.Logger) Option { return func(p *Pipeline) { p.log = logger.OrNop(l) } }

// WithUsage enables usage recording for authenticated requests.
func WithUsage(u UsageRecorder) Option { return func(p *Pipeline) { p.usage = u } }

func New(a Authenticator, l Limiter, v Validator, cfg Config, opts ...Option) *Pipeline {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 50 << 20
	}
	p := &Pipeline{auth: a, limiter: l, validator: v, cfg: cfg, now: time.Now, log: zap.NewNop()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Wrap turns h into an echo handler running the full admission chain.
func (p *Pipeline) Wrap(opts Options, h HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Method == http.MethodOptions {
			return p.preflight(c)
		}
		pc := p.newContext(c, opts)
		status, data, err := p.run(c, pc, opts, h)
		return p.respond(c, pc, status, data, err)
	}
}

// Preflight answers CORS preflight requests without running the chain.
func (p *Pipeline) Preflight() echo.HandlerFunc { return p.preflight }

func (p *Pipeline) preflight(c echo.Context) error {
	h := c.Response().Header()
	h.Set(HeaderRequestID, util.Prefixed("req"))
	p.cfg.CORS.preflight(h, c.Request().Header.Get("Origin"))
	return c.NoContent(http.StatusOK)
}

func (p *Pipeline) newContext(c echo.Context, opts Options) *Context {
	r := c.Request()
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = c.Path()
	}
	if endpoint == "" {
		endpoint = r.URL.Path
	}
	size := r.ContentLength
	if size < 0 {
		size = 0
	}
	return &Context{
		RequestID:   util.Prefixed("req"),
		StartedAt:   p.now(),
		Endpoint:    endpoint,
		ClientIP:    c.RealIP(),
		UserAgent:   r.UserAgent(),
		Origin:      r.Header.Get("Origin"),
		PayloadSize: size,
	}
}

func (p *Pipeline) run(c echo.Context, pc *Context, opts Options, h HandlerFunc) (int, any, error) {
	r := c.Request()

	if err := p.basicCheck(r); err != nil {
		return 0, nil, err
	}

	if opts.RequireAuth {
		principal, err := p.auth.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			return 0, nil, err
		}
		pc.Key, pc.Partner = principal.Key, principal.Partner

		if missing := pc.Key.Permissions.Missing(opts.Permissions); len(missing) > 0 {
			return 0, nil, apierr.InsufficientPermissions(missing)
		}

		overrides := pc.Key.RateLimits.V
		res := p.limiter.Allow(r.Context(), ratelimit.Request{
			PartnerID: pc.Partner.ID,
			KeyID:     pc.Key.ID,
			IP:        pc.ClientIP,
			Endpoint:  pc.Endpoint,
			Limits:    &overrides,
		})
		pc.RateLimit = &res
		if !res.Allowed {
			return 0, nil, limitError(res)
		}
	}

	in, err := p.validator.Validate(r, validate.Options{
		ValidateQuery: opts.ValidateQuery,
		ValidateBody:  opts.ValidateBody,
	})
	if err != nil {
		return 0, nil, err
	}
	pc.Input = in

	if pc.Authenticated() && p.usage != nil {
		p.usage.Record(model.UsageEvent{
			RequestID:   pc.RequestID,
			PartnerID:   pc.Partner.ID,
			KeyID:       pc.Key.ID,
			Method:      r.Method,
			Endpoint:    pc.Endpoint,
			ClientIP:    pc.ClientIP,
			UserAgent:   pc.UserAgent,
			PayloadSize: pc.PayloadSize,
			OccurredAt:  pc.StartedAt,
		})
	}

	return p.invoke(c, pc, h)
}

// basicCheck runs before authentication so oversized or untyped writes are
// rejected without touching the credential store.
func (p *Pipeline) basicCheck(r *http.Request) error {
	if r.ContentLength > p.cfg.MaxPayloadBytes {
		return apierr.PayloadTooLarge(p.cfg.MaxPayloadBytes)
	}
	if validate.RequiresBody(r.Method) && r.Header.Get("Content-Type") == "" {
		return apierr.InvalidRequest("Content-Type header is required")
	}
	return nil
}

// ProcessingTime renders the X-Processing-Time header value.
func ProcessingTime(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}

func limitError(res ratelimit.Result) *apierr.Error {
	e := apierr.RateLimitExceeded()
	if res.Window == ratelimit.Day {
		e = apierr.New(apierr.CodeQuotaExceeded, "Daily request quota exceeded")
	}
	return e.
		WithDetail("window", res.Window.String()).
		WithDetail("limit", res.Limit).
		WithDetail("current", res.Current).
		WithDetail("reset", res.Reset.UTC()).
		WithDetail("retry_after", retryAfterSeconds(res.RetryAfter))
}

func retryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func (p *Pipeline) invoke(c echo.Context, pc *Context, h HandlerFunc) (status int, data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			status, data, err = 0, nil, apierr.Internal(fmt.Errorf("handler panic: %v", rec))
		}
	}()

	out, err := h(c, pc)
	if err != nil {
		return 0, nil, err
	}
	if resp, ok := out.(*Response); ok {
		if resp.Status == 0 {
			resp.Status = http.StatusOK
		}
		return resp.Status, resp.Data, nil
	}
	return http.StatusOK, out, nil
}

func (p *Pipeline) respond(c echo.Context, pc *Context, status int, data any, err error) error {
	now := p.now()
	elapsed := now.Sub(pc.StartedAt)

	h := c.Response().Header()
	h.Set(HeaderRequestID, pc.RequestID)
	h.Set(HeaderProcessingTime, ProcessingTime(elapsed))
	p.cfg.CORS.Apply(h, pc.Origin)

	env := Envelope{
		Metadata: Metadata{
			RequestID:      pc.RequestID,
			Timestamp:      now.UTC(),
			ProcessingTime: elapsed.Milliseconds(),
		},
	}

	if rl := pc.RateLimit; rl != nil && !rl.Degraded {
		h.Set(HeaderRateLimitLimit, strconv.Itoa(rl.Limit))
		h.Set(HeaderRateLimitRemaining, strconv.Itoa(rl.Remaining))
		h.Set(HeaderRateLimitReset, strconv.FormatInt(rl.Reset.Unix(), 10))
		env.Metadata.RateLimit = &RateLimitMeta{Limit: rl.Limit, Remaining: rl.Remaining, Reset: rl.Reset.UTC()}
	}

	label := "ok"
	if err != nil {
		ae := apierr.From(err)
		if ae.Status() == http.StatusTooManyRequests && pc.RateLimit != nil {
			h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(pc.RateLimit.RetryAfter)))
		}
		p.logFailure(c, pc, ae, elapsed)
		env.Error = ae
		status = ae.Status()
		label = ae.Code.String()
	} else {
		env.Success = true
		env.Data = data
	}

	metrics.ResponsesTotal.WithLabelValues(pc.Endpoint, label).Inc()
	metrics.PipelineDuration.WithLabelValues(pc.Endpoint).Observe(elapsed.Seconds())

	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, env)
}

func (p *Pipeline) logFailure(c echo.Context, pc *Context, ae *apierr.Error, elapsed time.Duration) {
	fields := []zap.Field{
		zap.String("request_id", pc.RequestID),
		zap.String("method", c.Request().Method),
		zap.String("endpoint", pc.Endpoint),
		zap.String("ip", pc.ClientIP),
		zap.String("user_agent", pc.UserAgent),
		zap.String("partner_id", pc.PartnerID()),
		zap.String("code", ae.Code.String()),
		zap.Duration("elapsed", elapsed),
	}
	switch {
	case ae.Code.Security():
		p.log.Warn("security_event", append(fields, zap.Any("details", ae.Details))...)
	case ae.Status() >= http.StatusInternalServerError:
		p.log.Error("request failed", append(fields, zap.Error(ae))...)
	default:
		p.log.Warn("request rejected", append(fields, zap.String("message", ae.Message))...)
	}
}
