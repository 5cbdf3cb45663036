package middleware

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/partner-gateway/internal/apierr"
	"github.com/jmehdipour/partner-gateway/internal/pipeline"
)

func newGuarded(t *testing.T, rds *redis.Client, rps int, now func() time.Time, trusted ...string) (*echo.Echo, *int) {
	t.Helper()
	hits := 0
	e := echo.New()
	e.IPExtractor = IPExtractor(trusted)
	e.Use(IPGuard(IPGuardConfig{
		Redis: rds,
		RPS:   rps,
		Now:   now,
		CORS:  pipeline.CORSPolicy{AllowedOrigins: []string{"https://app.example.com"}},
	}))
	e.GET("/v1/status", func(c echo.Context) error {
		hits++
		return c.NoContent(http.StatusOK)
	})
	return e, &hits
}

// get sends a request whose TCP peer is ip.
func get(e *echo.Echo, ip string) *httptest.ResponseRecorder {
	return getVia(e, ip, "")
}

func getVia(e *echo.Echo, peer, xff string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	r.RemoteAddr = net.JoinHostPort(peer, "40000")
	if xff != "" {
		r.Header.Set("X-Forwarded-For", xff)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, r)
	return rec
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rds := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rds.Close() })
	return rds
}

func TestIPGuard_FixedWindowPerIP(t *testing.T) {
	mr := miniredis.RunT(t)
	rds := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rds.Close() })

	at := time.Date(2026, 5, 1, 12, 0, 0, 250*int(time.Millisecond), time.UTC)
	e, hits := newGuarded(t, rds, 2, func() time.Time { return at })

	assert.Equal(t, http.StatusOK, get(e, "203.0.113.7").Code)
	assert.Equal(t, http.StatusOK, get(e, "203.0.113.7").Code)

	rec := get(e, "203.0.113.7")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.NotEmpty(t, rec.Header().Get(pipeline.HeaderRequestID))

	var env pipeline.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, apierr.CodeRateLimitExceeded, env.Error.Code)

	// other callers are unaffected
	assert.Equal(t, http.StatusOK, get(e, "198.51.100.1").Code)
	assert.Equal(t, 3, *hits)

	// next window
	at = at.Add(time.Second)
	assert.Equal(t, http.StatusOK, get(e, "203.0.113.7").Code)
}

func TestIPGuard_RedisDownLetsTrafficThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	rds := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rds.Close() })
	mr.Close()

	e, hits := newGuarded(t, rds, 1, nil)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(e, "203.0.113.7").Code)
	}
	assert.Equal(t, 3, *hits)
}

func TestIPGuard_DisabledWithoutRedis(t *testing.T) {
	e, hits := newGuarded(t, nil, 1, nil)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(e, "203.0.113.7").Code)
	}
	assert.Equal(t, 3, *hits)
}

func TestIPGuard_ForwardedForFromUntrustedPeerIsIgnored(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	e, hits := newGuarded(t, newRedis(t), 2, func() time.Time { return at })

	limited := 0
	for i := 0; i < 50; i++ {
		rec := getVia(e, "203.0.113.9", fmt.Sprintf("198.51.100.%d", i+1))
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 2, *hits)
	assert.Equal(t, 48, limited)
}

func TestIPGuard_TrustedProxyForwardsClientIP(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	e, hits := newGuarded(t, newRedis(t), 1, func() time.Time { return at }, "10.0.0.0/8")

	// distinct clients behind the same load balancer keep separate budgets
	assert.Equal(t, http.StatusOK, getVia(e, "10.0.0.5", "198.51.100.1").Code)
	assert.Equal(t, http.StatusOK, getVia(e, "10.0.0.5", "198.51.100.2").Code)
	assert.Equal(t, http.StatusTooManyRequests, getVia(e, "10.0.0.5", "198.51.100.1").Code)

	// a spoofed leftmost hop does not help once the proxy appends the real peer
	assert.Equal(t, http.StatusTooManyRequests, getVia(e, "10.0.0.5", "192.0.2.77, 198.51.100.2").Code)
	assert.Equal(t, 2, *hits)
}

func TestIPGuard_RejectionCarriesStandardHeaders(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	e, _ := newGuarded(t, newRedis(t), 1, func() time.Time { return at })

	require.Equal(t, http.StatusOK, get(e, "203.0.113.7").Code)

	r := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	r.RemoteAddr = "203.0.113.7:40000"
	r.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, r)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0ms", rec.Header().Get(pipeline.HeaderProcessingTime))
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Retry-After")

	// disallowed origins get no CORS headers
	r.Header.Set("Origin", "https://evil.example.net")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, r)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestIPExtractor(t *testing.T) {
	req := func(peer, xff string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = peer + ":40000"
		if xff != "" {
			r.Header.Set("X-Forwarded-For", xff)
		}
		return r
	}

	direct := IPExtractor(nil)
	assert.Equal(t, "203.0.113.9", direct(req("203.0.113.9", "198.51.100.1")))

	// private peers are not trusted implicitly
	direct = IPExtractor([]string{"192.0.2.10"})
	assert.Equal(t, "10.1.2.3", direct(req("10.1.2.3", "198.51.100.1")))

	trusted := IPExtractor([]string{"192.0.2.10", "not-an-ip"})
	assert.Equal(t, "198.51.100.1", trusted(req("192.0.2.10", "198.51.100.1")))
	assert.Equal(t, "203.0.113.9", trusted(req("203.0.113.9", "198.51.100.1")))
}
