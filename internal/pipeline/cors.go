package pipeline

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/partner-gateway/internal/config"
)

var exposedHeaders = strings.Join([]string{
	HeaderRequestID,
	HeaderProcessingTime,
	HeaderRateLimitLimit,
	HeaderRateLimitRemaining,
	HeaderRateLimitReset,
	"Retry-After",
}, ", ")

// CORSPolicy decides which origins get CORS headers. "*" allows any origin.
type CORSPolicy struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         time.Duration
}

func CORSFromConfig(c config.CORSConfig) CORSPolicy {
	p := CORSPolicy{
		AllowedOrigins: c.AllowedOrigins,
		AllowedMethods: c.AllowedMethods,
		AllowedHeaders: c.AllowedHeaders,
		MaxAge:         c.MaxAge,
	}
	if len(p.AllowedMethods) == 0 {
		p.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}
	}
	if len(p.AllowedHeaders) == 0 {
		p.AllowedHeaders = []string{"Authorization", "Content-Type", "Accept", "X-Api-Version", HeaderRequestID}
	}
	return p
}

func (p CORSPolicy) allowAny() bool {
	for _, o := range p.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (p CORSPolicy) allows(origin string) bool {
	if p.allowAny() {
		return true
	}
	for _, o := range p.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Apply sets response CORS headers when origin is present and allowed.
func (p CORSPolicy) Apply(h http.Header, origin string) {
	if origin == "" || !p.allows(origin) {
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Expose-Headers", exposedHeaders)
}

// preflight sets the full preflight header set. Without an Origin the
// wildcard policy still answers "*" so generic probes succeed.
func (p CORSPolicy) preflight(h http.Header, origin string) {
	switch {
	case origin != "" && p.allows(origin):
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	case origin == "" && p.allowAny():
		h.Set("Access-Control-Allow-Origin", "*")
	}
	h.Set("Access-Control-Allow-Methods", strings.Join(p.AllowedMethods, ", "))
	h.Set("Access-Control-Allow-Headers", strings.Join(p.AllowedHeaders, ", "))
	h.Set("Access-Control-Expose-Headers", exposedHeaders)
	if p.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(int(p.MaxAge/time.Second)))
	}
}
