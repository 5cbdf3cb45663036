package pipeline

import (
	"time"

	"github.com/jmehdipour/partner-gateway/internal/model"
	"github.com/jmehdipour/partner-gateway/internal/ratelimit"
	"github.com/jmehdipour/partner-gateway/internal/validate"
)

// Context is built per request and handed to the wrapped handler. It is not
// shared between requests.
type Context struct {
	RequestID string
	StartedAt time.Time
	Endpoint  string

	Partner *model.Partner
	Key     *model.APIKey

	ClientIP    string
	UserAgent   string
	Origin      string
	PayloadSize int64

	RateLimit *ratelimit.Result
	Input     *validate.Result
}

// Authenticated reports whether the request carried a resolved key.
func (c *Context) Authenticated() bool { return c.Key != nil && c.Partner != nil }

// PartnerID is empty for public endpoints.
func (c *Context) PartnerID() string {
	if c.Partner == nil {
		return ""
	}
	return c.Partner.ID
}
