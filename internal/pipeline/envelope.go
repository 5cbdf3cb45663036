package pipeline

import (
	"time"

	"github.com/jmehdipour/partner-gateway/internal/apierr"
)

// Envelope wraps every pipeline response, success or failure.
type Envelope struct {
	Success  bool          `json:"success"`
	Data     any           `json:"data,omitempty"`
	Error    *apierr.Error `json:"error,omitempty"`
	Metadata Metadata      `json:"metadata"`
}

type Metadata struct {
	RequestID      string         `json:"requestId"`
	Timestamp      time.Time      `json:"timestamp"`
	ProcessingTime int64          `json:"processingTime"` // ms
	RateLimit      *RateLimitMeta `json:"rateLimit,omitempty"`
}

type RateLimitMeta struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// Response lets a handler choose the success status (e.g. 201).
type Response struct {
	Status int
	Data   any
}

func Created(data any) *Response { return &Response{Status: 201, Data: data} }
