// Package validate checks partner requests for structural correctness and
// injection, XSS and nesting-abuse shapes before they reach a handler.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/jmehdipour/partner-gateway/internal/apierr"
	"github.com/jmehdipour/partner-gateway/internal/config"
	"github.com/jmehdipour/partner-gateway/internal/logger"
	"github.com/jmehdipour/partner-gateway/internal/metrics"
)

const (
	HeaderAPIVersion = "X-Api-Version"

	ContentTypeJSON      = "application/json"
	ContentTypeForm      = "application/x-www-form-urlencoded"
	ContentTypeMultipart = "multipart/form-data"
)

type Stage string

const (
	StageHeaders Stage = "headers"
	StageQuery   Stage = "query"
	StageBody    Stage = "body"
	StageFile    Stage = "file"
)

// Options selects the optional stages; headers and file checks always run.
type Options struct {
	ValidateQuery bool
	ValidateBody  bool
}

// Result is the extracted request data. It is returned only when every stage
// passed; a failure returns a nil Result and an *apierr.Error.
type Result struct {
	Headers map[string]string
	Query   url.Values
	Body    any        // decoded JSON (json.Number for numbers) when the body was JSON
	Form    url.Values // when the body was form-encoded
	Page    int
	Limit   int
}

type Limits struct {
	MaxPayloadBytes   int64
	MaxUploadBytes    int64
	MaxDepth          int
	MaxArrayLen       int
	MaxHeaderLen      int
	SupportedVersions []string
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes:   50 << 20,
		MaxUploadBytes:    50 << 20,
		MaxDepth:          10,
		MaxArrayLen:       1000,
		MaxHeaderLen:      500,
		SupportedVersions: []string{"v1", "2024-01-01"},
	}
}

func LimitsFromConfig(c config.ValidationConfig) Limits {
	l := DefaultLimits()
	if c.MaxPayloadBytes > 0 {
		l.MaxPayloadBytes = c.MaxPayloadBytes
	}
	if c.MaxUploadBytes > 0 {
		l.MaxUploadBytes = c.MaxUploadBytes
	}
	if c.MaxDepth > 0 {
		l.MaxDepth = c.MaxDepth
	}
	if c.MaxArrayLen > 0 {
		l.MaxArrayLen = c.MaxArrayLen
	}
	if c.MaxHeaderLen > 0 {
		l.MaxHeaderLen = c.MaxHeaderLen
	}
	if len(c.SupportedVersions) > 0 {
		l.SupportedVersions = c.SupportedVersions
	}
	return l
}

const (
	defaultPageSize = 50
	maxPage         = 10000
	maxPageSize     = 1000
)

type Validator struct {
	limits Limits
	log    *zap.Logger
}

func New(limits Limits, log *zap.Logger) *Validator {
	return &Validator{limits: limits, log: logger.OrNop(log)}
}

// RequiresBody reports whether method carries a request body.
func RequiresBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// Validate runs headers, query, body and file stages in that order and
// returns the first failure. The request body, when read, is restored so the
// handler can read it again.
func (v *Validator) Validate(r *http.Request, opts Options) (*Result, error) {
	res := &Result{Page: 1, Limit: defaultPageSize}

	if err := v.headers(r, res); err != nil {
		return nil, v.reject(StageHeaders, err)
	}
	if opts.ValidateQuery {
		if err := v.query(r, res); err != nil {
			return nil, v.reject(StageQuery, err)
		}
	} else {
		res.Query = r.URL.Query()
	}
	if opts.ValidateBody && RequiresBody(r.Method) {
		if err := v.body(r, res); err != nil {
			return nil, v.reject(StageBody, err)
		}
	}
	if err := v.file(r); err != nil {
		return nil, v.reject(StageFile, err)
	}
	return res, nil
}

func (v *Validator) reject(stage Stage, err *apierr.Error) error {
	metrics.ValidationRejects.WithLabelValues(string(stage), err.Code.String()).Inc()
	return err
}

func mediaType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

func (v *Validator) headers(r *http.Request, res *Result) *apierr.Error {
	if RequiresBody(r.Method) {
		switch mt := mediaType(r); mt {
		case "":
			return apierr.InvalidRequest("Content-Type header is required")
		case ContentTypeJSON, ContentTypeForm, ContentTypeMultipart:
		default:
			return apierr.InvalidRequest("Unsupported Content-Type").WithDetail("content_type", mt)
		}
	}

	if accept := r.Header.Get("Accept"); accept != "" && !acceptsJSON(accept) {
		return apierr.InvalidRequest("Accept header must allow application/json")
	}

	if ver := r.Header.Get(HeaderAPIVersion); ver != "" && !v.supportedVersion(ver) {
		return apierr.InvalidRequest("Unsupported API version").
			WithDetail("supported", v.limits.SupportedVersions)
	}

	res.Headers = make(map[string]string, len(r.Header))
	for _, name := range sortedKeys(r.Header) {
		values := r.Header[name]
		if len(values) == 0 {
			continue
		}
		value := values[0]
		lname := strings.ToLower(name)
		res.Headers[lname] = value

		if !strings.HasPrefix(lname, "x-") {
			continue
		}
		for _, val := range values {
			if len(val) > v.limits.MaxHeaderLen {
				return apierr.InvalidRequest("Header value too long").
					WithDetail("header", name).
					WithDetail("max_length", v.limits.MaxHeaderLen)
			}
			if t := Detect(val); t != ThreatNone {
				return v.security(r, StageHeaders, t, "header", name)
			}
		}
	}
	return nil
}

func acceptsJSON(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch strings.ToLower(strings.TrimSpace(mt)) {
		case ContentTypeJSON, "application/*", "*/*":
			return true
		}
	}
	return false
}

func (v *Validator) supportedVersion(ver string) bool {
	for _, s := range v.limits.SupportedVersions {
		if strings.EqualFold(s, ver) {
			return true
		}
	}
	return false
}

func (v *Validator) query(r *http.Request, res *Result) *apierr.Error {
	q, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return apierr.InvalidRequest("Malformed query string")
	}
	for _, key := range sortedKeys(q) {
		values := q[key]
		if t := Detect(key); t != ThreatNone {
			return v.security(r, StageQuery, t, "param", key)
		}
		for _, val := range values {
			if t := Detect(val); t != ThreatNone {
				return v.security(r, StageQuery, t, "param", key)
			}
		}
	}

	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPage {
			return apierr.InvalidRequest("page must be an integer between 1 and 10000").WithDetail("param", "page")
		}
		res.Page = n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			return apierr.InvalidRequest("limit must be an integer between 1 and 1000").WithDetail("param", "limit")
		}
		res.Limit = n
	}
	res.Query = q
	return nil
}

func (v *Validator) body(r *http.Request, res *Result) *apierr.Error {
	mt := mediaType(r)
	if mt == ContentTypeMultipart {
		// multipart payloads are streamed by the handler; only their size is checked
		return nil
	}
	if r.ContentLength > v.limits.MaxPayloadBytes {
		return apierr.PayloadTooLarge(v.limits.MaxPayloadBytes)
	}
	if r.Body == nil || r.Body == http.NoBody {
		return apierr.InvalidRequest("Request body is required")
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, v.limits.MaxPayloadBytes+1))
	_ = r.Body.Close()
	if err != nil {
		return apierr.InvalidRequest("Unable to read request body")
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if int64(len(raw)) > v.limits.MaxPayloadBytes {
		return apierr.PayloadTooLarge(v.limits.MaxPayloadBytes)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return apierr.InvalidRequest("Request body is required")
	}

	switch mt {
	case ContentTypeForm:
		form, err := url.ParseQuery(string(raw))
		if err != nil {
			return apierr.InvalidRequest("Malformed form body")
		}
		for _, key := range sortedKeys(form) {
			values := form[key]
			if t := Detect(key); t != ThreatNone {
				return v.security(r, StageBody, t, "field", key)
			}
			for _, val := range values {
				if t := Detect(val); t != ThreatNone {
					return v.security(r, StageBody, t, "field", key)
				}
			}
		}
		res.Form = form
		return nil

	default:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			return apierr.InvalidRequest("Malformed JSON body")
		}
		// exactly one document; trailing tokens, even a stray '}' or ']', are malformed
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return apierr.InvalidRequest("Malformed JSON body")
		}
		if serr := v.scan(r, doc, 0, "$"); serr != nil {
			return serr
		}
		res.Body = doc
		return nil
	}
}

// scan walks decoded JSON. Containers count as one level each; the top-level
// object or array is level 1.
func (v *Validator) scan(r *http.Request, node any, depth int, path string) *apierr.Error {
	switch n := node.(type) {
	case map[string]any:
		depth++
		if depth > v.limits.MaxDepth {
			return v.securityShape(r, "nesting too deep", path)
		}
		for _, k := range sortedKeys(n) {
			child := n[k]
			if t := Detect(k); t != ThreatNone {
				return v.security(r, StageBody, t, "field", path+"."+k)
			}
			if err := v.scan(r, child, depth, path+"."+k); err != nil {
				return err
			}
		}
	case []any:
		depth++
		if depth > v.limits.MaxDepth {
			return v.securityShape(r, "nesting too deep", path)
		}
		if len(n) > v.limits.MaxArrayLen {
			return v.securityShape(r, "array too long", path)
		}
		for i, child := range n {
			if err := v.scan(r, child, depth, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
	case string:
		if t := Detect(n); t != ThreatNone {
			return v.security(r, StageBody, t, "field", path)
		}
	}
	return nil
}

func (v *Validator) file(r *http.Request) *apierr.Error {
	if mediaType(r) != ContentTypeMultipart {
		return nil
	}
	if r.ContentLength > v.limits.MaxUploadBytes {
		return apierr.PayloadTooLarge(v.limits.MaxUploadBytes)
	}
	if r.Body != nil && r.Body != http.NoBody {
		// unknown length: enforce the cap while the handler streams
		r.Body = http.MaxBytesReader(nil, r.Body, v.limits.MaxUploadBytes)
	}
	return nil
}

func (v *Validator) security(r *http.Request, stage Stage, t Threat, kind, where string) *apierr.Error {
	v.log.Debug("security pattern matched",
		zap.String("stage", string(stage)),
		zap.String("threat", string(t)),
		zap.String(kind, where),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	)
	return apierr.SecurityValidation("Security validation failed").
		WithDetail("reason", string(t)).
		WithDetail(kind, where)
}

func (v *Validator) securityShape(r *http.Request, reason, path string) *apierr.Error {
	v.log.Debug("security pattern matched",
		zap.String("stage", string(StageBody)),
		zap.String("threat", reason),
		zap.String("field", path),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	)
	return apierr.SecurityValidation("Security validation failed").
		WithDetail("reason", reason).
		WithDetail("field", path)
}

// sortedKeys fixes scan order so the first reported param or field is stable.
func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
