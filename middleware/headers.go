package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mnehpets/modernrpc/endpoint"
	"github.com/samber/lo"
)

// HeadersProcessor sets response hardening headers for RPC endpoints and
// answers CORS preflight requests from browser based clients.
//
// RPC responses are data, never documents, so the defaults are strict:
//   - Strict-Transport-Security: max-age=31536000; includeSubDomains
//   - Content-Security-Policy: default-src 'none'; frame-ancestors 'none'
//   - Referrer-Policy: no-referrer
//   - X-Content-Type-Options: nosniff
//   - Cache-Control: no-store
type HeadersProcessor struct {
	// HSTSMaxAge in seconds. Zero disables the header.
	HSTSMaxAge int
	// Static headers set on every response. An empty value removes the header.
	Static map[string]string
	// CORS is nil when cross origin calls are not allowed.
	CORS *CORSConfig
}

// CORSConfig describes which browser origins may call the endpoint.
type CORSConfig struct {
	// AllowedOrigins holds exact origins, or "*" for any origin.
	AllowedOrigins   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	// MaxAge in seconds for caching preflight results.
	MaxAge int
}

// HeadersOption configures a HeadersProcessor.
type HeadersOption func(*HeadersProcessor)

// DefaultCORSHeaders are the request headers RPC clients need.
var DefaultCORSHeaders = []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"}

// NewHeadersProcessor creates a HeadersProcessor with the strict defaults.
func NewHeadersProcessor(opts ...HeadersOption) *HeadersProcessor {
	p := &HeadersProcessor{
		HSTSMaxAge: 31536000,
		Static: map[string]string{
			"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
			"Referrer-Policy":         "no-referrer",
			"X-Content-Type-Options":  "nosniff",
			"Cache-Control":           "no-store",
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithHSTSMaxAge sets the HSTS lifetime. Zero disables HSTS, e.g. behind plain HTTP.
func WithHSTSMaxAge(seconds int) HeadersOption {
	return func(p *HeadersProcessor) { p.HSTSMaxAge = seconds }
}

// WithHeader sets or, with an empty value, removes a static header.
func WithHeader(name, value string) HeadersOption {
	return func(p *HeadersProcessor) { p.Static[http.CanonicalHeaderKey(name)] = value }
}

// WithCORS enables cross origin calls. Missing header lists take defaults.
func WithCORS(cfg CORSConfig) HeadersOption {
	return func(p *HeadersProcessor) {
		if len(cfg.AllowedHeaders) == 0 {
			cfg.AllowedHeaders = DefaultCORSHeaders
		}
		if len(cfg.ExposedHeaders) == 0 {
			cfg.ExposedHeaders = []string{"X-Request-Id"}
		}
		p.CORS = &cfg
	}
}

// Process implements endpoint.Processor.
func (p *HeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	if p.HSTSMaxAge > 0 {
		h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(p.HSTSMaxAge)+"; includeSubDomains")
	}
	for name, value := range p.Static {
		if value != "" {
			h.Set(name, value)
		}
	}

	if p.CORS != nil {
		if origin := r.Header.Get("Origin"); origin != "" && p.CORS.setHeaders(h, origin) {
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", strings.Join(p.CORS.AllowedHeaders, ", "))
				if p.CORS.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(p.CORS.MaxAge))
				}
				return endpoint.Error(http.StatusNoContent, "", nil)
			}
		}
	}

	return next(w, r)
}

// setHeaders writes the simple request headers and reports whether origin is allowed.
func (c *CORSConfig) setHeaders(h http.Header, origin string) bool {
	h.Add("Vary", "Origin")
	switch {
	case lo.Contains(c.AllowedOrigins, origin):
		h.Set("Access-Control-Allow-Origin", origin)
	case lo.Contains(c.AllowedOrigins, "*") && !c.AllowCredentials:
		// A wildcard is never combined with credentials.
		h.Set("Access-Control-Allow-Origin", "*")
	default:
		return false
	}
	if c.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(c.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(c.ExposedHeaders, ", "))
	}
	return true
}

var _ endpoint.Processor = (*HeadersProcessor)(nil)
