package webhook

import (
	"time"
)

// Source is one named event producer allowed to post to the ingress.
type Source struct {
	// Name appears in the URL: POST /events/{name}.
	Name string `json:"name" mapstructure:"name"`
	// Stream receives the published events.
	Stream string `json:"stream" mapstructure:"stream"`
	// Secret enables HMAC signature verification when set.
	Secret             string `json:"-" mapstructure:"secret"`
	SignatureHeader    string `json:"signature_header" mapstructure:"signature_header"`
	SignatureAlgorithm string `json:"signature_algorithm" mapstructure:"signature_algorithm"`
	// TypeHeader names a request header carrying the event type,
	// e.g. X-GitHub-Event.
	TypeHeader string `json:"type_header" mapstructure:"type_header"`
	// DefaultType is used when neither the header nor the body's "type"
	// field names one.
	DefaultType string `json:"default_type" mapstructure:"default_type"`
}

// ServerOptions configures the HTTP server
type ServerOptions struct {
	Address            string        // listen address (default: 127.0.0.1:9464)
	RateLimitPerMinute int           // requests per minute per IP (default: 100)
	MaxBodyBytes       int64         // request body cap (default: 1 MiB)
	StreamMaxLen       int64         // trim length for published streams
	PublishTimeout     time.Duration // default: 10s
	Metrics            bool          // serve /metrics
}

// RateLimitState tracks rate limiting per IP
type RateLimitState struct {
	Requests []int64 // unix millis of requests inside the window
}
