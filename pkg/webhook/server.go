// Package webhook is the engine's HTTP surface: a health check, the
// Prometheus endpoint and an event ingress that turns signed POSTs from
// external systems into event log entries for the hook consumer.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ironsail-llc/robothor/internal/observability"
	"github.com/ironsail-llc/robothor/pkg/agent"
	"github.com/ironsail-llc/robothor/pkg/eventlog"
)

const (
	defaultAddress        = "127.0.0.1:9464"
	defaultRateLimit      = 100
	defaultMaxBodyBytes   = 1 << 20
	defaultPublishTimeout = 10 * time.Second
	defaultSignatureHdr   = "X-Webhook-Signature"
	eventTypeHeader       = "X-Event-Type"
	correlationHeader     = "X-Correlation-ID"
)

// Publisher appends events to a stream. eventlog.Log satisfies it.
type Publisher interface {
	Publish(ctx context.Context, stream string, ev eventlog.Event, maxLen int64) (string, error)
}

// StatusFunc reports extra fields for /health.
type StatusFunc func() map[string]any

// Server is the HTTP server
type Server struct {
	options     ServerOptions
	publisher   Publisher
	status      StatusFunc
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	now         func() time.Time
	startTime   time.Time

	sourcesMu sync.RWMutex
	sources   map[string]Source

	server     *http.Server
	listener   net.Listener
	shutdownMu sync.RWMutex
	shutdown   bool
	inFlight   sync.WaitGroup
}

// NewServer creates a server. publisher may be nil when no sources are
// configured.
func NewServer(options ServerOptions, sources []Source, publisher Publisher, status StatusFunc, logger zerolog.Logger) (*Server, error) {
	if options.Address == "" {
		options.Address = defaultAddress
	}
	if options.RateLimitPerMinute <= 0 {
		options.RateLimitPerMinute = defaultRateLimit
	}
	if options.MaxBodyBytes <= 0 {
		options.MaxBodyBytes = defaultMaxBodyBytes
	}
	if options.PublishTimeout <= 0 {
		options.PublishTimeout = defaultPublishTimeout
	}
	if len(sources) > 0 && publisher == nil {
		return nil, fmt.Errorf("publisher is required when ingress sources are configured")
	}

	s := &Server{
		options:     options,
		publisher:   publisher,
		status:      status,
		rateLimiter: NewRateLimiter(options.RateLimitPerMinute),
		logger:      logger.With().Str("component", "http").Logger(),
		now:         time.Now,
		startTime:   time.Now(),
		sources:     make(map[string]Source),
	}
	if err := s.SetSources(sources); err != nil {
		s.rateLimiter.Stop()
		return nil, err
	}
	return s, nil
}

// SetSources replaces the ingress sources.
func (s *Server) SetSources(sources []Source) error {
	next := make(map[string]Source, len(sources))
	for _, src := range sources {
		src.Name = strings.TrimSpace(src.Name)
		if src.Name == "" || src.Stream == "" {
			return fmt.Errorf("ingress source requires name and stream")
		}
		if _, dup := next[src.Name]; dup {
			return fmt.Errorf("duplicate ingress source %s", src.Name)
		}
		if src.SignatureAlgorithm == "" {
			src.SignatureAlgorithm = "sha256"
		}
		if src.SignatureAlgorithm != "sha256" && src.SignatureAlgorithm != "sha1" {
			return fmt.Errorf("ingress source %s: unsupported signature algorithm %q", src.Name, src.SignatureAlgorithm)
		}
		if src.SignatureHeader == "" {
			src.SignatureHeader = defaultSignatureHdr
		}
		next[src.Name] = src
	}
	s.sourcesMu.Lock()
	s.sources = next
	s.sourcesMu.Unlock()
	return nil
}

// Handler returns the routing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.options.Metrics {
		mux.Handle("GET /metrics", observability.MetricsHandler())
	}
	mux.HandleFunc("POST /events/{source}", s.handleEvent)
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.options.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.options.Address, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	s.logger.Info().Str("address", ln.Addr().String()).Bool("metrics", s.options.Metrics).Msg("HTTP server started")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.options.Address
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.shutdown = true
	s.shutdownMu.Unlock()

	s.rateLimiter.Stop()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sourcesMu.RLock()
	sourceCount := len(s.sources)
	s.sourcesMu.RUnlock()

	response := map[string]any{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"sources":   sourceCount,
		"timestamp": s.now().UnixMilli(),
	}
	if s.status != nil {
		for k, v := range s.status() {
			response[k] = v
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("source")
	code := s.serveEvent(w, r, name)
	observability.RecordIngressRequest(name, code)
}

func (s *Server) serveEvent(w http.ResponseWriter, r *http.Request, name string) int {
	s.shutdownMu.RLock()
	if s.shutdown {
		s.shutdownMu.RUnlock()
		return writeError(w, http.StatusServiceUnavailable, "server is shutting down")
	}
	s.inFlight.Add(1)
	s.shutdownMu.RUnlock()
	defer s.inFlight.Done()

	ip := clientIP(r)
	if !s.rateLimiter.CheckLimit(ip) {
		retryAfter := s.rateLimiter.RetryAfter(ip)
		s.logger.Warn().Str("ip", ip).Str("source", name).Int("retry_after", retryAfter).Msg("Rate limit exceeded")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		return writeError(w, http.StatusTooManyRequests, "too many requests")
	}

	s.sourcesMu.RLock()
	src, ok := s.sources[name]
	s.sourcesMu.RUnlock()
	if !ok {
		return writeError(w, http.StatusNotFound, "unknown source")
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.options.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		}
		return writeError(w, http.StatusBadRequest, "failed to read body")
	}

	if src.Secret != "" {
		sig := r.Header.Get(src.SignatureHeader)
		if sig == "" || !verifySignature(body, sig, src.Secret, src.SignatureAlgorithm) {
			s.logger.Warn().Str("source", name).Str("ip", ip).Bool("missing", sig == "").Msg("Rejected unsigned or mis-signed event")
			return writeError(w, http.StatusUnauthorized, "invalid signature")
		}
	}

	payload, err := parsePayload(r.Header.Get("Content-Type"), body)
	if err != nil {
		return writeError(w, http.StatusBadRequest, err.Error())
	}
	eventType := eventTypeOf(src, r, payload)

	correlationID := r.Header.Get(correlationHeader)
	if correlationID == "" {
		correlationID = agent.NewCorrelationID()
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.options.PublishTimeout)
	defer cancel()
	id, err := s.publisher.Publish(ctx, src.Stream, eventlog.Event{
		Type:          eventType,
		Source:        "webhook:" + src.Name,
		Payload:       payload,
		CorrelationID: correlationID,
		Timestamp:     s.now(),
	}, s.options.StreamMaxLen)
	if err != nil {
		s.logger.Error().Err(err).Str("source", name).Str("stream", src.Stream).Msg("Failed to publish ingress event")
		return writeError(w, http.StatusBadGateway, "failed to publish event")
	}

	s.logger.Info().
		Str("source", name).
		Str("stream", src.Stream).
		Str("event_type", eventType).
		Str("entry_id", id).
		Str("correlation_id", correlationID).
		Msg("Ingress event published")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"stream":         src.Stream,
		"id":             id,
		"type":           eventType,
		"correlation_id": correlationID,
	})
	return http.StatusAccepted
}

// parsePayload decodes a JSON object body. Any other JSON value, form data
// or raw text is wrapped under "body".
func parsePayload(contentType string, body []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return map[string]any{}, nil
	}
	switch {
	case strings.Contains(contentType, "application/json"), contentType == "":
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			if contentType == "" {
				return map[string]any{"body": string(body)}, nil
			}
			return nil, fmt.Errorf("invalid JSON body")
		}
		if obj, ok := v.(map[string]any); ok {
			return obj, nil
		}
		return map[string]any{"body": v}, nil
	default:
		return map[string]any{"body": string(body)}, nil
	}
}

func eventTypeOf(src Source, r *http.Request, payload map[string]any) string {
	if src.TypeHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(src.TypeHeader)); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(r.Header.Get(eventTypeHeader)); v != "" {
		return v
	}
	if v, ok := payload["type"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if src.DefaultType != "" {
		return src.DefaultType
	}
	return "webhook." + src.Name
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) int {
	writeJSON(w, status, map[string]string{"error": msg})
	return status
}
