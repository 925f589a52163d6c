package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsail-llc/robothor/pkg/eventlog"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, eventlog.Event, int64) (string, error) {
	return "", errors.New("redis down")
}

func newTestServer(t *testing.T, opts ServerOptions, sources ...Source) (*Server, *eventlog.MemoryLog) {
	t.Helper()
	log := eventlog.NewMemory()
	srv, err := NewServer(opts, sources, log, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(srv.rateLimiter.Stop)
	return srv, log
}

func post(t *testing.T, h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func lastEvent(t *testing.T, log *eventlog.MemoryLog, stream string) eventlog.Event {
	t.Helper()
	entries, err := log.Range(context.Background(), stream, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	return entries[len(entries)-1].Event
}

func TestNewServerValidation(t *testing.T) {
	log := eventlog.NewMemory()

	_, err := NewServer(ServerOptions{}, []Source{{Name: "gh"}}, log, nil, zerolog.Nop())
	assert.ErrorContains(t, err, "requires name and stream")

	_, err = NewServer(ServerOptions{}, []Source{{Name: "a", Stream: "s"}, {Name: "a", Stream: "t"}}, log, nil, zerolog.Nop())
	assert.ErrorContains(t, err, "duplicate ingress source a")

	_, err = NewServer(ServerOptions{}, []Source{{Name: "a", Stream: "s", SignatureAlgorithm: "md5"}}, log, nil, zerolog.Nop())
	assert.ErrorContains(t, err, "unsupported signature algorithm")

	_, err = NewServer(ServerOptions{}, []Source{{Name: "a", Stream: "s"}}, nil, nil, zerolog.Nop())
	assert.ErrorContains(t, err, "publisher is required")

	srv, err := NewServer(ServerOptions{}, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	defer srv.rateLimiter.Stop()
	assert.Equal(t, defaultAddress, srv.options.Address)
	assert.Equal(t, defaultRateLimit, srv.options.RateLimitPerMinute)
	assert.EqualValues(t, defaultMaxBodyBytes, srv.options.MaxBodyBytes)
}

func TestHealth(t *testing.T) {
	log := eventlog.NewMemory()
	srv, err := NewServer(ServerOptions{}, []Source{{Name: "gh", Stream: "events:github"}}, log,
		func() map[string]any { return map[string]any{"agents": 3} }, zerolog.Nop())
	require.NoError(t, err)
	defer srv.rateLimiter.Stop()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["sources"])
	assert.EqualValues(t, 3, body["agents"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, ServerOptions{Metrics: true})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	off, _ := newTestServer(t, ServerOptions{})
	rec = httptest.NewRecorder()
	off.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventPublished(t *testing.T) {
	srv, log := newTestServer(t, ServerOptions{}, Source{Name: "crm", Stream: "events:crm"})

	rec := post(t, srv.Handler(), "/events/crm", `{"type":"contact.created","id":42}`,
		map[string]string{correlationHeader: "corr-1"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "events:crm", resp["stream"])
	assert.NotEmpty(t, resp["id"])

	ev := lastEvent(t, log, "events:crm")
	assert.Equal(t, "contact.created", ev.Type)
	assert.Equal(t, "webhook:crm", ev.Source)
	assert.Equal(t, "corr-1", ev.CorrelationID)
	assert.EqualValues(t, 42, ev.Payload["id"])
}

func TestEventTypeResolution(t *testing.T) {
	srv, log := newTestServer(t, ServerOptions{},
		Source{Name: "gh", Stream: "events:github", TypeHeader: "X-GitHub-Event"},
		Source{Name: "plain", Stream: "events:plain", DefaultType: "ping"},
		Source{Name: "bare", Stream: "events:bare"},
	)
	h := srv.Handler()

	require.Equal(t, http.StatusAccepted, post(t, h, "/events/gh", `{"type":"ignored"}`, map[string]string{"X-GitHub-Event": "push"}).Code)
	assert.Equal(t, "push", lastEvent(t, log, "events:github").Type)

	require.Equal(t, http.StatusAccepted, post(t, h, "/events/plain", `{}`, nil).Code)
	assert.Equal(t, "ping", lastEvent(t, log, "events:plain").Type)

	require.Equal(t, http.StatusAccepted, post(t, h, "/events/plain", `{}`, map[string]string{eventTypeHeader: "pong"}).Code)
	assert.Equal(t, "pong", lastEvent(t, log, "events:plain").Type)

	require.Equal(t, http.StatusAccepted, post(t, h, "/events/bare", `[1,2]`, nil).Code)
	ev := lastEvent(t, log, "events:bare")
	assert.Equal(t, "webhook.bare", ev.Type)
	assert.Equal(t, []any{float64(1), float64(2)}, ev.Payload["body"])
	assert.NotEmpty(t, ev.CorrelationID)
}

func TestUnknownSource(t *testing.T) {
	srv, _ := newTestServer(t, ServerOptions{})
	rec := post(t, srv.Handler(), "/events/nope", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t, ServerOptions{}, Source{Name: "crm", Stream: "events:crm"})
	rec := post(t, srv.Handler(), "/events/crm", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignatureRequired(t *testing.T) {
	srv, log := newTestServer(t, ServerOptions{}, Source{Name: "gh", Stream: "events:github", Secret: "s3cret", SignatureHeader: "X-Hub-Signature-256"})
	h := srv.Handler()
	body := `{"type":"push"}`

	assert.Equal(t, http.StatusUnauthorized, post(t, h, "/events/gh", body, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, post(t, h, "/events/gh", body, map[string]string{"X-Hub-Signature-256": Sign([]byte(body), "wrong")}).Code)

	n, err := log.Len(context.Background(), "events:github")
	require.NoError(t, err)
	assert.Zero(t, n)

	rec := post(t, h, "/events/gh", body, map[string]string{"X-Hub-Signature-256": Sign([]byte(body), "s3cret")})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestBodyTooLarge(t *testing.T) {
	srv, _ := newTestServer(t, ServerOptions{MaxBodyBytes: 16}, Source{Name: "crm", Stream: "events:crm"})
	rec := post(t, srv.Handler(), "/events/crm", `{"payload":"`+strings.Repeat("x", 64)+`"}`, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRateLimited(t *testing.T) {
	srv, _ := newTestServer(t, ServerOptions{RateLimitPerMinute: 2}, Source{Name: "crm", Stream: "events:crm"})
	h := srv.Handler()

	assert.Equal(t, http.StatusAccepted, post(t, h, "/events/crm", `{}`, nil).Code)
	assert.Equal(t, http.StatusAccepted, post(t, h, "/events/crm", `{}`, nil).Code)
	rec := post(t, h, "/events/crm", `{}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// a different client is unaffected
	assert.Equal(t, http.StatusAccepted, post(t, h, "/events/crm", `{}`, map[string]string{"X-Forwarded-For": "10.0.0.9"}).Code)
}

func TestPublishFailure(t *testing.T) {
	srv, err := NewServer(ServerOptions{}, []Source{{Name: "crm", Stream: "events:crm"}}, failingPublisher{}, nil, zerolog.Nop())
	require.NoError(t, err)
	defer srv.rateLimiter.Stop()

	rec := post(t, srv.Handler(), "/events/crm", `{}`, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestShuttingDownRejects(t *testing.T) {
	srv, _ := newTestServer(t, ServerOptions{}, Source{Name: "crm", Stream: "events:crm"})
	require.NoError(t, srv.Stop(context.Background()))

	rec := post(t, srv.Handler(), "/events/crm", `{}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartStop(t *testing.T) {
	srv, _ := newTestServer(t, ServerOptions{Address: "127.0.0.1:0"})
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}

func TestSetSourcesReplaces(t *testing.T) {
	srv, _ := newTestServer(t, ServerOptions{}, Source{Name: "crm", Stream: "events:crm"})
	require.NoError(t, srv.SetSources([]Source{{Name: "erp", Stream: "events:erp"}}))

	h := srv.Handler()
	assert.Equal(t, http.StatusNotFound, post(t, h, "/events/crm", `{}`, nil).Code)
	assert.Equal(t, http.StatusAccepted, post(t, h, "/events/erp", `{}`, nil).Code)
}
