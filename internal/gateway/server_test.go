package gateway

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnichat/gateway/internal/bus"
	"github.com/omnichat/gateway/internal/compose"
	"github.com/omnichat/gateway/internal/config"
	"github.com/omnichat/gateway/internal/jsoncodec"
	"github.com/omnichat/gateway/internal/logging"
	"github.com/omnichat/gateway/internal/metrics"
	"github.com/omnichat/gateway/internal/ratelimit"
)

// brokenPublisher always fails, driving the 502 path.
type brokenPublisher struct{}

func (brokenPublisher) Publish(topic string, messages ...*message.Message) error {
	return errors.New("broker unavailable")
}
func (brokenPublisher) Close() error { return nil }

type serverOptions struct {
	publisher message.Publisher
	limiter   ratelimit.Limiter
	cfg       *config.Config
	gatherer  prometheus.Gatherer
	auth      AuthFunc
	registry  *metrics.Registry
}

func newTestServer(t *testing.T, opts serverOptions) *Server {
	t.Helper()

	if opts.cfg == nil {
		opts.cfg = config.Default()
	}
	if opts.publisher == nil {
		opts.publisher = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	}
	if opts.limiter == nil {
		opts.limiter = ratelimit.NewInMemory(1000, time.Minute)
	}
	if opts.registry == nil {
		opts.registry = metrics.NewRegistry(nil)
	}

	logger := logging.NewDefaultLogger()
	publisher := bus.NewPublisher(opts.publisher, bus.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, logger)
	composer := compose.NewComposer(compose.DefaultDoc())

	return NewServer(opts.cfg, logger, publisher, composer, opts.limiter, opts.registry, opts.gatherer, opts.auth)
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

const validInbound = `{"message": {
	"channel": "whatsapp",
	"direction": "in",
	"from": {"id": "+5511999990000"},
	"to": {"id": "gateway"},
	"text": "oi"
}}`

func TestInboxAcceptsValidEnvelope(t *testing.T) {
	registry := metrics.NewRegistry(nil)
	srv := newTestServer(t, serverOptions{registry: registry})
	handler := srv.Handler()

	rec := postJSON(t, handler, "/omni/inbox", validInbound)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.NotEmpty(t, rec.Header().Get(HeaderTraceID))
	assert.Equal(t, uint64(1), registry.CounterValue(metrics.CounterInbound, metrics.Labels{"channel": "whatsapp"}))
}

func TestInboxRejectsInvalidEnvelope(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	handler := srv.Handler()

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{broken`},
		{"no message wrapper", `{"channel": "sms"}`},
		{"missing parties", `{"message": {"channel": "sms", "direction": "in"}}`},
		{"unknown channel", `{"message": {"channel": "fax", "direction": "in", "from": {"id": "a"}, "to": {"id": "b"}}}`},
		{"wrong direction", `{"message": {"channel": "sms", "direction": "out", "from": {"id": "a"}, "to": {"id": "b"}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, handler, "/omni/inbox", tc.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		})
	}
}

func TestOutboxChecksOutboundDirection(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	handler := srv.Handler()

	outbound := `{"message": {
		"channel": "email",
		"direction": "out",
		"from": {"id": "sales@acme.example"},
		"to": {"id": "user@example.com"},
		"text": "proposta"
	}}`
	rec := postJSON(t, handler, "/omni/outbox", outbound)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = postJSON(t, handler, "/omni/outbox", validInbound)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestInboxBusFailureIs502(t *testing.T) {
	srv := newTestServer(t, serverOptions{publisher: brokenPublisher{}})
	rec := postJSON(t, srv.Handler(), "/omni/inbox", validInbound)
	assert.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
}

func TestInboxRateLimited(t *testing.T) {
	srv := newTestServer(t, serverOptions{limiter: ratelimit.NewInMemory(2, time.Minute)})
	handler := srv.Handler()

	for i := 0; i < 2; i++ {
		rec := postJSON(t, handler, "/omni/inbox", validInbound)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := postJSON(t, handler, "/omni/inbox", validInbound)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRateLimitKeyedPerClient(t *testing.T) {
	srv := newTestServer(t, serverOptions{limiter: ratelimit.NewInMemory(1, time.Minute)})
	handler := srv.Handler()

	first := httptest.NewRequest(http.MethodPost, "/omni/inbox", strings.NewReader(validInbound))
	first.Header.Set("X-Forwarded-For", "10.0.0.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	// Same client again: over budget.
	second := httptest.NewRequest(http.MethodPost, "/omni/inbox", strings.NewReader(validInbound))
	second.Header.Set("X-Forwarded-For", "10.0.0.1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, second)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different client keeps its own budget.
	third := httptest.NewRequest(http.MethodPost, "/omni/inbox", strings.NewReader(validInbound))
	third.Header.Set("X-Forwarded-For", "10.0.0.2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, third)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestComposeEndpoint(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	handler := srv.Handler()

	body := `{
		"personaId": "residencial",
		"region": "SE",
		"channel": "whatsapp",
		"variables": {"nome": "Joana", "consumo": 350, "economia": "20%", "link_curto": "omni.sh/x1"}
	}`
	rec := postJSON(t, handler, "/messaging/compose", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result compose.Result
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, compose.StatusPass, result.Compliance.Status)
	assert.NotEmpty(t, result.PlaceholdersUsed)
}

func TestComposeUnknownPersonaIs400(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	rec := postJSON(t, srv.Handler(), "/messaging/compose",
		`{"personaId": "X", "region": "SE", "channel": "sms"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestComposeComplianceFailureIs422(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	body := `{
		"personaId": "residencial",
		"region": "SE",
		"channel": "whatsapp",
		"marketing": true,
		"variables": {"nome": "Joana", "consumo": 350, "economia": "20%",
			"link_curto": "https://tracking.example.com/muito-longo-demais-para-caber"}
	}`
	rec := postJSON(t, srv.Handler(), "/messaging/compose", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var result compose.Result
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, compose.StatusFail, result.Compliance.Status)
	assert.NotEmpty(t, result.Compliance.Errors)
}

func TestValidateEndpoint(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	handler := srv.Handler()

	rec := postJSON(t, handler, "/messaging/validate", `{
		"personaId": "residencial",
		"region": "SE",
		"channel": "sms",
		"variables": {"nome": "Ana", "economia": "20%", "link_curto": "omni.sh/x"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var validation compose.Validation
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &validation))
	assert.Equal(t, compose.StatusPass, validation.Compliance.Status)

	rec = postJSON(t, handler, "/messaging/validate", `{"personaId": "X", "region": "SE", "channel": "sms"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPerformanceEndpoint(t *testing.T) {
	registry := metrics.NewRegistry(nil)
	registry.IncCounter(metrics.CounterInbound, metrics.Labels{"channel": "sms"})
	srv := newTestServer(t, serverOptions{registry: registry})

	req := httptest.NewRequest(http.MethodGet, "/monitoring/performance", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var report metrics.PerformanceReport
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, uint64(1), report.Channels["sms"].Inbound)
	assert.Equal(t, uint64(1), report.Totals.Inbound)
}

func TestMetricsEndpointGatedByFlag(t *testing.T) {
	prom := prometheus.NewRegistry()
	registry := metrics.NewRegistry(prom)
	registry.IncCounter(metrics.CounterInbound, metrics.Labels{"channel": "sms"})

	cfg := config.Default()
	cfg.MetricsEnabled = true
	enabled := newTestServer(t, serverOptions{cfg: cfg, registry: registry, gatherer: prom})

	req := httptest.NewRequest(http.MethodGet, "/monitoring/metrics", nil)
	rec := httptest.NewRecorder()
	enabled.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "omni_inbound_total")

	disabled := newTestServer(t, serverOptions{gatherer: prom})
	rec = httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthGate(t *testing.T) {
	deny := func(r *http.Request) error { return errors.New("no session") }

	cfg := config.Default()
	srv := newTestServer(t, serverOptions{cfg: cfg, auth: deny})
	handler := srv.Handler()

	// Business routes are gated.
	rec := postJSON(t, handler, "/omni/inbox", validInbound)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Allowlisted monitoring prefix bypasses the gate outside production.
	req := httptest.NewRequest(http.MethodGet, "/monitoring/performance", nil)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code)

	// In production the allowlist no longer applies.
	prodCfg := config.Default()
	prodCfg.Environment = "production"
	prod := newTestServer(t, serverOptions{cfg: prodCfg, auth: deny})
	rec3 := httptest.NewRecorder()
	prod.Handler().ServeHTTP(rec3, req)
	assert.Equal(t, http.StatusUnauthorized, rec3.Code)
}

func TestTraceIDRespectedAndEchoed(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderTraceID, "trace-abc")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trace-abc", rec.Header().Get(HeaderTraceID))
}

func TestErrorBodyCarriesTraceID(t *testing.T) {
	srv := newTestServer(t, serverOptions{publisher: brokenPublisher{}})

	req := httptest.NewRequest(http.MethodPost, "/omni/inbox", bytes.NewReader([]byte(validInbound)))
	req.Header.Set(HeaderTraceID, "trace-err")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var resp struct {
		Error   string `json:"error"`
		TraceID string `json:"traceId"`
	}
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "trace-err", resp.TraceID)
	assert.NotEmpty(t, resp.Error)
}
