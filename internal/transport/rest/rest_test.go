package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qollective/qollective-go/internal/bus"
	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/server"
	"github.com/qollective/qollective-go/pkg/transport"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func fullMeta(t *testing.T) envelope.Meta {
	t.Helper()
	ts := time.Date(2025, 6, 1, 12, 30, 0, 250000000, time.UTC)
	sampled := true
	meta := envelope.Meta{
		RequestID: "req-123",
		Timestamp: &ts,
		Version:   "1.0",
		Tenant:    "acme",
		OnBehalfOf: &envelope.OnBehalfOf{
			OriginalUser:     "alice",
			DelegatingUser:   "svc-gateway",
			DelegatingTenant: "acme",
		},
		Security: &envelope.Security{UserID: "u-9", SessionID: "s-4"},
		Tracing: &envelope.Tracing{
			TraceID:      "trace-1",
			SpanID:       "span-1",
			ParentSpanID: "span-0",
			Sampled:      &sampled,
		},
		Perf: &envelope.Performance{DurationMs: 17},
	}
	require.NoError(t, meta.Extensions.Set("workflow", map[string]interface{}{"id": "wf-1"}))
	require.NoError(t, meta.Extensions.Set("color", "blue"))
	return meta
}

func TestHeaderRoundTrip(t *testing.T) {
	meta := fullMeta(t)
	h := http.Header{}
	require.NoError(t, InjectMeta(h, &meta, config.DefaultExtensionPrefix))

	got, err := ExtractMeta(h, config.DefaultExtensionPrefix)
	require.NoError(t, err)

	assert.Equal(t, meta.RequestID, got.RequestID)
	require.NotNil(t, got.Timestamp)
	assert.True(t, meta.Timestamp.Equal(*got.Timestamp))
	assert.Equal(t, meta.Version, got.Version)
	assert.Equal(t, meta.Tenant, got.Tenant)
	require.NotNil(t, got.OnBehalfOf)
	assert.Equal(t, *meta.OnBehalfOf, *got.OnBehalfOf)
	require.NotNil(t, got.Security)
	assert.Equal(t, "u-9", got.Security.UserID)
	assert.Equal(t, "s-4", got.Security.SessionID)
	require.NotNil(t, got.Tracing)
	assert.Equal(t, "trace-1", got.Tracing.TraceID)
	assert.Equal(t, "span-1", got.Tracing.SpanID)
	assert.Equal(t, "span-0", got.Tracing.ParentSpanID)
	require.NotNil(t, got.Perf)
	assert.Equal(t, int64(17), got.Perf.DurationMs)

	var wf struct {
		ID string `json:"id"`
	}
	require.NoError(t, got.Extensions.Decode("workflow", &wf))
	assert.Equal(t, "wf-1", wf.ID)
	raw, ok := got.Extensions.Get("color")
	require.True(t, ok)
	assert.JSONEq(t, `"blue"`, string(raw))
}

func TestOnBehalfOfWireShapeIsCamelCase(t *testing.T) {
	meta := fullMeta(t)
	h := http.Header{}
	require.NoError(t, InjectMeta(h, &meta, config.DefaultExtensionPrefix))

	var wire map[string]string
	require.NoError(t, json.Unmarshal([]byte(h.Get(HeaderOnBehalfOf)), &wire))
	assert.Equal(t, "alice", wire["originalUser"])
	assert.Equal(t, "svc-gateway", wire["delegatingUser"])
	assert.Equal(t, "acme", wire["delegatingTenant"])
}

func TestExtractRejectsMalformedOnBehalfOf(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderOnBehalfOf, "{not json")
	_, err := ExtractMeta(h, config.DefaultExtensionPrefix)
	assert.True(t, qerrors.IsKind(err, qerrors.KindValidation))
}

func TestExtractIsCaseInsensitive(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("x-request-id", "lower-1")
	req.Header.Set("X-TENANT", "shout")

	meta, err := ExtractMeta(req.Header, config.DefaultExtensionPrefix)
	require.NoError(t, err)
	assert.Equal(t, "lower-1", meta.RequestID)
	assert.Equal(t, "shout", meta.Tenant)
}

func signedToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	builder := jwt.NewBuilder()
	for k, v := range claims {
		builder = builder.Claim(k, v)
	}
	tok, err := builder.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("test-secret")))
	require.NoError(t, err)
	return string(signed)
}

func TestBearerClaimsWinOverExplicitHeaders(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderTenant, "header-tenant")
	h.Set(HeaderUserID, "header-user")
	h.Set("Authorization", "Bearer "+signedToken(t, map[string]interface{}{
		"tenant":     "jwt-tenant",
		"sub":        "jwt-user",
		"session_id": "jwt-session",
	}))

	meta, err := ExtractMeta(h, config.DefaultExtensionPrefix)
	require.NoError(t, err)
	applyBearerClaims(h, &meta)

	assert.Equal(t, "jwt-tenant", meta.Tenant)
	require.NotNil(t, meta.Security)
	assert.Equal(t, "jwt-user", meta.Security.UserID)
	assert.Equal(t, "jwt-session", meta.Security.SessionID)
	assert.Equal(t, "jwt", meta.Security.AuthMethod)
}

func TestGarbageBearerTokenIsIgnored(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderTenant, "header-tenant")
	h.Set("Authorization", "Bearer not.a.token")

	meta, err := ExtractMeta(h, config.DefaultExtensionPrefix)
	require.NoError(t, err)
	applyBearerClaims(h, &meta)
	assert.Equal(t, "header-tenant", meta.Tenant)
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(config.RestServerConfig{
		ExtensionPrefix: config.DefaultExtensionPrefix,
		ShutdownTimeout: time.Second,
	}, nil, quietLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func newTestClient(baseURL string, headers map[string]string) *Client {
	return NewClient(config.RestClientConfig{
		BaseURL:         baseURL,
		RequestTimeout:  5 * time.Second,
		DefaultHeaders:  headers,
		ExtensionPrefix: config.DefaultExtensionPrefix,
		RetryAttempts:   1,
	}, nil, quietLogger())
}

func TestEchoRoundTrip(t *testing.T) {
	srv, ts := newTestServer(t)
	echo := server.Chain(server.Echo(), server.Pipeline(quietLogger())...)
	srv.RegisterHandler(http.MethodPost, "/echo", echo)

	client := newTestClient(ts.URL, nil)

	meta := envelope.NewMeta()
	meta.Tenant = "t1"
	req := &envelope.Raw{Meta: meta, Payload: json.RawMessage(`{"ping":42}`)}

	res, err := client.PostEnvelope(context.Background(), "/echo", req)
	require.NoError(t, err)

	assert.JSONEq(t, `{"ping":42}`, string(res.Payload))
	assert.Equal(t, meta.RequestID, res.Meta.RequestID)
	assert.Equal(t, "t1", res.Meta.Tenant)
	require.NotNil(t, res.Meta.Perf)
	assert.GreaterOrEqual(t, res.Meta.Perf.DurationMs, int64(0))
	require.NotNil(t, res.Meta.Tracing)
	assert.NotEmpty(t, res.Meta.Tracing.TraceID)
}

func TestHandlerErrorBecomesEnvelopeErrorBody(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.RegisterHandler(http.MethodPost, "/fail", func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		return nil, qerrors.New(qerrors.KindValidation, "payload rejected")
	})

	client := newTestClient(ts.URL, nil)
	_, err := client.Post(context.Background(), "/fail", envelope.NewMeta())
	require.Error(t, err)

	var ee *qerrors.EnvelopeError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "VALIDATION", ee.Code)
	assert.Equal(t, http.StatusBadRequest, ee.HTTPStatusCode)
	assert.Equal(t, "payload rejected", ee.Message)
}

func TestServerAppliesBearerClaims(t *testing.T) {
	srv, ts := newTestServer(t)

	var seenTenant string
	srv.RegisterHandler(http.MethodPost, "/whoami", func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		seenTenant = req.Meta.Tenant
		return envelope.NullRaw(req.Meta.ResponseMeta()), nil
	})

	token := signedToken(t, map[string]interface{}{"tenant": "jwt-tenant"})
	client := newTestClient(ts.URL, map[string]string{"Authorization": "Bearer " + token})

	meta := envelope.NewMeta()
	meta.Tenant = "explicit-tenant"
	_, err := client.Post(context.Background(), "/whoami", meta)
	require.NoError(t, err)
	assert.Equal(t, "jwt-tenant", seenTenant)
}

func TestClientOmitsTenantHeaderWhenJWTConfigured(t *testing.T) {
	var gotTenant, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = r.Header.Get(HeaderTenant)
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("null"))
	}))
	defer ts.Close()

	client := newTestClient(ts.URL, map[string]string{"Authorization": "Bearer abc.def.ghi"})
	meta := envelope.NewMeta()
	meta.Tenant = "should-not-appear"
	_, err := client.Post(context.Background(), "/x", meta)
	require.NoError(t, err)

	assert.Empty(t, gotTenant)
	assert.Equal(t, "Bearer abc.def.ghi", gotAuth)
}

func TestExtensionHeadersFlowThroughServer(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.RegisterHandler(http.MethodPost, "/ext", func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		res := envelope.NullRaw(req.Meta.ResponseMeta())
		return res, nil
	})

	client := newTestClient(ts.URL, nil)
	meta := envelope.NewMeta()
	require.NoError(t, meta.Extensions.Set("workflow", map[string]interface{}{"step": float64(3)}))

	res, err := client.Post(context.Background(), "/ext", meta)
	require.NoError(t, err)

	var wf struct {
		Step float64 `json:"step"`
	}
	require.NoError(t, res.Meta.Extensions.Decode("workflow", &wf))
	assert.Equal(t, float64(3), wf.Step)
}

func TestMetaOnlySendsNullPayload(t *testing.T) {
	srv, ts := newTestServer(t)

	var gotPayload string
	srv.RegisterHandler(http.MethodDelete, "/rm", func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		gotPayload = string(req.Payload)
		return envelope.NullRaw(req.Meta.ResponseMeta()), nil
	})

	client := newTestClient(ts.URL, nil)
	_, err := client.Delete(context.Background(), "/rm", envelope.NewMeta())
	require.NoError(t, err)
	assert.Equal(t, "null", gotPayload)
}

func TestProbe(t *testing.T) {
	_, ts := newTestServer(t)
	client := newTestClient(ts.URL, nil)

	require.NoError(t, client.Probe(context.Background(), ts.URL))

	dead := newTestClient("http://127.0.0.1:1", nil)
	err := dead.Probe(context.Background(), "http://127.0.0.1:1")
	assert.True(t, qerrors.IsKind(err, qerrors.KindTransport))
}

func TestServerRecordsCallerIdentity(t *testing.T) {
	srv, ts := newTestServer(t)

	var seen *envelope.Security
	srv.RegisterHandler(http.MethodPost, "/id", func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		if req.Meta.Security != nil {
			sec := *req.Meta.Security
			seen = &sec
		}
		return envelope.NullRaw(req.Meta.ResponseMeta()), nil
	})

	client := newTestClient(ts.URL, nil)
	_, err := client.Post(context.Background(), "/id", envelope.NewMeta())
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.NotEmpty(t, seen.IPAddress)
}

func TestStartAndShutdown(t *testing.T) {
	srv := NewServer(config.RestServerConfig{
		Host:            "127.0.0.1",
		Port:            0,
		ShutdownTimeout: time.Second,
	}, nil, quietLogger())
	srv.RegisterHandler(http.MethodPost, "/echo", server.Echo())

	require.NoError(t, srv.Start())
	addr := srv.Addr()
	require.NotEmpty(t, addr)

	client := newTestClient("http://"+addr, nil)
	res, err := client.PostEnvelope(context.Background(), "/echo",
		&envelope.Raw{Meta: envelope.NewMeta(), Payload: json.RawMessage(`{"ok":true}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Payload))

	require.NoError(t, srv.Shutdown())

	_, err = client.PostEnvelope(context.Background(), "/echo",
		&envelope.Raw{Meta: envelope.NewMeta(), Payload: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

func TestSenderInterfaceCompliance(t *testing.T) {
	var _ transport.Sender = (*Client)(nil)
	var _ transport.Prober = (*Client)(nil)
	var _ transport.Closer = (*Client)(nil)
	var _ transport.Receiver = (*Server)(nil)
}

func TestAgentRouteSetRegistersCleanly(t *testing.T) {
	srv, ts := newTestServer(t)

	// The full daemon route set on one server. Gin panics on a
	// duplicate method+path pair, so wiring these together guards
	// against a route being bound twice.
	echo := server.Chain(server.Echo(), server.Pipeline(quietLogger())...)
	srv.MountMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	require.NoError(t, srv.ReceiveEnvelope(echo))
	require.NoError(t, srv.ReceiveEnvelopeAt("/tools/call", echo))
	require.NoError(t, srv.ReceiveEnvelopeAt("/tools", echo))
	require.NoError(t, srv.ReceiveEnvelopeAt("/card", echo))

	client := newTestClient(ts.URL, nil)
	for _, route := range []string{"/envelope", "/tools/call", "/tools", "/card"} {
		res, err := client.PostEnvelope(context.Background(), route,
			&envelope.Raw{Meta: envelope.NewMeta(), Payload: json.RawMessage(`{"ok":true}`)})
		require.NoError(t, err, route)
		assert.JSONEq(t, `{"ok":true}`, string(res.Payload), route)
	}

	for _, route := range []string{"/health", "/metrics"} {
		resp, err := http.Get(ts.URL + route)
		require.NoError(t, err, route)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, route)
	}
}

func TestBusSeesDispatchesAndFailures(t *testing.T) {
	eb := bus.NewEventBus(quietLogger())
	t.Cleanup(eb.Stop)

	received := make(chan bus.Event, 4)
	failed := make(chan bus.Event, 4)
	eb.Subscribe(bus.EventEnvelopeReceived, func(e bus.Event) { received <- e })
	eb.Subscribe(bus.EventHandlerError, func(e bus.Event) { failed <- e })

	srv, ts := newTestServer(t)
	srv.SetEventBus(eb)
	require.NoError(t, srv.ReceiveEnvelopeAt("/ok", server.Echo()))
	require.NoError(t, srv.ReceiveEnvelopeAt("/boom", func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		return nil, qerrors.New(qerrors.KindValidation, "bad input")
	}))

	client := newTestClient(ts.URL, nil)

	meta := envelope.NewMeta()
	_, err := client.PostEnvelope(context.Background(), "/ok",
		&envelope.Raw{Meta: meta, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	select {
	case e := <-received:
		assert.Equal(t, "rest", e.Payload["protocol"])
		assert.Equal(t, "/ok", e.Payload["route"])
		assert.Equal(t, meta.RequestID, e.Payload["requestId"])
	case <-time.After(2 * time.Second):
		t.Fatal("no received event")
	}

	_, err = client.PostEnvelope(context.Background(), "/boom",
		&envelope.Raw{Meta: envelope.NewMeta(), Payload: json.RawMessage(`{}`)})
	require.Error(t, err)

	select {
	case e := <-failed:
		assert.Equal(t, "rest", e.Payload["protocol"])
		assert.Equal(t, "/boom", e.Payload["route"])
		assert.NotEmpty(t, e.Payload["code"])
	case <-time.After(2 * time.Second):
		t.Fatal("no handler error event")
	}
}
