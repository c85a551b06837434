package hybrid

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qollective/qollective-go/internal/bus"
	"github.com/qollective/qollective-go/internal/transport/grpcx"
	"github.com/qollective/qollective-go/internal/transport/rest"
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

// stubSender is a controllable in-memory transport.
type stubSender struct {
	protocol   transport.Protocol
	probeDelay time.Duration

	mu       sync.Mutex
	sendErr  error
	probeErr error

	sends  atomic.Int32
	probes atomic.Int32
	closed atomic.Bool
}

func newStub(p transport.Protocol) *stubSender {
	return &stubSender{protocol: p}
}

func (s *stubSender) setSendErr(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

func (s *stubSender) setProbeErr(err error) {
	s.mu.Lock()
	s.probeErr = err
	s.mu.Unlock()
}

func (s *stubSender) SendEnvelope(_ context.Context, _ string, env *envelope.Raw) (*envelope.Raw, error) {
	s.sends.Add(1)
	s.mu.Lock()
	err := s.sendErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &envelope.Raw{Meta: env.Meta.ResponseMeta(), Payload: env.Payload}, nil
}

func (s *stubSender) Protocol() transport.Protocol { return s.protocol }

func (s *stubSender) Probe(_ context.Context, _ string) error {
	s.probes.Add(1)
	if s.probeDelay > 0 {
		time.Sleep(s.probeDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probeErr
}

func (s *stubSender) Close() error {
	s.closed.Store(true)
	return nil
}

// plainSender speaks a protocol but cannot probe or close.
type plainSender struct {
	protocol transport.Protocol
	sends    atomic.Int32
}

func (s *plainSender) SendEnvelope(_ context.Context, _ string, env *envelope.Raw) (*envelope.Raw, error) {
	s.sends.Add(1)
	return &envelope.Raw{Meta: env.Meta.ResponseMeta(), Payload: env.Payload}, nil
}

func (s *plainSender) Protocol() transport.Protocol { return s.protocol }

func probingConfig(prefs ...string) config.HybridConfig {
	return config.HybridConfig{
		Preferences:      prefs,
		ProbingEnabled:   true,
		DetectionTimeout: 2 * time.Second,
		CapabilityTTL:    time.Minute,
	}
}

func newHybrid(t *testing.T, cfg config.HybridConfig, eb *bus.EventBus, senders ...transport.Sender) *Hybrid {
	t.Helper()
	h, err := New(cfg, eb, quietLogger(), senders...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func requestEnvelope(t *testing.T, tenant, payload string) *envelope.Raw {
	t.Helper()
	meta := envelope.NewMeta()
	meta.Tenant = tenant
	return &envelope.Raw{Meta: meta, Payload: json.RawMessage(payload)}
}

func TestNewRejectsEmptySenders(t *testing.T) {
	_, err := New(probingConfig(), nil, quietLogger())
	assert.True(t, qerrors.IsKind(err, qerrors.KindConfiguration))
}

func TestNewRejectsUnknownPreference(t *testing.T) {
	_, err := New(probingConfig("carrier-pigeon"), nil, quietLogger(), newStub(transport.ProtocolRest))
	assert.True(t, qerrors.IsKind(err, qerrors.KindConfiguration))
}

func TestNewRejectsDuplicateProtocol(t *testing.T) {
	_, err := New(probingConfig(), nil, quietLogger(),
		newStub(transport.ProtocolRest), newStub(transport.ProtocolRest))
	assert.True(t, qerrors.IsKind(err, qerrors.KindConfiguration))
}

func TestProtocolsFollowPreferenceOrder(t *testing.T) {
	h := newHybrid(t, probingConfig("rest"), nil,
		newStub(transport.ProtocolGrpc),
		newStub(transport.ProtocolRest),
		newStub(transport.ProtocolWebSocket))

	assert.Equal(t, []transport.Protocol{
		transport.ProtocolRest,
		transport.ProtocolGrpc,
		transport.ProtocolWebSocket,
	}, h.Protocols())
}

func TestFailedProbeExcludesProtocolForTTL(t *testing.T) {
	grpcStub := newStub(transport.ProtocolGrpc)
	grpcStub.setProbeErr(qerrors.Transport("10.0.0.5:50051", "connection refused", nil))
	restStub := newStub(transport.ProtocolRest)

	h := newHybrid(t, probingConfig("grpc", "rest"), nil, grpcStub, restStub)

	res, err := h.Send(context.Background(), "http://10.0.0.5:8080", requestEnvelope(t, "acme", `{"n":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(res.Payload))

	assert.Equal(t, int32(0), grpcStub.sends.Load())
	assert.Equal(t, int32(1), restStub.sends.Load())

	p, err := h.Select(context.Background(), "http://10.0.0.5:8080", transport.Requirements{})
	require.NoError(t, err)
	assert.Equal(t, transport.ProtocolRest, p)
}

func TestSendFailureDemotesAndFailsOver(t *testing.T) {
	grpcStub := newStub(transport.ProtocolGrpc)
	grpcStub.setSendErr(qerrors.Transport("10.0.0.5:50051", "broken pipe", nil))
	restStub := newStub(transport.ProtocolRest)

	h := newHybrid(t, probingConfig("grpc", "rest"), nil, grpcStub, restStub)
	endpoint := "10.0.0.5:50051"

	res, err := h.Send(context.Background(), endpoint, requestEnvelope(t, "acme", `{"n":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(res.Payload))
	assert.Equal(t, int32(1), grpcStub.sends.Load())
	assert.Equal(t, int32(1), restStub.sends.Load())
	assert.True(t, h.cache.Demoted(endpoint, transport.ProtocolGrpc))

	// The demoted transport stays out of rotation on the next send.
	_, err = h.Send(context.Background(), endpoint, requestEnvelope(t, "acme", `{"n":3}`))
	require.NoError(t, err)
	assert.Equal(t, int32(1), grpcStub.sends.Load())
	assert.Equal(t, int32(2), restStub.sends.Load())
}

func TestRemoteErrorIsNeverRetried(t *testing.T) {
	grpcStub := newStub(transport.ProtocolGrpc)
	grpcStub.setSendErr(qerrors.BadRequest("invalid payload"))
	restStub := newStub(transport.ProtocolRest)

	h := newHybrid(t, probingConfig("grpc", "rest"), nil, grpcStub, restStub)

	_, err := h.Send(context.Background(), "10.0.0.5:50051", requestEnvelope(t, "acme", `{}`))
	var ee *qerrors.EnvelopeError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, http.StatusBadRequest, ee.HTTPStatusCode)

	assert.Equal(t, int32(0), restStub.sends.Load())
	assert.False(t, h.cache.Demoted("10.0.0.5:50051", transport.ProtocolGrpc))
}

func TestExplicitPreferencesOverrideConfig(t *testing.T) {
	grpcStub := newStub(transport.ProtocolGrpc)
	restStub := newStub(transport.ProtocolRest)

	h := newHybrid(t, probingConfig("grpc", "rest"), nil, grpcStub, restStub)

	reqs := transport.Requirements{Preferences: []transport.Protocol{transport.ProtocolRest}}
	_, err := h.SendWith(context.Background(), "10.0.0.5:50051", requestEnvelope(t, "acme", `{}`), reqs)
	require.NoError(t, err)
	assert.Equal(t, int32(0), grpcStub.sends.Load())
	assert.Equal(t, int32(1), restStub.sends.Load())
}

func TestLatencyBreaksPreferenceTies(t *testing.T) {
	grpcStub := newStub(transport.ProtocolGrpc)
	grpcStub.probeDelay = 40 * time.Millisecond
	restStub := newStub(transport.ProtocolRest)

	h := newHybrid(t, probingConfig("grpc", "rest"), nil, grpcStub, restStub)

	// Neither protocol is listed, so both rank equal and latency decides.
	reqs := transport.Requirements{Preferences: []transport.Protocol{transport.ProtocolNats}}
	p, err := h.Select(context.Background(), "10.0.0.5:50051", reqs)
	require.NoError(t, err)
	assert.Equal(t, transport.ProtocolRest, p)
}

func TestStreamingRequirementGatesSelection(t *testing.T) {
	grpcStub := newStub(transport.ProtocolGrpc)
	grpcStub.setProbeErr(qerrors.Transport("x", "no grpc here", nil))
	restStub := newStub(transport.ProtocolRest)

	h := newHybrid(t, probingConfig("grpc", "rest"), nil, grpcStub, restStub)

	reqs := transport.Requirements{RequireStreaming: true}
	_, err := h.SendWith(context.Background(), "http://10.0.0.5:8080", requestEnvelope(t, "acme", `{}`), reqs)
	assert.True(t, qerrors.IsKind(err, qerrors.KindProtocolAdapter))
}

func TestNonProbingSenderIsAssumedSupported(t *testing.T) {
	wsStub := &plainSender{protocol: transport.ProtocolWebSocket}
	restStub := newStub(transport.ProtocolRest)

	h := newHybrid(t, probingConfig(), nil, wsStub, restStub)

	caps, err := h.Capabilities(context.Background(), "10.0.0.5:8081")
	require.NoError(t, err)
	assert.True(t, caps.Supports(transport.ProtocolWebSocket))
	assert.True(t, caps.SupportsStreaming)

	reqs := transport.Requirements{Preferences: []transport.Protocol{transport.ProtocolWebSocket}}
	_, err = h.SendWith(context.Background(), "10.0.0.5:8081", requestEnvelope(t, "acme", `{}`), reqs)
	require.NoError(t, err)
	assert.Equal(t, int32(1), wsStub.sends.Load())
}

func TestDetectionIsCachedAcrossSends(t *testing.T) {
	restStub := newStub(transport.ProtocolRest)
	h := newHybrid(t, probingConfig("rest"), nil, restStub)

	for i := 0; i < 3; i++ {
		_, err := h.Send(context.Background(), "http://10.0.0.5:8080", requestEnvelope(t, "acme", `{}`))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), restStub.probes.Load())
	assert.Equal(t, int32(3), restStub.sends.Load())
}

func TestConcurrentDetectionsCollapse(t *testing.T) {
	restStub := newStub(transport.ProtocolRest)
	restStub.probeDelay = 50 * time.Millisecond
	h := newHybrid(t, probingConfig("rest"), nil, restStub)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Send(context.Background(), "http://10.0.0.5:8080", requestEnvelope(t, "acme", `{}`))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), restStub.probes.Load())
}

func TestDemotionExpiresWithCapabilityTTL(t *testing.T) {
	cfg := probingConfig("grpc", "rest")
	cfg.CapabilityTTL = 200 * time.Millisecond

	grpcStub := newStub(transport.ProtocolGrpc)
	grpcStub.setSendErr(qerrors.Transport("x", "broken pipe", nil))
	restStub := newStub(transport.ProtocolRest)

	h := newHybrid(t, cfg, nil, grpcStub, restStub)
	endpoint := "10.0.0.5:50051"

	_, err := h.Send(context.Background(), endpoint, requestEnvelope(t, "acme", `{}`))
	require.NoError(t, err)
	require.True(t, h.cache.Demoted(endpoint, transport.ProtocolGrpc))

	grpcStub.setSendErr(nil)
	time.Sleep(300 * time.Millisecond)

	_, err = h.Send(context.Background(), endpoint, requestEnvelope(t, "acme", `{}`))
	require.NoError(t, err)
	assert.Equal(t, int32(2), grpcStub.sends.Load())
	assert.Equal(t, int32(2), grpcStub.probes.Load())
}

func TestProbingDisabledMapsEndpointURL(t *testing.T) {
	cfg := config.HybridConfig{Preferences: []string{"grpc", "rest"}}
	grpcStub := newStub(transport.ProtocolGrpc)
	restStub := newStub(transport.ProtocolRest)

	h := newHybrid(t, cfg, nil, grpcStub, restStub)

	_, err := h.Send(context.Background(), "http://10.0.0.5:8080", requestEnvelope(t, "acme", `{}`))
	require.NoError(t, err)
	_, err = h.Send(context.Background(), "grpc://10.0.0.5:50051", requestEnvelope(t, "acme", `{}`))
	require.NoError(t, err)

	assert.Equal(t, int32(1), restStub.sends.Load())
	assert.Equal(t, int32(1), grpcStub.sends.Load())
	assert.Equal(t, int32(0), restStub.probes.Load())
	assert.Equal(t, int32(0), grpcStub.probes.Load())
}

func TestMappedProtocolWithoutSenderFails(t *testing.T) {
	cfg := config.HybridConfig{}
	h := newHybrid(t, cfg, nil, newStub(transport.ProtocolRest))

	_, err := h.Send(context.Background(), "nats://demo:4222", requestEnvelope(t, "acme", `{}`))
	require.Error(t, err)
	assert.True(t, qerrors.IsKind(err, qerrors.KindProtocolAdapter))
	assert.Contains(t, err.Error(), "no nats transport configured")
}

func TestDetectionFailureSurfacesWhenURLUnmappable(t *testing.T) {
	restStub := newStub(transport.ProtocolRest)
	restStub.setProbeErr(qerrors.Transport("x", "down", nil))

	h := newHybrid(t, probingConfig("rest"), nil, restStub)

	_, err := h.Send(context.Background(), "not-a-url", requestEnvelope(t, "acme", `{}`))
	require.Error(t, err)
	assert.True(t, qerrors.IsKind(err, qerrors.KindTransport))
}

func TestBusSeesProbesAndDemotions(t *testing.T) {
	eb := bus.NewEventBus(quietLogger())
	t.Cleanup(eb.Stop)

	probed := make(chan bus.Event, 4)
	demoted := make(chan bus.Event, 4)
	eb.Subscribe(bus.EventTransportProbed, func(e bus.Event) { probed <- e })
	eb.Subscribe(bus.EventTransportDemoted, func(e bus.Event) { demoted <- e })

	grpcStub := newStub(transport.ProtocolGrpc)
	grpcStub.setProbeErr(qerrors.Transport("x", "connection refused", nil))
	restStub := newStub(transport.ProtocolRest)

	h := newHybrid(t, probingConfig("grpc", "rest"), eb, grpcStub, restStub)

	_, err := h.Send(context.Background(), "http://10.0.0.5:8080", requestEnvelope(t, "acme", `{}`))
	require.NoError(t, err)

	select {
	case e := <-demoted:
		assert.Equal(t, "grpc", e.Payload["protocol"])
		assert.Contains(t, e.Payload["reason"], "probe failed")
	case <-time.After(2 * time.Second):
		t.Fatal("no demotion event for failed probe")
	}
	select {
	case e := <-probed:
		assert.Equal(t, "http://10.0.0.5:8080", e.Payload["endpoint"])
		assert.Equal(t, []string{"rest"}, e.Payload["protocols"])
		latencies, ok := e.Payload["latencies"].(map[string]int64)
		require.True(t, ok)
		assert.Contains(t, latencies, "rest")
	case <-time.After(2 * time.Second):
		t.Fatal("no probe event")
	}

	restStub.setSendErr(qerrors.Transport("x", "broken pipe", nil))
	_, err = h.Send(context.Background(), "http://10.0.0.5:8080", requestEnvelope(t, "acme", `{}`))
	require.Error(t, err)

	select {
	case e := <-demoted:
		assert.Equal(t, "rest", e.Payload["protocol"])
	case <-time.After(2 * time.Second):
		t.Fatal("no demotion event for failed send")
	}
}

func TestBusSeesSendOutcomes(t *testing.T) {
	eb := bus.NewEventBus(quietLogger())
	t.Cleanup(eb.Stop)

	sent := make(chan bus.Event, 4)
	eb.Subscribe(bus.EventEnvelopeSent, func(e bus.Event) { sent <- e })

	restStub := newStub(transport.ProtocolRest)
	h := newHybrid(t, probingConfig("rest"), eb, restStub)

	env := requestEnvelope(t, "acme", `{}`)
	_, err := h.Send(context.Background(), "http://10.0.0.5:8080", env)
	require.NoError(t, err)

	select {
	case e := <-sent:
		assert.Equal(t, "rest", e.Payload["protocol"])
		assert.Equal(t, "http://10.0.0.5:8080", e.Payload["endpoint"])
		assert.Equal(t, env.Meta.RequestID, e.Payload["requestId"])
		assert.Equal(t, true, e.Payload["success"])
		assert.IsType(t, int64(0), e.Payload["latencyMs"])
	case <-time.After(2 * time.Second):
		t.Fatal("no sent event for successful send")
	}

	restStub.setSendErr(qerrors.Transport("x", "broken pipe", nil))
	_, err = h.Send(context.Background(), "http://10.0.0.5:8080", requestEnvelope(t, "acme", `{}`))
	require.Error(t, err)

	select {
	case e := <-sent:
		assert.Equal(t, "rest", e.Payload["protocol"])
		assert.Equal(t, false, e.Payload["success"])
	case <-time.After(2 * time.Second):
		t.Fatal("no sent event for failed send")
	}
}

func TestCloseReleasesClosableSenders(t *testing.T) {
	grpcStub := newStub(transport.ProtocolGrpc)
	restStub := newStub(transport.ProtocolRest)
	wsStub := &plainSender{protocol: transport.ProtocolWebSocket}

	h, err := New(probingConfig(), nil, quietLogger(), grpcStub, restStub, wsStub)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	assert.True(t, grpcStub.closed.Load())
	assert.True(t, restStub.closed.Load())
}

// A REST-only endpoint with a gRPC-first preference exercises the full
// fallback path against live transports.
func TestRestOnlyEndpointSelectsRest(t *testing.T) {
	srv := rest.NewServer(config.RestServerConfig{
		Host:            "127.0.0.1",
		Port:            0,
		ExtensionPrefix: config.DefaultExtensionPrefix,
		ShutdownTimeout: time.Second,
	}, nil, quietLogger())
	srv.RegisterHandler(http.MethodPost, "/", server.Echo())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Shutdown() })

	grpcClient := grpcx.NewClient(config.GrpcClientConfig{
		RequestTimeout: 2 * time.Second,
		ConnectTimeout: time.Second,
	}, nil, quietLogger())
	restClient := rest.NewClient(config.RestClientConfig{
		RequestTimeout:  2 * time.Second,
		ExtensionPrefix: config.DefaultExtensionPrefix,
		RetryAttempts:   1,
	}, nil, quietLogger())

	h := newHybrid(t, probingConfig("grpc", "rest"), nil, grpcClient, restClient)
	endpoint := "http://" + srv.Addr()

	res, err := h.Send(context.Background(), endpoint, requestEnvelope(t, "acme", `{"live":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"live":true}`, string(res.Payload))

	caps, err := h.Capabilities(context.Background(), endpoint)
	require.NoError(t, err)
	assert.Equal(t, []transport.Protocol{transport.ProtocolRest}, caps.Protocols)
	assert.False(t, caps.SupportsStreaming)

	p, err := h.Select(context.Background(), endpoint, transport.Requirements{})
	require.NoError(t, err)
	assert.Equal(t, transport.ProtocolRest, p)
}

var (
	_ transport.Sender = (*stubSender)(nil)
	_ transport.Prober = (*stubSender)(nil)
	_ transport.Closer = (*stubSender)(nil)
	_ transport.Sender = (*plainSender)(nil)
)
