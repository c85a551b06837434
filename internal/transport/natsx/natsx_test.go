package natsx

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
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

func startBroker(t *testing.T, opts *natsserver.Options) *natsserver.Server {
	t.Helper()
	if opts == nil {
		opts = &natsserver.Options{}
	}
	opts.Host = "127.0.0.1"
	opts.Port = -1
	opts.NoLog = true
	opts.NoSigs = true

	ns, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("embedded broker failed to start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func brokerConfig(url string) config.NatsConfig {
	cfg := config.DefaultTransportConfig().Nats
	cfg.Enabled = true
	cfg.Connection.URL = url
	cfg.Connection.Name = "natsx-test"
	cfg.Behavior.RequestTimeout = 5 * time.Second
	return cfg
}

// newPair wires a client and server over one shared connection, the way
// the facades assemble them.
func newPair(t *testing.T, ns *natsserver.Server, cfg config.NatsConfig) (*Client, *Server) {
	t.Helper()
	if cfg.Connection.URL == "" {
		cfg = brokerConfig(ns.ClientURL())
	}
	nc, err := Connect(cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return NewClient(nc, cfg, quietLogger()), NewServer(nc, cfg, quietLogger())
}

func requestEnvelope(t *testing.T, tenant string, payload interface{}) *envelope.Raw {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	meta := envelope.NewMeta()
	meta.Tenant = tenant
	return &envelope.Raw{Meta: meta, Payload: data}
}

func echoPipeline(t *testing.T) transport.Handler {
	t.Helper()
	return server.Chain(server.Echo(), server.Pipeline(quietLogger())...)
}

func TestRequestReplyRoundTrip(t *testing.T) {
	ns := startBroker(t, nil)
	client, srv := newPair(t, ns, config.NatsConfig{})
	require.NoError(t, srv.Subscribe("orders.create", echoPipeline(t)))

	req := requestEnvelope(t, "t1", map[string]int{"ping": 42})
	res, err := client.Request(context.Background(), "orders.create", req)
	require.NoError(t, err)

	assert.Equal(t, req.Meta.RequestID, res.Meta.RequestID)
	assert.Equal(t, "t1", res.Meta.Tenant)
	assert.JSONEq(t, `{"ping":42}`, string(res.Payload))
	require.NotNil(t, res.Meta.Perf)
	assert.GreaterOrEqual(t, res.Meta.Perf.DurationMs, int64(0))
}

func TestSendEnvelopeResolvesEndpoints(t *testing.T) {
	ns := startBroker(t, nil)
	client, srv := newPair(t, ns, config.NatsConfig{})
	require.NoError(t, srv.Subscribe("orders.create", echoPipeline(t)))

	for _, endpoint := range []string{
		"orders.create",
		"nats://" + ns.Addr().String() + "/orders.create",
		"nats://" + ns.Addr().String() + "/orders/create",
	} {
		req := requestEnvelope(t, "t1", map[string]string{"via": endpoint})
		res, err := client.SendEnvelope(context.Background(), endpoint, req)
		require.NoError(t, err, endpoint)
		assert.Equal(t, req.Meta.RequestID, res.Meta.RequestID, endpoint)
	}
}

func TestQueueGroupLoadBalancing(t *testing.T) {
	ns := startBroker(t, nil)
	client, srv := newPair(t, ns, config.NatsConfig{})

	const workers = 3
	const requests = 60

	var mu sync.Mutex
	counts := make([]int, workers)
	seen := map[string]int{}

	for i := 0; i < workers; i++ {
		worker := i
		handler := func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
			mu.Lock()
			counts[worker]++
			seen[req.Meta.RequestID]++
			mu.Unlock()
			return &envelope.Raw{
				Meta:    req.Meta.ResponseMeta(),
				Payload: req.Payload,
			}, nil
		}
		require.NoError(t, srv.QueueSubscribe("s.q", "w", handler))
	}

	for i := 0; i < requests; i++ {
		req := requestEnvelope(t, "t1", map[string]int{"n": i})
		res, err := client.Request(context.Background(), "s.q", req)
		require.NoError(t, err)
		assert.Equal(t, req.Meta.RequestID, res.Meta.RequestID)
	}

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for worker, n := range counts {
		assert.Greater(t, n, 0, "worker %d processed nothing", worker)
		total += n
	}
	assert.Equal(t, requests, total)
	assert.Len(t, seen, requests)
	for id, n := range seen {
		assert.Equal(t, 1, n, "request %s handled more than once", id)
	}
}

func TestHandlerErrorBecomesErrorReply(t *testing.T) {
	ns := startBroker(t, nil)
	client, srv := newPair(t, ns, config.NatsConfig{})

	handler := func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		return nil, qerrors.New(qerrors.KindValidation, "bad order")
	}
	require.NoError(t, srv.Subscribe("orders.validate", handler))

	req := requestEnvelope(t, "t1", map[string]string{"sku": ""})
	_, err := client.Request(context.Background(), "orders.validate", req)
	require.Error(t, err)

	var ee *qerrors.EnvelopeError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "VALIDATION", ee.Code)
	assert.Equal(t, "bad order", ee.Message)
	assert.Equal(t, 400, ee.HTTPStatusCode)
}

func TestMalformedRequestGetsErrorReply(t *testing.T) {
	ns := startBroker(t, nil)
	client, srv := newPair(t, ns, config.NatsConfig{})
	require.NoError(t, srv.Subscribe("orders.create", echoPipeline(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := client.Conn().RequestWithContext(ctx, "orders.create", []byte("{not json"))
	require.NoError(t, err)

	var rep envelope.Raw
	require.NoError(t, json.Unmarshal(msg.Data, &rep))
	ee, ok := envelope.PayloadIsError(&rep)
	require.True(t, ok)
	assert.Equal(t, "DESERIALIZATION", ee.Code)
	require.NotNil(t, rep.Meta.Perf)
}

func TestRepliesAlwaysCarryDuration(t *testing.T) {
	ns := startBroker(t, nil)
	client, srv := newPair(t, ns, config.NatsConfig{})

	// Bare handlers without the pipeline still produce timed replies.
	slow := func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		time.Sleep(15 * time.Millisecond)
		return &envelope.Raw{Meta: req.Meta.ResponseMeta(), Payload: req.Payload}, nil
	}
	nilRes := func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		return nil, nil
	}
	require.NoError(t, srv.Subscribe("timed.slow", slow))
	require.NoError(t, srv.Subscribe("timed.nil", nilRes))

	res, err := client.Request(context.Background(), "timed.slow", requestEnvelope(t, "t1", "x"))
	require.NoError(t, err)
	require.NotNil(t, res.Meta.Perf)
	assert.GreaterOrEqual(t, res.Meta.Perf.DurationMs, int64(10))

	res, err = client.Request(context.Background(), "timed.nil", requestEnvelope(t, "t1", "x"))
	require.NoError(t, err)
	require.NotNil(t, res.Meta.Perf)
	assert.JSONEq(t, "null", string(res.Payload))
}

func TestRequestTimeout(t *testing.T) {
	ns := startBroker(t, nil)
	cfg := brokerConfig(ns.ClientURL())
	cfg.Behavior.RequestTimeout = 150 * time.Millisecond
	client, srv := newPair(t, ns, cfg)

	stuck := func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		time.Sleep(2 * time.Second)
		return nil, nil
	}
	require.NoError(t, srv.Subscribe("orders.slow", stuck))

	_, err := client.Request(context.Background(), "orders.slow", requestEnvelope(t, "t1", "x"))
	assert.True(t, qerrors.IsKind(err, qerrors.KindNatsTimeout), "got %v", err)
}

func TestNoRespondersIsDiscoveryError(t *testing.T) {
	ns := startBroker(t, nil)
	client, _ := newPair(t, ns, config.NatsConfig{})

	_, err := client.Request(context.Background(), "nobody.home", requestEnvelope(t, "t1", "x"))
	assert.True(t, qerrors.IsKind(err, qerrors.KindNatsDiscovery), "got %v", err)
}

func TestPublishFireAndForget(t *testing.T) {
	ns := startBroker(t, nil)
	client, srv := newPair(t, ns, config.NatsConfig{})

	received := make(chan string, 1)
	handler := func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		received <- req.Meta.RequestID
		return nil, nil
	}
	require.NoError(t, srv.Subscribe("orders.events", handler))

	req := requestEnvelope(t, "t1", map[string]string{"event": "created"})
	require.NoError(t, client.Publish(context.Background(), "orders.events", req))

	select {
	case id := <-received:
		assert.Equal(t, req.Meta.RequestID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("published envelope never arrived")
	}
}

func TestPendingLimitErrorsWhenSaturated(t *testing.T) {
	ns := startBroker(t, nil)
	cfg := brokerConfig(ns.ClientURL())
	cfg.Behavior.MaxPendingMessages = 1
	cfg.Behavior.BlockOnPending = false
	client, srv := newPair(t, ns, cfg)

	entered := make(chan struct{})
	release := make(chan struct{})
	handler := func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		close(entered)
		<-release
		return &envelope.Raw{Meta: req.Meta.ResponseMeta(), Payload: req.Payload}, nil
	}
	require.NoError(t, srv.Subscribe("orders.slow", handler))

	firstDone := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), "orders.slow", requestEnvelope(t, "t1", "x"))
		firstDone <- err
	}()
	<-entered

	err := client.Publish(context.Background(), "orders.events", requestEnvelope(t, "t1", "y"))
	assert.True(t, qerrors.IsKind(err, qerrors.KindNatsMessage), "got %v", err)

	close(release)
	require.NoError(t, <-firstDone)

	// Slot freed, publishing works again.
	assert.NoError(t, client.Publish(context.Background(), "orders.events", requestEnvelope(t, "t1", "z")))
}

func TestPendingLimitBlocksUntilContextExpires(t *testing.T) {
	ns := startBroker(t, nil)
	cfg := brokerConfig(ns.ClientURL())
	cfg.Behavior.MaxPendingMessages = 1
	cfg.Behavior.BlockOnPending = true
	client, srv := newPair(t, ns, cfg)

	entered := make(chan struct{})
	release := make(chan struct{})
	handler := func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		close(entered)
		<-release
		return &envelope.Raw{Meta: req.Meta.ResponseMeta(), Payload: req.Payload}, nil
	}
	require.NoError(t, srv.Subscribe("orders.slow", handler))

	firstDone := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), "orders.slow", requestEnvelope(t, "t1", "x"))
		firstDone <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := client.Publish(ctx, "orders.events", requestEnvelope(t, "t1", "y"))
	assert.True(t, qerrors.IsKind(err, qerrors.KindNatsTimeout), "got %v", err)

	close(release)
	require.NoError(t, <-firstDone)
}

func TestServerShutdownUnsubscribes(t *testing.T) {
	ns := startBroker(t, nil)
	client, srv := newPair(t, ns, config.NatsConfig{})
	require.NoError(t, srv.Subscribe("orders.create", echoPipeline(t)))

	_, err := client.Request(context.Background(), "orders.create", requestEnvelope(t, "t1", "x"))
	require.NoError(t, err)

	require.NoError(t, srv.Shutdown(context.Background()))

	_, err = client.Request(context.Background(), "orders.create", requestEnvelope(t, "t1", "x"))
	assert.True(t, qerrors.IsKind(err, qerrors.KindNatsDiscovery), "got %v", err)
}

func TestDialOwnsConnection(t *testing.T) {
	ns := startBroker(t, nil)
	client, err := Dial(brokerConfig(ns.ClientURL()), quietLogger())
	require.NoError(t, err)

	require.NoError(t, client.Probe(context.Background(), "orders.create"))
	require.NoError(t, client.Close())
	assert.Eventually(t, client.Conn().IsClosed, 2*time.Second, 10*time.Millisecond)
}

func TestProbeFailsWhenDisconnected(t *testing.T) {
	ns := startBroker(t, nil)
	client, _ := newPair(t, ns, config.NatsConfig{})
	client.Conn().Close()

	err := client.Probe(context.Background(), "orders.create")
	assert.True(t, qerrors.IsKind(err, qerrors.KindNatsConnection), "got %v", err)
}

func TestRequestTyped(t *testing.T) {
	type order struct {
		SKU   string `json:"sku"`
		Count int    `json:"count"`
	}

	ns := startBroker(t, nil)
	client, srv := newPair(t, ns, config.NatsConfig{})
	require.NoError(t, srv.Subscribe("orders.create", echoPipeline(t)))

	req := envelope.NewRequest(order{SKU: "q-1", Count: 3})
	req.Meta.Tenant = "t1"
	res, err := RequestTyped[order, order](context.Background(), client, "orders.create", req)
	require.NoError(t, err)
	assert.Equal(t, order{SKU: "q-1", Count: 3}, res.Payload)
	assert.Equal(t, req.Meta.RequestID, res.Meta.RequestID)
}

func TestTokenAuth(t *testing.T) {
	ns := startBroker(t, &natsserver.Options{Authorization: "s3cret"})

	cfg := brokerConfig(ns.ClientURL())
	cfg.Auth = config.NatsAuthConfig{Token: "s3cret"}
	nc, err := Connect(cfg, quietLogger())
	require.NoError(t, err)
	nc.Close()

	cfg.Auth = config.NatsAuthConfig{Token: "wrong"}
	_, err = Connect(cfg, quietLogger())
	assert.True(t, qerrors.IsKind(err, qerrors.KindNatsConnection), "got %v", err)
}

func TestNKeySeedAuthOption(t *testing.T) {
	kp, err := nkeys.CreateUser()
	require.NoError(t, err)
	seed, err := kp.Seed()
	require.NoError(t, err)
	pub, err := kp.PublicKey()
	require.NoError(t, err)

	opt, err := authOption(config.NatsAuthConfig{NKeySeed: string(seed)})
	require.NoError(t, err)
	require.NotNil(t, opt)

	opts := nats.GetDefaultOptions()
	require.NoError(t, opt(&opts))
	assert.Equal(t, pub, opts.Nkey)
}

func TestSubjectHelpers(t *testing.T) {
	assert.Equal(t, "acme_corp.cart.pod_7.create", AgentSubject("acme corp", "cart", "pod.7", "create"))
	assert.Equal(t, "agent.worker-1.inbox", InboxSubject("", "worker-1"))
	assert.Equal(t, "agent.a_b.inbox", InboxSubject("agent.%s.inbox", "a.b"))
	assert.Equal(t, "capability.nlp.broadcast", BroadcastSubject("", "nlp"))

	assert.NoError(t, ValidateSubject("a.*.b"))
	assert.NoError(t, ValidateSubject("a.>"))
	for _, bad := range []string{"", "a..b", "a b", "a.b."} {
		err := ValidateSubject(bad)
		assert.True(t, qerrors.IsKind(err, qerrors.KindNatsSubject), "subject %q", bad)
	}

	got, err := SubjectFromEndpoint("orders.create")
	require.NoError(t, err)
	assert.Equal(t, "orders.create", got)

	got, err = SubjectFromEndpoint("nats://broker:4222/orders/create")
	require.NoError(t, err)
	assert.Equal(t, "orders.create", got)

	_, err = SubjectFromEndpoint("nats://broker:4222")
	assert.True(t, qerrors.IsKind(err, qerrors.KindNatsSubject))
}

func TestInterfaceCompliance(t *testing.T) {
	var _ transport.Sender = (*Client)(nil)
	var _ transport.Prober = (*Client)(nil)
	var _ transport.Closer = (*Client)(nil)
	var _ transport.Receiver = (*Server)(nil)
}

func TestBusSeesDispatchesAndFailures(t *testing.T) {
	ns := startBroker(t, nil)
	client, srv := newPair(t, ns, config.NatsConfig{})

	eb := bus.NewEventBus(quietLogger())
	t.Cleanup(eb.Stop)
	srv.SetEventBus(eb)

	received := make(chan bus.Event, 4)
	failed := make(chan bus.Event, 4)
	eb.Subscribe(bus.EventEnvelopeReceived, func(e bus.Event) { received <- e })
	eb.Subscribe(bus.EventHandlerError, func(e bus.Event) { failed <- e })

	require.NoError(t, srv.Subscribe("orders.create", echoPipeline(t)))
	require.NoError(t, srv.Subscribe("orders.validate", func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
		return nil, qerrors.New(qerrors.KindValidation, "bad order")
	}))

	req := requestEnvelope(t, "t1", map[string]int{"ping": 1})
	_, err := client.Request(context.Background(), "orders.create", req)
	require.NoError(t, err)

	select {
	case e := <-received:
		assert.Equal(t, "nats", e.Payload["protocol"])
		assert.Equal(t, "orders.create", e.Payload["route"])
		assert.Equal(t, req.Meta.RequestID, e.Payload["requestId"])
	case <-time.After(2 * time.Second):
		t.Fatal("no received event")
	}

	_, err = client.Request(context.Background(), "orders.validate", requestEnvelope(t, "t1", map[string]string{}))
	require.Error(t, err)

	select {
	case e := <-failed:
		assert.Equal(t, "nats", e.Payload["protocol"])
		assert.Equal(t, "orders.validate", e.Payload["route"])
		assert.Equal(t, "VALIDATION", e.Payload["code"])
	case <-time.After(2 * time.Second):
		t.Fatal("no handler error event")
	}
}
