package grpcx

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/transport"
	"github.com/qollective/qollective-go/pkg/utils"
)

// Client sends envelopes over the envelope service. Channels are pooled
// per target and reused across endpoints.
type Client struct {
	cfg    config.GrpcClientConfig
	tlsCfg *tls.Config
	logger *logrus.Entry

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient builds a client. A nil tlsCfg means plaintext channels.
func NewClient(cfg config.GrpcClientConfig, tlsCfg *tls.Config, logger *logrus.Logger) *Client {
	return &Client{
		cfg:    cfg,
		tlsCfg: tlsCfg,
		logger: utils.ComponentLogger(utils.EnsureLogger(logger), "grpc-client"),
		conns:  make(map[string]*grpc.ClientConn),
	}
}

// Protocol identifies this transport.
func (c *Client) Protocol() transport.Protocol { return transport.ProtocolGrpc }

// SendEnvelope performs a unary exchange against the endpoint.
func (c *Client) SendEnvelope(ctx context.Context, endpoint string, env *envelope.Raw) (*envelope.Raw, error) {
	target, route, err := splitEndpoint(endpoint, c.cfg.Target)
	if err != nil {
		return nil, err
	}
	cc, err := c.conn(target)
	if err != nil {
		return nil, err
	}

	md, err := c.callMetadata(env, route)
	if err != nil {
		return nil, err
	}

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	rctx, cancel := context.WithTimeout(metadata.NewOutgoingContext(ctx, md), timeout)
	defer cancel()

	in := &Frame{Data: env.Payload}
	out := new(Frame)
	var header, trailer metadata.MD
	err = cc.Invoke(rctx, exchangeFullMethod, in, out,
		grpc.CallContentSubtype(codecName),
		grpc.Header(&header),
		grpc.Trailer(&trailer),
	)
	if err != nil {
		return nil, translateError(endpoint, err, trailer)
	}

	meta, err := extractMeta(header)
	if err != nil {
		return nil, err
	}
	return &envelope.Raw{Meta: meta, Payload: payloadOrNull(out.Data)}, nil
}

// ExchangeStream opens a server-streaming exchange. Response metadata
// rides the stream header; payload frames follow until io.EOF.
func (c *Client) ExchangeStream(ctx context.Context, endpoint string, env *envelope.Raw) (*Stream, error) {
	target, route, err := splitEndpoint(endpoint, c.cfg.Target)
	if err != nil {
		return nil, err
	}
	cc, err := c.conn(target)
	if err != nil {
		return nil, err
	}

	md, err := c.callMetadata(env, route)
	if err != nil {
		return nil, err
	}

	sctx := metadata.NewOutgoingContext(ctx, md)
	cs, err := cc.NewStream(sctx, &envelopeServiceDesc.Streams[0], exchangeStreamFullMethod,
		grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, translateError(endpoint, err, nil)
	}
	x := &grpc.GenericClientStream[Frame, Frame]{ClientStream: cs}
	if err := x.ClientStream.SendMsg(&Frame{Data: env.Payload}); err != nil {
		return nil, translateError(endpoint, err, nil)
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, translateError(endpoint, err, nil)
	}
	return &Stream{cs: x, endpoint: endpoint}, nil
}

// Probe health-checks the target.
func (c *Client) Probe(ctx context.Context, endpoint string) error {
	target, _, err := splitEndpoint(endpoint, c.cfg.Target)
	if err != nil {
		return err
	}
	cc, err := c.conn(target)
	if err != nil {
		return err
	}

	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = config.DefaultConnectTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := healthpb.NewHealthClient(cc).Check(pctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return qerrors.Transport(endpoint, "health check failed", err)
	}
	if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return qerrors.Transport(endpoint, "endpoint not serving", nil)
	}
	return nil
}

// Close tears down every pooled channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for target, cc := range c.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, target)
	}
	return firstErr
}

func (c *Client) callMetadata(env *envelope.Raw, route string) (metadata.MD, error) {
	env.Meta.EnsureRequestID()
	if err := env.Meta.Validate(); err != nil {
		return nil, err
	}
	md := metadata.MD{}
	if err := injectMeta(md, &env.Meta); err != nil {
		return nil, err
	}
	if route != "" {
		md.Set(mdRoute, route)
	}
	return md, nil
}

func (c *Client) conn(target string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[target]; ok {
		return cc, nil
	}

	creds := insecure.NewCredentials()
	if c.tlsCfg != nil {
		creds = credentials.NewTLS(c.tlsCfg)
	}
	maxRecv := c.cfg.MaxRecvBytes
	if maxRecv <= 0 {
		maxRecv = config.DefaultMaxMsgBytes
	}
	maxSend := c.cfg.MaxSendBytes
	if maxSend <= 0 {
		maxSend = config.DefaultMaxMsgBytes
	}

	cc, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxRecv),
			grpc.MaxCallSendMsgSize(maxSend),
		),
	)
	if err != nil {
		return nil, qerrors.TransportKind(qerrors.KindGrpc, target, "create channel", err)
	}
	c.conns[target] = cc
	c.logger.WithField("target", target).Debug("Opened gRPC channel")
	return cc, nil
}

// Stream yields reply payloads from a streaming exchange.
type Stream struct {
	cs       grpc.ServerStreamingClient[Frame]
	endpoint string
	meta     *envelope.Meta
}

// Meta blocks until the stream header arrives and returns the response
// metadata.
func (s *Stream) Meta() (envelope.Meta, error) {
	if s.meta == nil {
		md, err := s.cs.Header()
		if err != nil {
			return envelope.Meta{}, translateError(s.endpoint, err, nil)
		}
		meta, err := extractMeta(md)
		if err != nil {
			return envelope.Meta{}, err
		}
		s.meta = &meta
	}
	return *s.meta, nil
}

// Recv returns the next payload, io.EOF once the stream finishes.
func (s *Stream) Recv() (json.RawMessage, error) {
	f, err := s.cs.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, translateError(s.endpoint, err, s.cs.Trailer())
	}
	return payloadOrNull(f.Data), nil
}

// splitEndpoint separates an endpoint into dial target and route.
// Accepted forms: "host:port", "grpc://host:port/route", "grpcs://...".
func splitEndpoint(endpoint, fallback string) (string, string, error) {
	if endpoint == "" {
		endpoint = fallback
	}
	if endpoint == "" {
		return "", "", qerrors.TransportKind(qerrors.KindGrpc, endpoint, "no target configured", nil)
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, "", nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", qerrors.TransportKind(qerrors.KindGrpc, endpoint, "parse endpoint", err)
	}
	switch u.Scheme {
	case "grpc", "grpcs":
	default:
		return "", "", qerrors.TransportKind(qerrors.KindGrpc, endpoint, "unsupported scheme "+u.Scheme, nil)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

func payloadOrNull(data []byte) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(data)
}

// translateError prefers the structured trailer error; otherwise the
// status code picks the taxonomy kind.
func translateError(endpoint string, err error, trailer metadata.MD) error {
	if vals := trailer.Get(mdEnvelopeError); len(vals) > 0 {
		if ee, perr := qerrors.ParseEnvelopeError([]byte(vals[0])); perr == nil {
			return ee
		}
	}
	st, ok := status.FromError(err)
	if !ok {
		return qerrors.Transport(endpoint, "exchange failed", err)
	}
	switch st.Code() {
	case codes.Unavailable:
		return qerrors.Transport(endpoint, "endpoint unavailable", err)
	case codes.DeadlineExceeded:
		return qerrors.Transport(endpoint, "exchange timed out", err)
	default:
		return qerrors.TransportKind(qerrors.KindGrpc, endpoint, st.Message(), err)
	}
}
