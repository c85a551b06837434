package grpcx

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/qollective/qollective-go/internal/bus"
	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/transport"
	"github.com/qollective/qollective-go/pkg/utils"
)

// StreamSender emits one reply payload on an open stream.
type StreamSender func(payload json.RawMessage) error

// StreamHandler produces a sequence of reply payloads for one request.
// Response metadata is sent once in the stream header before the first
// payload.
type StreamHandler func(ctx context.Context, req *envelope.Raw, send StreamSender) error

// Server hosts the envelope service. Handlers are keyed by route; a
// route-less registration is the fallback for calls without one.
type Server struct {
	cfg    config.GrpcServerConfig
	tlsCfg *tls.Config
	logger *logrus.Entry
	bus    *bus.EventBus

	health   *health.Server
	grpcSrv  *grpc.Server
	listener net.Listener

	mu             sync.RWMutex
	handlers       map[string]transport.Handler
	streamHandlers map[string]StreamHandler
}

// NewServer builds a server. A nil tlsCfg means plaintext.
func NewServer(cfg config.GrpcServerConfig, tlsCfg *tls.Config, logger *logrus.Logger) *Server {
	return &Server{
		cfg:            cfg,
		tlsCfg:         tlsCfg,
		logger:         utils.ComponentLogger(utils.EnsureLogger(logger), "grpc-server"),
		handlers:       make(map[string]transport.Handler),
		streamHandlers: make(map[string]StreamHandler),
	}
}

// SetEventBus wires lifecycle events for dispatches and handler
// failures; nil disables publishing.
func (s *Server) SetEventBus(eb *bus.EventBus) {
	s.bus = eb
}

// ReceiveEnvelope registers the fallback handler.
func (s *Server) ReceiveEnvelope(handler transport.Handler) error {
	return s.ReceiveEnvelopeAt("", handler)
}

// ReceiveEnvelopeAt registers a handler for one route.
func (s *Server) ReceiveEnvelopeAt(route string, handler transport.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[strings.Trim(route, "/")] = handler
	return nil
}

// ReceiveStreamAt registers a streaming handler for one route.
func (s *Server) ReceiveStreamAt(route string, handler StreamHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamHandlers[strings.Trim(route, "/")] = handler
	return nil
}

// Start listens and serves in the background. With Port 0 the kernel
// assigns a port; Addr reports it.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return qerrors.TransportKind(qerrors.KindGrpc, addr, "listen failed", err)
	}
	s.listener = ln

	maxRecv := s.cfg.MaxRecvBytes
	if maxRecv <= 0 {
		maxRecv = config.DefaultMaxMsgBytes
	}
	opts := []grpc.ServerOption{grpc.MaxRecvMsgSize(maxRecv)}
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	s.grpcSrv = grpc.NewServer(opts...)
	registerEnvelopeServiceServer(s.grpcSrv, s)

	s.health = health.NewServer()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpcSrv, s.health)

	s.logger.WithField("address", ln.Addr().String()).Info("gRPC server listening")
	go func() {
		if err := s.grpcSrv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.WithError(err).Error("gRPC server terminated")
		}
	}()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Shutdown stops accepting calls, waits for in-flight ones up to the
// configured timeout, then forces the remainder closed.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.grpcSrv == nil {
		return nil
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		s.logger.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("Graceful stop timed out, forcing shutdown")
		s.grpcSrv.Stop()
	}
	return nil
}

// Exchange implements the unary envelope RPC.
func (s *Server) Exchange(ctx context.Context, in *Frame) (*Frame, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	route := firstValue(md, mdRoute)
	meta, err := extractMeta(md)
	if err != nil {
		return nil, s.fail(ctx, route, envelope.Meta{}, err)
	}
	meta.EnsureRequestID()

	handler := s.lookupHandler(route)
	if handler == nil {
		return nil, s.fail(ctx, route, meta, qerrors.TransportKind(qerrors.KindGrpc, route, "no handler registered", nil))
	}
	if s.bus != nil {
		s.bus.PublishEnvelopeReceived(string(transport.ProtocolGrpc), route, meta.RequestID)
	}

	req := &envelope.Raw{Meta: meta, Payload: payloadOrNull(in.Data)}
	res, err := handler(ctx, req)
	if err != nil {
		return nil, s.fail(ctx, route, meta, err)
	}
	if res == nil {
		res = envelope.NullRaw(meta.ResponseMeta())
	}

	outMD := metadata.MD{}
	if err := injectMeta(outMD, &res.Meta); err != nil {
		return nil, s.fail(ctx, route, meta, err)
	}
	if err := grpc.SetHeader(ctx, outMD); err != nil {
		s.logger.WithError(err).Warn("Failed to set response metadata")
	}
	return &Frame{Data: res.Payload}, nil
}

// ExchangeStream implements the server-streaming envelope RPC.
func (s *Server) ExchangeStream(in *Frame, stream grpc.ServerStreamingServer[Frame]) error {
	ctx := stream.Context()
	md, _ := metadata.FromIncomingContext(ctx)
	route := firstValue(md, mdRoute)
	meta, err := extractMeta(md)
	if err != nil {
		return s.streamFail(stream, route, envelope.Meta{}, err)
	}
	meta.EnsureRequestID()

	handler := s.lookupStream(route)
	if handler == nil {
		return s.streamFail(stream, route, meta, qerrors.TransportKind(qerrors.KindGrpc, route, "no stream handler registered", nil))
	}
	if s.bus != nil {
		s.bus.PublishEnvelopeReceived(string(transport.ProtocolGrpc), route, meta.RequestID)
	}

	outMD := metadata.MD{}
	responseMeta := meta.ResponseMeta()
	if err := injectMeta(outMD, &responseMeta); err != nil {
		return s.streamFail(stream, route, meta, err)
	}
	if err := stream.SetHeader(outMD); err != nil {
		s.logger.WithError(err).Warn("Failed to set stream metadata")
	}

	req := &envelope.Raw{Meta: meta, Payload: payloadOrNull(in.Data)}
	send := func(payload json.RawMessage) error {
		return stream.Send(&Frame{Data: payload})
	}
	if err := handler(ctx, req, send); err != nil {
		return s.streamFail(stream, route, meta, err)
	}
	return nil
}

func (s *Server) lookupHandler(route string) transport.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.handlers[route]; ok {
		return h
	}
	return s.handlers[""]
}

func (s *Server) lookupStream(route string) StreamHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.streamHandlers[route]; ok {
		return h
	}
	return s.streamHandlers[""]
}

// toStatus normalizes a handler failure into the structured error plus
// the non-OK status returned to the peer.
func (s *Server) toStatus(route string, meta envelope.Meta, err error) (*qerrors.EnvelopeError, error) {
	ee := qerrors.FromError(err).NormalizeStatus(s.logger.Logger)
	if ee.Trace == "" && meta.Tracing != nil {
		ee.Trace = meta.Tracing.TraceID
	}
	s.logger.WithFields(logrus.Fields{
		"request_id": meta.RequestID,
		"code":       ee.Code,
	}).Warn("Handler failed")
	if s.bus != nil {
		s.bus.PublishHandlerError(string(transport.ProtocolGrpc), route, ee.Code)
	}
	return ee, status.Error(statusCode(ee.HTTPStatusCode), ee.Message)
}

func (s *Server) fail(ctx context.Context, route string, meta envelope.Meta, err error) error {
	ee, stErr := s.toStatus(route, meta, err)
	if terr := grpc.SetTrailer(ctx, errorTrailer(ee, meta)); terr != nil {
		s.logger.WithError(terr).Warn("Failed to set error trailer")
	}
	return stErr
}

func (s *Server) streamFail(stream grpc.ServerStreamingServer[Frame], route string, meta envelope.Meta, err error) error {
	ee, stErr := s.toStatus(route, meta, err)
	stream.SetTrailer(errorTrailer(ee, meta))
	return stErr
}

func errorTrailer(ee *qerrors.EnvelopeError, meta envelope.Meta) metadata.MD {
	trailer := metadata.Pairs(mdEnvelopeError, string(ee.ToJSON()))
	if meta.RequestID != "" {
		trailer.Set("x-request-id", meta.RequestID)
	}
	return trailer
}

func firstValue(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// statusCode maps wire status codes onto gRPC codes.
func statusCode(httpStatus int) codes.Code {
	switch httpStatus {
	case 400:
		return codes.InvalidArgument
	case 401:
		return codes.Unauthenticated
	case 403:
		return codes.PermissionDenied
	case 404:
		return codes.NotFound
	case 409:
		return codes.Aborted
	case 501:
		return codes.Unimplemented
	case 502, 503:
		return codes.Unavailable
	case 504:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
