package natsx

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/internal/bus"
	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/transport"
	"github.com/qollective/qollective-go/pkg/utils"
)

// defaultEnvelopeSubject receives route-less registrations, the subject
// analog of the REST server's /envelope route.
const defaultEnvelopeSubject = "qollective.envelope"

// Server dispatches subject traffic to envelope handlers. Handler failures
// become reply envelopes carrying an EnvelopeError since the substrate has
// no status channel; replies always carry a duration.
type Server struct {
	nc     *nats.Conn
	cfg    config.NatsConfig
	logger *logrus.Entry
	owned  bool
	bus    *bus.EventBus

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewServer wraps an existing connection for serving. The connection stays
// owned by the caller.
func NewServer(nc *nats.Conn, cfg config.NatsConfig, logger *logrus.Logger) *Server {
	return &Server{
		nc:     nc,
		cfg:    cfg,
		logger: utils.ComponentLogger(utils.EnsureLogger(logger), "nats-server"),
	}
}

// Listen connects and wraps in one step. The server owns the connection
// and drains it on Shutdown.
func Listen(cfg config.NatsConfig, logger *logrus.Logger) (*Server, error) {
	nc, err := Connect(cfg, logger)
	if err != nil {
		return nil, err
	}
	s := NewServer(nc, cfg, logger)
	s.owned = true
	return s, nil
}

// Conn exposes the underlying connection so clients and the discovery
// layer can share it.
func (s *Server) Conn() *nats.Conn { return s.nc }

// SetEventBus wires lifecycle events for dispatches and handler
// failures; nil disables publishing.
func (s *Server) SetEventBus(eb *bus.EventBus) {
	s.bus = eb
}

// Subscribe registers a handler for a subject or wildcard pattern.
func (s *Server) Subscribe(subject string, handler transport.Handler) error {
	return s.subscribe(subject, "", handler)
}

// QueueSubscribe registers a handler inside a queue group so instances
// load-balance the subject.
func (s *Server) QueueSubscribe(subject, queue string, handler transport.Handler) error {
	return s.subscribe(subject, queue, handler)
}

// ReceiveEnvelope registers on the default envelope subject.
func (s *Server) ReceiveEnvelope(handler transport.Handler) error {
	return s.subscribe(defaultEnvelopeSubject, "", handler)
}

// ReceiveEnvelopeAt registers on a specific subject.
func (s *Server) ReceiveEnvelopeAt(route string, handler transport.Handler) error {
	return s.subscribe(route, "", handler)
}

func (s *Server) subscribe(subject, queue string, handler transport.Handler) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}

	cb := func(msg *nats.Msg) { s.dispatch(msg, handler) }

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = s.nc.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = s.nc.Subscribe(subject, cb)
	}
	if err != nil {
		return qerrors.TransportKind(qerrors.KindNatsConnection, subject, "subscribe failed", err)
	}
	if limit := s.cfg.Behavior.MaxPendingMessages; limit > 0 {
		if err := sub.SetPendingLimits(limit, -1); err != nil {
			s.logger.WithError(err).WithField("subject", subject).Warn("Failed to set pending limits")
		}
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"subject": subject,
		"queue":   queue,
	}).Info("Subscribed")
	return nil
}

// dispatch decodes one message, runs the handler under the configured
// request timeout and sends the reply.
func (s *Server) dispatch(msg *nats.Msg, handler transport.Handler) {
	start := time.Now()

	var req envelope.Raw
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondError(msg, envelope.NewMeta(), start,
			qerrors.Wrap(qerrors.KindDeserialization, "decode request envelope", err))
		return
	}
	req.Meta.EnsureRequestID()
	if s.bus != nil {
		s.bus.PublishEnvelopeReceived(string(transport.ProtocolNats), msg.Subject, req.Meta.RequestID)
	}

	timeout := s.cfg.Behavior.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := handler(ctx, &req)
	if err != nil {
		s.respondError(msg, req.Meta, start, err)
		return
	}
	if res == nil {
		res = envelope.NullRaw(req.Meta.ResponseMeta())
	}
	stampDuration(&res.Meta, start)
	s.respond(msg, res)
}

func (s *Server) respondError(msg *nats.Msg, meta envelope.Meta, start time.Time, err error) {
	ee := qerrors.FromError(err).NormalizeStatus(s.logger.Logger)
	if ee.Trace == "" && meta.Tracing != nil {
		ee.Trace = meta.Tracing.TraceID
	}
	rep := envelope.ErrorRaw(meta, ee)
	stampDuration(&rep.Meta, start)

	s.logger.WithFields(logrus.Fields{
		"subject":    msg.Subject,
		"request_id": rep.Meta.RequestID,
		"code":       ee.Code,
	}).Warn("Handler failed")
	if s.bus != nil {
		s.bus.PublishHandlerError(string(transport.ProtocolNats), msg.Subject, ee.Code)
	}
	s.respond(msg, rep)
}

func (s *Server) respond(msg *nats.Msg, res *envelope.Raw) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		s.logger.WithError(err).Warn("Reply envelope not serializable")
		data, err = json.Marshal(envelope.ErrorRaw(res.Meta, qerrors.Internal("reply serialization failed")))
		if err != nil {
			return
		}
	}
	if err := msg.Respond(data); err != nil {
		s.logger.WithError(err).WithField("subject", msg.Subject).Warn("Failed to send reply")
	}
}

// Shutdown unsubscribes every subject and, when the server owns the
// connection, drains it. The context bounds the drain wait.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.WithError(err).Warn("Unsubscribe failed")
		}
	}

	if !s.owned {
		return nil
	}
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return qerrors.TransportKind(qerrors.KindNatsConnection, s.cfg.Connection.URL, "drain failed", err)
	}
	for !s.nc.IsClosed() {
		select {
		case <-ctx.Done():
			s.nc.Close()
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// stampDuration fills performance data when the handler pipeline has not.
func stampDuration(meta *envelope.Meta, start time.Time) {
	if meta.Perf == nil {
		meta.Perf = &envelope.Performance{}
	}
	if meta.Perf.DurationMs == 0 {
		meta.Perf.DurationMs = time.Since(start).Milliseconds()
	}
}
