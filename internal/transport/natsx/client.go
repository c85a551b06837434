package natsx

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/transport"
	"github.com/qollective/qollective-go/pkg/utils"
)

// Client sends envelopes over the broker. Replies are correlated by the
// native reply inbox, so concurrent requests on one connection never cross.
type Client struct {
	nc     *nats.Conn
	cfg    config.NatsConfig
	logger *logrus.Entry
	owned  bool

	// sem bounds in-flight publishes and requests when
	// max_pending_messages is configured.
	sem chan struct{}
}

// NewClient wraps an existing connection. The connection stays owned by
// the caller; Close is a no-op.
func NewClient(nc *nats.Conn, cfg config.NatsConfig, logger *logrus.Logger) *Client {
	c := &Client{
		nc:     nc,
		cfg:    cfg,
		logger: utils.ComponentLogger(utils.EnsureLogger(logger), "nats-client"),
	}
	if limit := cfg.Behavior.MaxPendingMessages; limit > 0 {
		c.sem = make(chan struct{}, limit)
	}
	return c
}

// Dial connects and wraps in one step. The client owns the connection and
// drains it on Close.
func Dial(cfg config.NatsConfig, logger *logrus.Logger) (*Client, error) {
	nc, err := Connect(cfg, logger)
	if err != nil {
		return nil, err
	}
	c := NewClient(nc, cfg, logger)
	c.owned = true
	return c, nil
}

// Conn exposes the underlying connection so servers and the discovery
// layer can share it.
func (c *Client) Conn() *nats.Conn { return c.nc }

// Protocol identifies this transport.
func (c *Client) Protocol() transport.Protocol { return transport.ProtocolNats }

// SendEnvelope resolves the endpoint to a subject and performs
// request/reply.
func (c *Client) SendEnvelope(ctx context.Context, endpoint string, env *envelope.Raw) (*envelope.Raw, error) {
	subject, err := SubjectFromEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, subject, env)
}

// Request publishes the envelope to a subject and waits for the reply
// envelope. Replies whose payload is an EnvelopeError surface as that
// error, matching the other transports.
func (c *Client) Request(ctx context.Context, subject string, env *envelope.Raw) (*envelope.Raw, error) {
	data, err := c.encode(env)
	if err != nil {
		return nil, err
	}
	if err := c.acquire(ctx, subject); err != nil {
		return nil, err
	}
	defer c.release()

	timeout := c.cfg.Behavior.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(rctx, subject, data)
	if err != nil {
		return nil, requestError(subject, err)
	}

	var res envelope.Raw
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return nil, qerrors.Wrap(qerrors.KindDeserialization, "decode reply envelope", err)
	}
	if ee, ok := envelope.PayloadIsError(&res); ok {
		return nil, ee
	}
	return &res, nil
}

// Publish sends an envelope without awaiting a reply.
func (c *Client) Publish(ctx context.Context, subject string, env *envelope.Raw) error {
	data, err := c.encode(env)
	if err != nil {
		return err
	}
	if err := c.acquire(ctx, subject); err != nil {
		return err
	}
	defer c.release()

	if err := c.nc.Publish(subject, data); err != nil {
		return requestError(subject, err)
	}
	return nil
}

// Probe reports whether the broker connection is alive. Subject-level
// responder presence is not probed; only a request can learn that.
func (c *Client) Probe(ctx context.Context, endpoint string) error {
	if _, err := SubjectFromEndpoint(endpoint); err != nil {
		return err
	}
	if !c.nc.IsConnected() {
		return qerrors.TransportKind(qerrors.KindNatsConnection, endpoint, "not connected", nil)
	}
	if err := c.nc.FlushWithContext(ctx); err != nil {
		return qerrors.TransportKind(qerrors.KindNatsConnection, endpoint, "flush failed", err)
	}
	return nil
}

// Close drains the connection when this client owns it. Shared connections
// are left to their owner.
func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return qerrors.TransportKind(qerrors.KindNatsConnection, c.cfg.Connection.URL, "drain failed", err)
	}
	return nil
}

func (c *Client) encode(env *envelope.Raw) ([]byte, error) {
	env.Meta.EnsureRequestID()
	if err := env.Meta.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindSerialization, "encode envelope", err)
	}
	return data, nil
}

// acquire takes a pending slot, blocking or failing per configuration.
func (c *Client) acquire(ctx context.Context, subject string) error {
	if c.sem == nil {
		return nil
	}
	if c.cfg.Behavior.BlockOnPending {
		select {
		case c.sem <- struct{}{}:
			return nil
		case <-ctx.Done():
			return qerrors.TransportKind(qerrors.KindNatsTimeout, subject, "waiting for pending slot", ctx.Err())
		}
	}
	select {
	case c.sem <- struct{}{}:
		return nil
	default:
		return qerrors.TransportKind(qerrors.KindNatsMessage, subject, "pending message limit reached", nil)
	}
}

func (c *Client) release() {
	if c.sem != nil {
		<-c.sem
	}
}

// requestError classifies a broker failure into the taxonomy.
func requestError(subject string, err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return qerrors.TransportKind(qerrors.KindNatsDiscovery, subject, "no responders", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return qerrors.TransportKind(qerrors.KindNatsTimeout, subject, "request timed out", err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		return qerrors.TransportKind(qerrors.KindNatsConnection, subject, "connection unavailable", err)
	default:
		return qerrors.TransportKind(qerrors.KindNatsMessage, subject, "request failed", err)
	}
}

// RequestTyped performs request/reply with typed payloads on both sides.
func RequestTyped[Req, Res any](ctx context.Context, c *Client, subject string, req *envelope.Envelope[Req]) (*envelope.Envelope[Res], error) {
	raw, err := envelope.ToRaw(req)
	if err != nil {
		return nil, err
	}
	res, err := c.Request(ctx, subject, raw)
	if err != nil {
		return nil, err
	}
	return envelope.FromRaw[Res](res)
}
