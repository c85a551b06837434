package client

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/transport"
	"github.com/qollective/qollective-go/pkg/utils"
)

// pubsub is the subject surface the NATS transport exposes beyond plain
// envelope sends.
type pubsub interface {
	Request(ctx context.Context, subject string, env *envelope.Raw) (*envelope.Raw, error)
	Publish(ctx context.Context, subject string, env *envelope.Raw) error
}

// NatsClient is the pub/sub facade: request/reply and fire-and-forget
// publishing on subjects.
type NatsClient struct {
	router Router
	logger *logrus.Entry
}

// NewNatsClient builds the facade. The NATS transport feature must be
// enabled in configuration.
func NewNatsClient(cfg *config.TransportConfig, router Router, logger *logrus.Logger) (*NatsClient, error) {
	if cfg == nil || !cfg.Nats.Enabled {
		return nil, qerrors.FeatureNotEnabled("NATS")
	}
	return &NatsClient{
		router: router,
		logger: utils.ComponentLogger(utils.EnsureLogger(logger), "nats-client-facade"),
	}, nil
}

// SendEnvelope routes an envelope through the hybrid layer.
func (c *NatsClient) SendEnvelope(ctx context.Context, endpoint string, env *envelope.Raw) (*envelope.Raw, error) {
	return c.router.Send(ctx, endpoint, env)
}

// Request publishes to a subject and awaits the reply envelope.
func (c *NatsClient) Request(ctx context.Context, subject string, env *envelope.Raw) (*envelope.Raw, error) {
	ps, err := c.transport()
	if err != nil {
		return nil, err
	}
	return ps.Request(ctx, subject, env)
}

// Publish sends an envelope to a subject without awaiting a reply.
func (c *NatsClient) Publish(ctx context.Context, subject string, env *envelope.Raw) error {
	ps, err := c.transport()
	if err != nil {
		return err
	}
	return ps.Publish(ctx, subject, env)
}

func (c *NatsClient) transport() (pubsub, error) {
	sender, ok := c.router.Sender(transport.ProtocolNats)
	if !ok {
		return nil, ErrTransportNotAvailable(transport.ProtocolNats)
	}
	ps, ok := sender.(pubsub)
	if !ok {
		return nil, ErrTransportNotAvailable(transport.ProtocolNats)
	}
	return ps, nil
}
