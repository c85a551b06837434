package client

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/transport"
	"github.com/qollective/qollective-go/pkg/utils"
)

// restDoer is the verb surface the REST transport exposes beyond plain
// envelope sends.
type restDoer interface {
	Do(ctx context.Context, method, path string, env *envelope.Raw) (*envelope.Raw, error)
}

// RestClient is the HTTP facade. Every verb has an envelope variant and
// a meta-only convenience that sends a null payload.
type RestClient struct {
	router Router
	logger *logrus.Entry
}

// NewRestClient builds the facade. The REST transport feature must be
// enabled in configuration.
func NewRestClient(cfg *config.TransportConfig, router Router, logger *logrus.Logger) (*RestClient, error) {
	if cfg == nil || !cfg.Rest.Enabled {
		return nil, qerrors.FeatureNotEnabled("REST")
	}
	return &RestClient{
		router: router,
		logger: utils.ComponentLogger(utils.EnsureLogger(logger), "rest-client"),
	}, nil
}

// SendEnvelope routes an envelope through the hybrid layer, which may
// pick any transport the endpoint supports.
func (c *RestClient) SendEnvelope(ctx context.Context, endpoint string, env *envelope.Raw) (*envelope.Raw, error) {
	return c.router.Send(ctx, endpoint, env)
}

func (c *RestClient) GetEnvelope(ctx context.Context, path string, env *envelope.Raw) (*envelope.Raw, error) {
	return c.do(ctx, http.MethodGet, path, env)
}

func (c *RestClient) PostEnvelope(ctx context.Context, path string, env *envelope.Raw) (*envelope.Raw, error) {
	return c.do(ctx, http.MethodPost, path, env)
}

func (c *RestClient) PutEnvelope(ctx context.Context, path string, env *envelope.Raw) (*envelope.Raw, error) {
	return c.do(ctx, http.MethodPut, path, env)
}

func (c *RestClient) DeleteEnvelope(ctx context.Context, path string, env *envelope.Raw) (*envelope.Raw, error) {
	return c.do(ctx, http.MethodDelete, path, env)
}

func (c *RestClient) PatchEnvelope(ctx context.Context, path string, env *envelope.Raw) (*envelope.Raw, error) {
	return c.do(ctx, http.MethodPatch, path, env)
}

func (c *RestClient) OptionsEnvelope(ctx context.Context, path string, env *envelope.Raw) (*envelope.Raw, error) {
	return c.do(ctx, http.MethodOptions, path, env)
}

// Meta-only variants send the metadata with a null payload.

func (c *RestClient) Get(ctx context.Context, path string, meta envelope.Meta) (*envelope.Raw, error) {
	return c.do(ctx, http.MethodGet, path, envelope.NullRaw(meta))
}

func (c *RestClient) Post(ctx context.Context, path string, meta envelope.Meta) (*envelope.Raw, error) {
	return c.do(ctx, http.MethodPost, path, envelope.NullRaw(meta))
}

func (c *RestClient) Put(ctx context.Context, path string, meta envelope.Meta) (*envelope.Raw, error) {
	return c.do(ctx, http.MethodPut, path, envelope.NullRaw(meta))
}

func (c *RestClient) Delete(ctx context.Context, path string, meta envelope.Meta) (*envelope.Raw, error) {
	return c.do(ctx, http.MethodDelete, path, envelope.NullRaw(meta))
}

func (c *RestClient) Patch(ctx context.Context, path string, meta envelope.Meta) (*envelope.Raw, error) {
	return c.do(ctx, http.MethodPatch, path, envelope.NullRaw(meta))
}

func (c *RestClient) Options(ctx context.Context, path string, meta envelope.Meta) (*envelope.Raw, error) {
	return c.do(ctx, http.MethodOptions, path, envelope.NullRaw(meta))
}

func (c *RestClient) do(ctx context.Context, method, path string, env *envelope.Raw) (*envelope.Raw, error) {
	sender, ok := c.router.Sender(transport.ProtocolRest)
	if !ok {
		return nil, ErrTransportNotAvailable(transport.ProtocolRest)
	}
	doer, ok := sender.(restDoer)
	if !ok {
		return nil, ErrTransportNotAvailable(transport.ProtocolRest)
	}
	return doer.Do(ctx, method, path, env)
}
