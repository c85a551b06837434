package rest

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/transport"
	"github.com/qollective/qollective-go/pkg/utils"
)

// Client is the HTTP transport. One pooled connection manager serves
// every request; HTTP/2 is attempted when the server offers it.
type Client struct {
	cfg        config.RestClientConfig
	httpClient *http.Client
	baseURL    string
	hasJWT     bool
	logger     *logrus.Logger
}

// NewClient builds the pooled HTTP client. tlsCfg may be nil for
// plaintext deployments.
func NewClient(cfg config.RestClientConfig, tlsCfg *tls.Config, logger *logrus.Logger) *Client {
	pool := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConnsPerHost * 4,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     tlsCfg,
		ForceAttemptHTTP2:   true,
	}

	auth := cfg.DefaultHeaders["Authorization"]

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: pool,
			Timeout:   timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		hasJWT:  strings.HasPrefix(auth, "Bearer "),
		logger:  utils.EnsureLogger(logger),
	}
}

// Protocol implements transport.Sender.
func (c *Client) Protocol() transport.Protocol { return transport.ProtocolRest }

// SendEnvelope implements transport.Sender. The endpoint is an absolute
// URL; envelopes travel as metadata headers plus a payload body.
func (c *Client) SendEnvelope(ctx context.Context, endpoint string, env *envelope.Raw) (*envelope.Raw, error) {
	return c.Do(ctx, http.MethodPost, endpoint, env)
}

// Probe implements transport.Prober with a GET against /health.
func (c *Client) Probe(ctx context.Context, endpoint string) error {
	target := strings.TrimRight(c.resolve(endpoint), "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return qerrors.Transport(endpoint, "build probe request", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return qerrors.Transport(endpoint, "probe endpoint", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	if res.StatusCode >= 400 {
		return qerrors.Newf(qerrors.KindTransport, "probe returned status %d", res.StatusCode)
	}
	return nil
}

// Envelope variants: metadata headers plus serialized payload body.

func (c *Client) GetEnvelope(ctx context.Context, path string, env *envelope.Raw) (*envelope.Raw, error) {
	return c.Do(ctx, http.MethodGet, path, env)
}

func (c *Client) PostEnvelope(ctx context.Context, path string, env *envelope.Raw) (*envelope.Raw, error) {
	return c.Do(ctx, http.MethodPost, path, env)
}

func (c *Client) PutEnvelope(ctx context.Context, path string, env *envelope.Raw) (*envelope.Raw, error) {
	return c.Do(ctx, http.MethodPut, path, env)
}

func (c *Client) DeleteEnvelope(ctx context.Context, path string, env *envelope.Raw) (*envelope.Raw, error) {
	return c.Do(ctx, http.MethodDelete, path, env)
}

func (c *Client) PatchEnvelope(ctx context.Context, path string, env *envelope.Raw) (*envelope.Raw, error) {
	return c.Do(ctx, http.MethodPatch, path, env)
}

func (c *Client) OptionsEnvelope(ctx context.Context, path string, env *envelope.Raw) (*envelope.Raw, error) {
	return c.Do(ctx, http.MethodOptions, path, env)
}

// Meta-only conveniences: same wire behavior with a null payload.

func (c *Client) Get(ctx context.Context, path string, meta envelope.Meta) (*envelope.Raw, error) {
	return c.Do(ctx, http.MethodGet, path, envelope.NullRaw(meta))
}

func (c *Client) Post(ctx context.Context, path string, meta envelope.Meta) (*envelope.Raw, error) {
	return c.Do(ctx, http.MethodPost, path, envelope.NullRaw(meta))
}

func (c *Client) Put(ctx context.Context, path string, meta envelope.Meta) (*envelope.Raw, error) {
	return c.Do(ctx, http.MethodPut, path, envelope.NullRaw(meta))
}

func (c *Client) Delete(ctx context.Context, path string, meta envelope.Meta) (*envelope.Raw, error) {
	return c.Do(ctx, http.MethodDelete, path, envelope.NullRaw(meta))
}

func (c *Client) Patch(ctx context.Context, path string, meta envelope.Meta) (*envelope.Raw, error) {
	return c.Do(ctx, http.MethodPatch, path, envelope.NullRaw(meta))
}

func (c *Client) Options(ctx context.Context, path string, meta envelope.Meta) (*envelope.Raw, error) {
	return c.Do(ctx, http.MethodOptions, path, envelope.NullRaw(meta))
}

// Do performs one enveloped exchange. Network-level failures are retried
// up to the configured attempt count; HTTP error statuses are not.
func (c *Client) Do(ctx context.Context, method, path string, env *envelope.Raw) (*envelope.Raw, error) {
	if env == nil {
		env = envelope.NullRaw(envelope.NewMeta())
	}
	env.Meta.EnsureRequestID()
	if err := env.Meta.Validate(); err != nil {
		return nil, err
	}

	target := c.resolve(path)
	attempts := c.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, qerrors.Transport(target, "request cancelled", ctx.Err())
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
			c.logger.WithFields(logrus.Fields{
				"endpoint": target,
				"attempt":  attempt + 1,
			}).Debug("Retrying HTTP request")
		}

		res, err := c.exchange(ctx, method, target, env)
		if err == nil {
			return res, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) exchange(ctx context.Context, method, target string, env *envelope.Raw) (*envelope.Raw, error) {
	body := []byte(env.Payload)
	if len(body) == 0 {
		body = []byte("null")
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, qerrors.Transport(target, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := InjectMeta(req.Header, &env.Meta, c.extPrefix()); err != nil {
		return nil, err
	}
	for k, v := range c.cfg.DefaultHeaders {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	// A configured JWT is the identity authority; explicit tenant and
	// user headers stay off the wire.
	if c.hasJWT {
		req.Header.Del(HeaderTenant)
		req.Header.Del(HeaderUserID)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, qerrors.Transport(target, "send request", err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, qerrors.Transport(target, "read response", err)
	}

	if res.StatusCode >= 400 {
		if ee, perr := qerrors.ParseEnvelopeError(resBody); perr == nil {
			return nil, ee
		}
		return nil, qerrors.Newf(qerrors.KindRemote, "endpoint %s returned status %d", target, res.StatusCode)
	}

	resMeta, err := ExtractMeta(res.Header, c.extPrefix())
	if err != nil {
		return nil, err
	}
	if len(resBody) == 0 {
		resBody = []byte("null")
	}
	return &envelope.Raw{Meta: resMeta, Payload: resBody}, nil
}

func (c *Client) resolve(path string) string {
	if strings.Contains(path, "://") {
		return path
	}
	if path == "" {
		return c.baseURL
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func (c *Client) extPrefix() string {
	if c.cfg.ExtensionPrefix != "" {
		return c.cfg.ExtensionPrefix
	}
	return config.DefaultExtensionPrefix
}

// Close releases idle pooled connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// retryable reports whether an exchange failure is worth another
// attempt. Only network-level transport errors qualify; anything the
// server answered is final.
func retryable(err error) bool {
	return qerrors.IsKind(err, qerrors.KindTransport)
}
