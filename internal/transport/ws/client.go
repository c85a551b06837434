package ws

import (
	"context"
	"crypto/tls"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/transport"
	"github.com/qollective/qollective-go/pkg/utils"
)

// Client multiplexes request/reply envelopes over persistent WebSocket
// connections, one per URL. Replies correlate by request id; replies
// arriving after the caller gave up are dropped via the stale set.
type Client struct {
	cfg    config.WsClientConfig
	tlsCfg *tls.Config
	logger *logrus.Entry

	mu    sync.Mutex
	conns map[string]*wsConn
}

// NewClient builds a client. A nil tlsCfg means plaintext dials.
func NewClient(cfg config.WsClientConfig, tlsCfg *tls.Config, logger *logrus.Logger) *Client {
	return &Client{
		cfg:    cfg,
		tlsCfg: tlsCfg,
		logger: utils.ComponentLogger(utils.EnsureLogger(logger), "ws-client"),
		conns:  make(map[string]*wsConn),
	}
}

// Protocol identifies this transport.
func (c *Client) Protocol() transport.Protocol { return transport.ProtocolWebSocket }

// SendEnvelope writes the request frame and waits for the correlated
// reply. On timeout the request id joins the stale set so a late reply
// cannot be matched to a future call.
func (c *Client) SendEnvelope(ctx context.Context, endpoint string, env *envelope.Raw) (*envelope.Raw, error) {
	wc, err := c.connFor(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	env.Meta.EnsureRequestID()
	if err := env.Meta.Validate(); err != nil {
		return nil, err
	}
	data, err := encodeEnvelopeFrame(env)
	if err != nil {
		return nil, err
	}

	id := env.Meta.RequestID
	ch, err := wc.register(id)
	if err != nil {
		return nil, err
	}

	if err := wc.write(data); err != nil {
		wc.unregister(id)
		return nil, qerrors.Transport(wc.url, "write failed", err)
	}

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if ee, ok := envelope.PayloadIsError(res); ok {
			return nil, ee
		}
		return res, nil
	case <-timer.C:
		wc.markStale(id)
		return nil, qerrors.Transport(wc.url, "request timed out", context.DeadlineExceeded)
	case <-ctx.Done():
		wc.markStale(id)
		return nil, qerrors.Transport(wc.url, "request canceled", ctx.Err())
	case <-wc.done:
		wc.unregister(id)
		return nil, qerrors.Transport(wc.url, "connection closed", wc.closeError())
	}
}

// Probe pings the peer and waits for the pong.
func (c *Client) Probe(ctx context.Context, endpoint string) error {
	wc, err := c.connFor(ctx, endpoint)
	if err != nil {
		return err
	}

	select {
	case <-wc.pong:
	default:
	}
	if err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.DefaultWsWriteWait)); err != nil {
		return qerrors.Transport(wc.url, "ping failed", err)
	}

	timeout := c.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = config.DefaultConnectTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wc.pong:
		return nil
	case <-wc.done:
		return qerrors.Transport(wc.url, "connection closed", wc.closeError())
	case <-timer.C:
		return qerrors.Transport(wc.url, "pong timed out", context.DeadlineExceeded)
	case <-ctx.Done():
		return qerrors.Transport(wc.url, "probe canceled", ctx.Err())
	}
}

// Close starts the close handshake on every connection and forces the
// stragglers down after the grace window.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := make([]*wsConn, 0, len(c.conns))
	for target, wc := range c.conns {
		conns = append(conns, wc)
		delete(c.conns, target)
	}
	c.mu.Unlock()

	for _, wc := range conns {
		wc.shutdown()
	}
	return nil
}

func (c *Client) connFor(ctx context.Context, endpoint string) (*wsConn, error) {
	target := endpoint
	if target == "" {
		target = c.cfg.URL
	}
	if target == "" {
		return nil, qerrors.Transport(endpoint, "no url configured", nil)
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, qerrors.Transport(target, "parse endpoint", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, qerrors.Transport(target, "unsupported scheme "+u.Scheme, nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if wc, ok := c.conns[target]; ok {
		select {
		case <-wc.done:
			delete(c.conns, target)
		default:
			return wc, nil
		}
	}

	handshake := c.cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = config.DefaultConnectTimeout
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshake,
		TLSClientConfig:  c.tlsCfg,
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, qerrors.Transport(target, "dial failed", err)
	}

	ttl := c.cfg.StaleReplyTTL
	if ttl <= 0 {
		ttl = config.DefaultStaleReplyTTL
	}
	wc := &wsConn{
		url:     target,
		conn:    conn,
		logger:  c.logger.WithField("url", target),
		pending: make(map[string]chan *envelope.Raw),
		stale:   make(map[string]time.Time),
		ttl:     ttl,
		done:    make(chan struct{}),
		pong:    make(chan struct{}, 1),
	}
	conn.SetReadLimit(config.DefaultWsMaxMessageBytes)
	conn.SetPongHandler(func(string) error {
		select {
		case wc.pong <- struct{}{}:
		default:
		}
		return nil
	})
	go wc.readLoop()

	c.conns[target] = wc
	c.logger.WithField("url", target).Debug("WebSocket connection established")
	return wc, nil
}

// wsConn is one persistent connection with its correlation state.
type wsConn struct {
	url    string
	conn   *websocket.Conn
	logger *logrus.Entry

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan *envelope.Raw
	stale    map[string]time.Time
	ttl      time.Duration
	closeErr error

	done chan struct{}
	pong chan struct{}
}

func (wc *wsConn) readLoop() {
	defer func() {
		_ = wc.conn.Close()
		close(wc.done)
	}()

	for {
		_, message, err := wc.conn.ReadMessage()
		if err != nil {
			wc.mu.Lock()
			wc.closeErr = err
			wc.mu.Unlock()
			return
		}

		f, err := decodeFrame(message)
		if err != nil {
			wc.logger.WithError(err).Warn("Malformed frame, ignoring")
			continue
		}
		switch f.Type {
		case frameEnvelope:
			env, err := decodeEnvelopeFrame(f)
			if err != nil {
				wc.logger.WithError(err).Warn("Malformed envelope frame, ignoring")
				continue
			}
			wc.deliver(env)
		case frameError:
			if ee, perr := qerrors.ParseEnvelopeError(f.Payload); perr == nil {
				wc.logger.WithFields(logrus.Fields{"code": ee.Code, "error": ee.Message}).Warn("Peer reported connection error")
			} else {
				wc.logger.Warn("Peer reported unparseable connection error")
			}
		default:
			wc.logger.WithField("type", f.Type).Debug("Ignoring unknown frame type")
		}
	}
}

func (wc *wsConn) deliver(env *envelope.Raw) {
	id := env.Meta.RequestID
	wc.mu.Lock()
	ch, ok := wc.pending[id]
	if ok {
		delete(wc.pending, id)
	}
	timedOutAt, wasStale := wc.stale[id]
	if wasStale {
		delete(wc.stale, id)
	}
	wc.mu.Unlock()

	switch {
	case ok:
		ch <- env
	case wasStale:
		wc.logger.WithFields(logrus.Fields{
			"request_id": id,
			"late_by":    time.Since(timedOutAt).String(),
		}).Debug("Dropping late reply")
	default:
		wc.logger.WithField("request_id", id).Debug("Dropping unmatched reply")
	}
}

func (wc *wsConn) register(id string) (chan *envelope.Raw, error) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if _, exists := wc.pending[id]; exists {
		return nil, qerrors.Newf(qerrors.KindValidation, "request id %s already in flight", id)
	}
	ch := make(chan *envelope.Raw, 1)
	wc.pending[id] = ch
	return ch, nil
}

func (wc *wsConn) unregister(id string) {
	wc.mu.Lock()
	delete(wc.pending, id)
	wc.mu.Unlock()
}

// markStale moves a timed-out call into the stale set so a late reply is
// dropped instead of matched. Expired entries are pruned on the way.
func (wc *wsConn) markStale(id string) {
	now := time.Now()
	wc.mu.Lock()
	delete(wc.pending, id)
	wc.stale[id] = now
	for staleID, at := range wc.stale {
		if now.Sub(at) > wc.ttl {
			delete(wc.stale, staleID)
		}
	}
	wc.mu.Unlock()
}

func (wc *wsConn) write(data []byte) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	if err := wc.conn.SetWriteDeadline(time.Now().Add(config.DefaultWsWriteWait)); err != nil {
		return err
	}
	return wc.conn.WriteMessage(websocket.TextMessage, data)
}

func (wc *wsConn) closeError() error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.closeErr
}

// shutdown starts the close handshake and forces the connection down if
// the peer does not confirm within the grace window.
func (wc *wsConn) shutdown() {
	_ = wc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(config.DefaultCloseGrace))
	select {
	case <-wc.done:
	case <-time.After(config.DefaultCloseGrace):
	}
	_ = wc.conn.Close()
}
