package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/internal/bus"
	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/transport"
	"github.com/qollective/qollective-go/pkg/utils"
)

// Buffered frames per client before the slow-consumer eviction kicks in.
const sendBuffer = 256

// session is one connected peer. done is closed exactly once when the
// session leaves the hub; the write pump exits on it.
type session struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	path string
	id   string
	once sync.Once
}

func (sess *session) close() {
	sess.once.Do(func() { close(sess.done) })
}

// hub tracks connected sessions and enforces the connection cap.
type hub struct {
	mu      sync.RWMutex
	clients map[*session]struct{}
	limit   int
}

func newHub(limit int) *hub {
	if limit <= 0 {
		limit = config.DefaultWsMaxConnections
	}
	return &hub{clients: make(map[*session]struct{}), limit: limit}
}

func (h *hub) add(sess *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= h.limit {
		return false
	}
	h.clients[sess] = struct{}{}
	return true
}

func (h *hub) remove(sess *session) {
	h.mu.Lock()
	delete(h.clients, sess)
	h.mu.Unlock()
	sess.close()
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) snapshot() []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := make([]*session, 0, len(h.clients))
	for sess := range h.clients {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Server upgrades HTTP requests into envelope-speaking WebSocket
// sessions. Handlers are keyed by URL path; the route-less registration
// lands on the configured default path.
type Server struct {
	cfg    config.WsServerConfig
	tlsCfg *tls.Config
	logger *logrus.Entry
	bus    *bus.EventBus

	upgrader websocket.Upgrader
	hub      *hub
	httpSrv  *http.Server
	listener net.Listener

	mu       sync.RWMutex
	handlers map[string]transport.Handler
	closed   bool
}

// NewServer builds a server. A nil tlsCfg means plaintext.
func NewServer(cfg config.WsServerConfig, tlsCfg *tls.Config, logger *logrus.Logger) *Server {
	return &Server{
		cfg:    cfg,
		tlsCfg: tlsCfg,
		logger: utils.ComponentLogger(utils.EnsureLogger(logger), "ws-server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		hub:      newHub(cfg.MaxConnections),
		handlers: make(map[string]transport.Handler),
	}
}

// SetEventBus wires lifecycle events for dispatches, handler failures
// and connection transitions; nil disables publishing.
func (s *Server) SetEventBus(eb *bus.EventBus) {
	s.bus = eb
}

// ReceiveEnvelope registers the handler at the configured default path.
func (s *Server) ReceiveEnvelope(handler transport.Handler) error {
	return s.ReceiveEnvelopeAt("", handler)
}

// ReceiveEnvelopeAt registers a handler for one URL path.
func (s *Server) ReceiveEnvelopeAt(route string, handler transport.Handler) error {
	path := s.normalizePath(route)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[path] = handler
	return nil
}

// Start listens and serves upgrades in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return qerrors.Transport(addr, "listen failed", err)
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpSrv = &http.Server{Handler: mux}

	s.logger.WithField("address", ln.Addr().String()).Info("WebSocket server listening")
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("WebSocket server terminated")
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

// Shutdown initiates the close handshake on every session, waits out the
// grace window for peers to confirm, then forces the rest down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if alreadyClosed || s.httpSrv == nil {
		return nil
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	grace := s.cfg.CloseGrace
	if grace <= 0 {
		grace = config.DefaultCloseGrace
	}

	deadline := time.Now().Add(grace)
	for _, sess := range s.hub.snapshot() {
		_ = sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
wait:
	for s.hub.count() > 0 {
		select {
		case <-graceTimer.C:
			break wait
		case <-ctx.Done():
			break wait
		case <-poll.C:
		}
	}
	for _, sess := range s.hub.snapshot() {
		s.hub.remove(sess)
		_ = sess.conn.Close()
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return qerrors.Transport(s.Addr(), "shutdown failed", err)
	}
	s.logger.Info("WebSocket server stopped")
	return nil
}

// Broadcast pushes an envelope to every session connected at the route.
func (s *Server) Broadcast(route string, env *envelope.Raw) error {
	path := s.normalizePath(route)
	env.Meta.EnsureRequestID()
	data, err := encodeEnvelopeFrame(env)
	if err != nil {
		return err
	}
	for _, sess := range s.hub.snapshot() {
		if sess.path == path {
			s.enqueue(sess, data)
		}
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	handler := s.handlers[r.URL.Path]
	s.mu.RUnlock()

	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if handler == nil {
		http.Error(w, "no websocket endpoint", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	sess := &session{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		path: r.URL.Path,
		id:   fmt.Sprintf("session-%d", time.Now().UnixNano()),
	}
	if !s.hub.add(sess) {
		s.logger.WithField("limit", s.hub.limit).Warn("Connection limit reached, rejecting client")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached"),
			time.Now().Add(s.writeWait()))
		_ = conn.Close()
		return
	}

	s.logger.WithFields(logrus.Fields{"session": sess.id, "path": sess.path}).Info("WebSocket client connected")
	if s.bus != nil {
		s.bus.PublishConnectionState(string(transport.ProtocolWebSocket), conn.RemoteAddr().String(), "connected", s.hub.count())
	}
	go s.writePump(sess)
	go s.readPump(sess, handler)
}

// readPump pumps frames from the connection into the handler.
func (s *Server) readPump(sess *session, handler transport.Handler) {
	defer func() {
		s.hub.remove(sess)
		_ = sess.conn.Close()
		s.logger.WithField("session", sess.id).Info("WebSocket client disconnected")
		if s.bus != nil {
			s.bus.PublishConnectionState(string(transport.ProtocolWebSocket), sess.conn.RemoteAddr().String(), "disconnected", s.hub.count())
		}
	}()

	maxBytes := s.cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultWsMaxMessageBytes
	}
	pongWait := s.pongWait()
	sess.conn.SetReadLimit(maxBytes)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.WithError(err).WithField("session", sess.id).Warn("WebSocket read failed")
			}
			return
		}

		f, err := decodeFrame(message)
		if err != nil {
			s.enqueue(sess, encodeErrorFrame(qerrors.FromError(err).NormalizeStatus(s.logger.Logger)))
			continue
		}
		switch f.Type {
		case frameEnvelope:
			req, err := decodeEnvelopeFrame(f)
			if err != nil {
				s.enqueue(sess, encodeErrorFrame(qerrors.FromError(err).NormalizeStatus(s.logger.Logger)))
				continue
			}
			req.Meta.EnsureRequestID()
			go s.dispatch(sess, handler, req)
		default:
			s.logger.WithField("type", f.Type).Warn("Unknown frame type")
			ee := qerrors.FromError(qerrors.Newf(qerrors.KindValidation, "unknown frame type %q", f.Type))
			s.enqueue(sess, encodeErrorFrame(ee.NormalizeStatus(s.logger.Logger)))
		}
	}
}

// writePump pumps queued frames to the connection and keeps it alive
// with pings.
func (s *Server) writePump(sess *session) {
	pingPeriod := s.pongWait() * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sess.conn.Close()
	}()

	for {
		select {
		case <-sess.done:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(s.writeWait()))
			_ = sess.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(s.writeWait()))
			if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(s.writeWait()))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(sess *session, handler transport.Handler, req *envelope.Raw) {
	if s.bus != nil {
		s.bus.PublishEnvelopeReceived(string(transport.ProtocolWebSocket), sess.path, req.Meta.RequestID)
	}
	res, err := handler(context.Background(), req)
	if err != nil {
		ee := qerrors.FromError(err).NormalizeStatus(s.logger.Logger)
		if ee.Trace == "" && req.Meta.Tracing != nil {
			ee.Trace = req.Meta.Tracing.TraceID
		}
		s.logger.WithFields(logrus.Fields{
			"session":    sess.id,
			"request_id": req.Meta.RequestID,
			"code":       ee.Code,
		}).Warn("Handler failed")
		if s.bus != nil {
			s.bus.PublishHandlerError(string(transport.ProtocolWebSocket), sess.path, ee.Code)
		}
		s.reply(sess, envelope.ErrorRaw(req.Meta, ee))
		return
	}
	if res == nil {
		res = envelope.NullRaw(req.Meta.ResponseMeta())
	}
	s.reply(sess, res)
}

func (s *Server) reply(sess *session, env *envelope.Raw) {
	data, err := encodeEnvelopeFrame(env)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to encode reply frame")
		data = encodeErrorFrame(qerrors.Internal("reply serialization failed"))
	}
	s.enqueue(sess, data)
}

// enqueue hands a frame to the session's write pump. A full buffer means
// the peer stopped reading; the session is evicted.
func (s *Server) enqueue(sess *session, data []byte) {
	select {
	case <-sess.done:
	case sess.send <- data:
	default:
		s.logger.WithField("session", sess.id).Warn("Send buffer full, dropping client")
		s.hub.remove(sess)
	}
}

func (s *Server) normalizePath(route string) string {
	if route == "" {
		if s.cfg.Path != "" {
			return s.cfg.Path
		}
		return config.DefaultWsPath
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return route
}

func (s *Server) writeWait() time.Duration {
	if s.cfg.WriteWait > 0 {
		return s.cfg.WriteWait
	}
	return config.DefaultWsWriteWait
}

func (s *Server) pongWait() time.Duration {
	if s.cfg.PongWait > 0 {
		return s.cfg.PongWait
	}
	return config.DefaultWsPongWait
}
