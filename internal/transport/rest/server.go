package rest

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/internal/bus"
	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/transport"
	"github.com/qollective/qollective-go/pkg/utils"
)

// defaultEnvelopeRoute serves handlers registered without an address.
const defaultEnvelopeRoute = "/envelope"

// Server dispatches enveloped HTTP requests to registered handlers.
// Headers carry the metadata, the body carries the payload; responses
// mirror the same shape. Handler failures become EnvelopeError bodies
// with their mapped status.
type Server struct {
	cfg        config.RestServerConfig
	router     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	tlsCfg     *tls.Config
	logger     *logrus.Logger
	bus        *bus.EventBus
}

// NewServer builds the router and standard routes. tlsCfg may be nil.
func NewServer(cfg config.RestServerConfig, tlsCfg *tls.Config, logger *logrus.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	if cfg.EnableCORS {
		router.Use(cors.New(cors.Config{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
			AllowHeaders: []string{
				"Origin", "Content-Type", "Accept", "Authorization",
				HeaderRequestID, HeaderTimestamp, HeaderVersion, HeaderTenant,
				HeaderOnBehalfOf, HeaderUserID, HeaderSessionID,
				HeaderTraceID, HeaderSpanID, HeaderParentSpanID,
			},
			ExposeHeaders: []string{
				"Content-Length",
				HeaderRequestID, HeaderTimestamp, HeaderVersion, HeaderTenant,
				HeaderTraceID, HeaderSpanID, HeaderParentSpanID, HeaderDurationMs,
			},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	s := &Server{
		cfg:    cfg,
		router: router,
		tlsCfg: tlsCfg,
		logger: utils.EnsureLogger(logger),
	}

	router.GET("/health", s.getHealth)

	return s
}

// getHealth answers capability probes and load balancers.
func (s *Server) getHealth(c *gin.Context) {
	c.Header(HeaderVersion, envelope.SchemaVersion)
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"protocols": []string{string(transport.ProtocolRest)},
	})
}

// SetEventBus wires lifecycle events for dispatches and handler
// failures. Must be called before any handler registration takes
// traffic; nil disables publishing.
func (s *Server) SetEventBus(eb *bus.EventBus) {
	s.bus = eb
}

// MountMetrics exposes a metrics handler at /metrics.
func (s *Server) MountMetrics(h http.Handler) {
	s.router.GET("/metrics", gin.WrapH(h))
}

// RegisterHandler binds an envelope handler to a method and path.
func (s *Server) RegisterHandler(method, path string, h transport.Handler) {
	s.router.Handle(method, path, s.wrap(path, h))
}

// ReceiveEnvelope implements transport.Receiver at the default route.
func (s *Server) ReceiveEnvelope(h transport.Handler) error {
	s.RegisterHandler(http.MethodPost, defaultEnvelopeRoute, h)
	return nil
}

// ReceiveEnvelopeAt implements transport.Receiver for an explicit path.
func (s *Server) ReceiveEnvelopeAt(route string, h transport.Handler) error {
	s.RegisterHandler(http.MethodPost, route, h)
	return nil
}

// wrap adapts an envelope handler into a gin route.
func (s *Server) wrap(route string, h transport.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		meta, err := ExtractMeta(c.Request.Header, s.extPrefix())
		if err != nil {
			s.fail(c, route, meta, err)
			return
		}
		applyBearerClaims(c.Request.Header, &meta)
		meta.EnsureRequestID()
		s.recordCaller(c, &meta)

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			s.fail(c, route, meta, qerrors.Wrap(qerrors.KindTransport, "read request body", err))
			return
		}
		if len(body) == 0 {
			body = []byte("null")
		}

		if s.bus != nil {
			s.bus.PublishEnvelopeReceived(string(transport.ProtocolRest), route, meta.RequestID)
		}

		req := &envelope.Raw{Meta: meta, Payload: body}
		res, err := h(c.Request.Context(), req)
		if err != nil {
			s.fail(c, route, meta, err)
			return
		}
		if res == nil {
			res = envelope.NullRaw(meta.ResponseMeta())
		}

		if err := InjectMeta(c.Writer.Header(), &res.Meta, s.extPrefix()); err != nil {
			s.fail(c, route, meta, err)
			return
		}
		payload := []byte(res.Payload)
		if len(payload) == 0 {
			payload = []byte("null")
		}
		s.logger.WithFields(logrus.Fields{
			"route":      route,
			"request_id": res.Meta.RequestID,
		}).Debug("Envelope dispatched")
		c.Data(http.StatusOK, "application/json", payload)
	}
}

// recordCaller stamps connection-level identity the client cannot fake
// into the security section.
func (s *Server) recordCaller(c *gin.Context, meta *envelope.Meta) {
	ip := c.ClientIP()
	ua := c.Request.UserAgent()
	if ip == "" && ua == "" {
		return
	}
	if meta.Security == nil {
		meta.Security = &envelope.Security{}
	}
	if meta.Security.IPAddress == "" {
		meta.Security.IPAddress = ip
	}
	if meta.Security.UserAgent == "" {
		meta.Security.UserAgent = ua
	}
}

// fail renders a handler error as an EnvelopeError body with the mapped
// HTTP status. Correlation headers survive the failure.
func (s *Server) fail(c *gin.Context, route string, meta envelope.Meta, err error) {
	ee := qerrors.FromError(err).NormalizeStatus(s.logger)
	if ee.Trace == "" && meta.Tracing != nil {
		ee.Trace = meta.Tracing.TraceID
	}
	if meta.RequestID != "" {
		c.Header(HeaderRequestID, meta.RequestID)
	}
	s.logger.WithFields(logrus.Fields{
		"request_id": meta.RequestID,
		"code":       ee.Code,
		"status":     ee.HTTPStatusCode,
	}).Warn("Envelope dispatch failed")
	if s.bus != nil {
		s.bus.PublishHandlerError(string(transport.ProtocolRest), route, ee.Code)
	}
	c.Data(ee.HTTPStatusCode, "application/json", ee.ToJSON())
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return qerrors.Transport(addr, "bind HTTP listener", err)
	}
	s.listener = ln

	s.logger.Infof("Starting HTTP server on %s", ln.Addr())

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		TLSConfig:    s.tlsCfg,
	}

	go func() {
		var serveErr error
		if s.tlsCfg != nil {
			serveErr = s.httpServer.ServeTLS(ln, "", "")
		} else {
			serveErr = s.httpServer.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Errorf("HTTP server error: %v", serveErr)
		}
	}()

	return nil
}

// Addr reports the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler { return s.router }

// Shutdown drains outstanding requests until the configured deadline,
// then forces the listener closed.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("Shutting down HTTP server...")

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return qerrors.Wrap(qerrors.KindTransport, "HTTP server shutdown", err)
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

func (s *Server) extPrefix() string {
	if s.cfg.ExtensionPrefix != "" {
		return s.cfg.ExtensionPrefix
	}
	return config.DefaultExtensionPrefix
}
