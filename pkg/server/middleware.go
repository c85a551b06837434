package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/transport"
)

// Middleware wraps a handler with request/response processing.
type Middleware func(next transport.Handler) transport.Handler

// Chain applies middlewares around a handler; the first middleware is
// the outermost.
func Chain(h transport.Handler, mws ...Middleware) transport.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// WithRecovery converts handler panics into internal errors instead of
// tearing down the dispatch goroutine.
func WithRecovery(logger *logrus.Logger) Middleware {
	return func(next transport.Handler) transport.Handler {
		return func(ctx context.Context, req *envelope.Raw) (res *envelope.Raw, err error) {
			defer func() {
				if r := recover(); r != nil {
					if logger != nil {
						logger.WithFields(logrus.Fields{
							"request_id": req.Meta.RequestID,
							"panic":      r,
						}).Error("Handler panicked")
					}
					res = nil
					err = qerrors.Newf(qerrors.KindRemote, "handler panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// WithPerformanceTimer stamps the reply with the handler duration.
// Duration is response-only metadata; requests never carry it.
func WithPerformanceTimer() Middleware {
	return func(next transport.Handler) transport.Handler {
		return func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
			start := time.Now()
			res, err := next(ctx, req)
			if err != nil || res == nil {
				return res, err
			}
			if res.Meta.Perf == nil {
				res.Meta.Perf = &envelope.Performance{}
			}
			res.Meta.Perf.DurationMs = time.Since(start).Milliseconds()
			return res, nil
		}
	}
}

// WithTracing seeds tracing state on requests that arrive without it, so
// every reply can continue a trace.
func WithTracing() Middleware {
	return func(next transport.Handler) transport.Handler {
		return func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
			req.Meta.StartTrace()
			return next(ctx, req)
		}
	}
}

// WithValidation rejects envelopes violating metadata invariants before
// they reach a handler.
func WithValidation() Middleware {
	return func(next transport.Handler) transport.Handler {
		return func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
			if err := req.Meta.Validate(); err != nil {
				return nil, err
			}
			return next(ctx, req)
		}
	}
}

// WithPermissions requires every listed permission on the security
// section. Propagation only: the framework checks what the envelope
// carries, it does not mint policy.
func WithPermissions(required ...string) Middleware {
	return func(next transport.Handler) transport.Handler {
		return func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
			if len(required) == 0 {
				return next(ctx, req)
			}
			if req.Meta.Security == nil {
				return nil, qerrors.New(qerrors.KindSecurity, "missing security metadata")
			}
			held := make(map[string]bool, len(req.Meta.Security.Permissions))
			for _, p := range req.Meta.Security.Permissions {
				held[p] = true
			}
			for _, want := range required {
				if !held[want] {
					return nil, qerrors.Newf(qerrors.KindSecurity, "missing permission %s", want)
				}
			}
			return next(ctx, req)
		}
	}
}

// WithErrorTranslation converts handler errors into error-reply
// envelopes. Terminal middleware for transports without a status channel
// of their own, such as NATS replies.
func WithErrorTranslation(logger *logrus.Logger) Middleware {
	return func(next transport.Handler) transport.Handler {
		return func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
			res, err := next(ctx, req)
			if err == nil {
				return res, nil
			}
			ee := qerrors.FromError(err).NormalizeStatus(logger)
			if req.Meta.Tracing != nil && ee.Trace == "" {
				ee.Trace = req.Meta.Tracing.TraceID
			}
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"request_id": req.Meta.RequestID,
					"code":       ee.Code,
				}).Debug("Translated handler error into reply envelope")
			}
			return envelope.ErrorRaw(req.Meta, ee), nil
		}
	}
}

// WithRequestLogging logs one line per dispatched envelope.
func WithRequestLogging(logger *logrus.Logger, route string) Middleware {
	return func(next transport.Handler) transport.Handler {
		return func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error) {
			res, err := next(ctx, req)
			if logger != nil {
				entry := logger.WithFields(logrus.Fields{
					"route":      route,
					"request_id": req.Meta.RequestID,
					"tenant":     req.Meta.Tenant,
				})
				if err != nil {
					entry.WithError(err).Warn("Envelope dispatch failed")
				} else {
					entry.Debug("Envelope dispatched")
				}
			}
			return res, err
		}
	}
}

// Pipeline is the standard server-side middleware stack: recovery,
// tracing, validation, timing. Error translation is appended by
// transports that need reply-envelope failures.
func Pipeline(logger *logrus.Logger) []Middleware {
	return []Middleware{
		WithRecovery(logger),
		WithTracing(),
		WithValidation(),
		WithPerformanceTimer(),
	}
}
