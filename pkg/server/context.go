// Package server provides the handler-side runtime: a metadata context,
// typed handler adapters and the middleware pipeline shared by every
// transport's receive path.
package server

import (
	"context"

	"github.com/qollective/qollective-go/pkg/envelope"
)

// Context wraps the request metadata with helpers. It is immutable from
// the handler's point of view; derive children for outbound calls.
type Context struct {
	meta envelope.Meta
}

// NewContext builds a handler context from request metadata. A missing
// request id is generated so correlation always works.
func NewContext(meta envelope.Meta) *Context {
	m := meta.Clone()
	m.EnsureRequestID()
	return &Context{meta: m}
}

// Meta returns a copy of the request metadata.
func (c *Context) Meta() envelope.Meta { return c.meta.Clone() }

// RequestID returns the correlation id for this request.
func (c *Context) RequestID() string { return c.meta.RequestID }

// Tenant returns the isolation key, empty when untenanted.
func (c *Context) Tenant() string { return c.meta.Tenant }

// OnBehalfOf returns the delegation triple, nil when absent.
func (c *Context) OnBehalfOf() *envelope.OnBehalfOf {
	if c.meta.OnBehalfOf == nil {
		return nil
	}
	obo := *c.meta.OnBehalfOf
	return &obo
}

// TraceID returns the distributed trace id, empty when tracing is off.
func (c *Context) TraceID() string {
	if c.meta.Tracing == nil {
		return ""
	}
	return c.meta.Tracing.TraceID
}

// SpanID returns the current span id.
func (c *Context) SpanID() string {
	if c.meta.Tracing == nil {
		return ""
	}
	return c.meta.Tracing.SpanID
}

// Extension decodes a named extension section into out.
func (c *Context) Extension(name string, out interface{}) error {
	return c.meta.Extensions.Decode(name, out)
}

// HasExtension reports whether an extension section is present.
func (c *Context) HasExtension(name string) bool {
	return c.meta.Extensions.Has(name)
}

// ResponseMeta derives the reply metadata skeleton: correlation
// preserved, span bumped, timestamp fresh.
func (c *Context) ResponseMeta() envelope.Meta {
	return c.meta.ResponseMeta()
}

// ChildMeta derives metadata for an outbound call made while handling
// this request: same trace, new span and request id.
func (c *Context) ChildMeta() envelope.Meta {
	return c.meta.ChildMeta()
}

// Child returns a context for an outbound call.
func (c *Context) Child() *Context {
	return &Context{meta: c.meta.ChildMeta()}
}

type contextKey struct{}

// Attach binds the handler context to the in-flight task's
// context.Context. State rides the task, never a thread.
func Attach(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext recovers the handler context attached by the dispatch
// pipeline.
func FromContext(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(contextKey{}).(*Context)
	return c, ok
}
