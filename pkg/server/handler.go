package server

import (
	"context"
	"encoding/json"

	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/transport"
)

// Typed adapts a handler over concrete request/response types into the
// raw envelope handler every transport dispatches to. The pipeline:
// decode payload, build and attach the metadata context, invoke, wrap
// the result in a reply envelope derived from the request's skeleton.
func Typed[Req, Res any](fn func(ctx context.Context, c *Context, req Req) (Res, error)) transport.Handler {
	return func(ctx context.Context, raw *envelope.Raw) (*envelope.Raw, error) {
		if err := raw.Meta.Validate(); err != nil {
			return nil, err
		}

		typed, err := envelope.FromRaw[Req](raw)
		if err != nil {
			return nil, err
		}

		c := NewContext(raw.Meta)
		ctx = Attach(ctx, c)

		res, err := fn(ctx, c, typed.Payload)
		if err != nil {
			return nil, err
		}

		payload, err := json.Marshal(res)
		if err != nil {
			return nil, qerrors.Wrap(qerrors.KindSerialization, "response payload", err)
		}
		return &envelope.Raw{Meta: c.ResponseMeta(), Payload: payload}, nil
	}
}

// Echo returns the request payload unchanged with a reply skeleton. A
// convenient no-op handler for probes and tests.
func Echo() transport.Handler {
	return func(ctx context.Context, raw *envelope.Raw) (*envelope.Raw, error) {
		c := NewContext(raw.Meta)
		return &envelope.Raw{Meta: c.ResponseMeta(), Payload: raw.Payload}, nil
	}
}
