// Package client provides the public facades applications talk to:
// RestClient, NatsClient, A2AClient and McpClient. Facades never own
// sockets; they hold the hybrid routing layer and delegate every method,
// so a facade built without a matching transport fails with a configured
// "transport not available" error instead of dialing anything itself.
package client

import (
	"context"

	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/transport"
)

// Router is the slice of the hybrid layer the facades depend on. Tests
// substitute a mock without any wired transport.
type Router interface {
	Send(ctx context.Context, endpoint string, env *envelope.Raw) (*envelope.Raw, error)
	SendWith(ctx context.Context, endpoint string, env *envelope.Raw, reqs transport.Requirements) (*envelope.Raw, error)
	Sender(p transport.Protocol) (transport.Sender, bool)
}

// ErrTransportNotAvailable builds the failure every facade returns when
// the router has no handle for the protocol it needs.
func ErrTransportNotAvailable(p transport.Protocol) error {
	return qerrors.Newf(qerrors.KindProtocolAdapter, "%s transport not available", p)
}

// Call performs one typed envelope exchange through the router.
func Call[Req, Res any](ctx context.Context, r Router, endpoint string, req *envelope.Envelope[Req]) (*envelope.Envelope[Res], error) {
	raw, err := envelope.ToRaw(req)
	if err != nil {
		return nil, err
	}
	res, err := r.Send(ctx, endpoint, raw)
	if err != nil {
		return nil, err
	}
	return envelope.FromRaw[Res](res)
}

// CallWith is Call under explicit transport requirements.
func CallWith[Req, Res any](ctx context.Context, r Router, endpoint string, req *envelope.Envelope[Req], reqs transport.Requirements) (*envelope.Envelope[Res], error) {
	raw, err := envelope.ToRaw(req)
	if err != nil {
		return nil, err
	}
	res, err := r.SendWith(ctx, endpoint, raw, reqs)
	if err != nil {
		return nil, err
	}
	return envelope.FromRaw[Res](res)
}
