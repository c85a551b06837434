// Package transport defines the contracts every wire protocol
// implementation honors: envelope send/receive abstractions, capability
// descriptors and the per-endpoint capability cache used for transport
// selection.
package transport

import (
	"context"
	"fmt"

	"github.com/qollective/qollective-go/pkg/envelope"
)

// Protocol identifies a concrete wire protocol.
type Protocol string

const (
	ProtocolRest      Protocol = "rest"
	ProtocolGrpc      Protocol = "grpc"
	ProtocolNats      Protocol = "nats"
	ProtocolWebSocket Protocol = "websocket"
)

// Protocols lists every supported protocol in default preference order.
func Protocols() []Protocol {
	return []Protocol{ProtocolGrpc, ProtocolRest, ProtocolNats, ProtocolWebSocket}
}

// ParseProtocol converts a config string into a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtocolRest, ProtocolGrpc, ProtocolNats, ProtocolWebSocket:
		return Protocol(s), nil
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

// Handler processes one incoming raw envelope and produces the reply.
// Handlers run one goroutine per message and must be concurrency-safe.
type Handler func(ctx context.Context, req *envelope.Raw) (*envelope.Raw, error)

// Sender delivers an envelope to an endpoint and awaits the response
// envelope. Implementations may block on I/O but never on CPU; the
// context deadline bounds the whole exchange.
type Sender interface {
	SendEnvelope(ctx context.Context, endpoint string, env *envelope.Raw) (*envelope.Raw, error)
	Protocol() Protocol
}

// Prober cheaply checks whether an endpoint speaks this protocol. Probes
// are no-op requests; latency is recorded for selection scoring.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// Receiver registers typed dispatch for an address. Route semantics are
// protocol-specific: an HTTP path, a NATS subject, a WebSocket URL path.
type Receiver interface {
	ReceiveEnvelope(handler Handler) error
	ReceiveEnvelopeAt(route string, handler Handler) error
}

// Closer releases protocol resources. Separate from Sender so mocks stay
// small.
type Closer interface {
	Close() error
}
