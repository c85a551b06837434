// Package qerrors defines the framework error taxonomy. Every failure
// surfaced by the framework belongs to exactly one Kind; wire responses
// carry the structured EnvelopeError form.
package qerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a framework failure. Kinds double as wire error codes.
type Kind string

const (
	KindEnvelope      Kind = "ENVELOPE"
	KindConfiguration Kind = "CONFIGURATION"
	KindSerialization Kind = "SERIALIZATION"
	KindTransport     Kind = "TRANSPORT"

	// NATS subvariants of transport failures.
	KindNatsConnection Kind = "NATS_CONNECTION"
	KindNatsMessage    Kind = "NATS_MESSAGE"
	KindNatsTimeout    Kind = "NATS_TIMEOUT"
	KindNatsDiscovery  Kind = "NATS_DISCOVERY"
	KindNatsSubject    Kind = "NATS_SUBJECT"
	KindNatsAuth       Kind = "NATS_AUTHENTICATION"

	KindValidation      Kind = "VALIDATION"
	KindSecurity        Kind = "SECURITY"
	KindConnection      Kind = "CONNECTION"
	KindDeserialization Kind = "DESERIALIZATION"
	KindRemote          Kind = "REMOTE"
	KindGrpc            Kind = "GRPC"

	// MCP subvariants.
	KindMcpProtocol           Kind = "MCP_PROTOCOL"
	KindMcpToolExecution      Kind = "MCP_TOOL_EXECUTION"
	KindMcpServerRegistration Kind = "MCP_SERVER_REGISTRATION"
	KindMcpClientConnection   Kind = "MCP_CLIENT_CONNECTION"
	KindMcpServerNotFound     Kind = "MCP_SERVER_NOT_FOUND"

	KindFeatureNotEnabled Kind = "FEATURE_NOT_ENABLED"
	KindAgentNotFound     Kind = "AGENT_NOT_FOUND"
	KindProtocolAdapter   Kind = "PROTOCOL_ADAPTER"
	KindTLS               Kind = "TLS"
)

// Error is the taxonomy-bound error type. Endpoint is set for transport
// failures so callers can tell which peer misbehaved.
type Error struct {
	Kind     Kind
	Message  string
	Endpoint string
	cause    error
}

func (e *Error) Error() string {
	switch {
	case e.Endpoint != "" && e.cause != nil:
		return fmt.Sprintf("%s: %s (endpoint %s): %v", e.Kind, e.Message, e.Endpoint, e.cause)
	case e.Endpoint != "":
		return fmt.Sprintf("%s: %s (endpoint %s)", e.Kind, e.Message, e.Endpoint)
	case e.cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches two taxonomy errors by Kind, so sentinel comparisons like
// errors.Is(err, qerrors.New(qerrors.KindNatsTimeout, "")) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a taxonomy error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a taxonomy error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a taxonomy error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Transport creates a transport error that records the offending endpoint.
func Transport(endpoint, message string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: message, Endpoint: endpoint, cause: cause}
}

// TransportKind is like Transport but for a NATS or gRPC subvariant.
func TransportKind(kind Kind, endpoint, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Endpoint: endpoint, cause: cause}
}

// FeatureNotEnabled reports an attempt to use a transport that the
// configuration disabled, e.g. FeatureNotEnabled("NATS").
func FeatureNotEnabled(feature string) *Error {
	return &Error{Kind: KindFeatureNotEnabled, Message: feature}
}

// AgentNotFound reports a lookup miss in the agent registry.
func AgentNotFound(agentID string) *Error {
	return &Error{Kind: KindAgentNotFound, Message: fmt.Sprintf("agent %s not found", agentID)}
}

// KindOf extracts the taxonomy kind from an error chain. Errors outside
// the taxonomy yield an empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err belongs to the given taxonomy kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
