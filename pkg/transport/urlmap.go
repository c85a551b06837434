package transport

import (
	"net"
	"net/url"
	"strings"

	"github.com/qollective/qollective-go/pkg/qerrors"
)

// MapURL maps an endpoint URL onto a protocol purely syntactically. Used
// when probing is disabled or failed for the endpoint. Bare host:port
// endpoints map to gRPC, the conventional target form.
func MapURL(endpoint string) (Protocol, error) {
	if !strings.Contains(endpoint, "://") {
		if _, _, err := net.SplitHostPort(endpoint); err == nil {
			return ProtocolGrpc, nil
		}
		return "", qerrors.Newf(qerrors.KindProtocolAdapter, "endpoint %q has no scheme", endpoint)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", qerrors.Wrap(qerrors.KindProtocolAdapter, "endpoint is not a URL", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return ProtocolRest, nil
	case "grpc", "grpcs":
		return ProtocolGrpc, nil
	case "nats", "tls":
		return ProtocolNats, nil
	case "ws", "wss":
		return ProtocolWebSocket, nil
	}
	return "", qerrors.Newf(qerrors.KindProtocolAdapter, "no transport for scheme %q", u.Scheme)
}
