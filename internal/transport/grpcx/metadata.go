package grpcx

import (
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/qollective/qollective-go/internal/transport/rest"
	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
)

const (
	// mdRoute carries the logical route so one service can host several
	// handler registrations, mirroring REST paths.
	mdRoute = "x-envelope-route"

	// mdEnvelopeError is the trailer key failures ride in.
	mdEnvelopeError = "x-envelope-error"
)

// injectMeta renders envelope metadata as call metadata: the REST header
// set, lowercased per protocol requirement.
func injectMeta(md metadata.MD, meta *envelope.Meta) error {
	h := http.Header{}
	if err := rest.InjectMeta(h, meta, config.DefaultExtensionPrefix); err != nil {
		return err
	}
	for k, vs := range h {
		md[strings.ToLower(k)] = vs
	}
	return nil
}

// extractMeta parses call metadata back into envelope metadata. Keys
// outside the envelope header set (pseudo headers, grpc-*) are ignored.
func extractMeta(md metadata.MD) (envelope.Meta, error) {
	h := http.Header{}
	for k, vs := range md {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	return rest.ExtractMeta(h, config.DefaultExtensionPrefix)
}
