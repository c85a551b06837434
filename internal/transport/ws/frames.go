// Package ws provides the WebSocket transport. Peers exchange text
// frames of the form {"type":"envelope","payload":<envelope>}; replies
// correlate to requests by request id over the persistent connection.
package ws

import (
	"encoding/json"

	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/qerrors"
)

const (
	// frameEnvelope carries a request or reply envelope.
	frameEnvelope = "envelope"
	// frameError reports a connection-level failure that could not be
	// correlated to a request, payload is an EnvelopeError.
	frameError = "error"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeEnvelopeFrame(env *envelope.Raw) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindSerialization, "encode envelope", err)
	}
	data, err := json.Marshal(frame{Type: frameEnvelope, Payload: payload})
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindSerialization, "encode frame", err)
	}
	return data, nil
}

func encodeErrorFrame(ee *qerrors.EnvelopeError) []byte {
	data, err := json.Marshal(frame{Type: frameError, Payload: ee.ToJSON()})
	if err != nil {
		return []byte(`{"type":"error"}`)
	}
	return data
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, qerrors.Wrap(qerrors.KindDeserialization, "decode frame", err)
	}
	if f.Type == "" {
		return frame{}, qerrors.New(qerrors.KindDeserialization, "frame missing type")
	}
	return f, nil
}

func decodeEnvelopeFrame(f frame) (*envelope.Raw, error) {
	var env envelope.Raw
	if err := json.Unmarshal(f.Payload, &env); err != nil {
		return nil, qerrors.Wrap(qerrors.KindDeserialization, "decode envelope frame", err)
	}
	return &env, nil
}
