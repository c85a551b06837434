package envelope

import (
	"encoding/json"

	canonicaljson "github.com/gibson042/canonicaljson-go"

	"github.com/qollective/qollective-go/pkg/qerrors"
)

// Marshal renders the envelope in canonical JSON (JCS ordering), so equal
// envelopes always have byte-equal wire forms regardless of which peer
// serialized them.
func Marshal[T any](e *Envelope[T]) ([]byte, error) {
	data, err := canonicaljson.Marshal(e)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindSerialization, "envelope", err)
	}
	return data, nil
}

// Unmarshal decodes an envelope from its wire form.
func Unmarshal[T any](data []byte) (*Envelope[T], error) {
	var e Envelope[T]
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, qerrors.Wrap(qerrors.KindDeserialization, "envelope", err)
	}
	return &e, nil
}

// MarshalRaw is Marshal for the transport form.
func MarshalRaw(r *Raw) ([]byte, error) { return Marshal(r) }

// UnmarshalRaw is Unmarshal for the transport form.
func UnmarshalRaw(data []byte) (*Raw, error) { return Unmarshal[json.RawMessage](data) }

// Canonicalize rewrites arbitrary JSON bytes into canonical form. Unknown
// fields survive, which matters when re-emitting envelopes produced by
// newer peers.
func Canonicalize(data []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, qerrors.Wrap(qerrors.KindDeserialization, "canonicalize", err)
	}
	return canonicaljson.Marshal(v)
}
