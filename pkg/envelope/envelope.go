// Package envelope defines the typed message carrier exchanged over every
// transport: structured metadata plus a payload. The envelope is the unit
// of serialization at every boundary; transports neither mutate nor
// reorder its fields on round-trip.
package envelope

import (
	"encoding/json"

	"github.com/qollective/qollective-go/pkg/qerrors"
)

// Envelope pairs metadata with a typed payload.
type Envelope[T any] struct {
	Meta    Meta `json:"meta"`
	Payload T    `json:"payload"`
}

// Raw is the transport currency: an envelope whose payload is still
// undecoded JSON.
type Raw = Envelope[json.RawMessage]

// New wraps a payload in an envelope.
func New[T any](meta Meta, payload T) *Envelope[T] {
	return &Envelope[T]{Meta: meta, Payload: payload}
}

// NewRequest wraps a payload with fresh request metadata.
func NewRequest[T any](payload T) *Envelope[T] {
	return &Envelope[T]{Meta: NewMeta(), Payload: payload}
}

// Extract splits the envelope back into its parts.
func (e *Envelope[T]) Extract() (Meta, T) {
	return e.Meta, e.Payload
}

// ToRaw serializes the payload, producing the transport form.
func ToRaw[T any](e *Envelope[T]) (*Raw, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindSerialization, "envelope payload", err)
	}
	return &Raw{Meta: e.Meta, Payload: data}, nil
}

// FromRaw decodes a raw envelope's payload into a typed one.
func FromRaw[T any](r *Raw) (*Envelope[T], error) {
	var payload T
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			return nil, qerrors.Wrap(qerrors.KindDeserialization, "envelope payload", err)
		}
	}
	return &Envelope[T]{Meta: r.Meta, Payload: payload}, nil
}

// NullRaw builds a raw envelope with a null payload, for meta-only sends.
func NullRaw(meta Meta) *Raw {
	return &Raw{Meta: meta, Payload: json.RawMessage("null")}
}

// ErrorRaw packages a wire error as a reply envelope. The reply reuses
// the request's metadata skeleton so correlation survives the failure.
func ErrorRaw(requestMeta Meta, ee *qerrors.EnvelopeError) *Raw {
	meta := requestMeta.ResponseMeta()
	data, err := json.Marshal(ee)
	if err != nil {
		data = qerrors.Internal("error serialization failed").ToJSON()
	}
	return &Raw{Meta: meta, Payload: data}
}

// PayloadIsError reports whether a raw payload decodes as an
// EnvelopeError, returning it when so. NATS replies carry failures this
// way since the substrate has no status channel.
func PayloadIsError(r *Raw) (*qerrors.EnvelopeError, bool) {
	if r == nil || len(r.Payload) == 0 {
		return nil, false
	}
	ee, err := qerrors.ParseEnvelopeError(r.Payload)
	if err != nil || ee.HTTPStatusCode == 0 {
		return nil, false
	}
	return ee, true
}
