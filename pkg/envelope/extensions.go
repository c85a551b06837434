package envelope

import (
	"encoding/json"

	"github.com/mitchellh/mapstructure"

	"github.com/qollective/qollective-go/pkg/qerrors"
)

// Extensions maps section names to opaque JSON values. It is the only
// extension mechanism of the envelope: consumers declare the shapes they
// expect and decode sections on demand.
type Extensions map[string]json.RawMessage

// Set serializes a value under the given section name.
func (e *Extensions) Set(name string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return qerrors.Wrap(qerrors.KindSerialization, "extension "+name, err)
	}
	if *e == nil {
		*e = make(Extensions)
	}
	(*e)[name] = data
	return nil
}

// Get returns the raw section value.
func (e Extensions) Get(name string) (json.RawMessage, bool) {
	v, ok := e[name]
	return v, ok
}

// Has reports whether a section is present.
func (e Extensions) Has(name string) bool {
	_, ok := e[name]
	return ok
}

// Decode reads a section into a typed struct. JSON tags drive the field
// mapping so wire shapes and Go shapes stay aligned.
func (e Extensions) Decode(name string, out interface{}) error {
	raw, ok := e[name]
	if !ok {
		return qerrors.Newf(qerrors.KindEnvelope, "extension section %s not present", name)
	}
	var intermediate interface{}
	if err := json.Unmarshal(raw, &intermediate); err != nil {
		return qerrors.Wrap(qerrors.KindDeserialization, "extension "+name, err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  out,
	})
	if err != nil {
		return qerrors.Wrap(qerrors.KindEnvelope, "extension decoder", err)
	}
	if err := dec.Decode(intermediate); err != nil {
		return qerrors.Wrap(qerrors.KindDeserialization, "extension "+name, err)
	}
	return nil
}

// Clone copies the map; values are immutable byte slices by convention.
func (e Extensions) Clone() Extensions {
	if e == nil {
		return nil
	}
	out := make(Extensions, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}
