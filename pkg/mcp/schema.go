package mcp

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/qollective/qollective-go/pkg/qerrors"
)

// reflectSchema derives a JSON schema from the handler's parameter type.
// jsonschema struct tags refine it: `jsonschema:"required,description=..."`,
// `jsonschema:"minimum=N"` and so on; `json:",omitempty"` marks a field
// optional.
func reflectSchema[T any]() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindSerialization, "reflect tool schema", err)
	}

	// Strip the $schema noise; tool schemas are embedded documents.
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, qerrors.Wrap(qerrors.KindSerialization, "reflect tool schema", err)
	}
	delete(m, "$schema")
	delete(m, "$id")

	out, err := json.Marshal(m)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindSerialization, "reflect tool schema", err)
	}
	return out, nil
}
