package functiontool

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// generateSchema creates a JSON schema from a Go type using struct
// tags.
//
// Supported tags:
//   - json:"name" - parameter name
//   - json:",omitempty" - optional parameter
//   - jsonschema:"required" - explicitly mark as required
//   - jsonschema:"description=..." - parameter description
//   - jsonschema:"default=..." - default value
//   - jsonschema:"enum=val1|val2" - allowed values
//   - jsonschema:"minimum=N,maximum=M" - numeric constraints
func generateSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	schema := reflector.Reflect(new(T))

	schemaMap, err := schemaToMap(schema)
	if err != nil {
		return nil, err
	}

	// Models expect a bare object schema.
	result := map[string]any{"type": "object"}
	if props, ok := schemaMap["properties"]; ok {
		result["properties"] = props
	}
	if required, ok := schemaMap["required"]; ok {
		result["required"] = required
	}
	if addProps, ok := schemaMap["additionalProperties"]; ok {
		result["additionalProperties"] = addProps
	}
	return result, nil
}

// schemaToMap converts a jsonschema.Schema to map[string]any via a
// JSON round trip so all schema node types convert uniformly.
func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	delete(result, "$schema")
	delete(result, "$id")
	return result, nil
}
