package modrun

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateConfigSchema validates an effective module configuration against
// the manifest's config_schema, a JSON Schema document. Both inputs are
// round-tripped through JSON so YAML-sourced values compare correctly.
func ValidateConfigSchema(schema, config map[string]any) error {
	schemaDoc, err := normalizeJSON(schema)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigSchemaInvalid, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config_schema.json", schemaDoc); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigSchemaInvalid, err)
	}
	compiled, err := compiler.Compile("config_schema.json")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigSchemaInvalid, err)
	}

	instance, err := normalizeJSON(config)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := compiled.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return nil
}

// normalizeJSON re-encodes a value through the jsonschema decoder so number
// representations match what the validator expects.
func normalizeJSON(value map[string]any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
