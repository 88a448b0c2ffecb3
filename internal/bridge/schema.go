package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var keySchemas = map[SyncKey]string{
	KeyVocabulary: `{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["word"],
			"properties": {
				"word": {"type": "string", "minLength": 1},
				"translation": {"type": ["string", "null"]},
				"definition": {"type": ["string", "null"]}
			}
		}
	}`,
	KeyReadingHistory: `{
		"type": "object",
		"additionalProperties": {"type": "integer", "minimum": 0}
	}`,
	KeyCredential: `{"type": ["string", "number"]}`,
}

// valueValidator checks decoded values against the shape the page and the
// extension expect for each key.
type valueValidator struct {
	schemas map[SyncKey]*jsonschema.Schema
}

func newValueValidator() (*valueValidator, error) {
	compiler := jsonschema.NewCompiler()
	v := &valueValidator{schemas: map[SyncKey]*jsonschema.Schema{}}
	for _, key := range syncKeys {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(keySchemas[key]))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", key, err)
		}
		location := "https://syncbridge.invalid/schemas/" + string(key) + ".json"
		if err := compiler.AddResource(location, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", key, err)
		}
		schema, err := compiler.Compile(location)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", key, err)
		}
		v.schemas[key] = schema
	}
	return v, nil
}

func (v *valueValidator) Validate(key SyncKey, value any) error {
	if v == nil {
		return nil
	}
	schema, ok := v.schemas[key]
	if !ok {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
