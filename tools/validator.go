package tools

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaValidator checks tool input against each descriptor's JSON
// Schema. Compiled schemas are cached; the cache is safe for use from
// concurrent dispatches.
type SchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*gojsonschema.Schema
}

// NewSchemaValidator creates an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{
		cache: make(map[string]*gojsonschema.Schema),
	}
}

// ValidateInput validates raw invocation input against the descriptor's
// input schema. A nil or empty input is treated as an empty object so
// no-argument tools validate cleanly.
func (sv *SchemaValidator) ValidateInput(descriptor *Descriptor, input []byte) error {
	schema, err := sv.getSchema(string(descriptor.InputSchema))
	if err != nil {
		return fmt.Errorf("invalid input schema for tool %s: %w", descriptor.Name, err)
	}

	if len(input) == 0 {
		input = []byte("{}")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(input))
	if err != nil {
		return &ValidationError{
			Tool:   descriptor.Name,
			Detail: fmt.Sprintf("input is not valid JSON: %v", err),
		}
	}

	if !result.Valid() {
		first := result.Errors()[0]
		return &ValidationError{
			Tool:   descriptor.Name,
			Detail: first.Description(),
			Path:   first.Field(),
		}
	}

	return nil
}

// getSchema retrieves or compiles a JSON schema.
func (sv *SchemaValidator) getSchema(schemaJSON string) (*gojsonschema.Schema, error) {
	sv.mu.RLock()
	schema, ok := sv.cache[schemaJSON]
	sv.mu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, err
	}

	sv.mu.Lock()
	sv.cache[schemaJSON] = schema
	sv.mu.Unlock()
	return schema, nil
}
