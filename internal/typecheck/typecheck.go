// Package typecheck validates runtime JSON values against manifest type
// descriptors.
//
// Descriptors are compiled to JSON Schema documents and checked with the
// jsonschema library, the same route the hosted execution engine takes. The
// check is structural: named types are expanded inline (manifest loading has
// already guaranteed they resolve acyclically), missing optional fields are
// tolerated, and extra fields are tolerated.
package typecheck

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/starthubhq/runner/internal/manifest"
)

// Checker validates values against descriptors within one manifest's type
// scope.
type Checker struct {
	types map[string]any
}

// New creates a Checker scoped to the given named types.
func New(types map[string]any) *Checker {
	return &Checker{types: types}
}

// DecodeDescriptor turns a port's raw type field into a descriptor value.
// A missing type is treated as `any`.
func DecodeDescriptor(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return "any", nil
	}
	var desc any
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("decoding type descriptor: %w", err)
	}
	return desc, nil
}

// Check validates value against the descriptor. On failure it returns a
// *TypeMismatchError locating the problem at `at`.
func (c *Checker) Check(value any, descriptor any, at string) error {
	schemaDoc, err := c.schemaFor(descriptor, nil)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(schemaDoc)
	if err != nil {
		return err
	}
	schema, err := jsonschema.CompileString("descriptor.json", string(encoded))
	if err != nil {
		return fmt.Errorf("compiling schema for %s: %w", at, err)
	}

	if err := schema.Validate(value); err != nil {
		return &TypeMismatchError{
			At:       at,
			Expected: manifest.TypeName(descriptor),
			Actual:   jsonKind(value),
			Detail:   err.Error(),
		}
	}
	return nil
}

// schemaFor converts a descriptor into a JSON Schema document. The seen set
// guards against reference cycles; manifest loading rejects them, but a
// Checker can be handed unvalidated types in tests.
func (c *Checker) schemaFor(descriptor any, seen map[string]bool) (map[string]any, error) {
	switch d := descriptor.(type) {
	case string:
		if d == "any" {
			return map[string]any{}, nil
		}
		if manifest.IsPrimitiveType(d) {
			return map[string]any{"type": d}, nil
		}
		def, ok := c.types[d]
		if !ok {
			return nil, fmt.Errorf("type reference %q does not resolve", d)
		}
		if seen[d] {
			return nil, fmt.Errorf("type reference %q is cyclic", d)
		}
		if seen == nil {
			seen = make(map[string]bool)
		}
		seen[d] = true
		defer delete(seen, d)
		return c.schemaFor(def, seen)

	case []any:
		schema := map[string]any{"type": "array"}
		if len(d) > 0 {
			items, err := c.schemaFor(d[0], seen)
			if err != nil {
				return nil, err
			}
			schema["items"] = items
		}
		return schema, nil

	case map[string]any:
		if t, ok := d["type"]; ok {
			// Field definition form: {type, required?, description?}.
			return c.schemaFor(t, seen)
		}
		properties := make(map[string]any, len(d))
		var required []string
		for name, fieldDef := range d {
			fieldSchema, err := c.schemaFor(fieldDef, seen)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", name, err)
			}
			properties[name] = fieldSchema
			if obj, ok := fieldDef.(map[string]any); ok {
				if req, ok := obj["required"].(bool); ok && req {
					required = append(required, name)
				}
			}
		}
		schema := map[string]any{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema, nil

	default:
		return nil, fmt.Errorf("unsupported type descriptor %T", descriptor)
	}
}

// jsonKind names the JSON class of a decoded value for diagnostics.
func jsonKind(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, int, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

// TypeMismatchError reports a runtime value whose shape does not conform to
// the declared type at an action boundary.
type TypeMismatchError struct {
	At       string
	Expected string
	Actual   string
	Detail   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch at %s: expected %s, got %s", e.At, e.Expected, e.Actual)
}
