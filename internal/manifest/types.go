package manifest

import "fmt"

// primitives are the type names with built-in meaning; anything else in type
// position is a reference into the manifest's `types` mapping.
var primitives = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"object":  true,
	"array":   true,
	"null":    true,
	"any":     true,
}

// IsPrimitiveType reports whether name is a built-in type rather than a
// reference to a user-defined one.
func IsPrimitiveType(name string) bool {
	return primitives[name]
}

// resolveTypes verifies that every named type reference, both from ports and
// from within type definitions, resolves transitively and without cycles.
func resolveTypes(types map[string]any, portRefs []string) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(types))

	var visit func(name string) error
	visit = func(name string) error {
		if IsPrimitiveType(name) {
			return nil
		}
		def, ok := types[name]
		if !ok {
			return &UnresolvedTypeError{Name: name}
		}
		switch state[name] {
		case done:
			return nil
		case visiting:
			return &UnresolvedTypeError{Name: name, Cycle: true}
		}
		state[name] = visiting
		for _, r := range descriptorRefs(def) {
			if err := visit(r); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, r := range portRefs {
		if err := visit(r); err != nil {
			return err
		}
	}
	for name := range types {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// descriptorRefs collects the type names a descriptor mentions. The walk
// mirrors the descriptor grammar: a bare string is a type name, a sequence
// describes its element, an object is either a field definition (it carries a
// `type` key) or a mapping of field names to definitions.
func descriptorRefs(def any) []string {
	var refs []string
	switch d := def.(type) {
	case string:
		refs = append(refs, d)
	case []any:
		for _, elem := range d {
			refs = append(refs, descriptorRefs(elem)...)
		}
	case map[string]any:
		if t, ok := d["type"]; ok {
			refs = append(refs, descriptorRefs(t)...)
			if items, ok := d["items"]; ok {
				refs = append(refs, descriptorRefs(items)...)
			}
			if props, ok := d["properties"]; ok {
				refs = append(refs, descriptorRefs(props)...)
			}
		} else {
			for _, field := range d {
				refs = append(refs, descriptorRefs(field)...)
			}
		}
	}
	return refs
}

// TypeName renders a descriptor for diagnostics: the name itself for string
// descriptors, a structural tag otherwise.
func TypeName(def any) string {
	switch d := def.(type) {
	case string:
		return d
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", def)
	}
}
