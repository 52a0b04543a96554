package engine

import (
	"fmt"

	"github.com/starthubhq/runner/internal/flatten"
	"github.com/starthubhq/runner/internal/manifest"
	"github.com/starthubhq/runner/internal/typecheck"
)

// validateInputs checks supplied values against declared input ports:
// unknown names are rejected, required ports must be present, declared
// defaults are materialised for absent optionals, and every present value
// must conform to its port's type. It returns the completed input map.
func validateInputs(m *manifest.Manifest, values map[string]any, at string) (map[string]any, error) {
	checker := typecheck.New(m.Types)
	out := make(map[string]any, len(values))

	for name := range values {
		if _, ok := m.InputPort(name); !ok {
			return nil, fmt.Errorf("unknown input %q", name)
		}
	}

	for _, port := range m.Inputs {
		value, present := values[port.Name]
		if !present {
			if port.Default != nil {
				out[port.Name] = *port.Default
				continue
			}
			if port.Required {
				return nil, fmt.Errorf("missing required input %q", port.Name)
			}
			// No default, not required: the field stays absent.
			continue
		}

		desc, err := typecheck.DecodeDescriptor(port.Type)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", port.Name, err)
		}
		if err := checker.Check(value, desc, at+"."+port.Name); err != nil {
			return nil, err
		}
		out[port.Name] = value
	}
	return out, nil
}

// validateNodeInputs checks a node's resolved input value against the
// callee's declared input ports before the sandbox is invoked.
func validateNodeInputs(node *flatten.Node, resolved map[string]any) error {
	checker := typecheck.New(node.Manifest.Types)

	for _, port := range node.Manifest.Inputs {
		value, present := resolved[port.Name]
		if !present {
			if port.Required {
				return &typecheck.TypeMismatchError{
					At:       node.Path + "." + port.Name,
					Expected: manifest.TypeName(rawDescriptor(port)),
					Actual:   "absent",
				}
			}
			continue
		}
		desc, err := typecheck.DecodeDescriptor(port.Type)
		if err != nil {
			return err
		}
		if err := checker.Check(value, desc, node.Path+"."+port.Name); err != nil {
			return err
		}
	}
	return nil
}

// validateNodeOutput checks the runtime output shape against the callee's
// declared output ports: when outputs are declared the value must be a
// mapping keyed by those names, required fields must be present and conform,
// extra fields are tolerated.
func validateNodeOutput(node *flatten.Node, output any) error {
	if len(node.Manifest.Outputs) == 0 {
		return nil
	}

	fields, ok := output.(map[string]any)
	if !ok {
		return &typecheck.TypeMismatchError{
			At:       node.Path,
			Expected: "object",
			Actual:   fmt.Sprintf("%T", output),
		}
	}

	checker := typecheck.New(node.Manifest.Types)
	for _, port := range node.Manifest.Outputs {
		value, present := fields[port.Name]
		if !present {
			if port.Required {
				return &typecheck.TypeMismatchError{
					At:       node.Path + "." + port.Name,
					Expected: manifest.TypeName(rawDescriptor(port)),
					Actual:   "absent",
				}
			}
			continue
		}
		desc, err := typecheck.DecodeDescriptor(port.Type)
		if err != nil {
			return err
		}
		if err := checker.Check(value, desc, node.Path+"."+port.Name); err != nil {
			return err
		}
	}
	return nil
}

// rawDescriptor decodes a port's type for diagnostics, falling back to `any`.
func rawDescriptor(port manifest.Port) any {
	desc, err := typecheck.DecodeDescriptor(port.Type)
	if err != nil {
		return "any"
	}
	return desc
}
