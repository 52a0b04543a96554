package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Env maps expression roots to the JSON values they resolve against: the
// top-level inputs under "inputs", plus every produced node output under the
// node's id and original name.
type Env map[string]any

// UnresolvedReferenceError reports an expression whose root is not present
// in the environment.
type UnresolvedReferenceError struct {
	Expr string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference {{%s}}", e.Expr)
}

// PathError reports an expression whose root resolved but whose path walked
// off the value: an absent field or an out-of-range index.
type PathError struct {
	Expr      string
	AtSegment string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("cannot resolve {{%s}}: no value at %q", e.Expr, e.AtSegment)
}

// Resolve traverses the template preorder and rewrites its string leaves: a
// leaf that is exactly one expression becomes the referenced JSON value; a
// leaf mixing expressions with literal text concatenates stringified values.
// Mappings and sequences are copied, never mutated. Resolve is pure.
func Resolve(tmpl any, env Env) (any, error) {
	switch v := tmpl.(type) {
	case string:
		return resolveString(v, env)
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			resolved, err := Resolve(elem, env)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			resolved, err := Resolve(elem, env)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	default:
		// Non-string leaves are literal.
		return v, nil
	}
}

func resolveString(s string, env Env) (any, error) {
	if raw, ok := ExactExpr(s); ok {
		return Eval(raw, env)
	}
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var sb strings.Builder
	rest := s
	for {
		loc := exprPattern.FindStringSubmatchIndex(rest)
		if loc == nil {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:loc[0]])
		value, err := Eval(rest[loc[2]:loc[3]], env)
		if err != nil {
			return nil, err
		}
		sb.WriteString(Stringify(value))
		rest = rest[loc[1]:]
	}
}

// Eval parses and resolves a single raw expression against the environment.
func Eval(raw string, env Env) (any, error) {
	expr, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	root := expr.Segments[0]
	current, ok := env[root.Name]
	if !ok {
		return nil, &UnresolvedReferenceError{Expr: expr.String()}
	}

	for i, seg := range expr.Segments {
		if i > 0 {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, &PathError{Expr: expr.String(), AtSegment: seg.Name}
			}
			current, ok = m[seg.Name]
			if !ok {
				return nil, &PathError{Expr: expr.String(), AtSegment: seg.Name}
			}
		}
		for _, idx := range seg.Indexes {
			list, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(list) {
				return nil, &PathError{
					Expr:      expr.String(),
					AtSegment: fmt.Sprintf("%s[%d]", seg.Name, idx),
				}
			}
			current = list[idx]
		}
	}
	return current, nil
}

// Stringify renders a resolved value for interpolation amongst literal text:
// numbers in canonical decimal form, booleans as true/false, null as the
// empty string, and mappings/sequences as compact JSON.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
