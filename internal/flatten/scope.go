package flatten

import (
	"fmt"
	"strings"

	"github.com/starthubhq/runner/internal/template"
)

// scope is the rewrite context for one composition during expansion. Its
// bindings map the composition's input ports to templates already expressed
// in the flattened vocabulary; steps records the resolved identity of every
// sibling expanded so far.
type scope struct {
	path     string
	bindings map[string]any
	steps    map[string]*stepResult
}

// stepResult is what a step name resolves to inside its scope: an atomic
// node, or a composition's rewritten output templates.
type stepResult struct {
	node    *Node
	outputs map[string]any
}

// pathOp is one step of a relative path into a template: a field selection
// or a sequence index.
type pathOp struct {
	field string
	index int
}

// rewriteTemplate deep-copies a value template, rewriting every expression so
// its root names either `inputs` or a flattened node id.
func (sc *scope) rewriteTemplate(tmpl any) (any, error) {
	switch v := tmpl.(type) {
	case string:
		return sc.rewriteString(v)
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			r, err := sc.rewriteTemplate(elem)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			r, err := sc.rewriteTemplate(elem)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func (sc *scope) rewriteString(s string) (any, error) {
	if raw, ok := template.ExactExpr(s); ok {
		expr, err := template.Parse(raw)
		if err != nil {
			return nil, err
		}
		return sc.rewriteExpr(expr)
	}
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	// Interpolation amongst literal text: each fragment must reduce to
	// something splicable into a string.
	var sb strings.Builder
	rest := s
	for {
		idx := strings.Index(rest, "{{")
		if idx < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		end := strings.Index(rest[idx:], "}}")
		if end < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:idx])
		raw := strings.TrimSpace(rest[idx+2 : idx+end])
		rest = rest[idx+end+2:]

		expr, err := template.Parse(raw)
		if err != nil {
			return nil, err
		}
		fragment, err := sc.rewriteExpr(expr)
		if err != nil {
			return nil, err
		}
		switch frag := fragment.(type) {
		case string:
			sb.WriteString(frag)
		case []any, map[string]any:
			if containsExprs(frag) {
				return nil, fmt.Errorf("cannot interpolate structured template for {{%s}}", raw)
			}
			sb.WriteString(template.Stringify(frag))
		default:
			sb.WriteString(template.Stringify(frag))
		}
	}
}

// rewriteExpr resolves an expression one scope boundary: the root is looked
// up amongst the composition's inputs or its expanded siblings, and the
// remaining path is spliced into whatever the root is bound to.
func (sc *scope) rewriteExpr(expr template.Expr) (any, error) {
	root := expr.Segments[0]

	switch {
	case root.Name == "inputs":
		if len(expr.Segments) < 2 || len(root.Indexes) > 0 {
			return nil, &template.UnresolvedReferenceError{Expr: expr.String()}
		}
		port := expr.Segments[1].Name
		binding, ok := sc.bindings[port]
		if !ok {
			return nil, &template.UnresolvedReferenceError{Expr: expr.String()}
		}
		ops := pathOps(expr.Segments[1].Indexes, expr.Segments[2:])
		return splice(binding, ops, expr.String())

	default:
		result, ok := sc.steps[root.Name]
		if !ok {
			return nil, &template.UnresolvedReferenceError{Expr: expr.String()}
		}
		if result.node != nil {
			rewritten := template.Expr{Segments: append(
				[]template.Segment{{Name: result.node.ID, Indexes: root.Indexes}},
				expr.Segments[1:]...,
			)}
			return rewritten.Wrap(), nil
		}

		// Composition step: the first path element selects an output port,
		// whose template absorbs the rest of the path.
		if len(expr.Segments) < 2 || len(root.Indexes) > 0 {
			return nil, &template.UnresolvedReferenceError{Expr: expr.String()}
		}
		port := expr.Segments[1].Name
		outTmpl, ok := result.outputs[port]
		if !ok {
			return nil, &UndeclaredPortError{Step: root.Name, Port: port}
		}
		ops := pathOps(expr.Segments[1].Indexes, expr.Segments[2:])
		return splice(outTmpl, ops, expr.String())
	}
}

// pathOps flattens index suffixes and trailing segments into a linear op
// list.
func pathOps(leadIndexes []int, segments []template.Segment) []pathOp {
	var ops []pathOp
	for _, idx := range leadIndexes {
		ops = append(ops, pathOp{index: idx})
	}
	for _, seg := range segments {
		ops = append(ops, pathOp{field: seg.Name})
		for _, idx := range seg.Indexes {
			ops = append(ops, pathOp{index: idx})
		}
	}
	return ops
}

// splice applies a relative path to a template fragment. Walking lands either
// on a sub-template (copied out) or on an expression leaf, in which case the
// remaining path is appended to the expression itself.
func splice(fragment any, ops []pathOp, origExpr string) (any, error) {
	if len(ops) == 0 {
		return deepCopy(fragment), nil
	}
	op := ops[0]

	switch frag := fragment.(type) {
	case string:
		if raw, ok := template.ExactExpr(frag); ok {
			base, err := template.Parse(raw)
			if err != nil {
				return nil, err
			}
			return appendOps(base, ops).Wrap(), nil
		}
		// A literal or interpolated string cannot be descended into.
		return nil, &template.UnresolvedReferenceError{Expr: origExpr}

	case map[string]any:
		if op.field == "" {
			return nil, &template.PathError{Expr: origExpr, AtSegment: fmt.Sprintf("[%d]", op.index)}
		}
		next, ok := frag[op.field]
		if !ok {
			return nil, &template.PathError{Expr: origExpr, AtSegment: op.field}
		}
		return splice(next, ops[1:], origExpr)

	case []any:
		if op.field != "" {
			return nil, &template.PathError{Expr: origExpr, AtSegment: op.field}
		}
		if op.index < 0 || op.index >= len(frag) {
			return nil, &template.PathError{Expr: origExpr, AtSegment: fmt.Sprintf("[%d]", op.index)}
		}
		return splice(frag[op.index], ops[1:], origExpr)

	default:
		at := op.field
		if at == "" {
			at = fmt.Sprintf("[%d]", op.index)
		}
		return nil, &template.PathError{Expr: origExpr, AtSegment: at}
	}
}

// appendOps extends a parsed expression with a relative path.
func appendOps(base template.Expr, ops []pathOp) template.Expr {
	segments := make([]template.Segment, len(base.Segments))
	for i, seg := range base.Segments {
		segments[i] = template.Segment{Name: seg.Name, Indexes: append([]int(nil), seg.Indexes...)}
	}
	for _, op := range ops {
		if op.field != "" {
			segments = append(segments, template.Segment{Name: op.field})
		} else {
			last := len(segments) - 1
			segments[last].Indexes = append(segments[last].Indexes, op.index)
		}
	}
	return template.Expr{Segments: segments}
}

// containsExprs reports whether any string leaf of the template carries an
// expression.
func containsExprs(tmpl any) bool {
	found := false
	_ = template.Walk(tmpl, func(string) error {
		found = true
		return nil
	})
	return found
}

// deepCopy clones a JSON value tree so later rewrites cannot alias into
// manifests or sibling nodes.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = deepCopy(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = deepCopy(elem)
		}
		return out
	default:
		return val
	}
}
