// Package template implements the `{{path.to.value[idx]}}` expression
// language and its substitution into JSON value templates.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// exprPattern locates `{{…}}` occurrences inside a string leaf.
var exprPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// segmentPattern parses one dot-separated segment: an identifier followed by
// zero or more `[idx]` suffixes.
var segmentPattern = regexp.MustCompile(`^([a-zA-Z0-9_-]+)((?:\[\d+\])*)$`)

// indexPattern extracts the individual index suffixes of a segment.
var indexPattern = regexp.MustCompile(`\[(\d+)\]`)

// Segment is one step of a path expression.
type Segment struct {
	Name    string
	Indexes []int
}

// Expr is a parsed path expression. The first segment names the root, which
// is resolved against an environment; the remainder walks into the value.
type Expr struct {
	Segments []Segment
}

// Parse parses the inside of a `{{…}}` expression.
func Parse(raw string) (Expr, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Expr{}, fmt.Errorf("empty expression")
	}

	var e Expr
	for _, part := range strings.Split(trimmed, ".") {
		m := segmentPattern.FindStringSubmatch(part)
		if m == nil {
			return Expr{}, fmt.Errorf("invalid path segment %q in expression %q", part, raw)
		}
		seg := Segment{Name: m[1]}
		for _, idx := range indexPattern.FindAllStringSubmatch(m[2], -1) {
			n, err := strconv.Atoi(idx[1])
			if err != nil {
				// Unreachable due to the regex \d+.
				return Expr{}, fmt.Errorf("internal error parsing index in %q: %w", raw, err)
			}
			seg.Indexes = append(seg.Indexes, n)
		}
		e.Segments = append(e.Segments, seg)
	}
	return e, nil
}

// Root returns the name of the expression's first segment.
func (e Expr) Root() string {
	return e.Segments[0].Name
}

// String renders the expression back to its canonical path form.
func (e Expr) String() string {
	var sb strings.Builder
	for i, seg := range e.Segments {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(seg.Name)
		for _, idx := range seg.Indexes {
			fmt.Fprintf(&sb, "[%d]", idx)
		}
	}
	return sb.String()
}

// Wrap renders the expression as a substitutable `{{…}}` string leaf.
func (e Expr) Wrap() string {
	return "{{" + e.String() + "}}"
}

// ExactExpr reports whether the string leaf is exactly one expression with no
// surrounding text, and returns it if so.
func ExactExpr(s string) (string, bool) {
	loc := exprPattern.FindStringSubmatchIndex(s)
	if loc == nil || loc[0] != 0 || loc[1] != len(s) {
		return "", false
	}
	return s[loc[2]:loc[3]], true
}

// Exprs returns the raw expressions contained in a string leaf, in order.
func Exprs(s string) []string {
	var out []string
	for _, m := range exprPattern.FindAllStringSubmatch(s, -1) {
		out = append(out, m[1])
	}
	return out
}

// Walk visits every expression found in the template's string leaves,
// preorder. It is used to derive data-flow edges without resolving anything.
func Walk(tmpl any, visit func(raw string) error) error {
	switch v := tmpl.(type) {
	case string:
		for _, raw := range Exprs(v) {
			if err := visit(raw); err != nil {
				return err
			}
		}
	case []any:
		for _, elem := range v {
			if err := Walk(elem, visit); err != nil {
				return err
			}
		}
	case map[string]any:
		for _, elem := range v {
			if err := Walk(elem, visit); err != nil {
				return err
			}
		}
	}
	return nil
}
