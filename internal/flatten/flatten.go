// Package flatten expands a composite action into the flat, ordered list of
// atomic execution nodes the orchestrator drives.
//
// Flattening is eager: cycles and dangling references surface here, before
// anything executes, and the data-flow graph over the result is a first-class
// object the rest of the system can analyse. Every template expression in a
// flattened node is rewritten, one nesting at a time, until it refers only to
// the top-level `inputs` root or to the id of another flattened node.
package flatten

import (
	"context"
	"fmt"
	"path"

	"github.com/google/uuid"

	"github.com/starthubhq/runner/internal/ctxlog"
	"github.com/starthubhq/runner/internal/dag"
	"github.com/starthubhq/runner/internal/manifest"
	"github.com/starthubhq/runner/internal/ref"
	"github.com/starthubhq/runner/internal/template"
)

// Fetcher loads manifests for referenced actions; the artifact store is the
// production implementation.
type Fetcher interface {
	FetchManifest(ctx context.Context, r ref.Ref) (*manifest.Manifest, error)
}

// Node is one atomic execution unit in the flattened DAG.
type Node struct {
	// ID is the stable execution identity; expressions in other nodes
	// reference this node by it.
	ID string
	// Path is the original compositional path, kept for diagnostics.
	Path string
	// StepID is the step id the node had inside its declaring composition.
	StepID string
	// Ref identifies the atomic action.
	Ref ref.Ref
	// Kind is wasm or container.
	Kind manifest.Kind
	// Manifest is the atomic action's lock file.
	Manifest *manifest.Manifest
	// Inputs maps callee input names to rewritten value templates.
	Inputs map[string]any
}

// Result is a flattened composition: the ordered atomic nodes plus the
// top-level output templates, all expressed in the flattened vocabulary.
type Result struct {
	// Manifest is the top-level action's lock file.
	Manifest *manifest.Manifest
	// Nodes is topologically valid with respect to its template references.
	Nodes []*Node
	// Outputs maps top-level output names to value templates.
	Outputs map[string]any
}

// Flattener expands compositions against a manifest source.
type Flattener struct {
	fetcher Fetcher
	newID   func() string
}

// Option configures a Flattener.
type Option func(*Flattener)

// WithIDGenerator overrides node id generation; tests use deterministic ids.
func WithIDGenerator(fn func() string) Option {
	return func(f *Flattener) { f.newID = fn }
}

// New creates a Flattener.
func New(fetcher Fetcher, opts ...Option) *Flattener {
	f := &Flattener{fetcher: fetcher, newID: uuid.NewString}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Flatten expands the referenced action into a Result. An atomic top-level
// action flattens to a single node whose bindings mirror its declared ports.
func (f *Flattener) Flatten(ctx context.Context, rootRef ref.Ref) (*Result, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Flattening action.", "ref", rootRef.String())

	m, err := f.fetcher.FetchManifest(ctx, rootRef)
	if err != nil {
		return nil, err
	}

	run := &expansion{flattener: f}

	if m.Kind.Atomic() {
		node := &Node{
			ID:       f.newID(),
			Path:     m.Name,
			StepID:   m.Name,
			Ref:      rootRef,
			Kind:     m.Kind,
			Manifest: m,
			Inputs:   identityBindings(m.Inputs),
		}
		outputs := make(map[string]any, len(m.Outputs))
		for _, out := range m.Outputs {
			outputs[out.Name] = fmt.Sprintf("{{%s.%s}}", node.ID, out.Name)
		}
		return &Result{Manifest: m, Nodes: []*Node{node}, Outputs: outputs}, nil
	}

	sc := &scope{
		bindings: identityBindings(m.Inputs),
		steps:    make(map[string]*stepResult),
	}
	stack := []string{rootRef.String()}
	if err := run.expandComposition(ctx, m, sc, stack); err != nil {
		return nil, err
	}

	outputs := make(map[string]any, len(m.Outputs))
	for _, out := range m.Outputs {
		if out.Value == nil {
			return nil, &manifest.InvalidManifestError{
				Path:   rootRef.String(),
				Reason: fmt.Sprintf("composition output %q has no value template", out.Name),
			}
		}
		rewritten, err := sc.rewriteTemplate(out.Value)
		if err != nil {
			return nil, err
		}
		outputs[out.Name] = rewritten
	}

	logger.Debug("Flattening complete.", "ref", rootRef.String(), "node_count", len(run.nodes))
	return &Result{Manifest: m, Nodes: run.nodes, Outputs: outputs}, nil
}

// expansion accumulates nodes across one Flatten call.
type expansion struct {
	flattener *Flattener
	nodes     []*Node
}

// expandComposition expands every step of a composition into sc, recursing
// through nested compositions. Steps are visited in intra-scope dependency
// order so that a step's references always name an already-expanded sibling.
func (x *expansion) expandComposition(ctx context.Context, m *manifest.Manifest, sc *scope, stack []string) error {
	order, err := stepOrder(m)
	if err != nil {
		return err
	}

	byID := make(map[string]manifest.Step, len(m.Steps))
	for _, s := range m.Steps {
		byID[s.ID] = s
	}

	for _, stepID := range order {
		step := byID[stepID]

		calleeRef, err := ref.Parse(step.Uses)
		if err != nil {
			return fmt.Errorf("step %q: %w", step.ID, err)
		}
		for _, active := range stack {
			if active == calleeRef.String() {
				return &CyclicCompositionError{Ref: calleeRef.String(), Path: path.Join(sc.path, step.ID)}
			}
		}

		callee, err := x.flattener.fetcher.FetchManifest(ctx, calleeRef)
		if err != nil {
			return err
		}

		bindings, err := stepBindings(step, callee)
		if err != nil {
			return err
		}
		rewritten := make(map[string]any, len(bindings))
		for name, tmpl := range bindings {
			r, err := sc.rewriteTemplate(tmpl)
			if err != nil {
				return fmt.Errorf("step %q input %q: %w", step.ID, name, err)
			}
			rewritten[name] = r
		}

		if callee.Kind.Atomic() {
			node := &Node{
				ID:       x.flattener.newID(),
				Path:     path.Join(sc.path, step.ID),
				StepID:   step.ID,
				Ref:      calleeRef,
				Kind:     callee.Kind,
				Manifest: callee,
				Inputs:   rewritten,
			}
			x.nodes = append(x.nodes, node)
			sc.steps[step.ID] = &stepResult{node: node}
			continue
		}

		child := &scope{
			path:     path.Join(sc.path, step.ID),
			bindings: rewritten,
			steps:    make(map[string]*stepResult),
		}
		if err := x.expandComposition(ctx, callee, child, append(stack, calleeRef.String())); err != nil {
			return err
		}

		outputs := make(map[string]any, len(callee.Outputs))
		for _, out := range callee.Outputs {
			if out.Value == nil {
				return &manifest.InvalidManifestError{
					Path:   calleeRef.String(),
					Reason: fmt.Sprintf("composition output %q has no value template", out.Name),
				}
			}
			r, err := child.rewriteTemplate(out.Value)
			if err != nil {
				return fmt.Errorf("step %q output %q: %w", step.ID, out.Name, err)
			}
			outputs[out.Name] = r
		}
		sc.steps[step.ID] = &stepResult{outputs: outputs}
	}
	return nil
}

// stepOrder computes an intra-composition execution order from the steps'
// template references to one another. A reference cycle amongst siblings is
// a data-flow cycle.
func stepOrder(m *manifest.Manifest) ([]string, error) {
	g := dag.New()
	ids := make(map[string]bool, len(m.Steps))
	for _, s := range m.Steps {
		g.AddNode(s.ID)
		ids[s.ID] = true
	}

	for _, s := range m.Steps {
		for _, tmpl := range stepTemplates(s) {
			err := template.Walk(tmpl, func(raw string) error {
				expr, err := template.Parse(raw)
				if err != nil {
					return fmt.Errorf("step %q: %w", s.ID, err)
				}
				root := expr.Root()
				if root == s.ID {
					return &dag.CycleError{Nodes: []string{s.ID}}
				}
				if ids[root] {
					return g.AddEdge(root, s.ID)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return g.TopoSort()
}

// stepTemplates lists a step's raw binding templates in either surface form.
func stepTemplates(s manifest.Step) []any {
	var out []any
	for _, v := range s.Inputs.Named {
		out = append(out, v)
	}
	for _, v := range s.Inputs.Positional {
		out = append(out, v)
	}
	return out
}

// stepBindings normalises a step's bindings to named form against the callee
// manifest: positional entries are zipped to the callee's declared input
// order, names are checked against declared ports, and declared defaults are
// materialised where a binding is absent.
func stepBindings(step manifest.Step, callee *manifest.Manifest) (map[string]any, error) {
	named := make(map[string]any)

	switch {
	case step.Inputs.Positional != nil:
		if len(step.Inputs.Positional) != len(callee.Inputs) {
			return nil, &ArityMismatchError{
				Step:     step.ID,
				Declared: len(callee.Inputs),
				Given:    len(step.Inputs.Positional),
			}
		}
		for i, entry := range step.Inputs.Positional {
			named[callee.Inputs[i].Name] = positionalValue(entry)
		}
	case step.Inputs.Named != nil:
		for name, tmpl := range step.Inputs.Named {
			if _, ok := callee.InputPort(name); !ok {
				return nil, &UndeclaredPortError{Step: step.ID, Port: name}
			}
			named[name] = tmpl
		}
	}

	for _, port := range callee.Inputs {
		if _, bound := named[port.Name]; !bound && port.Default != nil {
			named[port.Name] = *port.Default
		}
	}
	return named, nil
}

// positionalValue unwraps the `{type, value}` envelope positional entries may
// carry; a bare entry is the template itself.
func positionalValue(entry any) any {
	if obj, ok := entry.(map[string]any); ok {
		if v, ok := obj["value"]; ok {
			return v
		}
	}
	return entry
}

// identityBindings binds each declared port to the corresponding top-level
// input reference.
func identityBindings(ports []manifest.Port) map[string]any {
	bindings := make(map[string]any, len(ports))
	for _, p := range ports {
		bindings[p.Name] = fmt.Sprintf("{{inputs.%s}}", p.Name)
	}
	return bindings
}
