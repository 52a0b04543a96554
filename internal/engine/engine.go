// Package engine drives a flattened composition to completion: for each node
// in data-flow order it materialises inputs by resolving templates against
// the accumulated state, dispatches to the matching sandbox, validates and
// records the output, and finally evaluates the top-level output templates.
package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/starthubhq/runner/internal/ctxlog"
	"github.com/starthubhq/runner/internal/flatten"
	"github.com/starthubhq/runner/internal/manifest"
	"github.com/starthubhq/runner/internal/ref"
	"github.com/starthubhq/runner/internal/sandbox"
	"github.com/starthubhq/runner/internal/template"
	"github.com/starthubhq/runner/internal/typecheck"
)

// Store provides manifests and binaries; the artifact store is the
// production implementation.
type Store interface {
	FetchManifest(ctx context.Context, r ref.Ref) (*manifest.Manifest, error)
	FetchBinary(ctx context.Context, r ref.Ref, m *manifest.Manifest) (string, error)
}

// Result is a completed run.
type Result struct {
	// Outputs maps top-level output names to their computed values.
	Outputs map[string]any
	// PerNode maps node ids to the JSON value each produced.
	PerNode map[string]any
}

// Engine orchestrates runs against a store and a pair of sandboxes.
type Engine struct {
	store           Store
	wasm            sandbox.Sandbox
	container       sandbox.Sandbox
	flattenOpts     []flatten.Option
	prefetchWorkers int
}

// Option configures an Engine.
type Option func(*Engine)

// WithWasmSandbox overrides the wasm sandbox.
func WithWasmSandbox(s sandbox.Sandbox) Option {
	return func(e *Engine) { e.wasm = s }
}

// WithContainerSandbox overrides the container sandbox.
func WithContainerSandbox(s sandbox.Sandbox) Option {
	return func(e *Engine) { e.container = s }
}

// WithFlattenOptions forwards options to the flattener.
func WithFlattenOptions(opts ...flatten.Option) Option {
	return func(e *Engine) { e.flattenOpts = append(e.flattenOpts, opts...) }
}

// WithPrefetchWorkers bounds artifact download concurrency.
func WithPrefetchWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.prefetchWorkers = n
		}
	}
}

// New creates an Engine with the default process sandboxes.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		wasm:            sandbox.NewWasmRunner(),
		container:       sandbox.NewContainerRunner(),
		prefetchWorkers: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the referenced action with the given initial inputs. Progress
// is reported through the optional sink; cancellation arrives via ctx.
func (e *Engine) Run(ctx context.Context, action string, inputs map[string]any, sink Sink) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	result, err := e.run(ctx, action, inputs, sink)
	if err != nil {
		logger.Error("Run failed.", "action", action, "error", err)
		emit(sink, Event{Type: EventRunFailed, Reason: err.Error()})
		return nil, err
	}
	emit(sink, Event{Type: EventRunCompleted, Outputs: result.Outputs})
	return result, nil
}

func (e *Engine) run(ctx context.Context, action string, inputs map[string]any, sink Sink) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	rootRef, err := ref.Parse(action)
	if err != nil {
		return nil, err
	}

	rootManifest, err := e.store.FetchManifest(ctx, rootRef)
	if err != nil {
		return nil, err
	}
	validated, err := validateInputs(rootManifest, inputs, "inputs")
	if err != nil {
		return nil, err
	}

	flattened, err := flatten.New(e.store, e.flattenOpts...).Flatten(ctx, rootRef)
	if err != nil {
		return nil, err
	}
	logger.Info("Composition flattened.", "action", action, "node_count", len(flattened.Nodes))

	binaries, err := e.prefetch(ctx, flattened.Nodes, sink)
	if err != nil {
		return nil, err
	}

	ordered, err := dataflowOrder(flattened.Nodes)
	if err != nil {
		return nil, err
	}

	env := template.Env{"inputs": validated}
	perNode := make(map[string]any, len(ordered))

	for _, node := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, &RunError{NodeID: node.ID, Path: node.Path, Cancelled: true, Partial: perNode, Err: err}
		}
		logger.Debug("Node state changed.", "node", node.ID, "state", StatePending)

		output, stderrTail, err := e.runNode(ctx, node, binaries[node.ID], env, sink)
		if err != nil {
			logger.Debug("Node state changed.", "node", node.ID, "state", StateFailed)
			emit(sink, Event{
				Type:       EventStepFailed,
				NodeID:     node.ID,
				Reason:     err.Error(),
				StderrTail: stderrTail,
			})
			return nil, &RunError{
				NodeID:     node.ID,
				Path:       node.Path,
				Cancelled:  errors.Is(err, context.Canceled),
				Partial:    perNode,
				StderrTail: stderrTail,
				Err:        err,
			}
		}

		perNode[node.ID] = output
		env[node.ID] = output
		env[node.StepID] = output
		emit(sink, Event{Type: EventStepCompleted, NodeID: node.ID, Output: output})
	}

	outputs := make(map[string]any, len(flattened.Outputs))
	for name, tmpl := range flattened.Outputs {
		value, err := template.Resolve(tmpl, env)
		if err != nil {
			return nil, err
		}
		outputs[name] = value
	}
	if err := validateFinalOutputs(rootManifest, outputs); err != nil {
		return nil, err
	}

	return &Result{Outputs: outputs, PerNode: perNode}, nil
}

// runNode takes one node through resolving_inputs → running → completed,
// returning its output or the failure plus any captured stderr tail.
func (e *Engine) runNode(ctx context.Context, node *flatten.Node, binary string, env template.Env, sink Sink) (any, string, error) {
	logger := ctxlog.FromContext(ctx).With("node", node.ID, "path", node.Path)

	emit(sink, Event{
		Type:         EventStepStarted,
		NodeID:       node.ID,
		OriginalName: node.StepID,
		Uses:         node.Ref.String(),
	})

	logger.Debug("Node state changed.", "state", StateResolvingInputs)
	resolved := make(map[string]any, len(node.Inputs))
	for name, tmpl := range node.Inputs {
		value, err := template.Resolve(tmpl, env)
		if err != nil {
			if absentOptional(node, name, tmpl, env, err) {
				continue
			}
			return nil, "", err
		}
		resolved[name] = value
	}

	if err := validateNodeInputs(node, resolved); err != nil {
		return nil, "", err
	}

	logger.Debug("Node state changed.", "state", StateRunning)
	spec := sandbox.Spec{
		Binary:      binary,
		Name:        "starthub-" + node.ID,
		Input:       resolved,
		Env:         envVars(resolved),
		Permissions: node.Manifest.Permissions,
	}

	var sb sandbox.Sandbox
	switch node.Kind {
	case manifest.KindWasm:
		sb = e.wasm
	case manifest.KindContainer:
		sb = e.container
		spec.Mounts = mountsFor(node.Manifest.Permissions)
	}

	result, err := sb.Run(ctx, spec)
	if err != nil {
		return nil, stderrOf(err), err
	}

	if err := validateNodeOutput(node, result.Output); err != nil {
		return nil, result.Stderr, err
	}

	logger.Debug("Node state changed.", "state", StateCompleted)
	return result.Output, result.Stderr, nil
}

// validateFinalOutputs checks the computed top-level outputs against the
// root manifest's declared output types.
func validateFinalOutputs(m *manifest.Manifest, outputs map[string]any) error {
	checker := typecheck.New(m.Types)
	for _, port := range m.Outputs {
		value, ok := outputs[port.Name]
		if !ok {
			continue
		}
		desc, err := typecheck.DecodeDescriptor(port.Type)
		if err != nil {
			return err
		}
		if err := checker.Check(value, desc, "outputs."+port.Name); err != nil {
			return err
		}
	}
	return nil
}

// mountsFor maps declared filesystem capabilities onto bind mounts. Each
// entry has the form `source:target` with an optional `:ro` suffix.
func mountsFor(p *manifest.Permissions) []sandbox.Mount {
	if p == nil {
		return nil
	}
	var mounts []sandbox.Mount
	for _, decl := range p.FS {
		parts := strings.SplitN(decl, ":", 3)
		if len(parts) < 2 {
			continue
		}
		mounts = append(mounts, sandbox.Mount{
			Source:   parts[0],
			Target:   parts[1],
			ReadOnly: len(parts) == 3 && parts[2] == "ro",
		})
	}
	return mounts
}

// envVars exposes the node's string-valued inputs as guest environment
// variables, mirroring the behaviour of the hosted runners.
func envVars(resolved map[string]any) map[string]string {
	env := make(map[string]string)
	for name, value := range resolved {
		if s, ok := value.(string); ok {
			env[name] = s
		}
	}
	return env
}

// absentOptional recognises the one tolerated resolution failure: a binding
// that passes a top-level input straight through (`{{inputs.p}}`) for an
// optional port with no default, when that input was not supplied. The field
// stays absent in the resolved input rather than becoming null.
func absentOptional(node *flatten.Node, portName string, tmpl any, env template.Env, err error) bool {
	var pathErr *template.PathError
	var unresolved *template.UnresolvedReferenceError
	if !errors.As(err, &pathErr) && !errors.As(err, &unresolved) {
		return false
	}
	port, ok := node.Manifest.InputPort(portName)
	if !ok || port.Required || port.Default != nil {
		return false
	}
	s, ok := tmpl.(string)
	if !ok {
		return false
	}
	raw, ok := template.ExactExpr(s)
	if !ok {
		return false
	}
	expr, perr := template.Parse(raw)
	if perr != nil || expr.Root() != "inputs" || len(expr.Segments) != 2 {
		return false
	}
	inputs, _ := env["inputs"].(map[string]any)
	_, present := inputs[expr.Segments[1].Name]
	return !present
}

// stderrOf extracts the captured stderr tail from sandbox errors.
func stderrOf(err error) string {
	var trap *sandbox.TrapError
	if errors.As(err, &trap) {
		return trap.StderrTail
	}
	var exit *sandbox.ExitError
	if errors.As(err, &exit) {
		return exit.StderrTail
	}
	return ""
}
