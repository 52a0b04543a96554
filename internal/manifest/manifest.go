// Package manifest decodes starthub-lock.json documents into the in-memory
// action model and normalises them for execution.
//
// Why normalise at load time?
//
// Lock files come in two surface dialects: the current form, where a step's
// inputs are value templates, and the legacy form, where data flow is spelled
// out as explicit wires between ports. Wires are a closed structure and
// templates are an open one, so the wire form is rewritten into the template
// form here, once, and nothing downstream ever sees a wire.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
)

// SupportedManifestVersion is the only schema version this runner recognises.
const SupportedManifestVersion = 1

// Kind selects an action's execution strategy.
type Kind string

const (
	KindWasm        Kind = "wasm"
	KindContainer   Kind = "container"
	KindComposition Kind = "composition"
)

// UnmarshalJSON accepts the legacy `docker` spelling as an alias of
// `container`.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "wasm":
		*k = KindWasm
	case "container", "docker":
		*k = KindContainer
	case "composition":
		*k = KindComposition
	default:
		return fmt.Errorf("unknown kind %q", s)
	}
	return nil
}

// Atomic reports whether the kind names a directly executable action.
func (k Kind) Atomic() bool {
	return k == KindWasm || k == KindContainer
}

// Port is a named, typed input or output of an action. For composition
// outputs, Value carries the output's value template.
type Port struct {
	Name        string          `json:"name"`
	Type        json.RawMessage `json:"type"`
	Required    bool            `json:"required"`
	Default     *any            `json:"default"`
	Description string          `json:"description"`
	Value       any             `json:"value"`
}

// Distribution identifies where an atomic action's binary lives.
type Distribution struct {
	Primary string `json:"primary"`
}

// Permissions declares an action's capability needs.
type Permissions struct {
	Net []string `json:"net"`
	FS  []string `json:"fs"`
}

// AllowsNet reports whether any of the given protocols is declared.
func (p *Permissions) AllowsNet(protocols ...string) bool {
	if p == nil {
		return false
	}
	for _, declared := range p.Net {
		for _, want := range protocols {
			if declared == want {
				return true
			}
		}
	}
	return false
}

// Manifest is the decoded contract for one action.
type Manifest struct {
	Name            string         `json:"name"`
	Version         string         `json:"version"`
	ManifestVersion int            `json:"manifest_version"`
	Kind            Kind           `json:"kind"`
	Description     string         `json:"description"`
	License         string         `json:"license"`
	Repository      string         `json:"repository"`
	Inputs          []Port         `json:"inputs"`
	Outputs         []Port         `json:"outputs"`
	Types           map[string]any `json:"types"`
	Steps           StepList       `json:"steps"`
	Wires           []Wire         `json:"wires"`
	Distribution    *Distribution  `json:"distribution"`
	Digest          string         `json:"digest"`
	Permissions     *Permissions   `json:"permissions"`
}

// Decode reads a lock file, validates it, and rewrites any legacy wires into
// value templates. The path is only used for error context.
func Decode(r io.Reader, path string) (*Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(r)
	if err := dec.Decode(&m); err != nil {
		return nil, &InvalidManifestError{Path: path, Reason: err.Error()}
	}

	if err := m.validate(); err != nil {
		return nil, &InvalidManifestError{Path: path, Reason: err.Error()}
	}
	if err := m.normalizeWires(); err != nil {
		return nil, &InvalidManifestError{Path: path, Reason: err.Error()}
	}
	if err := resolveTypes(m.Types, m.typeRefs()); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("missing name")
	}
	if m.Version == "" {
		return fmt.Errorf("missing version")
	}
	if m.ManifestVersion != SupportedManifestVersion {
		return fmt.Errorf("unsupported manifest_version %d", m.ManifestVersion)
	}
	switch m.Kind {
	case KindWasm, KindContainer:
		if m.Digest == "" {
			return fmt.Errorf("atomic action is missing digest")
		}
		if m.Distribution == nil || m.Distribution.Primary == "" {
			return fmt.Errorf("atomic action is missing distribution.primary")
		}
	case KindComposition:
		if len(m.Steps) == 0 {
			return fmt.Errorf("composition declares no steps")
		}
	default:
		return fmt.Errorf("missing kind")
	}

	if err := uniquePortNames(m.Inputs); err != nil {
		return fmt.Errorf("inputs: %w", err)
	}
	if err := uniquePortNames(m.Outputs); err != nil {
		return fmt.Errorf("outputs: %w", err)
	}

	seen := make(map[string]bool, len(m.Steps))
	for _, s := range m.Steps {
		if s.ID == "" {
			return fmt.Errorf("step is missing an id")
		}
		if s.Uses == "" {
			return fmt.Errorf("step %q is missing uses", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

func uniquePortNames(ports []Port) error {
	seen := make(map[string]bool, len(ports))
	for _, p := range ports {
		if p.Name == "" {
			return fmt.Errorf("port is missing a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate port name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// typeRefs collects every named type referenced by the manifest's ports, so
// resolveTypes can verify they all resolve.
func (m *Manifest) typeRefs() []string {
	var refs []string
	for _, ports := range [][]Port{m.Inputs, m.Outputs} {
		for _, p := range ports {
			var name string
			if err := json.Unmarshal(p.Type, &name); err == nil {
				refs = append(refs, name)
			}
		}
	}
	return refs
}

// InputPort returns the declared input port with the given name.
func (m *Manifest) InputPort(name string) (Port, bool) {
	for _, p := range m.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}
