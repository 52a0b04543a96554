package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wasmLock = `{
	"name": "http-get-wasm",
	"version": "0.0.1",
	"manifest_version": 1,
	"kind": "wasm",
	"license": "Apache-2.0",
	"inputs": [
		{"name": "url", "type": "string", "required": true},
		{"name": "headers", "type": "object", "default": {}}
	],
	"outputs": [
		{"name": "status", "type": "number"},
		{"name": "body", "type": "string"}
	],
	"digest": "sha256:4ac35a1bcb29e84b3eb76e7d35f46f1435e925b1a68a613e950e9ca2a319dee4",
	"distribution": {"primary": "https://example.test/artifacts/http-get-wasm.wasm"},
	"permissions": {"net": ["https"]}
}`

func decodeString(t *testing.T, doc string) (*Manifest, error) {
	t.Helper()
	return Decode(strings.NewReader(doc), "starthub-lock.json")
}

func TestDecodeWasm(t *testing.T) {
	m, err := decodeString(t, wasmLock)
	require.NoError(t, err)

	assert.Equal(t, "http-get-wasm", m.Name)
	assert.Equal(t, KindWasm, m.Kind)
	assert.True(t, m.Kind.Atomic())
	require.Len(t, m.Inputs, 2)
	assert.True(t, m.Inputs[0].Required)
	require.NotNil(t, m.Inputs[1].Default)
	assert.True(t, m.Permissions.AllowsNet("http", "https"))

	port, ok := m.InputPort("url")
	require.True(t, ok)
	assert.Equal(t, "url", port.Name)
	_, ok = m.InputPort("nope")
	assert.False(t, ok)
}

func TestDecodeDockerAlias(t *testing.T) {
	doc := strings.Replace(wasmLock, `"kind": "wasm"`, `"kind": "docker"`, 1)
	m, err := decodeString(t, doc)
	require.NoError(t, err)
	assert.Equal(t, KindContainer, m.Kind)
}

func TestDecodeComposition(t *testing.T) {
	doc := `{
		"name": "pipeline",
		"version": "1.0.0",
		"manifest_version": 1,
		"kind": "composition",
		"inputs": [{"name": "s", "type": "string", "required": true}],
		"outputs": [{"name": "out", "type": "string", "value": "{{reverse.result}}"}],
		"steps": [
			{"id": "upper", "uses": "acme/upper-wasm:1.0.0", "inputs": {"value": "{{inputs.s}}"}},
			{"id": "reverse", "uses": "acme/reverse-wasm:1.0.0", "inputs": {"value": "{{upper.result}}"}}
		]
	}`
	m, err := decodeString(t, doc)
	require.NoError(t, err)
	require.Len(t, m.Steps, 2)
	assert.Equal(t, "upper", m.Steps[0].ID)
	assert.Equal(t, "{{inputs.s}}", m.Steps[0].Inputs.Named["value"])
	assert.Equal(t, "{{reverse.result}}", m.Outputs[0].Value)
}

func TestDecodeStepsObjectFormPreservesOrder(t *testing.T) {
	doc := `{
		"name": "pipeline",
		"version": "1.0.0",
		"manifest_version": 1,
		"kind": "composition",
		"inputs": [],
		"outputs": [],
		"steps": {
			"zeta": {"uses": "acme/a:1.0.0"},
			"alpha": {"uses": "acme/b:1.0.0"},
			"mid": {"uses": "acme/c:1.0.0"}
		}
	}`
	m, err := decodeString(t, doc)
	require.NoError(t, err)
	require.Len(t, m.Steps, 3)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, []string{m.Steps[0].ID, m.Steps[1].ID, m.Steps[2].ID})
}

func TestDecodePositionalStepInputs(t *testing.T) {
	doc := `{
		"name": "pipeline",
		"version": "1.0.0",
		"manifest_version": 1,
		"kind": "composition",
		"inputs": [],
		"outputs": [],
		"steps": [
			{"id": "one", "uses": "acme/a:1.0.0", "inputs": [{"type": "string", "value": "{{inputs.s}}"}]}
		]
	}`
	m, err := decodeString(t, doc)
	require.NoError(t, err)
	require.Len(t, m.Steps[0].Inputs.Positional, 1)
	assert.Nil(t, m.Steps[0].Inputs.Named)
}

func TestNormalizeWires(t *testing.T) {
	doc := `{
		"name": "wired",
		"version": "1.0.0",
		"manifest_version": 1,
		"kind": "composition",
		"inputs": [{"name": "city", "type": "string"}],
		"outputs": [],
		"steps": [
			{"id": "a", "uses": "acme/a:1.0.0"},
			{"id": "b", "uses": "acme/b:1.0.0"}
		],
		"wires": [
			{"from": {"source": "inputs", "key": "city"}, "to": {"step": "a", "input": "name"}},
			{"from": {"step": "a", "output": "coords"}, "to": {"step": "b", "input": "position"}},
			{"from": {"value": "metric"}, "to": {"step": "b", "input": "units"}}
		]
	}`
	m, err := decodeString(t, doc)
	require.NoError(t, err)

	assert.Nil(t, m.Wires)
	assert.Equal(t, "{{inputs.city}}", m.Steps[0].Inputs.Named["name"])
	assert.Equal(t, "{{a.coords}}", m.Steps[1].Inputs.Named["position"])
	assert.Equal(t, "metric", m.Steps[1].Inputs.Named["units"])
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]string{
		"not json":             `{`,
		"bad manifest_version": strings.Replace(wasmLock, `"manifest_version": 1`, `"manifest_version": 2`, 1),
		"missing digest":       strings.Replace(wasmLock, `"digest": "sha256:4ac35a1bcb29e84b3eb76e7d35f46f1435e925b1a68a613e950e9ca2a319dee4",`, "", 1),
		"unknown kind":         strings.Replace(wasmLock, `"kind": "wasm"`, `"kind": "native"`, 1),
		"duplicate port": strings.Replace(wasmLock,
			`{"name": "headers", "type": "object", "default": {}}`,
			`{"name": "url", "type": "object"}`, 1),
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeString(t, doc)
			require.Error(t, err)
			var invalid *InvalidManifestError
			assert.ErrorAs(t, err, &invalid)
		})
	}

	t.Run("composition without steps", func(t *testing.T) {
		doc := `{"name": "x", "version": "1.0.0", "manifest_version": 1, "kind": "composition", "inputs": [], "outputs": []}`
		_, err := decodeString(t, doc)
		var invalid *InvalidManifestError
		require.ErrorAs(t, err, &invalid)
		assert.Contains(t, invalid.Reason, "no steps")
	})

	t.Run("wire to unknown step", func(t *testing.T) {
		doc := `{
			"name": "wired", "version": "1.0.0", "manifest_version": 1, "kind": "composition",
			"inputs": [], "outputs": [],
			"steps": [{"id": "a", "uses": "acme/a:1.0.0"}],
			"wires": [{"from": {"source": "inputs", "key": "x"}, "to": {"step": "ghost", "input": "y"}}]
		}`
		_, err := decodeString(t, doc)
		assert.ErrorContains(t, err, "unknown step")
	})
}

func TestTypeResolution(t *testing.T) {
	base := `{
		"name": "typed", "version": "1.0.0", "manifest_version": 1, "kind": "wasm",
		"digest": "sha256:aa", "distribution": {"primary": "https://example.test/a.wasm"},
		"inputs": [{"name": "cfg", "type": "Config", "required": true}],
		"outputs": [],
		"types": TYPES
	}`

	t.Run("resolves through nested references", func(t *testing.T) {
		doc := strings.Replace(base, "TYPES", `{
			"Config": {"endpoint": {"type": "string", "required": true}, "retries": {"type": "Retries"}},
			"Retries": {"count": {"type": "number"}}
		}`, 1)
		_, err := decodeString(t, doc)
		assert.NoError(t, err)
	})

	t.Run("unresolved reference fails load", func(t *testing.T) {
		doc := strings.Replace(base, "TYPES", `{"Config": {"endpoint": {"type": "Missing"}}}`, 1)
		_, err := decodeString(t, doc)
		var unresolved *UnresolvedTypeError
		require.ErrorAs(t, err, &unresolved)
		assert.Equal(t, "Missing", unresolved.Name)
		assert.False(t, unresolved.Cycle)
	})

	t.Run("cyclic reference fails load", func(t *testing.T) {
		doc := strings.Replace(base, "TYPES", `{
			"Config": {"next": {"type": "Other"}},
			"Other": {"back": {"type": "Config"}}
		}`, 1)
		_, err := decodeString(t, doc)
		var unresolved *UnresolvedTypeError
		require.ErrorAs(t, err, &unresolved)
		assert.True(t, unresolved.Cycle)
	})
}
