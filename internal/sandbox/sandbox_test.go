package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starthubhq/runner/internal/manifest"
)

func TestDecodeOutput(t *testing.T) {
	t.Run("single object", func(t *testing.T) {
		v, err := decodeOutput([]byte(`{"status": 200}`))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"status": float64(200)}, v)
	})

	t.Run("single scalar with surrounding whitespace", func(t *testing.T) {
		v, err := decodeOutput([]byte("\n  42 \n"))
		require.NoError(t, err)
		assert.Equal(t, float64(42), v)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := decodeOutput([]byte("oops not json"))
		var outErr *OutputError
		assert.ErrorAs(t, err, &outErr)
	})

	t.Run("trailing content", func(t *testing.T) {
		_, err := decodeOutput([]byte(`{"a":1} {"b":2}`))
		var outErr *OutputError
		require.ErrorAs(t, err, &outErr)
		assert.ErrorContains(t, outErr.ParseErr, "trailing content")
	})

	t.Run("empty stdout", func(t *testing.T) {
		_, err := decodeOutput(nil)
		var outErr *OutputError
		assert.ErrorAs(t, err, &outErr)
	})
}

func TestWasmArgs(t *testing.T) {
	t.Run("no permissions means no http", func(t *testing.T) {
		args := wasmArgs(Spec{Binary: "/cache/echo.wasm"})
		assert.Equal(t, []string{"/cache/echo.wasm"}, args)
	})

	t.Run("net permission enables http", func(t *testing.T) {
		args := wasmArgs(Spec{
			Binary:      "/cache/get.wasm",
			Permissions: &manifest.Permissions{Net: []string{"https"}},
		})
		assert.Equal(t, []string{"-S", "http", "/cache/get.wasm"}, args)
	})

	t.Run("declared env is passed in stable order", func(t *testing.T) {
		args := wasmArgs(Spec{
			Binary: "/cache/get.wasm",
			Env:    map[string]string{"B_KEY": "2", "A_KEY": "1"},
		})
		assert.Equal(t, []string{"--env", "A_KEY=1", "--env", "B_KEY=2", "/cache/get.wasm"}, args)
	})
}

func TestContainerArgs(t *testing.T) {
	t.Run("defaults to no network", func(t *testing.T) {
		args := containerArgs(Spec{Binary: "alpine:3.20", Name: "starthub-x"})
		assert.Equal(t,
			[]string{"run", "--rm", "-i", "--name", "starthub-x", "--network", "none", "alpine:3.20"},
			args)
	})

	t.Run("net permission selects bridge", func(t *testing.T) {
		args := containerArgs(Spec{
			Binary:      "alpine:3.20",
			Name:        "starthub-x",
			Permissions: &manifest.Permissions{Net: []string{"https"}},
		})
		assert.Contains(t, strings.Join(args, " "), "--network bridge")
	})

	t.Run("explicit host permission selects host", func(t *testing.T) {
		args := containerArgs(Spec{
			Binary:      "alpine:3.20",
			Name:        "starthub-x",
			Permissions: &manifest.Permissions{Net: []string{"host"}},
		})
		assert.Contains(t, strings.Join(args, " "), "--network host")
	})

	t.Run("mounts env and command args", func(t *testing.T) {
		args := containerArgs(Spec{
			Binary: "ghcr.io/acme/tool@sha256:abc",
			Name:   "starthub-y",
			Env:    map[string]string{"TOKEN": "t"},
			Mounts: []Mount{
				{Source: "/host/out", Target: "/out"},
				{Source: "/host/cfg", Target: "/cfg", ReadOnly: true},
			},
			Args: []string{"--fast"},
		})
		joined := strings.Join(args, " ")
		assert.Contains(t, joined, "-v /host/out:/out")
		assert.Contains(t, joined, "-v /host/cfg:/cfg:ro")
		assert.Contains(t, joined, "-e TOKEN=t")
		assert.True(t, strings.HasSuffix(joined, "ghcr.io/acme/tool@sha256:abc --fast"))
	})
}

func TestTail(t *testing.T) {
	short := []byte("short diagnostics")
	assert.Equal(t, "short diagnostics", tail(short))

	long := make([]byte, stderrTailLimit*2)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, tail(long), stderrTailLimit)
}

func TestEnvList(t *testing.T) {
	env := envList(map[string]string{"A": "1", "B": "2"})
	assert.ElementsMatch(t, []string{"A=1", "B=2"}, env)
}
