package template

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv() Env {
	return Env{
		"inputs": map[string]any{
			"msg": "hello",
			"user": map[string]any{
				"name":  "Ada",
				"email": "a@x",
			},
			"count": float64(3),
			"tags":  []any{"red", "green"},
			"flag":  true,
			"none":  nil,
		},
		"step1": map[string]any{
			"coords": []any{
				map[string]any{"lat": float64(41.9), "lon": float64(12.5)},
			},
		},
	}
}

func TestEvalPaths(t *testing.T) {
	env := testEnv()

	v, err := Eval("inputs.msg", env)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = Eval("inputs.tags[1]", env)
	require.NoError(t, err)
	assert.Equal(t, "green", v)

	v, err = Eval("step1.coords[0].lat", env)
	require.NoError(t, err)
	assert.Equal(t, float64(41.9), v)
}

func TestEvalErrors(t *testing.T) {
	env := testEnv()

	t.Run("unknown root", func(t *testing.T) {
		_, err := Eval("ghost.value", env)
		var unresolved *UnresolvedReferenceError
		require.ErrorAs(t, err, &unresolved)
		assert.Equal(t, "ghost.value", unresolved.Expr)
	})

	t.Run("absent field", func(t *testing.T) {
		_, err := Eval("inputs.user.phone", env)
		var pathErr *PathError
		require.ErrorAs(t, err, &pathErr)
		assert.Equal(t, "phone", pathErr.AtSegment)
	})

	t.Run("index out of range", func(t *testing.T) {
		_, err := Eval("inputs.tags[5]", env)
		var pathErr *PathError
		require.ErrorAs(t, err, &pathErr)
		assert.Equal(t, "tags[5]", pathErr.AtSegment)
	})

	t.Run("indexing a mapping", func(t *testing.T) {
		_, err := Eval("inputs.user[0]", env)
		var pathErr *PathError
		assert.ErrorAs(t, err, &pathErr)
	})

	t.Run("field of a scalar", func(t *testing.T) {
		_, err := Eval("inputs.msg.length", env)
		var pathErr *PathError
		assert.ErrorAs(t, err, &pathErr)
	})
}

func TestResolveExactExpressionKeepsValueShape(t *testing.T) {
	env := testEnv()

	v, err := Resolve("{{inputs.user}}", env)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ada", "email": "a@x"}, v)

	v, err = Resolve("{{inputs.count}}", env)
	require.NoError(t, err)
	assert.Equal(t, float64(3), v)
}

func TestResolveInterpolation(t *testing.T) {
	env := testEnv()

	v, err := Resolve("Hi {{inputs.user.name}} <{{inputs.user.email}}>", env)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada <a@x>", v)
}

func TestResolveStringifyRules(t *testing.T) {
	env := testEnv()

	cases := map[string]string{
		"n={{inputs.count}}": "n=3",
		"f={{inputs.flag}}":  "f=true",
		"x={{inputs.none}}y": "x=y",
		"t={{inputs.tags}}":  `t=["red","green"]`,
		"u={{inputs.user}}":  `u={"email":"a@x","name":"Ada"}`,
	}
	for tmpl, want := range cases {
		v, err := Resolve(tmpl, env)
		require.NoError(t, err, tmpl)
		assert.Equal(t, want, v, tmpl)
	}
}

func TestResolveNestedTemplate(t *testing.T) {
	env := testEnv()

	tmpl := map[string]any{
		"url":   "https://api.test/weather?lat={{step1.coords[0].lat}}&lon={{step1.coords[0].lon}}",
		"count": float64(10),
		"headers": map[string]any{
			"X-User": "{{inputs.user.name}}",
		},
		"tags": []any{"{{inputs.tags[0]}}", "literal"},
	}
	want := map[string]any{
		"url":   "https://api.test/weather?lat=41.9&lon=12.5",
		"count": float64(10),
		"headers": map[string]any{
			"X-User": "Ada",
		},
		"tags": []any{"red", "literal"},
	}

	got, err := Resolve(tmpl, env)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("resolved template mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveIsPure(t *testing.T) {
	env := testEnv()
	tmpl := map[string]any{"a": "{{inputs.msg}}"}

	first, err := Resolve(tmpl, env)
	require.NoError(t, err)
	second, err := Resolve(tmpl, env)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "{{inputs.msg}}", tmpl["a"], "template must not be mutated")
}

func TestResolveUnresolvableFailsLoudly(t *testing.T) {
	_, err := Resolve("{{missing.value}}", Env{})
	var unresolved *UnresolvedReferenceError
	assert.ErrorAs(t, err, &unresolved)
}

func TestParseAndString(t *testing.T) {
	e, err := Parse("step1.coords[0].lat")
	require.NoError(t, err)
	assert.Equal(t, "step1", e.Root())
	assert.Equal(t, "step1.coords[0].lat", e.String())
	assert.Equal(t, "{{step1.coords[0].lat}}", e.Wrap())

	e, err = Parse("foo[0][1]")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, e.Segments[0].Indexes)

	for _, bad := range []string{"", "a..b", "a.[0]", "a b", "a[x]"} {
		_, err := Parse(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestExactExpr(t *testing.T) {
	raw, ok := ExactExpr("{{inputs.msg}}")
	require.True(t, ok)
	assert.Equal(t, "inputs.msg", raw)

	_, ok = ExactExpr("x{{inputs.msg}}")
	assert.False(t, ok)
	_, ok = ExactExpr("{{a}}{{b}}")
	assert.False(t, ok)
	_, ok = ExactExpr("plain")
	assert.False(t, ok)
}

func TestWalk(t *testing.T) {
	tmpl := map[string]any{
		"a": "{{inputs.x}}",
		"b": []any{"{{step1.y}} and {{step2.z}}"},
		"c": float64(1),
	}
	var seen []string
	err := Walk(tmpl, func(raw string) error {
		seen = append(seen, raw)
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"inputs.x", "step1.y", "step2.z"}, seen)
}
