package debug

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/stepdap/internal/debug/dap"
	"github.com/dshills/stepdap/internal/logging"
)

func counter() func() int {
	n := 0
	return func() int {
		n++
		return n
	}
}

func setRequest(path string, bps ...map[string]any) *dap.Message {
	list := make([]any, 0, len(bps))
	for _, b := range bps {
		list = append(list, b)
	}
	return dap.NewRequest(1, "setBreakpoints", map[string]any{
		"source":      map[string]any{"name": filepath.Base(path), "path": path},
		"breakpoints": list,
	})
}

func line(n int) map[string]any {
	return map[string]any{"line": float64(n)}
}

func TestRegistrySetReplaces(t *testing.T) {
	r := NewRegistry(counter())

	first, err := r.Set(setRequest("/w/a.feature", line(5), line(9)))
	require.NoError(t, err)
	require.Len(t, first.Breakpoints, 2)
	assert.Equal(t, 1, first.Breakpoints[0].ID)
	assert.Equal(t, 2, first.Breakpoints[1].ID)
	assert.True(t, first.Breakpoints[0].Verified)
	assert.Equal(t, "a.feature", first.Name)

	second, err := r.Set(setRequest("/w/a.feature", line(5)))
	require.NoError(t, err)
	require.Len(t, second.Breakpoints, 1)
	assert.Equal(t, 3, second.Breakpoints[0].ID, "ids are never reused")

	sb := r.Lookup("/w/a.feature")
	require.NotNil(t, sb)
	assert.Same(t, second, sb)
	assert.Nil(t, sb.Hit(9, nil, logging.Discard()))
	assert.NotNil(t, sb.Hit(5, nil, logging.Discard()))
}

func TestRegistrySetEmptyClearsFile(t *testing.T) {
	r := NewRegistry(counter())
	_, err := r.Set(setRequest("/w/a.feature", line(5)))
	require.NoError(t, err)
	_, err = r.Set(setRequest("/w/a.feature"))
	require.NoError(t, err)

	assert.False(t, r.IsBreakpoint("/w/a.feature", 5, nil, logging.Discard()))
}

func TestRegistrySetErrors(t *testing.T) {
	r := NewRegistry(counter())

	_, err := r.Set(dap.NewRequest(1, "setBreakpoints", map[string]any{"breakpoints": []any{}}))
	assert.Error(t, err)

	_, err = r.Set(dap.NewRequest(1, "setBreakpoints", map[string]any{
		"source":      map[string]any{"path": "/w/a.feature"},
		"breakpoints": []any{map[string]any{"line": "five"}},
	}))
	var argErr *dap.ArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "line", argErr.Key)

	_, err = r.Set(dap.NewRequest(1, "setBreakpoints", map[string]any{
		"source": "a.feature",
	}))
	assert.ErrorAs(t, err, &argErr)
}

func TestLookupPathCorrelation(t *testing.T) {
	r := NewRegistry(counter())
	_, err := r.Set(setRequest("/home/dev/proj/src/test/java/demo/users.feature", line(3)))
	require.NoError(t, err)
	_, err = r.Set(setRequest("/home/dev/proj/other.feature", line(3)))
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"exact", "/home/dev/proj/src/test/java/demo/users.feature", true},
		{"unclean exact", "/home/dev/proj/src/test/java/demo/../demo/users.feature", true},
		{"maven output", "/home/dev/proj/target/test-classes/demo/users.feature", true},
		{"gradle output", "/home/dev/proj/build/classes/java/test/demo/users.feature", true},
		{"relative suffix", "demo/users.feature", true},
		{"unknown", "/elsewhere/nothing.feature", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.IsBreakpoint(tt.path, 3, nil, logging.Discard()))
		})
	}
}

func TestCleanCondition(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"   ", ""},
		{"x > 1", "x > 1"},
		{"* x > 1", "x > 1"},
		{"Given  x == 'a'", "x == 'a'"},
		{"And x", "x"},
		{"Anderson > 1", "Anderson > 1"},
		{`""" x > 1 """`, "x > 1"},
		{`* """ name == "bob" """`, `name == "bob"`},
		{`"""`, `"""`},
		{"Then", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanCondition(tt.in), "input %q", tt.in)
	}
}

func TestConditionalBreakpoint(t *testing.T) {
	r := NewRegistry(counter())
	_, err := r.Set(setRequest("/w/a.feature",
		map[string]any{"line": float64(4), "condition": "* count > 3"},
		map[string]any{"line": float64(6), "condition": "count >"},
		map[string]any{"line": float64(8), "condition": "missing == nil"},
	))
	require.NoError(t, err)

	calls := 0
	vars := func(count int) func() map[string]any {
		return func() map[string]any {
			calls++
			return map[string]any{"count": count}
		}
	}
	logger := logging.Discard()

	assert.True(t, r.IsBreakpoint("/w/a.feature", 4, vars(5), logger))
	assert.False(t, r.IsBreakpoint("/w/a.feature", 4, vars(2), logger))
	assert.True(t, r.IsBreakpoint("/w/a.feature", 6, vars(2), logger), "a broken condition stops")
	assert.True(t, r.IsBreakpoint("/w/a.feature", 8, vars(2), logger))

	calls = 0
	assert.False(t, r.IsBreakpoint("/w/a.feature", 5, vars(2), logger))
	assert.Zero(t, calls, "variables are only read for conditional breakpoints")
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry(counter())
	_, err := r.Set(setRequest("/w/a.feature", line(1)))
	require.NoError(t, err)
	r.Clear()
	assert.Nil(t, r.Lookup("/w/a.feature"))
}
