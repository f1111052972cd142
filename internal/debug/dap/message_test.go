package dap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	assert.Equal(t, KindRequest, ParseKind("request"))
	assert.Equal(t, KindResponse, ParseKind("response"))
	assert.Equal(t, KindEvent, ParseKind("event"))
	assert.Equal(t, KindEvent, ParseKind(""))
	assert.Equal(t, KindEvent, ParseKind("REQUEST"))
}

func TestNewResponse(t *testing.T) {
	req := NewRequest(41, "stackTrace", map[string]any{"threadId": float64(3)})
	resp := NewResponse(req).WithBody("stackFrames", []any{})

	require.NotNil(t, resp.RequestSeq)
	require.NotNil(t, resp.Success)
	assert.Equal(t, 41, *resp.RequestSeq)
	assert.True(t, *resp.Success)
	assert.Equal(t, "stackTrace", resp.Command)
	assert.Equal(t, KindResponse, resp.Kind)
	assert.Nil(t, resp.Arguments)
}

func TestArgumentAccessors(t *testing.T) {
	var req Message
	require.NoError(t, json.Unmarshal([]byte(`{
		"seq": 1, "type": "request", "command": "evaluate",
		"arguments": {"expression": "foo", "frameId": 7, "restart": true,
			"source": {"path": "/a"}, "breakpoints": [], "ratio": 1.5, "nothing": null}
	}`), &req))

	s, ok, err := req.StringArg("expression")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "foo", s)

	n, ok, err := req.IntArg("frameId")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), n)

	b, ok, err := req.BoolArg("restart")
	require.NoError(t, err)
	assert.True(t, ok && b)

	m, ok, err := req.MapArg("source")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/a", m["path"])

	l, ok, err := req.ListArg("breakpoints")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, l)

	_, ok, err = req.StringArg("missing")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = req.StringArg("nothing")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestArgumentTypeMismatch(t *testing.T) {
	req := NewRequest(1, "variables", map[string]any{"variablesReference": "7", "ratio": 1.5})

	_, _, err := req.IntArg("variablesReference")
	var argErr *ArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "variablesReference", argErr.Key)
	assert.Contains(t, err.Error(), "want integer")

	_, _, err = req.IntArg("ratio")
	assert.Error(t, err)

	_, _, err = req.BoolArg("ratio")
	assert.Error(t, err)
}

func TestThreadIDOnEmptyArguments(t *testing.T) {
	_, ok, err := NewRequest(1, "next", nil).ThreadID()
	assert.NoError(t, err)
	assert.False(t, ok)
}
