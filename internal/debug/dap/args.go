package dap

import (
	"encoding/json"
	"fmt"
	"math"
)

// ArgumentError reports a request argument whose JSON type does not match
// what the handler expects.
type ArgumentError struct {
	Command string
	Key     string
	Want    string
	Got     any
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: argument %q: want %s, got %T", e.Command, e.Key, e.Want, e.Got)
}

func (m *Message) arg(key string) (any, bool) {
	if m.Arguments == nil {
		return nil, false
	}
	v, ok := m.Arguments[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// StringArg returns a string argument.
func (m *Message) StringArg(key string) (string, bool, error) {
	v, ok := m.arg(key)
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, &ArgumentError{Command: m.Command, Key: key, Want: "string", Got: v}
	}
	return s, true, nil
}

// BoolArg returns a boolean argument.
func (m *Message) BoolArg(key string) (bool, bool, error) {
	v, ok := m.arg(key)
	if !ok {
		return false, false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, false, &ArgumentError{Command: m.Command, Key: key, Want: "boolean", Got: v}
	}
	return b, true, nil
}

// IntArg returns an integral numeric argument.
func (m *Message) IntArg(key string) (int64, bool, error) {
	v, ok := m.arg(key)
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true, nil
		}
	case int:
		return int64(n), true, nil
	case int64:
		return n, true, nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true, nil
		}
	}
	return 0, false, &ArgumentError{Command: m.Command, Key: key, Want: "integer", Got: v}
}

// MapArg returns an object argument.
func (m *Message) MapArg(key string) (map[string]any, bool, error) {
	v, ok := m.arg(key)
	if !ok {
		return nil, false, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false, &ArgumentError{Command: m.Command, Key: key, Want: "object", Got: v}
	}
	return obj, true, nil
}

// ListArg returns an array argument.
func (m *Message) ListArg(key string) ([]any, bool, error) {
	v, ok := m.arg(key)
	if !ok {
		return nil, false, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, false, &ArgumentError{Command: m.Command, Key: key, Want: "array", Got: v}
	}
	return list, true, nil
}

// ThreadID returns the threadId argument.
func (m *Message) ThreadID() (int64, bool, error) {
	return m.IntArg("threadId")
}
