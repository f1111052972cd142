package debug

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	godap "github.com/google/go-dap"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"

	"github.com/dshills/stepdap/internal/runner"
)

// ScopeName is the name of the single scope every frame has.
const ScopeName = "In Scope"

const unknownValue = "(unknown)"

func stackFrame(id int64, sr *runner.ScenarioRuntime) godap.StackFrame {
	f := sr.Feature()
	return godap.StackFrame{
		Id:     int(id),
		Name:   sr.Scenario.Name,
		Line:   sr.CurrentLine(),
		Column: 0,
		Source: &godap.Source{Name: f.FileName(), Path: f.Path},
	}
}

func frameScope(frameID int64) godap.Scope {
	return godap.Scope{
		Name:               ScopeName,
		PresentationHint:   "locals",
		VariablesReference: int(frameID),
		Expensive:          false,
	}
}

// variables projects the frame's bindings sorted by name. Null bindings are
// left out.
func variables(sr *runner.ScenarioRuntime, logger *slog.Logger) []godap.Variable {
	vars := sr.Vars()
	names := make([]string, 0, len(vars))
	for k, v := range vars {
		if v != nil {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	out := make([]godap.Variable, 0, len(names))
	for _, name := range names {
		v := vars[name]
		value, err := runner.Render(v)
		if err != nil {
			logger.Warn("cannot render variable", "name", name, "error", err)
			value = unknownValue
		}
		out = append(out, godap.Variable{
			Name:               name,
			Type:               runner.TypeOf(v),
			Value:              value,
			EvaluateName:       name,
			VariablesReference: 0,
		})
	}
	return out
}

// renderExpression shows an existing variable for the clipboard and hover
// contexts. "name.path" selects into the variable's JSON form.
func renderExpression(vars map[string]any, expression string) (string, error) {
	expression = strings.TrimSpace(expression)
	name, accessor := expression, ""
	if i := strings.IndexAny(expression, ".["); i != -1 {
		name, accessor = expression[:i], expression[i:]
	}
	v, ok := vars[name]
	if !ok {
		return "", &noVariableError{name: name}
	}
	if accessor == "" {
		return prettyValue(v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	res := gjson.GetBytes(data, runner.JSONPath(accessor))
	if !res.Exists() {
		return "null", nil
	}
	if res.Type == gjson.String {
		return res.Str, nil
	}
	return prettyJSON([]byte(res.Raw)), nil
}

func prettyValue(v any) (string, error) {
	switch t := v.(type) {
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return prettyJSON(data), nil
	case string:
		return t, nil
	}
	return runner.Render(v)
}

func prettyJSON(data []byte) string {
	return strings.TrimRight(string(pretty.Pretty(data)), "\n")
}

type noVariableError struct{ name string }

func (e *noVariableError) Error() string {
	return "no such variable: " + e.name
}
