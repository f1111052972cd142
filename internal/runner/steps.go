package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"github.com/dop251/goja"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"
)

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

func (sr *ScenarioRuntime) installGlobals() {
	vm := sr.vm
	_ = vm.Set("read", func(call goja.FunctionCall) goja.Value {
		v, err := sr.read(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(v)
	})

	k := vm.NewObject()
	_ = k.Set("env", sr.env)
	_ = k.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, printable(a.Export()))
		}
		sr.Log(strings.Join(parts, " ") + "\n")
		return goja.Undefined()
	})
	_ = vm.Set("karate", k)
}

// seed copies the caller's data variables and the call argument into a
// fresh runtime. Functions stay with the runtime that created them.
func (sr *ScenarioRuntime) seed(parent map[string]any, arg map[string]any) {
	for k, v := range parent {
		if v != nil && reflect.TypeOf(v).Kind() == reflect.Func {
			continue
		}
		_ = sr.vm.Set(k, v)
	}
	if arg == nil {
		return
	}
	for k, v := range arg {
		_ = sr.vm.Set(k, v)
	}
	_ = sr.vm.Set("__arg", arg)
}

// withVM runs fn with exclusive use of the JavaScript runtime.
func (sr *ScenarioRuntime) withVM(fn func(vm *goja.Runtime) error) (err error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(sr.vm)
}

// execute runs one statement. hook is passed to nested calls; nil runs
// them unobserved.
func (sr *ScenarioRuntime) execute(ctx context.Context, step *Step, hook Hook) error {
	text := strings.TrimSpace(step.Text)
	keyword, rest := splitKeyword(text)
	switch keyword {
	case "def":
		return sr.stepDef(ctx, rest, hook)
	case "set":
		return sr.stepSet(rest)
	case "print":
		return sr.stepPrint(rest)
	case "assert":
		return sr.stepAssert(rest)
	case "match":
		return sr.stepMatch(rest)
	case "call":
		return sr.stepCall(ctx, rest, hook)
	case "eval":
		return sr.stepEval(rest)
	default:
		return sr.stepEval(text)
	}
}

func splitKeyword(text string) (keyword, rest string) {
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i == -1 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

// splitAssign splits "lhs = rhs" at the first '=' that is not part of a
// comparison operator.
func splitAssign(s string) (lhs, rhs string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != '=' {
			continue
		}
		if i+1 < len(s) && s[i+1] == '=' {
			return "", "", false
		}
		return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:]), true
	}
	return "", "", false
}

func (sr *ScenarioRuntime) stepDef(ctx context.Context, rest string, hook Hook) error {
	name, rhs, ok := splitAssign(rest)
	if !ok || !identifier.MatchString(name) {
		return fmt.Errorf("def: expected <name> = <expression>, got %q", rest)
	}
	if reserved[name] {
		return fmt.Errorf("def: %q is reserved", name)
	}
	if kw, callRest := splitKeyword(rhs); kw == "call" {
		result, err := sr.call(ctx, callRest, hook)
		if err != nil {
			return err
		}
		return sr.withVM(func(vm *goja.Runtime) error {
			return vm.Set(name, result)
		})
	}
	return sr.withVM(func(vm *goja.Runtime) error {
		v, err := evalExpr(vm, rhs)
		if err != nil {
			return err
		}
		return vm.Set(name, v)
	})
}

func (sr *ScenarioRuntime) stepSet(rest string) error {
	target, rhs, ok := splitAssign(rest)
	if !ok || target == "" {
		return fmt.Errorf("set: expected <name>.<path> = <expression>, got %q", rest)
	}
	name, path := target, ""
	if i := strings.IndexAny(target, ".["); i != -1 {
		name, path = target[:i], JSONPath(target[i:])
	}
	if !identifier.MatchString(name) {
		return fmt.Errorf("set: bad variable name %q", name)
	}

	return sr.withVM(func(vm *goja.Runtime) error {
		v, err := evalExpr(vm, rhs)
		if err != nil {
			return err
		}
		if path == "" {
			return vm.Set(name, v)
		}

		doc := []byte("{}")
		if cur := vm.Get(name); cur != nil && !goja.IsUndefined(cur) && !goja.IsNull(cur) {
			if doc, err = json.Marshal(cur.Export()); err != nil {
				return fmt.Errorf("set: %s is not JSON: %w", name, err)
			}
		}
		updated, err := sjson.SetBytes(doc, path, v.Export())
		if err != nil {
			return fmt.Errorf("set %s: %w", target, err)
		}
		var out any
		if err := json.Unmarshal(updated, &out); err != nil {
			return fmt.Errorf("set %s: %w", target, err)
		}
		return vm.Set(name, out)
	})
}

// JSONPath converts a JavaScript accessor such as ".items[0]['name']" to
// the dotted path form "items.0.name" used by sjson and gjson.
func JSONPath(accessor string) string {
	r := strings.NewReplacer("['", ".", "']", "", `["`, ".", `"]`, "", "[", ".", "]", "")
	return strings.TrimPrefix(r.Replace(accessor), ".")
}

func (sr *ScenarioRuntime) stepPrint(rest string) error {
	var line string
	err := sr.withVM(func(vm *goja.Runtime) error {
		v, err := evalExpr(vm, "["+rest+"]")
		if err != nil {
			return err
		}
		items, _ := v.Export().([]any)
		parts := make([]string, 0, len(items))
		for _, it := range items {
			parts = append(parts, printable(it))
		}
		line = strings.Join(parts, " ")
		return nil
	})
	if err != nil {
		return err
	}
	sr.Log(line + "\n")
	return nil
}

func printable(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	s, err := Render(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}

func (sr *ScenarioRuntime) stepAssert(rest string) error {
	return sr.withVM(func(vm *goja.Runtime) error {
		v, err := evalExpr(vm, rest)
		if err != nil {
			return err
		}
		if !v.ToBoolean() {
			return fmt.Errorf("did not evaluate to 'true': %s", rest)
		}
		return nil
	})
}

func (sr *ScenarioRuntime) stepMatch(rest string) error {
	op, negate := " == ", false
	i := strings.Index(rest, op)
	if j := strings.Index(rest, " != "); j != -1 && (i == -1 || j < i) {
		op, negate, i = " != ", true, j
	}
	if i == -1 {
		return fmt.Errorf("match: expected <actual> == <expected>, got %q", rest)
	}
	left, right := strings.TrimSpace(rest[:i]), strings.TrimSpace(rest[i+len(op):])

	return sr.withVM(func(vm *goja.Runtime) error {
		a, err := evalExpr(vm, left)
		if err != nil {
			return err
		}
		b, err := evalExpr(vm, right)
		if err != nil {
			return err
		}
		actual, err := normalize(a.Export())
		if err != nil {
			return fmt.Errorf("match: %w", err)
		}
		expected, err := normalize(b.Export())
		if err != nil {
			return fmt.Errorf("match: %w", err)
		}
		if reflect.DeepEqual(actual, expected) != negate {
			return nil
		}
		want := printable(expected)
		if negate {
			want = "not " + want
		}
		return fmt.Errorf("match failed: %s\n  actual: %s\n  expected: %s", rest, printable(actual), want)
	})
}

// normalize round-trips v through JSON so numbers and containers compare
// by value.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (sr *ScenarioRuntime) stepEval(src string) error {
	return sr.withVM(func(vm *goja.Runtime) error {
		_, err := vm.RunString(src)
		return jsError(err)
	})
}

// stepCall runs a call whose result is merged into this scenario's
// variables.
func (sr *ScenarioRuntime) stepCall(ctx context.Context, rest string, hook Hook) error {
	result, err := sr.call(ctx, rest, hook)
	if err != nil {
		return err
	}
	vars, ok := result.(map[string]any)
	if !ok {
		return nil
	}
	return sr.withVM(func(vm *goja.Runtime) error {
		for k, v := range vars {
			if reserved[k] || k == "__arg" {
				continue
			}
			if err := vm.Set(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// call evaluates "<target> [arg]" where target is a feature or a function.
// A feature is run with CallDepth+1 and its variables are returned.
func (sr *ScenarioRuntime) call(ctx context.Context, rest string, hook Hook) (any, error) {
	targetSrc, argSrc := splitCallArgs(rest)
	if targetSrc == "" {
		return nil, errors.New("call: missing target")
	}

	var (
		feature *Feature
		result  any
		arg     map[string]any
	)
	err := sr.withVM(func(vm *goja.Runtime) error {
		target, err := evalExpr(vm, targetSrc)
		if err != nil {
			return err
		}
		var argVal goja.Value = goja.Undefined()
		if argSrc != "" {
			if argVal, err = evalExpr(vm, argSrc); err != nil {
				return err
			}
			if m, ok := argVal.Export().(map[string]any); ok {
				arg = m
			}
		}
		if fn, ok := goja.AssertFunction(target); ok {
			out, err := fn(goja.Undefined(), argVal)
			if err != nil {
				return jsError(err)
			}
			result = out.Export()
			return nil
		}
		f, ok := target.Export().(*Feature)
		if !ok {
			return fmt.Errorf("call: %s is neither a feature nor a function", targetSrc)
		}
		if argSrc != "" && arg == nil {
			return fmt.Errorf("call: argument %s is not an object", argSrc)
		}
		feature = f
		return nil
	})
	if err != nil || feature == nil {
		return result, err
	}
	return sr.callFeature(ctx, feature, arg, hook)
}

func (sr *ScenarioRuntime) callFeature(ctx context.Context, f *Feature, arg map[string]any, hook Hook) (map[string]any, error) {
	parent := sr.Vars()
	var last map[string]any
	for _, sc := range f.Scenarios {
		child := newRuntime(sc, sr, hook, sr.env, sr.logger)
		child.seed(parent, arg)
		res := child.Run(ctx)
		if res.Aborted {
			sr.Abort()
			return nil, nil
		}
		if res.Failed() {
			return nil, fmt.Errorf("%w: %s:%d: %v", ErrCallFailed, f.FileName(), sc.Line, res.Err)
		}
		last = res.Vars
	}
	return last, nil
}

// splitCallArgs splits the call target from its optional argument at the
// first whitespace outside brackets and quotes.
func splitCallArgs(s string) (target, arg string) {
	s = strings.TrimSpace(s)
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case depth == 0 && unicode.IsSpace(rune(c)):
			return s[:i], strings.TrimSpace(s[i:])
		}
	}
	return s, ""
}

// evalExpr evaluates src as an expression, falling back to running it as
// a script when it does not parse as one (statements, declarations).
func evalExpr(vm *goja.Runtime, src string) (goja.Value, error) {
	prog, err := goja.Compile("", "("+src+"\n)", false)
	if err != nil {
		if prog, err = goja.Compile("", src, false); err != nil {
			return nil, err
		}
	}
	v, err := vm.RunProgram(prog)
	if err != nil {
		return nil, jsError(err)
	}
	return v, nil
}

// jsError strips the stack trace from a thrown JavaScript value.
func jsError(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return errors.New(ex.Value().String())
	}
	return err
}

// read loads a file relative to the feature directory. JSON and YAML are
// parsed, feature files become callable features, anything else is text.
func (sr *ScenarioRuntime) read(name string) (any, error) {
	path := name
	switch {
	case strings.HasPrefix(name, "classpath:"):
		path = strings.TrimPrefix(name, "classpath:")
	case strings.HasPrefix(name, "this:"):
		path = filepath.Join(filepath.Dir(sr.Feature().Path), strings.TrimPrefix(name, "this:"))
	case !filepath.IsAbs(name):
		path = filepath.Join(filepath.Dir(sr.Feature().Path), name)
	}

	if strings.EqualFold(filepath.Ext(path), ".feature") {
		return ParseFile(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return v, nil
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return stringKeys(v), nil
	default:
		return string(data), nil
	}
}

// stringKeys converts YAML maps with non-string keys into JSON-shaped maps.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = stringKeys(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = stringKeys(e)
		}
		return t
	default:
		return v
	}
}
