package debug

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	godap "github.com/google/go-dap"

	"github.com/dshills/stepdap/internal/debug/dap"
	"github.com/dshills/stepdap/internal/runner"
)

// buildOutputMarkers locate the source-relative tail of a feature path that
// was copied into a build output directory.
var buildOutputMarkers = []string{"/test-classes/", "/classes/java/test/"}

const docDelim = `"""`

// Breakpoint is a line breakpoint in a feature file.
type Breakpoint struct {
	// ID is unique for the life of the server.
	ID   int
	Line int

	// Verified is always true; every line is accepted as given.
	Verified bool

	// Condition is the cleaned condition expression, empty for none.
	Condition string

	program *vm.Program
	compErr error
}

// Record returns the protocol form of the breakpoint.
func (b *Breakpoint) Record() godap.Breakpoint {
	return godap.Breakpoint{Id: b.ID, Verified: b.Verified, Line: b.Line}
}

// SourceBreakpoints is the full breakpoint set of one source file.
type SourceBreakpoints struct {
	Name           string
	Path           string
	Breakpoints    []*Breakpoint
	SourceModified bool
}

// Hit returns the breakpoint at line whose condition holds, or nil. vars is
// only called when a breakpoint on the line has a condition.
func (sb *SourceBreakpoints) Hit(line int, vars func() map[string]any, logger *slog.Logger) *Breakpoint {
	for _, b := range sb.Breakpoints {
		if b.Line != line {
			continue
		}
		if b.Condition == "" || b.holds(vars(), logger) {
			return b
		}
	}
	return nil
}

// holds evaluates the condition. Errors count as a hit so the user can see
// the broken condition.
func (b *Breakpoint) holds(vars map[string]any, logger *slog.Logger) bool {
	if b.compErr != nil {
		logger.Warn("breakpoint condition does not compile", "id", b.ID, "condition", b.Condition, "error", b.compErr)
		return true
	}
	out, err := expr.Run(b.program, vars)
	if err != nil {
		logger.Warn("breakpoint condition failed", "id", b.ID, "condition", b.Condition, "error", err)
		return true
	}
	hit, ok := out.(bool)
	return !ok || hit
}

// Registry holds the breakpoint sets of a session keyed by normalized path.
type Registry struct {
	sets   sync.Map // string -> *SourceBreakpoints
	nextID func() int
}

// NewRegistry creates an empty registry. nextID supplies breakpoint ids.
func NewRegistry(nextID func() int) *Registry {
	return &Registry{nextID: nextID}
}

// Set replaces the breakpoints of the source named by a setBreakpoints
// request and returns the new set.
func (r *Registry) Set(req *dap.Message) (*SourceBreakpoints, error) {
	source, ok, err := req.MapArg("source")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: missing source", req.Command)
	}
	src := &dap.Message{Command: req.Command, Arguments: source}
	name, _, err := src.StringArg("name")
	if err != nil {
		return nil, err
	}
	path, ok, err := src.StringArg("path")
	if err != nil {
		return nil, err
	}
	if !ok || path == "" {
		return nil, fmt.Errorf("%s: missing source path", req.Command)
	}
	modified, _, err := req.BoolArg("sourceModified")
	if err != nil {
		return nil, err
	}
	list, _, err := req.ListArg("breakpoints")
	if err != nil {
		return nil, err
	}

	sb := &SourceBreakpoints{
		Name:           name,
		Path:           NormalizePath(path),
		SourceModified: modified,
		Breakpoints:    make([]*Breakpoint, 0, len(list)),
	}
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, &dap.ArgumentError{Command: req.Command, Key: "breakpoints", Want: "object", Got: item}
		}
		bp := &dap.Message{Command: req.Command, Arguments: obj}
		line, ok, err := bp.IntArg("line")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%s: breakpoint without line", req.Command)
		}
		cond, _, err := bp.StringArg("condition")
		if err != nil {
			return nil, err
		}
		sb.Breakpoints = append(sb.Breakpoints, newBreakpoint(r.nextID(), int(line), cond))
	}
	r.sets.Store(sb.Path, sb)
	return sb, nil
}

func newBreakpoint(id, line int, condition string) *Breakpoint {
	b := &Breakpoint{ID: id, Line: line, Verified: true, Condition: CleanCondition(condition)}
	if b.Condition != "" {
		b.program, b.compErr = expr.Compile(b.Condition, expr.AsBool(), expr.AllowUndefinedVariables())
	}
	return b
}

// Lookup finds the breakpoint set for a feature path as seen by the runner.
// An exact match wins; otherwise a path inside a build output directory is
// matched on its tail, and finally either path may be a suffix of the other.
func (r *Registry) Lookup(path string) *SourceBreakpoints {
	path = NormalizePath(path)
	if v, ok := r.sets.Load(path); ok {
		return v.(*SourceBreakpoints)
	}
	slashed := filepath.ToSlash(path)
	for _, marker := range buildOutputMarkers {
		i := strings.Index(slashed, marker)
		if i == -1 {
			continue
		}
		tail := slashed[i+len(marker):]
		if sb := r.find(func(key string) bool { return strings.HasSuffix(key, "/"+tail) }); sb != nil {
			return sb
		}
	}
	return r.find(func(key string) bool {
		return strings.HasSuffix(key, slashed) || strings.HasSuffix(slashed, key)
	})
}

func (r *Registry) find(match func(key string) bool) *SourceBreakpoints {
	var found *SourceBreakpoints
	r.sets.Range(func(k, v any) bool {
		if match(filepath.ToSlash(k.(string))) {
			found = v.(*SourceBreakpoints)
			return false
		}
		return true
	})
	return found
}

// IsBreakpoint reports whether the runner should stop at line of path.
func (r *Registry) IsBreakpoint(path string, line int, vars func() map[string]any, logger *slog.Logger) bool {
	sb := r.Lookup(path)
	return sb != nil && sb.Hit(line, vars, logger) != nil
}

// Clear removes every breakpoint set. Ids are not reset.
func (r *Registry) Clear() {
	r.sets.Range(func(k, _ any) bool {
		r.sets.Delete(k)
		return true
	})
}

// CleanCondition strips a leading step prefix and a surrounding doc-string
// delimiter pair from a condition typed into the IDE.
func CleanCondition(s string) string {
	s = strings.TrimSpace(s)
	for _, p := range runner.StepPrefixes {
		if !strings.HasPrefix(s, p) {
			continue
		}
		rest := s[len(p):]
		if p != "*" && rest != "" && rest[0] != ' ' && rest[0] != '\t' {
			continue
		}
		s = strings.TrimSpace(rest)
		break
	}
	if len(s) >= 2*len(docDelim) && strings.HasPrefix(s, docDelim) && strings.HasSuffix(s, docDelim) {
		s = strings.TrimSpace(s[len(docDelim) : len(s)-len(docDelim)])
	}
	return s
}

// NormalizePath cleans p. On Windows the drive letter is upper-cased so the
// IDE's and the runner's spelling of a path agree.
func NormalizePath(p string) string {
	p = filepath.Clean(p)
	if runtime.GOOS == "windows" && len(p) >= 2 && p[1] == ':' {
		p = strings.ToUpper(p[:1]) + p[1:]
	}
	return p
}
