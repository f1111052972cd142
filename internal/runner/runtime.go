package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// reserved globals are installed by the runtime and hidden from Vars.
var reserved = map[string]bool{
	"read":   true,
	"karate": true,
}

// ScenarioRuntime executes the steps of one scenario. Nested feature calls
// get their own runtime with CallDepth one greater than the caller.
//
// Step execution and debugger access (Vars, EvalAsStep, HotReload) are
// serialised on an internal mutex that is never held while a Hook runs.
type ScenarioRuntime struct {
	Scenario *Scenario
	Caller   *ScenarioRuntime

	depth  int
	hook   Hook
	env    string
	logger *slog.Logger

	mu      sync.Mutex
	vm      *goja.Runtime
	steps   []*Step
	next    int
	current *Step
	stopped bool
	aborted bool
	err     error
	results []*StepResult

	sinkMu sync.Mutex
	sink   LogSink
}

// RuntimeOptions configures a top-level runtime.
type RuntimeOptions struct {
	Hook   Hook
	Env    string
	Logger *slog.Logger
	// Args become variables before the first step.
	Args map[string]any
}

// NewScenarioRuntime creates a runtime for a top-level scenario.
func NewScenarioRuntime(sc *Scenario, opts RuntimeOptions) *ScenarioRuntime {
	sr := newRuntime(sc, nil, opts.Hook, opts.Env, opts.Logger)
	for k, v := range opts.Args {
		_ = sr.vm.Set(k, v)
	}
	return sr
}

func newRuntime(sc *Scenario, caller *ScenarioRuntime, hook Hook, env string, logger *slog.Logger) *ScenarioRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	sr := &ScenarioRuntime{
		Scenario: sc,
		Caller:   caller,
		hook:     hook,
		env:      env,
		logger:   logger,
		vm:       goja.New(),
		sink:     &BufferSink{},
	}
	if caller != nil {
		sr.depth = caller.depth + 1
	}
	steps := make([]*Step, 0, len(sc.Feature.Background)+len(sc.Steps))
	steps = append(steps, sc.Feature.Background...)
	steps = append(steps, sc.Steps...)
	sr.steps = steps
	sr.installGlobals()
	return sr
}

// Feature returns the feature the scenario belongs to.
func (sr *ScenarioRuntime) Feature() *Feature {
	return sr.Scenario.Feature
}

// CallDepth is 0 for a top-level scenario.
func (sr *ScenarioRuntime) CallDepth() int {
	return sr.depth
}

// LogSink returns the current sink.
func (sr *ScenarioRuntime) LogSink() LogSink {
	sr.sinkMu.Lock()
	defer sr.sinkMu.Unlock()
	return sr.sink
}

// SetLogSink replaces the sink and returns the previous one.
func (sr *ScenarioRuntime) SetLogSink(s LogSink) LogSink {
	sr.sinkMu.Lock()
	defer sr.sinkMu.Unlock()
	prev := sr.sink
	sr.sink = s
	return prev
}

// Log appends text to the current sink.
func (sr *ScenarioRuntime) Log(text string) {
	sr.LogSink().Append(text)
}

// CurrentStep returns the step being executed or last offered, or nil
// before the first step.
func (sr *ScenarioRuntime) CurrentStep() *Step {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.current
}

// CurrentLine is the line of the current step, or of the scenario header
// before the first step.
func (sr *ScenarioRuntime) CurrentLine() int {
	if s := sr.CurrentStep(); s != nil {
		return s.Line
	}
	return sr.Scenario.Line
}

// Vars returns the scenario's variables. Reserved globals are omitted.
func (sr *ScenarioRuntime) Vars() map[string]any {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.varsLocked()
}

func (sr *ScenarioRuntime) varsLocked() map[string]any {
	global := sr.vm.GlobalObject()
	out := make(map[string]any)
	for _, k := range global.Keys() {
		if reserved[k] {
			continue
		}
		v := global.Get(k)
		if v == nil || goja.IsUndefined(v) {
			continue
		}
		out[k] = v.Export()
	}
	return out
}

// VarNames returns the variable names in sorted order.
func (sr *ScenarioRuntime) VarNames() []string {
	vars := sr.Vars()
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// StepBack repositions the runtime so the step before the one just offered
// runs next.
func (sr *ScenarioRuntime) StepBack() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.stopped = false
	sr.next -= 2
	if sr.next < 0 {
		sr.next = 0
	}
}

// StepReset repositions the runtime so the step just offered is offered
// again. It clears a recorded failure.
func (sr *ScenarioRuntime) StepReset() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.stopped = false
	sr.err = nil
	sr.next--
	if sr.next < 0 {
		sr.next = 0
	}
}

// StepProceed clears the stopped state without repositioning, so the
// following step runs next.
func (sr *ScenarioRuntime) StepProceed() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.stopped = false
}

// Abort skips all remaining steps.
func (sr *ScenarioRuntime) Abort() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.aborted = true
	sr.stopped = true
}

// Aborted reports whether Abort was called.
func (sr *ScenarioRuntime) Aborted() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.aborted
}

// EvalAsStep runs text as a single step outside the step list. Nested
// calls made by the statement run without the hook.
func (sr *ScenarioRuntime) EvalAsStep(text string) error {
	step := &Step{Line: -1, Prefix: "*", Text: text}
	if prefix, rest, ok := splitStep(text); ok {
		step.Prefix, step.Text = prefix, rest
	}
	return sr.execute(context.Background(), step, nil)
}

// HotReload re-reads the feature file and replaces every step whose text
// changed at the same line. It reports whether any step was replaced.
func (sr *ScenarioRuntime) HotReload() (bool, error) {
	data, err := os.ReadFile(sr.Feature().Path)
	if err != nil {
		return false, fmt.Errorf("hot reload: %w", err)
	}
	fresh, err := Parse(sr.Feature().Path, string(data))
	if err != nil {
		return false, fmt.Errorf("hot reload: %w", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	reloaded := false
	for i, old := range sr.steps {
		s := fresh.FindStepByLine(old.Line)
		if s == nil || s.Text == old.Text {
			continue
		}
		sr.steps[i] = s
		if sr.current == old {
			sr.current = s
		}
		reloaded = true
		sr.logger.Info("hot reloaded step", "line", s.Line, "text", s.Text)
	}
	return reloaded, nil
}

// Run executes the scenario. It returns when every step has run, been
// skipped, or the runtime was aborted.
func (sr *ScenarioRuntime) Run(ctx context.Context) *ScenarioResult {
	res := &ScenarioResult{Scenario: sr.Scenario}
	if sr.hook != nil && !sr.hook.BeforeScenario(sr) {
		res.Skipped = true
		return res
	}

	for {
		if ctx.Err() != nil {
			sr.Abort()
		}
		step, stopped, ok := sr.advance()
		if !ok {
			break
		}
		if stopped {
			sr.record(&StepResult{Step: step, Skipped: true})
			continue
		}
		if sr.hook != nil && !sr.hook.BeforeStep(step, sr) {
			continue
		}

		start := time.Now()
		err := sr.execute(ctx, step, sr.hook)
		if err != nil {
			sr.mu.Lock()
			sr.stopped = true
			sr.err = err
			sr.mu.Unlock()
		}

		sres := &StepResult{Step: step, Err: err, Duration: time.Since(start)}
		sr.record(sres)
		if err != nil {
			sr.logger.Debug("step failed", "feature", sr.Feature().Path, "line", step.Line, "error", err)
		}
		if sr.hook != nil {
			sr.hook.AfterStep(sres, sr)
		}
	}

	if sr.hook != nil {
		sr.hook.AfterScenario(sr)
	}

	sr.mu.Lock()
	res.Steps = sr.results
	res.Err = sr.err
	res.Aborted = sr.aborted
	sr.mu.Unlock()
	res.Vars = sr.Vars()
	return res
}

// advance moves to the next step. ok is false at the end of the list.
func (sr *ScenarioRuntime) advance() (step *Step, stopped, ok bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.next >= len(sr.steps) {
		return nil, false, false
	}
	step = sr.steps[sr.next]
	sr.next++
	sr.current = step
	return step, sr.stopped, true
}

func (sr *ScenarioRuntime) record(r *StepResult) {
	sr.mu.Lock()
	sr.results = append(sr.results, r)
	sr.mu.Unlock()
}

// StepResult is the outcome of one step.
type StepResult struct {
	Step     *Step
	Err      error
	Skipped  bool
	Duration time.Duration
}

// Failed reports whether the step returned an error.
func (r *StepResult) Failed() bool {
	return r.Err != nil
}

// ErrorMessage returns the failure text, or "".
func (r *StepResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// ScenarioResult is the outcome of one scenario run.
type ScenarioResult struct {
	Scenario *Scenario
	Steps    []*StepResult
	Err      error
	Aborted  bool
	Skipped  bool
	Vars     map[string]any
}

// Failed reports whether the scenario ended with an unresolved failure.
func (r *ScenarioResult) Failed() bool {
	return r.Err != nil
}

// FeatureResult collects the scenario results of a feature.
type FeatureResult struct {
	Feature   *Feature
	Scenarios []*ScenarioResult
}

// Failed reports whether any scenario failed.
func (r *FeatureResult) Failed() bool {
	for _, s := range r.Scenarios {
		if s.Failed() {
			return true
		}
	}
	return false
}

// ErrCallFailed wraps the failure of a nested feature call.
var ErrCallFailed = errors.New("call failed")
