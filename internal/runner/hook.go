// Package runner is a small feature-file scenario engine. It parses feature
// files, runs their scenarios on worker goroutines with a JavaScript
// expression runtime, and calls a Hook at every lifecycle point so that a
// debugger can observe and control execution.
package runner

import "sync"

// Hook observes execution on one worker goroutine. All methods are called
// on the goroutine that runs the scenario; BeforeStep may block.
type Hook interface {
	// BeforeFeature returns false to skip the feature.
	BeforeFeature(f *Feature) bool
	AfterFeature(f *Feature, res *FeatureResult)
	// BeforeScenario returns false to skip the scenario.
	BeforeScenario(sr *ScenarioRuntime) bool
	AfterScenario(sr *ScenarioRuntime)
	// BeforeStep returns false when the step must not run. The hook may
	// have repositioned the runtime with StepBack, StepReset or
	// StepProceed before returning.
	BeforeStep(step *Step, sr *ScenarioRuntime) bool
	AfterStep(res *StepResult, sr *ScenarioRuntime)
}

// HookFactory creates the hook for a worker. It is called once on each
// worker goroutine before that worker runs anything.
type HookFactory interface {
	CreateHook(name string) Hook
}

// HookFactoryFunc adapts a function to HookFactory.
type HookFactoryFunc func(name string) Hook

// CreateHook calls f.
func (f HookFactoryFunc) CreateHook(name string) Hook {
	return f(name)
}

// LogSink receives text logged by a scenario.
type LogSink interface {
	Append(text string)
}

// BufferSink collects log text in memory. It is the default sink of a
// runtime.
type BufferSink struct {
	mu  sync.Mutex
	buf []byte
}

// Append implements LogSink.
func (b *BufferSink) Append(text string) {
	b.mu.Lock()
	b.buf = append(b.buf, text...)
	b.mu.Unlock()
}

// Collect returns the buffered text and clears it.
func (b *BufferSink) Collect() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := string(b.buf)
	b.buf = b.buf[:0]
	return s
}

// Buffer returns the buffered text.
func (b *BufferSink) Buffer() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
