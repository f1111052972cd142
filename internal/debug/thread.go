package debug

import (
	"sync"

	"github.com/dshills/stepdap/internal/runner"
)

// Stop reasons sent in stopped events.
const (
	ReasonPause      = "pause"
	ReasonStep       = "step"
	ReasonBreakpoint = "breakpoint"
	ReasonException  = "exception"
)

// action is what a worker does after a stop returns.
type action int

const (
	actProceed action = iota
	// actReset re-offers the step: the thread was woken by a resume meant
	// for another thread.
	actReset
	actStepBack
	actAbort
)

// Thread is the debugger's view of one runner worker goroutine. It is the
// runner.Hook of that worker and the log sink of every scenario it runs.
//
// Hook methods run on the worker; the command methods (Next, StepIn, ...)
// run on the session's reader goroutine. All state is guarded by mu.
type Thread struct {
	ID   int64
	Name string

	session *Session
	prefix  string

	mu    sync.Mutex
	cond  *sync.Cond
	gen   uint64 // bumped by every wake
	stack []int64
	sinks []runner.LogSink

	// stepModes is keyed by stack size.
	stepModes   map[int]bool
	stepIn      bool
	stepBack    bool
	paused      bool
	interrupted bool
	stopped     bool
	errored     bool
}

func newThread(s *Session, id int64, name string) *Thread {
	t := &Thread{
		ID:        id,
		Name:      name,
		session:   s,
		prefix:    "[" + name + "] ",
		stepModes: make(map[int]bool),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// FrameIDs returns the frame ids of the thread, innermost last.
func (t *Thread) FrameIDs() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int64(nil), t.stack...)
}

func (t *Thread) currentFrame() *runner.ScenarioRuntime {
	t.mu.Lock()
	n := len(t.stack)
	var id int64
	if n > 0 {
		id = t.stack[n-1]
	}
	t.mu.Unlock()
	if n == 0 {
		return nil
	}
	sr, _ := t.session.frame(id)
	return sr
}

// Next steps over: stop at the next step at the current depth or above.
func (t *Thread) Next() {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.stack)
	for k := range t.stepModes {
		if k > n {
			delete(t.stepModes, k)
		}
	}
	t.stepModes[n] = true
}

// StepOut stops at the next step of the caller.
func (t *Thread) StepOut() {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.stack)
	for k := range t.stepModes {
		if k >= n {
			delete(t.stepModes, k)
		}
	}
	if n > 1 {
		t.stepModes[n-1] = true
	}
}

// Continue leaves step mode at every depth.
func (t *Thread) Continue() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.stepModes)
}

// StepIn stops at the very next step, including the first step of a call.
func (t *Thread) StepIn() {
	t.mu.Lock()
	t.stepIn = true
	t.mu.Unlock()
}

// StepBack stops at the step before the current one.
func (t *Thread) StepBack() {
	t.mu.Lock()
	t.stepBack = true
	t.mu.Unlock()
}

// Pause stops the thread at its next step. A thread that never reaches
// another step does not stop.
func (t *Thread) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

// Resume releases the thread, runs the pre-step on its current frame and
// wakes every registered thread.
func (t *Thread) Resume() {
	t.mu.Lock()
	t.stopped = false
	t.mu.Unlock()
	if sr := t.currentFrame(); sr != nil {
		t.session.evaluatePreStep(sr)
	}
	t.session.wakeAll()
}

// Interrupt makes the thread abort at its next hook call, waking it if it
// is stopped.
func (t *Thread) Interrupt() {
	t.mu.Lock()
	t.interrupted = true
	t.gen++
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *Thread) wake() {
	t.mu.Lock()
	t.gen++
	t.cond.Broadcast()
	t.mu.Unlock()
}

// inStepMode reports whether stepping applies at stack size n. A mode set
// deeper than n also applies: the frame it was set in has returned.
func (t *Thread) inStepMode(n int) bool {
	for k, on := range t.stepModes {
		if on && k >= n {
			return true
		}
	}
	return false
}

// stop reports the stop and blocks until the thread is woken.
func (t *Thread) stop(reason, description string) action {
	t.mu.Lock()
	if t.interrupted {
		t.mu.Unlock()
		return actAbort
	}
	t.stopped = true
	gen := t.gen
	t.mu.Unlock()

	t.session.stoppedEvent(t.ID, reason, description)

	t.mu.Lock()
	for t.gen == gen && !t.interrupted {
		t.cond.Wait()
	}
	act := actProceed
	switch {
	case t.interrupted:
		act = actAbort
	case t.stepBack:
		// cleared by the BeforeStep that stops on the previous step
		act = actStepBack
	case t.stopped:
		act = actReset
	}
	t.mu.Unlock()

	if act == actProceed || act == actStepBack {
		t.session.continuedEvent(t.ID)
	}
	return act
}

// BeforeFeature implements runner.Hook.
func (t *Thread) BeforeFeature(*runner.Feature) bool { return true }

// AfterFeature implements runner.Hook.
func (t *Thread) AfterFeature(*runner.Feature, *runner.FeatureResult) {}

// BeforeScenario implements runner.Hook.
func (t *Thread) BeforeScenario(sr *runner.ScenarioRuntime) bool {
	id := t.session.server.nextFrameID()
	t.session.frames.Store(id, sr)
	if sr.CallDepth() == 0 {
		t.session.threads.Store(t.ID, t)
	}
	prev := sr.SetLogSink(t)

	t.mu.Lock()
	t.stack = append(t.stack, id)
	t.sinks = append(t.sinks, prev)
	t.mu.Unlock()
	return true
}

// AfterScenario implements runner.Hook.
func (t *Thread) AfterScenario(sr *runner.ScenarioRuntime) {
	t.mu.Lock()
	var prev runner.LogSink
	if n := len(t.stack); n > 0 {
		t.stack = t.stack[:n-1]
		prev = t.sinks[n-1]
		t.sinks = t.sinks[:n-1]
	}
	t.mu.Unlock()

	if prev != nil {
		sr.SetLogSink(prev)
	}
	if sr.CallDepth() == 0 {
		t.session.threads.Delete(t.ID)
	}
}

// BeforeStep implements runner.Hook.
func (t *Thread) BeforeStep(step *runner.Step, sr *runner.ScenarioRuntime) bool {
	t.mu.Lock()
	if t.interrupted {
		t.mu.Unlock()
		sr.Abort()
		return false
	}
	var reason string
	switch {
	case t.paused:
		t.paused = false
		reason = ReasonPause
	case t.errored:
		// the failed step is offered again: skip it when stepping,
		// otherwise let it run again after a hot fix
		t.errored = false
		stepping := t.inStepMode(len(t.stack))
		t.mu.Unlock()
		if stepping {
			sr.StepProceed()
		} else {
			sr.StepReset()
		}
		return false
	case t.stepBack:
		t.stepBack = false
		reason = ReasonStep
	case t.stepIn:
		t.stepIn = false
		reason = ReasonStep
	case t.inStepMode(len(t.stack)):
		reason = ReasonStep
	}
	t.mu.Unlock()

	if reason == "" {
		if !t.session.isBreakpoint(step, sr) {
			return true
		}
		reason = ReasonBreakpoint
	}

	switch t.stop(reason, "") {
	case actAbort:
		sr.Abort()
		return false
	case actStepBack:
		sr.StepBack()
		return false
	case actReset:
		sr.StepReset()
		return false
	}
	return true
}

// AfterStep implements runner.Hook. A failed step is rewound and the
// thread stops with reason "exception".
func (t *Thread) AfterStep(res *runner.StepResult, sr *runner.ScenarioRuntime) {
	if !res.Failed() {
		return
	}
	msg := res.ErrorMessage()
	sr.StepReset()
	t.session.output("*** step failed: " + msg + "\n")

	act := t.stop(ReasonException, msg)
	for act == actReset {
		act = t.stop(ReasonException, msg)
	}
	switch act {
	case actAbort:
		sr.Abort()
	case actStepBack:
		// the failed step is the next one offered; one more rewind
		// lands on the step before it
		sr.StepReset()
	case actProceed:
		t.mu.Lock()
		t.errored = true
		t.mu.Unlock()
	}
}

// Append implements runner.LogSink. Text goes to the client as output and
// to the sink the runtime had before.
func (t *Thread) Append(text string) {
	t.session.output(t.prefix + text)
	t.mu.Lock()
	var prev runner.LogSink
	if n := len(t.sinks); n > 0 {
		prev = t.sinks[n-1]
	}
	t.mu.Unlock()
	if prev != nil {
		prev.Append(text)
	}
}
