package debug

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func threadAtDepth(n int) *Thread {
	t := newThread(nil, 1, "worker-1")
	for i := 1; i <= n; i++ {
		t.stack = append(t.stack, int64(i))
		t.sinks = append(t.sinks, nil)
	}
	return t
}

func (t *Thread) setDepth(n int) {
	t.stack = t.stack[:0]
	for i := 1; i <= n; i++ {
		t.stack = append(t.stack, int64(i))
	}
}

func TestNextContainment(t *testing.T) {
	th := threadAtDepth(2)
	th.Next()

	assert.True(t, th.inStepMode(2))
	assert.False(t, th.inStepMode(3), "calls made by the step run through")
	assert.True(t, th.inStepMode(1), "returning to the caller stops")
}

func TestNextClearsDeeperModes(t *testing.T) {
	th := threadAtDepth(2)
	th.Next()
	th.setDepth(1)
	th.Next()

	assert.False(t, th.inStepMode(2), "a stale mode from a returned call does not apply")
	assert.True(t, th.inStepMode(1))
}

func TestStepOut(t *testing.T) {
	th := threadAtDepth(3)
	th.Next()
	th.StepOut()

	assert.False(t, th.inStepMode(3))
	assert.True(t, th.inStepMode(2))
	assert.True(t, th.inStepMode(1))

	top := threadAtDepth(1)
	top.StepOut()
	assert.False(t, top.inStepMode(1), "step out of a top-level scenario runs to the end")
}

func TestContinueClearsModes(t *testing.T) {
	th := threadAtDepth(2)
	th.Next()
	th.Continue()
	assert.False(t, th.inStepMode(1))
	assert.False(t, th.inStepMode(2))
}

func TestInterruptWakes(t *testing.T) {
	th := threadAtDepth(1)
	done := make(chan struct{})
	go func() {
		th.mu.Lock()
		for !th.interrupted {
			th.cond.Wait()
		}
		th.mu.Unlock()
		close(done)
	}()
	th.Interrupt()
	<-done
	assert.True(t, th.interrupted)
}
