// Package goroutineid reports the runtime id of the calling goroutine. The
// debugger uses it as the protocol thread id of a scenario worker.
package goroutineid

import (
	"bytes"
	"runtime"
)

var header = []byte("goroutine ")

// Current returns the id of the calling goroutine, or 0 if the stack header
// cannot be parsed.
func Current() int64 {
	// Only the first line of the trace is needed; runtime.Stack truncates.
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parse(buf[:n])
}

// parse reads the decimal id from a "goroutine N [state]:" header.
func parse(stack []byte) int64 {
	if !bytes.HasPrefix(stack, header) {
		return 0
	}
	var id int64
	for _, b := range stack[len(header):] {
		if b < '0' || b > '9' {
			break
		}
		id = id*10 + int64(b-'0')
	}
	return id
}
