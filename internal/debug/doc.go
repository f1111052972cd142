// Package debug implements a Debug Adapter Protocol server that lets an IDE
// attach to the scenario runner and step through feature files.
//
// # Architecture
//
// One client is served at a time. Each connection gets a Session with a
// reader goroutine that dispatches requests and a writer goroutine that
// numbers and writes every outgoing message:
//
//	┌──────────────┐   requests    ┌──────────────────────────────────┐
//	│     IDE      │ ────────────▶ │ Session                          │
//	│  (DAP client)│ ◀──────────── │  - breakpoint registry           │
//	└──────────────┘ events/resp.  │  - thread table (top level)      │
//	                               │  - frame table (all depths)      │
//	                               └──────────────────────────────────┘
//	                                         │ resume / interrupt
//	                                         ▼
//	                               ┌──────────────────────────────────┐
//	                               │ Thread (one per runner worker)   │
//	                               │  - runner.Hook implementation    │
//	                               │  - blocks the worker when stopped│
//	                               └──────────────────────────────────┘
//
// # Threads and Frames
//
// A Thread is created by the runner's hook factory on the worker goroutine
// and takes that goroutine's id. It is listed by the threads request only
// while a top-level scenario runs. Every scenario entry, including nested
// calls, gets a fresh frame id that is never reused for the life of the
// server.
//
// # Stepping
//
// A thread stops only at step boundaries: before a step runs (pause, step
// mode, breakpoint) or after a step fails. Resuming any thread wakes all of
// them; threads that were not the target of the resume re-offer their
// current step and stop again.
package debug
