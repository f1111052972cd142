package debug

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	godap "github.com/google/go-dap"
	"github.com/google/uuid"

	"github.com/dshills/stepdap/internal/debug/dap"
	"github.com/dshills/stepdap/internal/goroutineid"
	"github.com/dshills/stepdap/internal/runner"
)

// ErrNoFrame is returned for a frame id the session does not know.
var ErrNoFrame = errors.New("no such frame")

// Evaluate contexts that render a variable instead of running a step.
const (
	ContextClipboard = "clipboard"
	ContextHover     = "hover"
)

const outboundQueue = 64

// outbound is a message for the writer goroutine. then runs on the writer
// after the message has been written.
type outbound struct {
	msg  *dap.Message
	then func()
}

// launchConfig is the run target of the last launch request.
type launchConfig struct {
	target  string
	single  bool
	preStep string
}

func (lc *launchConfig) options() (*runner.Options, error) {
	if lc.single {
		return &runner.Options{Paths: []string{lc.target}, Threads: 1}, nil
	}
	return runner.ParseOptions(lc.target)
}

// run is one launched suite execution.
type run struct {
	id     uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	session *Session
	mu      sync.Mutex
	threads []*Thread
}

// CreateHook implements runner.HookFactory. It is called on the worker
// goroutine, whose id becomes the thread id.
func (r *run) CreateHook(name string) runner.Hook {
	t := newThread(r.session, goroutineid.Current(), name)
	r.mu.Lock()
	r.threads = append(r.threads, t)
	r.mu.Unlock()
	if r.ctx.Err() != nil {
		t.Interrupt()
	}
	return t
}

// stop cancels the run and wakes any stopped worker so it can abort.
func (r *run) stop() {
	r.cancel()
	r.mu.Lock()
	threads := append([]*Thread(nil), r.threads...)
	r.mu.Unlock()
	for _, t := range threads {
		t.Interrupt()
	}
}

// Session serves one client connection.
type Session struct {
	server *Server
	conn   net.Conn
	logger *slog.Logger

	out        chan outbound
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	seq        int // writer goroutine only

	breakpoints *Registry
	threads     sync.Map // int64 -> *Thread, top-level scenarios only
	frames      sync.Map // int64 -> *runner.ScenarioRuntime
	focused     atomic.Int64

	mu      sync.Mutex
	launch  *launchConfig
	run     *run
	watcher *runner.SourceWatcher
}

func newSession(srv *Server, conn net.Conn) *Session {
	return &Session{
		server:      srv,
		conn:        conn,
		logger:      srv.logger.With("remote", conn.RemoteAddr().String()),
		out:         make(chan outbound, outboundQueue),
		done:        make(chan struct{}),
		writerDone:  make(chan struct{}),
		breakpoints: NewRegistry(srv.nextBreakpointID),
	}
}

// serve reads and dispatches requests until the connection ends.
func (s *Session) serve(ctx context.Context) {
	go s.writeLoop()
	stop := context.AfterFunc(ctx, s.close)
	defer stop()

	r := dap.NewReader(s.conn)
	for {
		msg, err := r.Read()
		if err != nil {
			if !s.closed() && !errors.Is(err, io.EOF) {
				s.logger.Warn("read failed, closing connection", "error", err)
			}
			break
		}
		s.logger.Debug("received", "message", msg)
		if msg.Kind != dap.KindRequest {
			s.logger.Warn("ignoring non-request message", "message", msg)
			continue
		}
		if err := s.handle(msg); err != nil {
			s.logger.Error("request failed, closing connection", "command", msg.Command, "error", err)
			break
		}
	}
	s.close()
	<-s.writerDone
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case o := <-s.out:
			s.seq++
			o.msg.Seq = s.seq
			if err := dap.Write(s.conn, o.msg); err != nil {
				if !s.closed() {
					s.logger.Warn("write failed, closing connection", "error", err)
				}
				s.close()
				return
			}
			s.logger.Debug("sent", "message", o.msg)
			if o.then != nil {
				o.then()
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) enqueue(o outbound) {
	select {
	case s.out <- o:
	case <-s.done:
	}
}

func (s *Session) send(msg *dap.Message) {
	s.enqueue(outbound{msg: msg})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// close ends the connection and interrupts the active run.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()

		s.mu.Lock()
		r, w := s.run, s.watcher
		s.run, s.watcher = nil, nil
		s.mu.Unlock()
		if r != nil {
			r.stop()
		}
		if w != nil {
			_ = w.Close()
		}
	})
}

func (s *Session) output(text string) {
	s.send(dap.NewEvent("output").WithBody("output", text))
}

func (s *Session) stoppedEvent(threadID int64, reason, description string) {
	evt := dap.NewEvent("stopped").WithBody("reason", reason).WithBody("threadId", threadID)
	if description != "" {
		evt.WithBody("description", description)
	}
	s.send(evt)
}

func (s *Session) continuedEvent(threadID int64) {
	s.send(dap.NewEvent("continued").WithBody("threadId", threadID))
}

func (s *Session) frame(id int64) (*runner.ScenarioRuntime, error) {
	v, ok := s.frames.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoFrame, id)
	}
	return v.(*runner.ScenarioRuntime), nil
}

func (s *Session) thread(id int64) *Thread {
	v, ok := s.threads.Load(id)
	if !ok {
		return nil
	}
	return v.(*Thread)
}

func (s *Session) wakeAll() {
	s.threads.Range(func(_, v any) bool {
		v.(*Thread).wake()
		return true
	})
}

func (s *Session) isBreakpoint(step *runner.Step, sr *runner.ScenarioRuntime) bool {
	return s.breakpoints.IsBreakpoint(sr.Feature().Path, step.Line, sr.Vars, s.logger)
}

func (s *Session) preStep() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launch == nil {
		return ""
	}
	return s.launch.preStep
}

// evaluatePreStep runs the launch's pre-step in sr and reports the outcome
// on the debug console.
func (s *Session) evaluatePreStep(sr *runner.ScenarioRuntime) {
	pre := s.preStep()
	if pre == "" {
		return
	}
	if err := sr.EvalAsStep(pre); err != nil {
		s.output("[debug] pre-step failed: " + pre + " - " + err.Error())
		return
	}
	s.output("[debug] pre-step success: " + pre)
}

// start launches the configured run, interrupting any run in progress.
func (s *Session) start() {
	s.mu.Lock()
	lc := s.launch
	if lc == nil || s.closed() {
		s.mu.Unlock()
		s.logger.Warn("no launch to start")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{id: uuid.New(), ctx: ctx, cancel: cancel, done: make(chan struct{}), session: s}
	old := s.run
	s.run = r
	s.mu.Unlock()

	if old != nil {
		s.logger.Info("interrupting previous run", "run", old.id.String())
		old.stop()
	}
	go s.execute(r, *lc)
}

func (s *Session) execute(r *run, lc launchConfig) {
	defer close(r.done)
	logger := s.logger.With("run", r.id.String())
	logger.Info("run started", "target", lc.target)

	var results *runner.Results
	opts, err := lc.options()
	if err == nil {
		s.watch(opts.Paths)
		suite := &runner.Suite{Options: *opts, Hooks: r, Logger: logger}
		results, err = suite.Run(r.ctx)
	}
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("run interrupted")
	case err != nil:
		logger.Error("run failed", "error", err)
		s.output("[debug] run failed: " + err.Error() + "\n")
	default:
		total, failed := results.Counts()
		logger.Info("run finished", "scenarios", total, "failed", failed)
	}

	s.mu.Lock()
	current := s.run == r
	if current {
		s.run = nil
	}
	s.mu.Unlock()
	if current {
		s.exit()
	}
}

// watch replaces the source watcher when source watching is enabled.
func (s *Session) watch(paths []string) {
	if !s.server.cfg.WatchSources {
		return
	}
	files, err := runner.FeatureFiles(paths)
	if err != nil {
		s.logger.Warn("cannot watch sources", "error", err)
		return
	}
	w, err := runner.WatchSources(files,
		func(path string) {
			s.output("[debug] source changed: " + filepath.Base(path) + ", send restart to hot reload edited steps\n")
		},
		func(err error) {
			s.logger.Warn("source watcher error", "error", err)
		})
	if err != nil {
		s.logger.Warn("cannot watch sources", "error", err)
		return
	}

	s.mu.Lock()
	old := s.watcher
	s.watcher = w
	closed := s.closed()
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	if closed {
		_ = w.Close()
	}
}

// exit reports the end of the debug session. The connection is closed once
// the exited event is written; without keep-alive the server shuts down.
func (s *Session) exit() {
	then := func() {
		s.reset()
		s.close()
	}
	if !s.server.cfg.KeepAlive {
		then = func() {
			s.close()
			_ = s.server.Shutdown()
		}
	}
	s.enqueue(outbound{msg: dap.NewEvent("exited").WithBody("exitCode", 0), then: then})
}

// reset forgets breakpoints, threads, frames and the launch config.
func (s *Session) reset() {
	s.breakpoints.Clear()
	s.threads.Clear()
	s.frames.Clear()
	s.focused.Store(0)
	s.mu.Lock()
	s.launch = nil
	s.mu.Unlock()
}

// handle dispatches one request. An error closes the connection.
func (s *Session) handle(req *dap.Message) error {
	switch req.Command {
	case "initialize":
		return s.onInitialize(req)
	case "setBreakpoints":
		return s.onSetBreakpoints(req)
	case "launch":
		return s.onLaunch(req)
	case "threads":
		return s.onThreads(req)
	case "stackTrace":
		return s.onStackTrace(req)
	case "configurationDone":
		s.send(dap.NewResponse(req))
		return nil
	case "scopes":
		return s.onScopes(req)
	case "variables":
		return s.onVariables(req)
	case "next":
		return s.onThreadCommand(req, (*Thread).Next)
	case "stepIn":
		return s.onThreadCommand(req, (*Thread).StepIn)
	case "stepOut":
		return s.onThreadCommand(req, (*Thread).StepOut)
	case "continue":
		return s.onThreadCommand(req, (*Thread).Continue)
	case "stepBack", "reverseContinue":
		return s.onThreadCommand(req, (*Thread).StepBack)
	case "pause":
		return s.onPause(req)
	case "evaluate":
		return s.onEvaluate(req)
	case "restart":
		return s.onRestart(req)
	case "disconnect":
		return s.onDisconnect(req)
	default:
		s.logger.Warn("unknown command", "command", req.Command)
		s.send(dap.NewResponse(req))
		return nil
	}
}

func (s *Session) onInitialize(req *dap.Message) error {
	s.send(dap.NewResponse(req).
		WithBody("supportsConfigurationDoneRequest", true).
		WithBody("supportsRestartRequest", true).
		WithBody("supportsStepBack", true).
		WithBody("supportsVariableType", true).
		WithBody("supportsValueFormattingOptions", true).
		WithBody("supportsClipboardContext", true))
	s.send(dap.NewEvent("initialized"))
	s.output(fmt.Sprintf("debug server listening on port: %d\n", s.server.Port()))
	return nil
}

func (s *Session) onSetBreakpoints(req *dap.Message) error {
	sb, err := s.breakpoints.Set(req)
	if err != nil {
		return err
	}
	records := make([]godap.Breakpoint, 0, len(sb.Breakpoints))
	for _, b := range sb.Breakpoints {
		records = append(records, b.Record())
	}
	s.logger.Debug("breakpoints set", "path", sb.Path, "count", len(records))
	s.send(dap.NewResponse(req).WithBody("breakpoints", records))
	return nil
}

func (s *Session) onLaunch(req *dap.Message) error {
	opts, _, err := req.StringArg("karateOptions")
	if err != nil {
		return err
	}
	feature, _, err := req.StringArg("feature")
	if err != nil {
		return err
	}
	pre, _, err := req.StringArg("debugPreStep")
	if err != nil {
		return err
	}
	opts = strings.TrimSpace(opts)
	lc := &launchConfig{
		target:  strings.TrimSpace(opts + " " + strings.TrimSpace(feature)),
		single:  opts == "",
		preStep: strings.TrimSpace(pre),
	}
	if lc.target == "" {
		return fmt.Errorf("%s: one of feature or karateOptions is required", req.Command)
	}

	s.mu.Lock()
	s.launch = lc
	s.mu.Unlock()
	s.send(dap.NewResponse(req))
	s.start()
	return nil
}

func (s *Session) onThreads(req *dap.Message) error {
	var list []godap.Thread
	s.threads.Range(func(_, v any) bool {
		t := v.(*Thread)
		list = append(list, godap.Thread{Id: int(t.ID), Name: t.Name})
		return true
	})
	sort.Slice(list, func(i, j int) bool { return list[i].Id < list[j].Id })
	if list == nil {
		list = []godap.Thread{}
	}
	s.send(dap.NewResponse(req).WithBody("threads", list))
	return nil
}

func (s *Session) onStackTrace(req *dap.Message) error {
	id, _, err := req.ThreadID()
	if err != nil {
		return err
	}
	frames := []godap.StackFrame{}
	if t := s.thread(id); t != nil {
		ids := t.FrameIDs()
		for i := len(ids) - 1; i >= 0; i-- {
			sr, err := s.frame(ids[i])
			if err != nil {
				continue
			}
			frames = append(frames, stackFrame(ids[i], sr))
		}
	}
	s.send(dap.NewResponse(req).WithBody("stackFrames", frames))
	return nil
}

func (s *Session) onScopes(req *dap.Message) error {
	id, ok, err := req.IntArg("frameId")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: missing frameId", req.Command)
	}
	s.send(dap.NewResponse(req).WithBody("scopes", []godap.Scope{frameScope(id)}))
	return nil
}

func (s *Session) onVariables(req *dap.Message) error {
	ref, ok, err := req.IntArg("variablesReference")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: missing variablesReference", req.Command)
	}
	vars := []godap.Variable{}
	if sr, err := s.frame(ref); err == nil {
		s.focused.Store(ref)
		vars = variables(sr, s.logger)
	}
	s.send(dap.NewResponse(req).WithBody("variables", vars))
	return nil
}

func (s *Session) onThreadCommand(req *dap.Message, transition func(*Thread)) error {
	id, _, err := req.ThreadID()
	if err != nil {
		return err
	}
	s.send(dap.NewResponse(req))
	if t := s.thread(id); t != nil {
		transition(t)
		t.Resume()
	} else {
		s.logger.Warn("unknown thread", "command", req.Command, "threadId", id)
	}
	return nil
}

func (s *Session) onPause(req *dap.Message) error {
	id, _, err := req.ThreadID()
	if err != nil {
		return err
	}
	s.send(dap.NewResponse(req))
	if t := s.thread(id); t != nil {
		t.Pause()
	} else {
		s.logger.Warn("unknown thread", "command", req.Command, "threadId", id)
	}
	return nil
}

func (s *Session) onEvaluate(req *dap.Message) error {
	expression, ok, err := req.StringArg("expression")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: missing expression", req.Command)
	}
	frameID, ok, err := req.IntArg("frameId")
	if err != nil {
		return err
	}
	if !ok {
		frameID = s.focused.Load()
	}
	evalContext, _, err := req.StringArg("context")
	if err != nil {
		return err
	}

	s.send(dap.NewResponse(req).
		WithBody("result", s.evaluate(frameID, evalContext, expression)).
		WithBody("variablesReference", 0))
	return nil
}

func (s *Session) evaluate(frameID int64, evalContext, expression string) string {
	sr, err := s.frame(frameID)
	if err != nil {
		return "[error] " + err.Error()
	}
	if evalContext == ContextClipboard || evalContext == ContextHover {
		text, err := renderExpression(sr.Vars(), expression)
		if err != nil {
			return "[error] " + err.Error()
		}
		return text
	}
	s.evaluatePreStep(sr)
	if err := sr.EvalAsStep(expression); err != nil {
		return "[error] " + err.Error()
	}
	return "[done]"
}

func (s *Session) onRestart(req *dap.Message) error {
	reloaded := false
	if sr, err := s.frame(s.focused.Load()); err == nil {
		reloaded, err = sr.HotReload()
		if err != nil {
			s.logger.Warn("hot reload failed", "error", err)
			s.output("[debug] hot reload failed: " + err.Error())
		}
	}
	if reloaded {
		s.output("[debug] hot reload successful")
	} else {
		s.output("[debug] hot reload requested, but no steps edited")
	}
	s.send(dap.NewResponse(req))
	return nil
}

func (s *Session) onDisconnect(req *dap.Message) error {
	restart, _, err := req.BoolArg("restart")
	if err != nil {
		return err
	}
	if restart {
		s.send(dap.NewResponse(req))
		s.start()
		return nil
	}
	s.send(dap.NewResponse(req))
	s.mu.Lock()
	r := s.run
	s.run = nil
	s.mu.Unlock()
	if r != nil {
		r.stop()
	}
	s.exit()
	return nil
}
