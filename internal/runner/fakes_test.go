package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/fxrunner/internal/console"
	"github.com/loykin/fxrunner/internal/history"
	"github.com/loykin/fxrunner/internal/launch"
	"github.com/loykin/fxrunner/internal/priority"
)

// trace records the order in which collaborators were called.
type trace struct {
	mu    sync.Mutex
	steps []string
}

func (t *trace) add(s string) {
	t.mu.Lock()
	t.steps = append(t.steps, s)
	t.mu.Unlock()
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

type fakeProcess struct {
	pid     int
	termErr error
	// keepAlive makes Terminate report termErr without ending the process
	keepAlive bool
	// respond is called with each stdin line; its result is written to stdout
	respond  func(line string) string
	stdinErr error

	mu    sync.Mutex
	stdin bytes.Buffer

	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter

	once       sync.Once
	exit       chan struct{}
	exitErr    error
	terminated atomic.Int32
}

func newFakeProcess(pid int) *fakeProcess {
	p := &fakeProcess{pid: pid, exit: make(chan struct{})}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	return p
}

func (p *fakeProcess) Pid() int          { return p.pid }
func (p *fakeProcess) Stdin() io.Writer  { return fakeStdin{p} }
func (p *fakeProcess) Stdout() io.Reader { return p.outR }
func (p *fakeProcess) Stderr() io.Reader { return p.errR }

func (p *fakeProcess) Wait() error {
	<-p.exit
	return p.exitErr
}

func (p *fakeProcess) Terminate() error {
	p.terminated.Add(1)
	if !p.keepAlive {
		p.exitNow(nil)
	}
	return p.termErr
}

func (p *fakeProcess) exitNow(err error) {
	p.once.Do(func() {
		p.exitErr = err
		_ = p.outW.Close()
		_ = p.errW.Close()
		close(p.exit)
	})
}

func (p *fakeProcess) stdinText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.String()
}

type fakeStdin struct{ p *fakeProcess }

func (w fakeStdin) Write(b []byte) (int, error) {
	if w.p.stdinErr != nil {
		return 0, w.p.stdinErr
	}
	w.p.mu.Lock()
	w.p.stdin.Write(b)
	w.p.mu.Unlock()
	if w.p.respond != nil {
		if out := w.p.respond(string(b)); out != "" {
			_, _ = w.p.outW.Write([]byte(out))
		}
	}
	return len(b), nil
}

type fakeStarter struct {
	mu    sync.Mutex
	trace *trace
	next  []*fakeProcess
	err   error
	invs  []launch.Invocation
	procs []*fakeProcess
	pid   int
}

func (s *fakeStarter) Start(inv launch.Invocation) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trace != nil {
		s.trace.add("start")
	}
	s.invs = append(s.invs, inv)
	if s.err != nil {
		return nil, s.err
	}
	var p *fakeProcess
	if len(s.next) > 0 {
		p, s.next = s.next[0], s.next[1:]
	} else {
		s.pid++
		p = newFakeProcess(1000 + s.pid)
	}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeStarter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invs)
}

func (s *fakeStarter) proc(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

type fakeStager struct {
	names []string
	err   error
	trace *trace

	// when set, Reset signals entered and waits for block to close
	entered chan struct{}
	block   chan struct{}
}

func (s *fakeStager) Reset(context.Context, string) error {
	if s.trace != nil {
		s.trace.add("stage")
	}
	if s.entered != nil {
		close(s.entered)
	}
	if s.block != nil {
		<-s.block
	}
	return s.err
}
func (s *fakeStager) List(context.Context, string) ([]string, error) { return s.names, nil }
func (s *fakeStager) Inject(context.Context, string, []string) error { return nil }

type fakeCfg struct {
	port int
	err  error
}

func (fakeCfg) ResolvePath(cfgPath, baseDir string) string { return baseDir + "/" + cfgPath }
func (c fakeCfg) ReadRaw(string) (string, error)          { return "endpoint_add_tcp", c.err }
func (c fakeCfg) ExtractPort(string) (int, error)         { return c.port, nil }

type fakeMonitor struct {
	io.Writer
	cleared atomic.Int32
	trace   *trace
}

func (m *fakeMonitor) ClearHitchCounter() {
	m.cleared.Add(1)
	if m.trace != nil {
		m.trace.add("clear")
	}
}
func (m *fakeMonitor) Hitches() (int, int) { return 2, 250 }

type recordingNotifier struct {
	mu    sync.Mutex
	msgs  []string
	trace *trace
}

func (n *recordingNotifier) SendAnnouncement(msg string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	if n.trace != nil {
		n.trace.add("notify")
	}
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

type fakeEnforcer struct {
	mu    sync.Mutex
	roots []int32
	level string
}

func (e *fakeEnforcer) Enforce(_ context.Context, root int32, configured string) priority.Result {
	e.mu.Lock()
	e.roots = append(e.roots, root)
	e.level = configured
	e.mu.Unlock()
	return priority.Result{}
}

func (e *fakeEnforcer) calls() []int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int32(nil), e.roots...)
}

type memorySink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memorySink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

type blockingSink struct {
	release chan struct{}
}

func (b *blockingSink) Send(ctx context.Context, _ history.Event) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memorySink) types() []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	sup      *Supervisor
	starter  *fakeStarter
	stager   *fakeStager
	console  *console.Console
	monitor  *fakeMonitor
	notifier *recordingNotifier
	enforcer *fakeEnforcer
	sink     *memorySink
	trace    *trace
	fatal    atomic.Pointer[error]
}

func testConfig() Config {
	return Config{
		Platform: launch.PlatformPOSIX,
		Launch: launch.Options{
			ServerPath: "/opt/fx",
			ConfigPath: "server.cfg",
			BaseDir:    "/srv/base",
		},
		ProcessPriority: "high",
	}
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	tr := &trace{}
	h := &harness{
		starter:  &fakeStarter{trace: tr},
		stager:   &fakeStager{names: []string{"monitor", "chat"}, trace: tr},
		console:  console.New(console.Options{}),
		monitor:  &fakeMonitor{Writer: io.Discard, trace: tr},
		notifier: &recordingNotifier{trace: tr},
		enforcer: &fakeEnforcer{},
		sink:     &memorySink{},
		trace:    tr,
	}
	deps := Deps{
		Config:    testConfig(),
		Starter:   h.starter,
		Stager:    h.stager,
		Console:   h.console,
		Notifier:  h.notifier,
		Monitor:   h.monitor,
		CfgReader: fakeCfg{port: 30120},
		Priority:  h.enforcer,
		History:   []history.Sink{h.sink},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnFatal:   func(err error) { h.fatal.Store(&err) },
		Timings: Timings{
			KickDelay:        time.Millisecond,
			PriorityDelay:    time.Millisecond,
			QuickExit:        time.Hour,
			FailedStartDelay: time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&deps)
	}
	sup, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.sup = sup
	t.Cleanup(func() { _ = sup.Close() })
	return h
}

var errBoom = errors.New("boom")
