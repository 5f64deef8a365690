package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/fxrunner/internal/console"
	"github.com/loykin/fxrunner/internal/history"
	"github.com/loykin/fxrunner/internal/launch"
	"github.com/loykin/fxrunner/internal/metrics"
	"github.com/loykin/fxrunner/internal/notify"
	"github.com/loykin/fxrunner/internal/priority"
)

// Config is the static server configuration the supervisor launches from.
type Config struct {
	Platform        launch.Platform
	Launch          launch.Options
	ProcessPriority string
	ForcePort       int
	RestartDelay    time.Duration
	KickAllCommand  string
}

const DefaultKickAllCommand = "txaKickAll"

// Timings are the fixed delays of the lifecycle.
type Timings struct {
	KickDelay        time.Duration // between the kick-all broadcast and termination
	PriorityDelay    time.Duration // between spawn and priority enforcement
	QuickExit        time.Duration // uptime below which an exit counts as a failed start
	FailedStartDelay time.Duration // before the failed start warning is emitted
}

func DefaultTimings() Timings {
	return Timings{
		KickDelay:        500 * time.Millisecond,
		PriorityDelay:    6 * time.Second,
		QuickExit:        5 * time.Second,
		FailedStartDelay: 500 * time.Millisecond,
	}
}

// Stager refreshes the injected resources before each spawn.
type Stager interface {
	Reset(ctx context.Context, baseDir string) error
	List(ctx context.Context, baseDir string) ([]string, error)
	Inject(ctx context.Context, baseDir string, names []string) error
}

// Console receives the server's output and the commands sent to it.
type Console interface {
	io.Writer
	Stderr() io.Writer
	WriteHeader(sessionID string)
	WriteCommand(cmd string)
	BeginCapture() (*console.Capture, error)
}

// Monitor observes stdout for stalls.
type Monitor interface {
	io.Writer
	ClearHitchCounter()
	Hitches() (count, worstMs int)
}

type CfgReader interface {
	ResolvePath(cfgPath, baseDir string) string
	ReadRaw(path string) (string, error)
	ExtractPort(text string) (int, error)
}

type PriorityEnforcer interface {
	Enforce(ctx context.Context, root int32, configured string) priority.Result
}

// Deps are the collaborators wired into a Supervisor. Starter, Console and
// CfgReader are required; the rest fall back to no-ops.
type Deps struct {
	Config    Config
	Starter   Starter
	Stager    Stager
	Console   Console
	Notifier  notify.Notifier
	Messages  *notify.Translator
	Monitor   Monitor
	CfgReader CfgReader
	Priority  PriorityEnforcer
	History   []history.Sink
	Logger    *slog.Logger
	// OnFatal is called when the server binary cannot be spawned at all.
	OnFatal func(error)
	Timings Timings
	Now     func() time.Time
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State        string        `json:"state"`
	PID          int           `json:"pid,omitempty"`
	Port         int           `json:"port,omitempty"`
	SessionID    string        `json:"session_id,omitempty"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	Resources    []string      `json:"resources,omitempty"`
	Hitches      int           `json:"hitches"`
	WorstHitchMs int           `json:"worst_hitch_ms"`
}

// Supervisor owns at most one server process at a time.
//
// Lock Hierarchy:
// 1. mu protects state, session and the last invocation
// 2. session.stdinMu serializes writes to the server's stdin
//
// mu is never held across blocking I/O or process termination.
type Supervisor struct {
	cfg     Config
	deps    Deps
	log     *slog.Logger
	timings Timings
	now     func() time.Time

	mu      sync.Mutex
	state   State
	session *session
	pending *pendingSpawn
	lastInv launch.Invocation
	closed  bool

	history     chan history.Event
	historyDone chan struct{}
	historyOff  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pendingSpawn is a spawn between Starting and Running. Kill cancels it.
type pendingSpawn struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// historyQueueSize bounds events waiting for slow sinks; overflow is dropped.
const historyQueueSize = 256

func New(deps Deps) (*Supervisor, error) {
	if deps.Starter == nil {
		return nil, errors.New("runner: Starter is required")
	}
	if deps.Console == nil {
		return nil, errors.New("runner: Console is required")
	}
	if deps.CfgReader == nil {
		return nil, errors.New("runner: CfgReader is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{Log: deps.Logger}
	}
	if deps.Messages == nil {
		deps.Messages = notify.NewTranslator("en")
	}
	if deps.OnFatal == nil {
		deps.OnFatal = func(error) {}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	t := DefaultTimings()
	if deps.Timings.KickDelay > 0 {
		t.KickDelay = deps.Timings.KickDelay
	}
	if deps.Timings.PriorityDelay > 0 {
		t.PriorityDelay = deps.Timings.PriorityDelay
	}
	if deps.Timings.QuickExit > 0 {
		t.QuickExit = deps.Timings.QuickExit
	}
	if deps.Timings.FailedStartDelay > 0 {
		t.FailedStartDelay = deps.Timings.FailedStartDelay
	}
	cfg := deps.Config
	if strings.TrimSpace(cfg.KickAllCommand) == "" {
		cfg.KickAllCommand = DefaultKickAllCommand
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.With("component", "runner"),
		timings: t,
		now:     deps.Now,
		state:   StateIdle,
		ctx:     ctx,
		cancel:  cancel,
	}
	if len(deps.History) > 0 {
		s.history = make(chan history.Event, historyQueueSize)
		s.historyDone = make(chan struct{})
		go s.drainHistory()
	}
	metrics.SetCurrentState(StateIdle.String(), allStates())
	return s, nil
}

// Spawn starts the server. Preconditions are checked before anything is
// mutated: the launch spec must build, base dir and config path must be set
// and no process may be held. When announce is true a "starting"
// announcement goes out before the process is created.
func (s *Supervisor) Spawn(announce bool) error {
	if _, err := launch.Build(s.cfg.Platform, s.cfg.Launch, nil); err != nil {
		return err
	}
	if strings.TrimSpace(s.cfg.Launch.BaseDir) == "" {
		return &ConfigError{Field: "base_path"}
	}
	if strings.TrimSpace(s.cfg.Launch.ConfigPath) == "" {
		return &ConfigError{Field: "cfg_path"}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.session != nil || s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	p := &pendingSpawn{}
	p.ctx, p.cancel = context.WithCancel(s.ctx)
	s.pending = p
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	err := s.spawn(p, announce)
	p.cancel()
	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
		if err != nil && s.session == nil {
			s.setStateLocked(StateIdle)
		}
	}
	s.mu.Unlock()
	return err
}

func (s *Supervisor) spawn(p *pendingSpawn, announce bool) error {
	baseDir := s.cfg.Launch.BaseDir

	resources, err := s.stage(p.ctx, baseDir)
	if p.ctx.Err() != nil {
		return s.abortSpawn(nil)
	}
	if err != nil {
		s.log.Error("resource staging failed, spawn aborted", "error", err)
		metrics.IncSpawnFailure("staging")
		return fmt.Errorf("stage resources: %w", err)
	}

	port, err := s.resolvePort()
	if err != nil {
		metrics.IncSpawnFailure("config")
		return err
	}

	if s.deps.Monitor != nil {
		s.deps.Monitor.ClearHitchCounter()
	}
	if announce {
		s.deps.Notifier.SendAnnouncement(s.deps.Messages.T(notify.MsgStarting))
	}

	inv, err := launch.Build(s.cfg.Platform, s.cfg.Launch, resources)
	if err != nil {
		metrics.IncSpawnFailure("launch")
		return err
	}
	if p.ctx.Err() != nil {
		return s.abortSpawn(nil)
	}
	s.log.Info("spawning server", "cmd", inv.String(), "dir", inv.Dir, "port", port)

	proc, err := s.deps.Starter.Start(inv)
	if err == nil && proc.Pid() <= 0 {
		_ = proc.Terminate()
		err = errors.New("process has no pid")
	}
	if err != nil {
		serr := &SpawnError{Cmd: inv.String(), Err: err}
		s.log.Error("server could not be spawned", "error", serr)
		metrics.IncSpawnFailure("start")
		s.deps.OnFatal(serr)
		return serr
	}

	sess := newSession(uuid.NewString(), proc, port, resources, s.now())
	if s.deps.Priority != nil {
		pid := int32(proc.Pid())
		sess.priorityTimer = time.AfterFunc(s.timings.PriorityDelay, func() {
			s.deps.Priority.Enforce(s.ctx, pid, s.cfg.ProcessPriority)
		})
	}

	s.mu.Lock()
	if s.pending != p {
		s.mu.Unlock()
		if sess.priorityTimer != nil {
			sess.priorityTimer.Stop()
		}
		return s.abortSpawn(proc)
	}
	s.session = sess
	s.lastInv = inv
	s.setStateLocked(StateRunning)
	s.mu.Unlock()
	metrics.IncSpawn()

	s.deps.Console.WriteHeader(sess.id)
	stdout := io.Writer(s.deps.Console)
	if s.deps.Monitor != nil {
		stdout = io.MultiWriter(s.deps.Console, s.deps.Monitor)
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		sess.pump(stdout, s.deps.Console.Stderr())
	}()
	go func() {
		defer s.wg.Done()
		s.watch(sess)
	}()

	s.log.Info("server started", "pid", proc.Pid(), "session", sess.id)
	s.record(history.Event{Type: history.EventSpawn, SessionID: sess.id, PID: proc.Pid(), Port: port})
	return nil
}

// abortSpawn ends a spawn cancelled by Kill, terminating proc when it was
// already created.
func (s *Supervisor) abortSpawn(proc Process) error {
	if proc != nil {
		// no pump owns this process, so reap it here
		go func() { _ = proc.Wait() }()
		if err := proc.Terminate(); err != nil {
			s.log.Warn("terminating aborted server", "pid", proc.Pid(), "error", err)
		}
	}
	s.log.Info("spawn aborted by kill")
	metrics.IncSpawnFailure("aborted")
	return ErrSpawnAborted
}

func (s *Supervisor) stage(ctx context.Context, baseDir string) ([]string, error) {
	if s.deps.Stager == nil {
		return nil, nil
	}
	if err := s.deps.Stager.Reset(ctx, baseDir); err != nil {
		return nil, err
	}
	names, err := s.deps.Stager.List(ctx, baseDir)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Stager.Inject(ctx, baseDir, names); err != nil {
		return nil, err
	}
	return names, nil
}

// resolvePort reads the listening port from the server config. A forced
// port replaces it only when the file cannot be parsed.
func (s *Supervisor) resolvePort() (int, error) {
	r := s.deps.CfgReader
	path := r.ResolvePath(s.cfg.Launch.ConfigPath, s.cfg.Launch.BaseDir)
	raw, err := r.ReadRaw(path)
	var port int
	if err == nil {
		port, err = r.ExtractPort(raw)
	}
	if err == nil {
		return port, nil
	}
	if s.cfg.ForcePort > 0 {
		s.log.Warn("using forced port", "port", s.cfg.ForcePort, "cfg", path, "error", err)
		return s.cfg.ForcePort, nil
	}
	return 0, &ConfigParseError{Path: path, Err: err}
}

// watch handles the session's lifecycle events until the process exits.
func (s *Supervisor) watch(sess *session) {
	log := s.log.With("session", sess.id, "pid", sess.proc.Pid())
	for ev := range sess.events {
		switch ev.Kind {
		case EventClose:
			log.Debug("server streams closed")
		case EventDisconnect:
			log.Warn("server stdin disconnected", "error", ev.Err)
		case EventError:
			log.Warn("server stream error", "stream", ev.Data, "error", ev.Err)
		case EventExit:
			close(sess.done)
			s.handleExit(sess, ev.Err, log)
			return
		}
	}
}

func (s *Supervisor) handleExit(sess *session, exitErr error, log *slog.Logger) {
	if sess.priorityTimer != nil {
		sess.priorityTimer.Stop()
	}
	uptime := s.now().Sub(sess.startedAt)
	quick := uptime < s.timings.QuickExit

	s.mu.Lock()
	if s.session == sess {
		s.session = nil
		s.setStateLocked(StateIdle)
	}
	s.mu.Unlock()

	metrics.IncExit(quick)
	log.Info("server exited", "uptime", uptime.Round(time.Millisecond), "error", exitErr)
	ev := history.Event{Type: history.EventExit, SessionID: sess.id, PID: sess.proc.Pid(), Port: sess.port}
	if exitErr != nil {
		ev.Error = exitErr.Error()
	}
	s.record(ev)

	if quick && !sess.stopRequested.Load() {
		time.AfterFunc(s.timings.FailedStartDelay, func() {
			if s.ctx.Err() != nil {
				return
			}
			log.Warn("server failed to start", "uptime", uptime.Round(time.Millisecond))
			s.deps.Notifier.SendAnnouncement(s.deps.Messages.T(notify.MsgFailedStart))
		})
	}
}

// Kill stops the running server. With a reason, players are notified and
// kicked first. The handle is always cleared, even when termination fails;
// the termination error is returned for logging only. A spawn still in
// Starting is cancelled and never reaches Running.
func (s *Supervisor) Kill(reason string) error {
	s.mu.Lock()
	sess := s.session
	if sess == nil {
		if p := s.pending; p != nil {
			s.pending = nil
			p.cancel()
			s.setStateLocked(StateIdle)
			s.log.Info("kill while starting, spawn cancelled", "reason", reason)
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	sess.stopRequested.Store(true)

	if reason != "" {
		s.deps.Notifier.SendAnnouncement(s.deps.Messages.T(notify.MsgStopping, reason))
		s.Send(fmt.Sprintf("%s %q", s.cfg.KickAllCommand, reason))
		s.sleep(s.timings.KickDelay)
	}

	s.mu.Lock()
	if s.session == sess {
		s.setStateLocked(StateStopping)
	}
	s.mu.Unlock()

	if sess.priorityTimer != nil {
		sess.priorityTimer.Stop()
	}
	termErr := sess.proc.Terminate()

	s.mu.Lock()
	if s.session == sess {
		s.session = nil
		s.setStateLocked(StateIdle)
	}
	s.mu.Unlock()

	metrics.IncKill()
	ev := history.Event{Type: history.EventKill, SessionID: sess.id, PID: sess.proc.Pid(), Port: sess.port, Reason: reason}
	if termErr != nil {
		ev.Error = termErr.Error()
		s.log.Warn("server termination reported an error", "pid", sess.proc.Pid(), "error", termErr)
		termErr = fmt.Errorf("terminate server: %w", termErr)
	}
	s.record(ev)
	return termErr
}

// Restart is Kill, then the restart delay, then a silent Spawn.
func (s *Supervisor) Restart(reason string) error {
	if err := s.Kill(reason); err != nil {
		s.log.Warn("kill before restart", "error", err)
	}
	s.sleep(s.cfg.RestartDelay)
	return s.Spawn(false)
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{State: s.state.String()}
	sess := s.session
	s.mu.Unlock()
	if sess != nil {
		st.PID = sess.proc.Pid()
		st.Port = sess.port
		st.SessionID = sess.id
		st.StartedAt = sess.startedAt
		st.Uptime = s.now().Sub(sess.startedAt)
		st.Resources = append([]string(nil), sess.resources...)
	}
	if s.deps.Monitor != nil {
		st.Hitches, st.WorstHitchMs = s.deps.Monitor.Hitches()
	}
	return st
}

// Invocation returns the launch used by the most recent spawn.
func (s *Supervisor) Invocation() launch.Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInv
}

// Close stops the server without announcement and waits for the session
// goroutines to finish. Later spawns fail with ErrClosed.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.Kill("")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.log.Warn("timed out waiting for server streams to close")
	}

	s.mu.Lock()
	q := s.history
	if !s.historyOff && q != nil {
		s.historyOff = true
		close(q)
	}
	s.mu.Unlock()
	if q != nil {
		select {
		case <-s.historyDone:
		case <-time.After(5 * time.Second):
			s.log.Warn("timed out flushing history events")
		}
	}
	return err
}

// setStateLocked updates state and its metrics. Callers hold mu.
func (s *Supervisor) setStateLocked(next State) {
	prev := s.state
	s.state = next
	metrics.RecordStateTransition(prev.String(), next.String())
}

// record queues ev for the history sinks without waiting on them.
func (s *Supervisor) record(ev history.Event) {
	ev.OccurredAt = s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil || s.historyOff {
		return
	}
	select {
	case s.history <- ev:
	default:
		s.log.Warn("history queue full, event dropped", "type", ev.Type, "session", ev.SessionID)
	}
}

func (s *Supervisor) drainHistory() {
	defer close(s.historyDone)
	for ev := range s.history {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		for _, h := range s.deps.History {
			if err := h.Send(ctx, ev); err != nil {
				s.log.Warn("history sink failed", "type", ev.Type, "error", err)
			}
		}
		cancel()
	}
}

// sleep waits for d or until the supervisor is closed.
func (s *Supervisor) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.ctx.Done():
	}
}
