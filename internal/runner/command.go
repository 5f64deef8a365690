package runner

import (
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/loykin/fxrunner/internal/metrics"
)

// DefaultCaptureWindow is how long SendAndCapture listens when no window is given.
const DefaultCaptureWindow = 1500 * time.Millisecond

// Send writes one command line to the running server. It reports false when
// no server is running or stdin rejected the write.
func (s *Supervisor) Send(command string) bool {
	s.mu.Lock()
	sess := s.session
	state := s.state
	s.mu.Unlock()
	if sess == nil || state != StateRunning {
		metrics.IncCommand(false)
		return false
	}

	if err := sess.write(command + "\n"); err != nil {
		s.log.Warn("write to server stdin failed", "session", sess.id, "error", err)
		metrics.IncCommand(false)
		sess.emit(Event{Kind: EventDisconnect, Err: err})
		return false
	}
	s.deps.Console.WriteCommand(command)
	metrics.IncCommand(true)
	return true
}

// SendAndCapture sends command and returns the stdout produced during the
// capture window, with ANSI escape sequences removed. Only one capture may be
// open at a time; a concurrent call reports false.
func (s *Supervisor) SendAndCapture(command string, window time.Duration) (string, bool) {
	if window <= 0 {
		window = DefaultCaptureWindow
	}
	cp, err := s.deps.Console.BeginCapture()
	if err != nil {
		metrics.IncCapture("busy")
		return "", false
	}
	if !s.Send(command) {
		cp.End()
		metrics.IncCapture("send_failed")
		return "", false
	}
	s.sleep(window)
	out := ansi.Strip(cp.End())
	metrics.IncCapture("ok")
	return out, true
}
