package runner

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/fxrunner/internal/launch"
)

// Process is a started server process and its standard streams.
type Process interface {
	Pid() int
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits. Safe to call more than once.
	Wait() error
	// Terminate stops the process and its descendants.
	Terminate() error
}

// Starter creates OS processes from a resolved invocation.
type Starter interface {
	Start(inv launch.Invocation) (Process, error)
}

// DefaultGrace is how long Terminate waits before force killing.
const DefaultGrace = 5 * time.Second

// ExecStarter starts processes with os/exec in their own process group.
type ExecStarter struct {
	Env   []string
	Grace time.Duration
}

func (s ExecStarter) Start(inv launch.Invocation) (Process, error) {
	// #nosec G204
	cmd := exec.Command(inv.Shell, inv.Args...)
	cmd.Dir = inv.Dir
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd, inv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	grace := s.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		grace:  grace,
		done:   make(chan struct{}),
	}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	grace  time.Duration

	waitOnce sync.Once
	waitErr  error
	done     chan struct{} // closed when cmd.Wait returns
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.done)
	})
	<-p.done
	return p.waitErr
}

// Terminate asks the process tree to stop and force kills it after the grace
// period. It does not call Wait; the owner of the stream pump does.
func (p *execProcess) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	_ = p.stdin.Close()
	if err := terminateTree(p.Pid()); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
	}
	if err := killTree(p.Pid()); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
		return errors.New("process did not exit after kill")
	}
}
