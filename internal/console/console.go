// Package console records the server's output streams: a rotating file on
// disk, a bounded in-memory tail for the API, and exclusive capture windows
// used to return command output to callers.
package console

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCaptureBusy is returned when a capture window is already open.
var ErrCaptureBusy = errors.New("capture window already open")

const DefaultTailBytes = 256 * 1024

type Options struct {
	File      io.WriteCloser // optional persistent sink (lumberjack in production)
	TailBytes int
	Now       func() time.Time
}

// Console is safe for concurrent writers. Writes never fail: a broken file
// sink must not back-pressure the server's pipes.
type Console struct {
	mu      sync.Mutex
	file    io.WriteCloser
	tail    []byte
	tailMax int
	now     func() time.Time

	busy    atomic.Bool
	capture *Capture
}

func New(opts Options) *Console {
	c := &Console{file: opts.File, tailMax: opts.TailBytes, now: opts.Now}
	if c.tailMax <= 0 {
		c.tailMax = DefaultTailBytes
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// WriteHeader marks the start of a new server session.
func (c *Console) WriteHeader(sessionID string) {
	line := fmt.Sprintf("\n=== server session %s started at %s ===\n", sessionID, c.now().Format(time.RFC3339))
	c.append([]byte(line), false)
}

// Write records a chunk of the server's stdout. It feeds an open capture window.
func (c *Console) Write(p []byte) (int, error) {
	c.append(p, true)
	return len(p), nil
}

// WriteError records a chunk of the server's stderr.
func (c *Console) WriteError(p []byte) (int, error) {
	c.append(p, false)
	return len(p), nil
}

// Stderr adapts WriteError to io.Writer.
func (c *Console) Stderr() io.Writer { return writerFunc(c.WriteError) }

// WriteCommand records a command sent to the server, tagged so it is not
// mistaken for server output when the log is replayed.
func (c *Console) WriteCommand(cmd string) {
	c.append([]byte("> "+strings.TrimRight(cmd, "\r\n")+"\n"), false)
}

// Tail returns the buffered recent output.
func (c *Console) Tail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.tail)
}

// Capturing reports whether a capture window is open.
func (c *Console) Capturing() bool { return c.busy.Load() }

// BeginCapture opens the single capture window. Callers must End it.
func (c *Console) BeginCapture() (*Capture, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrCaptureBusy
	}
	cp := &Capture{c: c}
	c.mu.Lock()
	c.capture = cp
	c.mu.Unlock()
	return cp, nil
}

func (c *Console) Close() error {
	c.mu.Lock()
	f := c.file
	c.file = nil
	c.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

func (c *Console) append(p []byte, stdout bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file != nil {
		_, _ = c.file.Write(p)
	}
	if stdout && c.capture != nil {
		c.capture.buf.Write(p)
	}
	c.tail = append(c.tail, p...)
	if over := len(c.tail) - c.tailMax; over > 0 {
		c.tail = append(c.tail[:0], c.tail[over:]...)
	}
}

// Capture accumulates stdout between BeginCapture and End.
type Capture struct {
	c     *Console
	buf   strings.Builder
	ended bool
}

// End closes the window and returns the raw captured text. Safe to call twice.
func (cp *Capture) End() string {
	cp.c.mu.Lock()
	if cp.ended {
		s := cp.buf.String()
		cp.c.mu.Unlock()
		return s
	}
	cp.ended = true
	if cp.c.capture == cp {
		cp.c.capture = nil
	}
	s := cp.buf.String()
	cp.c.mu.Unlock()
	cp.c.busy.Store(false)
	return s
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
