package runner

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind classifies a session lifecycle event.
type EventKind int

const (
	EventClose      EventKind = iota // stdout and stderr reached EOF
	EventDisconnect                  // stdin is no longer writable
	EventError                       // stream copy failed
	EventExit                        // process exited
)

func (k EventKind) String() string {
	switch k {
	case EventClose:
		return "close"
	case EventDisconnect:
		return "disconnect"
	case EventError:
		return "error"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Err  error
	Data string
}

// session is one spawned server process. Its event channel is drained by a
// single watcher goroutine that returns after EventExit.
type session struct {
	id        string
	proc      Process
	port      int
	startedAt time.Time
	resources []string

	events        chan Event
	done          chan struct{}
	stopRequested atomic.Bool

	stdinMu       sync.Mutex
	priorityTimer *time.Timer
}

func newSession(id string, proc Process, port int, resources []string, now time.Time) *session {
	return &session{
		id:        id,
		proc:      proc,
		port:      port,
		startedAt: now,
		resources: resources,
		events:    make(chan Event, 8),
		done:      make(chan struct{}),
	}
}

// emit delivers ev unless the session already finished.
func (ss *session) emit(ev Event) {
	select {
	case ss.events <- ev:
	case <-ss.done:
	}
}

func (ss *session) write(p string) error {
	ss.stdinMu.Lock()
	defer ss.stdinMu.Unlock()
	w := ss.proc.Stdin()
	if w == nil {
		return io.ErrClosedPipe
	}
	_, err := io.WriteString(w, p)
	return err
}

// pump copies the process streams into stdout/stderr, then waits for the
// process and reports EventClose and EventExit in that order.
func (ss *session) pump(stdout, stderr io.Writer) {
	var wg sync.WaitGroup
	copyStream := func(dst io.Writer, src io.Reader, name string) {
		defer wg.Done()
		if src == nil {
			return
		}
		if _, err := io.Copy(dst, src); err != nil && !isClosedStream(err) {
			ss.emit(Event{Kind: EventError, Err: err, Data: name})
		}
	}
	wg.Add(2)
	go copyStream(stdout, ss.proc.Stdout(), "stdout")
	go copyStream(stderr, ss.proc.Stderr(), "stderr")
	wg.Wait()
	ss.emit(Event{Kind: EventClose})

	err := ss.proc.Wait()
	ss.emit(Event{Kind: EventExit, Err: err})
}

func isClosedStream(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
