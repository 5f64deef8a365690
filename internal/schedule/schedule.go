// Package schedule restarts the server at configured times and announces
// the restart ahead of time.
package schedule

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/fxrunner/internal/metrics"
	"github.com/loykin/fxrunner/internal/notify"
	"github.com/loykin/fxrunner/internal/runner"
)

// Restarter is the supervisor surface the scheduler drives.
type Restarter interface {
	Restart(reason string) error
	State() runner.State
}

// Config lists restart times as cron expressions ("0 4 * * *") or
// descriptors ("@daily", "@every 6h"). Warnings are announced that many
// minutes before each restart.
type Config struct {
	Times    []string
	TimeZone string
	Warnings []int
	Reason   string
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler runs one cron entry per restart time. A tick is skipped while
// the server is not running or a previous scheduled restart is still in
// progress.
type Scheduler struct {
	sup       Restarter
	notifier  notify.Notifier
	messages  *notify.Translator
	log       *slog.Logger
	reason    string
	warnings  []time.Duration
	schedules []cron.Schedule
	loc       *time.Location
	now       func() time.Time

	cron    *cron.Cron
	running atomic.Bool

	mu      sync.Mutex
	timers  []*time.Timer
	started bool
}

// New validates cfg. It returns nil, nil when no times are configured.
func New(cfg Config, sup Restarter, n notify.Notifier, msgs *notify.Translator, log *slog.Logger) (*Scheduler, error) {
	if len(cfg.Times) == 0 {
		return nil, nil
	}
	if sup == nil {
		return nil, errors.New("schedule: restarter is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if n == nil {
		n = notify.LogNotifier{Log: log}
	}
	if msgs == nil {
		msgs = notify.NewTranslator("en")
	}

	loc := time.Local
	if cfg.TimeZone != "" {
		l, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("schedule timezone %q: %w", cfg.TimeZone, err)
		}
		loc = l
	}

	s := &Scheduler{
		sup:      sup,
		notifier: n,
		messages: msgs,
		log:      log.With("component", "schedule"),
		reason:   cfg.Reason,
		loc:      loc,
		now:      time.Now,
		cron:     cron.New(cron.WithLocation(loc), cron.WithParser(parser)),
	}
	if s.reason == "" {
		s.reason = msgs.T(notify.MsgScheduledReason)
	}
	for _, expr := range cfg.Times {
		sched, err := parser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", expr, err)
		}
		s.schedules = append(s.schedules, sched)
		s.cron.Schedule(sched, cron.FuncJob(s.fire))
	}
	for _, m := range cfg.Warnings {
		if m <= 0 {
			return nil, fmt.Errorf("schedule warning %d must be positive minutes", m)
		}
		s.warnings = append(s.warnings, time.Duration(m)*time.Minute)
	}
	slices.Sort(s.warnings)
	s.warnings = slices.Compact(s.warnings)
	return s, nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.cron.Start()
	s.arm()
	s.log.Info("restart schedule active", "next", s.Next(s.now()))
}

// Stop cancels pending warnings and waits for a running restart to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.started = false
	s.stopTimersLocked()
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// Next returns the earliest restart after t, or the zero time.
func (s *Scheduler) Next(t time.Time) time.Time {
	var next time.Time
	for _, sched := range s.schedules {
		n := sched.Next(t.In(s.loc))
		if next.IsZero() || (!n.IsZero() && n.Before(next)) {
			next = n
		}
	}
	return next
}

// arm schedules the warnings that precede the next restart.
func (s *Scheduler) arm() {
	now := s.now()
	next := s.Next(now)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimersLocked()
	if !s.started || next.IsZero() {
		metrics.SetNextRestart(0)
		return
	}
	metrics.SetNextRestart(float64(next.Unix()))
	for _, w := range s.warnings {
		at := next.Add(-w)
		if !at.After(now) {
			continue
		}
		minutes := int(w / time.Minute)
		s.timers = append(s.timers, time.AfterFunc(at.Sub(now), func() { s.warn(minutes) }))
	}
}

func (s *Scheduler) stopTimersLocked() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

func (s *Scheduler) warn(minutes int) {
	if s.sup.State() != runner.StateRunning {
		return
	}
	s.notifier.SendAnnouncement(s.messages.T(notify.MsgScheduledWarning, minutes))
}

// fire is the cron job for every restart time.
func (s *Scheduler) fire() {
	defer s.arm()
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("previous scheduled restart still running, tick skipped")
		metrics.IncScheduledRestart("skipped")
		return
	}
	defer s.running.Store(false)

	if st := s.sup.State(); st != runner.StateRunning {
		s.log.Info("server not running, scheduled restart skipped", "state", st.String())
		metrics.IncScheduledRestart("skipped")
		return
	}
	s.log.Info("scheduled restart")
	if err := s.sup.Restart(s.reason); err != nil {
		s.log.Error("scheduled restart failed", "error", err)
		metrics.IncScheduledRestart("failed")
		return
	}
	metrics.IncScheduledRestart("ok")
}
