package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fxrunner"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	spawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "spawns_total",
			Help:      "Number of successful server spawns.",
		},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "spawn_failures_total",
			Help:      "Number of rejected or failed spawn attempts by reason.",
		}, []string{"reason"},
	)
	kills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "kills_total",
			Help:      "Number of kill requests that tore down a running server.",
		},
	)
	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "exits_total",
			Help:      "Observed server exits; quick=true when the server died right after spawn.",
		}, []string{"quick"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "sent_total",
			Help:      "Commands written to the server stdin by result.",
		}, []string{"result"},
	)
	captures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "capture_windows_total",
			Help:      "Capture windows opened by result (ok, busy, send_failed).",
		}, []string{"result"},
	)
	priorityApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "priority",
			Name:      "applied_total",
			Help:      "Processes whose scheduling priority was changed.",
		}, []string{"level"},
	)
	priorityFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "priority",
			Name:      "failures_total",
			Help:      "Priority enforcement warnings by stage.",
		}, []string{"stage"},
	)
	scheduledRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "restarts_total",
			Help:      "Scheduled restart ticks by result (ok, skipped, failed).",
		}, []string{"result"},
	)
	nextRestart = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "next_restart_timestamp_seconds",
			Help:      "Unix time of the next scheduled restart (0 when none).",
		},
	)
	hitches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "hitches",
			Help:      "Hitch warnings reported by the server since the last spawn.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		spawns, spawnFailures, kills, exits, stateTransitions, currentState,
		commands, captures, priorityApplied, priorityFailures, hitches,
		usageCPU, usageMemory, usageThreads, usageProcesses,
		scheduledRestarts, nextRestart,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn() {
	if regOK.Load() {
		spawns.Inc()
	}
}

func IncSpawnFailure(reason string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(reason).Inc()
	}
}

func IncKill() {
	if regOK.Load() {
		kills.Inc()
	}
}

func IncExit(quick bool) {
	if regOK.Load() {
		if quick {
			exits.WithLabelValues("true").Inc()
		} else {
			exits.WithLabelValues("false").Inc()
		}
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
		currentState.WithLabelValues(from).Set(0)
		currentState.WithLabelValues(to).Set(1)
	}
}

func IncCommand(ok bool) {
	if regOK.Load() {
		if ok {
			commands.WithLabelValues("ok").Inc()
		} else {
			commands.WithLabelValues("failed").Inc()
		}
	}
}

func IncCapture(result string) {
	if regOK.Load() {
		captures.WithLabelValues(result).Inc()
	}
}

func AddPriorityApplied(level string, n int) {
	if regOK.Load() && n > 0 {
		priorityApplied.WithLabelValues(level).Add(float64(n))
	}
}

func IncPriorityFailure(stage string) {
	if regOK.Load() {
		priorityFailures.WithLabelValues(stage).Inc()
	}
}

func SetHitches(n int) {
	if regOK.Load() {
		hitches.Set(float64(n))
	}
}

// SetCurrentState marks state as the only active supervisor state.
func SetCurrentState(state string, all []string) {
	if regOK.Load() {
		for _, s := range all {
			currentState.WithLabelValues(s).Set(0)
		}
		currentState.WithLabelValues(state).Set(1)
	}
}

func IncScheduledRestart(result string) {
	if regOK.Load() {
		scheduledRestarts.WithLabelValues(result).Inc()
	}
}

func SetNextRestart(unix float64) {
	if regOK.Load() {
		nextRestart.Set(unix)
	}
}
