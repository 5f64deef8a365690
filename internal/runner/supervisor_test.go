package runner

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fxrunner/internal/history"
	"github.com/loykin/fxrunner/internal/launch"
)

func TestSpawn_StartsAndReportsStatus(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.sup.Spawn(true))

	st := h.sup.Status()
	assert.Equal(t, "running", st.State)
	assert.Equal(t, 1001, st.PID)
	assert.Equal(t, 30120, st.Port)
	assert.NotEmpty(t, st.SessionID)
	assert.Equal(t, []string{"monitor", "chat"}, st.Resources)
	assert.Equal(t, 2, st.Hitches)
	assert.Equal(t, 250, st.WorstHitchMs)
	assert.Contains(t, h.console.Tail(), st.SessionID)
}

func TestSpawn_SideEffectOrder(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.sup.Spawn(true))
	assert.Equal(t, []string{"stage", "clear", "notify", "start"}, h.trace.list())
}

func TestSpawn_NoAnnouncementWhenSilent(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.sup.Spawn(false))
	assert.Empty(t, h.notifier.all())
	assert.Equal(t, int32(1), h.monitor.cleared.Load())
}

func TestSpawn_InvocationEnsuresStagedResources(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.sup.Spawn(false))
	inv := h.sup.Invocation()
	assert.Equal(t, "/bin/sh", inv.Shell)
	assert.Equal(t, "/srv/base", inv.Dir)
	require.Len(t, inv.Args, 2)
	assert.Equal(t, "/opt/fx/run.sh", inv.Args[0])
	exec := strings.Index(inv.Args[1], `+exec "server.cfg"`)
	first := strings.Index(inv.Args[1], `+ensure "monitor"`)
	second := strings.Index(inv.Args[1], `+ensure "chat"`)
	assert.True(t, exec >= 0 && exec < first && first < second, inv.Args[1])
}

func TestSpawn_AlreadyRunningKeepsIdentity(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Spawn(false))
	before := h.sup.Status()

	err := h.sup.Spawn(true)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	after := h.sup.Status()
	assert.Equal(t, before.PID, after.PID)
	assert.Equal(t, before.SessionID, after.SessionID)
	assert.Equal(t, 1, h.starter.calls())
}

func TestSpawn_ConfigErrorCreatesNoProcess(t *testing.T) {
	cases := map[string]func(*Config){
		"no base dir": func(c *Config) { c.Launch.BaseDir = "" },
		"no cfg path": func(c *Config) { c.Launch.ConfigPath = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, func(d *Deps) { mutate(&d.Config) })

			err := h.sup.Spawn(true)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, 0, h.starter.calls())
			assert.Empty(t, h.trace.list())
			assert.Equal(t, StateIdle, h.sup.State())
		})
	}
}

func TestSpawn_LaunchSpecMustBuild(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Config.Launch.ServerPath = "" })
	require.ErrorIs(t, h.sup.Spawn(false), launch.ErrMissingServerPath)

	h = newHarness(t, func(d *Deps) { d.Config.Platform = launch.Platform(0) })
	require.ErrorIs(t, h.sup.Spawn(false), launch.ErrUnsupportedPlatform)
	assert.Equal(t, 0, h.starter.calls())
}

func TestSpawn_StagingFailureAborts(t *testing.T) {
	h := newHarness(t, nil)
	h.stager.err = errBoom

	err := h.sup.Spawn(true)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, h.starter.calls())
	assert.Empty(t, h.notifier.all())
	assert.Equal(t, StateIdle, h.sup.State())
}

func TestSpawn_ForcedPortFallback(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.CfgReader = fakeCfg{err: errBoom}
		d.Config.ForcePort = 30121
	})
	require.NoError(t, h.sup.Spawn(false))
	assert.Equal(t, 30121, h.sup.Status().Port)
}

func TestSpawn_ParseErrorWithoutForcedPort(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.CfgReader = fakeCfg{err: errBoom} })

	err := h.sup.Spawn(false)
	var perr *ConfigParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "/srv/base/server.cfg", perr.Path)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, h.starter.calls())
	assert.Equal(t, StateIdle, h.sup.State())
}

func TestSpawn_StartFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.starter.err = errors.New("exec: no such file")

	err := h.sup.Spawn(false)
	var serr *SpawnError
	require.ErrorAs(t, err, &serr)
	got := h.fatal.Load()
	require.NotNil(t, got)
	assert.ErrorAs(t, *got, &serr)
	assert.True(t, IsFatal(*got))
	assert.Equal(t, StateIdle, h.sup.State())
	assert.False(t, IsFatal(ErrAlreadyRunning))
}

func TestSpawn_ZeroPidIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	p := newFakeProcess(0)
	h.starter.next = []*fakeProcess{p}

	var serr *SpawnError
	require.ErrorAs(t, h.sup.Spawn(false), &serr)
	assert.NotNil(t, h.fatal.Load())
	assert.Equal(t, int32(1), p.terminated.Load())
}

func TestSpawn_SchedulesPriorityEnforcement(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Spawn(false))

	require.Eventually(t, func() bool { return len(h.enforcer.calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1001), h.enforcer.calls()[0])
	assert.Equal(t, "high", h.enforcer.level)
}

func TestSpawn_InstantExitDoesNotEnforcePriority(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Timings.PriorityDelay = 200 * time.Millisecond })

	for i := 0; i < 20; i++ {
		p := newFakeProcess(2000 + i)
		p.exitNow(nil)
		h.starter.next = []*fakeProcess{p}
		require.NoError(t, h.sup.Spawn(false))
		require.Eventually(t, func() bool { return h.sup.State() == StateIdle }, time.Second, time.Millisecond)
	}

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, h.enforcer.calls())
}

func TestKill_DuringStartingCancelsSpawn(t *testing.T) {
	h := newHarness(t, nil)
	h.stager.entered = make(chan struct{})
	h.stager.block = make(chan struct{})

	spawnErr := make(chan error, 1)
	go func() { spawnErr <- h.sup.Spawn(false) }()

	select {
	case <-h.stager.entered:
	case <-time.After(time.Second):
		t.Fatal("spawn never reached staging")
	}
	assert.Equal(t, StateStarting, h.sup.State())

	require.NoError(t, h.sup.Kill("maint"))
	assert.Equal(t, StateIdle, h.sup.State())

	close(h.stager.block)
	select {
	case err := <-spawnErr:
		assert.ErrorIs(t, err, ErrSpawnAborted)
	case <-time.After(time.Second):
		t.Fatal("spawn did not return")
	}
	assert.Zero(t, h.starter.calls())
	assert.Equal(t, StateIdle, h.sup.State())

	// the supervisor is usable again
	h.stager.entered, h.stager.block = nil, nil
	require.NoError(t, h.sup.Spawn(false))
	assert.Equal(t, StateRunning, h.sup.State())
}

func TestKill_IdleIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Kill("whatever"))
	assert.Empty(t, h.notifier.all())
	assert.Equal(t, StateIdle, h.sup.State())
}

func TestKill_WithReasonNotifiesAndKicks(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Spawn(false))
	p := h.starter.proc(0)

	require.NoError(t, h.sup.Kill("maintenance"))

	assert.Equal(t, "txaKickAll \"maintenance\"\n", p.stdinText())
	assert.Equal(t, []string{"Server is stopping: maintenance"}, h.notifier.all())
	assert.Equal(t, int32(1), p.terminated.Load())
	assert.Equal(t, StateIdle, h.sup.State())
}

func TestKill_WithoutReasonSkipsKick(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Spawn(false))
	p := h.starter.proc(0)

	require.NoError(t, h.sup.Kill(""))
	assert.Empty(t, p.stdinText())
	assert.Empty(t, h.notifier.all())
}

func TestKill_TerminateErrorStillClearsHandle(t *testing.T) {
	h := newHarness(t, nil)
	p := newFakeProcess(77)
	p.termErr = errBoom
	p.keepAlive = true
	h.starter.next = []*fakeProcess{p}
	require.NoError(t, h.sup.Spawn(false))

	err := h.sup.Kill("")
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateIdle, h.sup.State())
	assert.Zero(t, h.sup.Status().PID)

	// a stuck handle must not block the next spawn
	require.NoError(t, h.sup.Spawn(false))
	assert.Equal(t, 2, h.starter.calls())

	// the stale session exiting later leaves the new one alone
	p.exitNow(nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateRunning, h.sup.State())
	assert.Equal(t, h.starter.proc(1).Pid(), h.sup.Status().PID)
}

func TestRestart_EquivalentToKillThenSpawn(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Spawn(true))
	first := h.sup.Status()

	require.NoError(t, h.sup.Restart("update"))

	second := h.sup.Status()
	assert.Equal(t, "running", second.State)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.PID, second.PID)
	assert.Equal(t, 2, h.starter.calls())
	assert.Equal(t, int32(1), h.starter.proc(0).terminated.Load())
	// only the explicit first spawn announces
	assert.Equal(t, []string{"Server is starting.", "Server is stopping: update"}, h.notifier.all())
}

func TestExit_QuickExitWarnsFailedStart(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Spawn(false))

	h.starter.proc(0).exitNow(errors.New("exit status 1"))

	require.Eventually(t, func() bool {
		msgs := h.notifier.all()
		return len(msgs) == 1 && strings.Contains(msgs[0], "exited right after launch")
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateIdle, h.sup.State())
}

func TestExit_RequestedStopDoesNotWarn(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Spawn(false))
	require.NoError(t, h.sup.Kill(""))

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.notifier.all())
}

func TestExit_LongRunningDoesNotWarn(t *testing.T) {
	var clock atomic.Int64
	clock.Store(1_700_000_000)
	h := newHarness(t, func(d *Deps) {
		d.Timings.QuickExit = 5 * time.Second
		d.Now = func() time.Time { return time.Unix(clock.Load(), 0) }
	})
	require.NoError(t, h.sup.Spawn(false))

	clock.Add(60)
	h.starter.proc(0).exitNow(nil)

	require.Eventually(t, func() bool { return h.sup.State() == StateIdle }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.notifier.all())
}

func TestHistory_RecordsLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Spawn(false))
	require.NoError(t, h.sup.Kill("bye"))

	require.Eventually(t, func() bool { return len(h.sink.types()) == 3 }, time.Second, 5*time.Millisecond)
	types := h.sink.types()
	assert.Equal(t, history.EventSpawn, types[0])
	assert.ElementsMatch(t, []history.EventType{history.EventKill, history.EventExit}, types[1:])
}

func TestHistory_SlowSinkDoesNotBlockLifecycle(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	h := newHarness(t, func(d *Deps) { d.History = []history.Sink{sink} })
	defer close(sink.release)

	require.NoError(t, h.sup.Spawn(false))

	start := time.Now()
	require.NoError(t, h.sup.Kill("bye"))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateIdle, h.sup.State())
}

func TestClose_SuppressesPendingFailedStartNotice(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Timings.FailedStartDelay = 100 * time.Millisecond })
	require.NoError(t, h.sup.Spawn(false))

	h.starter.proc(0).exitNow(errBoom)
	require.Eventually(t, func() bool { return h.sup.State() == StateIdle }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.sup.Close())

	time.Sleep(200 * time.Millisecond)
	for _, msg := range h.notifier.all() {
		assert.NotContains(t, msg, "exited right after launch")
	}
}

func TestClose_StopsServerAndRejectsSpawn(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Spawn(false))

	require.NoError(t, h.sup.Close())
	assert.Equal(t, StateIdle, h.sup.State())
	assert.ErrorIs(t, h.sup.Spawn(false), ErrClosed)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
	_, err = New(Deps{Starter: &fakeStarter{}})
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	expected := map[State]string{
		StateIdle:     "idle",
		StateStarting: "starting",
		StateRunning:  "running",
		StateStopping: "stopping",
		State(42):     "unknown",
	}
	for s, want := range expected {
		assert.Equal(t, want, s.String())
	}
}
