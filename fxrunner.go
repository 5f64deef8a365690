// Package fxrunner assembles the supervisor and its collaborators from a
// config file. It is the stable surface for embedding; cmd/fxrunner is a
// thin CLI over it.
package fxrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/fxrunner/internal/cfgfile"
	"github.com/loykin/fxrunner/internal/config"
	"github.com/loykin/fxrunner/internal/console"
	"github.com/loykin/fxrunner/internal/history"
	"github.com/loykin/fxrunner/internal/history/factory"
	"github.com/loykin/fxrunner/internal/launch"
	"github.com/loykin/fxrunner/internal/metrics"
	"github.com/loykin/fxrunner/internal/monitor"
	"github.com/loykin/fxrunner/internal/notify"
	"github.com/loykin/fxrunner/internal/priority"
	"github.com/loykin/fxrunner/internal/runner"
	"github.com/loykin/fxrunner/internal/schedule"
	"github.com/loykin/fxrunner/internal/server"
	"github.com/loykin/fxrunner/internal/staging"
	itls "github.com/loykin/fxrunner/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.FileConfig

type Status = runner.Status

type State = runner.State

type Invocation = launch.Invocation

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Options customise NewHost. Zero values select the production wiring.
type Options struct {
	// Logger for supervisor logs. Nil builds one from [log], teeing to
	// stderr and the rotating daemon log.
	Logger *slog.Logger
	// Starter overrides process creation, mainly for tests.
	Starter runner.Starter
	// OnFatal receives errors that leave the host unable to run the server.
	OnFatal func(error)
	// Registerer receives the Prometheus collectors; nil uses the default registry.
	Registerer prometheus.Registerer
	Timings    runner.Timings
}

// Host owns a Supervisor plus everything around it: console log, history
// sinks, usage sampling, scheduled restarts and the control API.
type Host struct {
	cfg     *Config
	log     *slog.Logger
	sup     *runner.Supervisor
	console *console.Console
	usage   *metrics.UsageCollector
	sched   *schedule.Scheduler
	router  *server.Router

	closers []io.Closer

	mu     sync.Mutex
	api    *http.Server
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewHost wires a Supervisor from cfg. Nothing is started until Start.
func NewHost(cfg *Config, opts Options) (*Host, error) {
	if cfg == nil {
		return nil, errors.New("fxrunner: config is required")
	}
	h := &Host{cfg: cfg}
	h.ctx, h.cancel = context.WithCancel(context.Background())

	lc := cfg.LoggerConfig()
	h.log = opts.Logger
	if h.log == nil {
		var w io.Writer = os.Stderr
		if dw := lc.File.DaemonWriter(); dw != nil {
			w = io.MultiWriter(os.Stderr, dw)
			h.closers = append(h.closers, dw)
		}
		h.log = lc.NewLogger(w)
	}

	platform, err := launch.CurrentPlatform()
	if err != nil {
		h.closeAll()
		return nil, err
	}

	serverEnv, err := cfg.ServerEnv()
	if err != nil {
		h.closeAll()
		return nil, err
	}
	starter := opts.Starter
	if starter == nil {
		starter = runner.ExecStarter{Env: serverEnv}
	}

	if cfg.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			h.log.Warn("failed to register metrics", "error", err)
		}
	}

	h.console = console.New(console.Options{File: lc.File.ConsoleWriter(), TailBytes: cfg.Log.TailBytes})
	h.closers = append(h.closers, h.console)

	sinks, err := h.openSinks()
	if err != nil {
		h.closeAll()
		return nil, err
	}

	notifiers := notify.Multi{notify.LogNotifier{Log: h.log}}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.Notify.WebhookURL, h.log))
	}
	messages := notify.NewTranslator(cfg.Notify.Language)

	sup, err := runner.New(runner.Deps{
		Config: runner.Config{
			Platform:        platform,
			Launch:          cfg.LaunchOptions(),
			ProcessPriority: cfg.Server.ProcessPriority,
			ForcePort:       cfg.Server.ForcePort,
			RestartDelay:    cfg.Server.RestartDelay,
			KickAllCommand:  cfg.Server.KickAllCommand,
		},
		Starter:   starter,
		Stager:    staging.New(cfg.Staging.SourceDir, cfg.Staging.TargetName, h.log),
		Console:   h.console,
		Notifier:  notifiers,
		Messages:  messages,
		Monitor:   monitor.NewHitchMonitor(),
		CfgReader: cfgfile.Reader{},
		Priority:  priority.NewEnforcer(h.log),
		History:   sinks,
		Logger:    h.log,
		OnFatal:   opts.OnFatal,
		Timings:   opts.Timings,
	})
	if err != nil {
		h.closeAll()
		return nil, err
	}
	h.sup = sup

	h.sched, err = schedule.New(cfg.ScheduleOptions(), sup, notifiers, messages, h.log)
	if err != nil {
		_ = sup.Close()
		h.closeAll()
		return nil, err
	}

	routerOpts := []server.Option{server.WithLogger(h.log)}
	if cfg.API.Token != "" {
		routerOpts = append(routerOpts, server.WithToken(cfg.API.Token))
	}
	if cfg.Metrics.Enabled {
		routerOpts = append(routerOpts, server.WithMetrics())
		if cfg.Metrics.UsageInterval > 0 {
			h.usage = metrics.NewUsageCollector(metrics.UsageConfig{
				Interval:    cfg.Metrics.UsageInterval,
				HistorySize: cfg.Metrics.UsageHistory,
			}, h.serverTree)
			routerOpts = append(routerOpts, server.WithUsage(h.usage))
		}
	}
	h.router = server.NewRouter(sup, h.console, cfg.API.BasePath, routerOpts...)
	return h, nil
}

func (h *Host) openSinks() ([]history.Sink, error) {
	if !h.cfg.History.Enabled {
		return nil, nil
	}
	var sinks []history.Sink
	for _, dsn := range h.cfg.History.Sinks {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		if c, ok := s.(io.Closer); ok {
			h.closers = append(h.closers, c)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// serverTree lists the running server and its descendants for usage sampling.
func (h *Host) serverTree() []int32 {
	pid := h.sup.Status().PID
	if pid <= 0 {
		return nil
	}
	tree, err := priority.ProcessTree{}.Tree(h.ctx, int32(pid))
	if err != nil {
		return []int32{int32(pid)}
	}
	return tree
}

// Start serves the API (when enabled), starts usage sampling and the restart
// schedule, and schedules the autostart spawn. API bind errors are returned.
func (h *Host) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return runner.ErrClosed
	}

	if h.cfg.API.Enabled {
		tlsCfg, err := itls.Setup(h.cfg.API.TLS)
		if err != nil {
			return fmt.Errorf("api tls: %w", err)
		}
		srv, err := server.NewServer(h.cfg.API.Listen, h.router.Handler(), tlsCfg, h.log)
		if err != nil {
			return fmt.Errorf("api listen %s: %w", h.cfg.API.Listen, err)
		}
		h.api = srv
		h.log.Info("control api listening", "addr", srv.Addr, "base", h.cfg.API.BasePath, "tls", tlsCfg != nil)
	}

	if h.usage != nil {
		h.usage.Start(h.ctx)
	}
	if h.sched != nil {
		h.sched.Start()
	}

	if h.cfg.Server.Autostart {
		delay := h.cfg.Server.AutostartDelay
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if delay > 0 {
				t := time.NewTimer(delay)
				defer t.Stop()
				select {
				case <-h.ctx.Done():
					return
				case <-t.C:
				}
			}
			if err := h.sup.Spawn(true); err != nil {
				h.log.Error("autostart failed", "error", err, "fatal", runner.IsFatal(err))
			}
		}()
	}
	return nil
}

func (h *Host) Supervisor() *runner.Supervisor { return h.sup }

// Handler returns the control API handler for mounting in another server.
func (h *Host) Handler() http.Handler { return h.router.Handler() }

// APIAddr returns the bound API address, or "" when the API is not serving.
func (h *Host) APIAddr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.api == nil {
		return ""
	}
	return h.api.Addr
}

func (h *Host) Logger() *slog.Logger { return h.log }

// Close stops the API, kills the server and releases sinks and log files.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	api := h.api
	h.mu.Unlock()

	h.cancel()
	var errs []error
	if api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, api.Shutdown(ctx))
		cancel()
	}
	h.wg.Wait()
	if h.sched != nil {
		h.sched.Stop()
	}
	if h.usage != nil {
		h.usage.Stop()
	}
	errs = append(errs, h.sup.Close())
	errs = append(errs, h.closeAll())
	return errors.Join(errs...)
}

func (h *Host) closeAll() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		errs = append(errs, h.closers[i].Close())
	}
	h.closers = nil
	return errors.Join(errs...)
}

// LaunchSpec resolves the invocation the supervisor would run, listing
// resources from the staging source without touching the server directory.
func LaunchSpec(cfg *Config) (Invocation, error) {
	platform, err := launch.CurrentPlatform()
	if err != nil {
		return Invocation{}, err
	}
	st := staging.New(cfg.Staging.SourceDir, cfg.Staging.TargetName, nil)
	resources, err := st.List(context.Background(), cfg.Server.BasePath)
	if err != nil {
		return Invocation{}, err
	}
	return launch.Build(platform, cfg.LaunchOptions(), resources)
}

// DetectPort reads the server config the way a spawn does, including the
// forced port fallback.
func DetectPort(cfg *Config) (int, error) {
	r := cfgfile.Reader{}
	path := r.ResolvePath(cfg.Server.CfgPath, cfg.Server.BasePath)
	raw, err := r.ReadRaw(path)
	var port int
	if err == nil {
		port, err = r.ExtractPort(raw)
	}
	if err == nil {
		return port, nil
	}
	if cfg.Server.ForcePort > 0 {
		return cfg.Server.ForcePort, nil
	}
	return 0, &runner.ConfigParseError{Path: path, Err: err}
}
