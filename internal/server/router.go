package server

import (
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fxrunner/internal/launch"
	"github.com/loykin/fxrunner/internal/metrics"
	"github.com/loykin/fxrunner/internal/runner"
)

// Controller is the supervisor surface exposed over HTTP.
type Controller interface {
	Spawn(announce bool) error
	Kill(reason string) error
	Restart(reason string) error
	Send(command string) bool
	SendAndCapture(command string, window time.Duration) (string, bool)
	Status() runner.Status
}

// TailSource serves the recent console output.
type TailSource interface {
	Tail() string
}

// UsageSource serves sampled resource usage of the server process tree.
type UsageSource interface {
	Latest() (metrics.UsageSample, bool)
	History() []metrics.UsageSample
}

// maxCaptureWindow bounds capture_ms so a request cannot hold the capture indefinitely.
const maxCaptureWindow = 30 * time.Second

// Router provides embeddable HTTP handlers for controlling the server.
// Endpoints:
//
//	POST {basePath}/spawn      query: announce=true|false (default true)
//	POST {basePath}/kill       query: reason=... (optional)
//	POST {basePath}/restart    query: reason=... (optional)
//	POST {basePath}/command    body: {"command": "...", "capture": bool, "capture_ms": int}
//	GET  {basePath}/status
//	GET  {basePath}/console    plain text tail of the server console
//	GET  {basePath}/usage      sampled CPU/memory of the server tree (when enabled)
//	GET  {basePath}/metrics    Prometheus exposition (when enabled)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	tail     TailSource
	basePath string
	token    string
	metrics  bool
	usage    UsageSource
	log      *slog.Logger
}

type Option func(*Router)

// WithToken requires "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option { return func(r *Router) { r.token = token } }

// WithMetrics mounts the Prometheus handler under the base path.
func WithMetrics() Option { return func(r *Router) { r.metrics = true } }

// WithUsage mounts GET /usage.
func WithUsage(u UsageSource) Option { return func(r *Router) { r.usage = u } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(ctl Controller, tail TailSource, basePath string, opts ...Option) *Router {
	r := &Router{ctl: ctl, tail: tail, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.token != "" {
		group.Use(r.requireToken)
	}
	group.POST("/spawn", r.handleSpawn)
	group.POST("/kill", r.handleKill)
	group.POST("/restart", r.handleRestart)
	group.POST("/command", r.handleCommand)
	group.GET("/status", r.handleStatus)
	group.GET("/console", r.handleConsole)
	if r.usage != nil {
		group.GET("/usage", r.handleUsage)
	}
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer binds addr and serves h in the background. Bind errors are
// returned synchronously; serve errors after that are logged. A non-nil
// tlsCfg serves HTTPS on the same listener.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config, log *slog.Logger) (*http.Server, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// capture windows make command responses slow
		WriteTimeout: maxCaptureWindow + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server stopped", "addr", server.Addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK      bool   `json:"ok"`
	Warning string `json:"warning,omitempty"`
}

type commandReq struct {
	Command   string `json:"command"`
	Capture   bool   `json:"capture"`
	CaptureMs int    `json:"capture_ms"`
}

type commandResp struct {
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
}

func (r *Router) requireToken(c *gin.Context) {
	got, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !found || subtle.ConstantTimeCompare([]byte(got), []byte(r.token)) != 1 {
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: "unauthorized"})
		c.Abort()
		return
	}
	c.Next()
}

func (r *Router) handleSpawn(c *gin.Context) {
	announce := true
	if v := c.Query("announce"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "announce must be a boolean"})
			return
		}
		announce = b
	}
	if err := r.ctl.Spawn(announce); err != nil {
		writeJSON(c, spawnStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleKill(c *gin.Context) {
	resp := okResp{OK: true}
	if err := r.ctl.Kill(c.Query("reason")); err != nil {
		// the handle is cleared regardless; surface the termination problem only as a warning
		r.log.Warn("kill via api", "error", err)
		resp.Warning = err.Error()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleRestart(c *gin.Context) {
	if err := r.ctl.Restart(c.Query("reason")); err != nil {
		writeJSON(c, spawnStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleCommand(c *gin.Context) {
	var req commandReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeCommand(req.Command) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "command must be a single non-empty line"})
		return
	}
	if !req.Capture {
		if !r.ctl.Send(req.Command) {
			writeJSON(c, http.StatusConflict, commandResp{OK: false})
			return
		}
		writeJSON(c, http.StatusOK, commandResp{OK: true})
		return
	}

	window := time.Duration(req.CaptureMs) * time.Millisecond
	if window > maxCaptureWindow {
		window = maxCaptureWindow
	}
	out, ok := r.ctl.SendAndCapture(req.Command, window)
	if !ok {
		writeJSON(c, http.StatusConflict, commandResp{OK: false})
		return
	}
	writeJSON(c, http.StatusOK, commandResp{OK: true, Output: out})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status())
}

func (r *Router) handleConsole(c *gin.Context) {
	if r.tail == nil {
		c.String(http.StatusOK, "")
		return
	}
	c.String(http.StatusOK, r.tail.Tail())
}

type usageResp struct {
	Latest  *metrics.UsageSample  `json:"latest,omitempty"`
	History []metrics.UsageSample `json:"history"`
}

func (r *Router) handleUsage(c *gin.Context) {
	resp := usageResp{History: r.usage.History()}
	if s, ok := r.usage.Latest(); ok {
		resp.Latest = &s
	}
	writeJSON(c, http.StatusOK, resp)
}

func spawnStatus(err error) int {
	var (
		cfgErr   *runner.ConfigError
		parseErr *runner.ConfigParseError
	)
	switch {
	case errors.Is(err, runner.ErrAlreadyRunning), errors.Is(err, runner.ErrSpawnAborted):
		return http.StatusConflict
	case errors.As(err, &cfgErr), errors.As(err, &parseErr),
		errors.Is(err, launch.ErrMissingServerPath), errors.Is(err, launch.ErrUnsupportedPlatform):
		return http.StatusUnprocessableEntity
	case errors.Is(err, runner.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
