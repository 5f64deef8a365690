package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := buildRoot()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	require.NoError(t, os.MkdirAll(base, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "server.cfg"),
		[]byte("endpoint_add_tcp \"0.0.0.0:30130\"\nendpoint_add_udp \"0.0.0.0:30130\"\n"), 0o644))
	p := filepath.Join(dir, "fxrunner.toml")
	require.NoError(t, os.WriteFile(p, []byte(`
[server]
server_path = "server"
base_path = "base"
[metrics]
enabled = false
`+body), 0o644))
	return p
}

func TestHelp(t *testing.T) {
	out, _, err := run(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "fxrunner")
	assert.Contains(t, out, "launch-spec")
}

func TestLaunchSpecAndPort(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("asserts the POSIX invocation")
	}
	cfg := writeConfig(t, "")

	out, _, err := run(t, "launch-spec", "--config", cfg)
	require.NoError(t, err)
	var inv struct {
		Shell string   `json:"shell"`
		Args  []string `json:"args"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &inv))
	assert.Equal(t, "/bin/sh", inv.Shell)
	assert.True(t, strings.HasSuffix(inv.Args[0], "server/run.sh"))

	out, _, err = run(t, "port", cfg)
	require.NoError(t, err)
	assert.Equal(t, "30130\n", out)
}

func TestPort_Unparseable(t *testing.T) {
	cfg := writeConfig(t, "")
	require.NoError(t, os.Remove(filepath.Join(filepath.Dir(cfg), "base", "server.cfg")))
	_, _, err := run(t, "port", cfg)
	require.ErrorIs(t, err, errNoPort)

	_, _, err = run(t, "port")
	require.Error(t, err, "config is required")
}

// fakeDaemon records requests and answers like the control API.
func fakeDaemon(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path+" "+r.URL.RawQuery+" "+r.Header.Get("Authorization"))
		mu.Unlock()
		switch r.URL.Path {
		case "/api/status":
			_, _ = w.Write([]byte(`{"state":"running","pid":7,"port":30120,"session_id":"abc","resources":["a","b"],"hitches":2,"worst_hitch_ms":300}`))
		case "/api/kill":
			_, _ = w.Write([]byte(`{"ok":true,"warning":"terminate server: exit status 1"}`))
		case "/api/command":
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req["command"] == "nope" {
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(`{"ok":false}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":true,"output":"captured\n"}`))
		case "/api/usage":
			_, _ = w.Write([]byte(`{"latest":{"processes":3,"cpu_percent":12.5,"memory_mb":256,"num_threads":40},"history":[]}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func TestRemoteCommands(t *testing.T) {
	srv, seen := fakeDaemon(t)
	api := "--api-url=" + srv.URL + "/api"

	out, _, err := run(t, "status", api, "--token", "tk")
	require.NoError(t, err)
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "a, b")
	assert.Contains(t, out, "worst 300ms")

	out, _, err = run(t, "status", api, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"session_id": "abc"`)

	_, _, err = run(t, "spawn", api, "--quiet")
	require.NoError(t, err)

	out, errOut, err := run(t, "kill", api, "--reason", "bye all")
	require.NoError(t, err)
	assert.Contains(t, out, "server stopped")
	assert.Contains(t, errOut, "exit status 1")

	_, _, err = run(t, "restart", api)
	require.NoError(t, err)

	out, _, err = run(t, "send", api, "--capture", "--window", "200ms", "status")
	require.NoError(t, err)
	assert.Equal(t, "captured\n", out)

	_, _, err = run(t, "send", api, "nope")
	require.Error(t, err)

	out, _, err = run(t, "usage", api)
	require.NoError(t, err)
	assert.Contains(t, out, "processes=3 cpu=12.5%")

	assert.Equal(t, []string{
		"GET /api/status  Bearer tk",
		"GET /api/status  ",
		"POST /api/spawn announce=false ",
		"POST /api/kill reason=bye+all ",
		"POST /api/restart  ",
		"POST /api/command  ",
		"POST /api/command  ",
		"GET /api/usage  ",
	}, seen())
}

func TestClientFromConfig(t *testing.T) {
	srv, seen := fakeDaemon(t)
	listen := strings.TrimPrefix(srv.URL, "http://")
	cfg := writeConfig(t, "[api]\nlisten = \""+listen+"\"\ntoken = \"from-config\"\n")

	_, _, err := run(t, "status", "--config", cfg)
	require.NoError(t, err)
	require.Equal(t, []string{"GET /api/status  Bearer from-config"}, seen())
}

func TestDialAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:40120", dialAddr(":40120"))
	assert.Equal(t, "127.0.0.1:40120", dialAddr("0.0.0.0:40120"))
	assert.Equal(t, "10.1.2.3:80", dialAddr("10.1.2.3:80"))
	assert.Equal(t, "garbage", dialAddr("garbage"))
}

func TestServe_LifecycleAndLock(t *testing.T) {
	cfg := writeConfig(t, "[api]\nlisten = \"127.0.0.1:0\"\n")
	pid := filepath.Join(t.TempDir(), "fxrunner.pid")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, &ServeFlags{PidFile: pid}) }()

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pid)
		return err == nil && len(b) > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
	_, err := os.Stat(pid)
	assert.True(t, os.IsNotExist(err), "pid file must be removed")

	held := flock.New(cfg + ".lock")
	ok, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = held.Unlock() }()

	err = runServe(context.Background(), cfg, &ServeFlags{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already serving")
}
