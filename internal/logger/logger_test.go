package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestConsoleWriter_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := FileConfig{Dir: dir}
	w := cfg.ConsoleWriter()
	if w == nil {
		t.Fatalf("expected console writer when Dir is set")
	}
	_, _ = w.Write([]byte("hello-console\n"))
	closeIf(w)
	if _, err := os.Stat(filepath.Join(dir, DefaultConsoleFile)); err != nil {
		t.Fatalf("console log not created: %v", err)
	}
}

func TestDaemonWriter_ExplicitPath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "d.log")
	w := FileConfig{DaemonPath: p}.DaemonWriter()
	if w == nil {
		t.Fatalf("expected daemon writer for explicit path")
	}
	_, _ = w.Write([]byte("x"))
	closeIf(w)
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("daemon log not created: %v", err)
	}
}

func TestWriters_Defaults(t *testing.T) {
	if w := (FileConfig{}).ConsoleWriter(); w != nil {
		t.Fatalf("expected nil writer when nothing is configured")
	}
	w := FileConfig{ConsolePath: "x"}.ConsoleWriter()
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
}

func TestWriters_Overrides(t *testing.T) {
	cfg := FileConfig{ConsolePath: "x2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}
	l := cfg.ConsoleWriter().(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_ColorAndJSON(t *testing.T) {
	var buf bytes.Buffer
	log := Config{Slog: SlogConfig{Color: true}}.NewLogger(&buf)
	log.With("k", "v").Warn("careful")
	out := buf.String()
	if !strings.HasPrefix(out, "\033[33mWARN\033[0m msg=careful") || !strings.Contains(out, "k=v") {
		t.Fatalf("expected colored warn with attrs, got %q", out)
	}
	if strings.Contains(out, "level=") || strings.Contains(out, `\x1b`) {
		t.Fatalf("level tag must be written raw, not as an attribute: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be dropped unless ShowTime: %q", out)
	}

	buf.Reset()
	log.Error("boom")
	log.Info("quiet")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "\033[31mERROR\033[0m ") || !strings.HasPrefix(lines[1], "\033[32mINFO\033[0m ") {
		t.Fatalf("each record needs its own colored tag: %q", buf.String())
	}

	buf.Reset()
	log = Config{Slog: SlogConfig{Format: FormatJSON, Level: "debug", ShowTime: true}}.NewLogger(&buf)
	log.Debug("dbg")
	if !strings.Contains(buf.String(), `"msg":"dbg"`) || !strings.Contains(buf.String(), `"time"`) {
		t.Fatalf("unexpected json output: %q", buf.String())
	}
}
