package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for file outputs.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days

	DefaultConsoleFile = "fxserver.log"
	DefaultDaemonFile  = "fxrunner.log"
)

// Format selects the slog handler used for supervisor logs.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls the supervisor's own structured log output.
type SlogConfig struct {
	Level    string `mapstructure:"level"`
	Format   Format `mapstructure:"format"`
	Color    bool   `mapstructure:"color"`
	ShowTime bool   `mapstructure:"show_time"`
}

// FileConfig describes rotating files on disk.
// ConsolePath receives the raw server output; DaemonPath receives supervisor logs.
// When a path is empty and Dir is set, the default file name inside Dir is used.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir         string `mapstructure:"dir"`
	ConsolePath string `mapstructure:"console"`
	DaemonPath  string `mapstructure:"daemon"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// Config groups slog and file settings.
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

// ConsoleWriter returns the rotating writer for server console output, or nil
// when neither ConsolePath nor Dir is configured.
func (c FileConfig) ConsoleWriter() io.WriteCloser {
	return c.rotating(c.ConsolePath, DefaultConsoleFile)
}

// DaemonWriter returns the rotating writer for supervisor logs, or nil.
func (c FileConfig) DaemonWriter() io.WriteCloser {
	return c.rotating(c.DaemonPath, DefaultDaemonFile)
}

func (c FileConfig) rotating(path, def string) io.WriteCloser {
	if path == "" && c.Dir != "" {
		path = filepath.Join(c.Dir, def)
	}
	if path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// NewLogger builds a slog.Logger writing to w (stderr when nil).
// Color is only honoured for the text format.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Slog.Level)}
	if !c.Slog.ShowTime {
		opts.ReplaceAttr = dropTime
	}
	var h slog.Handler
	switch {
	case c.Slog.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case c.Slog.Color:
		h = NewColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// ParseLevel maps a level name to slog.Level, defaulting to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
