package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/fxrunner/internal/env"
	"github.com/loykin/fxrunner/internal/launch"
	"github.com/loykin/fxrunner/internal/logger"
	"github.com/loykin/fxrunner/internal/schedule"
	itls "github.com/loykin/fxrunner/internal/tls"
)

// EnvPrefix is the prefix of environment overrides, e.g. FXRUNNER_SERVER_FORCE_PORT.
const EnvPrefix = "FXRUNNER"

// FileConfig represents the top-level TOML structure of fxrunner.toml.
type FileConfig struct {
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Server   ServerConfig   `toml:"server" mapstructure:"server"`
	Host     HostConfig     `toml:"host" mapstructure:"host"`
	Staging  StagingConfig  `toml:"staging" mapstructure:"staging"`
	Log      LogConfig      `toml:"log" mapstructure:"log"`
	Notify   NotifyConfig   `toml:"notify" mapstructure:"notify"`
	API      APIConfig      `toml:"api" mapstructure:"api"`
	Metrics  MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Schedule ScheduleConfig `toml:"schedule" mapstructure:"schedule"`

	// path of the file this config was loaded from
	source string
}

type ServerConfig struct {
	ServerPath      string        `toml:"server_path" mapstructure:"server_path"`
	BasePath        string        `toml:"base_path" mapstructure:"base_path"`
	CfgPath         string        `toml:"cfg_path" mapstructure:"cfg_path"`
	CommandLine     string        `toml:"command_line" mapstructure:"command_line"`
	OneSync         bool          `toml:"onesync" mapstructure:"onesync"`
	Autostart       bool          `toml:"autostart" mapstructure:"autostart"`
	AutostartDelay  time.Duration `toml:"autostart_delay" mapstructure:"autostart_delay"`
	RestartDelay    time.Duration `toml:"restart_delay" mapstructure:"restart_delay"`
	ProcessPriority string        `toml:"process_priority" mapstructure:"process_priority"`
	ForcePort       int           `toml:"force_port" mapstructure:"force_port"`
	KickAllCommand  string        `toml:"kick_all_command" mapstructure:"kick_all_command"`
}

// HostConfig identifies this supervisor to the server it launches.
type HostConfig struct {
	Version string `toml:"version" mapstructure:"version"`
	Token   string `toml:"token" mapstructure:"token"`
	APIPort string `toml:"api_port" mapstructure:"api_port"`
}

type StagingConfig struct {
	SourceDir  string `toml:"source_dir" mapstructure:"source_dir"`
	TargetName string `toml:"target_name" mapstructure:"target_name"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	ShowTime   bool   `toml:"show_time" mapstructure:"show_time"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	Console    string `toml:"console" mapstructure:"console"`
	Daemon     string `toml:"daemon" mapstructure:"daemon"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
	TailBytes  int    `toml:"tail_bytes" mapstructure:"tail_bytes"`
}

type NotifyConfig struct {
	WebhookURL string `toml:"webhook_url" mapstructure:"webhook_url"`
	Language   string `toml:"language" mapstructure:"language"`
}

// APIConfig configures the control API. An empty token disables auth,
// which is only sensible on a loopback listener.
type APIConfig struct {
	Enabled  bool        `toml:"enabled" mapstructure:"enabled"`
	Listen   string      `toml:"listen" mapstructure:"listen"`
	BasePath string      `toml:"base_path" mapstructure:"base_path"`
	Token    string      `toml:"token" mapstructure:"token"`
	TLS      itls.Config `toml:"tls" mapstructure:"tls"`
}

// MetricsConfig enables the Prometheus endpoint. A positive usage_interval
// also samples CPU and memory of the server process tree.
type MetricsConfig struct {
	Enabled       bool          `toml:"enabled" mapstructure:"enabled"`
	UsageInterval time.Duration `toml:"usage_interval" mapstructure:"usage_interval"`
	UsageHistory  int           `toml:"usage_history" mapstructure:"usage_history"`
}

// HistoryConfig lists history sink DSNs, see history/factory.
type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	Sinks   []string `toml:"sinks" mapstructure:"sinks"`
}

// ScheduleConfig restarts the server at fixed times. Entries in
// restart_times are cron expressions or descriptors like "@daily".
type ScheduleConfig struct {
	RestartTimes []string `toml:"restart_times" mapstructure:"restart_times"`
	TimeZone     string   `toml:"timezone" mapstructure:"timezone"`
	WarnMinutes  []int    `toml:"warn_minutes" mapstructure:"warn_minutes"`
	Reason       string   `toml:"reason" mapstructure:"reason"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_os_env", true)
	v.SetDefault("server.server_path", "")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.cfg_path", "server.cfg")
	v.SetDefault("server.command_line", "")
	v.SetDefault("server.onesync", false)
	v.SetDefault("server.autostart", false)
	v.SetDefault("server.autostart_delay", "0s")
	v.SetDefault("server.restart_delay", "750ms")
	v.SetDefault("server.process_priority", "normal")
	v.SetDefault("server.force_port", 0)
	v.SetDefault("server.kick_all_command", "txaKickAll")
	v.SetDefault("host.version", "")
	v.SetDefault("host.token", "")
	v.SetDefault("host.api_port", "")
	v.SetDefault("staging.source_dir", "")
	v.SetDefault("staging.target_name", "[fxrunner]")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.show_time", true)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.console", "")
	v.SetDefault("log.daemon", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.tail_bytes", 0)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.language", "en")
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:40120")
	v.SetDefault("api.base_path", "/api")
	v.SetDefault("api.token", "")
	v.SetDefault("api.tls.enabled", false)
	v.SetDefault("api.tls.auto_generate", false)
	v.SetDefault("api.tls.min_version", "1.2")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.usage_interval", "10s")
	v.SetDefault("metrics.usage_history", 120)
	v.SetDefault("history.enabled", false)
	v.SetDefault("schedule.restart_times", []string{})
	v.SetDefault("schedule.timezone", "")
	v.SetDefault("schedule.warn_minutes", []int{15, 5, 1})
	v.SetDefault("schedule.reason", "")
}

// Load reads a TOML config file. Every key can be overridden from the
// environment with EnvPrefix, dots replaced by underscores. Relative paths
// are resolved against the config file's directory.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	fc.source = path
	fc.resolvePaths(filepath.Dir(path))
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Validate checks value ranges. Missing server paths are not an error here:
// the supervisor reports them when a spawn is attempted.
func (fc *FileConfig) Validate() error {
	if fc.Server.ForcePort < 0 || fc.Server.ForcePort > 65535 {
		return fmt.Errorf("server.force_port %d out of range", fc.Server.ForcePort)
	}
	if fc.Server.RestartDelay < 0 || fc.Server.AutostartDelay < 0 {
		return fmt.Errorf("server delays must not be negative")
	}
	if fc.Metrics.UsageInterval < 0 {
		return fmt.Errorf("metrics.usage_interval must not be negative")
	}
	switch strings.ToLower(fc.Log.Format) {
	case "", string(logger.FormatText), string(logger.FormatJSON):
	default:
		return fmt.Errorf("log.format %q must be text or json", fc.Log.Format)
	}
	if fc.API.TLS.Enabled && fc.API.TLS.Dir == "" && (fc.API.TLS.CertFile == "" || fc.API.TLS.KeyFile == "") {
		return fmt.Errorf("api.tls is enabled but neither cert_file/key_file nor dir is set")
	}
	for _, m := range fc.Schedule.WarnMinutes {
		if m <= 0 {
			return fmt.Errorf("schedule.warn_minutes entries must be positive, got %d", m)
		}
	}
	if fc.History.Enabled && len(fc.History.Sinks) == 0 {
		return fmt.Errorf("history is enabled but no sinks are configured")
	}
	return nil
}

// Source returns the path the config was loaded from.
func (fc *FileConfig) Source() string { return fc.source }

func (fc *FileConfig) resolvePaths(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	fc.Server.ServerPath = abs(fc.Server.ServerPath)
	fc.Server.BasePath = abs(fc.Server.BasePath)
	fc.Staging.SourceDir = abs(fc.Staging.SourceDir)
	fc.Log.Dir = abs(fc.Log.Dir)
	fc.API.TLS.CertFile = abs(fc.API.TLS.CertFile)
	fc.API.TLS.KeyFile = abs(fc.API.TLS.KeyFile)
	fc.API.TLS.Dir = abs(fc.API.TLS.Dir)
	for i, p := range fc.EnvFiles {
		fc.EnvFiles[i] = abs(p)
	}
}

// LaunchOptions maps the server and host sections to launch options.
// cfg_path stays as written: the server resolves it against base_path.
func (fc *FileConfig) LaunchOptions() launch.Options {
	return launch.Options{
		ServerPath:  fc.Server.ServerPath,
		CommandLine: fc.Server.CommandLine,
		ConfigPath:  fc.Server.CfgPath,
		BaseDir:     fc.Server.BasePath,
		OneSync:     fc.Server.OneSync,
		HostVersion: fc.Host.Version,
		HostToken:   fc.Host.Token,
		HostAPIPort: fc.Host.APIPort,
	}
}

// ScheduleOptions maps the schedule section to scheduler options.
func (fc *FileConfig) ScheduleOptions() schedule.Config {
	return schedule.Config{
		Times:    fc.Schedule.RestartTimes,
		TimeZone: fc.Schedule.TimeZone,
		Warnings: fc.Schedule.WarnMinutes,
		Reason:   fc.Schedule.Reason,
	}
}

func (fc *FileConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:    fc.Log.Level,
			Format:   logger.Format(strings.ToLower(fc.Log.Format)),
			Color:    fc.Log.Color,
			ShowTime: fc.Log.ShowTime,
		},
		File: logger.FileConfig{
			Dir:         fc.Log.Dir,
			ConsolePath: fc.Log.Console,
			DaemonPath:  fc.Log.Daemon,
			MaxSizeMB:   fc.Log.MaxSizeMB,
			MaxBackups:  fc.Log.MaxBackups,
			MaxAgeDays:  fc.Log.MaxAgeDays,
			Compress:    fc.Log.Compress,
		},
	}
}

// ServerEnv composes the server process environment.
// Precedence: OS env (when use_os_env) < env_files in order < env list.
func (fc *FileConfig) ServerEnv() ([]string, error) {
	e := env.New()
	if fc.UseOSEnv {
		e.FromOS()
	}
	for _, p := range fc.EnvFiles {
		vars, err := env.LoadFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range vars {
			e.Set(k, v)
		}
	}
	return e.Merge(fc.Env), nil
}
