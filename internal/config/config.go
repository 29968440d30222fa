package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/printshell/internal/logger"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. PRINTSHELL_BACKEND_PREFERRED_PORT.
const EnvPrefix = "PRINTSHELL"

// Config is the full shell configuration.
type Config struct {
	UserDataDir string `toml:"user_data_dir" mapstructure:"user_data_dir"`
	AppVersion  string `toml:"app_version" mapstructure:"app_version"`
	Packaged    bool   `toml:"packaged" mapstructure:"packaged"`

	Backend   BackendConfig   `toml:"backend" mapstructure:"backend"`
	Readiness ReadinessConfig `toml:"readiness" mapstructure:"readiness"`
	Stream    StreamConfig    `toml:"stream" mapstructure:"stream"`
	Updates   UpdatesConfig   `toml:"updates" mapstructure:"updates"`
	UI        UIConfig        `toml:"ui" mapstructure:"ui"`
	Log       logger.Config   `toml:"log" mapstructure:"log"`
	Store     StoreConfig     `toml:"store" mapstructure:"store"`
}

type BackendConfig struct {
	Dir           string        `toml:"dir" mapstructure:"dir"`
	Runtime       string        `toml:"runtime" mapstructure:"runtime"`
	JREDir        string        `toml:"jre_dir" mapstructure:"jre_dir"`
	PreferredPort int           `toml:"preferred_port" mapstructure:"preferred_port"`
	PortAttempts  int           `toml:"port_attempts" mapstructure:"port_attempts"`
	MaxHeap       string        `toml:"max_heap" mapstructure:"max_heap"`
	LogLevel      string        `toml:"log_level" mapstructure:"log_level"`
	GracePeriod   time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	DataDir       string        `toml:"data_dir" mapstructure:"data_dir"`
	LogDir        string        `toml:"log_dir" mapstructure:"log_dir"`
	Env           []string      `toml:"env" mapstructure:"env"`
	EnvFiles      []string      `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv      bool          `toml:"use_os_env" mapstructure:"use_os_env"`
}

type ReadinessConfig struct {
	Path        string        `toml:"path" mapstructure:"path"`
	Interval    time.Duration `toml:"interval" mapstructure:"interval"`
	MaxAttempts int           `toml:"max_attempts" mapstructure:"max_attempts"`
	Timeout     time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type StreamConfig struct {
	Path              string        `toml:"path" mapstructure:"path"`
	ReconnectDelay    time.Duration `toml:"reconnect_delay" mapstructure:"reconnect_delay"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	StompHeartbeat    time.Duration `toml:"stomp_heartbeat" mapstructure:"stomp_heartbeat"`
}

type UpdatesConfig struct {
	FeedURL       string        `toml:"feed_url" mapstructure:"feed_url"`
	CheckInterval time.Duration `toml:"check_interval" mapstructure:"check_interval"`
	DownloadDir   string        `toml:"download_dir" mapstructure:"download_dir"`
}

type UIConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type StoreConfig struct {
	Path             string        `toml:"path" mapstructure:"path"`
	History          bool          `toml:"history" mapstructure:"history"`
	HistoryRetention time.Duration `toml:"history_retention" mapstructure:"history_retention"` // 0 keeps everything
}

// defaults lists every key with its default value. Registering each key with
// viper is also what lets AutomaticEnv see it during Unmarshal.
var defaults = map[string]any{
	"user_data_dir": "",
	"app_version":   "1.0.0",
	"packaged":      false,

	"backend.dir":            "backend",
	"backend.runtime":        "",
	"backend.jre_dir":        "jre",
	"backend.preferred_port": 23333,
	"backend.port_attempts":  20,
	"backend.max_heap":       "256m",
	"backend.log_level":      "info",
	"backend.grace_period":   "5s",
	"backend.data_dir":       "",
	"backend.log_dir":        "",
	"backend.env":            []string{},
	"backend.env_files":      []string{},
	"backend.use_os_env":     true,

	"readiness.path":         "/api/system/status",
	"readiness.interval":     "1s",
	"readiness.max_attempts": 30,
	"readiness.timeout":      "2s",

	"stream.path":               "/print-ws/websocket",
	"stream.reconnect_delay":    "5s",
	"stream.heartbeat_interval": "30s",
	"stream.stomp_heartbeat":    "4s",

	"updates.feed_url":       "",
	"updates.check_interval": "1h",
	"updates.download_dir":   "",

	"ui.listen": "127.0.0.1:0",

	"log.level":        "info",
	"log.no_color":     false,
	"log.dir":          "",
	"log.stdout_path":  "",
	"log.stderr_path":  "",
	"log.max_size_mb":  logger.DefaultMaxSizeMB,
	"log.max_backups":  logger.DefaultMaxBackups,
	"log.max_age_days": logger.DefaultMaxAgeDays,
	"log.compress":     false,

	"store.path":              "",
	"store.history":           true,
	"store.history_retention": 30 * 24 * time.Hour,
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// Default returns the built-in configuration with environment overrides applied.
func Default() (Config, error) {
	return Load("")
}

// Load reads the TOML file at path (if non-empty) over the defaults, applies
// PRINTSHELL_* environment overrides, resolves derived paths and validates.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.resolvePaths(path); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// resolvePaths fills path defaults under UserDataDir and makes relative
// backend paths relative to the config file's directory.
func (c *Config) resolvePaths(cfgPath string) error {
	if c.UserDataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("resolve user data dir: %w", err)
		}
		c.UserDataDir = filepath.Join(base, "printshell")
	}
	c.UserDataDir = expandHome(c.UserDataDir)

	root := ""
	if cfgPath != "" {
		root = filepath.Dir(cfgPath)
	}
	c.Backend.Dir = relTo(root, expandHome(c.Backend.Dir))
	c.Backend.JREDir = relTo(root, expandHome(c.Backend.JREDir))
	for i, p := range c.Backend.EnvFiles {
		c.Backend.EnvFiles[i] = relTo(root, expandHome(p))
	}

	c.Backend.DataDir = orDefault(expandHome(c.Backend.DataDir), filepath.Join(c.UserDataDir, "data"))
	c.Backend.LogDir = orDefault(expandHome(c.Backend.LogDir), filepath.Join(c.UserDataDir, "logs"))
	c.Updates.DownloadDir = orDefault(expandHome(c.Updates.DownloadDir), filepath.Join(c.UserDataDir, "updates"))
	c.Store.Path = orDefault(expandHome(c.Store.Path), filepath.Join(c.UserDataDir, "printshell.db"))
	c.Log.Dir = expandHome(c.Log.Dir)
	return nil
}

// Validate checks ranges that would otherwise surface as confusing runtime errors.
func (c Config) Validate() error {
	var errs []error
	if c.Backend.PreferredPort < 1 || c.Backend.PreferredPort > 65535 {
		errs = append(errs, fmt.Errorf("backend.preferred_port %d out of range", c.Backend.PreferredPort))
	}
	if c.Backend.PortAttempts < 1 {
		errs = append(errs, fmt.Errorf("backend.port_attempts must be >= 1"))
	}
	if c.Backend.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("backend.grace_period must be positive"))
	}
	if c.Readiness.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("readiness.max_attempts must be >= 1"))
	}
	if c.Readiness.Interval <= 0 || c.Readiness.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("readiness.interval and readiness.timeout must be positive"))
	}
	if !strings.HasPrefix(c.Readiness.Path, "/") || !strings.HasPrefix(c.Stream.Path, "/") {
		errs = append(errs, fmt.Errorf("readiness.path and stream.path must start with /"))
	}
	if c.Stream.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("stream.reconnect_delay must be positive"))
	}
	if c.Stream.HeartbeatInterval < 0 || c.Stream.StompHeartbeat < 0 {
		errs = append(errs, fmt.Errorf("stream heartbeats must not be negative"))
	}
	if c.Updates.CheckInterval < 0 {
		errs = append(errs, fmt.Errorf("updates.check_interval must not be negative"))
	}
	return errors.Join(errs...)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func relTo(root, p string) string {
	if p == "" || root == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
