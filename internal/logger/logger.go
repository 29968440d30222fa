package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes rotating file destinations.
// If StdoutPath/StderrPath are empty, and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`          // base directory for logs
	StdoutPath string `mapstructure:"stdout_path"`  // explicit stdout path overrides Dir
	StderrPath string `mapstructure:"stderr_path"`  // explicit stderr path overrides Dir
	MaxSizeMB  int    `mapstructure:"max_size_mb"`  // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"`  // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `mapstructure:"compress"`     // Gzip rotated files
}

// Config is the logging configuration of the shell itself plus the file
// layout used for the supervised backend's output.
type Config struct {
	Level   string `mapstructure:"level"`
	NoColor bool   `mapstructure:"no_color"`

	FileConfig `mapstructure:",squash"`
}

// ProcessWriters returns io.WriteClosers for stdout and stderr for given process name.
// Either writer is nil when no destination is configured for it.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	f := c.FileConfig
	stdout := f.StdoutPath
	stderr := f.StderrPath
	if stdout == "" && f.Dir != "" {
		stdout = filepath.Join(f.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && f.Dir != "" {
		stderr = filepath.Join(f.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = f.rotating(stdout)
	}
	if stderr != "" {
		errW = f.rotating(stderr)
	}
	return outW, errW, nil
}

// FileWriter returns a rotating writer for Dir/<name>.log, or nil when Dir is empty.
func (c Config) FileWriter(name string) io.WriteCloser {
	if c.FileConfig.Dir == "" {
		return nil
	}
	return c.FileConfig.rotating(filepath.Join(c.FileConfig.Dir, name+".log"))
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// ParseLevel maps a level name to slog.Level. Unknown names fall back to info.
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

// New builds the shell logger. Console output goes to console (os.Stderr when
// nil) through ConsoleHandler; when a log dir is configured records are also
// written as plain text to <dir>/<name>.log. The returned closer releases the
// file and is never nil.
func New(cfg Config, name string, console io.Writer) (*slog.Logger, io.Closer) {
	if console == nil {
		console = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var consoleHandler slog.Handler
	if cfg.NoColor {
		consoleHandler = slog.NewTextHandler(console, opts)
	} else {
		consoleHandler = NewConsoleHandler(console, opts)
	}

	fw := cfg.FileWriter(name)
	if fw == nil {
		return slog.New(consoleHandler), nopCloser{}
	}
	return slog.New(fanout{consoleHandler, slog.NewTextHandler(fw, opts)}), fw
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
