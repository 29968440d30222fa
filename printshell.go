package printshell

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/printshell/internal/config"
	"github.com/loykin/printshell/internal/events"
	"github.com/loykin/printshell/internal/metrics"
	"github.com/loykin/printshell/internal/shell"
	"github.com/loykin/printshell/internal/supervisor"
	"github.com/loykin/printshell/internal/tasks"
	"github.com/loykin/printshell/internal/updater"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type App = shell.App

type Event = events.Event

type BackendHandle = supervisor.Handle

type TaskRecord = tasks.Record

type TaskStats = tasks.Stats

type UpdateState = updater.State

type Installer = updater.Installer

// Options tunes New beyond the file configuration.
type Options = shell.Options

// BasePath is where the UI bridge routes are mounted.
const BasePath = shell.BasePath

func LoadConfig(path string) (Config, error) { return cfg.Load(path) }
func DefaultConfig() (Config, error)         { return cfg.Default() }

// New builds a shell session from c with default options.
func New(ctx context.Context, c Config) (*App, error) {
	return shell.New(ctx, c, shell.Options{})
}

// NewWithOptions builds a shell session, e.g. with a custom installer or log console.
func NewWithOptions(ctx context.Context, c Config, opts Options) (*App, error) {
	return shell.New(ctx, c, opts)
}

func ExitCode(err error) int        { return shell.ExitCode(err) }
func HistoryPath(c Config) string   { return shell.HistoryPath(c) }
func IsStartupError(err error) bool { return supervisor.IsStartupError(err) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
