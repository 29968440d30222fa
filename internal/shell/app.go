// Package shell owns the session: it builds every component from the
// configuration, wires them over the event bus and runs them until quit.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/printshell/internal/bridge"
	"github.com/loykin/printshell/internal/config"
	"github.com/loykin/printshell/internal/env"
	"github.com/loykin/printshell/internal/events"
	"github.com/loykin/printshell/internal/history"
	hsqlite "github.com/loykin/printshell/internal/history/sqlite"
	"github.com/loykin/printshell/internal/logger"
	"github.com/loykin/printshell/internal/metrics"
	"github.com/loykin/printshell/internal/portalloc"
	"github.com/loykin/printshell/internal/probe"
	"github.com/loykin/printshell/internal/process"
	"github.com/loykin/printshell/internal/server"
	"github.com/loykin/printshell/internal/session"
	"github.com/loykin/printshell/internal/stream"
	"github.com/loykin/printshell/internal/supervisor"
	"github.com/loykin/printshell/internal/tasks"
	"github.com/loykin/printshell/internal/updater"
)

// BasePath is where the UI bridge routes are mounted.
const BasePath = "/bridge"

// HistoryPath is the backend lifecycle history database next to the session store.
func HistoryPath(cfg config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Store.Path), "history.db")
}

// Options carries the pieces that are not part of the file configuration.
type Options struct {
	Console    io.Writer             // shell log console, default stderr
	Registerer prometheus.Registerer // default prometheus.DefaultRegisterer
	Installer  updater.Installer     // default DetachedInstaller
}

// App is the owned context object for one session.
type App struct {
	cfg       config.Config
	log       *slog.Logger
	logCloser io.Closer

	bus        *events.Bus
	session    *session.Store
	history    *hsqlite.Sink
	supervisor *supervisor.Supervisor
	bridge     *bridge.Bridge
	tasks      *tasks.Reconciler
	stream     *stream.Client
	updates    *updater.Coordinator
	router     *server.Router

	quitOnce sync.Once
	quit     chan struct{}

	mu   sync.Mutex
	addr string
}

// New builds every component. Nothing is started until Run.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	log, closer := logger.New(cfg.Log, "printshell", opts.Console)
	a := &App{cfg: cfg, log: log, logCloser: closer, quit: make(chan struct{})}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := metrics.Register(reg); err != nil {
		log.Warn("metrics registration failed", "error", err)
	}

	st, err := session.Open(ctx, cfg.Store.Path)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("open session store: %w", err)
	}
	a.session = st

	var sinks []history.Sink
	if cfg.Store.History {
		h, err := hsqlite.New(HistoryPath(cfg))
		if err != nil {
			log.Warn("backend history disabled", "error", err)
		} else {
			a.history = h
			sinks = append(sinks, h)
			if keep := cfg.Store.HistoryRetention; keep > 0 {
				if n, err := h.Prune(ctx, time.Now().Add(-keep)); err != nil {
					log.Warn("prune backend history", "error", err)
				} else if n > 0 {
					log.Debug("pruned backend history", "events", n)
				}
			}
		}
	}

	a.bus = events.NewBus(256, log)

	backendEnv := env.New(cfg.Backend.UseOSEnv)
	for _, f := range cfg.Backend.EnvFiles {
		if err := backendEnv.LoadFile(f); err != nil {
			a.closeStores()
			_ = closer.Close()
			return nil, fmt.Errorf("backend env file: %w", err)
		}
	}
	backendEnv.SetList(cfg.Backend.Env)

	output := logger.Config{FileConfig: cfg.Log.FileConfig}
	output.Dir = cfg.Backend.LogDir
	output.StdoutPath, output.StderrPath = "", ""

	a.supervisor = supervisor.New(supervisor.Options{
		Launch: process.LaunchSpec{
			Dir:      cfg.Backend.Dir,
			Runtime:  cfg.Backend.Runtime,
			JREDir:   cfg.Backend.JREDir,
			MaxHeap:  cfg.Backend.MaxHeap,
			LogLevel: cfg.Backend.LogLevel,
			DataDir:  cfg.Backend.DataDir,
			LogDir:   cfg.Backend.LogDir,
		},
		PreferredPort: cfg.Backend.PreferredPort,
		Ports:         portalloc.New(cfg.Backend.PortAttempts),
		Readiness: probe.New(probe.Config{
			Path:        cfg.Readiness.Path,
			Interval:    cfg.Readiness.Interval,
			MaxAttempts: cfg.Readiness.MaxAttempts,
			Timeout:     cfg.Readiness.Timeout,
		}, log),
		Env:         backendEnv,
		Output:      output,
		Logger:      log,
		Events:      a.bus,
		History:     sinks,
		GracePeriod: cfg.Backend.GracePeriod,
		PIDFile:     filepath.Join(cfg.UserDataDir, "backend.pid"),
	})

	a.bridge = bridge.New(a.supervisor, bridge.Config{Logger: log, Session: st})
	a.tasks = tasks.New(a.bus, log)
	a.stream = stream.New(a.supervisor, st, stream.Config{
		Path:              cfg.Stream.Path,
		ReconnectDelay:    cfg.Stream.ReconnectDelay,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		StompHeartbeat:    cfg.Stream.StompHeartbeat,
		Logger:            log,
		Events:            a.bus,
	})

	installer := opts.Installer
	if installer == nil {
		installer = updater.DetachedInstaller{Args: updater.DefaultInstallerArgs(), Logger: log}
	}
	a.updates, err = updater.New(updater.Config{
		FeedURL:        cfg.Updates.FeedURL,
		CurrentVersion: cfg.AppVersion,
		Packaged:       cfg.Packaged,
		CheckInterval:  cfg.Updates.CheckInterval,
		DownloadDir:    cfg.Updates.DownloadDir,
		GracePeriod:    cfg.Backend.GracePeriod,
		Logger:         log,
		Events:         a.bus,
		Stopper:        a.supervisor,
		Installer:      installer,
		OnInstalled:    a.Quit,
	})
	if err != nil {
		a.closeStores()
		_ = closer.Close()
		return nil, err
	}

	a.router = server.NewRouter(server.Deps{
		Backend:   a.supervisor,
		Bridge:    a.bridge,
		API:       a.bridge,
		Printer:   a.stream,
		Stream:    a.stream,
		Tasks:     a.tasks,
		Session:   st,
		Updates:   a.updates,
		Events:    a.bus,
		Version:   cfg.AppVersion,
		Logger:    log,
		OnSession: a.sessionChanged,
	}, BasePath)
	return a, nil
}

// Logger returns the shell logger.
func (a *App) Logger() *slog.Logger { return a.log }

// Bus returns the event bus.
func (a *App) Bus() *events.Bus { return a.bus }

// Supervisor returns the backend supervisor.
func (a *App) Supervisor() *supervisor.Supervisor { return a.supervisor }

// Tasks returns the task reconciler.
func (a *App) Tasks() *tasks.Reconciler { return a.tasks }

// Updates returns the update coordinator.
func (a *App) Updates() *updater.Coordinator { return a.updates }

// Addr returns the UI server address once Run is listening.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Quit asks Run to shut down. Safe to call more than once.
func (a *App) Quit() {
	a.quitOnce.Do(func() { close(a.quit) })
}

// Run starts the backend, the event stream, update checks and the UI server,
// and blocks until ctx is cancelled or Quit is called. It then stops the
// backend; the returned error is non-nil only when that stop failed or the
// UI server could not be served.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.UI.Listen)
	if err != nil {
		a.closeStores()
		_ = a.logCloser.Close()
		return fmt.Errorf("listen %s: %w", a.cfg.UI.Listen, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr().String()
	a.mu.Unlock()

	a.bus.Start()
	unsubscribe := a.subscribe(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	srv := server.NewHTTPServer(a.router.Handler())
	a.log.Info("printshell started", "version", a.cfg.AppVersion, "ui", "http://"+a.addr+BasePath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.startBackend(gctx)
		return nil
	})
	g.Go(func() error { return a.stream.Run(gctx) })
	g.Go(func() error { return a.updates.Run(gctx) })
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve ui: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer scancel()
		return srv.Shutdown(sctx)
	})
	runErr := g.Wait()

	stopErr := a.shutdown()
	unsubscribe()
	return errors.Join(runErr, stopErr)
}

// ExitCode maps the result of Run onto the process exit status.
func ExitCode(err error) int {
	if err != nil {
		return 1
	}
	return 0
}

func (a *App) startBackend(ctx context.Context) {
	h, err := a.supervisor.Start(ctx)
	switch {
	case err == nil:
		a.log.Info("backend ready", "port", h.Port, "pid", h.PID)
		a.applyPrinter(ctx)
	case ctx.Err() != nil:
	case supervisor.IsStartupError(err):
		// the UI stays usable without a backend; the failure is already on the bus
		a.log.Error("backend startup failed, continuing without backend", "error", err)
	default:
		a.log.Error("backend start", "error", err)
	}
}

// applyPrinter selects the saved default printer, or the first one offered,
// and tells the backend.
func (a *App) applyPrinter(ctx context.Context) {
	printers, err := a.bridge.FetchPrinters(ctx)
	if err != nil {
		a.log.Warn("fetch printers", "error", err)
		return
	}
	saved, _ := a.session.DefaultPrinter(ctx)
	name := bridge.ResolvePrinter(printers, saved)
	if name == "" {
		a.log.Warn("backend reports no printers")
		return
	}
	if err := a.bridge.SetDefaultPrinter(ctx, name); err != nil {
		a.log.Warn("set default printer", "printer", name, "error", err)
	}
}

func (a *App) subscribe(ctx context.Context) func() {
	unsubs := []events.UnsubscribeFunc{
		a.bus.Subscribe(events.TaskReceived, func(e events.Event) {
			if p, ok := e.Payload.(events.TaskPayload); ok {
				a.tasks.Merge(tasks.Record(p.Record))
			}
		}),
		a.bus.Subscribe(events.TaskStatusChanged, func(e events.Event) {
			if p, ok := e.Payload.(events.StatusPayload); ok {
				a.tasks.UpdateStatus(p.TaskID, p.Status)
			}
		}),
		a.bus.Subscribe(events.PrintError, func(e events.Event) {
			if p, ok := e.Payload.(events.ErrorPayload); ok {
				a.log.Warn("print error reported", "info", p.Info)
			}
		}),
		a.bus.Subscribe(events.ConnectionChanged, func(e events.Event) {
			if p, ok := e.Payload.(events.ConnectionPayload); ok && p.Connected {
				go a.resync(ctx)
			}
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// resync merges the backend's pending tasks after each (re)connect.
func (a *App) resync(ctx context.Context) {
	recs, err := a.bridge.FetchPendingTasks(ctx)
	if err != nil {
		a.log.Warn("resync pending tasks", "error", err)
		return
	}
	if n := a.tasks.Resync(recs); n > 0 {
		a.log.Info("resynced pending tasks", "added", n)
	}
}

func (a *App) sessionChanged(key string) {
	if key == session.KeyStoreID {
		a.stream.Reconnect()
	}
}

// shutdown stops the backend and releases the stores.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Backend.GracePeriod+10*time.Second)
	defer cancel()
	var err error
	if stopErr := a.supervisor.Stop(ctx, a.cfg.Backend.GracePeriod); stopErr != nil {
		a.log.Error("backend shutdown failed", "error", stopErr)
		err = fmt.Errorf("stop backend: %w", stopErr)
	}
	a.bus.Stop()
	a.closeStores()
	a.log.Info("printshell stopped")
	_ = a.logCloser.Close()
	return err
}

func (a *App) closeStores() {
	if a.history != nil {
		_ = a.history.Close()
	}
	if a.session != nil {
		_ = a.session.Close()
	}
}
