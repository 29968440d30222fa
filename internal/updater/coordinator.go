// Package updater checks a release feed, downloads and verifies updates,
// and installs them only after the backend has been stopped.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/blang/semver/v4"

	"github.com/loykin/printshell/internal/events"
	"github.com/loykin/printshell/internal/metrics"
)

// ReasonDevelopment is reported when checks are requested in an unpackaged build.
const ReasonDevelopment = "update checks are disabled in development mode"

// Stopper stops the live backend before an install.
type Stopper interface {
	Stop(ctx context.Context, grace time.Duration) error
}

// Installer runs the platform install-and-restart action for artifact.
type Installer interface {
	Install(ctx context.Context, artifact string) error
}

// Config configures a Coordinator.
type Config struct {
	FeedURL        string
	CurrentVersion string
	Packaged       bool          // periodic and UI-triggered checks only when true
	CheckInterval  time.Duration // default 1h
	DownloadDir    string
	GracePeriod    time.Duration // passed to Stopper.Stop
	HTTPClient     *http.Client
	Logger         *slog.Logger
	Events         events.Publisher
	Stopper        Stopper
	Installer      Installer
	OnInstalled    func() // called after the install action started; the shell quits here
}

// Coordinator owns the single update state of the session.
type Coordinator struct {
	cfg     Config
	current semver.Version
	log     *slog.Logger

	mu       sync.Mutex
	state    State
	release  Release
	feedURL  string // resolved descriptor URL
	artifact string // downloaded file
}

func New(cfg Config) (*Coordinator, error) {
	v, err := semver.ParseTolerant(cfg.CurrentVersion)
	if err != nil {
		return nil, fmt.Errorf("current version %q: %w", cfg.CurrentVersion, err)
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Hour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Coordinator{cfg: cfg, current: v, log: cfg.Logger.With("component", "updater"), state: State{Phase: PhaseIdle}}
	metrics.SetUpdatePhase(string(PhaseIdle), AllPhases)
	return c, nil
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Enabled reports whether update checks run in this build.
func (c *Coordinator) Enabled() bool { return c.cfg.Packaged && c.cfg.FeedURL != "" }

// set moves to next if allowed; callers hold c.mu.
func (c *Coordinator) set(next State) error {
	if !allowed(c.state.Phase, next.Phase) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state.Phase, next.Phase)
	}
	c.state = next
	metrics.SetUpdatePhase(string(next.Phase), AllPhases)
	if c.cfg.Events != nil {
		c.cfg.Events.Publish(events.New(events.UpdateStateChanged, events.UpdatePayload{
			Phase:          string(next.Phase),
			Version:        next.Version,
			Percent:        next.Percent,
			Transferred:    next.Transferred,
			Total:          next.Total,
			BytesPerSecond: next.BytesPerSecond,
			Reason:         next.Reason,
		}))
	}
	return nil
}

func (c *Coordinator) fail(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Error("update failed", "phase", string(c.state.Phase), "error", reason)
	_ = c.set(State{Phase: PhaseFailed, Version: c.state.Version, Reason: reason.Error()})
}

// Check queries the feed. Idle, NotAvailable, Failed and Available
// restart from Idle; other phases reject the check.
func (c *Coordinator) Check(ctx context.Context) (State, error) {
	c.mu.Lock()
	switch c.state.Phase {
	case PhaseNotAvailable, PhaseFailed, PhaseAvailable:
		_ = c.set(State{Phase: PhaseIdle})
	}
	if err := c.set(State{Phase: PhaseChecking}); err != nil {
		c.mu.Unlock()
		return c.State(), err
	}
	c.mu.Unlock()
	c.log.Info("checking for updates", "feed", c.cfg.FeedURL, "current", c.current.String())

	if c.cfg.FeedURL == "" {
		err := errors.New("no update feed configured")
		c.fail(err)
		return c.State(), err
	}
	rel, feed, err := fetchRelease(ctx, c.cfg.HTTPClient, c.cfg.FeedURL)
	if err != nil {
		c.fail(err)
		return c.State(), err
	}
	latest, err := rel.SemVer()
	if err != nil {
		err = fmt.Errorf("release version %q: %w", rel.Version, err)
		c.fail(err)
		return c.State(), err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if latest.GT(c.current) {
		c.release, c.feedURL = rel, feed
		c.log.Info("update available", "version", latest.String())
		_ = c.set(State{Phase: PhaseAvailable, Version: latest.String()})
	} else {
		c.log.Info("already on the latest version", "version", c.current.String())
		_ = c.set(State{Phase: PhaseNotAvailable, Version: latest.String()})
	}
	return c.state, nil
}

// TriggerResult is the answer to a user-requested check.
type TriggerResult struct {
	Checking bool   `json:"checking"`
	Reason   string `json:"reason,omitempty"`
}

// Trigger starts a check in the background for a user request. Unpackaged
// builds answer with a reason instead.
func (c *Coordinator) Trigger(ctx context.Context) TriggerResult {
	if !c.cfg.Packaged {
		return TriggerResult{Checking: false, Reason: ReasonDevelopment}
	}
	switch c.State().Phase {
	case PhaseIdle, PhaseNotAvailable, PhaseFailed, PhaseAvailable:
	default:
		return TriggerResult{Checking: false, Reason: "update already in progress"}
	}
	go func() {
		if _, err := c.Check(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn("update check failed", "error", err)
		}
	}()
	return TriggerResult{Checking: true}
}

// Download fetches and verifies the available release. It is not
// cancellable once started: the transfer runs to completion or failure.
// Only Available may start a download; a download already underway is
// rejected rather than joined.
func (c *Coordinator) Download(ctx context.Context) error {
	c.mu.Lock()
	version := c.state.Version
	if c.state.Phase != PhaseAvailable {
		err := fmt.Errorf("%w: download from %s", ErrInvalidTransition, c.state.Phase)
		c.mu.Unlock()
		return err
	}
	if err := c.set(State{Phase: PhaseDownloading, Version: version}); err != nil {
		c.mu.Unlock()
		return err
	}
	rel, feed := c.release, c.feedURL
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	file, err := rel.Artifact()
	if err != nil {
		c.fail(err)
		return err
	}
	src, err := resolveURL(feed, file.URL)
	if err != nil {
		c.fail(err)
		return err
	}
	c.log.Info("downloading update", "version", version, "url", src)
	path, err := download(ctx, c.cfg.HTTPClient, src, c.cfg.DownloadDir, file, func(p progress) {
		c.mu.Lock()
		defer c.mu.Unlock()
		_ = c.set(State{
			Phase:          PhaseDownloading,
			Version:        version,
			Percent:        math.Round(p.percent*10) / 10,
			Transferred:    p.transferred,
			Total:          p.total,
			BytesPerSecond: p.bytesPerSecond,
		})
	})
	if err != nil {
		c.fail(err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifact = path
	c.log.Info("update downloaded", "version", version, "path", path)
	return c.set(State{Phase: PhaseDownloaded, Version: version, Percent: 100})
}

// Defer records an install-later choice. The update stays Downloaded until
// the next explicit Install; it is never installed implicitly.
func (c *Coordinator) Defer() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != PhaseDownloaded {
		return fmt.Errorf("%w: defer from %s", ErrInvalidTransition, c.state.Phase)
	}
	c.log.Info("update install deferred", "version", c.state.Version)
	return nil
}

// Install stops the backend and then runs the install action. A failed
// stop is logged and the install goes ahead.
func (c *Coordinator) Install(ctx context.Context) error {
	c.mu.Lock()
	version, artifact := c.state.Version, c.artifact
	if c.state.Phase != PhaseInstallPending {
		if err := c.set(State{Phase: PhaseInstallPending, Version: version}); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()

	if c.cfg.Stopper != nil {
		if err := c.cfg.Stopper.Stop(ctx, c.cfg.GracePeriod); err != nil {
			c.log.Warn("backend stop before install failed, installing anyway", "error", err)
		}
	}

	c.mu.Lock()
	err := c.set(State{Phase: PhaseInstalling, Version: version})
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if c.cfg.Installer == nil {
		err := errors.New("no installer configured")
		c.fail(err)
		return err
	}
	c.log.Info("installing update", "version", version, "artifact", artifact)
	if err := c.cfg.Installer.Install(ctx, artifact); err != nil {
		err = fmt.Errorf("install %s: %w", version, err)
		c.fail(err)
		return err
	}
	if c.cfg.OnInstalled != nil {
		c.cfg.OnInstalled()
	}
	return nil
}

// Run checks immediately and then every CheckInterval while packaged.
// Checks are skipped while a download or install is underway.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.Enabled() {
		c.log.Info("periodic update checks disabled", "packaged", c.cfg.Packaged, "feed", c.cfg.FeedURL != "")
		return nil
	}
	t := time.NewTicker(c.cfg.CheckInterval)
	defer t.Stop()
	for {
		switch c.State().Phase {
		case PhaseIdle, PhaseNotAvailable, PhaseFailed:
			if _, err := c.Check(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("periodic update check failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
