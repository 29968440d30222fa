package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/printshell/internal/env"
	"github.com/loykin/printshell/internal/events"
	"github.com/loykin/printshell/internal/history"
	"github.com/loykin/printshell/internal/logger"
	"github.com/loykin/printshell/internal/metrics"
	"github.com/loykin/printshell/internal/pidfile"
	"github.com/loykin/printshell/internal/portalloc"
	"github.com/loykin/printshell/internal/probe"
	"github.com/loykin/printshell/internal/process"
)

// Startup error classes.
var (
	ErrExecutableNotFound = process.ErrExecutableNotFound
	ErrSpawnFailed        = process.ErrSpawnFailed
	ErrReadinessTimeout   = probe.ErrReadinessTimeout
	ErrAlreadyRunning     = errors.New("backend already running")
	ErrStoppedDuringStart = errors.New("backend stopped during startup")
)

// DefaultPort is where the port scan starts when none is configured.
const DefaultPort = 23333

// DefaultGracePeriod is used when Stop is called with a non-positive grace.
const DefaultGracePeriod = 5 * time.Second

// IsStartupError reports whether err means the backend could not be brought up.
func IsStartupError(err error) bool {
	return errors.Is(err, ErrExecutableNotFound) ||
		errors.Is(err, ErrSpawnFailed) ||
		errors.Is(err, ErrReadinessTimeout) ||
		errors.Is(err, portalloc.ErrNoPortAvailable)
}

// Readiness gates a start on the backend answering its health endpoint.
type Readiness interface {
	WaitUntilReady(ctx context.Context, port int) error
}

// Options configures a Supervisor.
type Options struct {
	Launch         process.LaunchSpec // Port is assigned per start
	PreferredPort  int
	Ports          *portalloc.Allocator
	Readiness      Readiness
	Env            *env.Env
	Output         logger.Config // rotating files for backend stdout/stderr
	Logger         *slog.Logger
	Events         events.Publisher
	History        []history.Sink
	GracePeriod    time.Duration
	SampleInterval time.Duration // RSS sampling while ready, default 10s
	PIDFile        string        // records the live backend; empty disables orphan reaping
}

// Handle is a snapshot of one backend instance.
type Handle struct {
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	State     State     `json:"-"`
	StateName string    `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	ExitCode  int       `json:"exitCode"`
	RSS       uint64    `json:"rss"`
	Alive     bool      `json:"alive"` // OS confirms the pid runs; only checked while Ready
	Error     string    `json:"error,omitempty"`
}

// Supervisor owns at most one live backend per session.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	mu  sync.Mutex
	cur *instance
}

type instance struct {
	mu        sync.Mutex
	state     State
	port      int
	proc      *process.Process
	startedAt time.Time
	exitCode  int
	err       error

	stopOnce sync.Once
	stopErr  error
	stopped  chan struct{} // closed when stop completes
	terminal chan struct{} // closed on Stopped or Failed
}

func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Ports == nil {
		opts.Ports = portalloc.New(portalloc.DefaultAttempts)
	}
	if opts.Readiness == nil {
		opts.Readiness = probe.New(probe.Config{}, opts.Logger)
	}
	if opts.Env == nil {
		opts.Env = env.New(true)
	}
	if opts.PreferredPort <= 0 {
		opts.PreferredPort = DefaultPort
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 10 * time.Second
	}
	return &Supervisor{opts: opts, log: opts.Logger.With("component", "supervisor")}
}

// Start launches a new backend and blocks until it is ready. On any startup
// failure the partially started process is killed before the error returns.
func (s *Supervisor) Start(ctx context.Context) (Handle, error) {
	inst := &instance{stopped: make(chan struct{}), terminal: make(chan struct{})}
	s.mu.Lock()
	if s.cur != nil && s.cur.currentState().Live() {
		s.mu.Unlock()
		return Handle{}, ErrAlreadyRunning
	}
	// Starting must be visible before inst is reachable by Stop.
	s.transition(inst, StateStarting, nil)
	s.cur = inst
	s.mu.Unlock()

	s.reapOrphan(ctx)
	port, err := s.opts.Ports.Allocate(s.opts.PreferredPort)
	if err != nil {
		return s.failStart(ctx, inst, err)
	}
	inst.mu.Lock()
	inst.port = port
	inst.mu.Unlock()

	spec := s.opts.Launch
	spec.Port = port
	spec.Env = s.opts.Env.Merge(nil)
	cmd, err := spec.BuildCommand()
	if err != nil {
		return s.failStart(ctx, inst, err)
	}

	stdout, stderr := s.outputWriters()
	proc, err := process.Start(cmd, stdout, stderr)
	if err != nil {
		return s.failStart(ctx, inst, err)
	}
	inst.mu.Lock()
	inst.proc = proc
	inst.startedAt = time.Now()
	stillStarting := inst.state == StateStarting
	inst.mu.Unlock()
	s.log.Info("backend spawned", "pid", proc.PID(), "port", port, "cmd", cmd.Path)
	if s.opts.PIDFile != "" {
		if err := pidfile.Write(s.opts.PIDFile, proc.PID(), port); err != nil {
			s.log.Warn("write backend pidfile", "path", s.opts.PIDFile, "error", err)
		}
	}
	go s.watch(inst)

	if !stillStarting {
		// Stop raced the spawn; it could not see proc, so clean up here.
		_ = proc.Kill()
		s.releasePort(inst)
		<-inst.stopped
		return inst.snapshot(), ErrStoppedDuringStart
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-rctx.Done():
		}
	}()

	if err := s.opts.Readiness.WaitUntilReady(rctx, port); err != nil {
		if proc.Exited() {
			st := proc.Snapshot()
			err = fmt.Errorf("%w: backend exited with code %d during startup", ErrSpawnFailed, st.ExitCode)
		}
		if inst.currentState() != StateStarting {
			<-inst.stopped
			return inst.snapshot(), ErrStoppedDuringStart
		}
		_ = proc.Kill()
		return s.failStart(ctx, inst, err)
	}

	if !s.transition(inst, StateReady, nil) {
		<-inst.stopped
		return inst.snapshot(), ErrStoppedDuringStart
	}
	metrics.IncStart()
	s.persist(ctx, history.EventStart, inst)
	go s.sample(inst)
	h := inst.snapshot()
	s.log.Info("backend ready", "pid", h.PID, "port", h.Port)
	return h, nil
}

// reapOrphan stops a backend left running by a previous session, which
// would otherwise hold the preferred port.
func (s *Supervisor) reapOrphan(ctx context.Context) {
	if s.opts.PIDFile == "" {
		return
	}
	rec, reaped, err := pidfile.Reap(ctx, s.opts.PIDFile, s.opts.GracePeriod)
	switch {
	case err != nil:
		s.log.Warn("orphaned backend check failed", "pidfile", s.opts.PIDFile, "error", err)
	case reaped:
		s.log.Warn("stopped backend left over from a previous session", "pid", rec.PID, "port", rec.Port)
	}
}

func (s *Supervisor) outputWriters() (*logger.LineWriter, *logger.LineWriter) {
	outFile, errFile, err := s.opts.Output.ProcessWriters("backend")
	if err != nil {
		s.log.Warn("backend output files unavailable", "error", err)
	}
	blog := s.opts.Logger.With("source", "backend")
	return logger.NewLineWriter(blog, slog.LevelInfo, "stdout", outFile),
		logger.NewLineWriter(blog, slog.LevelError, "stderr", errFile)
}

func (s *Supervisor) failStart(ctx context.Context, inst *instance, cause error) (Handle, error) {
	s.transition(inst, StateFailed, cause)
	s.releasePort(inst)
	s.persist(ctx, history.EventFail, inst)
	s.log.Error("backend startup failed", "error", cause)
	return inst.snapshot(), cause
}

// watch turns an unrequested exit of a ready backend into Failed. There is
// no automatic respawn.
func (s *Supervisor) watch(inst *instance) {
	inst.mu.Lock()
	proc := inst.proc
	inst.mu.Unlock()
	<-proc.Done()
	if s.opts.PIDFile != "" {
		_ = pidfile.Remove(s.opts.PIDFile)
	}

	st := proc.Snapshot()
	inst.mu.Lock()
	inst.exitCode = st.ExitCode
	unexpected := inst.state == StateReady && !proc.StopRequested()
	inst.mu.Unlock()
	if !unexpected {
		return
	}
	cause := fmt.Errorf("backend exited unexpectedly with code %d", st.ExitCode)
	if s.transition(inst, StateFailed, cause) {
		metrics.IncUnexpectedExit()
		s.releasePort(inst)
		s.persist(context.Background(), history.EventFail, inst)
		s.log.Error("backend exited unexpectedly", "pid", st.PID, "exit_code", st.ExitCode)
	}
}

func (s *Supervisor) sample(inst *instance) {
	inst.mu.Lock()
	proc := inst.proc
	inst.mu.Unlock()
	t := time.NewTicker(s.opts.SampleInterval)
	defer t.Stop()
	for {
		metrics.SetBackendRSS(proc.RSS())
		select {
		case <-proc.Done():
			metrics.SetBackendRSS(0)
			return
		case <-t.C:
		}
	}
}

// Stop stops the current backend: graceful termination, then a forced kill
// after grace. It always completes; a concurrent second call waits for the
// first and a call with no live backend is a no-op. The returned error is
// informational (the process could not be signalled or reaped).
func (s *Supervisor) Stop(ctx context.Context, grace time.Duration) error {
	if grace <= 0 {
		grace = s.opts.GracePeriod
	}
	s.mu.Lock()
	inst := s.cur
	s.mu.Unlock()
	if inst == nil {
		return nil
	}
	inst.stopOnce.Do(func() {
		inst.stopErr = s.doStop(ctx, inst, grace)
		close(inst.stopped)
	})
	<-inst.stopped
	return inst.stopErr
}

func (s *Supervisor) doStop(ctx context.Context, inst *instance, grace time.Duration) error {
	if !s.transition(inst, StateStopping, nil) {
		return nil
	}
	inst.mu.Lock()
	proc := inst.proc
	inst.mu.Unlock()
	if proc == nil {
		// not spawned yet; Start observes Stopping and cleans up
		s.finishStop(ctx, inst, false)
		return nil
	}

	s.log.Info("stopping backend", "pid", proc.PID(), "grace", grace)
	forced, err := proc.Stop(grace)
	if forced {
		s.log.Warn("backend did not exit within grace period, killed", "pid", proc.PID(), "grace", grace)
	}
	s.finishStop(ctx, inst, forced)
	if err != nil {
		return fmt.Errorf("stop backend pid %d: %w", proc.PID(), err)
	}
	return nil
}

func (s *Supervisor) finishStop(ctx context.Context, inst *instance, forced bool) {
	inst.mu.Lock()
	if inst.proc != nil && inst.proc.Exited() {
		inst.exitCode = inst.proc.Snapshot().ExitCode
	}
	inst.mu.Unlock()
	if s.transition(inst, StateStopped, nil) {
		metrics.IncStop(forced)
		s.releasePort(inst)
		s.persist(ctx, history.EventStop, inst)
	}
}

// Current returns the latest handle, if any start was attempted.
func (s *Supervisor) Current() (Handle, bool) {
	s.mu.Lock()
	inst := s.cur
	s.mu.Unlock()
	if inst == nil {
		return Handle{State: StateNotStarted, StateName: StateNotStarted.String()}, false
	}
	h := inst.snapshot()
	if h.State == StateReady {
		inst.mu.Lock()
		proc := inst.proc
		inst.mu.Unlock()
		h.RSS = proc.RSS()
		h.Alive = proc.Alive()
	}
	return h, true
}

// ReadyPort returns the backend port when a handle is Ready.
func (s *Supervisor) ReadyPort() (int, bool) {
	s.mu.Lock()
	inst := s.cur
	s.mu.Unlock()
	if inst == nil {
		return 0, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != StateReady {
		return 0, false
	}
	return inst.port, true
}

// Done is closed when the current handle reaches Stopped or Failed. With no
// handle it is already closed.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	inst := s.cur
	s.mu.Unlock()
	if inst == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return inst.terminal
}

// transition moves inst to `to` if the state machine allows it, recording
// metrics and publishing the change. It reports whether the move happened.
func (s *Supervisor) transition(inst *instance, to State, cause error) bool {
	inst.mu.Lock()
	from := inst.state
	if !canTransition(from, to) {
		inst.mu.Unlock()
		return false
	}
	inst.state = to
	if cause != nil {
		inst.err = cause
	}
	if to.Terminal() {
		close(inst.terminal)
	}
	inst.mu.Unlock()

	metrics.RecordStateTransition(from.String(), to.String())
	metrics.SetCurrentState(from.String(), false)
	metrics.SetCurrentState(to.String(), true)

	if s.opts.Events != nil {
		h := inst.snapshot()
		s.opts.Events.Publish(events.New(events.BackendStateChanged, events.BackendPayload{
			State:    h.StateName,
			Port:     h.Port,
			PID:      h.PID,
			ExitCode: h.ExitCode,
			Error:    h.Error,
		}))
	}
	return true
}

func (s *Supervisor) releasePort(inst *instance) {
	inst.mu.Lock()
	port := inst.port
	inst.mu.Unlock()
	if port > 0 {
		s.opts.Ports.Release(port)
	}
}

func (s *Supervisor) persist(ctx context.Context, typ history.EventType, inst *instance) {
	if len(s.opts.History) == 0 {
		return
	}
	h := inst.snapshot()
	evt := history.Event{
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			PID:       h.PID,
			Port:      h.Port,
			State:     h.StateName,
			ExitCode:  h.ExitCode,
			Error:     h.Error,
			StartedAt: h.StartedAt,
		},
	}
	// history must not block lifecycle paths on a cancelled caller context
	ctx = context.WithoutCancel(ctx)
	for _, sink := range s.opts.History {
		if err := sink.Send(ctx, evt); err != nil {
			s.log.Warn("history sink write failed", "event", string(typ), "error", err)
		}
	}
}

func (i *instance) currentState() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *instance) snapshot() Handle {
	i.mu.Lock()
	defer i.mu.Unlock()
	h := Handle{
		Port:      i.port,
		State:     i.state,
		StateName: i.state.String(),
		StartedAt: i.startedAt,
		ExitCode:  i.exitCode,
	}
	if i.proc != nil {
		h.PID = i.proc.PID()
	}
	if i.err != nil {
		h.Error = i.err.Error()
	}
	return h
}
