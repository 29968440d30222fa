package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ReapTimeout bounds the wait for the OS to reap the process after a forced kill.
const ReapTimeout = 2 * time.Second

// ErrNotReaped is returned by Stop when the process outlived the forced kill.
var ErrNotReaped = errors.New("backend process not reaped after kill")

// Process is one spawned backend instance. A single monitor goroutine owns
// cmd.Wait; everyone else observes exit through Done.
type Process struct {
	cmd       *exec.Cmd
	mu        sync.Mutex
	status    Status
	outCloser io.WriteCloser
	errCloser io.WriteCloser
	waitDone  chan struct{} // closed by monitor when cmd.Wait returns
}

// Start launches cmd in its own process group with stdout/stderr attached
// to the given writers (nil discards). Writers are closed after exit.
func Start(cmd *exec.Cmd, stdout, stderr io.WriteCloser) (*Process, error) {
	configureSysProcAttr(cmd)
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}
	// do not let an inherited pipe hold Wait open after exit
	cmd.WaitDelay = time.Second

	r := &Process{cmd: cmd, outCloser: stdout, errCloser: stderr, waitDone: make(chan struct{})}
	if err := cmd.Start(); err != nil {
		r.closeWriters()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	r.status = Status{PID: cmd.Process.Pid, Running: true, StartedAt: time.Now()}
	go r.monitor()
	return r, nil
}

func (r *Process) monitor() {
	err := r.cmd.Wait()
	code := -1
	if ps := r.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
	}
	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitErr = err
	r.status.ExitCode = code
	r.mu.Unlock()
	r.closeWriters()
	close(r.waitDone)
}

// PID returns the operating system process id.
func (r *Process) PID() int { return r.cmd.Process.Pid }

// Done is closed once the process has exited and been reaped.
func (r *Process) Done() <-chan struct{} { return r.waitDone }

// Exited reports whether Done is closed.
func (r *Process) Exited() bool {
	select {
	case <-r.waitDone:
		return true
	default:
		return false
	}
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	s := r.status
	r.mu.Unlock()
	return s
}

// StopRequested reports whether Stop has been called.
func (r *Process) StopRequested() bool {
	r.mu.Lock()
	v := r.status.Stopping
	r.mu.Unlock()
	return v
}

// Stop sends a graceful termination to the process group and waits up to
// grace; on expiry it kills the group and waits up to ReapTimeout. forced
// reports whether the kill was needed.
func (r *Process) Stop(grace time.Duration) (forced bool, err error) {
	r.mu.Lock()
	r.status.Stopping = true
	r.mu.Unlock()
	if r.Exited() {
		return false, nil
	}

	pid := r.PID()
	_ = terminate(pid)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-r.waitDone:
		return false, nil
	case <-timer.C:
	}

	return true, r.Kill()
}

// Kill forcibly terminates the process group and waits for the reap.
func (r *Process) Kill() error {
	r.mu.Lock()
	r.status.Stopping = true
	r.mu.Unlock()
	if r.Exited() {
		return nil
	}
	_ = kill(r.PID())
	select {
	case <-r.waitDone:
		return nil
	case <-time.After(ReapTimeout):
		return ErrNotReaped
	}
}

// Alive asks the OS whether the pid still runs, treating zombies as dead.
func (r *Process) Alive() bool {
	if r.Exited() {
		return false
	}
	p, err := gopsproc.NewProcess(int32(r.PID())) // #nosec G115 pid fits in int32
	if err != nil {
		return false
	}
	if st, err := p.Status(); err == nil {
		for _, s := range st {
			if s == gopsproc.Zombie {
				return false
			}
		}
	}
	running, err := p.IsRunning()
	return err == nil && running
}

// RSS returns the resident set size in bytes, or 0 when unavailable.
func (r *Process) RSS() uint64 {
	if r.Exited() {
		return 0
	}
	p, err := gopsproc.NewProcess(int32(r.PID())) // #nosec G115 pid fits in int32
	if err != nil {
		return 0
	}
	mi, err := p.MemoryInfo()
	if err != nil || mi == nil {
		return 0
	}
	return mi.RSS
}

func (r *Process) closeWriters() {
	r.mu.Lock()
	out, errw := r.outCloser, r.errCloser
	r.outCloser, r.errCloser = nil, nil
	r.mu.Unlock()
	if out != nil {
		_ = out.Close()
	}
	if errw != nil && errw != out {
		_ = errw.Close()
	}
}
