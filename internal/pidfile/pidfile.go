// Package pidfile records the running backend so that a later session can
// find and stop a backend orphaned by a shell that crashed.
package pidfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Record is the content of a pidfile.
type Record struct {
	PID         int   `json:"-"`
	Port        int   `json:"port,omitempty"`
	StartMillis int64 `json:"start_ms,omitempty"` // process create time; guards against pid reuse
}

// Write records pid and port at path. The first line is the PID; the
// second is JSON metadata.
func Write(path string, pid, port int) error {
	rec := Record{PID: pid, Port: port}
	if p, err := gopsproc.NewProcess(int32(pid)); err == nil {
		if ms, err := p.CreateTime(); err == nil {
			rec.StartMillis = ms
		}
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	body := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return os.WriteFile(path, []byte(body), 0o600)
}

// Read parses the pidfile at path. A missing file returns an error
// matching os.ErrNotExist.
func Read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return Record{}, fmt.Errorf("invalid pid in %s", path)
	}
	var rec Record
	if len(lines) >= 2 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &rec)
	}
	rec.PID = pid
	return rec, nil
}

// Remove deletes the pidfile; a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Alive reports whether the recorded process still runs. A record without a
// create time never counts as alive.
func (r Record) Alive() bool {
	_, ok := r.process()
	return ok
}

func (r Record) process() (*gopsproc.Process, bool) {
	if r.PID <= 0 {
		return nil, false
	}
	p, err := gopsproc.NewProcess(int32(r.PID))
	if err != nil {
		return nil, false
	}
	// Without a matching create time the pid may belong to anything.
	if r.StartMillis <= 0 {
		return nil, false
	}
	if ms, err := p.CreateTime(); err != nil || ms != r.StartMillis {
		return nil, false
	}
	return p, true
}

// Reap stops the process recorded at path, if it still runs: terminate,
// then kill after grace. Records without a create time are discarded
// unreaped. The pidfile is removed in every case. It reports whether a live
// process was found.
func Reap(ctx context.Context, path string, grace time.Duration) (Record, bool, error) {
	rec, err := Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, false, nil
	}
	defer func() { _ = Remove(path) }()
	if err != nil {
		return Record{}, false, err
	}
	p, ok := rec.process()
	if !ok {
		return rec, false, nil
	}

	_ = p.TerminateWithContext(ctx)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if running, err := p.IsRunningWithContext(ctx); err != nil || !running {
			return rec, true, nil
		}
		select {
		case <-ctx.Done():
			return rec, true, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	if err := p.KillWithContext(ctx); err != nil {
		return rec, true, fmt.Errorf("kill orphaned pid %d: %w", rec.PID, err)
	}
	return rec, true, nil
}
