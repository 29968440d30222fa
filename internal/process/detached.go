package process

import (
	"fmt"
	"os/exec"
)

// StartDetached launches name with args outside the shell's process group
// and releases it; the shell never waits on it. Used for installers.
func StartDetached(name string, args ...string) (int, error) {
	// #nosec G204 installer path comes from a verified download
	cmd := exec.Command(name, args...)
	configureDetached(cmd)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}
