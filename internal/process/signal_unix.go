//go:build !windows

package process

import "syscall"

// terminate asks the whole process group to exit.
func terminate(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// kill forcibly ends the whole process group.
func kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
