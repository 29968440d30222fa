//go:build windows

package process

import (
	"os/exec"
	"strconv"
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const processTerminate = 0x0001

// terminate asks the process tree to close. Console JVMs usually ignore
// this, so Stop's grace timer escalates to kill.
func terminate(pid int) error {
	// #nosec G204 fixed binary, numeric argument
	return exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T").Run()
}

// kill terminates the process via TerminateProcess.
func kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	h, _, _ := procOpenProcess.Call(uintptr(processTerminate), 0, uintptr(pid))
	if h == 0 {
		// already gone
		return nil
	}
	defer func() { _, _, _ = procCloseHandle.Call(h) }()
	if ret, _, err := procTerminateProcess.Call(h, uintptr(1)); ret == 0 {
		return err
	}
	return nil
}
