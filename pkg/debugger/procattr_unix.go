//go:build !windows

package debugger

import "syscall"

// detachedProcAttr starts the child in its own session so it outlives
// the caller's process group.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
