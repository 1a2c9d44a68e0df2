//go:build unix

package vm

import "syscall"

// detachedProcAttr starts the hypervisor in its own session so it survives
// signals delivered to the grader's process group.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
