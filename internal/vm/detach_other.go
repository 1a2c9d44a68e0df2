//go:build !unix

package vm

import "syscall"

func detachedProcAttr() *syscall.SysProcAttr {
	return nil
}
