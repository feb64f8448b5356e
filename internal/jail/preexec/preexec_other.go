//go:build !linux

package preexec

import "syscall"

// Apply is a no-op on platforms without PR_SET_PDEATHSIG; the watchdog pipe
// is the portable parent-death mechanism everywhere.
func Apply(attr *syscall.SysProcAttr) *syscall.SysProcAttr {
	if attr == nil {
		attr = &syscall.SysProcAttr{}
	}
	return attr
}

// SealInheritedFDs is a no-op outside Linux; macOS jails rely on the
// sandbox profile to contain fd access instead.
func SealInheritedFDs(keep ...int) error { return nil }
