//go:build linux

// Package preexec applies pre-spawn hardening to the child that will boot
// a VM: die-with-parent and inherited-descriptor cleanup.
//
// The original C/Rust technique installs a pre-exec hook that runs in the
// forked child immediately before exec. Go's exec.Cmd offers no such hook —
// arbitrary Go code cannot safely run between fork and exec in a forked
// child. The Go-idiomatic equivalent achieves the same outcome from the
// parent side: any file descriptor without FD_CLOEXEC survives exec into
// the child at the same fd number, so marking every descriptor not
// explicitly meant to pass through as close-on-exec, before Start, has the
// identical effect on the child as closing them after fork would.
package preexec

import (
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// Apply sets the child's parent-death signal on attr, creating one if nil.
func Apply(attr *syscall.SysProcAttr) *syscall.SysProcAttr {
	if attr == nil {
		attr = &syscall.SysProcAttr{}
	}
	attr.Pdeathsig = syscall.SIGKILL
	return attr
}

// SealInheritedFDs marks every open descriptor >= 3 other than those in
// keep as close-on-exec, in the calling (parent) process. Call this
// immediately before starting the child.
func SealInheritedFDs(keep ...int) error {
	keepSet := make(map[int]bool, len(keep))
	for _, fd := range keep {
		keepSet[fd] = true
	}

	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return fallbackSealRange(keepSet)
	}
	for _, e := range entries {
		fd, err := strconv.Atoi(e.Name())
		if err != nil || fd < 3 || keepSet[fd] {
			continue
		}
		setCloexec(fd)
	}
	return nil
}

func fallbackSealRange(keep map[int]bool) error {
	var rlim unix.Rlimit
	limit := 1024
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err == nil && rlim.Cur > 0 {
		limit = int(rlim.Cur)
	}
	for fd := 3; fd < limit; fd++ {
		if keep[fd] {
			continue
		}
		setCloexec(fd)
	}
	return nil
}

func setCloexec(fd int) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return
	}
	unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC)
}
