// Package watchdog implements parent-death detection for the shim process
// via a pipe whose write end the parent holds close-on-exec and whose read
// end the child inherits across exec. This works on every Unix, unlike
// PR_SET_PDEATHSIG which Linux alone provides.
package watchdog

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// EnvWatchdogFD names the environment variable carrying the shim's
// inherited read-end file descriptor number.
const EnvWatchdogFD = "BUX_WATCHDOG_FD"

// Keepalive is the parent-held write end of the watchdog pipe. Closing it
// (via Close, or process exit) causes POLLHUP on the shim's read end.
type Keepalive struct {
	f *os.File
}

// Close drops the keepalive, signaling the shim to shut down.
func (k *Keepalive) Close() error {
	if k == nil || k.f == nil {
		return nil
	}
	return k.f.Close()
}

// Create opens a watchdog pipe pair. The returned read-end file lacks
// CLOEXEC so it survives exec into the shim; the Keepalive's write end has
// CLOEXEC set so it never leaks into the child.
func Create() (readEnd *os.File, keepalive *Keepalive, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], 0); err != nil {
		return nil, nil, fmt.Errorf("watchdog: pipe: %w", err)
	}
	read := os.NewFile(uintptr(fds[0]), "watchdog-read")
	write := os.NewFile(uintptr(fds[1]), "watchdog-write")

	flags, err := unix.FcntlInt(uintptr(fds[1]), unix.F_GETFD, 0)
	if err != nil {
		read.Close()
		write.Close()
		return nil, nil, fmt.Errorf("watchdog: get write-end flags: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fds[1]), unix.F_SETFD, flags|unix.FD_CLOEXEC); err != nil {
		read.Close()
		write.Close()
		return nil, nil, fmt.Errorf("watchdog: set CLOEXEC on write end: %w", err)
	}

	return read, &Keepalive{f: write}, nil
}

// WaitForParentDeath blocks the calling goroutine until POLLHUP fires on
// fd, meaning the parent exited or dropped its Keepalive. Errors other than
// EINTR are treated as parent death, per the policy the original shim
// leaves undocumented.
func WaitForParentDeath(fd int) {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: 0}}
	for {
		n, err := unix.Poll(pfd, -1)
		if n > 0 && pfd[0].Revents&unix.POLLHUP != 0 {
			return
		}
		if err != nil && err != unix.EINTR {
			return
		}
	}
}
