package guestagent

import (
	"bufio"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// tmpfsMount is a directory that must be backed by tmpfs rather than the
// virtiofs root, since virtiofs does not support the open-unlink-fstat
// pattern many programs rely on.
type tmpfsMount struct {
	path string
	mode os.FileMode
}

var tmpfsMounts = []tmpfsMount{
	{path: "/tmp", mode: 0o1777},
	{path: "/var/tmp", mode: 0o1777},
	{path: "/run", mode: 0o755},
}

// skipFsTypes are virtual/pseudo filesystems that must not be frozen.
var skipFsTypes = map[string]bool{
	"proc": true, "sysfs": true, "devtmpfs": true, "devpts": true,
	"tmpfs": true, "cgroup": true, "cgroup2": true, "securityfs": true,
	"debugfs": true, "tracefs": true, "configfs": true, "fusectl": true,
	"mqueue": true, "hugetlbfs": true, "pstore": true, "binfmt_misc": true,
	"autofs": true, "rpc_pipefs": true, "nfsd": true, "overlay": true,
	"virtiofs": true,
}

// Defined in include/uapi/linux/fs.h: FIFREEZE = _IOWR('X', 119, int),
// FITHAW = _IOWR('X', 120, int). Not exposed as named constants by
// golang.org/x/sys/unix.
const (
	fifreeze = 0xC0045877
	fithaw   = 0xC0045878
)

func installChildReaper() {
	signal.Ignore(syscall.SIGCHLD)
}

// mountEssentialTmpfs mounts tmpfs at each tmpfsMounts target not already
// backed by tmpfs. Failures are non-fatal: a target that can't be mounted
// is left as-is.
func mountEssentialTmpfs() {
	for _, m := range tmpfsMounts {
		if isTmpfs(m.path) {
			continue
		}
		_ = os.MkdirAll(m.path, 0o755)
		if err := unix.Mount("", m.path, "tmpfs", 0, ""); err == nil {
			_ = os.Chmod(m.path, m.mode)
		}
	}
}

func isTmpfs(path string) bool {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		if fields[1] == path && fields[2] == "tmpfs" {
			return true
		}
	}
	return false
}

// mountTracker remembers the mount points frozen by the most recent
// Quiesce so a subsequent Thaw can undo precisely that freeze.
type mountTracker struct {
	mu     sync.Mutex
	frozen []string
}

// freeze walks /proc/mounts, issues FIFREEZE on every writable, non-virtual
// filesystem, and records the set that froze successfully.
func (t *mountTracker) freeze() int {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return 0
	}
	defer f.Close()

	var frozen []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		mountPoint, fsType, options := fields[1], fields[2], fields[3]
		if skipFsTypes[fsType] {
			continue
		}
		if hasOption(options, "ro") {
			continue
		}

		mf, err := os.Open(mountPoint)
		if err != nil {
			continue
		}
		err = unix.IoctlSetInt(int(mf.Fd()), fifreeze, 0)
		mf.Close()
		switch err {
		case nil:
			frozen = append(frozen, mountPoint)
		case unix.EBUSY:
			// Already frozen — count as success.
			frozen = append(frozen, mountPoint)
		default:
			// EOPNOTSUPP and anything else: skip silently.
		}
	}

	t.mu.Lock()
	t.frozen = frozen
	t.mu.Unlock()
	return len(frozen)
}

// thaw takes ownership of the recorded frozen list and issues FITHAW on
// each, returning the number successfully thawed.
func (t *mountTracker) thaw() int {
	t.mu.Lock()
	frozen := t.frozen
	t.frozen = nil
	t.mu.Unlock()

	count := 0
	for _, mountPoint := range frozen {
		mf, err := os.Open(mountPoint)
		if err != nil {
			continue
		}
		err = unix.IoctlSetInt(int(mf.Fd()), fithaw, 0)
		mf.Close()
		if err == nil {
			count++
		}
	}
	return count
}

func hasOption(options, want string) bool {
	for _, o := range strings.Split(options, ",") {
		if o == want {
			return true
		}
	}
	return false
}
