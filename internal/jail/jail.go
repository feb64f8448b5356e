// Package jail builds the platform sandbox wrapper around the shim process
// that boots a VM, and launches it with watchdog and pre-exec hardening
// applied. The actual sandbox binaries (bubblewrap on Linux, sandbox-exec
// on macOS) are external collaborators — this package only emits the
// argv/profile that drives them and wires up the child process.
package jail

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/banksean/bux/internal/jail/preexec"
	"github.com/banksean/bux/internal/jail/watchdog"
)

// Profile describes the filesystem surface a jailed child process needs.
type Profile struct {
	// RootPath is the rootfs directory or root-disk path the VM boots from.
	RootPath string
	// ConfigFile is the transient VM configuration JSON, mounted read-only.
	ConfigFile string
	// SocksDir is the per-VM sockets directory, bind-mounted so the guest's
	// Unix-socket endpoint is reachable from outside the jail.
	SocksDir string
	// VirtiofsHostPaths are additional host directories shared into the VM.
	VirtiofsHostPaths []string
	// KVMPresent indicates /dev/kvm should be bind-mounted when it exists.
	KVMPresent bool
}

// bubblewrapArgs builds the bwrap-style argv fragment (namespace isolation,
// read-only root, tmpfs, and the profile's bind mounts) that precedes the
// shim binary and its arguments on a Linux host.
func bubblewrapArgs(p Profile) []string {
	args := []string{
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--ro-bind", "/", "/",
		"--tmpfs", "/tmp",
		"--tmpfs", "/dev/shm",
		"--bind", p.SocksDir, p.SocksDir,
		"--bind", p.RootPath, p.RootPath,
		"--ro-bind", p.ConfigFile, p.ConfigFile,
	}
	for _, share := range p.VirtiofsHostPaths {
		args = append(args, "--bind", share, share)
	}
	if p.KVMPresent {
		if _, err := os.Stat("/dev/kvm"); err == nil {
			args = append(args, "--dev-bind", "/dev/kvm", "/dev/kvm")
		}
	}
	return args
}

// darwinSandboxProfile renders a deny-default Seatbelt profile allowing
// only the paths the VM needs, plus system libraries, hypervisor
// capabilities, and mach lookup.
func darwinSandboxProfile(p Profile) string {
	allow := fmt.Sprintf(`(version 1)
(deny default)
(allow file-read* file-write* (subpath %q))
(allow file-read* file-write* (subpath %q))
(allow file-read* (literal %q))
(allow file-read* (subpath "/usr/lib"))
(allow file-read* (subpath "/System/Library"))
(allow mach-lookup)
(allow hypervisor)
`, p.SocksDir, p.RootPath, p.ConfigFile)
	for _, share := range p.VirtiofsHostPaths {
		allow += fmt.Sprintf("(allow file-read* file-write* (subpath %q))\n", share)
	}
	return allow
}

// Launch starts the shim binary inside the platform sandbox wrapper with
// pre-exec hardening and a watchdog pipe. The watchdog read end is passed
// through the environment and as an inherited extra file.
func Launch(shimPath string, shimArgs []string, p Profile, env []string) (proc *os.Process, keepalive *watchdog.Keepalive, err error) {
	readEnd, keepalive, err := watchdog.Create()
	if err != nil {
		return nil, nil, fmt.Errorf("jail: create watchdog pipe: %w", err)
	}

	name, fullArgs, err := wrapperCommand(shimPath, shimArgs, p)
	if err != nil {
		readEnd.Close()
		keepalive.Close()
		return nil, nil, err
	}

	cmd := exec.Command(name, fullArgs...)
	cmd.ExtraFiles = []*os.File{readEnd}
	// ExtraFiles places readEnd at fd 3 in the child regardless of its fd
	// number here.
	cmd.Env = append(append([]string{}, env...), fmt.Sprintf("%s=%d", watchdog.EnvWatchdogFD, 3))
	cmd.SysProcAttr = preexec.Apply(cmd.SysProcAttr)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, os.Stdout, os.Stderr

	if err := preexec.SealInheritedFDs(int(readEnd.Fd())); err != nil {
		readEnd.Close()
		keepalive.Close()
		return nil, nil, fmt.Errorf("jail: seal inherited fds: %w", err)
	}

	if err := cmd.Start(); err != nil {
		readEnd.Close()
		keepalive.Close()
		return nil, nil, fmt.Errorf("jail: start shim: %w", err)
	}

	// The child has the read end across exec via ExtraFiles; the parent's
	// copy is no longer needed.
	readEnd.Close()

	return cmd.Process, keepalive, nil
}

// wrapperCommand returns the platform sandbox binary name and its full
// argv, with the shim and its arguments appended last.
func wrapperCommand(shimPath string, shimArgs []string, p Profile) (string, []string, error) {
	switch runtime.GOOS {
	case "linux":
		args := bubblewrapArgs(p)
		args = append(args, shimPath)
		args = append(args, shimArgs...)
		return "bwrap", args, nil
	case "darwin":
		profile := darwinSandboxProfile(p)
		args := []string{"-p", profile, shimPath}
		args = append(args, shimArgs...)
		return "sandbox-exec", args, nil
	default:
		return "", nil, fmt.Errorf("jail: unsupported platform %s", runtime.GOOS)
	}
}
