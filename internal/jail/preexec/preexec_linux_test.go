//go:build linux

package preexec

import (
	"os"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

func TestApplySetsParentDeathSignal(t *testing.T) {
	attr := Apply(nil)
	if attr.Pdeathsig != syscall.SIGKILL {
		t.Fatalf("expected SIGKILL, got %v", attr.Pdeathsig)
	}
}

func TestSealInheritedFDsKeepsListed(t *testing.T) {
	// os.Pipe sets O_CLOEXEC on both ends; create the pair without it so
	// the test observes what SealInheritedFDs itself changes.
	var p [2]int
	if err := unix.Pipe2(p[:], 0); err != nil {
		t.Fatalf("Pipe2: %v", err)
	}
	r := os.NewFile(uintptr(p[0]), "pipe-read")
	w := os.NewFile(uintptr(p[1]), "pipe-write")
	defer r.Close()
	defer w.Close()

	if err := SealInheritedFDs(int(r.Fd())); err != nil {
		t.Fatalf("SealInheritedFDs: %v", err)
	}

	wFlags, err := unix.FcntlInt(w.Fd(), unix.F_GETFD, 0)
	if err != nil {
		t.Fatalf("fcntl on w: %v", err)
	}
	if wFlags&unix.FD_CLOEXEC == 0 {
		t.Fatal("expected write end to be sealed close-on-exec")
	}

	rFlags, err := unix.FcntlInt(r.Fd(), unix.F_GETFD, 0)
	if err != nil {
		t.Fatalf("fcntl on r: %v", err)
	}
	if rFlags&unix.FD_CLOEXEC != 0 {
		t.Fatal("expected kept read end to remain non-cloexec")
	}
}
