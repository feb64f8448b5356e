//go:build linux

package guestagent

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/banksean/bux/internal/wire"
	"github.com/creack/pty"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const ioChunkSize = 4096

// handleExec spawns the requested command and multiplexes its I/O with the
// connection until the process exits.
func (a *Agent) handleExec(conn io.ReadWriter, req wire.ExecStart) error {
	execID := a.nextExecID()
	spawnT0 := time.Now()

	if req.TTY != nil {
		return handlePty(conn, req, execID, spawnT0)
	}
	return handlePipe(conn, req, execID, spawnT0)
}

// applyExecOptions sets cwd, env, and the setgid-then-setuid credential
// drop shared by both pipe and PTY spawn paths. gid is applied before uid:
// dropping uid first would forfeit the privilege needed to change gid.
func applyExecOptions(cmd *exec.Cmd, req wire.ExecStart) {
	if req.Cwd != nil {
		cmd.Dir = *req.Cwd
	}
	cmd.Env = append(append([]string(nil), os.Environ()...), req.Env...)

	if req.GID != nil || req.UID != nil {
		if cmd.SysProcAttr == nil {
			cmd.SysProcAttr = &syscall.SysProcAttr{}
		}
		cred := &syscall.Credential{}
		if req.GID != nil {
			cred.Gid = *req.GID
		}
		if req.UID != nil {
			cred.Uid = *req.UID
		}
		cmd.SysProcAttr.Credential = cred
	}
}

// connWriter serializes frame writes to conn across concurrent output
// pumps — net.Conn tolerates concurrent reads and writes, but two
// goroutines each calling wire.Send would otherwise interleave the
// header/payload writes of two different frames.
type connWriter struct {
	mu   sync.Mutex
	conn io.Writer
}

func (c *connWriter) send(m wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.Send(c.conn, m)
}

func handlePipe(conn io.ReadWriter, req wire.ExecStart, execID string, spawnT0 time.Time) error {
	cmd := exec.Command(req.Cmd, req.Args...)
	applyExecOptions(cmd, req)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return sendExecError(conn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return sendExecError(conn, err)
	}
	var stdin io.WriteCloser
	if req.StdinEnabled {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return sendExecError(conn, err)
		}
	}

	if err := cmd.Start(); err != nil {
		return sendExecError(conn, err)
	}

	pid := int32(cmd.Process.Pid)
	out := &connWriter{conn: conn}
	if err := out.send(wire.HelloAckExecStarted{ExecID: execID, PID: pid}); err != nil {
		return err
	}

	var timedOut atomic.Bool
	stopTimeout := startTimeoutWatcher(req.TimeoutMs, pid, &timedOut)
	defer stopTimeout()

	// Stdin reading and signal delivery run detached: the join gate below
	// only waits on the two output streams, per spec. Once the connection
	// closes (by the caller, after handleExec returns) this goroutine's
	// blocked Recv unblocks and it exits.
	go pumpPipeInput(conn, stdin, pid)

	var g errgroup.Group
	g.Go(func() error {
		return pumpOutput(out, stdout, func(b []byte) wire.Message { return wire.ExecOutStdout{Data: b} })
	})
	g.Go(func() error {
		return pumpOutput(out, stderr, func(b []byte) wire.Message { return wire.ExecOutStderr{Data: b} })
	})
	// Errors here mean the connection died mid-stream; the exit frame below
	// will also fail to send, and the caller logs that.
	_ = g.Wait()

	status := cmd.Wait()
	return sendExit(out, status, spawnT0, timedOut.Load())
}

// pumpOutput copies from r, framing each read via wrap, until EOF or a read
// error — either of which marks this output stream done, not a failure.
func pumpOutput(out *connWriter, r io.Reader, wrap func([]byte) wire.Message) error {
	buf := make([]byte, ioChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if sendErr := out.send(wrap(chunk)); sendErr != nil {
				return sendErr
			}
		}
		if err != nil {
			return nil
		}
	}
}

// pumpPipeInput reads ExecIn messages off the connection and applies them
// to the child until the connection disconnects, in which case the child
// is killed. stdin may be nil when the request did not enable it.
func pumpPipeInput(conn io.Reader, stdin io.WriteCloser, pid int32) {
	for {
		m, err := wire.Recv(conn)
		if err != nil {
			_ = unix.Kill(int(pid), unix.SIGKILL)
			return
		}
		switch v := m.(type) {
		case wire.ExecInStdin:
			if stdin != nil {
				_, _ = stdin.Write(v.Data)
			}
		case wire.ExecInStdinClose:
			if stdin != nil {
				_ = stdin.Close()
				stdin = nil
			}
		case wire.ExecInSignal:
			_ = unix.Kill(int(pid), unix.Signal(v.Signal))
		case wire.ExecInResizeTty:
			// Ignored in pipe mode.
		}
	}
}

func handlePty(conn io.ReadWriter, req wire.ExecStart, execID string, spawnT0 time.Time) error {
	cmd := exec.Command(req.Cmd, req.Args...)
	applyExecOptions(cmd, req)

	// StartWithSize allocates the PTY, wires the slave to stdin/stdout/
	// stderr, and sets Setsid+Setctty on cmd.SysProcAttr itself.
	master, err := pty.StartWithSize(cmd, ptySizeOf(req.TTY))
	if err != nil {
		return sendExecError(conn, err)
	}
	defer master.Close()

	pid := int32(cmd.Process.Pid)
	out := &connWriter{conn: conn}
	if err := out.send(wire.HelloAckExecStarted{ExecID: execID, PID: pid}); err != nil {
		return err
	}

	var timedOut atomic.Bool
	stopTimeout := startTimeoutWatcher(req.TimeoutMs, pid, &timedOut)
	defer stopTimeout()

	go pumpPtyInput(conn, master, pid)

	err = pumpOutput(out, master, func(b []byte) wire.Message { return wire.ExecOutStdout{Data: b} })
	_ = err // read side of a closed PTY master returns an error at child exit; not fatal.

	status := waitByPid(pid)
	return sendExit(out, status, spawnT0, timedOut.Load())
}

// pumpPtyInput mirrors pumpPipeInput for PTY mode: stdin writes go to the
// master, StdinClose is a no-op (PTYs have no separate EOF concept), and
// ResizeTty drives TIOCSWINSZ via pty.Setsize.
func pumpPtyInput(conn io.Reader, master *os.File, pid int32) {
	for {
		m, err := wire.Recv(conn)
		if err != nil {
			_ = unix.Kill(int(pid), unix.SIGKILL)
			return
		}
		switch v := m.(type) {
		case wire.ExecInStdin:
			_, _ = master.Write(v.Data)
		case wire.ExecInStdinClose:
		case wire.ExecInSignal:
			_ = unix.Kill(int(pid), unix.Signal(v.Signal))
		case wire.ExecInResizeTty:
			_ = pty.Setsize(master, ptySizeOf(&v.Size))
		}
	}
}

func ptySizeOf(size *wire.PtySize) *pty.Winsize {
	if size == nil {
		return nil
	}
	return &pty.Winsize{
		Rows: uint16(size.Rows),
		Cols: uint16(size.Cols),
		X:    uint16(size.XPixel),
		Y:    uint16(size.YPixel),
	}
}

// waitByPid harvests a PTY-mode child by pid with wait4. ECHILD (already
// reaped because SIGCHLD is ignored at boot) is treated as a clean exit.
func waitByPid(pid int32) error {
	var ws unix.WaitStatus
	_, err := unix.Wait4(int(pid), &ws, 0, nil)
	if errors.Is(err, unix.ECHILD) {
		return nil
	}
	if err != nil {
		return err
	}
	if ws.Exited() && ws.ExitStatus() == 0 {
		return nil
	}
	return &exitError{status: ws}
}

type exitError struct{ status unix.WaitStatus }

func (e *exitError) Error() string { return "process did not exit cleanly" }

func startTimeoutWatcher(timeoutMs uint64, pid int32, timedOut *atomic.Bool) func() {
	if timeoutMs == 0 {
		return func() {}
	}
	timer := time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		timedOut.Store(true)
		_ = unix.Kill(int(pid), unix.SIGKILL)
	})
	return func() { timer.Stop() }
}

func sendExecError(conn io.Writer, err error) error {
	info := wire.ErrorInfo{Code: wire.ErrCodeInternal, Message: err.Error()}
	return wire.Send(conn, wire.HelloAckError{Info: info})
}

// sendExit translates a wait outcome into ExecOut::Exit. status is the
// error returned by exec.Cmd.Wait or waitByPid: nil means a clean exit,
// *exec.ExitError or *exitError carry the code/signal.
func sendExit(out *connWriter, status error, spawnT0 time.Time, timedOut bool) error {
	exit := wire.ExecOutExit{
		DurationMs: time.Since(spawnT0).Milliseconds(),
		TimedOut:   timedOut,
	}

	switch e := status.(type) {
	case nil:
		exit.Code = 0
	case *exec.ExitError:
		ws, ok := e.Sys().(syscall.WaitStatus)
		if !ok {
			exit.Code = int32(e.ExitCode())
			break
		}
		if ws.Signaled() {
			sig := int32(ws.Signal())
			exit.Signal = &sig
		} else {
			exit.Code = int32(ws.ExitStatus())
		}
	case *exitError:
		if e.status.Signaled() {
			sig := int32(e.status.Signal())
			exit.Signal = &sig
		} else {
			exit.Code = int32(e.status.ExitStatus())
		}
	default:
		exit.Code = -1
		exit.ErrorMessage = status.Error()
	}

	return out.send(exit)
}
