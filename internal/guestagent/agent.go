//go:build linux

// Package guestagent is the process that runs as PID 1 inside a bux VM. It
// mounts the tmpfs directories userspace needs, binds a vsock listener for
// the agent port, and dispatches each connection to the control, exec, or
// file channel named by its Hello.
package guestagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/banksean/bux/internal/wire"
	"github.com/mdlayher/vsock"
)

// Agent is the guest-side session dispatcher. It holds no per-connection
// state; Quiesce/Thaw state lives in the mountTracker it owns.
type Agent struct {
	bootT0  time.Time
	mounts  *mountTracker
	execSeq atomic.Uint64
}

// New constructs an Agent. Call Run to execute the boot phase and serve.
func New() *Agent {
	return &Agent{mounts: &mountTracker{}}
}

// Run performs the boot phase described in the guest agent specification,
// then accepts vsock connections until ctx is cancelled or the listener
// fails.
func (a *Agent) Run(ctx context.Context) error {
	a.bootT0 = time.Now()
	slog.Info("guest agent boot", "t_ms", 0)

	installChildReaper()

	mountEssentialTmpfs()
	slog.Info("guest agent tmpfs mounted", "t_ms", a.uptimeMs())

	ln, err := vsock.Listen(wire.AgentPort, nil)
	if err != nil {
		return fmt.Errorf("guestagent: bind vsock port %d: %w", wire.AgentPort, err)
	}
	defer ln.Close()
	slog.Info("guest agent listening", "port", wire.AgentPort, "t_ms", a.uptimeMs())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("guestagent: accept: %w", err)
		}
		go func() {
			defer conn.Close()
			if err := a.session(conn); err != nil && !errors.Is(err, io.EOF) {
				slog.Warn("guest agent session error", "error", err)
			}
		}()
	}
}

func (a *Agent) uptimeMs() int64 {
	return time.Since(a.bootT0).Milliseconds()
}

// session reads the connection's Hello and dispatches to the matching
// channel handler. Every connection carries exactly one logical operation.
func (a *Agent) session(conn io.ReadWriter) error {
	hello, err := wire.Recv(conn)
	if err != nil {
		return err
	}

	switch h := hello.(type) {
	case wire.HelloControl:
		if h.Version != wire.ProtocolVersion {
			info := wire.ErrorInfo{
				Code:    wire.ErrCodeVersionMismatch,
				Message: fmt.Sprintf("host protocol v%d, guest protocol v%d", h.Version, wire.ProtocolVersion),
			}
			return wire.Send(conn, wire.HelloAckError{Info: info})
		}
		if err := wire.Send(conn, wire.HelloAckControl{Version: wire.ProtocolVersion}); err != nil {
			return err
		}
		return a.handleControl(conn)

	case wire.HelloExec:
		return a.handleExec(conn, h.Start)

	case wire.HelloFileRead:
		if err := wire.Send(conn, wire.HelloAckReady{}); err != nil {
			return err
		}
		return handleFileRead(conn, h.Path)

	case wire.HelloFileWrite:
		if err := wire.Send(conn, wire.HelloAckReady{}); err != nil {
			return err
		}
		return handleFileWrite(conn, h.Path, h.Mode)

	case wire.HelloCopyIn:
		if err := wire.Send(conn, wire.HelloAckReady{}); err != nil {
			return err
		}
		return handleCopyIn(conn, h.Dest)

	case wire.HelloCopyOut:
		if err := wire.Send(conn, wire.HelloAckReady{}); err != nil {
			return err
		}
		return handleCopyOut(conn, h.Path, h.FollowSymlinks)

	default:
		return fmt.Errorf("guestagent: unexpected hello %T", hello)
	}
}

func (a *Agent) nextExecID() string {
	return fmt.Sprintf("exec-%d", a.execSeq.Add(1))
}
