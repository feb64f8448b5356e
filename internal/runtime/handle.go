package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banksean/bux/internal/hostclient"
	"github.com/banksean/bux/internal/jail/watchdog"
	"github.com/banksean/bux/internal/registry"
	"github.com/banksean/bux/internal/wire"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
)

// VmHandle bundles a VM's current state snapshot, a reference back to the
// owning Runtime's registry, a stateless client, and — when this process is
// the one that spawned the VM — the watchdog Keepalive whose presence keeps
// the child alive.
type VmHandle struct {
	rt        *Runtime
	id        string
	state     registry.Record
	client    *hostclient.Client
	keepalive *watchdog.Keepalive
}

func (h *VmHandle) ID() string               { return h.id }
func (h *VmHandle) State() registry.Record   { return h.state }
func (h *VmHandle) Client() *hostclient.Client { return h.client }

// Close drops this handle's Keepalive, if any, causing the child to exit
// within one watchdog poll cycle.
func (h *VmHandle) Close() error {
	if h.keepalive == nil {
		return nil
	}
	return h.keepalive.Close()
}

// Stop sends a best-effort graceful ControlReq::Shutdown, then waits up to
// timeout for the process to disappear before escalating to SIGKILL.
func (h *VmHandle) Stop(ctx context.Context, timeout time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	_ = h.client.Shutdown(shutdownCtx)
	cancel()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if unix.Kill(h.state.PID, 0) != nil {
			return h.markStopped()
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := unix.Kill(h.state.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("runtime: kill %d: %w", h.state.PID, err)
	}
	return h.markStopped()
}

// Kill sends SIGKILL immediately.
func (h *VmHandle) Kill() error {
	if err := unix.Kill(h.state.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("runtime: kill %d: %w", h.state.PID, err)
	}
	return nil
}

// Pause freezes guest filesystems and stops the process. Only valid from
// Running.
func (h *VmHandle) Pause(ctx context.Context) error {
	if h.state.Status != registry.StatusRunning {
		return fmt.Errorf("runtime: pause %s: not running", h.id)
	}
	if _, err := h.client.Quiesce(ctx); err != nil {
		return fmt.Errorf("runtime: quiesce %s: %w", h.id, err)
	}
	if err := unix.Kill(h.state.PID, unix.SIGSTOP); err != nil {
		return fmt.Errorf("runtime: sigstop %s: %w", h.id, err)
	}
	return h.setStatus(registry.StatusPaused)
}

// Resume thaws guest filesystems and continues the process. Only valid from
// Paused.
func (h *VmHandle) Resume(ctx context.Context) error {
	if h.state.Status != registry.StatusPaused {
		return fmt.Errorf("runtime: resume %s: not paused", h.id)
	}
	if err := unix.Kill(h.state.PID, unix.SIGCONT); err != nil {
		return fmt.Errorf("runtime: sigcont %s: %w", h.id, err)
	}
	if _, err := h.client.Thaw(ctx); err != nil {
		return fmt.Errorf("runtime: thaw %s: %w", h.id, err)
	}
	return h.setStatus(registry.StatusRunning)
}

// Signal delivers signal n to the process.
func (h *VmHandle) Signal(n int) error {
	if err := unix.Kill(h.state.PID, unix.Signal(n)); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("runtime: signal %d to %d: %w", n, h.state.PID, err)
	}
	return nil
}

// Wait blocks until the process exits, then marks the VM stopped (and, if
// auto_remove, deletes its state, socket, and overlay).
func (h *VmHandle) Wait(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if unix.Kill(h.state.PID, 0) != nil {
			return h.markStopped()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// markStopped runs the "mark stopped" procedure: delete on auto_remove,
// otherwise persist Stopped.
func (h *VmHandle) markStopped() error {
	if h.state.AutoRemove {
		h.rt.sweep(h.state)
		h.state.Status = registry.StatusStopped
		return nil
	}
	if err := h.setStatus(registry.StatusStopped); err != nil {
		return err
	}
	return nil
}

func (h *VmHandle) setStatus(status registry.Status) error {
	if err := h.rt.reg.UpdateStatus(h.id, status); err != nil {
		return fmt.Errorf("runtime: update status %s: %w", h.id, err)
	}
	h.state.Status = status
	return nil
}

// Exec opens a new exec session against the guest.
func (h *VmHandle) Exec(ctx context.Context, req wire.ExecStart) (*hostclient.ExecHandle, error) {
	return h.client.Exec(ctx, req)
}

// ExecOutput runs req to completion and returns its accumulated output.
func (h *VmHandle) ExecOutput(ctx context.Context, req wire.ExecStart) (_ hostclient.ExecOutput, err error) {
	ctx, span := tracer.Start(ctx, "runtime.ExecOutput", trace.WithAttributes(
		attribute.String("bux.vm_id", h.id),
		attribute.String("bux.cmd", req.Cmd),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	eh, err := h.client.Exec(ctx, req)
	if err != nil {
		return hostclient.ExecOutput{}, err
	}
	defer eh.Close()
	return eh.WaitWithOutput()
}

func (h *VmHandle) ReadFile(ctx context.Context, path string, dst io.Writer) error {
	return h.client.ReadFile(ctx, path, dst)
}

func (h *VmHandle) WriteFile(ctx context.Context, path string, mode uint32, src io.Reader) error {
	return h.client.WriteFile(ctx, path, mode, src)
}

// CopyIn archives hostSrcPath and streams it into dest inside the guest.
func (h *VmHandle) CopyIn(ctx context.Context, dest, hostSrcPath string) error {
	tarPath, err := buildTarFromPath(hostSrcPath)
	if err != nil {
		return fmt.Errorf("runtime: build copy-in archive: %w", err)
	}
	defer os.Remove(tarPath)

	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return h.client.CopyInFromReader(ctx, dest, f)
}

// CopyInFromReader streams a tarball directly from src into dest, without
// building the archive from a host path first.
func (h *VmHandle) CopyInFromReader(ctx context.Context, dest string, src io.Reader) error {
	return h.client.CopyInFromReader(ctx, dest, src)
}

// CopyOut tars path inside the guest and extracts it into hostDestPath.
func (h *VmHandle) CopyOut(ctx context.Context, path string, followSymlinks bool, hostDestPath string) error {
	tmp, err := os.CreateTemp("", "bux-copyout-*.tar")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := h.client.CopyOutToWriter(ctx, path, followSymlinks, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return extractTarTo(tmpPath, hostDestPath)
}

// CopyOutToWriter streams a tarball of path from the guest directly into
// dst, without extracting it to a host path first.
func (h *VmHandle) CopyOutToWriter(ctx context.Context, path string, followSymlinks bool, dst io.Writer) error {
	return h.client.CopyOutToWriter(ctx, path, followSymlinks, dst)
}

func (h *VmHandle) Handshake(ctx context.Context) error {
	return h.client.Handshake(ctx)
}
