// Package runtime is the VM lifecycle manager: it turns a vmconfig.Config
// into a running, jailed shim process, persists a state record, and hands
// back a VmHandle bundling the client, registry reference, and keepalive
// needed to operate on it afterward.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banksean/bux/internal/diskmgr"
	"github.com/banksean/bux/internal/hostclient"
	"github.com/banksean/bux/internal/jail"
	"github.com/banksean/bux/internal/registry"
	"github.com/banksean/bux/internal/vmconfig"
	"github.com/banksean/bux/internal/wire"
	"github.com/goombaio/namegenerator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
)

const socksDirName = "socks"

var tracer = otel.Tracer("github.com/banksean/bux/internal/runtime")

var (
	// ErrNameTaken is returned by Spawn when a name is supplied and a
	// record with that name already exists.
	ErrNameTaken = errors.New("runtime: name already in use")
	// ErrRunning is returned by Remove when the target VM is still Running
	// or Paused.
	ErrRunning = errors.New("runtime: vm is running")
	// ErrReadinessTimeout is returned by Spawn when the agent does not
	// answer the handshake probe within the readiness budget.
	ErrReadinessTimeout = errors.New("runtime: readiness timeout")
)

const readinessBudget = 5 * time.Second

// Runtime owns the data directory layout described in the spec: the state
// registry, the socks/ directory of per-VM sockets and transient config
// files, and the disk manager's base/overlay subdirectories.
type Runtime struct {
	dataDir  string
	socksDir string
	reg      *registry.Registry
	disks    *diskmgr.Manager
	shimPath string
}

// Open opens (creating if needed) the runtime's data directory layout at
// dataDir, using shimPath as the VM-booting shim binary.
func Open(dataDir, shimPath string, buildExt4 diskmgr.Ext4Builder, estimateSize diskmgr.SizeEstimator) (*Runtime, error) {
	socksDir := filepath.Join(dataDir, socksDirName)
	if err := os.MkdirAll(socksDir, 0o750); err != nil {
		return nil, fmt.Errorf("runtime: create socks dir: %w", err)
	}

	reg, err := registry.Open(filepath.Join(dataDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("runtime: open registry: %w", err)
	}

	disks, err := diskmgr.Open(dataDir, buildExt4, estimateSize)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("runtime: open disk manager: %w", err)
	}

	return &Runtime{dataDir: dataDir, socksDir: socksDir, reg: reg, disks: disks, shimPath: shimPath}, nil
}

func (rt *Runtime) Close() error { return rt.reg.Close() }

// Spawn creates and starts a new VM from cfg, implementing every step of the
// spawn sequence: name-uniqueness check, id/socket allocation, config
// finalization, overlay creation, transient config persistence, jailed shim
// launch, state insertion, and readiness probing.
func (rt *Runtime) Spawn(ctx context.Context, cfg vmconfig.Config, imageRef, name string, autoRemove bool) (_ *VmHandle, err error) {
	ctx, span := tracer.Start(ctx, "runtime.Spawn", trace.WithAttributes(
		attribute.String("bux.image_ref", imageRef),
		attribute.String("bux.name", name),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if name == "" {
		suggested, err := rt.suggestName()
		if err != nil {
			return nil, err
		}
		name = suggested
	} else if _, err := rt.reg.GetByName(name); err == nil {
		return nil, fmt.Errorf("runtime: spawn %q: %w", name, ErrNameTaken)
	} else if !errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("runtime: check name %q: %w", name, err)
	}

	id := newID()
	sockPath := filepath.Join(rt.socksDir, id+".sock")

	cfg = vmconfig.WithAutoRemove(cfg, autoRemove)
	cfg = vmconfig.WithAgentVsock(cfg, wire.AgentPort, sockPath)

	if cfg.OverlayBaseDigest != "" {
		overlayPath, err := rt.disks.CreateOverlay(rt.disks.BasePath(cfg.OverlayBaseDigest), id)
		if err != nil {
			return nil, fmt.Errorf("runtime: create overlay for %s: %w", id, err)
		}
		cfg = vmconfig.WithRootDisk(cfg, overlayPath)
	}

	configPath := filepath.Join(rt.socksDir, id+".json")
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("runtime: marshal config for %s: %w", id, err)
	}
	if err := os.WriteFile(configPath, configJSON, 0o600); err != nil {
		return nil, fmt.Errorf("runtime: write config for %s: %w", id, err)
	}

	profile := jail.Profile{
		RootPath:          rootPath(cfg),
		ConfigFile:        configPath,
		SocksDir:          rt.socksDir,
		VirtiofsHostPaths: virtiofsPaths(cfg),
		KVMPresent:        true,
	}

	proc, keepalive, err := jail.Launch(rt.shimPath, []string{configPath}, profile, os.Environ())
	if err != nil {
		os.Remove(configPath)
		if cfg.RootDisk != "" && cfg.OverlayBaseDigest != "" {
			rt.disks.RemoveVMDisk(id)
		}
		return nil, fmt.Errorf("runtime: launch shim for %s: %w", id, err)
	}

	rec := registry.Record{
		ID:         id,
		Name:       name,
		PID:        proc.Pid,
		ImageRef:   imageRef,
		SocketPath: sockPath,
		Status:     registry.StatusRunning,
		AutoRemove: autoRemove,
		ConfigJSON: string(configJSON),
	}
	if err := rt.reg.Insert(rec); err != nil {
		keepalive.Close()
		return nil, fmt.Errorf("runtime: insert record %s: %w", id, err)
	}

	h := &VmHandle{
		rt:        rt,
		id:        id,
		client:    hostclient.New(sockPath),
		keepalive: keepalive,
	}

	if err := rt.awaitReadiness(ctx, proc.Pid, h.client); err != nil {
		readyErr := rt.diagnoseReadinessFailure(err, proc.Pid, cfg)
		if autoRemove {
			keepalive.Close()
			rt.cleanupVM(id, sockPath, cfg)
		}
		return nil, readyErr
	}

	rec, getErr := rt.reg.GetByID(id)
	if getErr == nil {
		h.state = rec
	}
	return h, nil
}

// awaitReadiness races a handshake probe against a poll of the child pid,
// for up to readinessBudget.
func (rt *Runtime) awaitReadiness(ctx context.Context, pid int, client *hostclient.Client) error {
	deadline := time.Now().Add(readinessBudget)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		err := client.Handshake(probeCtx)
		cancel()
		if err == nil {
			return nil
		}

		if killErr := unix.Kill(pid, 0); killErr != nil {
			return fmt.Errorf("runtime: child process %d exited before readiness: %w", pid, killErr)
		}
		if time.Now().After(deadline) {
			return ErrReadinessTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (rt *Runtime) diagnoseReadinessFailure(err error, pid int, cfg vmconfig.Config) error {
	if errors.Is(err, ErrReadinessTimeout) {
		return ErrReadinessTimeout
	}
	if cfg.ConsoleOutputPath != "" {
		return fmt.Errorf("runtime: vm (pid %d) failed to become ready; see console output at %s: %w", pid, cfg.ConsoleOutputPath, err)
	}
	return fmt.Errorf("runtime: vm (pid %d) failed to become ready: %w", pid, err)
}

// cleanupVM removes a VM's state record, socket, and overlay, best-effort.
func (rt *Runtime) cleanupVM(id, sockPath string, cfg vmconfig.Config) {
	rt.reg.Delete(id)
	os.Remove(sockPath)
	os.Remove(filepath.Join(rt.socksDir, id+".json"))
	if cfg.OverlayBaseDigest != "" {
		rt.disks.RemoveVMDisk(id)
	}
}

// suggestName generates a friendly auto-name for a VM whose caller didn't
// supply one, retrying on an unlikely collision. The short hex id assigned
// in Spawn remains the canonical, salted identifier; this name is purely a
// human-facing convenience, matching cmd/sand's NewCmd default-ID pattern.
func (rt *Runtime) suggestName() (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		seed := time.Now().UnixNano() + int64(attempt)
		candidate := namegenerator.NewNameGenerator(seed).Generate()
		if _, err := rt.reg.GetByName(candidate); errors.Is(err, registry.ErrNotFound) {
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("runtime: check suggested name %q: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("runtime: could not find an unused generated name")
}

func rootPath(cfg vmconfig.Config) string {
	if cfg.RootDisk != "" {
		return cfg.RootDisk
	}
	return cfg.RootDir
}

func virtiofsPaths(cfg vmconfig.Config) []string {
	paths := make([]string, len(cfg.Virtiofs))
	for i, share := range cfg.Virtiofs {
		paths[i] = share.HostPath
	}
	return paths
}

// reconcile rechecks liveness for a single record via kill(pid, 0),
// demoting Running/Paused records whose process is gone to Stopped.
func (rt *Runtime) reconcile(rec registry.Record) registry.Record {
	if rec.Status != registry.StatusRunning && rec.Status != registry.StatusPaused {
		return rec
	}
	if unix.Kill(rec.PID, 0) == nil {
		return rec
	}
	rec.Status = registry.StatusStopped
	rt.reg.UpdateStatus(rec.ID, registry.StatusStopped)
	return rec
}

// List reconciles and returns every record, sweeping stopped auto_remove
// records (and their socket/overlay) as it goes.
func (rt *Runtime) List() ([]registry.Record, error) {
	recs, err := rt.reg.List()
	if err != nil {
		return nil, err
	}

	var out []registry.Record
	for _, rec := range recs {
		rec = rt.reconcile(rec)
		if rec.Status == registry.StatusStopped && rec.AutoRemove {
			rt.sweep(rec)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (rt *Runtime) sweep(rec registry.Record) {
	rt.reg.Delete(rec.ID)
	os.Remove(rec.SocketPath)
	os.Remove(filepath.Join(rt.socksDir, rec.ID+".json"))
	rt.disks.RemoveVMDisk(rec.ID)
}

// Get resolves id (exact id, unique prefix, or name) and reconciles it.
func (rt *Runtime) Get(idOrName string) (registry.Record, error) {
	rec, err := rt.reg.GetByName(idOrName)
	if errors.Is(err, registry.ErrNotFound) {
		rec, err = rt.reg.GetByIDPrefix(idOrName)
	}
	if err != nil {
		return registry.Record{}, err
	}
	return rt.reconcile(rec), nil
}

// Handle resolves idOrName and returns a VmHandle for it.
func (rt *Runtime) Handle(idOrName string) (*VmHandle, error) {
	rec, err := rt.Get(idOrName)
	if err != nil {
		return nil, err
	}
	return &VmHandle{rt: rt, id: rec.ID, state: rec, client: hostclient.New(rec.SocketPath)}, nil
}

// Rename atomically updates a record's name, rejecting if newName is held
// by a different id.
func (rt *Runtime) Rename(idOrName, newName string) error {
	rec, err := rt.Get(idOrName)
	if err != nil {
		return err
	}
	return rt.reg.UpdateName(rec.ID, newName)
}

// Remove deletes a stopped VM's socket, overlay, and state row. Running or
// Paused VMs are rejected.
func (rt *Runtime) Remove(idOrName string) error {
	rec, err := rt.Get(idOrName)
	if err != nil {
		return err
	}
	if rec.Status == registry.StatusRunning || rec.Status == registry.StatusPaused {
		return fmt.Errorf("runtime: remove %s: %w", rec.ID, ErrRunning)
	}
	rt.sweep(rec)
	return nil
}
