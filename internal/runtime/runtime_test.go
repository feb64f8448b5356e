package runtime

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/banksean/bux/internal/registry"
	"github.com/banksean/bux/internal/vmconfig"
)

func openTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	dataDir := t.TempDir()
	noopBuild := func(rootfsDir, dest string, sizeBytes int64) error { return errors.New("not implemented in test") }
	noopSize := func(rootfsDir string) (int64, error) { return 0, errors.New("not implemented in test") }

	rt, err := Open(dataDir, "/bin/true", noopBuild, noopSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestSpawnRejectsDuplicateName(t *testing.T) {
	rt := openTestRuntime(t)

	if err := rt.reg.Insert(registry.Record{
		ID: "existing1", Name: "taken", PID: 1, SocketPath: "/tmp/x.sock",
		Status: registry.StatusRunning, ConfigJSON: "{}",
	}); err != nil {
		t.Fatalf("seed Insert: %v", err)
	}

	_, err := rt.Spawn(context.Background(), vmconfig.NewBuilder().Build(), "", "taken", false)
	if !errors.Is(err, ErrNameTaken) {
		t.Fatalf("got %v, want ErrNameTaken", err)
	}
}

func TestReconcileDemotesDeadProcess(t *testing.T) {
	rt := openTestRuntime(t)

	cmd := exec.Command("/bin/true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start dummy process: %v", err)
	}
	cmd.Wait() // ensure it has exited before reconcile checks liveness

	rec := registry.Record{
		ID: "deadproc1", PID: cmd.Process.Pid, SocketPath: "/tmp/dead.sock",
		Status: registry.StatusRunning, ConfigJSON: "{}",
	}
	if err := rt.reg.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got := rt.reconcile(rec)
	if got.Status != registry.StatusStopped {
		t.Fatalf("got status %v, want Stopped", got.Status)
	}

	persisted, err := rt.reg.GetByID("deadproc1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if persisted.Status != registry.StatusStopped {
		t.Fatalf("persisted status %v, want Stopped", persisted.Status)
	}
}

func TestReconcileLeavesLiveProcessAlone(t *testing.T) {
	rt := openTestRuntime(t)

	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	defer cmd.Process.Kill()

	rec := registry.Record{
		ID: "liveproc1", PID: cmd.Process.Pid, SocketPath: "/tmp/live.sock",
		Status: registry.StatusRunning, ConfigJSON: "{}",
	}
	if err := rt.reg.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got := rt.reconcile(rec)
	if got.Status != registry.StatusRunning {
		t.Fatalf("got status %v, want Running", got.Status)
	}
}

func TestListSweepsAutoRemoveStopped(t *testing.T) {
	rt := openTestRuntime(t)

	cmd := exec.Command("/bin/true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start dummy process: %v", err)
	}
	cmd.Wait()

	rec := registry.Record{
		ID: "autorm1", PID: cmd.Process.Pid, SocketPath: "/tmp/autorm.sock",
		Status: registry.StatusRunning, AutoRemove: true, ConfigJSON: "{}",
	}
	if err := rt.reg.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	recs, err := rt.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, r := range recs {
		if r.ID == "autorm1" {
			t.Fatalf("expected auto_remove+stopped record to be swept, still present: %+v", r)
		}
	}

	if _, err := rt.reg.GetByID("autorm1"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected record deleted from registry, got err=%v", err)
	}
}

func TestRenameRejectsNameInUse(t *testing.T) {
	rt := openTestRuntime(t)

	must := func(rec registry.Record) {
		t.Helper()
		if err := rt.reg.Insert(rec); err != nil {
			t.Fatalf("Insert %s: %v", rec.ID, err)
		}
	}
	must(registry.Record{ID: "r1", Name: "alpha", PID: 1, SocketPath: "/tmp/a.sock", Status: registry.StatusStopped, ConfigJSON: "{}"})
	must(registry.Record{ID: "r2", Name: "beta", PID: 2, SocketPath: "/tmp/b.sock", Status: registry.StatusStopped, ConfigJSON: "{}"})

	if err := rt.Rename("r2", "alpha"); !errors.Is(err, registry.ErrNameInUse) {
		t.Fatalf("got %v, want ErrNameInUse", err)
	}
}

func TestRemoveRejectsRunning(t *testing.T) {
	rt := openTestRuntime(t)

	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	defer cmd.Process.Kill()

	rec := registry.Record{
		ID: "running1", PID: cmd.Process.Pid, SocketPath: "/tmp/running.sock",
		Status: registry.StatusRunning, ConfigJSON: "{}",
	}
	if err := rt.reg.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := rt.Remove("running1"); !errors.Is(err, ErrRunning) {
		t.Fatalf("got %v, want ErrRunning", err)
	}
}

func TestRemoveDeletesStopped(t *testing.T) {
	rt := openTestRuntime(t)

	rec := registry.Record{
		ID: "stopped1", PID: 99999, SocketPath: "/tmp/stopped.sock",
		Status: registry.StatusStopped, ConfigJSON: "{}",
	}
	if err := rt.reg.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := rt.Remove("stopped1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := rt.reg.GetByID("stopped1"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected record deleted, got err=%v", err)
	}
}

func TestRootPathPrefersRootDisk(t *testing.T) {
	cfg := vmconfig.NewBuilder().RootDir("/rootfs").Build()
	if got := rootPath(cfg); got != "/rootfs" {
		t.Errorf("got %q, want /rootfs", got)
	}
	cfg2 := vmconfig.WithRootDisk(cfg, "/disk.qcow2")
	if got := rootPath(cfg2); got != "/disk.qcow2" {
		t.Errorf("got %q, want /disk.qcow2", got)
	}
}

func TestVirtiofsPaths(t *testing.T) {
	cfg := vmconfig.NewBuilder().
		AddVirtiofsShare("a", "/host/a").
		AddVirtiofsShare("b", "/host/b").
		Build()
	paths := virtiofsPaths(cfg)
	if len(paths) != 2 || paths[0] != "/host/a" || paths[1] != "/host/b" {
		t.Errorf("got %v", paths)
	}
}
