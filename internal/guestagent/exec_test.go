//go:build linux

package guestagent

import (
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/banksean/bux/internal/wire"
)

func TestApplyExecOptionsCwdAndEnv(t *testing.T) {
	cmd := exec.Command("/bin/true")
	cwd := "/tmp"
	req := wire.ExecStart{Cmd: "/bin/true", Cwd: &cwd, Env: []string{"FOO=bar"}}
	applyExecOptions(cmd, req)

	if cmd.Dir != "/tmp" {
		t.Errorf("got Dir %q, want /tmp", cmd.Dir)
	}
	found := false
	for _, e := range cmd.Env {
		if e == "FOO=bar" {
			found = true
		}
	}
	if !found {
		t.Error("expected FOO=bar in Env")
	}
	if cmd.SysProcAttr != nil {
		t.Error("expected no SysProcAttr without uid/gid request")
	}
}

func TestApplyExecOptionsCredential(t *testing.T) {
	cmd := exec.Command("/bin/true")
	uid, gid := uint32(1000), uint32(1000)
	req := wire.ExecStart{Cmd: "/bin/true", UID: &uid, GID: &gid}
	applyExecOptions(cmd, req)

	if cmd.SysProcAttr == nil || cmd.SysProcAttr.Credential == nil {
		t.Fatal("expected Credential to be set")
	}
	if cmd.SysProcAttr.Credential.Uid != uid || cmd.SysProcAttr.Credential.Gid != gid {
		t.Errorf("got uid=%d gid=%d, want uid=%d gid=%d",
			cmd.SysProcAttr.Credential.Uid, cmd.SysProcAttr.Credential.Gid, uid, gid)
	}
}

func TestPtySizeOfNil(t *testing.T) {
	if ptySizeOf(nil) != nil {
		t.Error("expected nil Winsize for nil input")
	}
}

func TestPtySizeOfConverts(t *testing.T) {
	size := wire.PtySize{Rows: 24, Cols: 80, XPixel: 640, YPixel: 480}
	ws := ptySizeOf(&size)
	if ws == nil {
		t.Fatal("expected non-nil Winsize")
	}
	if ws.Rows != 24 || ws.Cols != 80 || ws.X != 640 || ws.Y != 480 {
		t.Errorf("got %+v, want rows=24 cols=80 x=640 y=480", ws)
	}
}

func TestHandlePipeEchoExitsZero(t *testing.T) {
	client, server := net.Pipe()

	req := wire.ExecStart{Cmd: "/bin/echo", Args: []string{"hello"}}
	done := make(chan error, 1)
	go func() { done <- handlePipe(server, req, "exec-1", time.Now()) }()

	started, err := wire.Recv(client)
	if err != nil {
		t.Fatalf("Recv started: %v", err)
	}
	ack, ok := started.(wire.HelloAckExecStarted)
	if !ok {
		t.Fatalf("expected HelloAckExecStarted, got %T", started)
	}
	if ack.PID <= 0 {
		t.Errorf("expected positive pid, got %d", ack.PID)
	}

	var sawStdout bool
	var exit *wire.ExecOutExit
	for exit == nil {
		m, err := wire.Recv(client)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		switch v := m.(type) {
		case wire.ExecOutStdout:
			if len(v.Data) > 0 {
				sawStdout = true
			}
		case wire.ExecOutStderr:
		case wire.ExecOutExit:
			exit = &v
		}
	}
	if !sawStdout {
		t.Error("expected stdout output from /bin/echo")
	}
	if exit.Code != 0 {
		t.Errorf("got exit code %d, want 0", exit.Code)
	}
	if exit.Signal != nil {
		t.Errorf("expected no signal, got %v", *exit.Signal)
	}

	client.Close()
	server.Close()
	if err := <-done; err != nil {
		t.Fatalf("handlePipe: %v", err)
	}
}

func TestHandlePipeNonzeroExit(t *testing.T) {
	client, server := net.Pipe()

	req := wire.ExecStart{Cmd: "/bin/sh", Args: []string{"-c", "exit 7"}}
	done := make(chan error, 1)
	go func() { done <- handlePipe(server, req, "exec-2", time.Now()) }()

	if _, err := wire.Recv(client); err != nil {
		t.Fatalf("Recv started: %v", err)
	}

	var exit *wire.ExecOutExit
	for exit == nil {
		m, err := wire.Recv(client)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if v, ok := m.(wire.ExecOutExit); ok {
			exit = &v
		}
	}
	if exit.Code != 7 {
		t.Errorf("got exit code %d, want 7", exit.Code)
	}

	client.Close()
	server.Close()
	<-done
}
