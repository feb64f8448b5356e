//go:build linux

package guestagent

import (
	"net"
	"testing"
	"time"

	"github.com/banksean/bux/internal/wire"
)

func TestHandleControlPing(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	a := &Agent{bootT0: time.Now().Add(-time.Second), mounts: &mountTracker{}}
	done := make(chan error, 1)
	go func() { done <- a.handleControl(server) }()

	if err := wire.Send(client, wire.ControlReqPing{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, err := wire.Recv(client)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	pong, ok := resp.(wire.ControlRespPong)
	if !ok {
		t.Fatalf("expected ControlRespPong, got %T", resp)
	}
	if pong.Version != wire.ProtocolVersion {
		t.Errorf("got version %d, want %d", pong.Version, wire.ProtocolVersion)
	}
	if pong.UptimeMs <= 0 {
		t.Errorf("expected positive uptime, got %d", pong.UptimeMs)
	}

	client.Close()
	server.Close()
	<-done
}

func TestHandleControlQuiesceThawWithNoMounts(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	a := &Agent{bootT0: time.Now(), mounts: &mountTracker{}}
	done := make(chan error, 1)
	go func() { done <- a.handleControl(server) }()

	if err := wire.Send(client, wire.ControlReqThaw{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, err := wire.Recv(client)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	thawOk, ok := resp.(wire.ControlRespThawOk)
	if !ok {
		t.Fatalf("expected ControlRespThawOk, got %T", resp)
	}
	if thawOk.ThawedCount != 0 {
		t.Errorf("got thawed count %d, want 0", thawOk.ThawedCount)
	}

	client.Close()
	server.Close()
	<-done
}

func TestHandleControlEOFReturnsNil(t *testing.T) {
	client, server := net.Pipe()

	a := &Agent{bootT0: time.Now(), mounts: &mountTracker{}}
	done := make(chan error, 1)
	go func() { done <- a.handleControl(server) }()

	client.Close()
	if err := <-done; err != nil {
		t.Fatalf("handleControl after disconnect: %v", err)
	}
}
