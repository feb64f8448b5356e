package watchdog

import (
	"testing"
	"time"
)

func TestWaitForParentDeathOnKeepaliveClose(t *testing.T) {
	read, keepalive, err := Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer read.Close()

	done := make(chan struct{})
	go func() {
		WaitForParentDeath(int(read.Fd()))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForParentDeath returned before Keepalive closed")
	case <-time.After(50 * time.Millisecond):
	}

	if err := keepalive.Close(); err != nil {
		t.Fatalf("Keepalive.Close: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForParentDeath did not return after Keepalive closed")
	}
}
