//go:build linux

// Command bux-agent is the guest agent binary, run as PID 1 inside a bux
// micro-VM. It listens on a vsock port and handles host requests via the
// internal/wire protocol.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/banksean/bux/internal/guestagent"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a := guestagent.New()
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "bux-agent: fatal: %v\n", err)
		slog.Error("bux-agent exiting", "error", err)
		os.Exit(1)
	}
}
