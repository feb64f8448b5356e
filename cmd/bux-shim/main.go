// Command bux-shim is the small binary the runtime launches (inside a
// platform sandbox) to boot one VM. It reads the VM configuration file
// named on the command line, removes it immediately, reconstructs the
// configuration, and hands control to the hypervisor. It exits within one
// watchdog poll cycle if the parent runtime process disappears first.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/banksean/bux/internal/hypervisor"
	"github.com/banksean/bux/internal/jail/watchdog"
	"github.com/banksean/bux/internal/vmconfig"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "bux-shim: usage: bux-shim <config-path>")
		os.Exit(1)
	}
	configPath := os.Args[1]

	cfg, err := readAndRemoveConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bux-shim: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if fdStr := os.Getenv(watchdog.EnvWatchdogFD); fdStr != "" {
		fd, err := strconv.Atoi(fdStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bux-shim: invalid %s=%q: %v\n", watchdog.EnvWatchdogFD, fdStr, err)
			os.Exit(1)
		}
		go func() {
			watchdog.WaitForParentDeath(fd)
			slog.Warn("bux-shim: parent runtime disappeared, exiting")
			cancel()
			os.Exit(1)
		}()
	}

	if err := hypervisor.Boot(ctx, cfg); err != nil {
		if cfg.ConsoleOutputPath != "" {
			fmt.Fprintf(os.Stderr, "bux-shim: boot failed, see console output at %s: %v\n", cfg.ConsoleOutputPath, err)
		} else {
			fmt.Fprintf(os.Stderr, "bux-shim: boot failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func readAndRemoveConfig(path string) (vmconfig.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return vmconfig.Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	// The runtime only ever reads this file back through the registry's
	// persisted copy; remove it as soon as it's been consumed so a crashed
	// shim doesn't leave a stale config lying around in socks/.
	if err := os.Remove(path); err != nil {
		slog.Warn("bux-shim: failed to remove config file", "path", path, "error", err)
	}

	var cfg vmconfig.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return vmconfig.Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
