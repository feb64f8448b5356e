package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	units "github.com/docker/go-units"

	"github.com/banksean/bux/internal/vmconfig"
)

type RunCmd struct {
	Name       string   `arg:"" optional:"" help:"name for the new VM sandbox"`
	VCPUs      int      `short:"c" default:"1" help:"number of vCPUs"`
	Memory     string   `short:"m" default:"512MiB" placeholder:"<size>" help:"amount of RAM, with optional K, M, G suffix"`
	RootDir    string   `placeholder:"<dir>" help:"host directory to use as the VM's root filesystem"`
	RootDisk   string   `placeholder:"<path>" help:"host disk image to use as the VM's root filesystem"`
	Cwd        string   `help:"working directory for the VM's init process"`
	Env        []string `help:"environment variables to set (format: key=value)"`
	Port       []string `short:"p" help:"port mapping (format: host:guest[/protocol])"`
	Virtiofs   []string `help:"virtiofs share (format: tag:host-path)"`
	AutoRemove bool     `short:"r" help:"remove the VM automatically once it stops"`
	Command    []string `arg:"" optional:"" help:"command to run as the VM's init process"`
}

func (c *RunCmd) Run(cctx *Context) error {
	ctx := context.Background()

	ramBytes, err := units.RAMInBytes(c.Memory)
	if err != nil {
		return fmt.Errorf("bux: parse --memory %q: %w", c.Memory, err)
	}

	b := vmconfig.NewBuilder().VCPUs(c.VCPUs).RAMMiB(int(ramBytes / (1 << 20)))

	switch {
	case c.RootDisk != "":
		b = b.RootDisk(c.RootDisk)
	case c.RootDir != "":
		b = b.RootDir(c.RootDir)
	}
	if c.Cwd != "" {
		b = b.Cwd(c.Cwd)
	}
	if len(c.Command) > 0 {
		b = b.Command(c.Command[0], c.Command[1:]...)
	}
	if len(c.Env) > 0 {
		b = b.Env(c.Env)
	}
	for _, p := range c.Port {
		hostPort, guestPort, proto, err := parsePortMapping(p)
		if err != nil {
			return err
		}
		b = b.AddPort(hostPort, guestPort, proto)
	}
	for _, v := range c.Virtiofs {
		tag, hostPath, err := parseVirtiofsShare(v)
		if err != nil {
			return err
		}
		b = b.AddVirtiofsShare(tag, hostPath)
	}

	h, err := cctx.rt.Spawn(ctx, b.Build(), "", c.Name, c.AutoRemove)
	if err != nil {
		slog.Error("RunCmd.Run", "error", err)
		return err
	}
	fmt.Println(h.ID())
	return nil
}

func parsePortMapping(spec string) (hostPort, guestPort uint16, protocol string, err error) {
	ports, proto, _ := strings.Cut(spec, "/")
	if proto == "" {
		proto = "tcp"
	}
	hostStr, guestStr, ok := strings.Cut(ports, ":")
	if !ok {
		return 0, 0, "", fmt.Errorf("bux: invalid port mapping %q, want host:guest[/protocol]", spec)
	}
	h, err := strconv.ParseUint(hostStr, 10, 16)
	if err != nil {
		return 0, 0, "", fmt.Errorf("bux: invalid host port in %q: %w", spec, err)
	}
	g, err := strconv.ParseUint(guestStr, 10, 16)
	if err != nil {
		return 0, 0, "", fmt.Errorf("bux: invalid guest port in %q: %w", spec, err)
	}
	return uint16(h), uint16(g), proto, nil
}

func parseVirtiofsShare(spec string) (tag, hostPath string, err error) {
	tag, hostPath, ok := strings.Cut(spec, ":")
	if !ok {
		return "", "", fmt.Errorf("bux: invalid virtiofs share %q, want tag:host-path", spec)
	}
	return tag, hostPath, nil
}
