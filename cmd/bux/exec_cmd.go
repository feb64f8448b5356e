package main

import (
	"context"
	"fmt"
	"os"

	"github.com/banksean/bux/internal/wire"
)

type ExecCmd struct {
	ID      string   `arg:"" help:"ID or name of the VM sandbox"`
	Command []string `arg:"" help:"command and arguments to execute"`
	Cwd     string   `help:"working directory for the command"`
}

func (c *ExecCmd) Run(cctx *Context) error {
	ctx := context.Background()

	h, err := cctx.rt.Handle(c.ID)
	if err != nil {
		return err
	}

	req := wire.ExecStart{
		Cmd:  c.Command[0],
		Args: c.Command[1:],
	}
	if c.Cwd != "" {
		req.Cwd = &c.Cwd
	}

	out, err := h.ExecOutput(ctx, req)
	if err != nil {
		return err
	}

	os.Stdout.Write(out.Stdout)
	os.Stderr.Write(out.Stderr)
	if out.Exit.Code != 0 {
		return fmt.Errorf("bux: exec exited with code %d", out.Exit.Code)
	}
	return nil
}
