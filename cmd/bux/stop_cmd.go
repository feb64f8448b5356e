package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/banksean/bux/internal/registry"
)

type StopCmd struct {
	ID      string        `arg:"" optional:"" help:"ID or name of the VM sandbox to stop"`
	All     bool          `short:"a" help:"stop all running VM sandboxes"`
	Timeout time.Duration `default:"10s" help:"time to wait for graceful shutdown before killing"`
}

func (c *StopCmd) Run(cctx *Context) error {
	ctx := context.Background()

	ids := []string{}
	if !c.All {
		ids = append(ids, c.ID)
	} else {
		recs, err := cctx.rt.List()
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.Status == registry.StatusRunning || rec.Status == registry.StatusPaused {
				ids = append(ids, rec.ID)
			}
		}
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(ids))

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			h, err := cctx.rt.Handle(id)
			if err != nil {
				errChan <- err
				return
			}
			if err := h.Stop(ctx, c.Timeout); err != nil {
				slog.Error("StopCmd.Run", "error", err, "id", id)
				errChan <- err
				return
			}
			fmt.Println(id)
		}(id)
	}
	wg.Wait()
	close(errChan)

	for err := range errChan {
		return err
	}
	return nil
}
