package main

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/banksean/bux/internal/registry"
)

type RmCmd struct {
	ID  string `arg:"" optional:"" help:"ID or name of the VM sandbox to remove"`
	All bool   `help:"remove all stopped VM sandboxes"`
}

func (c *RmCmd) Run(cctx *Context) error {
	ids := []string{}
	if !c.All {
		ids = append(ids, c.ID)
	} else {
		recs, err := cctx.rt.List()
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.Status == registry.StatusStopped {
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
			if err := cctx.rt.Remove(id); err != nil {
				slog.Error("RmCmd.Run", "error", err, "id", id)
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
