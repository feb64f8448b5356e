package main

import (
	"fmt"
	"os"
	"text/tabwriter"
)

type LsCmd struct{}

func (c *LsCmd) Run(cctx *Context) error {
	recs, err := cctx.rt.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPID\tIMAGE\t")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t\n", rec.ID, rec.Name, rec.Status, rec.PID, rec.ImageRef)
	}
	return w.Flush()
}
