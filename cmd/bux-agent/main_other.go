//go:build !linux

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "bux-agent only runs inside a Linux micro-VM")
	os.Exit(1)
}
