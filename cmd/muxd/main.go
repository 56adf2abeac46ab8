// Package main provides the entry point for the mux daemon.
package main

import (
	"fmt"
	"os"

	"github.com/mux-ai/mux/cmd/muxd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
