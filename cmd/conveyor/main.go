// Package main provides the entry point for the conveyor CLI.
package main

import (
	"os"

	"github.com/conveyorci/conveyor/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
