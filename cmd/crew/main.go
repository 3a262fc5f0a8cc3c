// Package main provides the entry point for the crew CLI.
package main

import (
	"os"

	"github.com/mwhitaker/crew/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
