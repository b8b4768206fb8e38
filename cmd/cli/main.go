// Package main is the entry point for the runnerctl CLI.
// The CLI is the developer terminal tool for interacting with a coderunner server.
package main

import (
	"coderunner/cmd/cli/cmd"
	"os"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
