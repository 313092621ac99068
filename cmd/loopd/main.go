// Package main is the entry point for the loopd supervisor. Loopd runs
// AI coding agent loops against a repository until the work is done,
// with durable state and guardrails against runaway or stuck agents.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/tarberg/loopd/internal/cli"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := cli.Execute(version, commit, date); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			if !exitErr.Printed {
				fmt.Fprintf(os.Stderr, "Error: %v\n", exitErr.Err)
			}
			os.Exit(exitErr.Code)
		}

		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
