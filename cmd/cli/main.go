// Package main is the entry point for the modelplane CLI.
// The CLI trains and deploys models and runs inference against deployed services.
package main

import (
	"os"

	"modelplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
