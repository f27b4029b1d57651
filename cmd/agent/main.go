// Package main is the entry point for the job agent.
// The agent claims jobs from a controller, runs their tasks, and streams
// logs and timeline state back while the job runs.
package main

import (
	"os"

	"jobagent/cmd/agent/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
