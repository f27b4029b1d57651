// Package runtime provides the Runtime interface for task execution backends.
package runtime

import (
	"context"
	"io"
)

// Runtime defines the interface for executing tasks.
type Runtime interface {
	// Start begins execution of a task and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a task.
type StartOptions struct {
	Command []string
	Env     map[string]string
	WorkDir string // overrides the runtime's default working directory
}

// ExitResult is the outcome of a finished task process.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a running task.
type Handle interface {
	// Wait blocks until the task completes and returns the exit code.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop forcefully terminates the task.
	Stop(ctx context.Context) error

	// StreamLogs returns a reader over the task's combined stdout/stderr.
	// The reader reaches EOF when the process exits.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)
}
