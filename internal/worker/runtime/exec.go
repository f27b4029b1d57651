package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// ExecRuntime implements the Runtime interface using raw OS processes.
type ExecRuntime struct {
	WorkDir string
}

// NewExecRuntime creates a new process-based runtime.
// An empty workDir defaults to $TMPDIR/jobagent/runner.
func NewExecRuntime(workDir string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "jobagent", "runner")
	}
	return &ExecRuntime{WorkDir: workDir}
}

// execHandle wraps a started process. Output goes through a pipe that is
// closed once the process has exited, so readers see EOF before Wait returns.
type execHandle struct {
	cmd    *exec.Cmd
	reader *io.PipeReader

	done   chan struct{}
	result ExitResult
	err    error

	streamOnce sync.Once
}

// Start implements Runtime.Start using os/exec.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("command is required")
	}

	dir := opts.WorkDir
	if dir == "" {
		dir = e.WorkDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, opts.Command[0], opts.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	h := &execHandle{cmd: cmd, reader: pr, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		err := cmd.Wait()
		pw.Close()

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			h.result = ExitResult{ExitCode: 0}
		case errors.As(err, &exitErr):
			h.result = ExitResult{ExitCode: exitErr.ExitCode()}
		default:
			h.result = ExitResult{ExitCode: -1, Error: err}
			h.err = err
		}
	}()
	return h, nil
}

func (h *execHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

func (h *execHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// StreamLogs may be called once; later calls return an error.
func (h *execHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	var rc io.ReadCloser
	h.streamOnce.Do(func() { rc = h.reader })
	if rc == nil {
		return nil, errors.New("log stream already taken")
	}
	return rc, nil
}
