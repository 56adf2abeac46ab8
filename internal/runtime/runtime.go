// Package runtime abstracts where commands run and files live: the local
// machine or a remote SSH target. Callers must behave identically against
// either implementation.
package runtime

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrExecFailed wraps spawn-level failures (not non-zero exits; those are
// reported through ExitCode).
var ErrExecFailed = errors.New("exec failed")

// ExecOptions controls command execution.
type ExecOptions struct {
	Dir     string
	Env     []string // appended to the inherited environment
	Timeout time.Duration
}

// ExecResult is the outcome of a blocking execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// FileInfo describes a file on the target.
type FileInfo struct {
	Path    string
	Size    int64
	Mode    uint32
	ModTime time.Time
	IsDir   bool
}

// Handle tracks a long-running process started with Start.
type Handle interface {
	// Stdout returns the process's standard output stream.
	Stdout() io.Reader
	// Stderr returns the process's standard error stream.
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	// Terminate signals the process group to stop. Safe to call more than
	// once and after exit.
	Terminate() error
}

// Runtime is the execution target boundary.
type Runtime interface {
	// Exec runs a shell command to completion.
	Exec(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error)
	// Start launches a shell command and returns a handle for streaming
	// output and later termination.
	Start(ctx context.Context, command string, opts ExecOptions) (Handle, error)
	// Stat describes a file.
	Stat(ctx context.Context, path string) (*FileInfo, error)
	// ReadFile reads a whole file.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// WriteFile writes a whole file, creating parent directories.
	WriteFile(ctx context.Context, path string, data []byte) error
	// NormalizePath resolves path against cwd into the target's canonical
	// absolute form.
	NormalizePath(path, cwd string) string
}
