package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"syscall"
	"time"
)

const sigkillGrace = 200 * time.Millisecond

// Local executes on the host machine through the user's shell.
type Local struct {
	shell string
}

// NewLocal creates a local runtime.
func NewLocal() *Local {
	return &Local{shell: detectShell()}
}

func detectShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		// Exclude shells with incompatible -c semantics
		if s != "/bin/fish" && s != "/usr/bin/fish" &&
			s != "/bin/nu" && s != "/usr/bin/nu" {
			return s
		}
	}

	if goruntime.GOOS == "darwin" {
		return "/bin/zsh"
	}

	if bash, err := exec.LookPath("bash"); err == nil {
		return bash
	}

	return "/bin/sh"
}

func (l *Local) command(ctx context.Context, command string, opts ExecOptions) *exec.Cmd {
	cmd := exec.CommandContext(ctx, l.shell, "-c", command)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	// Own process group so Terminate can reach children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// Exec runs a command to completion, capturing stdout and stderr separately.
func (l *Local) Exec(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error) {
	execCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := l.command(execCtx, command, opts)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	timedOut := execCtx.Err() == context.DeadlineExceeded

	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: timedOut,
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if timedOut {
			result.ExitCode = -1
			return result, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrExecFailed, err)
	}

	return result, nil
}

// Start launches a command and returns a streaming handle.
func (l *Local) Start(ctx context.Context, command string, opts ExecOptions) (Handle, error) {
	cmd := l.command(ctx, command, opts)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecFailed, err)
	}

	return &localHandle{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type localHandle struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

func (h *localHandle) Stdout() io.Reader { return h.stdout }
func (h *localHandle) Stderr() io.Reader { return h.stderr }

func (h *localHandle) Wait() (int, error) {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				h.exitCode = exitErr.ExitCode()
				return
			}
			h.exitCode = -1
			h.waitErr = err
			return
		}
		h.exitCode = 0
	})
	return h.exitCode, h.waitErr
}

// Terminate signals the whole process group, escalating to SIGKILL after a
// short grace period.
func (h *localHandle) Terminate() error {
	if h.cmd.Process == nil {
		return nil
	}

	pid := h.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// Process already gone.
		return nil
	}

	go func() {
		time.Sleep(sigkillGrace)
		if h.cmd.ProcessState == nil {
			syscall.Kill(-pid, syscall.SIGKILL)
		}
	}()

	return nil
}

// Stat describes a local file.
func (l *Local) Stat(ctx context.Context, path string) (*FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		Path:    path,
		Size:    info.Size(),
		Mode:    uint32(info.Mode()),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

// ReadFile reads a local file.
func (l *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile writes a local file, creating parent directories.
func (l *Local) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// NormalizePath resolves path against cwd into a cleaned absolute path.
func (l *Local) NormalizePath(path, cwd string) string {
	if path == "" {
		return cwd
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}
	return filepath.Clean(path)
}
