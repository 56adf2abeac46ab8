package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"
)

// SSH executes against a remote POSIX host through the local ssh client.
// Remote exit codes pass through; ssh's own transport failures surface as
// exit code 255 from the client.
type SSH struct {
	target string // [user@]host
	port   int
	args   []string
}

// SSHOption configures the SSH runtime.
type SSHOption func(*SSH)

// WithPort sets a non-default port.
func WithPort(port int) SSHOption {
	return func(s *SSH) { s.port = port }
}

// WithSSHArgs appends extra ssh client arguments (identity files, jump
// hosts).
func WithSSHArgs(args ...string) SSHOption {
	return func(s *SSH) { s.args = append(s.args, args...) }
}

// NewSSH creates a runtime targeting [user@]host.
func NewSSH(target string, opts ...SSHOption) *SSH {
	s := &SSH{target: target}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SSH) clientArgs() []string {
	args := []string{"-o", "BatchMode=yes"}
	if s.port != 0 {
		args = append(args, "-p", strconv.Itoa(s.port))
	}
	args = append(args, s.args...)
	return append(args, s.target)
}

// remoteCommand wraps a command with cd and env so ExecOptions behave the
// same as the local runtime.
func remoteCommand(command string, opts ExecOptions) string {
	var sb strings.Builder
	for _, kv := range opts.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			sb.WriteString(k + "=" + shellQuote(v) + " ")
		}
	}
	sb.WriteString("sh -c " + shellQuote(command))
	if opts.Dir != "" {
		return "cd " + shellQuote(opts.Dir) + " && " + sb.String()
	}
	return sb.String()
}

// shellQuote single-quotes a string for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Exec runs a command on the remote host to completion.
func (s *SSH) Exec(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error) {
	execCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := append(s.clientArgs(), remoteCommand(command, opts))
	cmd := exec.CommandContext(execCtx, "ssh", args...)

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

// Start launches a remote command through a persistent ssh client process.
func (s *SSH) Start(ctx context.Context, command string, opts ExecOptions) (Handle, error) {
	args := append(s.clientArgs(), remoteCommand(command, opts))
	cmd := exec.CommandContext(ctx, "ssh", args...)

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

// Stat describes a remote file using stat(1).
func (s *SSH) Stat(ctx context.Context, p string) (*FileInfo, error) {
	res, err := s.Exec(ctx, "stat -c '%s %Y %f %F' "+shellQuote(p), ExecOptions{})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("stat %s: %s", p, strings.TrimSpace(res.Stderr))
	}

	fields := strings.SplitN(strings.TrimSpace(res.Stdout), " ", 4)
	if len(fields) < 4 {
		return nil, fmt.Errorf("stat %s: unexpected output %q", p, res.Stdout)
	}

	size, _ := strconv.ParseInt(fields[0], 10, 64)
	mtime, _ := strconv.ParseInt(fields[1], 10, 64)
	mode, _ := strconv.ParseUint(fields[2], 16, 32)

	return &FileInfo{
		Path:    p,
		Size:    size,
		Mode:    uint32(mode),
		ModTime: time.Unix(mtime, 0),
		IsDir:   strings.Contains(fields[3], "directory"),
	}, nil
}

// ReadFile reads a remote file.
func (s *SSH) ReadFile(ctx context.Context, p string) ([]byte, error) {
	res, err := s.Exec(ctx, "cat "+shellQuote(p), ExecOptions{})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("read %s: %s", p, strings.TrimSpace(res.Stderr))
	}
	return []byte(res.Stdout), nil
}

// WriteFile writes a remote file through stdin, creating parent directories.
func (s *SSH) WriteFile(ctx context.Context, p string, data []byte) error {
	dir := path.Dir(p)
	script := "mkdir -p " + shellQuote(dir) + " && cat > " + shellQuote(p)

	args := append(s.clientArgs(), script)
	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.Stdin = bytes.NewReader(data)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("write %s: %v: %s", p, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// NormalizePath resolves against cwd using POSIX path semantics; remote
// targets are always POSIX regardless of the local OS.
func (s *SSH) NormalizePath(p, cwd string) string {
	if p == "" {
		return cwd
	}
	if !path.IsAbs(p) {
		p = path.Join(cwd, p)
	}
	return path.Clean(p)
}
