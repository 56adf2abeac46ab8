// Package bgprocess supervises long-running shell processes spawned by tool
// calls. Processes are scoped to a workspace and outlive the model stream
// that started them; they run until they exit or are explicitly terminated.
package bgprocess

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"mvdan.cc/sh/v3/syntax"

	"github.com/mux-ai/mux/internal/event"
	"github.com/mux-ai/mux/internal/logging"
	"github.com/mux-ai/mux/internal/ring"
	"github.com/mux-ai/mux/internal/runtime"
	"github.com/mux-ai/mux/pkg/types"
)

var (
	// ErrNoExecutor means the workspace has no registered executor.
	ErrNoExecutor = errors.New("no executor registered for workspace")
	// ErrProcessNotFound covers both unknown IDs and IDs belonging to a
	// different workspace; the two are indistinguishable to the caller.
	ErrProcessNotFound = errors.New("process not found")
	// ErrInvalidScript means the script failed shell syntax validation.
	ErrInvalidScript = errors.New("invalid script")
	// ErrBadFilter means the read filter regex did not compile.
	ErrBadFilter = errors.New("invalid output filter")
)

// DefaultBufferLines is the per-stream ring buffer capacity.
const DefaultBufferLines = 2000

// scanBufferSize bounds a single output line.
const scanBufferSize = 1024 * 1024

// ReadOptions control an output read.
type ReadOptions struct {
	// Filter is a regex applied to lines before any tail truncation.
	Filter string
	// TailLines keeps only the last N lines after filtering. Zero keeps all.
	TailLines int
	// Peek reads without advancing the incremental cursor.
	Peek bool
}

// ReadResult is one incremental output segment.
type ReadResult struct {
	Stdout   []string `json:"stdout"`
	Stderr   []string `json:"stderr"`
	Status   Status   `json:"status"`
	ExitCode *int     `json:"exitCode,omitempty"`
}

// Manager owns the process registry for all workspaces.
type Manager struct {
	mu        sync.RWMutex
	executors map[types.WorkspaceID]Executor
	procs     map[string]*Process

	bus         *event.Bus
	bufferLines int
}

// Option configures the manager.
type Option func(*Manager)

// WithBufferLines overrides the per-stream ring capacity.
func WithBufferLines(n int) Option {
	return func(m *Manager) { m.bufferLines = n }
}

// NewManager creates a manager publishing lifecycle events on bus.
func NewManager(bus *event.Bus, opts ...Option) *Manager {
	m := &Manager{
		executors:   make(map[types.WorkspaceID]Executor),
		procs:       make(map[string]*Process),
		bus:         bus,
		bufferLines: DefaultBufferLines,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterExecutor binds a workspace to a concrete spawner. Required before
// Spawn.
func (m *Manager) RegisterExecutor(ws types.WorkspaceID, ex Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[ws] = ex
}

// Spawn validates and launches a background script, returning its process ID.
// The process's lifetime is independent of the caller's context.
func (m *Manager) Spawn(ctx context.Context, ws types.WorkspaceID, script string, opts SpawnOptions) (string, error) {
	m.mu.RLock()
	ex, ok := m.executors[ws]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoExecutor, ws)
	}

	if _, err := syntax.NewParser().Parse(strings.NewReader(script), ""); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}

	// The caller's context only guards the spawn itself; the process runs
	// until it exits or is terminated.
	handle, err := ex.Start(context.WithoutCancel(ctx), script, opts)
	if err != nil {
		return "", err
	}

	proc := &Process{
		ID:        types.NewID(),
		Workspace: ws,
		Script:    script,
		StartTime: time.Now(),
		status:    StatusRunning,
		stdout:    ring.New(m.bufferLines),
		stderr:    ring.New(m.bufferLines),
		handle:    handle,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.procs[proc.ID] = proc
	m.mu.Unlock()

	go m.supervise(proc, handle)

	logging.Debug().
		Str("workspace", string(ws)).
		Str("process", proc.ID).
		Msg("spawned background process")
	m.bus.Publish(event.Event{
		Type:      event.ProcessSpawned,
		Workspace: ws,
		Data:      event.ProcessData{ProcessID: proc.ID},
	})

	return proc.ID, nil
}

// supervise pumps output into the ring buffers and records the exit.
func (m *Manager) supervise(proc *Process, handle runtime.Handle) {
	var pumps sync.WaitGroup
	pumps.Add(2)
	go pump(&pumps, handle.Stdout(), proc.stdout)
	go pump(&pumps, handle.Stderr(), proc.stderr)
	pumps.Wait()

	code, err := handle.Wait()
	if err != nil {
		logging.Warn().Err(err).Str("process", proc.ID).Msg("background process wait failed")
	}
	proc.markExited(code)

	eventType := event.ProcessExited
	if proc.Status() == StatusTerminated {
		eventType = event.ProcessTerminated
	}
	m.bus.Publish(event.Event{
		Type:      eventType,
		Workspace: proc.Workspace,
		Data:      event.ProcessData{ProcessID: proc.ID, ExitCode: proc.ExitCode()},
	})
}

func pump(wg *sync.WaitGroup, r io.Reader, buf *ring.Buffer) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)
	for scanner.Scan() {
		buf.Append(scanner.Text())
	}
}

// Get resolves a process for a workspace. A process owned by another
// workspace behaves exactly like a missing one.
func (m *Manager) Get(ws types.WorkspaceID, processID string) (*Process, error) {
	m.mu.RLock()
	proc, ok := m.procs[processID]
	m.mu.RUnlock()

	if !ok || proc.Workspace != ws {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}
	return proc, nil
}

// List returns snapshots of the workspace's processes.
func (m *Manager) List(ws types.WorkspaceID) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Snapshot
	for _, proc := range m.procs {
		if proc.Workspace == ws {
			out = append(out, proc.Snapshot())
		}
	}
	return out
}

// Read returns buffered output accumulated since the previous read. The
// filter regex is applied before tail truncation; an invalid regex is a
// request error, not a crash.
func (m *Manager) Read(ws types.WorkspaceID, processID string, opts ReadOptions) (*ReadResult, error) {
	proc, err := m.Get(ws, processID)
	if err != nil {
		return nil, err
	}

	var filter *regexp.Regexp
	if opts.Filter != "" {
		filter, err = regexp.Compile(opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFilter, err)
		}
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()

	stdout, nextOut := collect(proc.stdout, proc.outCursor, filter, opts.TailLines)
	stderr, nextErr := collect(proc.stderr, proc.errCursor, filter, opts.TailLines)
	if !opts.Peek {
		proc.outCursor = nextOut
		proc.errCursor = nextErr
	}

	return &ReadResult{
		Stdout:   stdout,
		Stderr:   stderr,
		Status:   proc.status,
		ExitCode: proc.exitCode,
	}, nil
}

// collect gathers unread lines, applies the filter, then the tail, and
// returns the cursor for the next read.
func collect(buf *ring.Buffer, cursor uint64, filter *regexp.Regexp, tail int) ([]string, uint64) {
	lines := buf.Since(cursor)
	next := cursor
	if len(lines) > 0 {
		next = lines[len(lines)-1].Seq + 1
	}

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if filter != nil && !filter.MatchString(line.Text) {
			continue
		}
		out = append(out, line.Text)
	}

	if tail > 0 && len(out) > tail {
		out = out[len(out)-tail:]
	}
	return out, next
}

// Terminate signals a process to stop. Idempotent: terminating a terminal
// process succeeds without changing its state.
func (m *Manager) Terminate(ws types.WorkspaceID, processID string) error {
	proc, err := m.Get(ws, processID)
	if err != nil {
		return err
	}

	proc.mu.Lock()
	if proc.status != StatusRunning {
		proc.mu.Unlock()
		return nil
	}
	proc.termRequested = true
	handle := proc.handle
	proc.mu.Unlock()

	return handle.Terminate()
}

// TerminateAll stops every running process in a workspace, for teardown.
func (m *Manager) TerminateAll(ws types.WorkspaceID) {
	for _, snap := range m.List(ws) {
		if snap.Status == StatusRunning {
			if err := m.Terminate(ws, snap.ID); err != nil {
				logging.Warn().Err(err).Str("process", snap.ID).Msg("terminate failed")
			}
		}
	}
}
