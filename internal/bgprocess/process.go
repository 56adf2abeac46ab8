package bgprocess

import (
	"sync"
	"time"

	"github.com/mux-ai/mux/internal/ring"
	"github.com/mux-ai/mux/internal/runtime"
	"github.com/mux-ai/mux/pkg/types"
)

// Status is a background process lifecycle state. Terminal states are
// absorbing.
type Status string

const (
	StatusRunning    Status = "running"
	StatusExited     Status = "exited"
	StatusTerminated Status = "terminated"
)

// Process is one supervised background process. It belongs to exactly one
// workspace for its whole lifetime.
type Process struct {
	ID        string
	Workspace types.WorkspaceID
	Script    string
	StartTime time.Time

	mu            sync.Mutex
	status        Status
	exitCode      *int
	exitTime      *time.Time
	termRequested bool

	stdout *ring.Buffer
	stderr *ring.Buffer

	// read cursors for incremental output delivery
	outCursor uint64
	errCursor uint64

	handle runtime.Handle
	done   chan struct{}
}

// Status returns the current lifecycle state.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// ExitCode returns the exit code once the process is terminal.
func (p *Process) ExitCode() *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Done returns a channel closed when the process reaches a terminal state.
func (p *Process) Done() <-chan struct{} { return p.done }

// Snapshot is an immutable view of a process for listings and the API layer.
type Snapshot struct {
	ID        string            `json:"id"`
	Workspace types.WorkspaceID `json:"workspaceID"`
	Script    string            `json:"script"`
	Status    Status            `json:"status"`
	ExitCode  *int              `json:"exitCode,omitempty"`
	StartTime time.Time         `json:"startTime"`
	ExitTime  *time.Time        `json:"exitTime,omitempty"`
}

// Snapshot captures the process state at a point in time.
func (p *Process) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		ID:        p.ID,
		Workspace: p.Workspace,
		Script:    p.Script,
		Status:    p.status,
		ExitCode:  p.exitCode,
		StartTime: p.StartTime,
		ExitTime:  p.exitTime,
	}
}

// markExited flips to a terminal state. If termination was requested before
// exit, the process reports terminated; a self-exit that raced ahead of the
// signal stays exited.
func (p *Process) markExited(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusRunning {
		return
	}

	now := time.Now()
	p.exitTime = &now
	p.exitCode = &code
	if p.termRequested {
		p.status = StatusTerminated
	} else {
		p.status = StatusExited
	}
	close(p.done)
}
