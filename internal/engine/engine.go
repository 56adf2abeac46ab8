// Package engine owns turn execution: it drives provider event streams,
// materializes message parts, dispatches tool calls, persists progress and
// commits completed turns to history. At most one stream runs per workspace.
package engine

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mux-ai/mux/internal/bgprocess"
	"github.com/mux-ai/mux/internal/event"
	"github.com/mux-ai/mux/internal/history"
	"github.com/mux-ai/mux/internal/logging"
	"github.com/mux-ai/mux/internal/provider"
	"github.com/mux-ai/mux/internal/repetition"
	"github.com/mux-ai/mux/internal/runtime"
	"github.com/mux-ai/mux/internal/tool"
	"github.com/mux-ai/mux/pkg/types"
)

var (
	// ErrAlreadyStreaming is returned when a workspace already has an
	// active stream. The existing stream is left untouched.
	ErrAlreadyStreaming = errors.New("workspace is already streaming")

	// ErrNotStreaming is returned by Interrupt when no stream is active.
	ErrNotStreaming = errors.New("no active stream")

	// ErrUnknownWorkspace is returned when a workspace has no registered
	// runtime binding.
	ErrUnknownWorkspace = errors.New("unknown workspace")
)

// State is the lifecycle state of a workspace's stream slot.
type State string

const (
	StateIdle         State = "idle"
	StateStreaming    State = "streaming"
	StateInterrupting State = "interrupting"
	StateCommitting   State = "committing"
	StateError        State = "error"
)

// Config tunes engine behavior. Zero-valued fields use the defaults.
type Config struct {
	// FlushInterval is the coalescing window for partial-entry writes.
	FlushInterval time.Duration

	// FlushBytes forces a partial flush once this much new content has
	// accumulated, regardless of the interval.
	FlushBytes int

	// MaxSteps caps agentic loop iterations per user message.
	MaxSteps int

	// MaxContextTokens is the estimated-token threshold above which
	// history is compacted before the next completion call.
	MaxContextTokens int

	// Repetition configures the degenerate-output detector.
	Repetition repetition.Config

	// RepetitionModels lists model ID prefixes the repetition guard is
	// enabled for. Models outside the list are never aborted.
	RepetitionModels []string
}

// DefaultConfig returns the default engine tuning.
func DefaultConfig() Config {
	return Config{
		FlushInterval:    200 * time.Millisecond,
		FlushBytes:       8192,
		MaxSteps:         50,
		MaxContextTokens: 150000,
		Repetition:       repetition.DefaultConfig(),
		RepetitionModels: []string{"gpt-5.1", "composer"},
	}
}

// Workspace binds a workspace ID to the runtime its tools and processes
// execute against. The engine behaves identically for local and remote
// runtimes.
type Workspace struct {
	ID      types.WorkspaceID
	Runtime runtime.Runtime
	WorkDir string
	Env     []string
}

// Manager is the stream manager. It enforces per-workspace mutual
// exclusion, runs the agentic loop and owns the turn commit path.
type Manager struct {
	mu         sync.Mutex
	sessions   map[types.WorkspaceID]*session
	workspaces map[types.WorkspaceID]*Workspace
	compacting map[types.WorkspaceID]bool

	providers *provider.Registry
	tools     *tool.Registry
	history   *history.Store
	processes *bgprocess.Manager
	bus       *event.Bus

	cfg Config
	log zerolog.Logger
}

// NewManager creates a stream manager wired to the given stores and bus.
func NewManager(providers *provider.Registry, tools *tool.Registry, hist *history.Store, procs *bgprocess.Manager, bus *event.Bus, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushBytes <= 0 {
		cfg.FlushBytes = def.FlushBytes
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = def.MaxContextTokens
	}
	if cfg.RepetitionModels == nil {
		cfg.RepetitionModels = def.RepetitionModels
	}
	return &Manager{
		sessions:   make(map[types.WorkspaceID]*session),
		workspaces: make(map[types.WorkspaceID]*Workspace),
		compacting: make(map[types.WorkspaceID]bool),
		providers:  providers,
		tools:      tools,
		history:    hist,
		processes:  procs,
		bus:        bus,
		cfg:        cfg,
		log:        logging.ForComponent("engine"),
	}
}

// RegisterWorkspace binds a workspace to its runtime and registers a
// background-process executor for it.
func (m *Manager) RegisterWorkspace(ws Workspace) {
	m.mu.Lock()
	m.workspaces[ws.ID] = &ws
	m.mu.Unlock()
	if m.processes != nil {
		m.processes.RegisterExecutor(ws.ID, bgprocess.NewRuntimeExecutor(ws.Runtime, ws.WorkDir, ws.Env))
	}
}

func (m *Manager) workspace(id types.WorkspaceID) (*Workspace, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	return ws, ok
}

// State reports the stream state of a workspace.
func (m *Manager) State(ws types.WorkspaceID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[ws]
	if !ok {
		return StateIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InterruptOptions controls how an active stream is stopped.
type InterruptOptions struct {
	// Soft stops consuming provider output but lets in-flight tool calls
	// finish, then commits whatever was produced.
	Soft bool

	// Salvage commits the partial content of a hard interrupt instead of
	// discarding it. Ignored for soft interrupts, which always commit.
	Salvage bool
}

// Interrupt stops the active stream of a workspace. It returns
// ErrNotStreaming when no stream is active. Repeated interrupts of the
// same stream are no-ops.
func (m *Manager) Interrupt(ws types.WorkspaceID, opts InterruptOptions) error {
	m.mu.Lock()
	s, ok := m.sessions[ws]
	m.mu.Unlock()
	if !ok {
		return ErrNotStreaming
	}

	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return nil
	}
	s.state = StateInterrupting
	s.salvage = opts.Salvage
	s.mu.Unlock()

	if opts.Soft {
		s.soft.Store(true)
	} else {
		s.hard.Store(true)
		s.cancel()
	}
	// Unblock a Recv that is waiting on the provider.
	s.stream.Close()

	m.log.Info().
		Str("workspace", ws.String()).
		Bool("soft", opts.Soft).
		Bool("salvage", opts.Salvage).
		Msg("stream interrupted")
	return nil
}

// repetitionGuardEnabled reports whether the guard applies to a model ref.
// The guard is allowlist-only: unknown models are never aborted.
func (m *Manager) repetitionGuardEnabled(modelRef string) bool {
	_, modelID := provider.ParseModelRef(modelRef)
	for _, prefix := range m.cfg.RepetitionModels {
		if strings.HasPrefix(modelID, prefix) {
			return true
		}
	}
	return false
}
