package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mux-ai/mux/internal/provider"
	"github.com/mux-ai/mux/internal/repetition"
	"github.com/mux-ai/mux/pkg/types"
)

// session is the in-memory state of one active stream. Fields under mu are
// shared between the consumer goroutine, tool goroutines and flush writers.
type session struct {
	workspace types.WorkspaceID
	messageID string
	modelRef  string
	sequence  int64
	started   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	stream provider.EventStream

	// soft, hard are interrupt flags; both leave in-flight tools running.
	soft atomic.Bool
	hard atomic.Bool

	// flushBusy gates to one in-flight partial write per session.
	flushBusy atomic.Bool

	detector *repetition.Detector

	mu           sync.Mutex
	state        State
	salvage      bool
	parts        []types.Part
	text         *types.TextPart
	reasoning    *types.ReasoningPart
	toolParts    map[string]*types.ToolPart
	toolArgs     map[string]string
	usage        types.TokenUsage
	finishReason string
	pendingBytes int
	lastFlush    time.Time

	tools sync.WaitGroup

	// flushes tracks in-flight partial writes. finalize drains it before the
	// terminal delete or commit so a late write cannot resurrect the partial.
	flushes sync.WaitGroup
}

func (s *session) interrupted() bool {
	return s.soft.Load() || s.hard.Load()
}

// textPartLocked returns the current text part, opening one if needed.
func (s *session) textPartLocked() *types.TextPart {
	if s.text == nil {
		now := time.Now().UnixMilli()
		s.text = &types.TextPart{
			ID:   types.NewID(),
			Type: "text",
			Time: types.PartTime{Start: &now},
		}
		s.parts = append(s.parts, s.text)
	}
	return s.text
}

func (s *session) reasoningPartLocked() *types.ReasoningPart {
	if s.reasoning == nil {
		now := time.Now().UnixMilli()
		s.reasoning = &types.ReasoningPart{
			ID:   types.NewID(),
			Type: "reasoning",
			Time: types.PartTime{Start: &now},
		}
		s.parts = append(s.parts, s.reasoning)
	}
	return s.reasoning
}

// toolPartLocked returns the part for a call ID, materializing a pending
// part when the call has not been announced yet.
func (s *session) toolPartLocked(callID string) (*types.ToolPart, bool) {
	if p, ok := s.toolParts[callID]; ok {
		return p, false
	}
	now := time.Now().UnixMilli()
	p := &types.ToolPart{
		ID:     types.NewID(),
		Type:   "tool",
		CallID: callID,
		State:  types.ToolStatePending,
		Time:   types.PartTime{Start: &now},
	}
	s.toolParts[callID] = p
	s.parts = append(s.parts, p)
	return p, true
}

// snapshotLocked copies the part list for persistence. Tool parts are
// cloned because tool goroutines keep mutating the originals; text and
// reasoning parts are copied by value.
func (s *session) snapshotLocked() []types.Part {
	out := make([]types.Part, 0, len(s.parts))
	for _, p := range s.parts {
		switch v := p.(type) {
		case *types.TextPart:
			c := *v
			out = append(out, &c)
		case *types.ReasoningPart:
			c := *v
			out = append(out, &c)
		case *types.ToolPart:
			out = append(out, v.Clone())
		default:
			out = append(out, p)
		}
	}
	return out
}

func (s *session) snapshot() []types.Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
