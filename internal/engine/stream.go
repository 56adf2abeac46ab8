package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mux-ai/mux/internal/event"
	"github.com/mux-ai/mux/internal/provider"
	"github.com/mux-ai/mux/internal/repetition"
	"github.com/mux-ai/mux/pkg/types"
)

// Stream-end reasons reported on the event bus.
const (
	ReasonStop        = "stop"
	ReasonInterrupted = "interrupted"
	ReasonRepetition  = "repetition"
	ReasonError       = "error"
)

// StartOptions identifies the turn a stream produces.
type StartOptions struct {
	Workspace types.WorkspaceID
	MessageID string
	Model     string
}

// StartStream drives one provider event stream to completion: it
// materializes parts, dispatches tool calls, flushes partial snapshots and
// commits the finished turn. It returns the provider finish reason. If the
// workspace already has an active stream it returns ErrAlreadyStreaming
// without touching the existing stream.
func (m *Manager) StartStream(ctx context.Context, opts StartOptions, stream provider.EventStream) (string, error) {
	s, err := m.begin(ctx, opts, stream)
	if err != nil {
		stream.Close()
		return "", err
	}

	m.bus.Publish(event.Event{
		Type:      event.StreamStarted,
		Workspace: s.workspace,
		Data: event.StreamStartedData{
			MessageID: s.messageID,
			Sequence:  s.sequence,
			Model:     s.modelRef,
		},
	})

	streamErr := m.consume(s, stream)

	// In-flight tool calls always run to completion, even on a hard
	// interrupt. Cancellation is cooperative via the abort channel.
	s.tools.Wait()

	return m.finalize(s, streamErr)
}

func (m *Manager) begin(ctx context.Context, opts StartOptions, stream provider.EventStream) (*session, error) {
	if opts.MessageID == "" {
		opts.MessageID = types.NewID()
	}

	m.mu.Lock()
	if _, busy := m.sessions[opts.Workspace]; busy {
		m.mu.Unlock()
		return nil, ErrAlreadyStreaming
	}
	// Reserve the slot before the sequence lookup so a concurrent caller
	// cannot slip in while we read the store.
	s := &session{
		workspace: opts.Workspace,
		messageID: opts.MessageID,
		modelRef:  opts.Model,
		started:   time.Now(),
		stream:    stream,
		state:     StateStreaming,
		toolParts: make(map[string]*types.ToolPart),
		toolArgs:  make(map[string]string),
		lastFlush: time.Now(),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	m.sessions[opts.Workspace] = s
	m.mu.Unlock()

	seq, err := m.history.NextSequence(context.WithoutCancel(ctx), opts.Workspace)
	if err != nil {
		m.release(s)
		return nil, fmt.Errorf("next sequence: %w", err)
	}
	s.sequence = seq

	if m.repetitionGuardEnabled(opts.Model) {
		s.detector = repetition.New(m.cfg.Repetition)
	}
	return s, nil
}

func (m *Manager) release(s *session) {
	s.cancel()
	m.mu.Lock()
	if m.sessions[s.workspace] == s {
		delete(m.sessions, s.workspace)
	}
	m.mu.Unlock()
}

// consume reads provider events until the stream ends, an interrupt lands
// or the repetition guard latches.
func (m *Manager) consume(s *session, stream provider.EventStream) error {
	defer stream.Close()
	for {
		if s.interrupted() {
			return nil
		}
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if s.interrupted() {
				// Close on interrupt surfaces as a read error.
				return nil
			}
			return fmt.Errorf("provider stream: %w", err)
		}
		m.handleEvent(s, ev)
		if s.detector != nil && s.detector.IsRepetitive() {
			return nil
		}
		m.maybeFlush(s, false)
	}
}

func (m *Manager) handleEvent(s *session, ev provider.Event) {
	switch v := ev.(type) {
	case provider.TextDelta:
		s.mu.Lock()
		p := s.textPartLocked()
		p.Text += v.Text
		s.pendingBytes += len(v.Text)
		partID := p.ID
		s.mu.Unlock()
		if s.detector != nil {
			s.detector.AddText(v.Text)
		}
		m.bus.Publish(event.Event{
			Type:      event.StreamDelta,
			Workspace: s.workspace,
			Data: event.StreamDeltaData{
				MessageID: s.messageID,
				PartID:    partID,
				Delta:     v.Text,
			},
		})

	case provider.ReasoningDelta:
		s.mu.Lock()
		p := s.reasoningPartLocked()
		p.Text += v.Text
		s.pendingBytes += len(v.Text)
		partID := p.ID
		s.mu.Unlock()
		m.bus.Publish(event.Event{
			Type:      event.StreamDelta,
			Workspace: s.workspace,
			Data: event.StreamDeltaData{
				MessageID: s.messageID,
				PartID:    partID,
				Delta:     v.Text,
				Reasoning: true,
			},
		})

	case provider.ToolCallStart:
		s.mu.Lock()
		p, created := s.toolPartLocked(v.CallID)
		if v.Name != "" {
			p.Tool = v.Name
		}
		clone := p.Clone()
		s.mu.Unlock()
		if created {
			m.publishTool(s, event.ToolStarted, clone, "")
		}

	case provider.ToolCallDelta:
		s.mu.Lock()
		p, created := s.toolPartLocked(v.CallID)
		s.toolArgs[v.CallID] += v.Args
		// Best-effort preview while the arguments are still streaming.
		var preview map[string]any
		if json.Unmarshal([]byte(s.toolArgs[v.CallID]), &preview) == nil {
			p.Input = preview
		}
		s.pendingBytes += len(v.Args)
		clone := p.Clone()
		s.mu.Unlock()
		if created {
			// The call was never announced; the preview part stands in
			// for it until the start or end frame arrives.
			m.publishTool(s, event.ToolStarted, clone, "")
		}
		m.publishTool(s, event.ToolDelta, clone, v.Args)

	case provider.ToolCallEnd:
		s.mu.Lock()
		p, created := s.toolPartLocked(v.CallID)
		if v.Name != "" {
			p.Tool = v.Name
		}
		args := v.Args
		if args == "" {
			args = s.toolArgs[v.CallID]
		}
		// The end frame's arguments are authoritative: they replace any
		// preview assembled from fragments.
		var input map[string]any
		if args != "" && json.Unmarshal([]byte(args), &input) == nil {
			p.Input = input
		}
		p.State = types.ToolStateRunning
		clone := p.Clone()
		s.mu.Unlock()
		if created {
			m.publishTool(s, event.ToolStarted, clone, "")
		}
		m.dispatchTool(s, p, args)

	case provider.ToolResult:
		s.mu.Lock()
		p, orphan := s.toolPartLocked(v.CallID)
		if orphan {
			// No call preceded this result. Record it with nil input so
			// the history stays well-formed.
			p.Tool = "unknown"
		}
		out := v.Output
		p.Output = &out
		p.State = types.ToolStateCompleted
		now := time.Now().UnixMilli()
		p.Time.End = &now
		clone := p.Clone()
		s.mu.Unlock()
		m.publishTool(s, event.ToolCompleted, clone, "")

	case provider.StepUsage:
		s.mu.Lock()
		s.usage.Add(v.Usage)
		s.mu.Unlock()

	case provider.Finish:
		s.mu.Lock()
		s.finishReason = v.Reason
		s.mu.Unlock()
	}
}

func (m *Manager) publishTool(s *session, t event.Type, part *types.ToolPart, delta string) {
	m.bus.Publish(event.Event{
		Type:      t,
		Workspace: s.workspace,
		Data: event.ToolData{
			MessageID: s.messageID,
			Part:      part,
			Delta:     delta,
		},
	})
}

// maybeFlush writes a partial snapshot when enough content accumulated or
// the coalescing window elapsed. Flushes are best-effort: a failed write is
// logged and the next flush supersedes it. At most one write is in flight.
func (m *Manager) maybeFlush(s *session, force bool) {
	s.mu.Lock()
	due := force && len(s.parts) > 0
	if !due && s.pendingBytes > 0 {
		due = s.pendingBytes >= m.cfg.FlushBytes ||
			time.Since(s.lastFlush) >= m.cfg.FlushInterval
	}
	if !due || !s.flushBusy.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return
	}
	p := &types.PartialEntry{
		MessageID: s.messageID,
		Parts:     s.snapshotLocked(),
		LastWrite: time.Now().UnixMilli(),
	}
	s.pendingBytes = 0
	s.lastFlush = time.Now()
	s.mu.Unlock()

	s.flushes.Add(1)
	go func() {
		defer s.flushes.Done()
		defer s.flushBusy.Store(false)
		if err := m.history.WritePartial(context.Background(), s.workspace, p); err != nil {
			m.log.Warn().
				Err(err).
				Str("workspace", s.workspace.String()).
				Msg("partial flush failed")
		}
	}()
}

// finalize commits or discards the turn and emits the terminal event.
func (m *Manager) finalize(s *session, streamErr error) (string, error) {
	defer m.release(s)
	s.setState(StateCommitting)

	// All flush scheduling happens on the consumer and tool goroutines, which
	// have finished by now. Wait for any write still in flight so the delete
	// or commit below is the last word on the partial file.
	s.flushes.Wait()

	s.mu.Lock()
	reason := s.finishReason
	salvage := s.salvage
	repetitive := s.detector != nil && s.detector.IsRepetitive()
	empty := len(s.parts) == 0
	usage := s.usage
	s.mu.Unlock()

	if reason == "" {
		reason = provider.FinishStop
	}
	meta := map[string]any{
		"model":  s.modelRef,
		"tokens": usage,
	}

	endReason := ReasonStop
	switch {
	case streamErr != nil:
		endReason = ReasonError
		meta["error"] = streamErr.Error()
	case repetitive:
		endReason = ReasonRepetition
		meta["repetition"] = s.detector.Phrase()
	case s.interrupted():
		endReason = ReasonInterrupted
		meta["interrupted"] = true
	}
	if streamErr != nil {
		// Session-fatal: the turn is still committed best-effort below.
		s.setState(StateError)
	}

	discard := s.hard.Load() && !salvage && streamErr == nil && !repetitive
	if discard || empty {
		// Nothing worth keeping. Drop the partial so recovery does not
		// resurrect a turn the caller abandoned.
		if err := m.history.DeletePartial(context.Background(), s.workspace); err != nil {
			m.log.Warn().Err(err).Str("workspace", s.workspace.String()).Msg("discard partial failed")
		}
		m.publishEnd(s, endReason, usage, streamErr)
		return reason, streamErr
	}

	if err := m.commitTurn(s, meta); err != nil {
		// The partial snapshot stays on disk for crash recovery.
		s.setState(StateError)
		m.log.Error().
			Err(err).
			Str("workspace", s.workspace.String()).
			Msg("turn commit failed")
		m.bus.Publish(event.Event{
			Type:      event.StreamFailed,
			Workspace: s.workspace,
			Data:      event.StreamFailedData{MessageID: s.messageID, Error: err.Error()},
		})
		return reason, fmt.Errorf("commit turn: %w", err)
	}

	m.publishEnd(s, endReason, usage, streamErr)
	return reason, streamErr
}

func (m *Manager) publishEnd(s *session, endReason string, usage types.TokenUsage, streamErr error) {
	if streamErr != nil {
		m.bus.Publish(event.Event{
			Type:      event.StreamFailed,
			Workspace: s.workspace,
			Data:      event.StreamFailedData{MessageID: s.messageID, Error: streamErr.Error()},
		})
		return
	}
	m.bus.Publish(event.Event{
		Type:      event.StreamEnded,
		Workspace: s.workspace,
		Data: event.StreamEndedData{
			MessageID: s.messageID,
			Reason:    endReason,
			Usage:     usage,
		},
	})
}
