package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mux-ai/mux/internal/event"
	"github.com/mux-ai/mux/internal/tool"
	"github.com/mux-ai/mux/pkg/types"
)

// dispatchTool runs one tool call in its own goroutine. Execution failures
// land in the part's error field; they never abort the stream. The tool
// context carries the session's abort channel so a long-running tool can
// stop early on interrupt, but the engine itself waits for it.
func (m *Manager) dispatchTool(s *session, part *types.ToolPart, args string) {
	s.tools.Add(1)
	go func() {
		defer s.tools.Done()

		s.mu.Lock()
		name := part.Tool
		s.mu.Unlock()

		finish := func(res *tool.Result, execErr error) {
			now := time.Now().UnixMilli()
			s.mu.Lock()
			part.Time.End = &now
			if execErr != nil {
				msg := execErr.Error()
				part.State = types.ToolStateError
				part.Error = &msg
			} else {
				part.State = types.ToolStateCompleted
				out := res.Output
				part.Output = &out
				if res.Title != "" {
					title := res.Title
					part.Title = &title
				}
				if res.Metadata != nil {
					part.Metadata = res.Metadata
				}
			}
			clone := part.Clone()
			s.mu.Unlock()
			m.publishTool(s, event.ToolCompleted, clone, "")
			m.maybeFlush(s, true)
		}

		t, ok := m.tools.Get(name)
		if !ok {
			finish(nil, &UnknownToolError{Name: name})
			return
		}
		ws, ok := m.workspace(s.workspace)
		if !ok {
			finish(nil, ErrUnknownWorkspace)
			return
		}

		toolCtx := &tool.Context{
			Workspace: s.workspace,
			MessageID: s.messageID,
			CallID:    part.CallID,
			WorkDir:   ws.WorkDir,
			Env:       ws.Env,
			Runtime:   ws.Runtime,
			Processes: m.processes,
			AbortCh:   s.ctx.Done(),
			OnMetadata: func(title string, meta map[string]any) {
				s.mu.Lock()
				if title != "" {
					tt := title
					part.Title = &tt
				}
				part.Metadata = meta
				clone := part.Clone()
				s.mu.Unlock()
				m.publishTool(s, event.ToolDelta, clone, "")
			},
		}

		// The tool outlives a hard interrupt; cancellation reaches it
		// only through the abort channel.
		res, err := t.Execute(context.WithoutCancel(s.ctx), json.RawMessage(args), toolCtx)
		finish(res, err)
	}()
}

// UnknownToolError marks a model call to a tool that is not registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return "unknown tool: " + e.Name
}
