package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mux-ai/mux/internal/tool"
	"github.com/mux-ai/mux/pkg/types"
)

// RunSubagent runs a prompt in a throwaway child workspace that shares the
// parent's runtime and working directory. The child's history is isolated;
// only the final assistant text is returned. Implements tool.SubagentRunner.
func (m *Manager) RunSubagent(ctx context.Context, parent types.WorkspaceID, prompt string, opts tool.SubagentOptions) (*tool.SubagentResult, error) {
	ws, ok := m.workspace(parent)
	if !ok {
		return nil, ErrUnknownWorkspace
	}

	childID := types.WorkspaceID(string(parent) + "-sub-" + types.NewID())
	m.RegisterWorkspace(Workspace{
		ID:      childID,
		Runtime: ws.Runtime,
		WorkDir: ws.WorkDir,
		Env:     ws.Env,
	})
	defer m.forgetWorkspace(childID)

	if err := m.SendMessage(ctx, childID, prompt, opts.Model); err != nil {
		return nil, fmt.Errorf("subagent: %w", err)
	}

	entries, err := m.history.Entries(ctx, childID)
	if err != nil {
		return nil, err
	}

	var output strings.Builder
	var usage types.TokenUsage
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Role != types.RoleAssistant {
			continue
		}
		for _, p := range entries[i].Parts {
			if tp, ok := p.(*types.TextPart); ok {
				output.WriteString(tp.Text)
			}
		}
		usage = decodeUsage(entries[i].Metadata["tokens"])
		break
	}

	return &tool.SubagentResult{
		Output:    output.String(),
		Workspace: childID,
		Usage:     usage,
	}, nil
}

// decodeUsage recovers token usage from entry metadata, which holds a
// typed value in memory but a plain map after a JSON round-trip.
func decodeUsage(v any) types.TokenUsage {
	switch u := v.(type) {
	case types.TokenUsage:
		return u
	case map[string]any:
		raw, err := json.Marshal(u)
		if err != nil {
			return types.TokenUsage{}
		}
		var out types.TokenUsage
		if json.Unmarshal(raw, &out) != nil {
			return types.TokenUsage{}
		}
		return out
	default:
		return types.TokenUsage{}
	}
}

func (m *Manager) forgetWorkspace(id types.WorkspaceID) {
	if m.processes != nil {
		m.processes.TerminateAll(id)
	}
	m.mu.Lock()
	delete(m.workspaces, id)
	m.mu.Unlock()
}
