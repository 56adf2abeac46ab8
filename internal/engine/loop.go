package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mux-ai/mux/internal/provider"
	"github.com/mux-ai/mux/pkg/types"
)

// estimatedCharsPerToken is the rough char-to-token ratio used to decide
// when history is close to the model's context window.
const estimatedCharsPerToken = 4

// SendMessage appends a user turn and runs the agentic loop: stream a
// completion, execute requested tools, feed results back, repeat until the
// model stops calling tools or the step cap is hit. Provider transport
// errors are returned to the caller; the engine does not retry them.
func (m *Manager) SendMessage(ctx context.Context, ws types.WorkspaceID, text, modelRef string) error {
	if _, ok := m.workspace(ws); !ok {
		return ErrUnknownWorkspace
	}

	prov, model, err := m.resolveModel(modelRef)
	if err != nil {
		return err
	}
	ref := model.ProviderID + "/" + model.ID

	userEntry := types.HistoryEntry{
		MessageID: types.NewID(),
		Role:      types.RoleUser,
		Parts: []types.Part{&types.TextPart{
			ID:   types.NewID(),
			Type: "text",
			Text: text,
		}},
		Time: time.Now().UnixMilli(),
	}
	if err := m.history.Append(ctx, ws, userEntry); err != nil {
		return fmt.Errorf("append user turn: %w", err)
	}

	for step := 0; step < m.cfg.MaxSteps; step++ {
		entries, err := m.history.Entries(ctx, ws)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}

		if estimateTokens(entries) > m.cfg.MaxContextTokens {
			if err := m.Compact(ctx, ws); err != nil {
				m.log.Warn().Err(err).Str("workspace", ws.String()).Msg("compaction failed")
			} else if entries, err = m.history.Entries(ctx, ws); err != nil {
				return fmt.Errorf("load history: %w", err)
			}
		}

		req := &provider.Request{
			Model:     model.ID,
			Messages:  provider.ConvertHistory(RedactEntries(entries)),
			Tools:     m.tools.ToolInfos(),
			MaxTokens: model.MaxOutputTokens,
		}

		stream, err := prov.Stream(ctx, req)
		if err != nil {
			return fmt.Errorf("provider stream: %w", err)
		}

		reason, err := m.StartStream(ctx, StartOptions{Workspace: ws, Model: ref}, stream)
		if err != nil {
			return err
		}
		if reason != provider.FinishToolCalls {
			return nil
		}
	}
	return fmt.Errorf("agentic loop exceeded %d steps", m.cfg.MaxSteps)
}

func (m *Manager) resolveModel(modelRef string) (provider.Provider, *types.Model, error) {
	if modelRef == "" {
		model, err := m.providers.DefaultModel()
		if err != nil {
			return nil, nil, err
		}
		prov, err := m.providers.Get(model.ProviderID)
		return prov, model, err
	}
	providerID, modelID := provider.ParseModelRef(modelRef)
	if providerID == "" {
		// Bare model ID; find the provider that serves it.
		for _, p := range m.providers.List() {
			for _, mdl := range p.Models() {
				if mdl.ID == modelID {
					return p, &mdl, nil
				}
			}
		}
		return nil, nil, fmt.Errorf("unknown model %q", modelID)
	}
	model, err := m.providers.GetModel(providerID, modelID)
	if err != nil {
		return nil, nil, err
	}
	prov, err := m.providers.Get(providerID)
	return prov, model, err
}

// estimateTokens approximates token usage from serialized text length.
func estimateTokens(entries []types.HistoryEntry) int {
	chars := 0
	for _, e := range entries {
		for _, p := range e.Parts {
			switch v := p.(type) {
			case *types.TextPart:
				chars += len(v.Text)
			case *types.ReasoningPart:
				chars += len(v.Text)
			case *types.ToolPart:
				if v.Output != nil {
					chars += len(*v.Output)
				}
				chars += 100 // rough input overhead
			}
		}
	}
	return chars / estimatedCharsPerToken
}
