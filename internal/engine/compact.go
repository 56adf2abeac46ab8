package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/mux-ai/mux/internal/event"
	"github.com/mux-ai/mux/internal/provider"
	"github.com/mux-ai/mux/pkg/types"
)

// Compaction tuning.
const (
	// minEntriesToKeep is the number of recent turns compaction preserves
	// verbatim.
	minEntriesToKeep = 4

	// summaryMaxTokens caps the generated summary.
	summaryMaxTokens = 2000
)

const summarySystemPrompt = "You are a conversation summarizer. Create a concise summary of the conversation that preserves key context for continuing the discussion."

// Compact summarizes old history entries to free context. It is a no-op
// while the workspace is streaming or another compaction is in flight, and
// when the history is too short to be worth compacting.
func (m *Manager) Compact(ctx context.Context, ws types.WorkspaceID) error {
	m.mu.Lock()
	if _, streaming := m.sessions[ws]; streaming || m.compacting[ws] {
		m.mu.Unlock()
		return nil
	}
	m.compacting[ws] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.compacting, ws)
		m.mu.Unlock()
	}()

	entries, err := m.history.Entries(ctx, ws)
	if err != nil {
		return err
	}
	if len(entries) <= minEntriesToKeep {
		return nil
	}

	cut := len(entries) - minEntriesToKeep
	summary, err := m.summarize(ctx, entries[:cut])
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	replacement := make([]types.HistoryEntry, 0, minEntriesToKeep+1)
	replacement = append(replacement, types.HistoryEntry{
		MessageID: types.NewID(),
		Role:      types.RoleUser,
		Parts: []types.Part{&types.TextPart{
			ID:   types.NewID(),
			Type: "text",
			Text: "Summary of the conversation so far:\n\n" + summary,
		}},
		Time:     time.Now().UnixMilli(),
		Metadata: map[string]any{"compacted": true},
	})
	for _, e := range entries[cut:] {
		e.Sequence = 0 // resequenced by Replace
		replacement = append(replacement, e)
	}

	if err := m.history.Replace(ctx, ws, replacement); err != nil {
		return fmt.Errorf("replace history: %w", err)
	}

	m.bus.Publish(event.Event{
		Type:      event.HistoryCompacted,
		Workspace: ws,
		Data: event.HistoryCompactedData{
			EntriesBefore: len(entries),
			EntriesAfter:  len(replacement),
		},
	})
	return nil
}

// summarize asks the default model for a summary of the given entries.
func (m *Manager) summarize(ctx context.Context, entries []types.HistoryEntry) (string, error) {
	model, err := m.providers.DefaultModel()
	if err != nil {
		return "", err
	}
	prov, err := m.providers.Get(model.ProviderID)
	if err != nil {
		return "", err
	}

	stream, err := prov.Stream(ctx, &provider.Request{
		Model: model.ID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: summarySystemPrompt},
			{Role: schema.User, Content: renderTranscript(entries)},
		},
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var b strings.Builder
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if td, ok := ev.(provider.TextDelta); ok {
			b.WriteString(td.Text)
		}
	}
	return b.String(), nil
}

// renderTranscript flattens entries into plain text for the summarizer.
func renderTranscript(entries []types.HistoryEntry) string {
	var b strings.Builder
	b.WriteString("Summarize this conversation:\n\n")
	for _, e := range entries {
		for _, p := range e.Parts {
			switch v := p.(type) {
			case *types.TextPart:
				fmt.Fprintf(&b, "[%s] %s\n", e.Role, v.Text)
			case *types.ToolPart:
				fmt.Fprintf(&b, "[tool:%s]", v.Tool)
				if v.Output != nil {
					out := *v.Output
					if len(out) > 500 {
						out = out[:500] + "..."
					}
					b.WriteString(" " + out)
				}
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}
