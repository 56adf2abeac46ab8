package engine

import (
	"github.com/mux-ai/mux/pkg/types"
)

// RedactEntries returns a model-safe view of history: tool part metadata is
// engine-internal signaling and never goes back to a provider. The input
// entries are not mutated; redacted parts are clones.
func RedactEntries(entries []types.HistoryEntry) []types.HistoryEntry {
	out := make([]types.HistoryEntry, len(entries))
	for i, e := range entries {
		redacted := e
		var parts []types.Part
		for j, p := range e.Parts {
			tp, ok := p.(*types.ToolPart)
			if !ok || tp.Metadata == nil {
				continue
			}
			if parts == nil {
				parts = make([]types.Part, len(e.Parts))
				copy(parts, e.Parts)
			}
			c := tp.Clone()
			c.Metadata = nil
			parts[j] = c
		}
		if parts != nil {
			redacted.Parts = parts
		}
		out[i] = redacted
	}
	return out
}
