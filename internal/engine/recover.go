package engine

import (
	"context"
	"errors"

	"github.com/mux-ai/mux/internal/history"
)

// Recover scans all workspaces for partial snapshots left behind by a
// crash. A partial whose turn already made it into history is simply
// cleared (the crash hit between append and delete); otherwise the partial
// content is committed with an interruption marker so the work stays
// visible.
func (m *Manager) Recover(ctx context.Context) error {
	workspaces, err := m.history.Workspaces(ctx)
	if err != nil {
		return err
	}
	for _, ws := range workspaces {
		p, err := m.history.ReadPartial(ctx, ws)
		if errors.Is(err, history.ErrNoPartial) {
			continue
		}
		if err != nil {
			m.log.Warn().Err(err).Str("workspace", ws.String()).Msg("read partial failed during recovery")
			continue
		}

		entries, err := m.history.Entries(ctx, ws)
		if err != nil {
			m.log.Warn().Err(err).Str("workspace", ws.String()).Msg("read history failed during recovery")
			continue
		}
		committed := false
		for _, e := range entries {
			if e.MessageID == p.MessageID {
				committed = true
				break
			}
		}
		if committed {
			if err := m.history.DeletePartial(ctx, ws); err != nil {
				m.log.Warn().Err(err).Str("workspace", ws.String()).Msg("clear stale partial failed")
			}
			continue
		}

		if len(p.Parts) == 0 {
			m.history.DeletePartial(ctx, ws)
			continue
		}
		s := &session{workspace: ws, messageID: p.MessageID, parts: p.Parts}
		meta := map[string]any{"interrupted": true, "recovered": true}
		if err := m.commitTurn(s, meta); err != nil {
			m.log.Error().Err(err).Str("workspace", ws.String()).Msg("recovery commit failed")
			continue
		}
		m.log.Info().Str("workspace", ws.String()).Str("message", p.MessageID).Msg("recovered interrupted turn")
	}
	return nil
}
