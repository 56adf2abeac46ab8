package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mux-ai/mux/internal/history"
	"github.com/mux-ai/mux/pkg/types"
)

// commitTurn appends the finished turn and clears the partial snapshot.
// Transient persistence failures are retried with bounded backoff; a
// sequence conflict is permanent and fails immediately.
func (m *Manager) commitTurn(s *session, meta map[string]any) error {
	entry := types.HistoryEntry{
		Sequence:  s.sequence,
		MessageID: s.messageID,
		Role:      types.RoleAssistant,
		Parts:     s.snapshot(),
		Time:      time.Now().UnixMilli(),
		Metadata:  meta,
	}

	op := func() error {
		err := m.history.Commit(context.Background(), s.workspace, entry)
		if errors.Is(err, history.ErrSequenceGap) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, newCommitBackoff())
}

func newCommitBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5
	return backoff.WithMaxRetries(b, 4)
}
