package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mux-ai/mux/internal/event"
	"github.com/mux-ai/mux/internal/provider"
	"github.com/mux-ai/mux/pkg/types"
)

func seedHistory(t *testing.T, e *testEngine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		err := e.history.Append(context.Background(), testWorkspace, types.HistoryEntry{
			MessageID: types.NewID(),
			Role:      role,
			Parts: []types.Part{&types.TextPart{
				ID:   types.NewID(),
				Type: "text",
				Text: fmt.Sprintf("turn %d", i),
			}},
		})
		require.NoError(t, err)
	}
}

func TestCompactSummarizesOldTurns(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.providers.Register(&stubProvider{streams: []*fakeStream{
		newFakeStream(
			provider.TextDelta{Text: "the gist of it"},
			provider.Finish{Reason: provider.FinishStop},
		),
	}})
	events := e.collectEvents(t, event.HistoryCompacted)
	seedHistory(t, e, 6)

	require.NoError(t, e.manager.Compact(context.Background(), testWorkspace))

	entries, err := e.history.Entries(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, entries, minEntriesToKeep+1)

	summary := entries[0].Parts[0].(*types.TextPart)
	assert.Contains(t, summary.Text, "the gist of it")
	assert.Equal(t, true, entries[0].Metadata["compacted"])

	// Recent turns survive verbatim, resequenced after the summary.
	last := entries[len(entries)-1].Parts[0].(*types.TextPart)
	assert.Equal(t, "turn 5", last.Text)
	for i, entry := range entries {
		assert.Equal(t, int64(i+1), entry.Sequence)
	}

	evs := events()
	require.Len(t, evs, 1)
	data := evs[0].Data.(event.HistoryCompactedData)
	assert.Equal(t, 6, data.EntriesBefore)
	assert.Equal(t, minEntriesToKeep+1, data.EntriesAfter)
}

func TestCompactSkipsShortHistory(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.providers.Register(&stubProvider{})
	seedHistory(t, e, minEntriesToKeep)

	require.NoError(t, e.manager.Compact(context.Background(), testWorkspace))

	entries, err := e.history.Entries(context.Background(), testWorkspace)
	require.NoError(t, err)
	assert.Len(t, entries, minEntriesToKeep)
}

func TestCompactSkippedWhileStreaming(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.providers.Register(&stubProvider{})
	seedHistory(t, e, 6)

	stream := newFakeStream(provider.TextDelta{Text: "busy"})
	stream.blockAtEnd = true
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.manager.StartStream(context.Background(), StartOptions{Workspace: testWorkspace}, stream)
	}()
	require.Eventually(t, func() bool {
		return e.manager.State(testWorkspace) == StateStreaming
	}, time.Second, 5*time.Millisecond)

	// Skipped, not queued.
	require.NoError(t, e.manager.Compact(context.Background(), testWorkspace))

	entries, err := e.history.Entries(context.Background(), testWorkspace)
	require.NoError(t, err)
	assert.Len(t, entries, 6)

	require.NoError(t, e.manager.Interrupt(testWorkspace, InterruptOptions{Soft: true}))
	<-done
}
