package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mux-ai/mux/pkg/types"
)

func textEntry(seq int64, role, text string) types.HistoryEntry {
	return types.HistoryEntry{
		Sequence:  seq,
		MessageID: types.NewID(),
		Role:      role,
		Parts: []types.Part{
			&types.TextPart{ID: types.NewID(), Type: "text", Text: text},
		},
	}
}

func TestStore_AppendAssignsSequence(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	ws := types.WorkspaceID("ws1")

	require.NoError(t, s.Append(ctx, ws, textEntry(0, types.RoleUser, "hello")))
	require.NoError(t, s.Append(ctx, ws, textEntry(0, types.RoleAssistant, "hi")))

	entries, err := s.Entries(ctx, ws)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Sequence)
	assert.Equal(t, int64(2), entries[1].Sequence)

	next, err := s.NextSequence(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, int64(3), next)
}

func TestStore_AppendRejectsGap(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	ws := types.WorkspaceID("ws1")

	require.NoError(t, s.Append(ctx, ws, textEntry(1, types.RoleUser, "hello")))

	err := s.Append(ctx, ws, textEntry(5, types.RoleAssistant, "skipped ahead"))
	require.ErrorIs(t, err, ErrSequenceGap)

	// The failed append must not have altered the log.
	entries, err := s.Entries(ctx, ws)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestStore_WorkspacesAreIndependent(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "a", textEntry(0, types.RoleUser, "in a")))
	require.NoError(t, s.Append(ctx, "b", textEntry(0, types.RoleUser, "in b")))
	require.NoError(t, s.Append(ctx, "a", textEntry(0, types.RoleAssistant, "more a")))

	aEntries, err := s.Entries(ctx, "a")
	require.NoError(t, err)
	bEntries, err := s.Entries(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, aEntries, 2)
	assert.Len(t, bEntries, 1)

	workspaces, err := s.Workspaces(ctx)
	require.NoError(t, err)
	assert.Len(t, workspaces, 2)
}

func TestStore_PartialLifecycle(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	ws := types.WorkspaceID("ws1")

	_, err := s.ReadPartial(ctx, ws)
	require.ErrorIs(t, err, ErrNoPartial)

	p := &types.PartialEntry{
		MessageID: "msg1",
		Parts:     []types.Part{&types.TextPart{ID: "p1", Type: "text", Text: "stream"}},
	}
	require.NoError(t, s.WritePartial(ctx, ws, p))

	got, err := s.ReadPartial(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, "msg1", got.MessageID)
	require.Len(t, got.Parts, 1)
	assert.NotZero(t, got.LastWrite)

	// Each flush supersedes the previous snapshot.
	p.Parts = append(p.Parts, &types.TextPart{ID: "p2", Type: "text", Text: "ing"})
	require.NoError(t, s.WritePartial(ctx, ws, p))
	got, err = s.ReadPartial(ctx, ws)
	require.NoError(t, err)
	assert.Len(t, got.Parts, 2)

	require.NoError(t, s.DeletePartial(ctx, ws))
	_, err = s.ReadPartial(ctx, ws)
	require.ErrorIs(t, err, ErrNoPartial)

	// Redoing the delete after a crash-restart is safe.
	require.NoError(t, s.DeletePartial(ctx, ws))
}

func TestStore_CommitAppendsThenClearsPartial(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	ws := types.WorkspaceID("ws1")

	require.NoError(t, s.WritePartial(ctx, ws, &types.PartialEntry{
		MessageID: "msg1",
		Parts:     []types.Part{&types.TextPart{ID: "p1", Type: "text", Text: "draft"}},
	}))

	require.NoError(t, s.Commit(ctx, ws, textEntry(0, types.RoleAssistant, "final")))

	entries, err := s.Entries(ctx, ws)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = s.ReadPartial(ctx, ws)
	require.ErrorIs(t, err, ErrNoPartial)
}

func TestStore_ToolPartsSurviveRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	ws := types.WorkspaceID("ws1")

	output := "total 0"
	entry := types.HistoryEntry{
		MessageID: types.NewID(),
		Role:      types.RoleAssistant,
		Parts: []types.Part{
			&types.TextPart{ID: "t1", Type: "text", Text: "Listing files"},
			&types.ToolPart{
				ID:     "tp1",
				Type:   "tool",
				CallID: "call_1",
				Tool:   "bash",
				Input:  map[string]any{"command": "ls -la"},
				State:  types.ToolStateCompleted,
				Output: &output,
				Metadata: map[string]any{
					"exit": float64(0),
				},
			},
		},
	}
	require.NoError(t, s.Append(ctx, ws, entry))

	entries, err := s.Entries(ctx, ws)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Parts, 2)

	tool, ok := entries[0].Parts[1].(*types.ToolPart)
	require.True(t, ok, "second part should decode as a tool part")
	assert.Equal(t, "bash", tool.Tool)
	assert.Equal(t, "ls -la", tool.Input["command"])
	require.NotNil(t, tool.Output)
	assert.Equal(t, "total 0", *tool.Output)
}
