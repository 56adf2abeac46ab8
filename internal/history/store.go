// Package history persists committed conversation turns and in-progress
// partial snapshots, one file of each per workspace. All writes go through
// the atomic replace primitive in internal/storage, so a crash mid-write
// leaves either the old complete file or the new complete file.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mux-ai/mux/internal/logging"
	"github.com/mux-ai/mux/internal/storage"
	"github.com/mux-ai/mux/pkg/types"
)

var (
	// ErrSequenceGap is returned when an appended entry does not continue
	// the per-workspace sequence. Committed history has no gaps.
	ErrSequenceGap = errors.New("history sequence gap")

	// ErrNoPartial is returned when no partial snapshot exists.
	ErrNoPartial = errors.New("no partial entry")
)

// historyFile is the on-disk layout of a workspace's committed history.
type historyFile struct {
	Entries []types.HistoryEntry `json:"entries"`
}

// Store owns the history and partial files for all workspaces under one
// data directory.
type Store struct {
	storage *storage.Storage

	mu      sync.Mutex
	wsLocks map[types.WorkspaceID]*sync.Mutex
}

// New creates a store rooted at dir.
func New(dir string) *Store {
	return &Store{
		storage: storage.New(dir),
		wsLocks: make(map[types.WorkspaceID]*sync.Mutex),
	}
}

// lockWorkspace serializes read-modify-write cycles per workspace.
func (s *Store) lockWorkspace(ws types.WorkspaceID) func() {
	s.mu.Lock()
	l, ok := s.wsLocks[ws]
	if !ok {
		l = &sync.Mutex{}
		s.wsLocks[ws] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func historyKey(ws types.WorkspaceID) []string {
	return []string{"history", string(ws)}
}

func partialKey(ws types.WorkspaceID) []string {
	return []string{"partial", string(ws)}
}

// Entries reconstructs committed history from the last atomic checkpoint.
// Stale temp files from interrupted writers are cleaned up first, so a
// reader starting at an arbitrary time never sees a half-written record.
func (s *Store) Entries(ctx context.Context, ws types.WorkspaceID) ([]types.HistoryEntry, error) {
	s.storage.CleanStaleTemp(historyKey(ws))

	var file historyFile
	if err := s.storage.Get(ctx, historyKey(ws), &file); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return file.Entries, nil
}

// NextSequence returns the sequence number the next committed entry must use.
func (s *Store) NextSequence(ctx context.Context, ws types.WorkspaceID) (int64, error) {
	entries, err := s.Entries(ctx, ws)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 1, nil
	}
	return entries[len(entries)-1].Sequence + 1, nil
}

// Append adds one committed entry. The entry's sequence must continue the
// existing sequence without a gap; a zero sequence is assigned automatically.
func (s *Store) Append(ctx context.Context, ws types.WorkspaceID, entry types.HistoryEntry) error {
	unlock := s.lockWorkspace(ws)
	defer unlock()

	entries, err := s.Entries(ctx, ws)
	if err != nil {
		return err
	}

	next := int64(1)
	if len(entries) > 0 {
		next = entries[len(entries)-1].Sequence + 1
	}
	if entry.Sequence == 0 {
		entry.Sequence = next
	} else if entry.Sequence != next {
		return fmt.Errorf("%w: got %d, want %d", ErrSequenceGap, entry.Sequence, next)
	}

	if entry.Time == 0 {
		entry.Time = time.Now().UnixMilli()
	}

	file := historyFile{Entries: append(entries, entry)}
	return s.storage.Put(ctx, historyKey(ws), file)
}

// Replace rewrites a workspace's entire history in one atomic step. Used by
// compaction; a crash mid-replace leaves either the full old set or the full
// new set.
func (s *Store) Replace(ctx context.Context, ws types.WorkspaceID, entries []types.HistoryEntry) error {
	unlock := s.lockWorkspace(ws)
	defer unlock()

	for i := range entries {
		if entries[i].Sequence == 0 {
			entries[i].Sequence = int64(i) + 1
		}
		if i > 0 && entries[i].Sequence != entries[i-1].Sequence+1 {
			return fmt.Errorf("%w: replacement entries not contiguous at %d", ErrSequenceGap, i)
		}
	}

	return s.storage.Put(ctx, historyKey(ws), historyFile{Entries: entries})
}

// WritePartial supersedes the workspace's partial snapshot. Loss of a partial
// is acceptable, so callers treat failures as non-fatal.
func (s *Store) WritePartial(ctx context.Context, ws types.WorkspaceID, p *types.PartialEntry) error {
	p.LastWrite = time.Now().UnixMilli()
	return s.storage.Put(ctx, partialKey(ws), p)
}

// ReadPartial returns the current partial snapshot, or ErrNoPartial.
func (s *Store) ReadPartial(ctx context.Context, ws types.WorkspaceID) (*types.PartialEntry, error) {
	s.storage.CleanStaleTemp(partialKey(ws))

	var p types.PartialEntry
	if err := s.storage.Get(ctx, partialKey(ws), &p); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoPartial
		}
		return nil, err
	}
	return &p, nil
}

// DeletePartial discards the partial snapshot. Idempotent: deleting a missing
// partial succeeds, which makes crash-redo of a commit safe.
func (s *Store) DeletePartial(ctx context.Context, ws types.WorkspaceID) error {
	return s.storage.Delete(ctx, partialKey(ws))
}

// Commit moves an in-progress turn into committed history as one logical
// step: append first, then delete the partial. If the process dies between
// the two, restart finds the entry both committed and still in the partial
// slot; redoing the delete is harmless, whereas the reverse order could lose
// the turn entirely.
func (s *Store) Commit(ctx context.Context, ws types.WorkspaceID, entry types.HistoryEntry) error {
	if err := s.Append(ctx, ws, entry); err != nil {
		return err
	}
	if err := s.DeletePartial(ctx, ws); err != nil {
		logging.Warn().Err(err).Str("workspace", string(ws)).Msg("failed to clear partial after commit")
	}
	return nil
}

// Workspaces lists the workspaces with committed history.
func (s *Store) Workspaces(ctx context.Context) ([]types.WorkspaceID, error) {
	keys, err := s.storage.List(ctx, []string{"history"})
	if err != nil {
		return nil, err
	}
	out := make([]types.WorkspaceID, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.WorkspaceID(k))
	}
	return out, nil
}
