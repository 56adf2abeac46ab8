// Package types contains the data model shared across the engine.
package types

import "github.com/oklog/ulid/v2"

// WorkspaceID is an opaque key partitioning all engine state. Nothing in the
// engine is visible across two different workspace IDs.
type WorkspaceID string

func (w WorkspaceID) String() string { return string(w) }

// NewID generates a lexicographically sortable unique identifier used for
// messages, parts and background processes.
func NewID() string {
	return ulid.Make().String()
}
