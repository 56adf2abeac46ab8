package event

import (
	"github.com/mux-ai/mux/pkg/types"
)

// Type identifies an event kind.
type Type string

// Event kinds emitted by the engine.
const (
	StreamStarted Type = "stream.started"
	StreamDelta   Type = "stream.delta"
	ToolStarted   Type = "tool.started"
	ToolDelta     Type = "tool.delta"
	ToolCompleted Type = "tool.completed"
	StreamEnded   Type = "stream.ended"
	StreamFailed  Type = "stream.error"

	ProcessSpawned    Type = "process.spawned"
	ProcessExited     Type = "process.exited"
	ProcessTerminated Type = "process.terminated"

	HistoryCompacted Type = "history.compacted"
	ConfigUpdated    Type = "config.updated"
)

// Event is the envelope delivered to subscribers. Timestamp is assigned by
// the bus and is strictly increasing per bus instance.
type Event struct {
	Type      Type              `json:"type"`
	Workspace types.WorkspaceID `json:"workspaceID,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Data      any               `json:"data,omitempty"`
}

// StreamStartedData accompanies StreamStarted.
type StreamStartedData struct {
	MessageID string `json:"messageID"`
	Sequence  int64  `json:"sequence"`
	Model     string `json:"model"`
}

// StreamDeltaData accompanies StreamDelta.
type StreamDeltaData struct {
	MessageID string `json:"messageID"`
	PartID    string `json:"partID"`
	Delta     string `json:"delta"`
	Reasoning bool   `json:"reasoning,omitempty"`
}

// ToolData accompanies the tool lifecycle events.
type ToolData struct {
	MessageID string          `json:"messageID"`
	Part      *types.ToolPart `json:"part"`
	Delta     string          `json:"delta,omitempty"`
}

// StreamEndedData accompanies StreamEnded.
type StreamEndedData struct {
	MessageID string           `json:"messageID"`
	Reason    string           `json:"reason"` // "stop" | "interrupted" | "repetition" | "error"
	Usage     types.TokenUsage `json:"usage"`
}

// StreamFailedData accompanies StreamFailed.
type StreamFailedData struct {
	MessageID string `json:"messageID"`
	Error     string `json:"error"`
}

// ProcessData accompanies the process lifecycle events.
type ProcessData struct {
	ProcessID string `json:"processID"`
	ExitCode  *int   `json:"exitCode,omitempty"`
}

// HistoryCompactedData accompanies HistoryCompacted.
type HistoryCompactedData struct {
	EntriesBefore int `json:"entriesBefore"`
	EntriesAfter  int `json:"entriesAfter"`
}
