package types

import "encoding/json"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HistoryEntry is an immutable, committed conversation turn. Sequence numbers
// are strictly increasing per workspace with no gaps once committed.
type HistoryEntry struct {
	Sequence  int64          `json:"sequence"`
	MessageID string         `json:"messageID"`
	Role      string         `json:"role"`
	Parts     []Part         `json:"parts"`
	Time      int64          `json:"time"` // unix millis
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// UnmarshalJSON decodes the part union by type tag.
func (e *HistoryEntry) UnmarshalJSON(data []byte) error {
	type alias HistoryEntry
	aux := struct {
		*alias
		Parts []json.RawMessage `json:"parts"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	parts, err := unmarshalParts(aux.Parts)
	if err != nil {
		return err
	}
	e.Parts = parts
	return nil
}

// PartialEntry is the persisted snapshot of an in-progress turn. At most one
// exists per workspace; each flush supersedes the previous snapshot.
type PartialEntry struct {
	MessageID string `json:"messageID"`
	Parts     []Part `json:"parts"`
	LastWrite int64  `json:"lastWrite"` // unix millis
}

// UnmarshalJSON decodes the part union by type tag.
func (e *PartialEntry) UnmarshalJSON(data []byte) error {
	type alias PartialEntry
	aux := struct {
		*alias
		Parts []json.RawMessage `json:"parts"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	parts, err := unmarshalParts(aux.Parts)
	if err != nil {
		return err
	}
	e.Parts = parts
	return nil
}

// TokenUsage accumulates token counters across provider steps.
type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning"`
	Cache     CacheUsage `json:"cache"`
}

// CacheUsage contains prompt-cache statistics.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// Add merges usage from one provider step into the running total.
func (u *TokenUsage) Add(step TokenUsage) {
	u.Input += step.Input
	u.Output += step.Output
	u.Reasoning += step.Reasoning
	u.Cache.Read += step.Cache.Read
	u.Cache.Write += step.Cache.Write
}

// Total returns the combined token count.
func (u TokenUsage) Total() int {
	return u.Input + u.Output + u.Reasoning
}
