package types

import "encoding/json"

// Part represents a component of an assistant message.
type Part interface {
	PartType() string
	PartID() string
}

// PartTime contains timing information for a message part.
type PartTime struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// Tool part states.
const (
	ToolStatePending   = "pending"
	ToolStateRunning   = "running"
	ToolStateCompleted = "completed"
	ToolStateError     = "error"
)

// TextPart represents a span of streamed text.
type TextPart struct {
	ID   string   `json:"id"`
	Type string   `json:"type"` // always "text"
	Text string   `json:"text"`
	Time PartTime `json:"time,omitempty"`
}

func (p *TextPart) PartType() string { return "text" }
func (p *TextPart) PartID() string   { return p.ID }

// ReasoningPart represents extended thinking content.
type ReasoningPart struct {
	ID   string   `json:"id"`
	Type string   `json:"type"` // always "reasoning"
	Text string   `json:"text"`
	Time PartTime `json:"time,omitempty"`
}

func (p *ReasoningPart) PartType() string { return "reasoning" }
func (p *ReasoningPart) PartID() string   { return p.ID }

// ToolPart records one tool call: its input, lifecycle state and result.
// Metadata carries engine-internal signaling (live progress, exit codes);
// it is never forwarded back to a model provider.
type ToolPart struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"` // always "tool"
	CallID   string         `json:"callID"`
	Tool     string         `json:"tool"`
	Input    map[string]any `json:"input"`
	State    string         `json:"state"`
	Output   *string        `json:"output,omitempty"`
	Error    *string        `json:"error,omitempty"`
	Title    *string        `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Time     PartTime       `json:"time,omitempty"`
}

func (p *ToolPart) PartType() string { return "tool" }
func (p *ToolPart) PartID() string   { return p.ID }

// Clone returns a deep-enough copy of the tool part that callers may mutate
// without affecting the original. Input and Metadata maps are copied one
// level deep; values are treated as immutable.
func (p *ToolPart) Clone() *ToolPart {
	c := *p
	if p.Input != nil {
		c.Input = make(map[string]any, len(p.Input))
		for k, v := range p.Input {
			c.Input[k] = v
		}
	}
	if p.Metadata != nil {
		c.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// UnmarshalPart decodes a JSON part into the matching concrete type.
func UnmarshalPart(data []byte) (Part, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	switch probe.Type {
	case "reasoning":
		var p ReasoningPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "tool":
		var p ToolPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		// Unknown part kinds degrade to text so a reader never loses data.
		var p TextPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	}
}

// unmarshalParts decodes a slice of raw parts.
func unmarshalParts(raw []json.RawMessage) ([]Part, error) {
	parts := make([]Part, 0, len(raw))
	for _, r := range raw {
		p, err := UnmarshalPart(r)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}
