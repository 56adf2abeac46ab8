package provider

import "github.com/mux-ai/mux/pkg/types"

// Finish reasons, normalized across providers.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// Event is one normalized streaming event. The concrete types below form a
// closed set; adapters never emit anything else.
type Event interface {
	streamEvent()
}

// TextDelta carries a span of new assistant text.
type TextDelta struct {
	Text string
}

func (TextDelta) streamEvent() {}

// ReasoningDelta carries a span of new extended-thinking text.
type ReasoningDelta struct {
	Text string
}

func (ReasoningDelta) streamEvent() {}

// ToolCallStart announces a tool call. Name may arrive before any arguments.
type ToolCallStart struct {
	CallID string
	Name   string
}

func (ToolCallStart) streamEvent() {}

// ToolCallDelta carries an argument fragment for an in-flight tool call.
type ToolCallDelta struct {
	CallID string
	Args   string
}

func (ToolCallDelta) streamEvent() {}

// ToolCallEnd closes a tool call with its complete argument JSON.
type ToolCallEnd struct {
	CallID string
	Name   string
	Args   string
}

func (ToolCallEnd) streamEvent() {}

// ToolResult carries a provider-replayed tool result frame. Most providers
// never emit these, but some replay results into the stream after a
// reconnect; the stream manager reconciles them with the originating call.
type ToolResult struct {
	CallID string
	Output string
}

func (ToolResult) streamEvent() {}

// StepUsage reports token accounting for the completed step.
type StepUsage struct {
	Usage types.TokenUsage
}

func (StepUsage) streamEvent() {}

// Finish is always the last event of a stream.
type Finish struct {
	Reason string
}

func (Finish) streamEvent() {}

// EventStream delivers normalized events in order. After Finish, Recv
// returns io.EOF.
type EventStream interface {
	Recv() (Event, error)
	Close()
}
