package provider

import (
	"io"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/mux-ai/mux/pkg/types"
)

// einoStream adapts an Eino message stream to the normalized EventStream.
// Providers differ in whether chunks carry cumulative or delta content; the
// adapter handles both by diffing against an accumulator.
type einoStream struct {
	reader *schema.StreamReader[*schema.Message]

	pending []Event
	done    bool

	text      string
	reasoning string

	calls     map[string]*callState
	callOrder []string

	finishReason string
	usage        *types.TokenUsage
}

type callState struct {
	id   string
	name string
	args string
}

// NewEinoStream wraps reader in the normalized event protocol.
func NewEinoStream(reader *schema.StreamReader[*schema.Message]) EventStream {
	return &einoStream{
		reader: reader,
		calls:  make(map[string]*callState),
	}
}

func (s *einoStream) Recv() (Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}

		msg, err := s.reader.Recv()
		if err == io.EOF {
			s.finalize()
			continue
		}
		if err != nil {
			s.done = true
			return nil, err
		}

		s.ingest(msg)
	}
}

func (s *einoStream) Close() {
	s.reader.Close()
}

// ingest converts one raw chunk into zero or more normalized events.
func (s *einoStream) ingest(msg *schema.Message) {
	if delta := advance(&s.text, msg.Content); delta != "" {
		s.pending = append(s.pending, TextDelta{Text: delta})
	}
	if delta := advance(&s.reasoning, msg.ReasoningContent); delta != "" {
		s.pending = append(s.pending, ReasoningDelta{Text: delta})
	}

	for _, tc := range msg.ToolCalls {
		key := callKey(tc)
		call, exists := s.calls[key]
		if !exists {
			call = &callState{id: tc.ID, name: tc.Function.Name}
			if call.id == "" {
				call.id = key
			}
			s.calls[key] = call
			s.callOrder = append(s.callOrder, key)
			s.pending = append(s.pending, ToolCallStart{CallID: call.id, Name: call.name})
		}
		if call.name == "" && tc.Function.Name != "" {
			call.name = tc.Function.Name
		}
		if tc.ID != "" && call.id != tc.ID {
			call.id = tc.ID
		}
		if delta := advance(&call.args, tc.Function.Arguments); delta != "" {
			s.pending = append(s.pending, ToolCallDelta{CallID: call.id, Args: delta})
		}
	}

	if msg.ResponseMeta != nil {
		if msg.ResponseMeta.Usage != nil {
			if s.usage == nil {
				s.usage = &types.TokenUsage{}
			}
			s.usage.Input = msg.ResponseMeta.Usage.PromptTokens
			s.usage.Output = msg.ResponseMeta.Usage.CompletionTokens
		}
		if msg.ResponseMeta.FinishReason != "" {
			s.finishReason = msg.ResponseMeta.FinishReason
		}
	}
}

// finalize closes open tool calls and emits the trailing StepUsage/Finish
// pair.
func (s *einoStream) finalize() {
	s.done = true

	for _, key := range s.callOrder {
		call := s.calls[key]
		s.pending = append(s.pending, ToolCallEnd{
			CallID: call.id,
			Name:   call.name,
			Args:   call.args,
		})
	}

	if s.usage != nil {
		s.pending = append(s.pending, StepUsage{Usage: *s.usage})
	}
	s.pending = append(s.pending, Finish{Reason: s.normalizedReason()})
}

func (s *einoStream) normalizedReason() string {
	switch s.finishReason {
	case "stop", "end_turn", "stop_sequence":
		return FinishStop
	case "tool_use", "tool_calls", "function_call":
		return FinishToolCalls
	case "max_tokens", "length":
		return FinishLength
	}
	// Providers sometimes omit the reason entirely; infer it from whether
	// any tool calls were opened.
	if len(s.callOrder) > 0 {
		return FinishToolCalls
	}
	return FinishStop
}

// advance returns the new suffix of content relative to the accumulator.
// Cumulative streams repeat the prefix; delta streams send only fragments.
func advance(acc *string, content string) string {
	if content == "" || content == *acc {
		return ""
	}
	if strings.HasPrefix(content, *acc) {
		delta := content[len(*acc):]
		*acc = content
		return delta
	}
	*acc += content
	return content
}

// callKey identifies a streamed tool call across chunks. OpenAI-style
// streams repeat the index with an empty ID after the first fragment.
func callKey(tc schema.ToolCall) string {
	if tc.Index != nil {
		return "idx-" + strconv.Itoa(*tc.Index)
	}
	return tc.ID
}
