// Package provider abstracts LLM providers behind a normalized streaming
// interface built on the Eino framework.
package provider

import (
	"context"
	"encoding/json"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/mux-ai/mux/pkg/types"
)

// Provider is one configured LLM backend.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Models returns the list of available models.
	Models() []types.Model

	// ChatModel returns the underlying Eino ChatModel.
	ChatModel() model.ToolCallingChatModel

	// Stream starts a streaming completion.
	Stream(ctx context.Context, req *Request) (EventStream, error)
}

// Request describes one completion call.
type Request struct {
	Model       string             `json:"model"`
	Messages    []*schema.Message  `json:"messages"`
	Tools       []*schema.ToolInfo `json:"tools,omitempty"`
	MaxTokens   int                `json:"maxTokens,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
}

// ToolInfo is a provider-agnostic tool definition.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ConvertToEinoTools converts tool definitions to Eino format.
func ConvertToEinoTools(tools []ToolInfo) []*schema.ToolInfo {
	result := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		var params map[string]*schema.ParameterInfo
		if len(t.Parameters) > 0 {
			params = ParseJSONSchemaToParams(t.Parameters)
		}

		result[i] = &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		}
	}
	return result
}

// ParseJSONSchemaToParams converts a JSON Schema object to Eino ParameterInfo.
func ParseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}

		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}

// ConvertHistory converts persisted history entries to Eino messages. Tool
// calls become assistant tool-call messages followed by tool-result
// messages, matching what chat completion APIs expect.
func ConvertHistory(entries []types.HistoryEntry) []*schema.Message {
	var result []*schema.Message

	for _, entry := range entries {
		role := schema.Assistant
		if entry.Role == types.RoleUser {
			role = schema.User
		}

		var content string
		var toolCalls []schema.ToolCall
		var toolResults []*schema.Message

		for _, part := range entry.Parts {
			switch pt := part.(type) {
			case *types.TextPart:
				content += pt.Text
			case *types.ToolPart:
				if role != schema.Assistant {
					continue
				}
				inputJSON, _ := json.Marshal(pt.Input)
				toolCalls = append(toolCalls, schema.ToolCall{
					ID: pt.CallID,
					Function: schema.FunctionCall{
						Name:      pt.Tool,
						Arguments: string(inputJSON),
					},
				})

				resultContent := ""
				if pt.Output != nil {
					resultContent = *pt.Output
				} else if pt.Error != nil {
					resultContent = "Error: " + *pt.Error
				}
				toolResults = append(toolResults, &schema.Message{
					Role:       schema.Tool,
					Content:    resultContent,
					ToolCallID: pt.CallID,
				})
			}
		}

		if content == "" && len(toolCalls) == 0 {
			continue
		}

		result = append(result, &schema.Message{
			Role:      role,
			Content:   content,
			ToolCalls: toolCalls,
		})
		result = append(result, toolResults...)
	}

	return result
}
