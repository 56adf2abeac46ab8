package tool

import (
	"context"
	"encoding/json"
	"fmt"

	einotool "github.com/cloudwego/eino/components/tool"

	"github.com/mux-ai/mux/pkg/types"
)

const taskDescription = `Launch a sub-agent to handle a multi-step task autonomously.

The sub-agent runs its own stream session in a scratch workspace, with the
same tools, and returns its final text output.

Usage notes:
- Each invocation is stateless; include everything the agent needs in prompt
- The agent's outputs should be trusted
- Provide a short description for progress reporting`

// SubagentRunner runs a child stream session on behalf of the task tool. It
// breaks the dependency cycle between the tool set and the engine.
type SubagentRunner interface {
	RunSubagent(ctx context.Context, parent types.WorkspaceID, prompt string, opts SubagentOptions) (*SubagentResult, error)
}

// SubagentOptions configures a sub-agent run.
type SubagentOptions struct {
	Model       string // optional "provider/model" override
	Description string
}

// SubagentResult is the outcome of a sub-agent run.
type SubagentResult struct {
	Output    string            `json:"output"`
	Workspace types.WorkspaceID `json:"workspace"`
	Usage     types.TokenUsage  `json:"usage"`
}

// TaskTool delegates work to a child session.
type TaskTool struct {
	runner SubagentRunner
}

// TaskInput represents the input for the task tool.
type TaskInput struct {
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
	Model       string `json:"model,omitempty"`
}

// NewTaskTool creates a new task tool.
func NewTaskTool(runner SubagentRunner) *TaskTool {
	return &TaskTool{runner: runner}
}

func (t *TaskTool) ID() string          { return "task" }
func (t *TaskTool) Description() string { return taskDescription }

func (t *TaskTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"description": {
				"type": "string",
				"description": "A short (3-5 word) description of the task"
			},
			"prompt": {
				"type": "string",
				"description": "The detailed task for the agent to perform"
			},
			"model": {
				"type": "string",
				"description": "Optional provider/model override"
			}
		},
		"required": ["description", "prompt"]
	}`)
}

func (t *TaskTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params TaskInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if t.runner == nil {
		return nil, fmt.Errorf("no subagent runner configured")
	}
	if params.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	var parent types.WorkspaceID
	if toolCtx != nil {
		parent = toolCtx.Workspace
		toolCtx.SetMetadata(params.Description, map[string]any{
			"description": params.Description,
		})
	}

	res, err := t.runner.RunSubagent(ctx, parent, params.Prompt, SubagentOptions{
		Model:       params.Model,
		Description: params.Description,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Title:  params.Description,
		Output: Truncate(res.Output),
		Metadata: map[string]any{
			"workspace": string(res.Workspace),
			"tokens":    res.Usage.Total(),
		},
	}, nil
}

func (t *TaskTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
