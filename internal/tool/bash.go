package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	einotool "github.com/cloudwego/eino/components/tool"

	"github.com/mux-ai/mux/internal/bgprocess"
	"github.com/mux-ai/mux/internal/runtime"
)

const (
	DefaultBashTimeout = 120 * time.Second
	MaxBashTimeout     = 10 * time.Minute
)

const bashDescription = `Executes a shell command on the workspace runtime.

Usage:
- Command is required
- Optional timeout in milliseconds (max 600000)
- Provide a brief description of what the command does
- Output is captured from stdout and stderr
- Set background to true for long-running commands; the tool returns a
  process ID whose output can be read incrementally`

// BashTool implements shell command execution against the workspace runtime.
type BashTool struct{}

// BashInput represents the input for the bash tool.
type BashInput struct {
	Command     string `json:"command"`
	Timeout     int    `json:"timeout,omitempty"` // milliseconds
	Description string `json:"description"`
	Background  bool   `json:"background,omitempty"`
}

// NewBashTool creates a new bash tool.
func NewBashTool() *BashTool {
	return &BashTool{}
}

func (t *BashTool) ID() string          { return "bash" }
func (t *BashTool) Description() string { return bashDescription }

func (t *BashTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "The command to execute"
			},
			"timeout": {
				"type": "integer",
				"description": "Optional timeout in milliseconds (max 600000)"
			},
			"description": {
				"type": "string",
				"description": "Brief description of what this command does"
			},
			"background": {
				"type": "boolean",
				"description": "Run the command as a background process"
			}
		},
		"required": ["command", "description"]
	}`)
}

func (t *BashTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params BashInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if toolCtx == nil || toolCtx.Runtime == nil {
		return nil, fmt.Errorf("no runtime available")
	}

	if params.Background {
		return t.spawn(ctx, params, toolCtx)
	}

	timeout := DefaultBashTimeout
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Millisecond
		if timeout > MaxBashTimeout {
			timeout = MaxBashTimeout
		}
	}

	toolCtx.SetMetadata(params.Description, map[string]any{
		"description": params.Description,
	})

	res, err := toolCtx.Runtime.Exec(ctx, params.Command, runtime.ExecOptions{
		Dir:     toolCtx.WorkDir,
		Env:     toolCtx.Env,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("exec failed: %w", err)
	}

	output := res.Stdout
	if res.Stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += res.Stderr
	}
	output = Truncate(output)

	if res.TimedOut {
		output += fmt.Sprintf("\n\n(Command timed out after %v)", timeout)
	}

	title := params.Description
	if title == "" {
		title = "Run command"
	}

	return &Result{
		Title:  title,
		Output: output,
		Metadata: map[string]any{
			"exit":        res.ExitCode,
			"description": params.Description,
		},
	}, nil
}

// spawn starts the command as a supervised background process.
func (t *BashTool) spawn(ctx context.Context, params BashInput, toolCtx *Context) (*Result, error) {
	if toolCtx.Processes == nil {
		return nil, fmt.Errorf("background processes not available")
	}

	processID, err := toolCtx.Processes.Spawn(ctx, toolCtx.Workspace, params.Command, bgprocess.SpawnOptions{
		Dir: toolCtx.WorkDir,
		Env: toolCtx.Env,
	})
	if err != nil {
		return nil, err
	}

	title := params.Description
	if title == "" {
		title = "Background command"
	}

	return &Result{
		Title:  title,
		Output: fmt.Sprintf("Started background process %s", processID),
		Metadata: map[string]any{
			"processID":   processID,
			"background":  true,
			"description": params.Description,
		},
	}, nil
}

func (t *BashTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
