package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	einotool "github.com/cloudwego/eino/components/tool"
)

const writeDescription = `Writes a file to the workspace runtime, overwriting if it exists.

Usage:
- The filePath parameter must be an absolute path
- Parent directories are created automatically
- Prefer the edit tool for partial changes to existing files`

// WriteTool implements file writing.
type WriteTool struct{}

// WriteInput represents the input for the write tool.
type WriteInput struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

// NewWriteTool creates a new write tool.
func NewWriteTool() *WriteTool {
	return &WriteTool{}
}

func (t *WriteTool) ID() string          { return "write" }
func (t *WriteTool) Description() string { return writeDescription }

func (t *WriteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "The absolute path to the file to write"
			},
			"content": {
				"type": "string",
				"description": "The content to write to the file"
			}
		},
		"required": ["filePath", "content"]
	}`)
}

func (t *WriteTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params WriteInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if toolCtx == nil || toolCtx.Runtime == nil {
		return nil, fmt.Errorf("no runtime available")
	}

	target := toolCtx.Runtime.NormalizePath(params.FilePath, toolCtx.WorkDir)

	existed := false
	if info, err := toolCtx.Runtime.Stat(ctx, target); err == nil {
		if info.IsDir {
			return nil, fmt.Errorf("path is a directory: %s", target)
		}
		existed = true
	}

	if err := toolCtx.Runtime.WriteFile(ctx, target, []byte(params.Content)); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	action := "Created"
	if existed {
		action = "Updated"
	}

	return &Result{
		Title:  fmt.Sprintf("%s %s", action, path.Base(target)),
		Output: fmt.Sprintf("Wrote %d bytes to %s", len(params.Content), target),
		Metadata: map[string]any{
			"file":    target,
			"bytes":   len(params.Content),
			"existed": existed,
		},
	}, nil
}

func (t *WriteTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
