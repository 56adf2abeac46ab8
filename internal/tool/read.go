package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einotool "github.com/cloudwego/eino/components/tool"
)

const readDescription = `Reads a file from the workspace runtime.

Usage:
- The filePath parameter must be an absolute path
- By default, reads up to 2000 lines from the beginning
- You can optionally specify offset and limit for pagination
- Returns file contents with line numbers`

// DefaultReadLimit is the line cap when no limit is given.
const DefaultReadLimit = 2000

// ReadTool implements file reading.
type ReadTool struct{}

// ReadInput represents the input for the read tool.
type ReadInput struct {
	FilePath string `json:"filePath"`
	Offset   int    `json:"offset,omitempty"` // 1-based first line
	Limit    int    `json:"limit,omitempty"`
}

// NewReadTool creates a new read tool.
func NewReadTool() *ReadTool {
	return &ReadTool{}
}

func (t *ReadTool) ID() string          { return "read" }
func (t *ReadTool) Description() string { return readDescription }

func (t *ReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "The absolute path to the file to read"
			},
			"offset": {
				"type": "integer",
				"description": "Line number to start reading from"
			},
			"limit": {
				"type": "integer",
				"description": "Number of lines to read (default: 2000)"
			}
		},
		"required": ["filePath"]
	}`)
}

func (t *ReadTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params ReadInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if toolCtx == nil || toolCtx.Runtime == nil {
		return nil, fmt.Errorf("no runtime available")
	}

	if params.Limit <= 0 {
		params.Limit = DefaultReadLimit
	}

	// Secrets stay out of the model context.
	if shouldBlockEnvFile(params.FilePath) {
		return nil, fmt.Errorf("reading %s is blocked, do not make further attempts to read it", params.FilePath)
	}

	path := toolCtx.Runtime.NormalizePath(params.FilePath, toolCtx.WorkDir)

	info, err := toolCtx.Runtime.Stat(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	if info.IsDir {
		return nil, fmt.Errorf("path is a directory, not a file: %s", path)
	}

	data, err := toolCtx.Runtime.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if isBinary(data) {
		return nil, fmt.Errorf("file appears to be binary")
	}

	lines := strings.Split(string(data), "\n")

	start := 0
	if params.Offset > 1 {
		start = params.Offset - 1
	}
	if start > len(lines) {
		start = len(lines)
	}
	end := start + params.Limit
	if end > len(lines) {
		end = len(lines)
	}

	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d\t%s\n", i+1, lines[i])
	}
	output := Truncate(sb.String())

	return &Result{
		Title:  path,
		Output: output,
		Metadata: map[string]any{
			"file":       path,
			"totalLines": len(lines),
			"shown":      end - start,
		},
	}, nil
}

func (t *ReadTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}

// shouldBlockEnvFile reports whether path looks like a secrets file. Samples
// and examples are allowed through.
func shouldBlockEnvFile(path string) bool {
	base := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		base = path[i+1:]
	}
	if !strings.HasPrefix(base, ".env") {
		return false
	}
	for _, ok := range []string{".env.sample", ".env.example", ".env.template"} {
		if base == ok {
			return false
		}
	}
	return true
}

// isBinary sniffs for NUL bytes in the first KiB.
func isBinary(data []byte) bool {
	n := len(data)
	if n > 1024 {
		n = 1024
	}
	for i := 0; i < n; i++ {
		if data[i] == 0 {
			return true
		}
	}
	return false
}
