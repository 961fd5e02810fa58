package files

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/haasonsaas/switchboard/internal/agent"
)

// WriteTool writes files inside the allowed roots.
type WriteTool struct{}

// NewWriteTool creates a write tool.
func NewWriteTool() *WriteTool {
	return &WriteTool{}
}

// Name returns the tool name.
func (t *WriteTool) Name() string {
	return "write"
}

// Description returns the tool description.
func (t *WriteTool) Description() string {
	return "Write content to a file, creating parent directories. Overwrites by default."
}

// Schema returns the JSON schema for the tool parameters.
func (t *WriteTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to write.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "File contents to write.",
			},
			"append": map[string]any{
				"type":        "boolean",
				"description": "Append instead of overwrite (default: false).",
			},
		},
		"required": []string{"path", "content"},
	})
}

// Execute writes file contents.
func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage, ec agent.ExecutionContext) (*agent.ToolResult, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.ToolErrorf("invalid parameters: %v", err), nil
	}

	resolved, err := ResolveIn(ec, input.Path)
	if err != nil {
		return agent.ToolErrorf("%v", err), nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return agent.ToolErrorf("create directory: %v", err), nil
	}

	flags := os.O_CREATE | os.O_WRONLY
	if input.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return agent.ToolErrorf("open file: %v", err), nil
	}
	n, err := file.WriteString(input.Content)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return agent.ToolErrorf("write file: %v", err), nil
	}

	return encodeResult(map[string]any{
		"path":          input.Path,
		"bytes_written": n,
		"append":        input.Append,
	})
}
