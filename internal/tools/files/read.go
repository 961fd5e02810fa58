package files

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/haasonsaas/switchboard/internal/agent"
)

// DefaultMaxReadBytes caps a single read when Config leaves it unset.
const DefaultMaxReadBytes = 200000

// Config controls filesystem tool defaults.
type Config struct {
	MaxReadBytes int
}

// ReadTool reads files inside the allowed roots.
type ReadTool struct {
	maxReadLen int
}

// NewReadTool creates a read tool.
func NewReadTool(cfg Config) *ReadTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = DefaultMaxReadBytes
	}
	return &ReadTool{maxReadLen: limit}
}

// Name returns the tool name.
func (t *ReadTool) Name() string {
	return "read"
}

// Description returns the tool description.
func (t *ReadTool) Description() string {
	return "Read a file with optional byte offset and limit. Relative paths resolve against the working directory."
}

// Schema returns the JSON schema for the tool parameters.
func (t *ReadTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file.",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "Byte offset to start reading from (default: 0).",
				"minimum":     0,
			},
			"max_bytes": map[string]any{
				"type":        "integer",
				"description": "Maximum bytes to read (capped by the tool default).",
				"minimum":     0,
			},
		},
		"required": []string{"path"},
	})
}

// Execute reads a file with safety limits.
func (t *ReadTool) Execute(ctx context.Context, params json.RawMessage, ec agent.ExecutionContext) (*agent.ToolResult, error) {
	var input struct {
		Path     string `json:"path"`
		Offset   int64  `json:"offset"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.ToolErrorf("invalid parameters: %v", err), nil
	}
	if input.Offset < 0 {
		return agent.ToolErrorf("offset must be >= 0"), nil
	}

	resolved, err := ResolveIn(ec, input.Path)
	if err != nil {
		return agent.ToolErrorf("%v", err), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return agent.ToolErrorf("open file: %v", err), nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return agent.ToolErrorf("stat file: %v", err), nil
	}
	if info.IsDir() {
		return agent.ToolErrorf("%s is a directory", input.Path), nil
	}

	if input.Offset > 0 {
		if _, err := file.Seek(input.Offset, io.SeekStart); err != nil {
			return agent.ToolErrorf("seek file: %v", err), nil
		}
	}

	limit := t.maxReadLen
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}

	buf, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return agent.ToolErrorf("read file: %v", err), nil
	}

	return encodeResult(map[string]any{
		"path":      input.Path,
		"content":   string(buf),
		"offset":    input.Offset,
		"bytes":     len(buf),
		"truncated": input.Offset+int64(len(buf)) < info.Size(),
	})
}

func mustSchema(schema map[string]any) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func encodeResult(result map[string]any) (*agent.ToolResult, error) {
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return agent.ToolErrorf("encode result: %v", err), nil
	}
	return &agent.ToolResult{Output: string(payload)}, nil
}
