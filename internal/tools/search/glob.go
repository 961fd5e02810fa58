package search

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/tools/files"
)

const defaultMaxGlobResults = 500

// GlobTool lists files matching a pattern.
type GlobTool struct {
	maxResults int
}

// NewGlobTool creates the glob tool. maxResults <= 0 uses the default.
func NewGlobTool(maxResults int) *GlobTool {
	if maxResults <= 0 {
		maxResults = defaultMaxGlobResults
	}
	return &GlobTool{maxResults: maxResults}
}

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) Description() string {
	return "Find files by glob pattern (supports ** for any depth). Returns paths relative to the search root."
}

func (t *GlobTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "pattern": {"type": "string", "minLength": 1, "description": "Glob pattern, e.g. **/*.go."},
    "path": {"type": "string", "description": "Directory to search (default: working directory)."}
  },
  "required": ["pattern"]
}`)
}

func (t *GlobTool) Execute(ctx context.Context, params json.RawMessage, ec agent.ExecutionContext) (*agent.ToolResult, error) {
	var input struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.ToolErrorf("invalid parameters: %v", err), nil
	}
	if !doublestar.ValidatePattern(input.Pattern) {
		return agent.ToolErrorf("invalid pattern %q", input.Pattern), nil
	}
	dir := input.Path
	if dir == "" {
		dir = "."
	}
	root, err := files.ResolveIn(ec, dir)
	if err != nil {
		return agent.ToolErrorf("%v", err), nil
	}

	matches := []string{}
	truncated := false
	err = walkFiles(root, input.Pattern, ec, func(_, rel string) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if len(matches) == t.maxResults {
			truncated = true
			return false, nil
		}
		matches = append(matches, rel)
		return true, nil
	})
	if err != nil {
		return agent.ToolErrorf("glob: %v", err), nil
	}
	sort.Strings(matches)

	payload, err := json.MarshalIndent(map[string]any{
		"root":      root,
		"matches":   matches,
		"truncated": truncated,
	}, "", "  ")
	if err != nil {
		return agent.ToolErrorf("encode result: %v", err), nil
	}
	return &agent.ToolResult{Output: string(payload)}, nil
}
