package files

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/haasonsaas/switchboard/internal/agent"
)

// EditTool applies find/replace edits to a file.
type EditTool struct{}

// NewEditTool creates an edit tool.
func NewEditTool() *EditTool {
	return &EditTool{}
}

// Name returns the tool name.
func (t *EditTool) Name() string {
	return "edit"
}

// Description returns the tool description.
func (t *EditTool) Description() string {
	return "Apply one or more find/replace edits to a file. Edits apply in order and all must match."
}

// Schema returns the JSON schema for the tool parameters.
func (t *EditTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to edit.",
			},
			"edits": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"old_text": map[string]any{
							"type":        "string",
							"description": "Text to replace.",
							"minLength":   1,
						},
						"new_text": map[string]any{
							"type":        "string",
							"description": "Replacement text.",
						},
						"replace_all": map[string]any{
							"type":        "boolean",
							"description": "Replace all occurrences (default: false).",
						},
					},
					"required": []string{"old_text", "new_text"},
				},
			},
		},
		"required": []string{"path", "edits"},
	})
}

// Execute applies edits to the file. Nothing is written unless every edit
// matches.
func (t *EditTool) Execute(ctx context.Context, params json.RawMessage, ec agent.ExecutionContext) (*agent.ToolResult, error) {
	var input struct {
		Path  string `json:"path"`
		Edits []struct {
			OldText    string `json:"old_text"`
			NewText    string `json:"new_text"`
			ReplaceAll bool   `json:"replace_all"`
		} `json:"edits"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.ToolErrorf("invalid parameters: %v", err), nil
	}
	if len(input.Edits) == 0 {
		return agent.ToolErrorf("edits are required"), nil
	}

	resolved, err := ResolveIn(ec, input.Path)
	if err != nil {
		return agent.ToolErrorf("%v", err), nil
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return agent.ToolErrorf("stat file: %v", err), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return agent.ToolErrorf("read file: %v", err), nil
	}

	content := string(data)
	replacements := 0
	for i, edit := range input.Edits {
		if edit.OldText == "" {
			return agent.ToolErrorf("edit %d: old_text is required", i), nil
		}
		count := strings.Count(content, edit.OldText)
		if count == 0 {
			return agent.ToolErrorf("edit %d: old_text not found", i), nil
		}
		if edit.ReplaceAll {
			content = strings.ReplaceAll(content, edit.OldText, edit.NewText)
			replacements += count
		} else {
			content = strings.Replace(content, edit.OldText, edit.NewText, 1)
			replacements++
		}
	}

	if err := os.WriteFile(resolved, []byte(content), info.Mode().Perm()); err != nil {
		return agent.ToolErrorf("write file: %v", err), nil
	}

	return encodeResult(map[string]any{
		"path":         input.Path,
		"replacements": replacements,
	})
}
