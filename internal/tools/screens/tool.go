package screens

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/switchboard/internal/agent"
)

// Types lists the screen kinds the open_screen tool accepts.
var Types = []string{"markdown", "code", "diff", "terminal", "web"}

// Tool lets the model open a screen for the user.
type Tool struct {
	registry *Registry
}

// NewTool creates the open_screen tool over registry.
func NewTool(registry *Registry) *Tool {
	return &Tool{registry: registry}
}

func (t *Tool) Name() string { return "open_screen" }

func (t *Tool) Description() string {
	return "Open a screen in the user's interface to show content alongside the conversation."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type": map[string]any{
				"type":        "string",
				"enum":        Types,
				"description": "Kind of screen to open.",
			},
			"title": map[string]any{
				"type":        "string",
				"description": "Screen title.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to show (markdown, code, a diff, terminal output or a URL).",
			},
			"panel_slug": map[string]any{
				"type":        "string",
				"description": "Panel to open the screen in.",
				"pattern":     "^[a-z0-9][a-z0-9-]*$",
			},
		},
		"required": []string{"type", "content"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage, ec agent.ExecutionContext) (*agent.ToolResult, error) {
	if t.registry == nil {
		return agent.ToolErrorf("screen registry unavailable"), nil
	}
	var input struct {
		Type      string `json:"type"`
		Title     string `json:"title"`
		Content   string `json:"content"`
		PanelSlug string `json:"panel_slug"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.ToolErrorf("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Type) == "" {
		return agent.ToolErrorf("type is required"), nil
	}

	s := t.registry.Open(Screen{
		Type:           input.Type,
		PanelSlug:      input.PanelSlug,
		Title:          input.Title,
		Content:        input.Content,
		ConversationID: ec.ConversationID,
	})
	return &agent.ToolResult{
		Output: fmt.Sprintf("Opened %s screen %s", s.Type, s.ID),
		Screen: &agent.ScreenRef{ID: s.ID, Type: s.Type, PanelSlug: s.PanelSlug},
	}, nil
}
