package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is an action the model may invoke during a hosted-provider turn.
type Tool interface {
	// Name is the identifier the model calls the tool by. Lookups are case-exact.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema is the JSON schema of the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Failures the model should see are returned as a
	// result with IsError set; a non-nil error is reserved for failures of the
	// tool machinery itself and is converted the same way by the registry.
	Execute(ctx context.Context, params json.RawMessage, ec ExecutionContext) (*ToolResult, error)
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Output  string     `json:"output"`
	IsError bool       `json:"is_error,omitempty"`
	Screen  *ScreenRef `json:"screen,omitempty"`
}

// ScreenRef describes a UI surface a tool opened. Providers turn it into a
// screen_created event.
type ScreenRef struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	PanelSlug string `json:"panel_slug,omitempty"`
}

// PathValidator confines filesystem access to the allowed roots.
type PathValidator interface {
	// Validate resolves path and returns the absolute, symlink-resolved form,
	// or an error wrapping ErrPathRejected.
	Validate(path string) (string, error)
}

// ExecutionContext carries the per-request environment a tool runs in.
type ExecutionContext struct {
	// WorkDir is the directory relative paths resolve against.
	WorkDir string

	// Paths validates every path the tool touches.
	Paths PathValidator

	// ConversationID identifies the conversation the call belongs to.
	ConversationID string
}

// ToolErrorf builds an error result for the model.
func ToolErrorf(format string, args ...any) *ToolResult {
	return &ToolResult{Output: fmt.Sprintf(format, args...), IsError: true}
}
