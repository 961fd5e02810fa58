package exec

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
)

// BashTool runs shell commands.
type BashTool struct {
	runner *Runner
}

// NewBashTool creates the bash tool.
func NewBashTool(runner *Runner) *BashTool {
	if runner == nil {
		runner = NewRunner(Config{})
	}
	return &BashTool{runner: runner}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Run a shell command in the working directory and return its output and exit code."
}

func (t *BashTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute.",
				"minLength":   1,
			},
			"cwd": map[string]any{
				"type":        "string",
				"description": "Working directory (relative to the current one).",
			},
			"input": map[string]any{
				"type":        "string",
				"description": "Stdin content to pass to the command.",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (0 = default, capped at 600).",
				"minimum":     0,
			},
		},
		"required": []string{"command"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute runs the command. A nonzero exit or a timeout is reported to the
// model as an error result that still carries the output.
func (t *BashTool) Execute(ctx context.Context, params json.RawMessage, ec agent.ExecutionContext) (*agent.ToolResult, error) {
	var input struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		Input          string `json:"input"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.ToolErrorf("invalid parameters: %v", err), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return agent.ToolErrorf("command is required"), nil
	}

	result, err := t.runner.Run(ctx, Request{
		Command: command,
		Cwd:     input.Cwd,
		Input:   input.Input,
		Timeout: time.Duration(input.TimeoutSeconds) * time.Second,
	}, ec)
	if err != nil {
		return agent.ToolErrorf("%v", err), nil
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return agent.ToolErrorf("encode result: %v", err), nil
	}
	return &agent.ToolResult{
		Output:  string(payload),
		IsError: result.ExitCode != 0 || result.TimedOut,
	}, nil
}
