// Package tools assembles the built-in tool catalog.
package tools

import (
	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/tools/exec"
	"github.com/haasonsaas/switchboard/internal/tools/files"
	"github.com/haasonsaas/switchboard/internal/tools/screens"
	"github.com/haasonsaas/switchboard/internal/tools/search"
)

// Names lists every built-in tool.
var Names = []string{"bash", "edit", "glob", "grep", "open_screen", "read", "write"}

// Options configures the built-in tools.
type Options struct {
	// Enabled restricts the catalog. Nil enables every built-in tool.
	Enabled []string

	MaxReadBytes   int
	MaxGlobResults int
	MaxGrepMatches int
	Shell          exec.Config
	Screens        *screens.Registry
}

// Builtin returns one instance of each built-in tool. open_screen is only
// included when a screen registry is supplied.
func Builtin(opts Options) []agent.Tool {
	out := []agent.Tool{
		files.NewReadTool(files.Config{MaxReadBytes: opts.MaxReadBytes}),
		files.NewWriteTool(),
		files.NewEditTool(),
		exec.NewBashTool(exec.NewRunner(opts.Shell)),
		search.NewGrepTool(opts.MaxGrepMatches),
		search.NewGlobTool(opts.MaxGlobResults),
	}
	if opts.Screens != nil {
		out = append(out, screens.NewTool(opts.Screens))
	}
	return out
}

// NewRegistry builds the enabled-tool registry. It is called once at
// startup; the result is read-only.
func NewRegistry(opts Options) (*agent.ToolRegistry, error) {
	return agent.NewToolRegistry(opts.Enabled, Builtin(opts)...)
}
