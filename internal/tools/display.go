package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Display is how a tool call reads in a terminal transcript.
type Display struct {
	Emoji  string
	Label  string
	Detail string
}

// String renders the display as one line.
func (d Display) String() string {
	if d.Detail == "" {
		return d.Emoji + " " + d.Label
	}
	return fmt.Sprintf("%s %s: %s", d.Emoji, d.Label, d.Detail)
}

type displaySpec struct {
	emoji      string
	label      string
	detailKeys []string
}

// displaySpecs covers the built-in tools and the native tool names the agent
// CLIs report.
var displaySpecs = map[string]displaySpec{
	"read":        {"📖", "Reading", []string{"path", "file_path"}},
	"write":       {"✏️", "Writing", []string{"path", "file_path"}},
	"edit":        {"✏️", "Editing", []string{"path", "file_path"}},
	"multiedit":   {"✏️", "Editing", []string{"file_path"}},
	"bash":        {"💻", "Running", []string{"command"}},
	"grep":        {"🔍", "Searching", []string{"pattern", "path"}},
	"glob":        {"📁", "Finding", []string{"pattern"}},
	"open_screen": {"🖥️", "Opening screen", []string{"title", "type"}},
	"web_search":  {"🔎", "Searching the web", []string{"query"}},
	"websearch":   {"🔎", "Searching the web", []string{"query"}},
	"webfetch":    {"🌐", "Fetching", []string{"url"}},
	"task":        {"🤖", "Delegating", []string{"description"}},
	"todowrite":   {"📝", "Planning", nil},
}

const maxDetailLength = 80

// Describe renders a tool call for display. name is matched
// case-insensitively so native CLI names like "Bash" share the built-in
// spec. input is the tool's JSON arguments and may be empty or partial.
func Describe(name string, input json.RawMessage) Display {
	spec, ok := displaySpecs[strings.ToLower(name)]
	if !ok {
		return Display{Emoji: "🧩", Label: name, Detail: clip(firstScalar(input))}
	}
	var args map[string]any
	_ = json.Unmarshal(input, &args)
	var parts []string
	for _, key := range spec.detailKeys {
		if v, ok := args[key]; ok {
			if s := scalar(v); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return Display{Emoji: spec.emoji, Label: spec.label, Detail: clip(strings.Join(parts, " in "))}
}

func firstScalar(input json.RawMessage) string {
	var args map[string]any
	if json.Unmarshal(input, &args) != nil {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s := scalar(args[k]); s != "" {
			return s
		}
	}
	return ""
}

func scalar(v any) string {
	switch v := v.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64, bool:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

func clip(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= maxDetailLength {
		return s
	}
	return string([]rune(s)[:maxDetailLength-1]) + "…"
}
