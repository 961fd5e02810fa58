package search

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/tools/files"
)

const (
	defaultMaxGrepMatches = 200
	maxLineLength         = 500
	binarySniffBytes      = 8000
	maxGrepFileBytes      = 10 << 20
)

// GrepTool searches file contents with a regular expression.
type GrepTool struct {
	maxMatches int
}

// NewGrepTool creates the grep tool. maxMatches <= 0 uses the default.
func NewGrepTool(maxMatches int) *GrepTool {
	if maxMatches <= 0 {
		maxMatches = defaultMaxGrepMatches
	}
	return &GrepTool{maxMatches: maxMatches}
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search file contents with a regular expression (RE2 syntax). Binary files and VCS directories are skipped."
}

func (t *GrepTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "pattern": {"type": "string", "minLength": 1, "description": "Regular expression to search for."},
    "path": {"type": "string", "description": "File or directory to search (default: working directory)."},
    "include": {"type": "string", "description": "Only search files matching this glob, e.g. *.go."},
    "ignore_case": {"type": "boolean", "description": "Case-insensitive match (default: false)."},
    "max_matches": {"type": "integer", "minimum": 1, "description": "Stop after this many matches."}
  },
  "required": ["pattern"]
}`)
}

// Match is one matching line.
type Match struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (t *GrepTool) Execute(ctx context.Context, params json.RawMessage, ec agent.ExecutionContext) (*agent.ToolResult, error) {
	var input struct {
		Pattern    string `json:"pattern"`
		Path       string `json:"path"`
		Include    string `json:"include"`
		IgnoreCase bool   `json:"ignore_case"`
		MaxMatches int    `json:"max_matches"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.ToolErrorf("invalid parameters: %v", err), nil
	}
	expr := input.Pattern
	if input.IgnoreCase {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return agent.ToolErrorf("invalid pattern: %v", err), nil
	}
	if input.Include != "" && !doublestar.ValidatePattern(input.Include) {
		return agent.ToolErrorf("invalid include pattern %q", input.Include), nil
	}
	limit := t.maxMatches
	if input.MaxMatches > 0 && input.MaxMatches < limit {
		limit = input.MaxMatches
	}

	dir := input.Path
	if dir == "" {
		dir = "."
	}
	root, err := files.ResolveIn(ec, dir)
	if err != nil {
		return agent.ToolErrorf("%v", err), nil
	}
	info, err := os.Stat(root)
	if err != nil {
		return agent.ToolErrorf("stat %s: %v", dir, err), nil
	}

	matches := []Match{}
	truncated := false
	scan := func(path, rel string) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		found, err := grepFile(path, rel, re, limit-len(matches))
		if err != nil {
			return true, nil
		}
		matches = append(matches, found...)
		if len(matches) >= limit {
			truncated = true
			return false, nil
		}
		return true, nil
	}

	if info.IsDir() {
		err = walkFiles(root, input.Include, ec, scan)
	} else {
		_, err = scan(root, info.Name())
	}
	if err != nil {
		return agent.ToolErrorf("grep: %v", err), nil
	}

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

// grepFile returns up to limit matching lines of path. Binary and oversized
// files yield nothing.
func grepFile(path, rel string, re *regexp.Regexp, limit int) ([]Match, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if info, err := f.Stat(); err != nil || info.Size() > maxGrepFileBytes {
		return nil, err
	}

	r := bufio.NewReader(f)
	head, _ := r.Peek(binarySniffBytes)
	if bytes.IndexByte(head, 0) >= 0 {
		return nil, nil
	}

	var out []Match
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxGrepFileBytes)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if !re.Match(text) {
			continue
		}
		out = append(out, Match{File: rel, Line: line, Text: clip(string(text))})
		if len(out) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan %s: %w", rel, err)
	}
	return out, nil
}

func clip(s string) string {
	if len(s) <= maxLineLength {
		return s
	}
	return s[:maxLineLength] + "..."
}
