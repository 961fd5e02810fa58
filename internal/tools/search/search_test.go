package search

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/tools/files"
)

func fixture(t *testing.T) agent.ExecutionContext {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	write := func(rel, content string) {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("main.go", "package main\n\nfunc main() {\n\tprintln(\"Hello\")\n}\n")
	write("internal/util/util.go", "package util\n\n// hello helper\nfunc Hello() string { return \"hello\" }\n")
	write("internal/util/util_test.go", "package util\n")
	write("README.md", "# Hello\n")
	write(".git/config", "hello = true\n")
	write("bin/blob", "hello\x00world")

	r, err := files.NewResolver(root)
	if err != nil {
		t.Fatal(err)
	}
	return agent.ExecutionContext{WorkDir: root, Paths: r}
}

func execute(t *testing.T, tool agent.Tool, ec agent.ExecutionContext, params map[string]any, out any) *agent.ToolResult {
	t.Helper()
	raw, _ := json.Marshal(params)
	res, err := tool.Execute(context.Background(), raw, ec)
	if err != nil {
		t.Fatalf("%s: %v", tool.Name(), err)
	}
	if out != nil && !res.IsError {
		if err := json.Unmarshal([]byte(res.Output), out); err != nil {
			t.Fatalf("decode %s: %v", res.Output, err)
		}
	}
	return res
}

func TestGlob(t *testing.T) {
	ec := fixture(t)
	tests := []struct {
		pattern string
		path    string
		want    []string
	}{
		{"**/*.go", "", []string{"internal/util/util.go", "internal/util/util_test.go", "main.go"}},
		{"*.go", "", []string{"internal/util/util.go", "internal/util/util_test.go", "main.go"}},
		{"*_test.go", "internal", []string{"util/util_test.go"}},
		{"*.md", "", []string{"README.md"}},
		{"**/config", "", []string{}},
	}
	for _, tt := range tests {
		var got struct {
			Matches []string `json:"matches"`
		}
		res := execute(t, NewGlobTool(0), ec, map[string]any{"pattern": tt.pattern, "path": tt.path}, &got)
		if res.IsError {
			t.Fatalf("glob %q: %s", tt.pattern, res.Output)
		}
		if !reflect.DeepEqual(got.Matches, tt.want) {
			t.Errorf("glob %q in %q = %v, want %v", tt.pattern, tt.path, got.Matches, tt.want)
		}
	}
}

func TestGlobLimitAndErrors(t *testing.T) {
	ec := fixture(t)
	var got struct {
		Matches   []string `json:"matches"`
		Truncated bool     `json:"truncated"`
	}
	execute(t, NewGlobTool(1), ec, map[string]any{"pattern": "**"}, &got)
	if len(got.Matches) != 1 || !got.Truncated {
		t.Fatalf("limited glob = %+v", got)
	}

	if res := execute(t, NewGlobTool(0), ec, map[string]any{"pattern": "[", "path": ""}, nil); !res.IsError {
		t.Fatal("expected invalid pattern error")
	}
	res := execute(t, NewGlobTool(0), ec, map[string]any{"pattern": "*", "path": ".."}, nil)
	if !res.IsError || !strings.Contains(res.Output, "path rejected") {
		t.Fatalf("expected path rejection, got %+v", res)
	}
}

func TestGrep(t *testing.T) {
	ec := fixture(t)
	tests := []struct {
		name   string
		params map[string]any
		want   []Match
	}{
		{
			name:   "case sensitive",
			params: map[string]any{"pattern": "hello"},
			want: []Match{
				{File: "internal/util/util.go", Line: 3, Text: "// hello helper"},
				{File: "internal/util/util.go", Line: 4, Text: `func Hello() string { return "hello" }`},
			},
		},
		{
			name:   "include filter ignoring case",
			params: map[string]any{"pattern": "^# hello", "ignore_case": true, "include": "*.md"},
			want:   []Match{{File: "README.md", Line: 1, Text: "# Hello"}},
		},
		{
			name:   "single file",
			params: map[string]any{"pattern": "println", "path": "main.go"},
			want:   []Match{{File: "main.go", Line: 4, Text: "\tprintln(\"Hello\")"}},
		},
		{
			name:   "max matches",
			params: map[string]any{"pattern": "package", "max_matches": 1},
			want:   []Match{{File: "internal/util/util.go", Line: 1, Text: "package util"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got struct {
				Matches []Match `json:"matches"`
			}
			res := execute(t, NewGrepTool(0), ec, tt.params, &got)
			if res.IsError {
				t.Fatalf("grep: %s", res.Output)
			}
			if !reflect.DeepEqual(got.Matches, tt.want) {
				t.Fatalf("matches = %+v, want %+v", got.Matches, tt.want)
			}
		})
	}
}

func TestGrepErrors(t *testing.T) {
	ec := fixture(t)
	if res := execute(t, NewGrepTool(0), ec, map[string]any{"pattern": "("}, nil); !res.IsError {
		t.Fatal("expected invalid regexp error")
	}
	if res := execute(t, NewGrepTool(0), ec, map[string]any{"pattern": "x", "path": "/"}, nil); !res.IsError {
		t.Fatal("expected path rejection")
	}
	if res := execute(t, NewGrepTool(0), ec, map[string]any{"pattern": "x", "path": "missing"}, nil); !res.IsError {
		t.Fatal("expected stat error")
	}
}
