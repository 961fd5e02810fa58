package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type stubTool struct {
	name   string
	schema string
	run    func(params json.RawMessage) (*ToolResult, error)
}

func (s *stubTool) Name() string            { return s.name }
func (s *stubTool) Description() string     { return "stub " + s.name }
func (s *stubTool) Schema() json.RawMessage { return json.RawMessage(s.schema) }
func (s *stubTool) Execute(ctx context.Context, params json.RawMessage, ec ExecutionContext) (*ToolResult, error) {
	if s.run != nil {
		return s.run(params)
	}
	return &ToolResult{Output: "ok:" + string(params)}, nil
}

const pathSchema = `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`

func newTestRegistry(t *testing.T, enabled []string, tools ...Tool) *ToolRegistry {
	t.Helper()
	r, err := NewToolRegistry(enabled, tools...)
	if err != nil {
		t.Fatalf("NewToolRegistry: %v", err)
	}
	return r
}

func TestNewToolRegistry_EnabledSubset(t *testing.T) {
	read := &stubTool{name: "read", schema: pathSchema}
	write := &stubTool{name: "write", schema: pathSchema}
	bash := &stubTool{name: "bash"}

	r := newTestRegistry(t, []string{"write", "read"}, read, write, bash)
	if got := strings.Join(r.Names(), ","); got != "read,write" {
		t.Fatalf("Names() = %s", got)
	}
	if _, ok := r.Get("bash"); ok {
		t.Fatal("bash was not enabled")
	}
	if _, ok := r.Get("Read"); ok {
		t.Fatal("lookups must be case-exact")
	}

	all := newTestRegistry(t, nil, read, write, bash)
	if all.Len() != 3 {
		t.Fatalf("nil enabled list should enable all tools, got %d", all.Len())
	}
}

func TestNewToolRegistry_Errors(t *testing.T) {
	if _, err := NewToolRegistry([]string{"missing"}, &stubTool{name: "read"}); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if _, err := NewToolRegistry(nil, &stubTool{name: "a"}, &stubTool{name: "a"}); err == nil {
		t.Fatal("expected duplicate error")
	}
	if _, err := NewToolRegistry(nil, &stubTool{name: "bad", schema: `{"type":12}`}); err == nil {
		t.Fatal("expected schema compile error")
	}
}

func TestToolRegistry_Execute(t *testing.T) {
	failing := &stubTool{name: "fail", run: func(json.RawMessage) (*ToolResult, error) {
		return nil, errors.New("disk on fire")
	}}
	panicky := &stubTool{name: "panic", run: func(json.RawMessage) (*ToolResult, error) {
		panic("kaboom")
	}}
	r := newTestRegistry(t, nil, &stubTool{name: "read", schema: pathSchema}, failing, panicky)
	ctx := context.Background()

	res, err := r.Execute(ctx, "read", json.RawMessage(`{"path":"a.txt"}`), ExecutionContext{})
	if err != nil || res.IsError || res.Output != `ok:{"path":"a.txt"}` {
		t.Fatalf("valid call: %+v %v", res, err)
	}

	res, err = r.Execute(ctx, "read", json.RawMessage(`{"path":7}`), ExecutionContext{})
	if err != nil || !res.IsError || !strings.Contains(res.Output, "invalid parameters") {
		t.Fatalf("schema violation: %+v %v", res, err)
	}

	res, err = r.Execute(ctx, "read", json.RawMessage(`{}`), ExecutionContext{})
	if err != nil || !res.IsError {
		t.Fatalf("missing required: %+v %v", res, err)
	}

	res, err = r.Execute(ctx, "fail", nil, ExecutionContext{})
	if err != nil || !res.IsError || !strings.Contains(res.Output, "disk on fire") {
		t.Fatalf("failing tool: %+v %v", res, err)
	}

	res, err = r.Execute(ctx, "panic", nil, ExecutionContext{})
	if err != nil || !res.IsError || !strings.Contains(res.Output, "kaboom") {
		t.Fatalf("panicking tool: %+v %v", res, err)
	}

	if _, err := r.Execute(ctx, "nope", nil, ExecutionContext{}); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("unknown tool: %v", err)
	}
}

func TestToolRegistry_Subset(t *testing.T) {
	r := newTestRegistry(t, nil, &stubTool{name: "read"}, &stubTool{name: "grep"}, &stubTool{name: "bash"})

	same, err := r.Subset(nil)
	if err != nil || same != r {
		t.Fatalf("nil subset should return the registry itself")
	}
	sub, err := r.Subset([]string{"grep"})
	if err != nil || sub.Len() != 1 {
		t.Fatalf("Subset: %v (len %d)", err, sub.Len())
	}
	if _, err := r.Subset([]string{"write"}); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	empty, err := r.Subset([]string{})
	if err != nil || empty.Len() != 0 {
		t.Fatalf("empty subset: %v", err)
	}
}
