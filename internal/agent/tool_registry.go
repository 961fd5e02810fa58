package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry holds the enabled tools. It is built once at startup and is
// read-only afterwards, so lookups need no locking.
type ToolRegistry struct {
	tools map[string]registeredTool
	names []string
}

// NewToolRegistry builds a registry from the tools in available whose names
// appear in enabled. A nil enabled list enables every available tool. Naming
// a tool that is not available fails with ErrUnknownTool.
func NewToolRegistry(enabled []string, available ...Tool) (*ToolRegistry, error) {
	byName := make(map[string]Tool, len(available))
	for _, t := range available {
		if t == nil {
			continue
		}
		name := t.Name()
		if name == "" || len(name) > MaxToolNameLength {
			return nil, fmt.Errorf("invalid tool name %q", name)
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		byName[name] = t
	}

	if enabled == nil {
		enabled = make([]string, 0, len(byName))
		for name := range byName {
			enabled = append(enabled, name)
		}
	}

	r := &ToolRegistry{tools: make(map[string]registeredTool, len(enabled))}
	for _, name := range enabled {
		t, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
		}
		if _, seen := r.tools[name]; seen {
			continue
		}
		schema, err := compileToolSchema(name, t.Schema())
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
		}
		r.tools[name] = registeredTool{tool: t, schema: schema}
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

func compileToolSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return jsonschema.CompileString(name+".schema.json", string(raw))
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	rt, ok := r.tools[name]
	return rt.tool, ok
}

// Names returns the enabled tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}

// Tools returns the enabled tools ordered by name.
func (r *ToolRegistry) Tools() []Tool {
	if r == nil {
		return nil
	}
	out := make([]Tool, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.tools[name].tool)
	}
	return out
}

// Len reports how many tools are enabled.
func (r *ToolRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.names)
}

// Subset returns a registry restricted to names. A nil names list returns r
// itself. Unknown names fail with ErrUnknownTool.
func (r *ToolRegistry) Subset(names []string) (*ToolRegistry, error) {
	if names == nil {
		return r, nil
	}
	sub := &ToolRegistry{tools: make(map[string]registeredTool, len(names))}
	for _, name := range names {
		rt, ok := r.lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
		}
		if _, seen := sub.tools[name]; seen {
			continue
		}
		sub.tools[name] = rt
		sub.names = append(sub.names, name)
	}
	sort.Strings(sub.names)
	return sub, nil
}

func (r *ToolRegistry) lookup(name string) (registeredTool, bool) {
	if r == nil {
		return registeredTool{}, false
	}
	rt, ok := r.tools[name]
	return rt, ok
}

// Execute runs a tool by name. An unknown name returns ErrUnknownTool. Every
// other failure, including invalid parameters, a tool error, or a panic,
// comes back as a result with IsError set so the model can react to it.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage, ec ExecutionContext) (result *ToolResult, err error) {
	rt, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	if len(params) > MaxToolParamsSize {
		return ToolErrorf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize), nil
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if rt.schema != nil {
		var decoded any
		if err := json.Unmarshal(params, &decoded); err != nil {
			return ToolErrorf("invalid parameters: %v", err), nil
		}
		if err := rt.schema.Validate(decoded); err != nil {
			return ToolErrorf("invalid parameters: %s", schemaMessage(err)), nil
		}
	}

	defer func() {
		if p := recover(); p != nil {
			result = ToolErrorf("%v: tool %s panicked: %v", ErrToolExecutionFailed, name, p)
			err = nil
		}
	}()

	res, execErr := rt.tool.Execute(ctx, params, ec)
	if execErr != nil {
		return ToolErrorf("%v: %s: %v", ErrToolExecutionFailed, name, execErr), nil
	}
	if res == nil {
		return &ToolResult{}, nil
	}
	return res, nil
}

func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		var parts []string
		for _, cause := range leafErrors(ve) {
			loc := cause.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			parts = append(parts, loc+": "+cause.Message)
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}
	return err.Error()
}

func leafErrors(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leafErrors(c)...)
	}
	return out
}
