package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedBackendOutput marks backend output that cannot be mapped onto the
// canonical vocabulary, such as tool arguments that do not form a JSON object.
var ErrMalformedBackendOutput = errors.New("malformed backend output")

// ToolCall is a fully assembled tool invocation.
type ToolCall struct {
	BlockIndex int
	ID         string
	Name       string
	Input      json.RawMessage
}

type pendingTool struct {
	id   string
	name string
	args strings.Builder
}

// Assembler reconstructs tool invocations from interleaved block events.
// Argument fragments are buffered per block index and only parsed when the
// block's tool_use_stop arrives. It is not safe for concurrent use; each
// stream owns one.
type Assembler struct {
	pending map[int]*pendingTool
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{pending: make(map[int]*pendingTool)}
}

// Observe feeds one event. It returns a ToolCall when ev closes a tool block.
// Events that are not tool-use lifecycle events are ignored.
func (a *Assembler) Observe(ev Event) (*ToolCall, error) {
	idx, ok := ev.BlockIndex()
	if !ok {
		return nil, nil
	}
	switch ev.Type() {
	case TypeToolUseStart:
		a.pending[idx] = &pendingTool{
			id:   ev.MetaString(MetaToolID),
			name: ev.MetaString(MetaToolName),
		}
	case TypeToolUseDelta:
		p, ok := a.pending[idx]
		if !ok {
			return nil, fmt.Errorf("%w: tool_use_delta for unopened block %d", ErrMalformedBackendOutput, idx)
		}
		p.args.WriteString(ev.Text())
	case TypeToolUseStop:
		p, ok := a.pending[idx]
		if !ok {
			return nil, fmt.Errorf("%w: tool_use_stop for unopened block %d", ErrMalformedBackendOutput, idx)
		}
		delete(a.pending, idx)
		input, err := parseArguments(p.args.String())
		if err != nil {
			return nil, fmt.Errorf("%w: tool %s (%s) arguments: %v", ErrMalformedBackendOutput, p.name, p.id, err)
		}
		return &ToolCall{BlockIndex: idx, ID: p.id, Name: p.name, Input: input}, nil
	}
	return nil, nil
}

// Open reports how many tool blocks are still waiting for their stop event.
func (a *Assembler) Open() int {
	return len(a.pending)
}

func parseArguments(raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage(`{}`), nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("arguments must be a JSON object")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(trimmed)); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
