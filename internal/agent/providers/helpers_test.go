package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/backoff"
	"github.com/haasonsaas/switchboard/internal/events"
)

// testConversation is an in-memory agent.Conversation.
type testConversation struct {
	mu       sync.Mutex
	id       string
	messages []agent.Message
	native   string
}

func newTestConversation(msgs ...agent.Message) *testConversation {
	return &testConversation{id: "conv-test", messages: msgs}
}

func (c *testConversation) ID() string { return c.id }

func (c *testConversation) PriorMessages() []agent.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]agent.Message(nil), c.messages...)
}

func (c *testConversation) NativeSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.native
}

func (c *testConversation) SetNativeSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.native = id
}

// echoTool returns its "text" parameter.
type echoTool struct {
	calls int
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "Echo the text back" }
func (e *echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}

func (e *echoTool) Execute(_ context.Context, params json.RawMessage, _ agent.ExecutionContext) (*agent.ToolResult, error) {
	e.calls++
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return agent.ToolErrorf("bad params: %v", err), nil
	}
	return &agent.ToolResult{Output: "echo: " + in.Text}, nil
}

func testRegistry(t *testing.T, tools ...agent.Tool) *agent.ToolRegistry {
	t.Helper()
	reg, err := agent.NewToolRegistry(nil, tools...)
	if err != nil {
		t.Fatalf("NewToolRegistry: %v", err)
	}
	return reg
}

// fastHosted returns a hosted config that retries without waiting.
func fastHosted(workDir string) HostedConfig {
	return HostedConfig{
		MaxRetries:  3,
		Retry:       backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1},
		IdleTimeout: 5 * time.Second,
		WorkDir:     workDir,
	}
}

// drain reads a stream to the end, failing the test if it never closes.
func drain(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not close; got %d events", len(out))
			return out
		}
	}
}

func types(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type()
	}
	return out
}

func last(evs []events.Event) events.Event {
	if len(evs) == 0 {
		return events.Event{}
	}
	return evs[len(evs)-1]
}

func find(evs []events.Event, typ events.Type) (events.Event, bool) {
	for _, ev := range evs {
		if ev.Type() == typ {
			return ev, true
		}
	}
	return events.Event{}, false
}

func textOf(evs []events.Event) string {
	var b strings.Builder
	for _, ev := range evs {
		if ev.Type() == events.TypeTextDelta {
			b.WriteString(ev.Text())
		}
	}
	return b.String()
}

// writeSSE writes frames as a server-sent event stream. Each frame is an
// event name followed by its JSON payload.
func writeSSE(w http.ResponseWriter, frames ...[2]string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, f := range frames {
		if f[0] != "" {
			fmt.Fprintf(w, "event: %s\n", f[0])
		}
		fmt.Fprintf(w, "data: %s\n\n", f[1])
		if flusher != nil {
			flusher.Flush()
		}
	}
}
