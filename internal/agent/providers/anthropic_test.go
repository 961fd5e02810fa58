package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/events"
)

func anthropicText(text, stop string, input, output int) [][2]string {
	return [][2]string{
		{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"usage":{"input_tokens":` + strconv.Itoa(input) + `,"output_tokens":1,"cache_read_input_tokens":5}}}`},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"` + text + `"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"` + stop + `"},"usage":{"output_tokens":` + strconv.Itoa(output) + `}}`},
		{"message_stop", `{"type":"message_stop"}`},
	}
}

func anthropicToolUse() [][2]string {
	return [][2]string{
		{"message_start", `{"type":"message_start","message":{"id":"msg_0","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"usage":{"input_tokens":20,"output_tokens":1}}}`},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"need echo"}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"echo","input":{}}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"text\":"}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"hi\"}"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":1}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":12}}`},
		{"message_stop", `{"type":"message_stop"}`},
	}
}

func newTestAnthropic(t *testing.T, url string, cfg HostedConfig) *AnthropicProvider {
	t.Helper()
	return NewAnthropicProvider(AnthropicConfig{
		APIKey:       "test-key",
		BaseURL:      url,
		HostedConfig: cfg,
	})
}

func TestAnthropicStreamText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.Contains(r.URL.Path, "/messages") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing x-api-key header")
		}
		writeSSE(w, anthropicText("Hello world", "end_turn", 100, 40)...)
	}))
	defer server.Close()

	p := newTestAnthropic(t, server.URL, fastHosted(t.TempDir()))
	conv := newTestConversation(
		agent.Message{Role: agent.RoleUser, Content: "earlier"},
		agent.Message{Role: agent.RoleAssistant, Content: "reply"},
	)
	ch, err := p.Stream(context.Background(), conv, "Hi", agent.Options{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	evs := drain(t, ch)

	want := []events.Type{
		events.TypeTextStart, events.TypeTextDelta, events.TypeTextStop,
		events.TypeUsage, events.TypeDone,
	}
	got := types(evs)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if textOf(evs) != "Hello world" {
		t.Errorf("text = %q", textOf(evs))
	}
	if sr := last(evs).MetaString(events.MetaStopReason); sr != "end_turn" {
		t.Errorf("stop_reason = %q", sr)
	}

	usage, _ := find(evs, events.TypeUsage)
	if n, _ := usage.MetaInt(events.MetaInputTokens); n != 100 {
		t.Errorf("input_tokens = %d", n)
	}
	if n, _ := usage.MetaInt(events.MetaOutputTokens); n != 40 {
		t.Errorf("output_tokens = %d", n)
	}
	if n, _ := usage.MetaInt(events.MetaContextInputTokens); n != 105 {
		t.Errorf("context_input_tokens = %d, want input plus cache", n)
	}
	if n, _ := usage.MetaInt(events.MetaContextWindowSize); n != 200000 {
		t.Errorf("context_window_size = %d", n)
	}
	if _, ok := usage.MetaFloat(events.MetaCost); !ok {
		t.Error("expected cost from catalog pricing")
	}
}

func TestAnthropicToolLoop(t *testing.T) {
	var requests int32
	bodies := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n == 1 {
			writeSSE(w, anthropicToolUse()...)
			return
		}
		body, _ := io.ReadAll(r.Body)
		bodies <- string(body)
		writeSSE(w, anthropicText("done", "end_turn", 60, 5)...)
	}))
	defer server.Close()

	tool := &echoTool{}
	cfg := fastHosted(t.TempDir())
	cfg.Tools = testRegistry(t, tool)
	p := newTestAnthropic(t, server.URL, cfg)

	ch, err := p.Stream(context.Background(), newTestConversation(), "use echo", agent.Options{ThinkingLevel: 1})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	evs := drain(t, ch)

	if atomic.LoadInt32(&requests) != 2 {
		t.Fatalf("requests = %d, want 2", requests)
	}
	if tool.calls != 1 {
		t.Fatalf("tool calls = %d", tool.calls)
	}
	secondBody := <-bodies
	if !strings.Contains(secondBody, `"tool_result"`) || !strings.Contains(secondBody, "echo: hi") {
		t.Errorf("second request missing tool result: %s", secondBody)
	}
	if !strings.Contains(secondBody, `"signature":"sig"`) {
		t.Errorf("second request must replay the thinking signature: %s", secondBody)
	}

	res, ok := find(evs, events.TypeToolResult)
	if !ok {
		t.Fatal("missing tool_result event")
	}
	if res.Text() != "echo: hi" || res.MetaString(events.MetaToolID) != "toolu_1" {
		t.Errorf("tool_result = %v", res)
	}

	// The second turn's text block must not reuse the first turn's indexes.
	start, _ := find(evs, events.TypeTextStart)
	if idx, _ := start.BlockIndex(); idx != 2 {
		t.Errorf("second turn text index = %d, want 2", idx)
	}

	usage, _ := find(evs, events.TypeUsage)
	if n, _ := usage.MetaInt(events.MetaInputTokens); n != 80 {
		t.Errorf("cumulative input_tokens = %d, want 80", n)
	}
	if n, _ := usage.MetaInt(events.MetaContextInputTokens); n != 65 {
		t.Errorf("context_input_tokens = %d, want last call only", n)
	}
	if last(evs).Type() != events.TypeDone {
		t.Errorf("terminal = %s", last(evs).Type())
	}
}

func TestAnthropicMaxToolIterations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, anthropicToolUse()...)
	}))
	defer server.Close()

	cfg := fastHosted(t.TempDir())
	cfg.Tools = testRegistry(t, &echoTool{})
	cfg.MaxToolIterations = 2
	p := newTestAnthropic(t, server.URL, cfg)

	ch, err := p.Stream(context.Background(), newTestConversation(), "loop", agent.Options{})
	if err != nil {
		t.Fatal(err)
	}
	evs := drain(t, ch)
	if sr := last(evs).MetaString(events.MetaStopReason); sr != StopReasonMaxToolIterations {
		t.Fatalf("stop_reason = %q", sr)
	}
}

func TestAnthropicErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		attempts int32
	}{
		{
			name:     "auth",
			status:   http.StatusUnauthorized,
			body:     `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`,
			wantCode: agent.CodeAuthenticationFailed,
			attempts: 1,
		},
		{
			name:     "overloaded retried",
			status:   529,
			body:     `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
			wantCode: agent.CodeUpstreamProtocol,
			attempts: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p := newTestAnthropic(t, server.URL, fastHosted(t.TempDir()))
			ch, err := p.Stream(context.Background(), newTestConversation(), "hi", agent.Options{})
			if err != nil {
				t.Fatalf("Stream: %v", err)
			}
			evs := drain(t, ch)
			if len(evs) != 1 || evs[0].Type() != events.TypeError {
				t.Fatalf("events = %v", types(evs))
			}
			if code := evs[0].MetaString(events.MetaCode); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
			if got := atomic.LoadInt32(&attempts); got != tt.attempts {
				t.Errorf("attempts = %d, want %d", got, tt.attempts)
			}
		})
	}
}

func TestAnthropicRetryThenSucceed(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"try again"}}`))
			return
		}
		writeSSE(w, anthropicText("ok", "end_turn", 1, 1)...)
	}))
	defer server.Close()

	p := newTestAnthropic(t, server.URL, fastHosted(t.TempDir()))
	ch, err := p.Stream(context.Background(), newTestConversation(), "hi", agent.Options{})
	if err != nil {
		t.Fatal(err)
	}
	evs := drain(t, ch)
	if last(evs).Type() != events.TypeDone || textOf(evs) != "ok" {
		t.Fatalf("events = %v", types(evs))
	}
}

func TestAnthropicTruncatedStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		frames := anthropicText("partial", "end_turn", 1, 1)
		writeSSE(w, frames[:3]...)
	}))
	defer server.Close()

	p := newTestAnthropic(t, server.URL, fastHosted(t.TempDir()))
	ch, err := p.Stream(context.Background(), newTestConversation(), "hi", agent.Options{})
	if err != nil {
		t.Fatal(err)
	}
	evs := drain(t, ch)
	if code := last(evs).MetaString(events.MetaCode); code != agent.CodeUpstreamProtocol {
		t.Fatalf("code = %q, events = %v", code, types(evs))
	}
}

func TestAnthropicIdleTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, anthropicText("x", "end_turn", 1, 1)[:1]...)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	cfg := fastHosted(t.TempDir())
	cfg.IdleTimeout = 100 * time.Millisecond
	p := newTestAnthropic(t, server.URL, cfg)
	ch, err := p.Stream(context.Background(), newTestConversation(), "hi", agent.Options{})
	if err != nil {
		t.Fatal(err)
	}
	evs := drain(t, ch)
	if code := last(evs).MetaString(events.MetaCode); code != agent.CodeUpstreamTimeout {
		t.Fatalf("code = %q", code)
	}
}

func TestAnthropicPreStreamErrors(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name string
		p    *AnthropicProvider
		opts agent.Options
		want error
	}{
		{"no key", NewAnthropicProvider(AnthropicConfig{}), agent.Options{}, agent.ErrProviderUnavailable},
		{"unknown model", newTestAnthropic(t, "http://127.0.0.1:1", fastHosted(root)), agent.Options{Model: "gpt-4o"}, agent.ErrUnknownModel},
		{"unknown tool", newTestAnthropic(t, "http://127.0.0.1:1", fastHosted(root)), agent.Options{Tools: []string{"bash"}}, agent.ErrUnknownTool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, err := tt.p.Stream(context.Background(), newTestConversation(), "hi", tt.opts)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if ch != nil {
				t.Fatal("no channel expected on configuration error")
			}
		})
	}
}

func TestAnthropicBuildMessages(t *testing.T) {
	p := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	msgs, err := p.BuildMessages(newTestConversation(
		agent.Message{Role: agent.RoleUser, Content: "one"},
		agent.Message{Role: agent.RoleAssistant, Content: "  "},
		agent.Message{Role: agent.RoleAssistant, Content: "two"},
	))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want empty turn skipped", len(msgs))
	}
	if msgs[1].Role != "assistant" {
		t.Errorf("role = %q", msgs[1].Role)
	}

	_, err = p.BuildMessages(newTestConversation(agent.Message{Role: "system", Content: "x"}))
	if err == nil {
		t.Error("expected error for unsupported role")
	}
}

func TestAnthropicTokenLimits(t *testing.T) {
	sonnet := agent.Model{ID: "s", MaxOutputTokens: 64000}
	opus := agent.Model{ID: "o", MaxOutputTokens: 32000}
	tests := []struct {
		name       string
		model      agent.Model
		opts       agent.Options
		wantMax    int
		wantBudget int
	}{
		{"defaults", sonnet, agent.Options{}, 8192, 0},
		{"response level", sonnet, agent.Options{ResponseLevel: 1}, 1024, 0},
		{"thinking adds budget", sonnet, agent.Options{ThinkingLevel: 2, ResponseLevel: 2}, 14096, 10000},
		{"clamped budget", opus, agent.Options{ThinkingLevel: 4, ResponseLevel: 4}, 32000, 15616},
		{"tiny limit keeps minimum budget", agent.Model{MaxOutputTokens: 4000}, agent.Options{ThinkingLevel: 1, ResponseLevel: 3}, 4000, 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotMax, gotBudget := anthropicTokenLimits(tt.model, tt.opts, defaultAnthropicMaxTokens)
			if gotMax != tt.wantMax || gotBudget != tt.wantBudget {
				t.Errorf("got (%d, %d), want (%d, %d)", gotMax, gotBudget, tt.wantMax, tt.wantBudget)
			}
		})
	}
}

func TestAnthropicContextWindow(t *testing.T) {
	p := NewAnthropicProvider(AnthropicConfig{})
	if p.Available() {
		t.Error("provider without key must be unavailable")
	}
	if w, err := p.ContextWindow("claude-opus-4-1"); err != nil || w != 200000 {
		t.Errorf("ContextWindow = %d, %v", w, err)
	}
	if _, err := p.ContextWindow("nope"); !errors.Is(err, agent.ErrUnknownModel) {
		t.Errorf("err = %v", err)
	}
	if p.Type() != TypeAnthropic {
		t.Errorf("Type = %q", p.Type())
	}
}
