package observability

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/events"
)

func TestNewMetricsRegisters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.StreamsStarted.WithLabelValues("openai").Inc()

	count, err := testutil.GatherAndCount(registry, "switchboard_streams_started_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 1 {
		t.Fatalf("series = %d, want 1", count)
	}

	// A second registration on the same registry must panic; a nil registerer never does.
	func() {
		defer func() {
			if recover() == nil {
				t.Error("duplicate registration should panic")
			}
		}()
		NewMetrics(registry)
	}()
	NewMetrics(nil)
	NewMetrics(nil)
}

func TestStreamLifecycle(t *testing.T) {
	m := NewMetrics(nil)

	finish := m.StreamStarted("claude-cli")
	if got := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("claude-cli")); got != 1 {
		t.Fatalf("active = %v, want 1", got)
	}
	finish(agent.Outcome{Terminal: events.Done("end_turn")})
	finish(agent.Outcome{Terminal: events.Done("end_turn")})

	if got := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("claude-cli")); got != 0 {
		t.Fatalf("active = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.StreamsFinished.WithLabelValues("claude-cli", OutcomeDone)); got != 1 {
		t.Fatalf("finished = %v, want 1 (finish is once-only)", got)
	}
	if got := testutil.CollectAndCount(m.StreamDuration); got != 1 {
		t.Fatalf("duration series = %d, want 1", got)
	}
}

func TestOutcomeLabel(t *testing.T) {
	tests := []struct {
		name string
		out  agent.Outcome
		want string
	}{
		{"done", agent.Outcome{Terminal: events.Done("stop")}, OutcomeDone},
		{"error", agent.Outcome{Terminal: events.Error("boom")}, OutcomeError},
		{"interrupted", agent.Outcome{Interrupted: true}, OutcomeInterrupted},
		{"no terminal", agent.Outcome{}, OutcomeInterrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutcomeLabel(tt.out); got != tt.want {
				t.Fatalf("OutcomeLabel = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStreamObserver(t *testing.T) {
	m := NewMetrics(nil)
	obs := m.StreamObserver("anthropic", "claude-sonnet-4")
	ctx := context.Background()

	for _, ev := range []events.Event{
		events.ToolUseStart(0, "tu_1", "read"),
		events.ToolResult("tu_1", "ok", false),
		events.ToolUseStart(1, "tu_2", "bash"),
		events.ToolResult("tu_2", "exit 1", true),
		events.ToolResult("tu_orphan", "?", false),
		events.Usage(events.UsageInput{
			InputTokens:     events.Int(100),
			OutputTokens:    events.Int(20),
			CacheReadTokens: events.Int(50),
			Cost:            events.Float(0.25),
		}),
		events.Usage(events.UsageInput{InputTokens: events.Int(10), OutputTokens: events.Int(5)}),
		events.ErrorWithContext("denied", map[string]any{events.MetaCode: agent.CodeAuthenticationFailed}),
		events.Error("no code"),
	} {
		obs.Observe(ctx, ev)
	}

	expected := `
		# HELP switchboard_tool_executions_total Total number of tool results by provider, tool name, and status
		# TYPE switchboard_tool_executions_total counter
		switchboard_tool_executions_total{provider="anthropic",status="error",tool_name="bash"} 1
		switchboard_tool_executions_total{provider="anthropic",status="success",tool_name="read"} 1
		switchboard_tool_executions_total{provider="anthropic",status="success",tool_name="unknown"} 1
	`
	if err := testutil.CollectAndCompare(m.ToolExecutions, strings.NewReader(expected)); err != nil {
		t.Errorf("tool executions: %v", err)
	}

	tokens := map[string]float64{"input": 110, "output": 25, "cache_read": 50}
	for kind, want := range tokens {
		if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("anthropic", "claude-sonnet-4", kind)); got != want {
			t.Errorf("tokens[%s] = %v, want %v", kind, got, want)
		}
	}
	if got := testutil.CollectAndCount(m.TokensUsed); got != 3 {
		t.Errorf("token series = %d, want 3 (zero counters are skipped)", got)
	}
	if got := testutil.ToFloat64(m.CostUSD.WithLabelValues("anthropic", "claude-sonnet-4")); got != 0.25 {
		t.Errorf("cost = %v, want 0.25", got)
	}
	if got := testutil.ToFloat64(m.StreamErrors.WithLabelValues("anthropic", agent.CodeAuthenticationFailed)); got != 1 {
		t.Errorf("auth errors = %v", got)
	}
	if got := testutil.ToFloat64(m.StreamErrors.WithLabelValues("anthropic", "unknown")); got != 1 {
		t.Errorf("uncoded errors = %v", got)
	}
}

func TestClientDisconnected(t *testing.T) {
	m := NewMetrics(nil)
	m.ClientDisconnected("codex-cli")
	m.ClientDisconnected("codex-cli")
	if got := testutil.ToFloat64(m.ClientDisconnects.WithLabelValues("codex-cli")); got != 2 {
		t.Fatalf("disconnects = %v, want 2", got)
	}
}
