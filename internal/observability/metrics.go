package observability

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/events"
)

// Stream outcome label values.
const (
	OutcomeDone        = "done"
	OutcomeError       = "error"
	OutcomeInterrupted = "interrupted"
)

// Metrics collects stream-level Prometheus metrics.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	finish := metrics.StreamStarted("claude-cli")
//	outcome, err := agent.Relay(ctx, stream, sink, metrics.StreamObserver("claude-cli", model))
//	finish(outcome)
type Metrics struct {
	// StreamsStarted counts streams by provider.
	StreamsStarted *prometheus.CounterVec

	// StreamsFinished counts streams by provider and outcome (done|error|interrupted).
	StreamsFinished *prometheus.CounterVec

	// StreamDuration measures stream lifetime in seconds.
	// Buckets: 0.5s, 1s, 2.5s, 5s, 10s, 30s, 60s, 120s, 300s, 600s
	StreamDuration *prometheus.HistogramVec

	// StreamErrors counts error events by provider and wire code.
	StreamErrors *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output|cache_read|cache_write)
	TokensUsed *prometheus.CounterVec

	// CostUSD accumulates reported cost by provider and model.
	CostUSD *prometheus.CounterVec

	// ToolExecutions counts tool results by provider, tool name and status (success|error).
	ToolExecutions *prometheus.CounterVec

	// ClientDisconnects counts streams whose client went away mid-stream.
	ClientDisconnects *prometheus.CounterVec

	// ActiveStreams is the number of streams currently relaying.
	ActiveStreams *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which suits tests that read them directly.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StreamsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_streams_started_total",
				Help: "Total number of event streams started by provider",
			},
			[]string{"provider"},
		),
		StreamsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_streams_finished_total",
				Help: "Total number of event streams finished by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		StreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_stream_duration_seconds",
				Help:    "Duration of event streams in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"provider", "outcome"},
		),
		StreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_stream_errors_total",
				Help: "Total number of error events by provider and code",
			},
			[]string{"provider", "code"},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_tokens_total",
				Help: "Total number of tokens reported by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		CostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_cost_usd_total",
				Help: "Total reported cost in USD by provider and model",
			},
			[]string{"provider", "model"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_tool_executions_total",
				Help: "Total number of tool results by provider, tool name, and status",
			},
			[]string{"provider", "tool_name", "status"},
		),
		ClientDisconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_client_disconnects_total",
				Help: "Total number of streams abandoned by the client",
			},
			[]string{"provider"},
		),
		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_active_streams",
				Help: "Current number of relaying streams by provider",
			},
			[]string{"provider"},
		),
	}
}

// StreamStarted records a new stream and returns the function that records
// its end. The returned function must be called exactly once.
func (m *Metrics) StreamStarted(provider string) func(agent.Outcome) {
	start := time.Now()
	m.StreamsStarted.WithLabelValues(provider).Inc()
	m.ActiveStreams.WithLabelValues(provider).Inc()
	var once sync.Once
	return func(out agent.Outcome) {
		once.Do(func() {
			label := OutcomeLabel(out)
			m.ActiveStreams.WithLabelValues(provider).Dec()
			m.StreamsFinished.WithLabelValues(provider, label).Inc()
			m.StreamDuration.WithLabelValues(provider, label).Observe(time.Since(start).Seconds())
		})
	}
}

// ClientDisconnected records a stream whose client went away.
func (m *Metrics) ClientDisconnected(provider string) {
	m.ClientDisconnects.WithLabelValues(provider).Inc()
}

// StreamObserver returns an observer that records tokens, cost, tool results
// and error codes for one stream. It keeps per-stream state and must not be
// shared between streams.
func (m *Metrics) StreamObserver(provider, model string) agent.Observer {
	toolNames := make(map[string]string)
	return agent.ObserverFunc(func(_ context.Context, ev events.Event) {
		switch ev.Type() {
		case events.TypeToolUseStart:
			toolNames[ev.MetaString(events.MetaToolID)] = ev.MetaString(events.MetaToolName)
		case events.TypeToolResult:
			name := toolNames[ev.MetaString(events.MetaToolID)]
			if name == "" {
				name = "unknown"
			}
			status := "success"
			if isErr, _ := ev.Meta(events.MetaIsError); isErr == true {
				status = "error"
			}
			m.ToolExecutions.WithLabelValues(provider, name, status).Inc()
		case events.TypeUsage:
			snap, ok := events.SnapshotOf(ev)
			if !ok {
				return
			}
			m.addTokens(provider, model, "input", snap.InputTokens)
			m.addTokens(provider, model, "output", snap.OutputTokens)
			m.addTokens(provider, model, "cache_read", snap.CacheReadTokens)
			m.addTokens(provider, model, "cache_write", snap.CacheCreationTokens)
			if snap.Cost > 0 {
				m.CostUSD.WithLabelValues(provider, model).Add(snap.Cost)
			}
		case events.TypeError:
			code := ev.MetaString(events.MetaCode)
			if code == "" {
				code = "unknown"
			}
			m.StreamErrors.WithLabelValues(provider, code).Inc()
		}
	})
}

func (m *Metrics) addTokens(provider, model, kind string, n int) {
	if n > 0 {
		m.TokensUsed.WithLabelValues(provider, model, kind).Add(float64(n))
	}
}

// OutcomeLabel maps a relay outcome onto the outcome label.
func OutcomeLabel(out agent.Outcome) string {
	switch {
	case out.Failed():
		return OutcomeError
	case out.Interrupted || out.Terminal.IsZero():
		return OutcomeInterrupted
	default:
		return OutcomeDone
	}
}
