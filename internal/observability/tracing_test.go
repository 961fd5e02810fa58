package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/events"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return NewTracerFromProvider(provider, TraceConfig{}), recorder
}

func attrMap(kvs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer func() { _ = shutdown(context.Background()) }()

	if tracer.config.ServiceName != "switchboard" {
		t.Fatalf("service name = %q", tracer.config.ServiceName)
	}
	ctx, span := tracer.StartStream(context.Background(), "openai", "gpt-4o", "c1")
	tracer.EndStream(span, agent.Outcome{Terminal: events.Done("stop")}, nil)
	if GetTraceID(ctx) != "" {
		t.Fatal("no-op tracer should not produce a valid trace id")
	}
}

func TestStreamSpans(t *testing.T) {
	tests := []struct {
		name       string
		out        agent.Outcome
		err        error
		wantStatus codes.Code
		wantAttrs  map[string]string
	}{
		{
			name:       "done",
			out:        agent.Outcome{Terminal: events.Done("end_turn"), StopReason: "end_turn", Events: 4},
			wantStatus: codes.Ok,
			wantAttrs:  map[string]string{"outcome": "done", "stop_reason": "end_turn", "events": "4"},
		},
		{
			name: "error event",
			out: agent.Outcome{
				Terminal: events.ErrorWithContext("bad key", map[string]any{events.MetaCode: agent.CodeAuthenticationFailed}),
				Events:   1,
			},
			wantStatus: codes.Error,
			wantAttrs:  map[string]string{"outcome": "error", "error_code": agent.CodeAuthenticationFailed},
		},
		{
			name:       "client gone",
			out:        agent.Outcome{Interrupted: true, Events: 2},
			err:        errors.New("client gone"),
			wantStatus: codes.Error,
			wantAttrs:  map[string]string{"outcome": "interrupted"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, recorder := newRecordingTracer(t)
			ctx, span := tracer.StartStream(context.Background(), "anthropic", "claude-sonnet-4", "conv-9")
			if GetTraceID(ctx) == "" {
				t.Fatal("recording tracer should produce a trace id")
			}
			tracer.EndStream(span, tt.out, tt.err)

			ended := recorder.Ended()
			if len(ended) != 1 {
				t.Fatalf("ended spans = %d, want 1", len(ended))
			}
			got := ended[0]
			if got.Name() != "stream" {
				t.Fatalf("span name = %q", got.Name())
			}
			if got.Status().Code != tt.wantStatus {
				t.Fatalf("status = %v, want %v", got.Status().Code, tt.wantStatus)
			}
			attrs := attrMap(got.Attributes())
			if attrs["provider"] != "anthropic" || attrs["conversation_id"] != "conv-9" {
				t.Fatalf("start attributes = %v", attrs)
			}
			for k, want := range tt.wantAttrs {
				if attrs[k] != want {
					t.Errorf("%s = %q, want %q", k, attrs[k], want)
				}
			}
		})
	}
}

func TestSetAttributes(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)
	_, span := tracer.StartStream(context.Background(), "openai", "gpt-4o", "c1")
	tracer.SetAttributes(span, "tool", "bash", "exit", 1, 42, "skipped", "dangling")
	span.End()

	attrs := attrMap(recorder.Ended()[0].Attributes())
	if attrs["tool"] != "bash" || attrs["exit"] != "1" {
		t.Fatalf("attributes = %v", attrs)
	}
	if _, ok := attrs["skipped"]; ok || attrs["42"] != "" {
		t.Fatalf("non-string keys and dangling values should be skipped: %v", attrs)
	}
}

func TestAttributeFromValue(t *testing.T) {
	tests := []struct {
		val  any
		want string
	}{
		{"s", "s"},
		{3, "3"},
		{int64(4), "4"},
		{1.5, "1.5"},
		{true, "true"},
		{[]string{"a", "b"}, `["a","b"]`},
		{struct{ X int }{1}, "{1}"},
	}
	for _, tt := range tests {
		if got := attributeFromValue("k", tt.val).Value.Emit(); got != tt.want {
			t.Errorf("attributeFromValue(%v) = %q, want %q", tt.val, got, tt.want)
		}
	}
}

func TestExtractContextContinuesTrace(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	header := http.Header{}
	header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	t.Run("recording", func(t *testing.T) {
		tracer, recorder := newRecordingTracer(t)
		ctx := tracer.ExtractContext(context.Background(), propagation.HeaderCarrier(header))
		ctx, span := tracer.StartStream(ctx, "openai", "gpt-4o", "c1")
		if got := GetTraceID(ctx); got != traceID {
			t.Fatalf("trace id = %q, want %q", got, traceID)
		}
		span.End()
		if parent := recorder.Ended()[0].Parent(); !parent.IsRemote() || parent.SpanID().String() != "00f067aa0ba902b7" {
			t.Fatalf("parent = %v", parent)
		}
	})

	t.Run("noop", func(t *testing.T) {
		tracer, shutdown := NewTracer(TraceConfig{})
		defer func() { _ = shutdown(context.Background()) }()
		ctx := tracer.ExtractContext(context.Background(), propagation.HeaderCarrier(header))
		if got := GetTraceID(ctx); got != traceID {
			t.Fatalf("trace id = %q, want %q", got, traceID)
		}
	})

	t.Run("no header", func(t *testing.T) {
		tracer, _ := newRecordingTracer(t)
		ctx := tracer.ExtractContext(context.Background(), propagation.HeaderCarrier(http.Header{}))
		if GetTraceID(ctx) != "" {
			t.Fatal("no traceparent should leave the context untraced")
		}
	})
}
