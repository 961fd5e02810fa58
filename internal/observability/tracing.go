package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/events"
)

// Tracer wraps an OpenTelemetry tracer. Each relayed stream gets one span.
//
// Usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "switchboard",
//	    Endpoint:    "localhost:4317",
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.StartStream(ctx, "openai", "gpt-4o", convID)
//	defer tracer.EndStream(span, outcome, err)
type Tracer struct {
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	config     TraceConfig
}

func defaultPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// TraceConfig configures the distributed tracing behavior.
type TraceConfig struct {
	// ServiceName identifies this service in traces
	ServiceName string

	// ServiceVersion identifies the service version
	ServiceVersion string

	// Environment specifies the deployment environment (production, staging, dev)
	Environment string

	// Endpoint is the OTLP gRPC collector endpoint (e.g., "localhost:4317").
	// If empty, tracing is disabled.
	Endpoint string

	// SamplingRate controls what fraction of traces are recorded (0.0 to 1.0).
	// Defaults to 1.0 if not specified.
	SamplingRate float64

	// Attributes are additional resource attributes to include in all spans
	Attributes map[string]string

	// Insecure disables TLS for the OTLP connection
	Insecure bool
}

// NewTracer creates a tracer and the shutdown function that flushes it.
//
// If config.Endpoint is empty, or the exporter cannot be built, a no-op
// tracer is returned that doesn't export traces.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "switchboard"
	}
	noop := func() (*Tracer, func(context.Context) error) {
		return &Tracer{
			tracer:     otel.Tracer(config.ServiceName),
			propagator: defaultPropagator(),
			config:     config,
		}, func(context.Context) error { return nil }
	}
	if config.Endpoint == "" {
		return noop()
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return noop()
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(defaultPropagator())

	return NewTracerFromProvider(provider, config), provider.Shutdown
}

// NewTracerFromProvider builds a Tracer on an existing SDK provider.
func NewTracerFromProvider(provider *sdktrace.TracerProvider, config TraceConfig) *Tracer {
	if config.ServiceName == "" {
		config.ServiceName = "switchboard"
	}
	return &Tracer{
		provider:   provider,
		tracer:     provider.Tracer(config.ServiceName),
		propagator: defaultPropagator(),
		config:     config,
	}
}

// StartStream opens the span covering one relayed stream.
func (t *Tracer) StartStream(ctx context.Context, provider, model, conversationID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "stream",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.String("conversation_id", conversationID),
		),
	)
}

// EndStream annotates span with how the stream ended and ends it. err is the
// relay error, typically a client disconnect.
func (t *Tracer) EndStream(span trace.Span, out agent.Outcome, err error) {
	span.SetAttributes(
		attribute.String("outcome", OutcomeLabel(out)),
		attribute.Int("events", out.Events),
	)
	if out.StopReason != "" {
		span.SetAttributes(attribute.String("stop_reason", out.StopReason))
	}
	switch {
	case err != nil:
		t.RecordError(span, err)
	case out.Failed():
		code := out.Terminal.MetaString(events.MetaCode)
		span.SetAttributes(attribute.String("error_code", code))
		span.SetStatus(codes.Error, out.Terminal.Text())
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// RecordError records an error on the span and sets the span status to error.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes sets key/value pairs on a span. Non-string keys are skipped.
func (t *Tracer) SetAttributes(span trace.Span, keyvals ...any) {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i < len(keyvals)-1; i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, attributeFromValue(key, keyvals[i+1]))
	}
	span.SetAttributes(attrs...)
}

// ExtractContext extracts W3C trace context and baggage from a carrier such
// as HTTP headers, so a stream span continues the caller's trace.
func (t *Tracer) ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	if t.propagator == nil {
		return otel.GetTextMapPropagator().Extract(ctx, carrier)
	}
	return t.propagator.Extract(ctx, carrier)
}

func attributeFromValue(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

// GetTraceID returns the trace ID from the context as a string.
// Returns empty string if no trace is active.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
