// Package observability provides logging, metrics and tracing for switchboard.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts API keys, bearer
// tokens, passwords and JWTs from messages and string attributes. Records
// logged with a context carry request_id, conversation_id and provider when
// those were attached with AddRequestID, AddConversationID and AddProvider.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	ctx = observability.AddConversationID(ctx, convID)
//	logger.InfoContext(ctx, "stream started", "provider", name)
//
// # Metrics
//
// Metrics are Prometheus collectors registered on the Registerer passed to
// NewMetrics. StreamStarted and StreamObserver cover the life of one stream:
//
//	finish := metrics.StreamStarted(name)
//	outcome, err := agent.Relay(ctx, stream, sink, metrics.StreamObserver(name, model))
//	finish(outcome)
//
// # Tracing
//
// NewTracer exports spans over OTLP gRPC when an endpoint is configured and
// is a no-op otherwise. Each relayed stream is one span opened with
// StartStream and closed with EndStream.
package observability
