package agent

import (
	"context"
	"fmt"

	"github.com/haasonsaas/switchboard/internal/events"
)

// Sink receives every event of a stream in order. The SSE transport writer is
// the usual implementation. A write error means the client is gone.
type Sink interface {
	Write(ev events.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev events.Event) error

// Write calls f.
func (f SinkFunc) Write(ev events.Event) error { return f(ev) }

// DiscardSink drops events. Useful for tests or background runs.
type DiscardSink struct{}

// Write does nothing.
func (DiscardSink) Write(events.Event) error { return nil }

// Observer watches a stream without being able to stop it. Session
// persistence, usage aggregation and metrics are observers.
type Observer interface {
	Observe(ctx context.Context, ev events.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev events.Event)

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, ev events.Event) { f(ctx, ev) }

// Outcome summarizes how a relayed stream ended.
type Outcome struct {
	// Terminal is the done or error event, or the zero Event when none arrived.
	Terminal events.Event

	// Interrupted is true when the stream stopped without a terminal event,
	// either because ctx was cancelled or the producer closed early.
	Interrupted bool

	// StopReason is the done event's stop reason, when present.
	StopReason string

	// Events counts the events delivered to the sink.
	Events int

	// Text is the concatenated visible answer text.
	Text string
}

// Failed reports whether the stream ended with an error event.
func (o Outcome) Failed() bool {
	return o.Terminal.Type() == events.TypeError
}

// Relay drains stream into sink and notifies observers of every event. It
// returns when the stream is closed, ctx is done, or the sink fails. On a sink
// failure the error is returned and the caller must cancel the producer's
// context so upstream work stops.
func Relay(ctx context.Context, stream <-chan events.Event, sink Sink, observers ...Observer) (Outcome, error) {
	var out Outcome
	var text []byte
	for {
		select {
		case <-ctx.Done():
			out.Interrupted = out.Terminal.IsZero()
			out.Text = string(text)
			return out, nil
		case ev, ok := <-stream:
			if !ok {
				out.Interrupted = out.Terminal.IsZero()
				out.Text = string(text)
				return out, nil
			}
			if !out.Terminal.IsZero() {
				// Nothing may follow a terminal event.
				continue
			}
			for _, obs := range observers {
				if obs != nil {
					obs.Observe(ctx, ev)
				}
			}
			if err := sink.Write(ev); err != nil {
				out.Interrupted = true
				out.Text = string(text)
				return out, fmt.Errorf("relay %s: %w", ev.Type(), err)
			}
			out.Events++
			switch ev.Type() {
			case events.TypeTextDelta:
				text = append(text, ev.Text()...)
			case events.TypeDone:
				out.Terminal = ev
				out.StopReason = ev.MetaString(events.MetaStopReason)
			case events.TypeError:
				out.Terminal = ev
			}
		}
	}
}
