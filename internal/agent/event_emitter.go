package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/switchboard/internal/events"
)

// DefaultStreamBuffer is the channel capacity providers use for event streams.
const DefaultStreamBuffer = 32

// errStreamFinished is returned by Emit after a terminal event was sent.
var errStreamFinished = errors.New("stream already finished")

// Emitter is the producer side of a provider stream. It owns the channel,
// enforces the single-terminal rule, and closes the channel exactly once.
//
// An Emitter is used by the one goroutine that produces the stream.
type Emitter struct {
	ctx      context.Context
	ch       chan events.Event
	finished bool
	emitted  int
	once     sync.Once
}

// NewEmitter creates an emitter bound to ctx. A buffer below 1 uses
// DefaultStreamBuffer.
func NewEmitter(ctx context.Context, buffer int) *Emitter {
	if buffer < 1 {
		buffer = DefaultStreamBuffer
	}
	return &Emitter{ctx: ctx, ch: make(chan events.Event, buffer)}
}

// Events returns the consumer side of the stream.
func (e *Emitter) Events() <-chan events.Event {
	return e.ch
}

// Emit sends a non-terminal event. It blocks until the consumer takes it or
// ctx is done, in which case it returns the context's cause. A terminal event
// is handed to Finish.
func (e *Emitter) Emit(ev events.Event) error {
	if e.finished {
		return errStreamFinished
	}
	if ev.Type().Terminal() {
		e.Finish(ev)
		return nil
	}
	if err := e.ctx.Err(); err != nil {
		return context.Cause(e.ctx)
	}
	select {
	case e.ch <- ev:
		e.emitted++
		return nil
	case <-e.ctx.Done():
		return context.Cause(e.ctx)
	}
}

// Finish delivers the terminal event when the consumer can still take it and
// closes the stream. Later calls are no-ops.
func (e *Emitter) Finish(terminal events.Event) {
	if e.finished {
		return
	}
	e.finished = true
	defer e.Close()

	if e.ctx.Err() != nil {
		select {
		case e.ch <- terminal:
			e.emitted++
		default:
		}
		return
	}
	select {
	case e.ch <- terminal:
		e.emitted++
	case <-e.ctx.Done():
	}
}

// Fail finishes the stream with an error event built from err.
func (e *Emitter) Fail(err error, extra map[string]any) {
	e.Finish(ErrorEvent(err, extra))
}

// Close closes the stream without a terminal event. It is safe to call after
// Finish and is meant to be deferred by the producer.
func (e *Emitter) Close() {
	e.once.Do(func() { close(e.ch) })
}

// Finished reports whether a terminal event was attempted.
func (e *Emitter) Finished() bool { return e.finished }

// Emitted reports how many events reached the channel.
func (e *Emitter) Emitted() int { return e.emitted }

// IdleWatchdog cancels a context when no upstream activity is seen for the
// configured interval. Producers call Touch for every chunk or line received.
type IdleWatchdog struct {
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelCauseFunc
	fired   atomic.Bool
	stopped atomic.Bool
}

// NewIdleWatchdog derives a context from parent that is cancelled with cause
// once timeout elapses without a Touch. A timeout of zero or less disables the
// watchdog; the returned context is then only cancelled by Stop or parent.
func NewIdleWatchdog(parent context.Context, timeout time.Duration, cause error) (context.Context, *IdleWatchdog) {
	ctx, cancel := context.WithCancelCause(parent)
	w := &IdleWatchdog{timeout: timeout, cancel: cancel}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			if w.stopped.Load() {
				return
			}
			w.fired.Store(true)
			cancel(cause)
		})
	}
	context.AfterFunc(ctx, func() {
		if w.timer != nil {
			w.timer.Stop()
		}
	})
	return ctx, w
}

// Touch records upstream activity and restarts the idle interval.
func (w *IdleWatchdog) Touch() {
	if w == nil || w.timer == nil || w.stopped.Load() || w.fired.Load() {
		return
	}
	w.timer.Reset(w.timeout)
}

// Fired reports whether the watchdog cancelled the context.
func (w *IdleWatchdog) Fired() bool {
	return w != nil && w.fired.Load()
}

// Stop releases the watchdog and cancels its context.
func (w *IdleWatchdog) Stop() {
	if w == nil {
		return
	}
	w.stopped.Store(true)
	if w.timer != nil {
		w.timer.Stop()
	}
	w.cancel(context.Canceled)
}
