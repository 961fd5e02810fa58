package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/events"
)

// DefaultMaxToolIterations bounds the hosted tool loop.
const DefaultMaxToolIterations = 16

// StopReasonMaxToolIterations is reported when the tool loop hits its bound.
const StopReasonMaxToolIterations = "max_tool_iterations"

// blockWriter emits block events for one model turn. Upstream block indexes
// restart at zero on every turn of the tool loop, so they are shifted by base
// to keep indexes unique within the whole stream. Tool invocations are
// reassembled from the emitted events themselves.
type blockWriter struct {
	em    *agent.Emitter
	asm   *events.Assembler
	base  int
	next  int
	calls []events.ToolCall
}

func newBlockWriter(em *agent.Emitter, base int) *blockWriter {
	return &blockWriter{em: em, asm: events.NewAssembler(), base: base, next: base}
}

// index maps an upstream block index to the stream-wide index.
func (w *blockWriter) index(upstream int) int {
	i := w.base + upstream
	if i >= w.next {
		w.next = i + 1
	}
	return i
}

// claim reserves the next free stream-wide index for a synthesized block.
func (w *blockWriter) claim() int {
	i := w.next
	w.next++
	return i
}

func (w *blockWriter) emit(ev events.Event) error {
	call, err := w.asm.Observe(ev)
	if err != nil {
		return err
	}
	if call != nil {
		w.calls = append(w.calls, *call)
	}
	return w.em.Emit(ev)
}

// tokenUsage is the billing view of one or more model calls.
type tokenUsage struct {
	input      int
	output     int
	cacheWrite int
	cacheRead  int
}

func (u *tokenUsage) add(o tokenUsage) {
	u.input += o.input
	u.output += o.output
	u.cacheWrite += o.cacheWrite
	u.cacheRead += o.cacheRead
}

// prompt is every token the model read for the call.
func (u tokenUsage) prompt() int {
	return u.input + u.cacheWrite + u.cacheRead
}

// hostedTurn is what one model round trip produced.
type hostedTurn struct {
	calls      []events.ToolCall
	stopReason string
	usage      tokenUsage
	next       int
}

// toolOutcome pairs a tool call with its result.
type toolOutcome struct {
	call   events.ToolCall
	result *agent.ToolResult
}

// loopResult is the accounting of a whole hosted stream.
type loopResult struct {
	total      tokenUsage
	last       tokenUsage
	stopReason string
	iterations int
}

// toolLoop drives the hosted agentic loop: call the model, run the tools it
// asked for, feed the results back, and repeat until the model stops asking
// or the iteration bound is hit.
type toolLoop struct {
	em            *agent.Emitter
	tools         *agent.ToolRegistry
	ec            agent.ExecutionContext
	maxIterations int
	logger        *slog.Logger
}

func (l *toolLoop) run(
	ctx context.Context,
	turn func(ctx context.Context, base int) (hostedTurn, error),
	feed func(t hostedTurn, outcomes []toolOutcome) error,
) (loopResult, error) {
	var res loopResult
	maxIter := l.maxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxToolIterations
	}

	base := 0
	for {
		res.iterations++
		t, err := turn(ctx, base)
		if err != nil {
			return res, err
		}
		base = t.next
		res.total.add(t.usage)
		res.last = t.usage
		res.stopReason = t.stopReason

		if len(t.calls) == 0 || l.tools.Len() == 0 {
			return res, nil
		}
		if res.iterations >= maxIter {
			res.stopReason = StopReasonMaxToolIterations
			return res, nil
		}

		outcomes := make([]toolOutcome, 0, len(t.calls))
		for _, call := range t.calls {
			result, err := l.execute(ctx, call)
			if err != nil {
				return res, err
			}
			if err := l.em.Emit(events.ToolResult(call.ID, result.Output, result.IsError)); err != nil {
				return res, err
			}
			if s := result.Screen; s != nil {
				if err := l.em.Emit(events.ScreenCreated(s.ID, s.Type, s.PanelSlug)); err != nil {
					return res, err
				}
			}
			outcomes = append(outcomes, toolOutcome{call: call, result: result})
		}
		if err := feed(t, outcomes); err != nil {
			return res, err
		}
	}
}

func (l *toolLoop) execute(ctx context.Context, call events.ToolCall) (*agent.ToolResult, error) {
	result, err := l.tools.Execute(ctx, call.Name, call.Input, l.ec)
	switch {
	case errors.Is(err, agent.ErrUnknownTool):
		// The model named a tool it was never offered; let it recover.
		return agent.ToolErrorf("unknown tool: %s", call.Name), nil
	case err != nil:
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	if l.logger != nil {
		l.logger.Debug("tool executed", "tool", call.Name, "tool_id", call.ID, "is_error", result.IsError)
	}
	return result, nil
}

// usageEvent builds the usage event for a hosted stream. Billing counters are
// cumulative across the tool loop; the context counters describe the last
// model call, which is what currently occupies the window.
func usageEvent(model agent.Model, res loopResult) events.Event {
	in := events.UsageInput{
		InputTokens:         events.Int(res.total.input),
		OutputTokens:        events.Int(res.total.output),
		CacheCreationTokens: events.Int(res.total.cacheWrite),
		CacheReadTokens:     events.Int(res.total.cacheRead),
		ContextInputTokens:  events.Int(res.last.prompt()),
		ContextOutputTokens: events.Int(res.last.output),
	}
	if model.ContextWindow > 0 {
		in.ContextWindowSize = events.Int(model.ContextWindow)
	}
	if cost, ok := model.Cost(res.total.input, res.total.output, res.total.cacheWrite, res.total.cacheRead); ok {
		in.Cost = events.Float(cost)
	}
	return events.Usage(in)
}

// resolveWorkDir picks the working directory for a request and confines it to
// the allowed roots.
func resolveWorkDir(paths agent.PathValidator, requested, fallback string) (string, error) {
	dir := requested
	if dir == "" {
		dir = fallback
	}
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		dir = wd
	}
	if paths == nil {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", fmt.Errorf("%w: %v", agent.ErrPathRejected, err)
		}
		return abs, nil
	}
	return paths.Validate(dir)
}

// requestTools narrows the registry to the tools a request enabled.
func requestTools(tools *agent.ToolRegistry, names []string) (*agent.ToolRegistry, error) {
	if tools == nil {
		if len(names) > 0 {
			return nil, fmt.Errorf("%w: %q", agent.ErrUnknownTool, names[0])
		}
		return nil, nil
	}
	return tools.Subset(names)
}

// failStream ends a stream with the error event for err. When ctx is already
// done the cause wins: an idle timeout keeps its own code and anything else
// is reported as an interruption.
func failStream(ctx context.Context, em *agent.Emitter, err error, logger *slog.Logger, attrs ...any) {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, agent.ErrUpstreamTimeout), errors.Is(cause, agent.ErrProcessTimedOut):
			err = cause
		case !errors.Is(err, agent.ErrInterrupted):
			err = fmt.Errorf("%w: %v", agent.ErrInterrupted, cause)
		}
	}
	if logger != nil {
		logger.Warn("stream failed", append(attrs, "error", err, "code", agent.ErrorCode(err))...)
	}
	em.Fail(err, nil)
}
