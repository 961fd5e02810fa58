// Package providers implements the backends behind the agent.Provider
// contract: the Anthropic and OpenAI HTTP APIs, and the Claude Code and Codex
// command-line agents.
//
// Hosted providers run the tool loop themselves. Each model call is streamed,
// translated into canonical events, and any tool calls it produced are
// executed through the agent.ToolRegistry and fed back until the model stops
// asking or the iteration bound is reached. CLI providers spawn a process per
// request and translate its line-delimited JSON output; the agent inside the
// process runs its own tools.
//
// Example Usage:
//
//	provider := providers.NewAnthropicProvider(providers.AnthropicConfig{
//	    APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	})
//	stream, err := provider.Stream(ctx, conv, "Hello", agent.Options{})
//	if err != nil {
//	    return err
//	}
//	for ev := range stream {
//	    fmt.Print(ev.Text())
//	}
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/events"
)

// TypeAnthropic identifies the Anthropic Messages API provider.
const TypeAnthropic = "anthropic"

// defaultAnthropicMaxTokens is the response budget when the request sets no
// response level.
const defaultAnthropicMaxTokens = 8192

// minThinkingBudget is the smallest reasoning budget the API accepts.
const minThinkingBudget = 1024

// anthropicModels is the built-in catalog. Prices are USD per million tokens.
var anthropicModels = []agent.Model{
	{ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", ContextWindow: 200000, MaxOutputTokens: 64000,
		InputPricePerMTok: 3, OutputPricePerMTok: 15, CacheWritePricePerMTok: 3.75, CacheReadPricePerMTok: 0.30},
	{ID: "claude-sonnet-4-20250514", DisplayName: "Claude Sonnet 4", ContextWindow: 200000, MaxOutputTokens: 64000,
		InputPricePerMTok: 3, OutputPricePerMTok: 15, CacheWritePricePerMTok: 3.75, CacheReadPricePerMTok: 0.30},
	{ID: "claude-opus-4-1", DisplayName: "Claude Opus 4.1", ContextWindow: 200000, MaxOutputTokens: 32000,
		InputPricePerMTok: 15, OutputPricePerMTok: 75, CacheWritePricePerMTok: 18.75, CacheReadPricePerMTok: 1.50},
	{ID: "claude-haiku-4-5", DisplayName: "Claude Haiku 4.5", ContextWindow: 200000, MaxOutputTokens: 64000,
		InputPricePerMTok: 1, OutputPricePerMTok: 5, CacheWritePricePerMTok: 1.25, CacheReadPricePerMTok: 0.10},
}

// AnthropicProvider implements agent.Provider for Anthropic's Messages API.
//
// The provider handles several responsibilities:
//   - Converting committed conversation turns into Anthropic message params
//   - Translating the SSE event stream into canonical block events
//   - Retrying stream setup with backoff on transient failures
//   - Running the hosted tool loop and replaying tool results to the model
//   - Reporting usage with catalog pricing
//
// Thread Safety:
// AnthropicProvider is safe for concurrent use across multiple goroutines.
// Each Stream() call creates an independent HTTP stream and goroutine.
type AnthropicProvider struct {
	BaseProvider

	// client is the underlying Anthropic SDK client used for API calls.
	client anthropic.Client

	// apiKey stores the Anthropic API key. Empty means unavailable.
	apiKey string

	// maxTokens is the response budget when the request sets no response level.
	maxTokens int
}

// AnthropicConfig holds configuration parameters for creating an AnthropicProvider.
//
// All fields are optional. Without an APIKey the provider reports itself
// unavailable and refuses to stream.
//
// Example:
//
//	config := AnthropicConfig{
//	    APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	    HostedConfig: HostedConfig{
//	        DefaultModel: "claude-opus-4-1",
//	        MaxRetries:   5,
//	    },
//	}
type AnthropicConfig struct {
	HostedConfig

	// APIKey is the Anthropic API authentication key.
	// Format: sk-ant-api03-...
	APIKey string

	// BaseURL overrides the default Anthropic API base URL.
	// Example: "https://api.anthropic.com/"
	BaseURL string

	// MaxTokens is the response budget when the request does not set one.
	// Default: 8192
	MaxTokens int
}

// NewAnthropicProvider creates a new Anthropic provider instance with the given configuration.
//
// Configuration Defaults:
//   - DefaultModel: "claude-sonnet-4-5"
//   - MaxRetries: 3
//   - IdleTimeout: 2 minutes
//   - MaxToolIterations: 16
//
// The SDK's own retries are disabled; stream setup is retried by the provider
// so that nothing is retried once events have been emitted.
func NewAnthropicProvider(config AnthropicConfig) *AnthropicProvider {
	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaultAnthropicMaxTokens
	}

	return &AnthropicProvider{
		BaseProvider: NewBaseProvider(TypeAnthropic, config.HostedConfig, anthropicModels, "claude-sonnet-4-5"),
		client:       anthropic.NewClient(options...),
		apiKey:       config.APIKey,
		maxTokens:    config.MaxTokens,
	}
}

// Available reports whether an API key is configured.
func (p *AnthropicProvider) Available() bool {
	return strings.TrimSpace(p.apiKey) != ""
}

// BuildMessages converts the committed turns of conv into Anthropic message
// params. Empty turns are skipped since the API rejects empty content.
func (p *AnthropicProvider) BuildMessages(conv agent.Conversation) ([]anthropic.MessageParam, error) {
	if conv == nil {
		return nil, nil
	}
	prior := conv.PriorMessages()
	result := make([]anthropic.MessageParam, 0, len(prior))
	for _, msg := range prior {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		switch msg.Role {
		case agent.RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case agent.RoleAssistant:
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", msg.Role)
		}
	}
	return result, nil
}

// Stream sends prompt after the conversation history and streams the reply.
//
// Pre-stream errors:
//   - ErrProviderUnavailable: no API key configured
//   - ErrUnknownModel: the requested or default model is not in the catalog
//   - ErrPathRejected: the working directory is outside the allowed roots
//   - ErrUnknownTool: the request enabled a tool that is not registered
//
// Everything after that is reported on the channel as a single error event.
func (p *AnthropicProvider) Stream(ctx context.Context, conv agent.Conversation, prompt string, opts agent.Options) (<-chan events.Event, error) {
	if !p.Available() {
		return nil, fmt.Errorf("%w: anthropic API key not configured", agent.ErrProviderUnavailable)
	}
	req, err := p.prepare(opts)
	if err != nil {
		return nil, err
	}
	history, err := p.BuildMessages(conv)
	if err != nil {
		return nil, err
	}
	tools, err := p.convertTools(req.tools.Tools())
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:    anthropic.Model(req.model.ID),
		Messages: append(history, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))),
		Tools:    tools,
	}
	maxTokens, budget := anthropicTokenLimits(req.model, opts, p.maxTokens)
	params.MaxTokens = int64(maxTokens)
	if budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
	}
	if opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.System}}
	}

	em := agent.NewEmitter(ctx, 0)
	go p.run(ctx, em, conv, req, params)
	return em.Events(), nil
}

func (p *AnthropicProvider) run(ctx context.Context, em *agent.Emitter, conv agent.Conversation, req hostedRequest, params anthropic.MessageNewParams) {
	defer em.Close()

	var assistant anthropic.MessageParam
	res, err := p.loop(em, req, conv).run(ctx,
		func(ctx context.Context, base int) (hostedTurn, error) {
			msg, turn, err := p.turn(ctx, em, params, base)
			if err != nil {
				return hostedTurn{}, err
			}
			assistant = msg.ToParam()
			return turn, nil
		},
		func(_ hostedTurn, outcomes []toolOutcome) error {
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(outcomes))
			for _, o := range outcomes {
				blocks = append(blocks, anthropic.NewToolResultBlock(o.call.ID, o.result.Output, o.result.IsError))
			}
			params.Messages = append(params.Messages, assistant, anthropic.NewUserMessage(blocks...))
			return nil
		},
	)
	if err == nil {
		err = em.Emit(usageEvent(req.model, res))
	}
	if err != nil {
		failStream(ctx, em, err, p.logger, "model", req.model.ID, "iterations", res.iterations)
		return
	}
	p.logger.Debug("stream complete", "model", req.model.ID, "stop_reason", res.stopReason, "iterations", res.iterations)
	em.Finish(events.Done(res.stopReason))
}

// turn streams one model call. The accumulated message is returned so the
// tool loop can replay it, thinking signatures included.
func (p *AnthropicProvider) turn(ctx context.Context, em *agent.Emitter, params anthropic.MessageNewParams, base int) (anthropic.Message, hostedTurn, error) {
	var msg anthropic.Message
	model := string(params.Model)

	turnCtx, wd := agent.NewIdleWatchdog(ctx, p.idleTimeout, agent.ErrUpstreamTimeout)
	defer wd.Stop()

	stream, err := openWithRetry(turnCtx, &p.BaseProvider, func(ctx context.Context) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
		s := p.client.Messages.NewStreaming(ctx, params)
		if err := s.Err(); err != nil {
			_ = s.Close()
			return nil, p.wrapError(err, model)
		}
		return s, nil
	})
	if err != nil {
		return msg, hostedTurn{}, p.idleError(wd, err)
	}
	defer stream.Close()

	w := newBlockWriter(em, base)
	kinds := make(map[int]string)
	stopped := false
	for stream.Next() {
		wd.Touch()
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return msg, hostedTurn{}, fmt.Errorf("%w: %v", agent.ErrUpstreamProtocol, err)
		}
		if err := translateAnthropicEvent(w, kinds, event); err != nil {
			return msg, hostedTurn{}, err
		}
		if event.Type == "message_stop" {
			stopped = true
		}
	}
	if err := stream.Err(); err != nil {
		return msg, hostedTurn{}, p.idleError(wd, p.wrapError(err, model))
	}
	if !stopped {
		if wd.Fired() || ctx.Err() != nil {
			return msg, hostedTurn{}, p.idleError(wd, context.Cause(ctx))
		}
		return msg, hostedTurn{}, fmt.Errorf("%w: anthropic stream ended before message_stop", agent.ErrUpstreamProtocol)
	}

	return msg, hostedTurn{
		calls:      w.calls,
		stopReason: string(msg.StopReason),
		next:       w.next,
		usage: tokenUsage{
			input:      int(msg.Usage.InputTokens),
			output:     int(msg.Usage.OutputTokens),
			cacheWrite: int(msg.Usage.CacheCreationInputTokens),
			cacheRead:  int(msg.Usage.CacheReadInputTokens),
		},
	}, nil
}

// idleError replaces err with an upstream timeout when the watchdog fired.
func (p *AnthropicProvider) idleError(wd *agent.IdleWatchdog, err error) error {
	if wd.Fired() {
		return fmt.Errorf("%w: no data from anthropic for %s", agent.ErrUpstreamTimeout, p.idleTimeout)
	}
	return err
}

// translateAnthropicEvent maps one SSE event onto canonical block events.
//
// Event Processing:
//   - content_block_start: opens a text, thinking or tool_use block
//   - content_block_delta: streams text, thinking, signature or tool input JSON
//   - content_block_stop: closes the block with the stop event of its kind
//
// Block kinds the event model has no room for, such as server tool results,
// are skipped along with their deltas.
func translateAnthropicEvent(w *blockWriter, kinds map[int]string, event anthropic.MessageStreamEventUnion) error {
	switch event.Type {
	case "content_block_start":
		idx := w.index(int(event.Index))
		block := event.ContentBlock
		kinds[idx] = block.Type
		switch block.Type {
		case "text":
			if err := w.emit(events.TextStart(idx)); err != nil {
				return err
			}
			if block.Text != "" {
				return w.emit(events.TextDelta(idx, block.Text))
			}
		case "thinking", "redacted_thinking":
			if err := w.emit(events.ThinkingStart(idx)); err != nil {
				return err
			}
			if block.Thinking != "" {
				return w.emit(events.ThinkingDelta(idx, block.Thinking))
			}
		case "tool_use":
			return w.emit(events.ToolUseStart(idx, block.ID, block.Name))
		}

	case "content_block_delta":
		idx := w.index(int(event.Index))
		delta := event.Delta
		switch {
		case delta.Type == "text_delta" && kinds[idx] == "text":
			if delta.Text != "" {
				return w.emit(events.TextDelta(idx, delta.Text))
			}
		case delta.Type == "thinking_delta":
			if delta.Thinking != "" {
				return w.emit(events.ThinkingDelta(idx, delta.Thinking))
			}
		case delta.Type == "signature_delta":
			return w.emit(events.ThinkingSignature(idx, delta.Signature))
		case delta.Type == "input_json_delta" && kinds[idx] == "tool_use":
			if delta.PartialJSON != "" {
				return w.emit(events.ToolUseDelta(idx, delta.PartialJSON))
			}
		}

	case "content_block_stop":
		idx := w.index(int(event.Index))
		switch kinds[idx] {
		case "text":
			return w.emit(events.TextStop(idx))
		case "thinking", "redacted_thinking":
			return w.emit(events.ThinkingStop(idx))
		case "tool_use":
			return w.emit(events.ToolUseStop(idx))
		}
	}
	return nil
}

// anthropicTokenLimits returns max_tokens and the thinking budget for a
// request. max_tokens covers the thinking budget plus the response budget and
// is clamped to the model's output limit, shrinking the thinking budget first.
func anthropicTokenLimits(model agent.Model, opts agent.Options, fallback int) (maxTokens, budget int) {
	response := opts.ResponseLevel.MaxTokens()
	if response == 0 {
		response = fallback
	}
	budget = opts.ThinkingLevel.ThinkingBudget()
	limit := model.MaxOutputTokens
	if limit > 0 && response > limit {
		response = limit
	}
	if budget == 0 {
		return response, 0
	}
	if limit > 0 && budget+response > limit {
		budget = limit - response
		if budget < minThinkingBudget {
			budget = minThinkingBudget
			response = limit - budget
		}
	}
	return budget + response, budget
}

// convertTools converts registry tools to Anthropic tool definitions.
//
// Errors:
//   - "invalid tool schema for {name}": When tool.Schema() returns invalid JSON
func (p *AnthropicProvider) convertTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		// Parse JSON schema into Anthropic's schema format
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description())

		result = append(result, toolParam)
	}

	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapError classifies an SDK error into a ProviderError. Cancellation passes
// through untouched so the stream reports an interruption.
func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: TypeAnthropic,
			Model:    model,
			Cause:    err,
			Reason:   FailoverUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID

		raw := apiErr.RawJSON()
		if raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					message = payload.Error.Message
				}
				if payload.Error.Type != "" {
					code = payload.Error.Type
				}
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			providerErr = providerErr.WithMessage(message)
		} else if providerErr.Message == "" {
			providerErr.Message = "anthropic request failed"
		}
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError(TypeAnthropic, model, err)
}
