package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/events"
)

// TypeOpenAI identifies the OpenAI Chat Completions provider.
const TypeOpenAI = "openai"

var openAIModels = []agent.Model{
	{ID: "gpt-4o", DisplayName: "GPT-4o", ContextWindow: 128000, MaxOutputTokens: 16384,
		InputPricePerMTok: 2.5, OutputPricePerMTok: 10, CacheReadPricePerMTok: 1.25},
	{ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", ContextWindow: 128000, MaxOutputTokens: 16384,
		InputPricePerMTok: 0.15, OutputPricePerMTok: 0.6, CacheReadPricePerMTok: 0.075},
	{ID: "gpt-4.1", DisplayName: "GPT-4.1", ContextWindow: 1047576, MaxOutputTokens: 32768,
		InputPricePerMTok: 2, OutputPricePerMTok: 8, CacheReadPricePerMTok: 0.5},
	{ID: "o3", DisplayName: "o3", ContextWindow: 200000, MaxOutputTokens: 100000,
		InputPricePerMTok: 2, OutputPricePerMTok: 8, CacheReadPricePerMTok: 0.5},
	{ID: "o4-mini", DisplayName: "o4-mini", ContextWindow: 200000, MaxOutputTokens: 100000,
		InputPricePerMTok: 1.1, OutputPricePerMTok: 4.4, CacheReadPricePerMTok: 0.275},
}

// openAIStopReasons maps finish_reason onto the stop reasons the Anthropic
// backend reports, so clients see one vocabulary.
var openAIStopReasons = map[openai.FinishReason]string{
	openai.FinishReasonStop:          "end_turn",
	openai.FinishReasonLength:        "max_tokens",
	openai.FinishReasonToolCalls:     "tool_use",
	openai.FinishReasonFunctionCall:  "tool_use",
	openai.FinishReasonContentFilter: "refusal",
}

// OpenAIProvider implements agent.Provider for OpenAI's Chat Completions API.
//
// Key Differences from Anthropic Provider:
//   - The API has no block framing, so block start and stop events are
//     synthesized from the first and last delta of each kind
//   - System prompts are included in the messages array
//   - Tool calls stream incrementally, keyed by their index
//   - Tool results are separate messages with role "tool"
//   - Reasoning effort is only sent to reasoning models
//
// Thread Safety:
// OpenAIProvider is safe for concurrent use across multiple goroutines.
// Each Stream() call creates an independent stream and goroutine.
type OpenAIProvider struct {
	BaseProvider

	// client is the underlying OpenAI SDK client used for API calls.
	client *openai.Client

	// apiKey stores the OpenAI API key for authentication.
	// Format: sk-...
	apiKey string
}

// OpenAIConfig configures an OpenAIProvider. An empty APIKey leaves the
// provider unavailable.
type OpenAIConfig struct {
	HostedConfig

	// APIKey is the OpenAI API key.
	APIKey string

	// BaseURL overrides the API base URL, e.g. for a compatible gateway.
	// Example: "https://api.openai.com/v1"
	BaseURL string

	// Organization is sent as the OpenAI-Organization header when set.
	Organization string
}

// NewOpenAIProvider creates a new OpenAI provider instance.
//
// Configuration Defaults:
//   - DefaultModel: "gpt-4o"
//   - MaxRetries: 3
//   - IdleTimeout: 2 minutes
//   - MaxToolIterations: 16
func NewOpenAIProvider(config OpenAIConfig) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	clientConfig.OrgID = config.Organization

	return &OpenAIProvider{
		BaseProvider: NewBaseProvider(TypeOpenAI, config.HostedConfig, openAIModels, "gpt-4o"),
		client:       openai.NewClientWithConfig(clientConfig),
		apiKey:       config.APIKey,
	}
}

// Available reports whether an API key is configured.
func (p *OpenAIProvider) Available() bool {
	return strings.TrimSpace(p.apiKey) != ""
}

// BuildMessages converts the committed turns of conv into chat messages.
func (p *OpenAIProvider) BuildMessages(conv agent.Conversation) ([]openai.ChatCompletionMessage, error) {
	if conv == nil {
		return nil, nil
	}
	prior := conv.PriorMessages()
	result := make([]openai.ChatCompletionMessage, 0, len(prior))
	for _, msg := range prior {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		switch msg.Role {
		case agent.RoleUser:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		case agent.RoleAssistant:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content})
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", msg.Role)
		}
	}
	return result, nil
}

// Stream sends prompt after the conversation history and streams the reply.
// Pre-stream errors match AnthropicProvider.Stream.
func (p *OpenAIProvider) Stream(ctx context.Context, conv agent.Conversation, prompt string, opts agent.Options) (<-chan events.Event, error) {
	if !p.Available() {
		return nil, fmt.Errorf("%w: openai API key not configured", agent.ErrProviderUnavailable)
	}
	req, err := p.prepare(opts)
	if err != nil {
		return nil, err
	}
	history, err := p.BuildMessages(conv)
	if err != nil {
		return nil, err
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if opts.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: opts.System})
	}
	messages = append(messages, history...)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	chatReq := openai.ChatCompletionRequest{
		Model:               req.model.ID,
		Messages:            messages,
		Stream:              true,
		StreamOptions:       &openai.StreamOptions{IncludeUsage: true},
		MaxCompletionTokens: opts.ResponseLevel.MaxTokens(),
		Tools:               convertToOpenAITools(req.tools.Tools()),
	}
	if isOpenAIReasoningModel(req.model.ID) {
		chatReq.ReasoningEffort = opts.ThinkingLevel.ReasoningEffort()
	}

	em := agent.NewEmitter(ctx, 0)
	go p.run(ctx, em, conv, req, chatReq)
	return em.Events(), nil
}

func (p *OpenAIProvider) run(ctx context.Context, em *agent.Emitter, conv agent.Conversation, req hostedRequest, chatReq openai.ChatCompletionRequest) {
	defer em.Close()

	var assistant openai.ChatCompletionMessage
	res, err := p.loop(em, req, conv).run(ctx,
		func(ctx context.Context, base int) (hostedTurn, error) {
			msg, turn, err := p.turn(ctx, em, chatReq, base)
			if err != nil {
				return hostedTurn{}, err
			}
			assistant = msg
			return turn, nil
		},
		func(_ hostedTurn, outcomes []toolOutcome) error {
			chatReq.Messages = append(chatReq.Messages, assistant)
			for _, o := range outcomes {
				chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    o.result.Output,
					ToolCallID: o.call.ID,
				})
			}
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

// openAIBlocks synthesizes block framing for one chat completion. At most one
// thinking and one text block are open at a time; tool calls get a block each,
// keyed by the upstream tool call index.
type openAIBlocks struct {
	w        *blockWriter
	thinking int
	text     int
	tools    map[int]int
	open     []int
	kinds    map[int]events.Type
}

func newOpenAIBlocks(w *blockWriter) *openAIBlocks {
	return &openAIBlocks{
		w:        w,
		thinking: -1,
		text:     -1,
		tools:    make(map[int]int),
		kinds:    make(map[int]events.Type),
	}
}

func (b *openAIBlocks) start(ev events.Event, idx int, stop events.Type) error {
	b.open = append(b.open, idx)
	b.kinds[idx] = stop
	return b.w.emit(ev)
}

func (b *openAIBlocks) stop(idx int) error {
	for i, open := range b.open {
		if open != idx {
			continue
		}
		b.open = append(b.open[:i], b.open[i+1:]...)
		switch b.kinds[idx] {
		case events.TypeThinkingStop:
			return b.w.emit(events.ThinkingStop(idx))
		case events.TypeTextStop:
			return b.w.emit(events.TextStop(idx))
		default:
			return b.w.emit(events.ToolUseStop(idx))
		}
	}
	return nil
}

// closeThinking ends the reasoning block once visible output begins.
func (b *openAIBlocks) closeThinking() error {
	if b.thinking < 0 {
		return nil
	}
	idx := b.thinking
	b.thinking = -1
	return b.stop(idx)
}

func (b *openAIBlocks) reasoning(delta string) error {
	if b.thinking < 0 {
		b.thinking = b.w.claim()
		if err := b.start(events.ThinkingStart(b.thinking), b.thinking, events.TypeThinkingStop); err != nil {
			return err
		}
	}
	return b.w.emit(events.ThinkingDelta(b.thinking, delta))
}

func (b *openAIBlocks) content(delta string) error {
	if err := b.closeThinking(); err != nil {
		return err
	}
	if b.text < 0 {
		b.text = b.w.claim()
		if err := b.start(events.TextStart(b.text), b.text, events.TypeTextStop); err != nil {
			return err
		}
	}
	return b.w.emit(events.TextDelta(b.text, delta))
}

func (b *openAIBlocks) toolCall(tc openai.ToolCall) error {
	if err := b.closeThinking(); err != nil {
		return err
	}
	upstream := 0
	if tc.Index != nil {
		upstream = *tc.Index
	}
	idx, ok := b.tools[upstream]
	if !ok {
		if tc.ID == "" || tc.Function.Name == "" {
			return fmt.Errorf("%w: openai tool call %d started without id or name", agent.ErrMalformedBackendOutput, upstream)
		}
		idx = b.w.claim()
		b.tools[upstream] = idx
		if err := b.start(events.ToolUseStart(idx, tc.ID, tc.Function.Name), idx, events.TypeToolUseStop); err != nil {
			return err
		}
	}
	if tc.Function.Arguments == "" {
		return nil
	}
	return b.w.emit(events.ToolUseDelta(idx, tc.Function.Arguments))
}

// closeAll stops every open block in the order they were opened.
func (b *openAIBlocks) closeAll() error {
	for len(b.open) > 0 {
		if err := b.stop(b.open[0]); err != nil {
			return err
		}
	}
	b.thinking, b.text = -1, -1
	return nil
}

// turn streams one chat completion and returns the assistant message to
// replay when the model asked for tools.
func (p *OpenAIProvider) turn(ctx context.Context, em *agent.Emitter, chatReq openai.ChatCompletionRequest, base int) (openai.ChatCompletionMessage, hostedTurn, error) {
	assistant := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}

	turnCtx, wd := agent.NewIdleWatchdog(ctx, p.idleTimeout, agent.ErrUpstreamTimeout)
	defer wd.Stop()

	stream, err := openWithRetry(turnCtx, &p.BaseProvider, func(ctx context.Context) (*openai.ChatCompletionStream, error) {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return nil, p.wrapError(err, chatReq.Model)
		}
		return s, nil
	})
	if err != nil {
		return assistant, hostedTurn{}, p.idleError(wd, err)
	}
	defer stream.Close()

	w := newBlockWriter(em, base)
	blocks := newOpenAIBlocks(w)
	var content strings.Builder
	var usage tokenUsage
	var finish openai.FinishReason
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return assistant, hostedTurn{}, p.idleError(wd, p.wrapError(err, chatReq.Model))
		}
		wd.Touch()

		if u := response.Usage; u != nil {
			cached := 0
			if u.PromptTokensDetails != nil {
				cached = u.PromptTokensDetails.CachedTokens
			}
			usage = tokenUsage{input: u.PromptTokens - cached, output: u.CompletionTokens, cacheRead: cached}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta
		if delta.ReasoningContent != "" {
			if err := blocks.reasoning(delta.ReasoningContent); err != nil {
				return assistant, hostedTurn{}, err
			}
		}
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if err := blocks.content(delta.Content); err != nil {
				return assistant, hostedTurn{}, err
			}
		}
		for _, tc := range delta.ToolCalls {
			if err := blocks.toolCall(tc); err != nil {
				return assistant, hostedTurn{}, err
			}
		}
		if choice.FinishReason != "" {
			finish = choice.FinishReason
			if err := blocks.closeAll(); err != nil {
				return assistant, hostedTurn{}, err
			}
		}
	}
	if finish == "" {
		if wd.Fired() || ctx.Err() != nil {
			return assistant, hostedTurn{}, p.idleError(wd, context.Cause(ctx))
		}
		return assistant, hostedTurn{}, fmt.Errorf("%w: openai stream ended without finish_reason", agent.ErrUpstreamProtocol)
	}

	assistant.Content = content.String()
	for _, call := range w.calls {
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
			ID:   call.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      call.Name,
				Arguments: string(call.Input),
			},
		})
	}

	stop, ok := openAIStopReasons[finish]
	if !ok {
		stop = string(finish)
	}
	return assistant, hostedTurn{calls: w.calls, stopReason: stop, usage: usage, next: w.next}, nil
}

func (p *OpenAIProvider) idleError(wd *agent.IdleWatchdog, err error) error {
	if wd.Fired() {
		return fmt.Errorf("%w: no data from openai for %s", agent.ErrUpstreamTimeout, p.idleTimeout)
	}
	return err
}

// isOpenAIReasoningModel reports whether the model accepts reasoning_effort.
func isOpenAIReasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// convertToOpenAITools converts registry tools to OpenAI function definitions.
// Tools come back in registry order so requests are deterministic.
func convertToOpenAITools(tools []agent.Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
			// Fall back to an empty object schema so the other tools stay usable.
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schemaMap,
			},
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Function.Name < result[j].Function.Name })

	return result
}

// wrapError classifies go-openai errors into a ProviderError.
func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	providerErr := NewProviderError(TypeOpenAI, model, err)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode != 0 {
			providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		if apiErr.Message != "" {
			providerErr = providerErr.WithMessage(apiErr.Message)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		providerErr = providerErr.WithStatus(reqErr.HTTPStatusCode)
	}
	return providerErr
}
