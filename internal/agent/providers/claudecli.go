package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/events"
)

// TypeClaudeCLI identifies the Claude Code CLI provider.
const TypeClaudeCLI = "claude-cli"

var claudeCLIModels = []agent.Model{
	{ID: "sonnet", DisplayName: "Claude Sonnet (latest)", ContextWindow: 200000},
	{ID: "opus", DisplayName: "Claude Opus (latest)", ContextWindow: 200000},
	{ID: "haiku", DisplayName: "Claude Haiku (latest)", ContextWindow: 200000},
	{ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", ContextWindow: 200000},
	{ID: "claude-opus-4-1", DisplayName: "Claude Opus 4.1", ContextWindow: 200000},
	{ID: "claude-haiku-4-5", DisplayName: "Claude Haiku 4.5", ContextWindow: 200000},
}

// claudeCLITools maps registry tool names onto Claude Code's built-in tools.
// An empty value is accepted but has no CLI counterpart.
var claudeCLITools = map[string]string{
	"read":        "Read",
	"write":       "Write",
	"edit":        "Edit",
	"bash":        "Bash",
	"grep":        "Grep",
	"glob":        "Glob",
	"open_screen": "",
}

// ClaudeCLIConfig configures the Claude Code provider.
type ClaudeCLIConfig struct {
	CLIConfig

	// PermissionMode is passed as --permission-mode. Default: acceptEdits
	PermissionMode string
}

// ClaudeCLIProvider drives the claude CLI in print mode and translates its
// stream-json output. Claude Code keeps its own session history, so a
// conversation with a session id is resumed with --resume and only the new
// prompt is sent.
type ClaudeCLIProvider struct {
	cliBase
	permissionMode string
}

var (
	_ agent.NativeSessionProvider   = (*ClaudeCLIProvider)(nil)
	_ agent.MessageBuilder[string] = (*ClaudeCLIProvider)(nil)
)

// NewClaudeCLIProvider creates the provider. The binary is looked up on each
// request, so a missing CLI surfaces as ErrProviderUnavailable.
func NewClaudeCLIProvider(cfg ClaudeCLIConfig) *ClaudeCLIProvider {
	mode := cfg.PermissionMode
	if mode == "" {
		mode = "acceptEdits"
	}
	return &ClaudeCLIProvider{
		cliBase:        newCLIBase(TypeClaudeCLI, cfg.CLIConfig, "claude", claudeCLIModels, "sonnet", claudeCLITools),
		permissionMode: mode,
	}
}

// Stream runs one claude invocation for prompt.
func (p *ClaudeCLIProvider) Stream(ctx context.Context, conv agent.Conversation, prompt string, opts agent.Options) (<-chan events.Event, error) {
	req, err := p.prepare(conv, prompt, opts)
	if err != nil {
		return nil, err
	}

	env := map[string]string{}
	if budget := opts.ThinkingLevel.ThinkingBudget(); budget > 0 {
		env["MAX_THINKING_TOKENS"] = strconv.Itoa(budget)
	}
	if limit := opts.ResponseLevel.MaxTokens(); limit > 0 {
		env["CLAUDE_CODE_MAX_OUTPUT_TOKENS"] = strconv.Itoa(limit)
	}
	args := func(string) []string { return p.args(req, opts) }

	em := agent.NewEmitter(ctx, 0)
	tr := newClaudeTranslator(p, em, conv, req)
	turn := &cliTurn{
		base:    &p.cliBase,
		em:      em,
		req:     req,
		debug:   opts.Debug,
		handle:  tr.handle,
		finish:  tr.finish,
		exitErr: tr.exitErr,
	}
	go turn.run(ctx, p.invocation(req, args, env))
	return em.Events(), nil
}

func (p *ClaudeCLIProvider) args(req cliRequest, opts agent.Options) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--model", req.model.ID,
		"--permission-mode", p.permissionMode,
	}
	if req.session != "" {
		args = append(args, "--resume", req.session)
	}
	if req.tools != nil {
		args = append(args, "--allowedTools", strings.Join(req.tools, ","))
	}
	if opts.System != "" {
		args = append(args, "--append-system-prompt", opts.System)
	}
	return append(args, p.extraArgs...)
}

// claudeLine is one line of claude's stream-json output. Only the fields the
// translator reads are declared.
type claudeLine struct {
	Type             string          `json:"type"`
	Subtype          string          `json:"subtype"`
	SessionID        string          `json:"session_id"`
	ParentToolUseID  *string         `json:"parent_tool_use_id"`
	Model            string          `json:"model"`
	Cwd              string          `json:"cwd"`
	Tools            []string        `json:"tools"`
	Event            json.RawMessage `json:"event"`
	Message          json.RawMessage `json:"message"`
	IsCompactSummary bool            `json:"isCompactSummary"`
	CompactMetadata  *struct {
		Trigger   string `json:"trigger"`
		PreTokens *int   `json:"pre_tokens"`
	} `json:"compact_metadata"`
	IsError      bool         `json:"is_error"`
	Result       string       `json:"result"`
	TotalCostUSD *float64     `json:"total_cost_usd"`
	NumTurns     int          `json:"num_turns"`
	Usage        *claudeUsage `json:"usage"`
	ModelUsage   map[string]struct {
		ContextWindow int `json:"contextWindow"`
	} `json:"modelUsage"`
}

type claudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

func (u claudeUsage) tokens() tokenUsage {
	return tokenUsage{
		input:      u.InputTokens,
		output:     u.OutputTokens,
		cacheWrite: u.CacheCreationInputTokens,
		cacheRead:  u.CacheReadInputTokens,
	}
}

type claudeMessage struct {
	Content json.RawMessage `json:"content"`
	Usage   *claudeUsage    `json:"usage"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Signature string          `json:"signature"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// compaction remembers a compact boundary until its summary arrives.
type compaction struct {
	trigger   string
	preTokens *int
}

// claudeTranslator turns stream-json lines into canonical events for one run.
type claudeTranslator struct {
	p    *ClaudeCLIProvider
	em   *agent.Emitter
	conv agent.Conversation
	req  cliRequest
	w    *blockWriter

	kinds    map[int]string
	streamed bool
	sawText  bool
	last     tokenUsage
	haveLast bool
	stop     string

	compact *compaction

	sawResult bool
	resultErr error
}

func newClaudeTranslator(p *ClaudeCLIProvider, em *agent.Emitter, conv agent.Conversation, req cliRequest) *claudeTranslator {
	return &claudeTranslator{
		p:     p,
		em:    em,
		conv:  conv,
		req:   req,
		w:     newBlockWriter(em, 0),
		kinds: make(map[int]string),
	}
}

func (t *claudeTranslator) handle(line []byte) error {
	var msg claudeLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return fmt.Errorf("%w: claude output: %v: %s", agent.ErrMalformedBackendOutput, err, snippet(line))
	}
	if msg.Type == "" {
		return fmt.Errorf("%w: claude output without type: %s", agent.ErrMalformedBackendOutput, snippet(line))
	}
	// Subagent traffic belongs to a tool call the parent already reported.
	if msg.ParentToolUseID != nil && *msg.ParentToolUseID != "" {
		return nil
	}

	switch msg.Type {
	case "system":
		return t.system(msg)
	case "stream_event":
		return t.streamEvent(msg.Event)
	case "assistant":
		return t.assistant(msg.Message)
	case "user":
		return t.user(msg)
	case "result":
		return t.result(msg)
	}
	return nil
}

func (t *claudeTranslator) system(msg claudeLine) error {
	switch msg.Subtype {
	case "init":
		t.captureSession(msg.SessionID)
		info := fmt.Sprintf("claude session %s: model %s, cwd %s, %d tools", msg.SessionID, msg.Model, msg.Cwd, len(msg.Tools))
		return t.em.Emit(events.SystemInfo(info, ""))
	case "compact_boundary":
		var pre *int
		trigger := ""
		if m := msg.CompactMetadata; m != nil {
			pre, trigger = m.PreTokens, m.Trigger
		}
		t.compact = &compaction{trigger: trigger, preTokens: pre}
		return t.em.Emit(events.ContextCompacted(pre, trigger))
	}
	return nil
}

func (t *claudeTranslator) captureSession(id string) {
	if id == "" {
		return
	}
	if current, ok := t.p.SessionID(t.conv); ok && current == id {
		return
	}
	t.p.SetSessionID(t.conv, id)
	t.p.logger.Debug("captured native session", "session_id", id)
}

// streamEvent handles a raw Messages API event. Every message_start begins a
// new model call inside the agent loop, so block indexes are shifted past
// everything emitted so far.
func (t *claudeTranslator) streamEvent(raw json.RawMessage) error {
	var event anthropic.MessageStreamEventUnion
	if err := json.Unmarshal(raw, &event); err != nil {
		return fmt.Errorf("%w: claude stream event: %v", agent.ErrMalformedBackendOutput, err)
	}
	t.streamed = true
	switch event.Type {
	case "message_start":
		t.w.base = t.w.next
		u := event.Message.Usage
		t.last = tokenUsage{
			input:      int(u.InputTokens),
			output:     int(u.OutputTokens),
			cacheWrite: int(u.CacheCreationInputTokens),
			cacheRead:  int(u.CacheReadInputTokens),
		}
		t.haveLast = true
	case "message_delta":
		if event.Usage.OutputTokens > 0 {
			t.last.output = int(event.Usage.OutputTokens)
		}
		if event.Delta.StopReason != "" {
			t.stop = string(event.Delta.StopReason)
		}
	case "content_block_start":
		if event.ContentBlock.Type == "text" {
			t.sawText = true
		}
	}
	return translateAnthropicEvent(t.w, t.kinds, event)
}

// assistant renders a complete assistant message. Once stream events have
// been seen the content was already streamed and the message is skipped.
func (t *claudeTranslator) assistant(raw json.RawMessage) error {
	var msg claudeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: claude assistant message: %v", agent.ErrMalformedBackendOutput, err)
	}
	if t.streamed {
		return nil
	}
	if msg.Usage != nil {
		t.last = msg.Usage.tokens()
		t.haveLast = true
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return fmt.Errorf("%w: claude assistant content: %v", agent.ErrMalformedBackendOutput, err)
	}
	for _, b := range blocks {
		idx := t.w.claim()
		var err error
		switch b.Type {
		case "text":
			t.sawText = true
			err = t.emitAll(events.TextStart(idx), events.TextDelta(idx, b.Text), events.TextStop(idx))
		case "thinking":
			evs := []events.Event{events.ThinkingStart(idx), events.ThinkingDelta(idx, b.Thinking)}
			if b.Signature != "" {
				evs = append(evs, events.ThinkingSignature(idx, b.Signature))
			}
			err = t.emitAll(append(evs, events.ThinkingStop(idx))...)
		case "tool_use":
			input := string(b.Input)
			if input == "" {
				input = "{}"
			}
			err = t.emitAll(events.ToolUseStart(idx, b.ID, b.Name), events.ToolUseDelta(idx, input), events.ToolUseStop(idx))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *claudeTranslator) emitAll(evs ...events.Event) error {
	for _, ev := range evs {
		if ev.Type() == events.TypeTextDelta || ev.Type() == events.TypeThinkingDelta {
			if ev.Text() == "" {
				continue
			}
		}
		if err := t.w.emit(ev); err != nil {
			return err
		}
	}
	return nil
}

// user handles tool results the CLI fed back to the model and the summary
// written after a compaction.
func (t *claudeTranslator) user(line claudeLine) error {
	var msg claudeMessage
	if err := json.Unmarshal(line.Message, &msg); err != nil {
		return fmt.Errorf("%w: claude user message: %v", agent.ErrMalformedBackendOutput, err)
	}
	if line.IsCompactSummary {
		meta := map[string]any{}
		if c := t.compact; c != nil {
			if c.trigger != "" {
				meta[events.MetaTrigger] = c.trigger
			}
			if c.preTokens != nil {
				meta[events.MetaPreTokens] = *c.preTokens
			}
		}
		t.compact = nil
		return t.em.Emit(events.CompactionSummary(contentText(msg.Content), meta))
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		// Plain string content carries no tool results.
		return nil
	}
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		if err := t.em.Emit(events.ToolResult(b.ToolUseID, contentText(b.Content), b.IsError)); err != nil {
			return err
		}
	}
	return nil
}

func (t *claudeTranslator) result(msg claudeLine) error {
	t.sawResult = true
	t.captureSession(msg.SessionID)

	switch {
	case msg.Subtype == "error_max_turns":
		t.stop = "max_turns"
	case msg.IsError || strings.HasPrefix(msg.Subtype, "error"):
		reason := strings.TrimSpace(msg.Result)
		if reason == "" {
			reason = msg.Subtype
		}
		t.resultErr = fmt.Errorf("%w: claude: %s", agent.ErrProcessFailed, reason)
	}

	if t.req.command != "" && !t.sawText && strings.TrimSpace(msg.Result) != "" && t.resultErr == nil {
		if err := t.em.Emit(events.SystemInfo(msg.Result, t.req.command)); err != nil {
			return err
		}
	}
	if msg.Usage == nil {
		return nil
	}
	return t.em.Emit(t.usage(msg))
}

// usage builds the usage event from a result line. Billing counters are the
// CLI's totals for the run. Context counters come from the last model call.
func (t *claudeTranslator) usage(msg claudeLine) events.Event {
	total := msg.Usage.tokens()
	last := total
	if t.haveLast {
		last = t.last
	}
	in := events.UsageInput{
		InputTokens:         events.Int(total.input),
		OutputTokens:        events.Int(total.output),
		CacheCreationTokens: events.Int(total.cacheWrite),
		CacheReadTokens:     events.Int(total.cacheRead),
		ContextInputTokens:  events.Int(last.prompt()),
		ContextOutputTokens: events.Int(last.output),
	}
	window := t.req.model.ContextWindow
	for _, mu := range msg.ModelUsage {
		if mu.ContextWindow > window {
			window = mu.ContextWindow
		}
	}
	if window > 0 {
		in.ContextWindowSize = events.Int(window)
	}
	if msg.TotalCostUSD != nil {
		in.Cost = events.Float(*msg.TotalCostUSD)
	} else if cost, ok := t.req.model.Cost(total.input, total.output, total.cacheWrite, total.cacheRead); ok {
		in.Cost = events.Float(cost)
	}
	return events.Usage(in)
}

func (t *claudeTranslator) finish() (events.Event, error) {
	if !t.sawResult {
		return events.Event{}, fmt.Errorf("%w: claude exited without a result", agent.ErrMalformedBackendOutput)
	}
	if t.resultErr != nil {
		return events.Event{}, t.resultErr
	}
	stop := t.stop
	if stop == "" {
		stop = "end_turn"
	}
	return events.Done(stop), nil
}

// exitErr prefers the reason from an error result over the exit status.
func (t *claudeTranslator) exitErr(err error) error {
	if t.resultErr == nil {
		return err
	}
	return fmt.Errorf("%v: %w", t.resultErr, err)
}

// contentText flattens message content that is either a string or a list of
// text blocks.
func contentText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func snippet(line []byte) string {
	const max = 200
	if len(line) > max {
		return string(line[:max]) + "..."
	}
	return string(line)
}
