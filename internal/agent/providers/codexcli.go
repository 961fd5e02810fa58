package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/events"
)

// TypeCodexCLI identifies the Codex CLI provider.
const TypeCodexCLI = "codex-cli"

// lastMessageFile is written by codex inside the per-request temp dir.
const lastMessageFile = "last-message.txt"

var codexCLIModels = []agent.Model{
	{
		ID:                    "gpt-5-codex",
		DisplayName:           "GPT-5 Codex",
		ContextWindow:         272000,
		MaxOutputTokens:       128000,
		InputPricePerMTok:     1.25,
		OutputPricePerMTok:    10,
		CacheReadPricePerMTok: 0.125,
	},
	{
		ID:                    "gpt-5",
		DisplayName:           "GPT-5",
		ContextWindow:         272000,
		MaxOutputTokens:       128000,
		InputPricePerMTok:     1.25,
		OutputPricePerMTok:    10,
		CacheReadPricePerMTok: 0.125,
	},
	{
		ID:                    "o4-mini",
		DisplayName:           "o4-mini",
		ContextWindow:         200000,
		MaxOutputTokens:       100000,
		InputPricePerMTok:     1.1,
		OutputPricePerMTok:    4.4,
		CacheReadPricePerMTok: 0.275,
	},
}

// Codex has no per-tool switches; every registry tool is accepted and the
// CLI sandbox decides what actually runs.
var codexCLITools = map[string]string{
	"read":        "",
	"write":       "",
	"edit":        "",
	"bash":        "",
	"grep":        "",
	"glob":        "",
	"open_screen": "",
}

// CodexCLIConfig configures the Codex provider.
type CodexCLIConfig struct {
	CLIConfig

	// Sandbox is passed as --sandbox. Default: workspace-write
	Sandbox string
}

// CodexCLIProvider drives `codex exec --json`. Codex threads are its native
// sessions: a conversation with a thread id continues it with
// `codex exec resume <id>`.
type CodexCLIProvider struct {
	cliBase
	sandbox string
}

var (
	_ agent.NativeSessionProvider   = (*CodexCLIProvider)(nil)
	_ agent.MessageBuilder[string] = (*CodexCLIProvider)(nil)
)

// NewCodexCLIProvider creates the provider.
func NewCodexCLIProvider(cfg CodexCLIConfig) *CodexCLIProvider {
	sandbox := cfg.Sandbox
	if sandbox == "" {
		sandbox = "workspace-write"
	}
	return &CodexCLIProvider{
		cliBase: newCLIBase(TypeCodexCLI, cfg.CLIConfig, "codex", codexCLIModels, "gpt-5-codex", codexCLITools),
		sandbox: sandbox,
	}
}

// Stream runs one codex invocation for prompt. The prompt is sent on stdin.
func (p *CodexCLIProvider) Stream(ctx context.Context, conv agent.Conversation, prompt string, opts agent.Options) (<-chan events.Event, error) {
	req, err := p.prepare(conv, prompt, opts)
	if err != nil {
		return nil, err
	}

	em := agent.NewEmitter(ctx, 0)
	tr := newCodexTranslator(p, em, conv, req)
	args := func(tmpDir string) []string {
		tr.lastMessage = filepath.Join(tmpDir, lastMessageFile)
		return p.args(req, opts, tr.lastMessage)
	}
	turn := &cliTurn{
		base:   &p.cliBase,
		em:     em,
		req:    req,
		debug:  opts.Debug,
		handle: tr.handle,
		finish: tr.finish,
		exitErr: func(err error) error {
			if tr.failure == "" {
				return err
			}
			return fmt.Errorf("codex: %s: %w", tr.failure, err)
		},
	}
	go turn.run(ctx, p.invocation(req, args, nil))
	return em.Events(), nil
}

func (p *CodexCLIProvider) args(req cliRequest, opts agent.Options, lastMessage string) []string {
	args := []string{
		"exec",
		"--json",
		"--skip-git-repo-check",
		"--sandbox", p.sandbox,
		"--model", req.model.ID,
		"--output-last-message", lastMessage,
	}
	if effort := opts.ThinkingLevel.ReasoningEffort(); effort != "" {
		args = append(args, "-c", "model_reasoning_effort="+effort)
	}
	args = append(args, p.extraArgs...)
	if req.session != "" {
		args = append(args, "resume", req.session)
	}
	return append(args, "-")
}

// codexLine is one line of `codex exec --json` output.
type codexLine struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id"`
	Item     *codexItem  `json:"item"`
	Usage    *codexUsage `json:"usage"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

type codexItem struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Text             string          `json:"text"`
	Command          string          `json:"command"`
	AggregatedOutput string          `json:"aggregated_output"`
	ExitCode         *int            `json:"exit_code"`
	Status           string          `json:"status"`
	Changes          json.RawMessage `json:"changes"`
	Server           string          `json:"server"`
	Tool             string          `json:"tool"`
	Query            string          `json:"query"`
	Message          string          `json:"message"`
}

type codexUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
}

// codexTranslator turns codex JSONL events into canonical events for one run.
type codexTranslator struct {
	p           *CodexCLIProvider
	em          *agent.Emitter
	conv        agent.Conversation
	req         cliRequest
	w           *blockWriter
	blocks      *cliBlocks
	lastMessage string

	sawText   bool
	completed bool
	failure   string
}

func newCodexTranslator(p *CodexCLIProvider, em *agent.Emitter, conv agent.Conversation, req cliRequest) *codexTranslator {
	w := newBlockWriter(em, 0)
	return &codexTranslator{p: p, em: em, conv: conv, req: req, w: w, blocks: newCLIBlocks(w)}
}

func (t *codexTranslator) handle(line []byte) error {
	var msg codexLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return fmt.Errorf("%w: codex output: %v: %s", agent.ErrMalformedBackendOutput, err, snippet(line))
	}

	switch msg.Type {
	case "":
		return fmt.Errorf("%w: codex output without type: %s", agent.ErrMalformedBackendOutput, snippet(line))
	case "thread.started":
		if msg.ThreadID == "" {
			return fmt.Errorf("%w: codex thread.started without thread_id", agent.ErrMalformedBackendOutput)
		}
		if current, ok := t.p.SessionID(t.conv); !ok || current != msg.ThreadID {
			t.p.SetSessionID(t.conv, msg.ThreadID)
			t.p.logger.Debug("captured native session", "session_id", msg.ThreadID)
		}
		return t.em.Emit(events.SystemInfo(fmt.Sprintf("codex thread %s: model %s, cwd %s", msg.ThreadID, t.req.model.ID, t.req.workDir), ""))
	case "item.started", "item.updated", "item.completed":
		if msg.Item == nil {
			return fmt.Errorf("%w: codex %s without item", agent.ErrMalformedBackendOutput, msg.Type)
		}
		return t.item(msg.Type, *msg.Item)
	case "turn.completed":
		t.completed = true
		t.failure = ""
		if msg.Usage == nil {
			return nil
		}
		return t.em.Emit(t.usage(*msg.Usage))
	case "turn.failed":
		if msg.Error != nil {
			t.failure = msg.Error.Message
		}
		if t.failure == "" {
			t.failure = "turn failed"
		}
	case "error":
		// Transient notices such as reconnect attempts also arrive here; they
		// only matter if the turn never completes.
		t.failure = msg.Message
	}
	return nil
}

func (t *codexTranslator) item(phase string, it codexItem) error {
	done := phase == "item.completed"
	switch it.Type {
	case "agent_message":
		t.sawText = true
		if err := t.blocks.text(it.ID, "text", it.Text); err != nil {
			return err
		}
		if done {
			return t.blocks.close(it.ID)
		}
	case "reasoning":
		if err := t.blocks.text(it.ID, "thinking", it.Text); err != nil {
			return err
		}
		if done {
			return t.blocks.close(it.ID)
		}
	case "command_execution":
		if err := t.blocks.tool(it.ID, "bash", map[string]any{"command": it.Command}); err != nil {
			return err
		}
		if done {
			failed := it.Status == "failed" || (it.ExitCode != nil && *it.ExitCode != 0)
			return t.em.Emit(events.ToolResult(it.ID, it.AggregatedOutput, failed))
		}
	case "file_change":
		if err := t.blocks.tool(it.ID, "edit", map[string]any{"changes": it.Changes}); err != nil {
			return err
		}
		if done {
			return t.em.Emit(events.ToolResult(it.ID, summarizeChanges(it.Changes), it.Status == "failed"))
		}
	case "mcp_tool_call":
		name := it.Tool
		if it.Server != "" {
			name = it.Server + "." + it.Tool
		}
		if err := t.blocks.tool(it.ID, name, map[string]any{}); err != nil {
			return err
		}
		if done {
			return t.em.Emit(events.ToolResult(it.ID, it.Status, it.Status == "failed"))
		}
	case "web_search":
		if err := t.blocks.tool(it.ID, "web_search", map[string]any{"query": it.Query}); err != nil {
			return err
		}
		if done {
			return t.em.Emit(events.ToolResult(it.ID, "", false))
		}
	case "error":
		if done {
			t.p.logger.Warn("codex reported an error item", "message", it.Message)
		}
	}
	return nil
}

// usage reports a completed turn. Codex only reports per-turn totals, so the
// same figures serve as billing and context counters. Cached input is part of
// input_tokens and is split out here.
func (t *codexTranslator) usage(u codexUsage) events.Event {
	input := u.InputTokens - u.CachedInputTokens
	if input < 0 {
		input = 0
	}
	in := events.UsageInput{
		InputTokens:         events.Int(input),
		OutputTokens:        events.Int(u.OutputTokens),
		CacheCreationTokens: events.Int(0),
		CacheReadTokens:     events.Int(u.CachedInputTokens),
		ContextInputTokens:  events.Int(u.InputTokens),
		ContextOutputTokens: events.Int(u.OutputTokens),
	}
	if w := t.req.model.ContextWindow; w > 0 {
		in.ContextWindowSize = events.Int(w)
	}
	if cost, ok := t.req.model.Cost(input, u.OutputTokens, 0, u.CachedInputTokens); ok {
		in.Cost = events.Float(cost)
	}
	return events.Usage(in)
}

func (t *codexTranslator) finish() (events.Event, error) {
	if !t.completed {
		if t.failure != "" {
			return events.Event{}, fmt.Errorf("%w: codex: %s", agent.ErrProcessFailed, t.failure)
		}
		return events.Event{}, fmt.Errorf("%w: codex exited without completing the turn", agent.ErrMalformedBackendOutput)
	}
	if !t.sawText {
		if err := t.emitLastMessage(); err != nil {
			return events.Event{}, err
		}
	}
	return events.Done("end_turn"), nil
}

// emitLastMessage sends the final answer codex wrote to its output file when
// no agent_message item carried it. Slash commands report it as system info.
func (t *codexTranslator) emitLastMessage() error {
	if t.lastMessage == "" {
		return nil
	}
	raw, err := os.ReadFile(t.lastMessage)
	if err != nil || len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	text := strings.TrimSpace(string(raw))
	if t.req.command != "" {
		return t.em.Emit(events.SystemInfo(text, t.req.command))
	}
	idx := t.w.claim()
	for _, ev := range []events.Event{events.TextStart(idx), events.TextDelta(idx, text), events.TextStop(idx)} {
		if err := t.w.emit(ev); err != nil {
			return err
		}
	}
	return nil
}

// summarizeChanges renders a file_change item's changes as "kind path" lines.
func summarizeChanges(raw json.RawMessage) string {
	var changes []struct {
		Path string `json:"path"`
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &changes); err != nil {
		return string(raw)
	}
	lines := make([]string, 0, len(changes))
	for _, c := range changes {
		lines = append(lines, c.Kind+" "+c.Path)
	}
	return strings.Join(lines, "\n")
}
