package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/events"
)

// DefaultCLIIdleTimeout is how long a CLI agent may print nothing before it is
// killed. Agents run tools between lines, so this is longer than the hosted
// default.
const DefaultCLIIdleTimeout = 10 * time.Minute

// CLIConfig configures a provider that drives a local agent CLI.
type CLIConfig struct {
	// Binary is the executable name or path.
	Binary string

	// ExtraArgs are appended to every invocation before the prompt.
	ExtraArgs []string

	// Env adds variables to the child environment.
	Env map[string]string

	// DefaultModel is used when a request names no model.
	DefaultModel string

	// Models replaces the built-in catalog when non-empty.
	Models []agent.Model

	// IdleTimeout kills a CLI that prints nothing for this long.
	// Default: 10 minutes. Negative disables the watchdog.
	IdleTimeout time.Duration

	// KillGrace is the delay between SIGTERM and SIGKILL on cancellation.
	KillGrace time.Duration

	// Paths confines the working directory.
	Paths agent.PathValidator

	// WorkDir is the working directory when a request does not set one.
	WorkDir string

	Logger *slog.Logger
}

// cliBase is the state shared by the CLI-backed providers.
type cliBase struct {
	name         string
	binary       string
	extraArgs    []string
	env          map[string]string
	catalog      agent.Catalog
	defaultModel string
	idleTimeout  time.Duration
	killGrace    time.Duration
	paths        agent.PathValidator
	workDir      string
	toolNames    map[string]string
	logger       *slog.Logger
}

func newCLIBase(name string, cfg CLIConfig, binary string, builtin []agent.Model, defaultModel string, toolNames map[string]string) cliBase {
	if cfg.Binary != "" {
		binary = cfg.Binary
	}
	models := cfg.Models
	if len(models) == 0 {
		models = builtin
	}
	if cfg.DefaultModel != "" {
		defaultModel = cfg.DefaultModel
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultCLIIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return cliBase{
		name:         name,
		binary:       binary,
		extraArgs:    cfg.ExtraArgs,
		env:          cfg.Env,
		catalog:      agent.NewCatalog(models...),
		defaultModel: defaultModel,
		idleTimeout:  cfg.IdleTimeout,
		killGrace:    cfg.KillGrace,
		paths:        cfg.Paths,
		workDir:      cfg.WorkDir,
		toolNames:    toolNames,
		logger:       logger.With("provider", name),
	}
}

// Type returns the provider identifier.
func (b *cliBase) Type() string { return b.name }

// Available reports whether the binary is on PATH.
func (b *cliBase) Available() bool {
	_, err := exec.LookPath(b.binary)
	return err == nil
}

// Models returns the provider's catalog.
func (b *cliBase) Models() agent.Catalog { return b.catalog }

// ContextWindow returns the window of modelID, or ErrUnknownModel.
func (b *cliBase) ContextWindow(modelID string) (int, error) {
	return b.catalog.ContextWindow(modelID)
}

// SessionID returns the native session stored on conv.
func (b *cliBase) SessionID(conv agent.Conversation) (string, bool) {
	if conv == nil {
		return "", false
	}
	id := conv.NativeSessionID()
	return id, id != ""
}

// SetSessionID records a native session on conv. Persisting it is up to the
// caller.
func (b *cliBase) SetSessionID(conv agent.Conversation, id string) {
	if conv == nil || id == "" {
		return
	}
	conv.SetNativeSessionID(id)
}

// BuildMessages renders prior turns as transcript lines. They are only sent
// when there is no native session to resume.
func (b *cliBase) BuildMessages(conv agent.Conversation) ([]string, error) {
	if conv == nil {
		return nil, nil
	}
	prior := conv.PriorMessages()
	lines := make([]string, 0, len(prior))
	for _, m := range prior {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case agent.RoleUser:
			lines = append(lines, "User: "+content)
		case agent.RoleAssistant:
			lines = append(lines, "Assistant: "+content)
		default:
			return nil, fmt.Errorf("conversation %s: unsupported role %q", conv.ID(), m.Role)
		}
	}
	return lines, nil
}

// cliRequest is everything a CLI stream resolves before it starts.
type cliRequest struct {
	model   agent.Model
	workDir string
	session string
	prompt  string
	command string
	tools   []string
}

// prepare resolves the request and composes the text sent on stdin. A request
// that resumes a native session sends only the new prompt.
func (b *cliBase) prepare(conv agent.Conversation, prompt string, opts agent.Options) (cliRequest, error) {
	if !b.Available() {
		return cliRequest{}, fmt.Errorf("%w: %s not found on PATH", agent.ErrProviderUnavailable, b.binary)
	}
	model, err := b.catalog.ResolveModel(opts.Model, b.defaultModel)
	if err != nil {
		return cliRequest{}, err
	}
	workDir, err := resolveWorkDir(b.paths, opts.Cwd, b.workDir)
	if err != nil {
		return cliRequest{}, err
	}
	tools, err := b.mapTools(opts.Tools)
	if err != nil {
		return cliRequest{}, err
	}

	req := cliRequest{model: model, workDir: workDir, prompt: prompt, tools: tools}
	req.command = slashCommand(prompt)
	if id, ok := b.SessionID(conv); ok {
		req.session = id
		return req, nil
	}
	if req.command != "" {
		return req, nil
	}
	lines, err := b.BuildMessages(conv)
	if err != nil {
		return cliRequest{}, err
	}
	if len(lines) > 0 {
		req.prompt = "Conversation so far:\n\n" + strings.Join(lines, "\n\n") + "\n\nUser: " + prompt
	}
	return req, nil
}

// mapTools translates registry tool names into the CLI's own tool names. Nil
// leaves the CLI defaults in place.
func (b *cliBase) mapTools(names []string) ([]string, error) {
	if names == nil {
		return nil, nil
	}
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		native, ok := b.toolNames[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", agent.ErrUnknownTool, name)
		}
		if native == "" || seen[native] {
			continue
		}
		seen[native] = true
		out = append(out, native)
	}
	sort.Strings(out)
	return out, nil
}

// invocation builds the process description for a request. env is merged
// over the configured environment.
func (b *cliBase) invocation(req cliRequest, args func(tmpDir string) []string, env map[string]string) cliInvocation {
	merged := make(map[string]string, len(b.env)+len(env))
	for k, v := range b.env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	return cliInvocation{
		binary:    b.binary,
		args:      args,
		dir:       req.workDir,
		env:       merged,
		stdin:     req.prompt,
		killGrace: b.killGrace,
	}
}

// cliTurn is the shared shape of one CLI run: start the process under an idle
// watchdog, feed every line to handle, then settle the terminal event.
type cliTurn struct {
	base   *cliBase
	em     *agent.Emitter
	req    cliRequest
	debug  bool
	handle func(line []byte) error
	// finish runs after a clean exit and returns the terminal event.
	finish func() (events.Event, error)
	// exitErr lets a provider report a better error than the bare exit
	// status, for example an error result it already parsed.
	exitErr func(err error) error
}

func (t *cliTurn) run(ctx context.Context, inv cliInvocation) {
	defer t.em.Close()
	b := t.base
	logger := b.logger.With("model", t.req.model.ID)

	runCtx, wd := agent.NewIdleWatchdog(ctx, b.idleTimeout, agent.ErrProcessTimedOut)
	defer wd.Stop()

	proc, err := startCLI(runCtx, inv, logger)
	if err != nil {
		failStream(runCtx, t.em, err, logger)
		return
	}
	defer proc.Close()

	if t.debug {
		if err := t.em.Emit(events.Debug("cli invocation", map[string]any{
			"binary": b.binary,
			"args":   proc.Args(),
			"cwd":    t.req.workDir,
		})); err != nil {
			failStream(runCtx, t.em, err, logger)
			return
		}
	}

	scanErr := proc.Lines(func(line []byte) error {
		wd.Touch()
		return t.handle(line)
	})
	if scanErr != nil {
		// Stop the process before reaping it; it may still be writing.
		proc.Close()
	}
	waitErr := proc.Wait()

	switch {
	case wd.Fired():
		err := fmt.Errorf("%w: no output from %s for %s", agent.ErrProcessTimedOut, b.binary, b.idleTimeout)
		logger.Warn("cli timed out", "error", err)
		t.em.Fail(err, nil)
		return
	case ctx.Err() != nil:
		failStream(ctx, t.em, context.Cause(ctx), logger)
		return
	case scanErr != nil:
		failStream(runCtx, t.em, scanErr, logger)
		return
	case waitErr != nil:
		if t.exitErr != nil {
			waitErr = t.exitErr(waitErr)
		}
		var meta map[string]any
		var exit *ProcessExitError
		if errors.As(waitErr, &exit) {
			meta = exit.Metadata()
		}
		logger.Warn("cli failed", "error", waitErr, "code", agent.ErrorCode(waitErr))
		t.em.Fail(waitErr, meta)
		return
	}

	terminal, err := t.finish()
	if err != nil {
		failStream(runCtx, t.em, err, logger)
		return
	}
	logger.Debug("cli stream complete")
	t.em.Finish(terminal)
}

// slashCommand returns the command name when prompt is a slash command.
func slashCommand(prompt string) string {
	p := strings.TrimSpace(prompt)
	if !strings.HasPrefix(p, "/") || len(p) < 2 {
		return ""
	}
	fields := strings.Fields(p)
	if strings.Contains(fields[0][1:], "/") {
		// An absolute path, not a command.
		return ""
	}
	return fields[0]
}

// cliBlocks tracks blocks synthesized from whole CLI items rather than from
// streamed block events.
type cliBlocks struct {
	w    *blockWriter
	open map[string]cliBlock
}

type cliBlock struct {
	index int
	kind  string
	sent  int
}

func newCLIBlocks(w *blockWriter) *cliBlocks {
	return &cliBlocks{w: w, open: make(map[string]cliBlock)}
}

// text streams the part of an item's text not yet sent. kind is "text" or
// "thinking". Items that grow are sent as deltas.
func (c *cliBlocks) text(id, kind, text string) error {
	blk, ok := c.open[id]
	if !ok {
		blk = cliBlock{index: c.w.claim(), kind: kind}
		start := events.TextStart(blk.index)
		if kind == "thinking" {
			start = events.ThinkingStart(blk.index)
		}
		if err := c.w.emit(start); err != nil {
			return err
		}
	}
	if blk.kind == "closed" {
		return nil
	}
	if len(text) > blk.sent {
		delta := text[blk.sent:]
		ev := events.TextDelta(blk.index, delta)
		if kind == "thinking" {
			ev = events.ThinkingDelta(blk.index, delta)
		}
		if err := c.w.emit(ev); err != nil {
			return err
		}
		blk.sent = len(text)
	}
	c.open[id] = blk
	return nil
}

// tool emits a complete tool_use block for an item once.
func (c *cliBlocks) tool(id, name string, input any) error {
	if _, ok := c.open[id]; ok {
		return nil
	}
	idx := c.w.claim()
	c.open[id] = cliBlock{index: idx, kind: "tool_use"}
	raw, err := jsonString(input)
	if err != nil {
		return err
	}
	if err := c.w.emit(events.ToolUseStart(idx, id, name)); err != nil {
		return err
	}
	if err := c.w.emit(events.ToolUseDelta(idx, raw)); err != nil {
		return err
	}
	return c.w.emit(events.ToolUseStop(idx))
}

// close ends an open text or thinking block.
func (c *cliBlocks) close(id string) error {
	blk, ok := c.open[id]
	if !ok || blk.kind == "tool_use" || blk.kind == "closed" {
		return nil
	}
	kind := blk.kind
	blk.kind = "closed"
	c.open[id] = blk
	if kind == "thinking" {
		return c.w.emit(events.ThinkingStop(blk.index))
	}
	return c.w.emit(events.TextStop(blk.index))
}

// has reports whether id has a block.
func (c *cliBlocks) has(id string) bool {
	_, ok := c.open[id]
	return ok
}

func jsonString(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: encode tool input: %v", agent.ErrMalformedBackendOutput, err)
	}
	return string(raw), nil
}
