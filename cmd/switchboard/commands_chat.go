package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/switchboard/internal/events"
	"github.com/haasonsaas/switchboard/internal/tools"
	"github.com/haasonsaas/switchboard/internal/usage"
)

type chatOptions struct {
	server       string
	conversation string
	provider     string
	model        string
	thinking     string
	cwd          string
	raw          bool
	showThinking bool
}

// buildChatCmd creates the "chat" command, a terminal client for a running
// server.
func buildChatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send one prompt to a running server and print the answer",
		Long: `Send one prompt to a running switchboard server and render the streamed
events. The prompt is read from stdin when no argument is given.

Pass --conversation to continue an earlier conversation; a new id is printed
otherwise. When stdout is not a terminal, or with --raw, the event frames are
printed as JSON lines instead.`,
		Example: `  switchboard chat "what does main.go do?"
  switchboard chat --provider codex-cli --conversation 3f2c... "and the tests?"
  git diff | switchboard chat --raw`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runChat(ctx, opts, prompt, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&opts.server, "server", "s", "http://127.0.0.1:8787", "Server base URL")
	cmd.Flags().StringVar(&opts.conversation, "conversation", "", "Conversation id to continue")
	cmd.Flags().StringVarP(&opts.provider, "provider", "p", "", "Provider name (default: the server's default)")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model id")
	cmd.Flags().StringVar(&opts.thinking, "thinking", "", "Thinking level: off, low, medium, high, max")
	cmd.Flags().StringVar(&opts.cwd, "cwd", "", "Working directory for the agent")
	cmd.Flags().BoolVar(&opts.raw, "raw", false, "Print raw event frames")
	cmd.Flags().BoolVar(&opts.showThinking, "show-thinking", false, "Print reasoning text")
	return cmd
}

func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("prompt is empty")
	}
	return prompt, nil
}

func runChat(ctx context.Context, opts chatOptions, prompt string, stdout, stderr io.Writer) error {
	conversation := opts.conversation
	if conversation == "" {
		conversation = uuid.NewString()
		fmt.Fprintf(stderr, "conversation: %s\n", conversation)
	}

	options := map[string]any{}
	if opts.model != "" {
		options["model"] = opts.model
	}
	if opts.thinking != "" {
		options["thinking_level"] = opts.thinking
	}
	if opts.cwd != "" {
		options["cwd"] = opts.cwd
	}
	body, err := json.Marshal(map[string]any{
		"prompt":   prompt,
		"provider": opts.provider,
		"options":  options,
	})
	if err != nil {
		return err
	}

	endpoint := strings.TrimRight(opts.server, "/") + "/api/conversations/" + url.PathEscape(conversation) + "/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", opts.server, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeHTTPError(resp)
	}

	raw := opts.raw || !isTerminal(stdout)
	t := newTranscript(stdout, stderr, opts.showThinking)
	return readStream(resp.Body, func(frame []byte) error {
		if raw {
			_, err := fmt.Fprintf(stdout, "%s\n", frame)
			return err
		}
		ev, err := events.Decode(frame)
		if err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		return t.Render(ev)
	})
}

func decodeHTTPError(resp *http.Response) error {
	var body struct {
		Detail string `json:"detail"`
		Code   string `json:"code"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Detail == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if body.Code != "" {
		return fmt.Errorf("server returned %s: %s (%s)", resp.Status, body.Detail, body.Code)
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, body.Detail)
}

// readStream calls fn with the payload of every data frame.
func readStream(r io.Reader, fn func([]byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		payload, ok := bytes.CutPrefix(line, []byte("data: "))
		if !ok {
			continue
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// transcript renders events for a person reading a terminal. Answer text
// goes to out; tool calls, status and usage go to status.
type transcript struct {
	out          io.Writer
	status       io.Writer
	showThinking bool

	tools   map[int]*pendingTool
	usage   *events.Snapshot
	midLine bool
}

type pendingTool struct {
	name  string
	input strings.Builder
}

func newTranscript(out, status io.Writer, showThinking bool) *transcript {
	return &transcript{
		out:          out,
		status:       status,
		showThinking: showThinking,
		tools:        make(map[int]*pendingTool),
	}
}

// Render prints one event. An error event is returned as an error.
func (t *transcript) Render(ev events.Event) error {
	idx, _ := ev.BlockIndex()
	switch ev.Type() {
	case events.TypeTextDelta:
		t.write(t.out, ev.Text())
	case events.TypeThinkingDelta:
		if t.showThinking {
			t.write(t.status, ev.Text())
		}
	case events.TypeThinkingStop:
		if t.showThinking {
			t.endLine(t.status)
		}
	case events.TypeToolUseStart:
		t.tools[idx] = &pendingTool{name: ev.MetaString(events.MetaToolName)}
	case events.TypeToolUseDelta:
		if p := t.tools[idx]; p != nil {
			p.input.WriteString(ev.Text())
		}
	case events.TypeToolUseStop:
		p := t.tools[idx]
		if p == nil {
			return nil
		}
		delete(t.tools, idx)
		t.endLine(t.out)
		fmt.Fprintln(t.status, tools.Describe(p.name, json.RawMessage(p.input.String())).String())
	case events.TypeToolResult:
		if isErr, _ := ev.Meta(events.MetaIsError); isErr == true {
			fmt.Fprintf(t.status, "  tool failed: %s\n", firstLine(ev.Text()))
		}
	case events.TypeSystemInfo:
		t.endLine(t.out)
		fmt.Fprintln(t.status, ev.Text())
	case events.TypeScreenCreated:
		fmt.Fprintf(t.status, "screen opened: %s\n", ev.MetaString(events.MetaScreenID))
	case events.TypeContextCompacted:
		fmt.Fprintln(t.status, "context compacted")
	case events.TypeUsage:
		if snap, ok := events.SnapshotOf(ev); ok {
			t.usage = &snap
		}
	case events.TypeDone:
		t.endLine(t.out)
		if t.usage != nil {
			fmt.Fprintln(t.status, usage.FormatSnapshot(*t.usage))
		}
	case events.TypeError:
		t.endLine(t.out)
		msg := ev.Text()
		if code := ev.MetaString(events.MetaCode); code != "" {
			msg += " (" + code + ")"
		}
		return errors.New(msg)
	}
	return nil
}

func (t *transcript) write(w io.Writer, s string) {
	if s == "" {
		return
	}
	io.WriteString(w, s)
	t.midLine = !strings.HasSuffix(s, "\n")
}

func (t *transcript) endLine(w io.Writer) {
	if t.midLine {
		io.WriteString(w, "\n")
		t.midLine = false
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
