package agent

import (
	"context"
	"fmt"
	"sort"

	"github.com/haasonsaas/switchboard/internal/events"
)

// Provider is the contract every backend satisfies.
//
// Implementations translate a conversation plus a new prompt into one stream of
// canonical events. Hosted providers (Anthropic, OpenAI) call a vendor HTTP API;
// CLI providers (Claude Code, Codex) drive a local agent process and parse its
// line-delimited JSON output.
//
// Stream contract:
//   - Configuration problems (ErrProviderUnavailable, ErrUnknownModel,
//     ErrPathRejected, ErrUnknownTool) are returned as an error and no channel
//     is created.
//   - Once a channel is returned, every failure is delivered as exactly one
//     error event, after which the channel is closed.
//   - A successful stream ends with exactly one done event.
//   - Cancelling ctx stops upstream work; the channel is closed promptly and
//     may end without a terminal event.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Each Stream call owns its
// own goroutine and upstream connection or process.
type Provider interface {
	// Type returns the provider identifier used in configuration and requests.
	Type() string

	// Available reports whether the provider can be used right now.
	Available() bool

	// Models returns the catalog of models the provider can serve.
	Models() Catalog

	// ContextWindow returns the context window size of a model in tokens.
	ContextWindow(modelID string) (int, error)

	// Stream sends prompt in the context of conv and returns the event stream.
	Stream(ctx context.Context, conv Conversation, prompt string, opts Options) (<-chan events.Event, error)
}

// MessageBuilder converts a conversation into the backend-specific message
// form. Each provider instantiates it with its own message type.
type MessageBuilder[M any] interface {
	BuildMessages(conv Conversation) ([]M, error)
}

// NativeSessionProvider is implemented by backends that keep their own
// session state, such as CLI agents that can resume a previous run.
//
// When a native session id is present the provider resumes it and sends only
// the new prompt. The id is only ever set in memory; persisting it is the
// caller's job.
type NativeSessionProvider interface {
	Provider

	// SessionID returns the native session id stored on conv, if any.
	SessionID(conv Conversation) (string, bool)

	// SetSessionID records a native session id on conv.
	SetSessionID(conv Conversation, id string)
}

// Conversation is the read/write view of a chat that providers need.
type Conversation interface {
	// ID returns the conversation identifier.
	ID() string

	// PriorMessages returns the committed turns in chronological order.
	PriorMessages() []Message

	// NativeSessionID returns the backend session id, or "".
	NativeSessionID() string

	// SetNativeSessionID records the backend session id in memory.
	SetNativeSessionID(id string)
}

// Role values for Message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one committed conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Model describes one entry in a provider catalog. Prices are USD per million
// tokens; zero means unknown.
type Model struct {
	ID                     string  `json:"id" yaml:"id"`
	DisplayName            string  `json:"display_name,omitempty" yaml:"display_name"`
	ContextWindow          int     `json:"context_window" yaml:"context_window"`
	MaxOutputTokens        int     `json:"max_output_tokens,omitempty" yaml:"max_output_tokens"`
	InputPricePerMTok      float64 `json:"input_price_per_mtok,omitempty" yaml:"input_price_per_mtok"`
	OutputPricePerMTok     float64 `json:"output_price_per_mtok,omitempty" yaml:"output_price_per_mtok"`
	CacheWritePricePerMTok float64 `json:"cache_write_price_per_mtok,omitempty" yaml:"cache_write_price_per_mtok"`
	CacheReadPricePerMTok  float64 `json:"cache_read_price_per_mtok,omitempty" yaml:"cache_read_price_per_mtok"`
}

// Cost prices a request against the model's rates. ok is false when the model
// has no pricing.
func (m Model) Cost(input, output, cacheWrite, cacheRead int) (float64, bool) {
	if m.InputPricePerMTok == 0 && m.OutputPricePerMTok == 0 {
		return 0, false
	}
	const perMillion = 1_000_000.0
	cost := float64(input)*m.InputPricePerMTok/perMillion +
		float64(output)*m.OutputPricePerMTok/perMillion +
		float64(cacheWrite)*m.CacheWritePricePerMTok/perMillion +
		float64(cacheRead)*m.CacheReadPricePerMTok/perMillion
	return cost, true
}

// Catalog maps model ids to their descriptions.
type Catalog map[string]Model

// NewCatalog builds a catalog from a list of models.
func NewCatalog(models ...Model) Catalog {
	c := make(Catalog, len(models))
	for _, m := range models {
		c[m.ID] = m
	}
	return c
}

// Lookup returns the model with id, or ErrUnknownModel.
func (c Catalog) Lookup(id string) (Model, error) {
	m, ok := c[id]
	if !ok {
		return Model{}, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return m, nil
}

// ContextWindow returns the window of model id, or ErrUnknownModel.
func (c Catalog) ContextWindow(id string) (int, error) {
	m, err := c.Lookup(id)
	if err != nil {
		return 0, err
	}
	return m.ContextWindow, nil
}

// Sorted returns the models ordered by id.
func (c Catalog) Sorted() []Model {
	out := make([]Model, 0, len(c))
	for _, m := range c {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveModel picks the model for a request: the requested id when set,
// otherwise fallback. Either way the id must be in the catalog.
func (c Catalog) ResolveModel(requested, fallback string) (Model, error) {
	id := requested
	if id == "" {
		id = fallback
	}
	return c.Lookup(id)
}
