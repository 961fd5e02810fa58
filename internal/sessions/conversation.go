// Package sessions stores conversations: committed turns, the backend's
// native session id and aggregated usage.
package sessions

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/events"
	"github.com/haasonsaas/switchboard/internal/usage"
)

// maxTurnsPerConversation bounds the turns kept in memory. Older turns are
// dropped first.
const maxTurnsPerConversation = 1000

// Record is the stored form of a conversation.
type Record struct {
	ID              string          `json:"id"`
	Turns           []agent.Message `json:"turns"`
	NativeSessionID string          `json:"native_session_id,omitempty"`
	NativeProvider  string          `json:"native_provider,omitempty"`
	Usage           usage.Summary   `json:"usage"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Conversation is the in-memory conversation the providers read and the
// stream observers update. It is safe for concurrent use.
type Conversation struct {
	mu  sync.RWMutex
	rec Record
}

// NewConversation starts an empty conversation. An empty id gets a
// generated one.
func NewConversation(id string) *Conversation {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return &Conversation{rec: Record{ID: id, CreatedAt: now, UpdatedAt: now}}
}

// FromRecord rebuilds a conversation from its stored form.
func FromRecord(r Record) *Conversation {
	return &Conversation{rec: cloneRecord(r)}
}

// ID returns the conversation id.
func (c *Conversation) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec.ID
}

// PriorMessages returns a copy of the committed turns.
func (c *Conversation) PriorMessages() []agent.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]agent.Message(nil), c.rec.Turns...)
}

// AppendTurn commits one turn.
func (c *Conversation) AppendTurn(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec.Turns = append(c.rec.Turns, agent.Message{Role: role, Content: content})
	if n := len(c.rec.Turns); n > maxTurnsPerConversation {
		c.rec.Turns = append([]agent.Message(nil), c.rec.Turns[n-maxTurnsPerConversation:]...)
	}
	c.rec.UpdatedAt = time.Now().UTC()
}

// NativeSessionID returns the backend session id regardless of which
// provider owns it. Use Bind to scope it to one provider.
func (c *Conversation) NativeSessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec.NativeSessionID
}

// SetNativeSessionID records id without an owning provider.
func (c *Conversation) SetNativeSessionID(id string) {
	c.setNative("", id)
}

func (c *Conversation) setNative(provider, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec.NativeSessionID = id
	c.rec.NativeProvider = provider
	c.rec.UpdatedAt = time.Now().UTC()
}

// ApplyUsage folds a usage event into the conversation's totals.
func (c *Conversation) ApplyUsage(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec.Usage.Apply(ev) {
		c.rec.UpdatedAt = time.Now().UTC()
	}
}

// Usage returns the aggregated usage.
func (c *Conversation) Usage() usage.Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneRecord(Record{Usage: c.rec.Usage}).Usage
}

// Record returns a copy of the stored form.
func (c *Conversation) Record() Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneRecord(c.rec)
}

// Bind scopes the native session to provider. The returned view reports no
// native session when another provider owns the stored one, so switching
// backends mid-conversation starts a fresh native session instead of
// resuming a foreign id.
func (c *Conversation) Bind(provider string) agent.Conversation {
	return &bound{Conversation: c, provider: provider}
}

type bound struct {
	*Conversation
	provider string
}

func (b *bound) NativeSessionID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.rec.NativeProvider != "" && b.rec.NativeProvider != b.provider {
		return ""
	}
	return b.rec.NativeSessionID
}

func (b *bound) SetNativeSessionID(id string) {
	b.setNative(b.provider, id)
}

func cloneRecord(r Record) Record {
	out := r
	out.Turns = append([]agent.Message(nil), r.Turns...)
	if r.Usage.Context != nil {
		c := *r.Usage.Context
		out.Usage.Context = &c
	}
	return out
}
