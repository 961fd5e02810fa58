// Package screens tracks UI surfaces agents open during a turn.
package screens

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Screen is a surface an agent opened.
type Screen struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	PanelSlug      string    `json:"panel_slug,omitempty"`
	Title          string    `json:"title,omitempty"`
	Content        string    `json:"content,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Registry is an in-memory screen store safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	screens map[string]Screen
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{screens: make(map[string]Screen), now: time.Now}
}

// Open stores s with a fresh id and creation time and returns the stored copy.
func (r *Registry) Open(s Screen) Screen {
	s.ID = "scr_" + uuid.NewString()
	s.CreatedAt = r.now().UTC()
	r.mu.Lock()
	r.screens[s.ID] = s
	r.mu.Unlock()
	return s
}

// Get returns the screen with id.
func (r *Registry) Get(id string) (Screen, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.screens[id]
	return s, ok
}

// List returns screens oldest first, optionally limited to one conversation.
func (r *Registry) List(conversationID string) []Screen {
	r.mu.RLock()
	out := make([]Screen, 0, len(r.screens))
	for _, s := range r.screens {
		if conversationID == "" || s.ConversationID == conversationID {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
