package sessions

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Store persists conversations.
type Store interface {
	// Get loads a conversation. A missing id returns ErrNotFound.
	Get(ctx context.Context, id string) (*Conversation, error)

	// Save writes the conversation's current state.
	Save(ctx context.Context, c *Conversation) error

	// List returns stored conversations, most recently updated first.
	List(ctx context.Context, opts ListOptions) ([]Record, error)
}

// ListOptions configures conversation listing.
type ListOptions struct {
	Limit  int
	Offset int
}

// GetOrCreate loads id, or starts a new conversation when it does not exist.
// The new conversation is not saved.
func GetOrCreate(ctx context.Context, s Store, id string) (*Conversation, error) {
	c, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return NewConversation(id), nil
	}
	return c, err
}
