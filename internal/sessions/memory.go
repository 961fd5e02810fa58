package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore keeps conversations in memory, for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return FromRecord(r), nil
}

func (m *MemoryStore) Save(ctx context.Context, c *Conversation) error {
	if c == nil {
		return errors.New("conversation is required")
	}
	r := c.Record()
	m.mu.Lock()
	m.records[r.ID] = r
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, cloneRecord(r))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return page(out, opts), nil
}

func page(records []Record, opts ListOptions) []Record {
	if opts.Offset > 0 {
		if opts.Offset >= len(records) {
			return []Record{}
		}
		records = records[opts.Offset:]
	}
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[:opts.Limit]
	}
	return records
}
