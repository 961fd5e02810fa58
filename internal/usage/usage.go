// Package usage aggregates token usage and cost from usage events.
package usage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/events"
)

// Usage is a running token and cost total.
type Usage struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64   `json:"cache_write_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
	Turns            int     `json:"turns"`
}

// Total returns the total token count.
func (u *Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Add adds another usage record to this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
	u.Cost += other.Cost
	u.Turns += other.Turns
}

// FromSnapshot converts one usage event into a single-turn Usage.
func FromSnapshot(s events.Snapshot) Usage {
	return Usage{
		InputTokens:      int64(s.InputTokens),
		OutputTokens:     int64(s.OutputTokens),
		CacheReadTokens:  int64(s.CacheReadTokens),
		CacheWriteTokens: int64(s.CacheCreationTokens),
		Cost:             s.Cost,
		Turns:            1,
	}
}

// Context is the most recent context-window reading of a conversation.
// Unlike Usage it is replaced, not summed.
type Context struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	WindowSize   int     `json:"window_size"`
	Percentage   float64 `json:"percentage"`
}

// ContextFromSnapshot returns the context reading of s, if it has one.
func ContextFromSnapshot(s events.Snapshot) (Context, bool) {
	if !s.HasContext {
		return Context{}, false
	}
	c := Context{
		InputTokens:  s.ContextInputTokens,
		OutputTokens: s.ContextOutputTokens,
		WindowSize:   s.ContextWindowSize,
		Percentage:   s.ContextPercentage,
	}
	if c.InputTokens == 0 && c.OutputTokens == 0 {
		c.InputTokens, c.OutputTokens = s.InputTokens, s.OutputTokens
	}
	return c, true
}

// Summary is a conversation's aggregated usage plus its latest context
// reading.
type Summary struct {
	Usage   Usage    `json:"usage"`
	Context *Context `json:"context,omitempty"`
}

// Apply folds one usage event into the summary. Other events are ignored.
func (s *Summary) Apply(ev events.Event) bool {
	snap, ok := events.SnapshotOf(ev)
	if !ok {
		return false
	}
	u := FromSnapshot(snap)
	s.Usage.Add(&u)
	if c, ok := ContextFromSnapshot(snap); ok {
		s.Context = &c
	}
	return true
}

// Record is one turn's usage.
type Record struct {
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Usage          Usage     `json:"usage"`
	Timestamp      time.Time `json:"timestamp"`
}

// Tracker keeps process-wide usage by provider and model plus a bounded
// window of recent records. It is safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	records  []Record
	totals   map[string]*Usage // keyed by "provider:model"
	maxAge   time.Duration
	maxCount int
	now      func() time.Time
}

// TrackerConfig configures the usage tracker.
type TrackerConfig struct {
	MaxAge   time.Duration
	MaxCount int
}

// NewTracker creates a new usage tracker.
func NewTracker(config TrackerConfig) *Tracker {
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.MaxCount <= 0 {
		config.MaxCount = 10000
	}
	return &Tracker{
		totals:   make(map[string]*Usage),
		maxAge:   config.MaxAge,
		maxCount: config.MaxCount,
		now:      time.Now,
	}
}

// Record adds a usage record.
func (t *Tracker) Record(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.Timestamp.IsZero() {
		r.Timestamp = t.now()
	}
	t.records = append(t.records, r)

	key := r.Provider + ":" + r.Model
	if t.totals[key] == nil {
		t.totals[key] = &Usage{}
	}
	t.totals[key].Add(&r.Usage)

	t.pruneOld()
}

// Observer returns a stream observer that records each usage event of one
// request.
func (t *Tracker) Observer(provider, model, conversationID string) agent.Observer {
	return agent.ObserverFunc(func(_ context.Context, ev events.Event) {
		snap, ok := events.SnapshotOf(ev)
		if !ok {
			return
		}
		t.Record(Record{
			Provider:       provider,
			Model:          model,
			ConversationID: conversationID,
			Usage:          FromSnapshot(snap),
		})
	})
}

// pruneOld removes records older than maxAge and beyond maxCount. Totals
// are kept.
func (t *Tracker) pruneOld() {
	cutoff := t.now().Add(-t.maxAge)
	start := sort.Search(len(t.records), func(i int) bool {
		return t.records[i].Timestamp.After(cutoff)
	})
	if start > 0 {
		t.records = t.records[start:]
	}
	if len(t.records) > t.maxCount {
		t.records = t.records[len(t.records)-t.maxCount:]
	}
}

// Totals returns usage totals for a provider and model.
func (t *Tracker) Totals(provider, model string) (Usage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.totals[provider+":"+model]
	if !ok {
		return Usage{}, false
	}
	return *u, true
}

// Recent returns up to limit of the most recent records, oldest first.
func (t *Tracker) Recent(limit int) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if limit <= 0 || limit > len(t.records) {
		limit = len(t.records)
	}
	out := make([]Record, limit)
	copy(out, t.records[len(t.records)-limit:])
	return out
}

// Summary returns a copy of every provider:model total.
func (t *Tracker) Summary() map[string]Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Usage, len(t.totals))
	for k, v := range t.totals {
		out[k] = *v
	}
	return out
}

// FormatTokenCount formats a token count for display.
func FormatTokenCount(count int64) string {
	if count <= 0 {
		return "0"
	}
	if count >= 1_000_000 {
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	}
	if count >= 10_000 {
		return fmt.Sprintf("%dk", count/1_000)
	}
	if count >= 1_000 {
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	}
	return fmt.Sprintf("%d", count)
}

// FormatUSD formats a dollar amount for display.
func FormatUSD(amount float64) string {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ""
	}
	if amount >= 0.01 {
		return fmt.Sprintf("$%.2f", amount)
	}
	return fmt.Sprintf("$%.4f", amount)
}

// FormatPercentage formats a context-window percentage with more precision
// for small values, for example "0.42%", "7.5%" or "63%".
func FormatPercentage(pct float64) string {
	switch {
	case pct < 1:
		return fmt.Sprintf("%.2f%%", pct)
	case pct < 10:
		return fmt.Sprintf("%.1f%%", pct)
	default:
		return fmt.Sprintf("%.0f%%", pct)
	}
}

// FormatSnapshot renders a usage event as a one-line status, for example
// "1.2k in, 340 out, $0.0123, 42% context".
func FormatSnapshot(s events.Snapshot) string {
	parts := []string{
		FormatTokenCount(int64(s.InputTokens)) + " in",
		FormatTokenCount(int64(s.OutputTokens)) + " out",
	}
	if s.CacheReadTokens > 0 {
		parts = append(parts, FormatTokenCount(int64(s.CacheReadTokens))+" cached")
	}
	if cost := FormatUSD(s.Cost); cost != "" {
		parts = append(parts, cost)
	}
	if s.HasContext {
		parts = append(parts, FormatPercentage(s.ContextPercentage)+" context")
	}
	return strings.Join(parts, ", ")
}

// FormatUsageDetailed formats usage with breakdown.
func FormatUsageDetailed(usage *Usage) string {
	if usage == nil {
		return "No usage"
	}
	var parts []string
	if usage.InputTokens > 0 {
		parts = append(parts, "in: "+FormatTokenCount(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		parts = append(parts, "out: "+FormatTokenCount(usage.OutputTokens))
	}
	if usage.CacheReadTokens > 0 {
		parts = append(parts, "cache-r: "+FormatTokenCount(usage.CacheReadTokens))
	}
	if usage.CacheWriteTokens > 0 {
		parts = append(parts, "cache-w: "+FormatTokenCount(usage.CacheWriteTokens))
	}
	if len(parts) == 0 {
		return "0 tokens"
	}
	out := fmt.Sprintf("%s (%s)", FormatTokenCount(usage.Total()), strings.Join(parts, ", "))
	if cost := FormatUSD(usage.Cost); cost != "" {
		out += " " + cost
	}
	return out
}
