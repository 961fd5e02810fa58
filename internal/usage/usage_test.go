package usage

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/events"
)

func TestUsage_Add(t *testing.T) {
	u1 := &Usage{InputTokens: 100, OutputTokens: 200, Cost: 0.5, Turns: 1}
	u2 := &Usage{InputTokens: 50, OutputTokens: 75, CacheReadTokens: 10, Cost: 0.25, Turns: 1}

	u1.Add(u2)
	u1.Add(nil)

	want := Usage{InputTokens: 150, OutputTokens: 275, CacheReadTokens: 10, Cost: 0.75, Turns: 2}
	if *u1 != want {
		t.Errorf("Add = %+v, want %+v", *u1, want)
	}
	if u1.Total() != 435 {
		t.Errorf("Total() = %d, want 435", u1.Total())
	}
}

func usageEvent(in, out, cacheRead int, cost float64, ctxIn, ctxOut, window *int) events.Event {
	return events.Usage(events.UsageInput{
		InputTokens:         events.Int(in),
		OutputTokens:        events.Int(out),
		CacheReadTokens:     events.Int(cacheRead),
		Cost:                events.Float(cost),
		ContextInputTokens:  ctxIn,
		ContextOutputTokens: ctxOut,
		ContextWindowSize:   window,
	})
}

func TestSummaryApply(t *testing.T) {
	var s Summary
	if s.Apply(events.TextDelta(0, "hi")) {
		t.Fatal("text events are not usage")
	}

	s.Apply(usageEvent(1000, 200, 0, 0.01, events.Int(400), events.Int(100), events.Int(1000)))
	s.Apply(usageEvent(500, 100, 300, 0.02, nil, nil, nil))

	if s.Usage.InputTokens != 1500 || s.Usage.OutputTokens != 300 || s.Usage.CacheReadTokens != 300 || s.Usage.Turns != 2 {
		t.Fatalf("usage = %+v", s.Usage)
	}
	if d := s.Usage.Cost - 0.03; d > 1e-9 || d < -1e-9 {
		t.Fatalf("cost = %v", s.Usage.Cost)
	}
	// The second event has no window, so the first reading stays.
	if s.Context == nil || s.Context.Percentage != 50 || s.Context.InputTokens != 400 || s.Context.WindowSize != 1000 {
		t.Fatalf("context = %+v", s.Context)
	}

	s.Apply(usageEvent(100, 50, 0, 0, nil, nil, events.Int(200)))
	if s.Context.Percentage != 75 || s.Context.InputTokens != 100 || s.Context.OutputTokens != 50 {
		t.Fatalf("fallback context = %+v", s.Context)
	}
}

func TestTrackerObserver(t *testing.T) {
	tracker := NewTracker(TrackerConfig{})
	obs := tracker.Observer("anthropic", "claude-sonnet-4-5", "conv-1")

	obs.Observe(context.Background(), events.TextDelta(0, "ignored"))
	obs.Observe(context.Background(), usageEvent(100, 20, 0, 0.001, nil, nil, nil))
	obs.Observe(context.Background(), usageEvent(50, 10, 5, 0.002, nil, nil, nil))

	got, ok := tracker.Totals("anthropic", "claude-sonnet-4-5")
	if !ok {
		t.Fatal("expected totals")
	}
	if got.InputTokens != 150 || got.OutputTokens != 30 || got.CacheReadTokens != 5 || got.Turns != 2 {
		t.Fatalf("totals = %+v", got)
	}
	recent := tracker.Recent(0)
	if len(recent) != 2 || recent[0].ConversationID != "conv-1" {
		t.Fatalf("recent = %+v", recent)
	}
	if _, ok := tracker.Totals("openai", "gpt-4o"); ok {
		t.Fatal("unexpected totals")
	}
}

func TestTrackerRecentAndSummary(t *testing.T) {
	tracker := NewTracker(TrackerConfig{})
	for i := 0; i < 5; i++ {
		tracker.Record(Record{Provider: "p", Model: "m", Usage: Usage{InputTokens: int64(i)}})
	}
	tracker.Record(Record{Provider: "q", Model: "m", Usage: Usage{InputTokens: 7}})

	recent := tracker.Recent(3)
	if len(recent) != 3 || recent[0].Usage.InputTokens != 3 || recent[2].Provider != "q" {
		t.Fatalf("recent = %+v", recent)
	}
	summary := tracker.Summary()
	if len(summary) != 2 || summary["p:m"].InputTokens != 10 || summary["q:m"].InputTokens != 7 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestTrackerPruneOld(t *testing.T) {
	tracker := NewTracker(TrackerConfig{MaxAge: time.Minute, MaxCount: 2})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	tracker.Record(Record{Provider: "p", Model: "m", Timestamp: now.Add(-2 * time.Minute), Usage: Usage{InputTokens: 1}})
	tracker.Record(Record{Provider: "p", Model: "m", Usage: Usage{InputTokens: 2}})
	if got := tracker.Recent(0); len(got) != 1 || got[0].Usage.InputTokens != 2 {
		t.Fatalf("after age prune = %+v", got)
	}

	tracker.Record(Record{Provider: "p", Model: "m", Usage: Usage{InputTokens: 3}})
	tracker.Record(Record{Provider: "p", Model: "m", Usage: Usage{InputTokens: 4}})
	if got := tracker.Recent(0); len(got) != 2 || got[0].Usage.InputTokens != 3 {
		t.Fatalf("after count prune = %+v", got)
	}

	totals, _ := tracker.Totals("p", "m")
	if totals.InputTokens != 10 {
		t.Fatalf("totals must survive pruning: %+v", totals)
	}
}

func TestFormatTokenCount(t *testing.T) {
	tests := []struct {
		count int64
		want  string
	}{
		{0, "0"},
		{-10, "0"},
		{500, "500"},
		{1000, "1.0k"},
		{1500, "1.5k"},
		{10000, "10k"},
		{100000, "100k"},
		{1500000, "1.5m"},
	}
	for _, tt := range tests {
		if got := FormatTokenCount(tt.count); got != tt.want {
			t.Errorf("FormatTokenCount(%d) = %q, want %q", tt.count, got, tt.want)
		}
	}
}

func TestFormatUSD(t *testing.T) {
	tests := []struct {
		amount float64
		want   string
	}{
		{0, ""},
		{-1, ""},
		{0.001, "$0.0010"},
		{0.0123, "$0.01"},
		{1.5, "$1.50"},
	}
	for _, tt := range tests {
		if got := FormatUSD(tt.amount); got != tt.want {
			t.Errorf("FormatUSD(%v) = %q, want %q", tt.amount, got, tt.want)
		}
	}
}

func TestFormatPercentage(t *testing.T) {
	tests := []struct {
		value float64
		want  string
	}{
		{0.5, "0.50%"},
		{7.26, "7.3%"},
		{42, "42%"},
		{100, "100%"},
	}
	for _, tt := range tests {
		if got := FormatPercentage(tt.value); got != tt.want {
			t.Errorf("FormatPercentage(%v) = %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestFormatSnapshot(t *testing.T) {
	snap, _ := events.SnapshotOf(usageEvent(1200, 340, 5000, 0.0123, events.Int(84000), events.Int(0), events.Int(200000)))
	if got, want := FormatSnapshot(snap), "1.2k in, 340 out, 5.0k cached, $0.01, 42% context"; got != want {
		t.Fatalf("FormatSnapshot = %q, want %q", got, want)
	}
}

func TestFormatUsageDetailed(t *testing.T) {
	if got := FormatUsageDetailed(&Usage{InputTokens: 1000, OutputTokens: 500}); got != "1.5k (in: 1.0k, out: 500)" {
		t.Errorf("FormatUsageDetailed() = %q", got)
	}
	if FormatUsageDetailed(nil) != "No usage" {
		t.Error("nil usage detailed should format as 'No usage'")
	}
}
