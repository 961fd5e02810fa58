package events

import "math"

// Usage metadata keys.
const (
	MetaInputTokens         = "input_tokens"
	MetaOutputTokens        = "output_tokens"
	MetaCacheCreationTokens = "cache_creation_tokens"
	MetaCacheReadTokens     = "cache_read_tokens"
	MetaCost                = "cost"
	MetaContextInputTokens  = "context_input_tokens"
	MetaContextOutputTokens = "context_output_tokens"
	MetaContextWindowSize   = "context_window_size"
	MetaContextPercentage   = "context_percentage"
)

// UsageInput is the accounting a provider observed for one request. Nil fields
// were not reported by the backend and are left out of the event.
//
// The billing counters (InputTokens..Cost) are cumulative for the request. CLI
// agents run several internal turns per request, so those totals say nothing
// about how full the context window is. ContextInputTokens and
// ContextOutputTokens describe the most recent turn only and drive
// context_percentage.
type UsageInput struct {
	InputTokens         *int
	OutputTokens        *int
	CacheCreationTokens *int
	CacheReadTokens     *int
	Cost                *float64

	ContextInputTokens  *int
	ContextOutputTokens *int
	ContextWindowSize   *int
}

// Int returns a pointer to n, for populating UsageInput.
func Int(n int) *int { return &n }

// Float returns a pointer to f, for populating UsageInput.
func Float(f float64) *float64 { return &f }

// Usage builds a usage event. context_percentage is always derived here and
// never copied from upstream.
func Usage(in UsageInput) Event {
	meta := map[string]any{
		MetaInputTokens:         in.InputTokens,
		MetaOutputTokens:        in.OutputTokens,
		MetaCacheCreationTokens: in.CacheCreationTokens,
		MetaCacheReadTokens:     in.CacheReadTokens,
		MetaCost:                in.Cost,
		MetaContextInputTokens:  in.ContextInputTokens,
		MetaContextOutputTokens: in.ContextOutputTokens,
		MetaContextWindowSize:   in.ContextWindowSize,
	}
	if pct, ok := in.ContextPercentage(); ok {
		meta[MetaContextPercentage] = pct
	}
	return newEvent(TypeUsage).withMeta(meta)
}

// ContextPercentage derives how full the context window is. Per-turn counters
// win when either is present; the cumulative counters are the fallback.
func (in UsageInput) ContextPercentage() (float64, bool) {
	if in.ContextWindowSize == nil {
		return 0, false
	}
	var used, out int
	if in.ContextInputTokens != nil || in.ContextOutputTokens != nil {
		used, out = deint(in.ContextInputTokens), deint(in.ContextOutputTokens)
	} else {
		used, out = deint(in.InputTokens), deint(in.OutputTokens)
	}
	return ContextPercentage(used, out, *in.ContextWindowSize)
}

// ContextPercentage returns (input+output)/window as a percentage clamped to
// [0,100] and rounded to one decimal. ok is false when window is not positive.
func ContextPercentage(contextInput, contextOutput, window int) (float64, bool) {
	if window <= 0 {
		return 0, false
	}
	pct := float64(contextInput+contextOutput) / float64(window) * 100
	pct = math.Max(0, math.Min(100, pct))
	return math.Round(pct*10) / 10, true
}

// Snapshot is a typed view over a usage event's metadata.
type Snapshot struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
	Cost                float64
	ContextInputTokens  int
	ContextOutputTokens int
	ContextWindowSize   int
	ContextPercentage   float64
	HasContext          bool
}

// SnapshotOf reads a usage event. ok is false for other event types.
func SnapshotOf(e Event) (Snapshot, bool) {
	if e.Type() != TypeUsage {
		return Snapshot{}, false
	}
	var s Snapshot
	s.InputTokens, _ = e.MetaInt(MetaInputTokens)
	s.OutputTokens, _ = e.MetaInt(MetaOutputTokens)
	s.CacheCreationTokens, _ = e.MetaInt(MetaCacheCreationTokens)
	s.CacheReadTokens, _ = e.MetaInt(MetaCacheReadTokens)
	s.Cost, _ = e.MetaFloat(MetaCost)
	s.ContextInputTokens, _ = e.MetaInt(MetaContextInputTokens)
	s.ContextOutputTokens, _ = e.MetaInt(MetaContextOutputTokens)
	s.ContextWindowSize, _ = e.MetaInt(MetaContextWindowSize)
	s.ContextPercentage, s.HasContext = e.MetaFloat(MetaContextPercentage)
	return s, true
}

func deint(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
