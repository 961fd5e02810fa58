package agent

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is an ordinal effort setting from 0 (off/default) to 4 (maximum).
type Level int

// Level bounds.
const (
	LevelOff Level = 0
	LevelMax Level = 4
)

var levelNames = map[string]Level{
	"off":    0,
	"none":   0,
	"low":    1,
	"medium": 2,
	"high":   3,
	"max":    4,
}

// thinkingBudgets maps a thinking level to a reasoning token budget.
var thinkingBudgets = [...]int{0, 4096, 10000, 24000, 48000}

// responseTokens maps a response level to a max output token limit. Zero keeps
// the provider default.
var responseTokens = [...]int{0, 1024, 4096, 8192, 16384}

// ThinkingBudget returns the reasoning token budget for l. Zero disables
// extended reasoning.
func (l Level) ThinkingBudget() int {
	return thinkingBudgets[l.clamp()]
}

// MaxTokens returns the output token limit for l, or 0 for the provider default.
func (l Level) MaxTokens() int {
	return responseTokens[l.clamp()]
}

// ReasoningEffort maps l onto the low/medium/high scale used by OpenAI-style
// backends. It returns "" when reasoning is off.
func (l Level) ReasoningEffort() string {
	switch l.clamp() {
	case 0:
		return ""
	case 1:
		return "low"
	case 2:
		return "medium"
	default:
		return "high"
	}
}

func (l Level) clamp() Level {
	if l < LevelOff {
		return LevelOff
	}
	if l > LevelMax {
		return LevelMax
	}
	return l
}

// Options are the per-request knobs a client may send with a prompt.
type Options struct {
	// ThinkingLevel controls extended reasoning.
	ThinkingLevel Level

	// ResponseLevel controls the output length limit.
	ResponseLevel Level

	// Model overrides the provider's default model.
	Model string

	// Tools lists the tool names enabled for this request. Nil means all
	// registered tools.
	Tools []string

	// Cwd is the working directory for tools and CLI agents.
	Cwd string

	// System is an optional system prompt for hosted providers.
	System string

	// Debug forwards diagnostic events to the client.
	Debug bool
}

// ParseOptions reads options from a decoded JSON object. Unknown keys are
// ignored so older servers accept newer clients. Values of the wrong type are
// rejected.
func ParseOptions(raw map[string]any) (Options, error) {
	var opts Options
	for key, value := range raw {
		var err error
		switch key {
		case "thinking_level", "thinkingLevel":
			opts.ThinkingLevel, err = parseLevel(value)
		case "response_level", "responseLevel":
			opts.ResponseLevel, err = parseLevel(value)
		case "model":
			opts.Model, err = asString(value)
		case "cwd":
			opts.Cwd, err = asString(value)
		case "system":
			opts.System, err = asString(value)
		case "debug":
			b, ok := value.(bool)
			if !ok {
				err = fmt.Errorf("expected boolean")
			}
			opts.Debug = b
		case "tools":
			opts.Tools, err = asStrings(value)
		default:
			continue
		}
		if err != nil {
			return Options{}, fmt.Errorf("option %q: %w", key, err)
		}
	}
	return opts, nil
}

func parseLevel(v any) (Level, error) {
	switch t := v.(type) {
	case nil:
		return LevelOff, nil
	case float64:
		return Level(t).clamp(), nil
	case int:
		return Level(t).clamp(), nil
	case string:
		if l, ok := levelNames[strings.ToLower(strings.TrimSpace(t))]; ok {
			return l, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("unknown level %q", t)
		}
		return Level(n).clamp(), nil
	default:
		return 0, fmt.Errorf("unsupported level type %T", v)
	}
}

func asString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func asStrings(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string list, got %T element", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string list, got %T", v)
	}
}
