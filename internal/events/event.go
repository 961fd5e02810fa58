// Package events defines the canonical event vocabulary every backend is
// normalized into.
//
// An Event is immutable once constructed. The only way to obtain one is through
// the constructors in this package (or Decode, when replaying a stored frame),
// each of which populates exactly the fields that are meaningful for its kind.
// Absent fields are omitted on the wire rather than serialized as null.
//
// Wire shape:
//
//	{"type":"text_delta","block_index":1,"content":"Hel","event_id":"evt_m2k9x1a0_3f9c0a1b2c4d"}
package events

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Type identifies the kind of a canonical event.
type Type string

const (
	TypeThinkingStart     Type = "thinking_start"
	TypeThinkingDelta     Type = "thinking_delta"
	TypeThinkingSignature Type = "thinking_signature"
	TypeThinkingStop      Type = "thinking_stop"

	TypeTextStart Type = "text_start"
	TypeTextDelta Type = "text_delta"
	TypeTextStop  Type = "text_stop"

	TypeToolUseStart Type = "tool_use_start"
	TypeToolUseDelta Type = "tool_use_delta"
	TypeToolUseStop  Type = "tool_use_stop"
	TypeToolResult   Type = "tool_result"

	TypeUsage Type = "usage"
	TypeDone  Type = "done"
	TypeError Type = "error"
	TypeDebug Type = "debug"

	TypeSystemInfo        Type = "system_info"
	TypeContextCompacted  Type = "context_compacted"
	TypeCompactionSummary Type = "compaction_summary"
	TypeScreenCreated     Type = "screen_created"
)

var knownTypes = map[Type]bool{
	TypeThinkingStart: true, TypeThinkingDelta: true, TypeThinkingSignature: true, TypeThinkingStop: true,
	TypeTextStart: true, TypeTextDelta: true, TypeTextStop: true,
	TypeToolUseStart: true, TypeToolUseDelta: true, TypeToolUseStop: true, TypeToolResult: true,
	TypeUsage: true, TypeDone: true, TypeError: true, TypeDebug: true,
	TypeSystemInfo: true, TypeContextCompacted: true, TypeCompactionSummary: true, TypeScreenCreated: true,
}

// Known reports whether t is part of the vocabulary this build understands.
// Consumers treat unknown types as opaque and skip them.
func (t Type) Known() bool {
	return knownTypes[t]
}

// Terminal reports whether t ends a stream.
func (t Type) Terminal() bool {
	return t == TypeDone || t == TypeError
}

// Metadata keys shared across constructors and providers.
const (
	MetaToolID     = "tool_id"
	MetaToolName   = "tool_name"
	MetaIsError    = "is_error"
	MetaStopReason = "stop_reason"
	MetaCode       = "code"
	MetaCommand    = "command"
	MetaTrigger    = "trigger"
	MetaPreTokens  = "pre_tokens"
	MetaScreenID   = "screen_id"
	MetaScreenType = "screen_type"
	MetaPanelSlug  = "panel_slug"
	MetaExitCode   = "exit_code"
	MetaStderr     = "stderr"
)

// Event is a single canonical protocol event.
type Event struct {
	typ        Type
	blockIndex *int
	content    *string
	metadata   map[string]any
	id         string
}

// Type returns the event kind.
func (e Event) Type() Type { return e.typ }

// ID returns the event identifier.
func (e Event) ID() string { return e.id }

// BlockIndex returns the content block this event belongs to, if any.
func (e Event) BlockIndex() (int, bool) {
	if e.blockIndex == nil {
		return 0, false
	}
	return *e.blockIndex, true
}

// Content returns the string payload, if any.
func (e Event) Content() (string, bool) {
	if e.content == nil {
		return "", false
	}
	return *e.content, true
}

// Text returns the content payload or the empty string.
func (e Event) Text() string {
	if e.content == nil {
		return ""
	}
	return *e.content
}

// Metadata returns a copy of the metadata map. It is nil when the event carries
// no metadata.
func (e Event) Metadata() map[string]any {
	if len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Meta returns a single metadata value.
func (e Event) Meta(key string) (any, bool) {
	v, ok := e.metadata[key]
	return v, ok
}

// MetaString returns a metadata value as a string.
func (e Event) MetaString(key string) string {
	if s, ok := e.metadata[key].(string); ok {
		return s
	}
	return ""
}

// MetaInt returns a numeric metadata value as an int. Values decoded from JSON
// arrive as float64 and are converted.
func (e Event) MetaInt(key string) (int, bool) {
	switch v := e.metadata[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// MetaFloat returns a numeric metadata value as a float64.
func (e Event) MetaFloat(key string) (float64, bool) {
	switch v := e.metadata[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// IsZero reports whether e was never constructed.
func (e Event) IsZero() bool { return e.typ == "" }

func (e Event) String() string {
	if idx, ok := e.BlockIndex(); ok {
		return fmt.Sprintf("%s[%d]", e.typ, idx)
	}
	return string(e.typ)
}

type wireEvent struct {
	Type       Type           `json:"type"`
	BlockIndex *int           `json:"block_index,omitempty"`
	Content    *string        `json:"content,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	EventID    string         `json:"event_id,omitempty"`
}

// MarshalJSON encodes only the fields that are present.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Type:       e.typ,
		BlockIndex: e.blockIndex,
		Content:    e.content,
		Metadata:   e.metadata,
		EventID:    e.id,
	})
}

// UnmarshalJSON decodes a wire frame. The event id is preserved as sent.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type == "" {
		return fmt.Errorf("event: missing type")
	}
	*e = Event{
		typ:        w.Type,
		blockIndex: w.BlockIndex,
		content:    w.Content,
		metadata:   compact(w.Metadata),
		id:         w.EventID,
	}
	return nil
}

// Decode replays a previously serialized event, keeping its original id.
// Unknown types decode successfully; check Type().Known().
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

func newEvent(typ Type) Event {
	return Event{typ: typ, id: NewID()}
}

func (e Event) withBlock(index int) Event {
	e.blockIndex = &index
	return e
}

func (e Event) withContent(s string) Event {
	e.content = &s
	return e
}

func (e Event) withMeta(m map[string]any) Event {
	e.metadata = compact(m)
	return e
}

// compact drops nil values so metadata never carries null placeholders.
// Non-nil pointers are dereferenced so callers can pass optional values directly.
func compact(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v, ok := deref(v); ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func deref(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case *int:
		if t == nil {
			return nil, false
		}
		return *t, true
	case *int64:
		if t == nil {
			return nil, false
		}
		return *t, true
	case *float64:
		if t == nil {
			return nil, false
		}
		return *t, true
	case *string:
		if t == nil {
			return nil, false
		}
		return *t, true
	case *bool:
		if t == nil {
			return nil, false
		}
		return *t, true
	case map[string]any:
		if t == nil {
			return nil, false
		}
	case []any:
		if t == nil {
			return nil, false
		}
	case []string:
		if t == nil {
			return nil, false
		}
	}
	return v, true
}
