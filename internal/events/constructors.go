package events

// ThinkingStart opens a reasoning block.
func ThinkingStart(blockIndex int) Event {
	return newEvent(TypeThinkingStart).withBlock(blockIndex)
}

// ThinkingDelta carries a fragment of reasoning text.
func ThinkingDelta(blockIndex int, delta string) Event {
	return newEvent(TypeThinkingDelta).withBlock(blockIndex).withContent(delta)
}

// ThinkingSignature carries the opaque verification token for a reasoning block.
func ThinkingSignature(blockIndex int, signature string) Event {
	return newEvent(TypeThinkingSignature).withBlock(blockIndex).withContent(signature)
}

// ThinkingStop closes a reasoning block.
func ThinkingStop(blockIndex int) Event {
	return newEvent(TypeThinkingStop).withBlock(blockIndex)
}

// TextStart opens a visible answer block.
func TextStart(blockIndex int) Event {
	return newEvent(TypeTextStart).withBlock(blockIndex)
}

// TextDelta carries a fragment of answer text.
func TextDelta(blockIndex int, delta string) Event {
	return newEvent(TypeTextDelta).withBlock(blockIndex).withContent(delta)
}

// TextStop closes a visible answer block.
func TextStop(blockIndex int) Event {
	return newEvent(TypeTextStop).withBlock(blockIndex)
}

// ToolUseStart opens a tool invocation block.
func ToolUseStart(blockIndex int, toolID, toolName string) Event {
	return newEvent(TypeToolUseStart).withBlock(blockIndex).withMeta(map[string]any{
		MetaToolID:   toolID,
		MetaToolName: toolName,
	})
}

// ToolUseDelta carries a fragment of the tool's JSON arguments. Fragments for
// one block are concatenated in arrival order.
func ToolUseDelta(blockIndex int, partialJSON string) Event {
	return newEvent(TypeToolUseDelta).withBlock(blockIndex).withContent(partialJSON)
}

// ToolUseStop closes a tool invocation block.
func ToolUseStop(blockIndex int) Event {
	return newEvent(TypeToolUseStop).withBlock(blockIndex)
}

// ToolResult carries the output of an executed tool. It is correlated by tool
// id, not by block index.
func ToolResult(toolID, content string, isError bool) Event {
	return newEvent(TypeToolResult).withContent(content).withMeta(map[string]any{
		MetaToolID:  toolID,
		MetaIsError: isError,
	})
}

// Done terminates a stream successfully.
func Done(stopReason string) Event {
	ev := newEvent(TypeDone)
	if stopReason != "" {
		ev = ev.withMeta(map[string]any{MetaStopReason: stopReason})
	}
	return ev
}

// Error terminates a stream with a failure.
func Error(message string) Event {
	return newEvent(TypeError).withContent(message)
}

// ErrorWithContext terminates a stream with a failure and diagnostic context
// (error code, exit status, captured stderr).
func ErrorWithContext(message string, context map[string]any) Event {
	return newEvent(TypeError).withContent(message).withMeta(context)
}

// Debug carries a diagnostic message. Transports drop it unless debug mode is on.
func Debug(message string, context map[string]any) Event {
	return newEvent(TypeDebug).withContent(message).withMeta(context)
}

// SystemInfo carries backend status text, optionally tagged with the slash
// command that produced it.
func SystemInfo(content, command string) Event {
	ev := newEvent(TypeSystemInfo).withContent(content)
	if command != "" {
		ev = ev.withMeta(map[string]any{MetaCommand: command})
	}
	return ev
}

// ContextCompacted notifies that the backend compressed its history. It
// precedes the CompactionSummary for the same occurrence.
func ContextCompacted(preTokens *int, trigger string) Event {
	meta := map[string]any{MetaPreTokens: preTokens}
	if trigger != "" {
		meta[MetaTrigger] = trigger
	}
	return newEvent(TypeContextCompacted).withMeta(meta)
}

// CompactionSummary carries the continuation text produced by a compaction.
func CompactionSummary(summary string, metadata map[string]any) Event {
	return newEvent(TypeCompactionSummary).withContent(summary).withMeta(metadata)
}

// ScreenCreated notifies that a UI surface was opened during an agent turn.
func ScreenCreated(screenID, screenType, panelSlug string) Event {
	meta := map[string]any{
		MetaScreenID:   screenID,
		MetaScreenType: screenType,
	}
	if panelSlug != "" {
		meta[MetaPanelSlug] = panelSlug
	}
	return newEvent(TypeScreenCreated).withMeta(meta)
}
