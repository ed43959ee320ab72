package llm

import (
	"fmt"
	"strings"
)

// repairToolHistory enforces call/result pairing on replayed history.
// Conversation edits can trim either half of a pair, and backends reject
// the mismatch with a 400. A call whose result is gone is rewritten as an
// inline note so the model keeps the context of what it attempted; a
// result whose call is gone is dropped. The input slice and its messages
// are left untouched.
func repairToolHistory(messages []Message) []Message {
	if len(messages) == 0 {
		return nil
	}

	// A call and a result pair up only when the result appears after the
	// call; each pairing consumes one instance of the ID on both sides.
	paired := countPairedCalls(messages)
	callQuota := make(map[string]int, len(paired))
	resultQuota := make(map[string]int, len(paired))
	for id, n := range paired {
		callQuota[id] = n
		resultQuota[id] = n
	}

	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		var rebuilt Message
		switch msg.Role {
		case RoleAssistant:
			rebuilt = repairAssistantTurn(msg, callQuota)
		case RoleTool:
			rebuilt = repairToolTurn(msg, resultQuota)
		default:
			out = append(out, msg)
			continue
		}
		if len(rebuilt.Parts) > 0 {
			out = append(out, rebuilt)
		}
	}
	return out
}

// countPairedCalls walks the history once and counts, per call ID, how
// many call instances have a result instance arriving later.
func countPairedCalls(messages []Message) map[string]int {
	open := make(map[string]int)
	paired := make(map[string]int)
	for _, msg := range messages {
		for _, part := range msg.Parts {
			switch {
			case msg.Role == RoleAssistant && part.Type == PartToolCall:
				if id := callPartID(part); id != "" {
					open[id]++
				}
			case msg.Role == RoleTool && part.Type == PartToolResult:
				if part.ToolResult == nil {
					continue
				}
				id := strings.TrimSpace(part.ToolResult.ID)
				if id != "" && open[id] > 0 {
					open[id]--
					paired[id]++
				}
			}
		}
	}
	return paired
}

// repairAssistantTurn keeps tool-call parts while their pairing quota
// lasts and rewrites the rest as inline interruption notes.
func repairAssistantTurn(msg Message, callQuota map[string]int) Message {
	parts := make([]Part, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		if part.Type != PartToolCall {
			parts = append(parts, part)
			continue
		}
		if part.ToolCall == nil {
			continue
		}
		id := callPartID(part)
		if id != "" && callQuota[id] > 0 {
			callQuota[id]--
			parts = append(parts, part)
			continue
		}
		parts = append(parts, Part{
			Type: PartText,
			Text: fmt.Sprintf("(tool call %s interrupted before its result arrived; id %s, arguments %s)",
				part.ToolCall.Name, part.ToolCall.ID, string(part.ToolCall.Arguments)),
		})
	}
	return Message{Role: msg.Role, Parts: parts}
}

// repairToolTurn keeps result parts while their pairing quota lasts and
// drops orphans.
func repairToolTurn(msg Message, resultQuota map[string]int) Message {
	parts := make([]Part, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		if part.Type != PartToolResult {
			parts = append(parts, part)
			continue
		}
		if part.ToolResult == nil {
			continue
		}
		id := strings.TrimSpace(part.ToolResult.ID)
		if id == "" || resultQuota[id] == 0 {
			continue
		}
		resultQuota[id]--
		parts = append(parts, part)
	}
	return Message{Role: msg.Role, Parts: parts}
}

func callPartID(part Part) string {
	if part.ToolCall == nil {
		return ""
	}
	return strings.TrimSpace(part.ToolCall.ID)
}
