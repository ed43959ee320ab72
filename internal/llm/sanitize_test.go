package llm

import (
	"strings"
	"testing"
)

func assistantWithCall(text, callID, name, args string) Message {
	msg := Message{Role: RoleAssistant}
	if text != "" {
		msg.Parts = append(msg.Parts, Part{Type: PartText, Text: text})
	}
	msg.Parts = append(msg.Parts, Part{Type: PartToolCall, ToolCall: &ToolCall{
		ID:        callID,
		Name:      name,
		Arguments: []byte(args),
	}})
	return msg
}

func TestRepairToolHistory_MatchedPairSurvives(t *testing.T) {
	messages := []Message{
		UserText("list the files"),
		assistantWithCall("", "call-1", "list_files", `{"path":"."}`),
		ToolResultMessage("call-1", "list_files", "a.go b.go", nil),
		AssistantText("two files"),
	}

	out := repairToolHistory(messages)
	if len(out) != 4 {
		t.Fatalf("matched history must be unchanged, got %d messages", len(out))
	}
	if out[1].Parts[0].Type != PartToolCall {
		t.Error("tool call must survive when its result is present")
	}
}

func TestRepairToolHistory_DanglingCallBecomesText(t *testing.T) {
	// The result was trimmed out of history; the call must turn into an
	// inline note instead of tripping a backend 400.
	messages := []Message{
		UserText("list the files"),
		assistantWithCall("working on it", "call-1", "list_files", `{"path":"."}`),
		UserText("never mind"),
	}

	out := repairToolHistory(messages)
	assistant := out[1]
	for _, part := range assistant.Parts {
		if part.Type == PartToolCall {
			t.Fatal("dangling call must not survive as a tool call part")
		}
	}
	var note string
	for _, part := range assistant.Parts {
		if strings.Contains(part.Text, "call-1") {
			note = part.Text
		}
	}
	if note == "" {
		t.Fatal("expected an inline note naming the interrupted call")
	}
	if !strings.Contains(note, "list_files") {
		t.Errorf("note must include the tool name, got %q", note)
	}
}

func TestRepairToolHistory_OrphanResultDropped(t *testing.T) {
	messages := []Message{
		UserText("hello"),
		ToolResultMessage("call-ghost", "list_files", "stale", nil),
		AssistantText("hi"),
	}

	out := repairToolHistory(messages)
	for _, msg := range out {
		if msg.Role == RoleTool {
			t.Fatal("orphan tool result must be dropped")
		}
	}
	if len(out) != 2 {
		t.Errorf("expected 2 messages, got %d", len(out))
	}
}

func TestRepairToolHistory_ResultBeforeCallIsOrphan(t *testing.T) {
	// Pairing is order sensitive: a result that precedes its call matches
	// nothing, so the result is dropped and the call becomes a note.
	messages := []Message{
		ToolResultMessage("call-1", "list_files", "early", nil),
		assistantWithCall("", "call-1", "list_files", `{}`),
	}

	out := repairToolHistory(messages)
	for _, msg := range out {
		if msg.Role == RoleTool {
			t.Error("out-of-order result must be dropped")
		}
		for _, part := range msg.Parts {
			if part.Type == PartToolCall {
				t.Error("unpaired call must be rewritten as text")
			}
		}
	}
}

func TestRepairToolHistory_DoesNotMutateInput(t *testing.T) {
	original := assistantWithCall("", "call-1", "edit", `{"x":1}`)
	messages := []Message{UserText("go"), original, UserText("stop")}

	repairToolHistory(messages)

	if original.Parts[0].Type != PartToolCall {
		t.Error("input message was mutated")
	}
	if string(original.Parts[0].ToolCall.Arguments) != `{"x":1}` {
		t.Error("input arguments were mutated")
	}
}
