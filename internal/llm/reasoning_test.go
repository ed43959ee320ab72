package llm

import (
	"testing"
)

func TestReasoningAccumulator_ConcatAndIdentity(t *testing.T) {
	acc := newReasoningAccumulator()

	chunk, visible := acc.Add("rs_1", "reasoning.text", "", "", "First ", "", "", 0)
	if !visible {
		t.Fatal("text fragment should be visible")
	}
	if chunk.Text != "First " || chunk.ReasoningItemID != "rs_1" {
		t.Errorf("unexpected chunk %+v", chunk)
	}

	// Signature arrives on a later fragment and must win.
	acc.Add("rs_1", "reasoning.text", "", "sig-late", "second", "", "", 0)

	details := acc.Details()
	if len(details) != 1 {
		t.Fatalf("expected one detail, got %d", len(details))
	}
	if got := details[0].text.String(); got != "First second" {
		t.Errorf("text must concatenate, got %q", got)
	}
	if details[0].signature != "sig-late" {
		t.Errorf("latest non-empty signature must win, got %q", details[0].signature)
	}
}

func TestReasoningAccumulator_KeyspacesDisjoint(t *testing.T) {
	acc := newReasoningAccumulator()
	acc.Add("rs_1", "reasoning.text", "", "", "with id", "", "", 0)
	acc.Add("", "reasoning.text", "", "", "positional", "", "", 0)

	if len(acc.Details()) != 2 {
		t.Fatalf("ID-keyed and position-keyed fragments must not merge, got %d details", len(acc.Details()))
	}
}

func TestReasoningAccumulator_HiddenFragments(t *testing.T) {
	acc := newReasoningAccumulator()
	_, visible := acc.Add("rs_1", "reasoning.encrypted", "", "", "", "", "ZW5jcnlwdGVk", 0)
	if visible {
		t.Error("data-only fragment must not emit a visible chunk")
	}

	parts := acc.reasoningParts()
	if len(parts) != 1 {
		t.Fatalf("expected one replay part, got %d", len(parts))
	}
	if parts[0].ReasoningEncryptedContent != "ZW5jcnlwdGVk" {
		t.Errorf("encrypted payload must survive, got %q", parts[0].ReasoningEncryptedContent)
	}
}

func TestReattachReasoningItems_Ordinal(t *testing.T) {
	messages := []Message{
		UserText("question one"),
		EncryptedReasoningItem("rs_1", "payload-1", "thought summary"),
		AssistantText("answer one"),
		UserText("question two"),
		EncryptedReasoningItem("rs_2", "payload-2", "thought summary"),
		AssistantText("answer two"),
	}

	out := reattachReasoningItems(messages)
	if len(out) != 4 {
		t.Fatalf("expected 4 messages after reattachment, got %d", len(out))
	}
	for _, msg := range out {
		if msg.Role == RoleReasoning {
			t.Fatal("no standalone reasoning items may survive")
		}
	}

	first := out[1]
	if first.Role != RoleAssistant {
		t.Fatalf("expected assistant at position 1, got %s", first.Role)
	}
	if first.Parts[0].ReasoningEncryptedContent != "payload-1" {
		t.Errorf("first turn must carry first group, got %q", first.Parts[0].ReasoningEncryptedContent)
	}
	second := out[3]
	if second.Parts[0].ReasoningEncryptedContent != "payload-2" {
		t.Errorf("second turn must carry second group, got %q", second.Parts[0].ReasoningEncryptedContent)
	}
}

func TestReattachReasoningItems_DroppedTurn(t *testing.T) {
	// The assistant turn after rs_1 was edited out of history. The group
	// must be discarded, not glued to the next surviving turn's content.
	messages := []Message{
		UserText("question one"),
		EncryptedReasoningItem("rs_1", "payload-1", "thought summary"),
		UserText("question two"),
		EncryptedReasoningItem("rs_2", "payload-2", "thought summary"),
		AssistantText("answer two"),
	}

	out := reattachReasoningItems(messages)
	for _, msg := range out {
		if msg.Role != RoleAssistant {
			continue
		}
		for _, part := range msg.Parts {
			if part.ReasoningEncryptedContent == "payload-1" {
				t.Error("orphaned reasoning group must be dropped")
			}
		}
		if msg.Parts[0].ReasoningEncryptedContent != "payload-2" {
			t.Errorf("surviving turn must keep its own group, got %q", msg.Parts[0].ReasoningEncryptedContent)
		}
	}
}

func TestReattachReasoningItems_TrailingOrphan(t *testing.T) {
	messages := []Message{
		UserText("question"),
		AssistantText("answer"),
		EncryptedReasoningItem("rs_tail", "payload", "thought summary"),
	}
	out := reattachReasoningItems(messages)
	if len(out) != 2 {
		t.Fatalf("trailing orphan group must vanish, got %d messages", len(out))
	}
}

func TestHasReasoningReplay(t *testing.T) {
	plain := []Message{UserText("hi"), AssistantText("hello")}
	if hasReasoningReplay(plain) {
		t.Error("plain history has no replay payload")
	}

	withItem := append(plain, EncryptedReasoningItem("rs_1", "payload", "thought summary"))
	if !hasReasoningReplay(withItem) {
		t.Error("encrypted item must be detected")
	}
}
