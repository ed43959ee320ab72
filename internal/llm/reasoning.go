package llm

import (
	"fmt"
	"strings"
)

// reasoningDetail is one accumulated reasoning block from a streamed
// response.
type reasoningDetail struct {
	key       string
	id        string
	detType   string
	format    string
	signature string
	text      strings.Builder
	summary   strings.Builder
	data      strings.Builder // Encrypted or redacted payload, base64
}

// reasoningAccumulator merges streamed reasoning fragments into whole
// details. Fragments are matched by the backend-assigned item ID when one
// exists, otherwise by type plus positional index; the two keyspaces are
// kept disjoint so an ID'd fragment never collides with a positional one.
//
// Content fields (text, summary, data) concatenate across fragments.
// Identity fields (id, format, signature) take the latest non-empty value,
// because several backends only attach the signature on the closing
// fragment. The type is fixed by the first fragment and never overwritten.
type reasoningAccumulator struct {
	details map[string]*reasoningDetail
	order   []string
}

func newReasoningAccumulator() *reasoningAccumulator {
	return &reasoningAccumulator{details: make(map[string]*reasoningDetail)}
}

func reasoningKey(id, detType string, index int) string {
	if id != "" {
		return "id:" + id
	}
	return fmt.Sprintf("pos:%s:%d", detType, index)
}

// Add merges one fragment and returns the canonical chunk to emit for any
// visible text, or a zero chunk when the fragment carried only hidden
// state.
func (r *reasoningAccumulator) Add(id, detType, format, signature, text, summary, data string, index int) (Chunk, bool) {
	key := reasoningKey(id, detType, index)
	det, ok := r.details[key]
	if !ok {
		det = &reasoningDetail{key: key, detType: detType}
		r.details[key] = det
		r.order = append(r.order, key)
	}

	if id != "" {
		det.id = id
	}
	if format != "" {
		det.format = format
	}
	if signature != "" {
		det.signature = signature
	}
	det.text.WriteString(text)
	det.summary.WriteString(summary)
	det.data.WriteString(data)

	visible := text
	if visible == "" {
		visible = summary
	}
	if visible == "" {
		return Chunk{}, false
	}
	return Chunk{
		Type:            ChunkReasoning,
		Text:            visible,
		ReasoningItemID: det.id,
	}, true
}

// Details returns accumulated details in arrival order.
func (r *reasoningAccumulator) Details() []*reasoningDetail {
	out := make([]*reasoningDetail, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.details[key])
	}
	return out
}

// reasoningParts converts accumulated details into replayable history
// parts. Details with encrypted payloads become standalone items so the
// backend can verify them on the next turn.
func (r *reasoningAccumulator) reasoningParts() []Part {
	var parts []Part
	for _, det := range r.Details() {
		parts = append(parts, Part{
			Type:                      PartText,
			ReasoningItemID:           det.id,
			ReasoningContent:          firstNonEmpty(det.summary.String(), det.text.String()),
			ReasoningSignature:        det.signature,
			ReasoningEncryptedContent: det.data.String(),
			ReasoningFormat:           det.format,
		})
	}
	return parts
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// reattachReasoningItems folds standalone RoleReasoning items back onto the
// assistant turns they belong to, matching by ordinal position.
//
// History edits (compaction, user deletions) can drop assistant turns
// without touching the reasoning items that preceded them, and vice versa.
// Content matching is unreliable because summaries are truncated and
// encrypted payloads are opaque, so the walk pairs the Nth reasoning group
// with the Nth surviving assistant turn and discards any leftover group
// whose turn is gone. The returned slice contains no RoleReasoning entries.
func reattachReasoningItems(messages []Message) []Message {
	// First pass: collect reasoning groups and assistant ordinals.
	type group struct {
		parts []Part
	}
	var groups []group
	var pending []Part
	for _, msg := range messages {
		switch msg.Role {
		case RoleReasoning:
			pending = append(pending, msg.Parts...)
		case RoleAssistant:
			groups = append(groups, group{parts: pending})
			pending = nil
		default:
			// Reasoning items only ever directly precede an assistant
			// turn. Anything else between them means the turn was edited
			// out; drop the orphaned group.
			if len(pending) > 0 && msg.Role == RoleUser {
				pending = nil
			}
		}
	}
	// Second pass: rebuild with groups prepended to their assistant turn.
	out := make([]Message, 0, len(messages))
	ordinal := 0
	for _, msg := range messages {
		switch msg.Role {
		case RoleReasoning:
			continue
		case RoleAssistant:
			g := groups[ordinal]
			ordinal++
			if len(g.parts) > 0 {
				rebuilt := Message{Role: RoleAssistant}
				rebuilt.Parts = append(rebuilt.Parts, g.parts...)
				rebuilt.Parts = append(rebuilt.Parts, msg.Parts...)
				out = append(out, rebuilt)
				continue
			}
			out = append(out, msg)
		default:
			out = append(out, msg)
		}
	}
	return out
}

// hasReasoningReplay reports whether any assistant turn in history carries
// an encrypted reasoning payload that must be replayed verbatim.
func hasReasoningReplay(messages []Message) bool {
	for _, msg := range messages {
		if msg.Role != RoleAssistant && msg.Role != RoleReasoning {
			continue
		}
		for _, part := range msg.Parts {
			if part.ReasoningEncryptedContent != "" {
				return true
			}
		}
	}
	return false
}
