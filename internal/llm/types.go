package llm

import (
	"context"
	"encoding/json"

	"github.com/jmallory/polyllm/internal/usage"
)

// Provider streams canonical chunks for a single request against one backend.
type Provider interface {
	Name() string
	Credential() string // Credential type for diagnostics (e.g., "api_key", "oauth")
	Capabilities() Capabilities
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Capabilities describe optional provider features.
type Capabilities struct {
	ToolCalls          bool
	Reasoning          bool // Provider can emit reasoning/thinking content
	EncryptedReasoning bool // Reasoning replay requires the encrypted companion
	RequiresSignatures bool // Tool calls in history must carry thought signatures
}

// Stream yields chunks until io.EOF.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Request represents a single model turn.
type Request struct {
	Model             string
	Instructions      string
	Messages          []Message
	Tools             []ToolSpec
	ToolChoice        ToolChoice
	ParallelToolCalls bool
	ReasoningEffort   string // "", "low", "medium", "high"
	MaxOutputTokens   int
	Temperature       float32
	TopP              float32
	SessionID         string
}

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleReasoning marks a standalone encrypted-reasoning item in history.
	// These are not valid message turns on their own; the reconciler folds
	// them into the following assistant turn before any request is built.
	RoleReasoning Role = "reasoning"
)

// PartType identifies a message content part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Message holds a role with structured parts.
type Message struct {
	Role  Role
	Parts []Part
}

// Part represents a single content part.
type Part struct {
	Type       PartType
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult

	// Reasoning replay state. Carried on the leading text part of an
	// assistant message, or on the single part of a RoleReasoning item.
	ReasoningItemID           string
	ReasoningContent          string // Visible summary/thinking text
	ReasoningSignature        string
	ReasoningEncryptedContent string
	ReasoningFormat           string
}

// ToolSpec describes a callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolChoiceMode controls tool selection behavior.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceName     ToolChoiceMode = "name"
)

// ToolChoice configures which tool the model should call.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// ToolCall is a finalized model-requested tool invocation.
type ToolCall struct {
	ID         string
	Name       string
	Arguments  json.RawMessage
	ThoughtSig []byte // Gemini thought signature (must be passed back in result)
}

// ToolResult is the output from executing a tool call.
type ToolResult struct {
	ID         string
	Name       string
	Content    string
	IsError    bool
	ThoughtSig []byte
}

// FinishReason is the backend-supplied terminal code for a response.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishAborted   FinishReason = "aborted"
	FinishUnknown   FinishReason = "unknown"
)

// ChunkType describes canonical stream chunks.
type ChunkType string

const (
	ChunkText            ChunkType = "text"
	ChunkReasoning       ChunkType = "reasoning"
	ChunkToolCallPartial ChunkType = "tool_call_partial"
	ChunkToolCallStart   ChunkType = "tool_call_start"
	ChunkToolCallDelta   ChunkType = "tool_call_delta"
	ChunkToolCallEnd     ChunkType = "tool_call_end"
	ChunkToolCall        ChunkType = "tool_call"
	ChunkUsage           ChunkType = "usage"
	ChunkError           ChunkType = "error"
)

// Chunk is one canonical unit of normalized streaming output.
//
// Adapters must never emit a chunk type outside this vocabulary.
// ChunkUsage appears at most once per response and is always terminal
// when present; a ChunkToolCallEnd is always preceded by at least one
// fragment chunk at the same resolved call ID.
type Chunk struct {
	Type ChunkType
	Text string

	// Tool-call fragment fields. CallID/CallName always carry the resolved
	// identity for the fragment's index, even when the underlying delta
	// omitted them.
	Index        int
	CallID       string
	CallName     string
	ArgsFragment string
	Tool         *ToolCall

	// Reasoning fields.
	ReasoningItemID           string
	ReasoningSignature        string
	ReasoningEncryptedContent string

	Use *usage.Record
	Err error
}

func SystemText(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{{Type: PartText, Text: text}}}
}

func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Type: PartText, Text: text}}}
}

func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{{Type: PartText, Text: text}}}
}

// EncryptedReasoningItem builds a standalone reasoning pseudo-message for
// persistence in history.
func EncryptedReasoningItem(itemID, encrypted, summary string) Message {
	return Message{
		Role: RoleReasoning,
		Parts: []Part{{
			Type:                      PartText,
			ReasoningItemID:           itemID,
			ReasoningEncryptedContent: encrypted,
			ReasoningContent:          summary,
		}},
	}
}

func ToolResultMessage(id, name, content string, thoughtSig []byte) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type: PartToolResult,
			ToolResult: &ToolResult{
				ID:         id,
				Name:       name,
				Content:    content,
				ThoughtSig: thoughtSig,
			},
		}},
	}
}

// ToolErrorMessage creates a tool result message that indicates an error.
// The error is passed back to the model so it can respond gracefully
// instead of failing the whole stream.
func ToolErrorMessage(id, name, errorText string, thoughtSig []byte) Message {
	msg := ToolResultMessage(id, name, errorText, thoughtSig)
	msg.Parts[0].ToolResult.IsError = true
	return msg
}

func collectTextParts(parts []Part) string {
	var out string
	for _, part := range parts {
		if part.Type != PartText || part.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += part.Text
	}
	return out
}

func chooseModel(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}
