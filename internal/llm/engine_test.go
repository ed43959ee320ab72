package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jmallory/polyllm/internal/usage"
)

// recordingProvider replays one scripted stream per turn and records the
// request it received for each.
type recordingProvider struct {
	turns    [][]Chunk
	requests []Request
}

func (p *recordingProvider) Name() string               { return "recording" }
func (p *recordingProvider) Credential() string         { return "api_key" }
func (p *recordingProvider) Capabilities() Capabilities { return Capabilities{ToolCalls: true} }

func (p *recordingProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	turn := len(p.requests)
	p.requests = append(p.requests, req)
	if turn >= len(p.turns) {
		return nil, fmt.Errorf("no scripted turn %d", turn)
	}
	return newSliceStream(p.turns[turn], nil), nil
}

type echoTool struct{}

func (echoTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        "echo",
		Description: "Echoes its input",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
		},
	}
}

func (echoTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return "", err
	}
	return "echoed: " + parsed.Text, nil
}

type failingTool struct{}

func (failingTool) Spec() ToolSpec {
	return ToolSpec{Name: "always_fails", Description: "Fails", Schema: map[string]any{"type": "object"}}
}

func (failingTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return "", errors.New("disk on fire")
}

func usageChunk(input, output int64) Chunk {
	return Chunk{Type: ChunkUsage, Use: &usage.Record{
		Model:        "test-model",
		InputTokens:  input,
		OutputTokens: output,
	}}
}

func TestEngine_ToolLoop(t *testing.T) {
	provider := &recordingProvider{turns: [][]Chunk{
		{
			{Type: ChunkToolCallStart, Index: 0, CallID: "call-1", CallName: "echo"},
			{Type: ChunkToolCallDelta, Index: 0, CallID: "call-1", CallName: "echo", ArgsFragment: `{"text":"hi"}`},
			{Type: ChunkToolCallEnd, Index: 0, CallID: "call-1", CallName: "echo"},
			{Type: ChunkToolCall, Tool: &ToolCall{ID: "call-1", Name: "echo", Arguments: []byte(`{"text":"hi"}`)}},
			usageChunk(10, 5),
		},
		{
			{Type: ChunkText, Text: "done"},
			usageChunk(20, 7),
		},
	}}

	tools := NewToolRegistry()
	tools.Register(echoTool{})
	engine := NewEngine(provider, tools, zerolog.Nop())

	stream, err := engine.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserText("call echo please")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks, err := drain(t, stream)
	if err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	if len(provider.requests) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(provider.requests))
	}

	// Second turn carries the assistant tool call and the echoed result.
	second := provider.requests[1].Messages
	var foundResult bool
	for _, msg := range second {
		for _, part := range msg.Parts {
			if part.Type == PartToolResult && part.ToolResult.Content == "echoed: hi" {
				foundResult = true
				if part.ToolResult.ID != "call-1" {
					t.Errorf("result must keep the call ID, got %q", part.ToolResult.ID)
				}
			}
		}
	}
	if !foundResult {
		t.Error("tool result missing from second turn history")
	}

	var text strings.Builder
	usageCount := 0
	for i, chunk := range chunks {
		switch chunk.Type {
		case ChunkText:
			text.WriteString(chunk.Text)
		case ChunkUsage:
			usageCount++
			if i != len(chunks)-1 {
				t.Error("usage must be the final chunk")
			}
			if chunk.Use.InputTokens != 30 || chunk.Use.OutputTokens != 12 {
				t.Errorf("usage must accumulate across turns, got %+v", chunk.Use)
			}
		}
	}
	if text.String() != "done" {
		t.Errorf("expected final text 'done', got %q", text.String())
	}
	if usageCount != 1 {
		t.Errorf("expected exactly one usage chunk, got %d", usageCount)
	}
}

func TestEngine_ToolErrorFedBack(t *testing.T) {
	provider := &recordingProvider{turns: [][]Chunk{
		{
			{Type: ChunkToolCall, Tool: &ToolCall{ID: "call-1", Name: "always_fails", Arguments: []byte(`{}`)}},
		},
		{
			{Type: ChunkText, Text: "sorry about that"},
		},
	}}

	tools := NewToolRegistry()
	tools.Register(failingTool{})
	engine := NewEngine(provider, tools, zerolog.Nop())

	stream, err := engine.Stream(context.Background(), Request{Messages: []Message{UserText("go")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := drain(t, stream); err != nil {
		t.Fatalf("tool failure must not abort the loop: %v", err)
	}

	second := provider.requests[1].Messages
	var errorResult *ToolResult
	for _, msg := range second {
		for _, part := range msg.Parts {
			if part.Type == PartToolResult {
				errorResult = part.ToolResult
			}
		}
	}
	if errorResult == nil {
		t.Fatal("expected an error tool result in history")
	}
	if !errorResult.IsError {
		t.Error("result must be flagged as error")
	}
	if !strings.Contains(errorResult.Content, "disk on fire") {
		t.Errorf("error text must reach the model, got %q", errorResult.Content)
	}
}

func TestEngine_UnregisteredToolEndsLoop(t *testing.T) {
	provider := &recordingProvider{turns: [][]Chunk{
		{
			{Type: ChunkText, Text: "let me use a tool"},
			{Type: ChunkToolCall, Tool: &ToolCall{ID: "call-1", Name: "host_tool", Arguments: []byte(`{}`)}},
			usageChunk(10, 2),
		},
	}}

	engine := NewEngine(provider, NewToolRegistry(), zerolog.Nop())
	stream, err := engine.Stream(context.Background(), Request{Messages: []Message{UserText("go")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks, err := drain(t, stream)
	if err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	if len(provider.requests) != 1 {
		t.Fatalf("loop must end after an unregistered call, got %d turns", len(provider.requests))
	}
	var sawCall bool
	for _, chunk := range chunks {
		if chunk.Type == ChunkToolCall && chunk.Tool.Name == "host_tool" {
			sawCall = true
		}
	}
	if !sawCall {
		t.Error("unregistered call must be forwarded to the caller")
	}
	if last := chunks[len(chunks)-1]; last.Type != ChunkUsage {
		t.Errorf("usage must still close the stream, got %s", last.Type)
	}
}

// blockingStream emits one text chunk, then blocks until the request
// context is cancelled, like an SDK stream mid-response.
type blockingStream struct {
	ctx  context.Context
	sent bool
}

func (s *blockingStream) Recv() (Chunk, error) {
	if !s.sent {
		s.sent = true
		return Chunk{Type: ChunkText, Text: "partial"}, nil
	}
	<-s.ctx.Done()
	return Chunk{}, s.ctx.Err()
}

func (s *blockingStream) Close() error { return nil }

type blockingProvider struct{}

func (blockingProvider) Name() string               { return "blocking" }
func (blockingProvider) Credential() string         { return "api_key" }
func (blockingProvider) Capabilities() Capabilities { return Capabilities{} }

func (blockingProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return &blockingStream{ctx: ctx}, nil
}

func TestEngine_CancellationEmitsNoUsage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	engine := NewEngine(blockingProvider{}, NewToolRegistry(), zerolog.Nop())

	stream, err := engine.Stream(ctx, Request{Messages: []Message{UserText("go")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := stream.Recv()
	if err != nil {
		t.Fatalf("unexpected error before cancel: %v", err)
	}
	if first.Type != ChunkText || first.Text != "partial" {
		t.Fatalf("expected the partial text chunk, got %+v", first)
	}

	cancel()
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}
			break
		}
		if chunk.Type == ChunkUsage {
			t.Fatal("no usage may be emitted after cancellation")
		}
	}
}

func TestEngine_ErrorChunkForwarded(t *testing.T) {
	// In-band protocol and validation errors are recorded for the caller;
	// the rest of the response still flows.
	perr := &ProtocolError{Provider: "recording", Message: "malformed tool arguments"}
	provider := &recordingProvider{turns: [][]Chunk{
		{
			{Type: ChunkText, Text: "partial"},
			{Type: ChunkError, Err: perr},
			{Type: ChunkText, Text: " and the rest"},
			usageChunk(5, 2),
		},
	}}

	engine := NewEngine(provider, NewToolRegistry(), zerolog.Nop())
	stream, err := engine.Stream(context.Background(), Request{Messages: []Message{UserText("go")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks, err := drain(t, stream)
	if err != nil {
		t.Fatalf("in-band errors must not abort the stream: %v", err)
	}

	var text strings.Builder
	sawError := false
	for _, chunk := range chunks {
		switch chunk.Type {
		case ChunkText:
			text.WriteString(chunk.Text)
		case ChunkError:
			sawError = true
			var got *ProtocolError
			if !errors.As(chunk.Err, &got) {
				t.Errorf("error chunk must preserve the original error, got %T", chunk.Err)
			}
		}
	}
	if !sawError {
		t.Error("error chunk must be forwarded to the caller")
	}
	if text.String() != "partial and the rest" {
		t.Errorf("text after the error must survive, got %q", text.String())
	}
	if last := chunks[len(chunks)-1]; last.Type != ChunkUsage {
		t.Errorf("usage must still close the stream, got %s", last.Type)
	}
}
