package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jmallory/polyllm/internal/usage"
)

const defaultMaxTurns = 12

// maxParallelTools bounds concurrent tool executions in one turn.
const maxParallelTools = 4

// Tool is a callable the engine can execute on the model's behalf.
type Tool interface {
	Spec() ToolSpec
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ToolRegistry holds the tools exposed to the model.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Spec().Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

func (r *ToolRegistry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec())
	}
	return specs
}

// TurnMetrics summarizes one completed model turn.
type TurnMetrics struct {
	Usage     usage.Record
	ToolCalls int
}

// TurnCompletedCallback receives each turn's messages for incremental
// persistence. Errors are logged, not fatal.
type TurnCompletedCallback func(ctx context.Context, turn int, messages []Message, metrics TurnMetrics) error

// Engine drives the agentic loop: stream a model turn, execute requested
// tools, feed results back, repeat until the model stops calling tools.
type Engine struct {
	provider Provider
	tools    *ToolRegistry
	log      zerolog.Logger
	maxTurns int

	mu       sync.Mutex
	callback TurnCompletedCallback
}

func NewEngine(provider Provider, tools *ToolRegistry, log zerolog.Logger) *Engine {
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &Engine{
		provider: provider,
		tools:    tools,
		log:      log.With().Str("component", "engine").Logger(),
		maxTurns: defaultMaxTurns,
	}
}

func (e *Engine) Tools() *ToolRegistry { return e.tools }

func (e *Engine) SetTurnCompletedCallback(cb TurnCompletedCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callback = cb
}

func (e *Engine) getCallback() TurnCompletedCallback {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callback
}

// Stream runs the full loop, forwarding normalized chunks to the caller.
// Per-turn usage is accumulated and emitted once, as the final chunk.
func (e *Engine) Stream(ctx context.Context, req Request) (Stream, error) {
	if len(req.Tools) == 0 {
		req.Tools = e.tools.Specs()
	}
	return newChunkStream(ctx, func(ctx context.Context, chunks chan<- Chunk) error {
		return e.runLoop(ctx, req, chunks)
	}), nil
}

func (e *Engine) runLoop(ctx context.Context, req Request, chunks chan<- Chunk) error {
	callback := e.getCallback()
	var totals usage.Record
	sawUsage := false

	for attempt := 0; attempt < e.maxTurns; attempt++ {
		req.Messages = repairToolHistory(req.Messages)

		stream, err := e.provider.Stream(ctx, req)
		if err != nil {
			return err
		}

		var toolCalls []*ToolCall
		var textBuilder strings.Builder
		turnReasoning := newReasoningAccumulator()
		var turnMetrics TurnMetrics

		for {
			chunk, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				stream.Close()
				return err
			}
			switch chunk.Type {
			case ChunkError:
				// Validation and protocol problems are recorded in-band;
				// the rest of the response still flows.
				e.log.Warn().Err(chunk.Err).Msg("stream reported in-band error")
				chunks <- chunk
			case ChunkUsage:
				if chunk.Use != nil {
					if !sawUsage {
						totals = *chunk.Use
					} else {
						totals.Add(*chunk.Use)
					}
					turnMetrics.Usage = *chunk.Use
					sawUsage = true
					if totals.Model == "" {
						totals.Model = chunk.Use.Model
					}
				}
			case ChunkText:
				textBuilder.WriteString(chunk.Text)
				chunks <- chunk
			case ChunkReasoning:
				turnReasoning.Add(chunk.ReasoningItemID, "reasoning", "", chunk.ReasoningSignature,
					chunk.Text, "", chunk.ReasoningEncryptedContent, 0)
				chunks <- chunk
			case ChunkToolCall:
				if chunk.Tool != nil {
					toolCalls = append(toolCalls, chunk.Tool)
				}
			default:
				chunks <- chunk
			}
		}
		stream.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if len(toolCalls) == 0 {
			if callback != nil && textBuilder.Len() > 0 {
				finalMsg := buildAssistantMessage(textBuilder.String(), turnReasoning.reasoningParts(), nil)
				if cbErr := callback(ctx, attempt, []Message{finalMsg}, turnMetrics); cbErr != nil {
					e.log.Warn().Err(cbErr).Msg("turn callback failed")
				}
			}
			if sawUsage {
				chunks <- Chunk{Type: ChunkUsage, Use: &totals}
			}
			return nil
		}

		ensureToolCallIDs(e.provider.Name(), toolCalls)
		toolCalls = dedupeToolCalls(toolCalls)

		var registered, unregistered []*ToolCall
		for _, call := range toolCalls {
			if _, ok := e.tools.Get(call.Name); ok {
				registered = append(registered, call)
			} else {
				unregistered = append(unregistered, call)
			}
		}

		// Calls the host did not register are surfaced to the caller to
		// execute; the loop ends here since we cannot provide results.
		for _, call := range unregistered {
			chunks <- Chunk{Type: ChunkToolCall, Tool: call}
		}
		if len(registered) == 0 {
			if callback != nil {
				finalMsg := buildAssistantMessage(textBuilder.String(), turnReasoning.reasoningParts(), unregistered)
				if cbErr := callback(ctx, attempt, []Message{finalMsg}, turnMetrics); cbErr != nil {
					e.log.Warn().Err(cbErr).Msg("turn callback failed")
				}
			}
			if sawUsage {
				chunks <- Chunk{Type: ChunkUsage, Use: &totals}
			}
			return nil
		}
		if attempt == e.maxTurns-1 {
			return fmt.Errorf("agentic loop exceeded max turns (%d)", e.maxTurns)
		}

		toolResults, err := e.executeToolCalls(ctx, registered)
		if err != nil {
			return err
		}

		// Encrypted reasoning persists as standalone items before the
		// assistant turn; request builders fold them back in by position.
		turnMessages := reasoningHistoryItems(turnReasoning)
		assistantMsg := buildAssistantMessage(textBuilder.String(), visibleReasoningParts(turnReasoning), registered)
		turnMessages = append(turnMessages, assistantMsg)
		turnMessages = append(turnMessages, toolResults...)
		req.Messages = append(req.Messages, turnMessages...)

		if callback != nil {
			turnMetrics.ToolCalls = len(registered)
			if cbErr := callback(ctx, attempt, turnMessages, turnMetrics); cbErr != nil {
				e.log.Warn().Err(cbErr).Msg("turn callback failed")
			}
		}
	}
	return fmt.Errorf("agentic loop ended unexpectedly")
}

// reasoningHistoryItems extracts the encrypted details as standalone
// pseudo-messages for history.
func reasoningHistoryItems(acc *reasoningAccumulator) []Message {
	var items []Message
	for _, det := range acc.Details() {
		if det.data.Len() == 0 && det.id == "" {
			continue
		}
		items = append(items, EncryptedReasoningItem(det.id, det.data.String(), firstNonEmpty(det.summary.String(), det.text.String())))
	}
	return items
}

// visibleReasoningParts returns only the non-encrypted reasoning for the
// assistant message itself; encrypted payloads travel as standalone items.
func visibleReasoningParts(acc *reasoningAccumulator) []Part {
	var parts []Part
	for _, det := range acc.Details() {
		if det.data.Len() > 0 || det.id != "" {
			continue
		}
		text := firstNonEmpty(det.text.String(), det.summary.String())
		if text == "" {
			continue
		}
		parts = append(parts, Part{
			Type:               PartText,
			ReasoningContent:   text,
			ReasoningSignature: det.signature,
			ReasoningFormat:    det.format,
		})
	}
	return parts
}

func buildAssistantMessage(text string, reasoningParts []Part, toolCalls []*ToolCall) Message {
	parts := append([]Part(nil), reasoningParts...)
	if text != "" {
		parts = append(parts, Part{Type: PartText, Text: text})
	}
	for _, call := range toolCalls {
		parts = append(parts, Part{Type: PartToolCall, ToolCall: call})
	}
	return Message{Role: RoleAssistant, Parts: parts}
}

// executeToolCalls runs registered calls, in parallel when there are
// several. Tool errors become error results fed back to the model rather
// than failing the loop.
func (e *Engine) executeToolCalls(ctx context.Context, calls []*ToolCall) ([]Message, error) {
	results := make([]Message, len(calls))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxParallelTools)
	for i, call := range calls {
		group.Go(func() error {
			tool, _ := e.tools.Get(call.Name)
			output, err := tool.Execute(groupCtx, call.Arguments)
			if err != nil {
				e.log.Debug().Str("tool", call.Name).Err(err).Msg("tool execution failed")
				results[i] = ToolErrorMessage(call.ID, call.Name, err.Error(), call.ThoughtSig)
				return nil
			}
			results[i] = ToolResultMessage(call.ID, call.Name, output, call.ThoughtSig)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
