package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmallory/polyllm/internal/usage"
)

const httpClientTimeout = 10 * time.Minute

var defaultHTTPClient = &http.Client{
	Timeout: httpClientTimeout,
}

// CompatProvider implements Provider for OpenAI-compatible chat APIs.
// Used by OpenRouter, Ollama, and other gateways that clone the wire shape
// but diverge in streaming details.
type CompatProvider struct {
	baseURL    string
	apiKey     string
	model      string
	name       string // "openrouter", "ollama", ...
	headers    map[string]string
	prices     *usage.PriceTable
	log        zerolog.Logger
	credential string
}

func NewCompatProvider(baseURL, apiKey, model, name string, prices *usage.PriceTable, log zerolog.Logger) *CompatProvider {
	return &CompatProvider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		name:       name,
		prices:     prices,
		log:        log.With().Str("provider", name).Logger(),
		credential: "api_key",
	}
}

func (p *CompatProvider) WithHeaders(headers map[string]string) *CompatProvider {
	p.headers = headers
	return p
}

func (p *CompatProvider) Name() string       { return p.name }
func (p *CompatProvider) Credential() string { return p.credential }

func (p *CompatProvider) Capabilities() Capabilities {
	return Capabilities{ToolCalls: true, Reasoning: true}
}

// Wire structures. Tool choice is either a string or an object, hence any.
type compatChatRequest struct {
	Model             string               `json:"model"`
	Messages          []compatMessage      `json:"messages"`
	Tools             []compatTool         `json:"tools,omitempty"`
	ToolChoice        any                  `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool                `json:"parallel_tool_calls,omitempty"`
	Temperature       *float64             `json:"temperature,omitempty"`
	TopP              *float64             `json:"top_p,omitempty"`
	MaxTokens         *int                 `json:"max_tokens,omitempty"`
	ReasoningEffort   string               `json:"reasoning_effort,omitempty"`
	Stream            bool                 `json:"stream"`
	StreamOptions     *compatStreamOptions `json:"stream_options,omitempty"`
}

type compatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type compatMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []compatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type compatTool struct {
	Type     string         `json:"type"`
	Function compatFunction `json:"function"`
}

type compatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type compatToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

type compatChatResponse struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Choices []compatChoice  `json:"choices"`
	Usage   json.RawMessage `json:"usage,omitempty"`
	Error   *compatAPIError `json:"error,omitempty"`
}

type compatChoice struct {
	Index        int          `json:"index"`
	Delta        *compatDelta `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type compatDelta struct {
	Content          string           `json:"content,omitempty"`
	Reasoning        string           `json:"reasoning,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []compatToolCall `json:"tool_calls,omitempty"`
}

type compatAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p *CompatProvider) makeRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+endpoint, bodyReader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for key, value := range p.headers {
		if value == "" {
			continue
		}
		httpReq.Header.Set(key, value)
	}
	return defaultHTTPClient.Do(httpReq)
}

func (p *CompatProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newChunkStream(ctx, func(ctx context.Context, chunks chan<- Chunk) error {
		messages := buildCompatMessages(req)
		if len(messages) == 0 {
			return fmt.Errorf("no messages provided")
		}

		tools, err := buildCompatTools(req.Tools)
		if err != nil {
			return err
		}

		chatReq := compatChatRequest{
			Model:           chooseModel(req.Model, p.model),
			Messages:        messages,
			Tools:           tools,
			ReasoningEffort: req.ReasoningEffort,
			Stream:          true,
			StreamOptions:   &compatStreamOptions{IncludeUsage: true},
		}
		if req.ToolChoice.Mode != "" {
			chatReq.ToolChoice = buildCompatToolChoice(req.ToolChoice)
		}
		if req.ParallelToolCalls {
			chatReq.ParallelToolCalls = boolPtr(true)
		}
		if req.Temperature > 0 {
			v := float64(req.Temperature)
			chatReq.Temperature = &v
		}
		if req.TopP > 0 {
			v := float64(req.TopP)
			chatReq.TopP = &v
		}
		if req.MaxOutputTokens > 0 {
			v := req.MaxOutputTokens
			chatReq.MaxTokens = &v
		}

		body, err := json.Marshal(chatReq)
		if err != nil {
			return err
		}
		resp, err := p.makeRequest(ctx, "POST", "/chat/completions", body)
		if err != nil {
			return fmt.Errorf("%s request failed: %w", p.name, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != 200 {
			respBody, _ := io.ReadAll(resp.Body)
			switch resp.StatusCode {
			case 401, 403:
				return &AuthError{Provider: p.name, StatusCode: resp.StatusCode, Message: string(respBody)}
			case 429:
				return parseRateLimitError(p.name, string(respBody))
			}
			return &StatusError{Provider: p.name, StatusCode: resp.StatusCode, Body: string(respBody)}
		}

		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		tracker := newToolCallTracker(p.name)
		reasoning := newReasoningAccumulator()
		var rawUsage json.RawMessage
		usageModel := chatReq.Model
		finish := FinishUnknown

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			// Gateways report upstream failures as error objects inside a
			// 200 stream rather than closing the connection.
			if perr := embeddedStreamError(p.name, data); perr != nil {
				if IsAuthFailure(fmt.Errorf("%s", perr.Message)) {
					return &AuthError{Provider: p.name, StatusCode: 401, Message: perr.Message}
				}
				return perr
			}

			var chatResp compatChatResponse
			if err := json.Unmarshal([]byte(data), &chatResp); err != nil {
				continue
			}
			if chatResp.Error != nil {
				return &ProtocolError{Provider: p.name, Message: chatResp.Error.Message, Raw: data}
			}

			if len(chatResp.Usage) > 0 && string(chatResp.Usage) != "null" {
				rawUsage = chatResp.Usage
				if chatResp.Model != "" {
					usageModel = chatResp.Model
				}
			}

			for _, choice := range chatResp.Choices {
				if choice.FinishReason != "" {
					finish = mapCompatFinish(choice.FinishReason)
				}
				if choice.Delta == nil {
					continue
				}
				if choice.Delta.Content != "" {
					chunks <- Chunk{Type: ChunkText, Text: choice.Delta.Content}
				}
				if rt := firstNonEmpty(choice.Delta.Reasoning, choice.Delta.ReasoningContent); rt != "" {
					if chunk, ok := reasoning.Add("", "reasoning.text", "", "", rt, "", "", 0); ok {
						chunks <- chunk
					}
				}
				for _, call := range choice.Delta.ToolCalls {
					for _, chunk := range tracker.Add(call.Index, call.ID, call.Function.Name, call.Function.Arguments) {
						chunks <- chunk
					}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("%s streaming error: %w", p.name, err)
		}
		if ctx.Err() != nil {
			// Cancelled mid-stream. Discard partial tool state, never emit
			// usage or forced call ends.
			return ctx.Err()
		}

		// An abrupt end without a finish reason is treated like a timeout:
		// partial tool state is discarded, never finalized.
		if finish == FinishToolCalls {
			for _, chunk := range tracker.Finalize() {
				chunks <- chunk
			}
		}

		if rawUsage != nil {
			rec := usage.Normalize(p.name, usageModel, rawUsage, p.prices)
			chunks <- Chunk{Type: ChunkUsage, Use: &rec}
		}
		return nil
	}), nil
}

func mapCompatFinish(reason string) FinishReason {
	switch reason {
	case "stop", "end_turn":
		return FinishStop
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length", "max_tokens":
		return FinishLength
	default:
		return FinishUnknown
	}
}

// systemRoleBrokenModels lists model prefixes that mishandle the system
// role over compat gateways; their instructions go out as "developer".
var systemRoleBrokenModels = []string{"o1", "o3", "o4", "gpt-5"}

func compatSystemRole(model string) string {
	bare := model
	if idx := strings.LastIndex(bare, "/"); idx >= 0 {
		bare = bare[idx+1:]
	}
	for _, prefix := range systemRoleBrokenModels {
		if strings.HasPrefix(bare, prefix) {
			return "developer"
		}
	}
	return "system"
}

func buildCompatMessages(req Request) []compatMessage {
	model := req.Model
	var result []compatMessage
	if req.Instructions != "" {
		result = append(result, compatMessage{Role: compatSystemRole(model), Content: req.Instructions})
	}
	for _, msg := range reattachReasoningItems(req.Messages) {
		switch msg.Role {
		case RoleSystem:
			if text := collectTextParts(msg.Parts); text != "" {
				result = append(result, compatMessage{Role: compatSystemRole(model), Content: text})
			}
		case RoleUser, RoleAssistant:
			text, toolCalls := splitCompatParts(msg.Parts)
			if msg.Role == RoleAssistant && len(toolCalls) > 0 {
				result = append(result, compatMessage{
					Role:      "assistant",
					Content:   text,
					ToolCalls: toolCalls,
				})
				continue
			}
			if text == "" {
				continue
			}
			result = append(result, compatMessage{Role: string(msg.Role), Content: text})
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				result = append(result, compatMessage{
					Role:       "tool",
					Content:    part.ToolResult.Content,
					ToolCallID: part.ToolResult.ID,
				})
			}
		}
	}
	return result
}

func splitCompatParts(parts []Part) (string, []compatToolCall) {
	var textParts []string
	var toolCalls []compatToolCall
	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				textParts = append(textParts, part.Text)
			}
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			call := compatToolCall{ID: part.ToolCall.ID, Type: "function"}
			call.Function.Name = part.ToolCall.Name
			call.Function.Arguments = string(part.ToolCall.Arguments)
			toolCalls = append(toolCalls, call)
		}
	}
	return strings.Join(textParts, ""), toolCalls
}

func buildCompatTools(specs []ToolSpec) ([]compatTool, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tools := make([]compatTool, 0, len(specs))
	for _, spec := range specs {
		schema, err := json.Marshal(spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool schema %s: %w", spec.Name, err)
		}
		tools = append(tools, compatTool{
			Type: "function",
			Function: compatFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		})
	}
	return tools, nil
}

func buildCompatToolChoice(choice ToolChoice) any {
	switch choice.Mode {
	case ToolChoiceNone:
		return "none"
	case ToolChoiceAuto:
		return "auto"
	case ToolChoiceRequired:
		return "required"
	case ToolChoiceName:
		return map[string]any{
			"type":     "function",
			"function": map[string]string{"name": choice.Name},
		}
	default:
		return nil
	}
}

func boolPtr(v bool) *bool {
	return &v
}
