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

	"github.com/jmallory/polyllm/internal/usage"
)

// ResponsesClient makes raw HTTP calls to Responses-style endpoints.
type ResponsesClient struct {
	Provider      string
	BaseURL       string
	GetAuthHeader func() string // Dynamic auth so a token refresh takes effect mid-session
	ExtraHeaders  map[string]string
	HTTPClient    *http.Client
	Prices        *usage.PriceTable
}

type responsesRequest struct {
	Model             string               `json:"model"`
	Input             []responsesInputItem `json:"input"`
	Tools             []responsesTool      `json:"tools,omitempty"`
	ToolChoice        any                  `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool                `json:"parallel_tool_calls,omitempty"`
	MaxOutputTokens   int                  `json:"max_output_tokens,omitempty"`
	Temperature       *float64             `json:"temperature,omitempty"`
	TopP              *float64             `json:"top_p,omitempty"`
	Reasoning         *responsesReasoning  `json:"reasoning,omitempty"`
	Include           []string             `json:"include,omitempty"`
	PromptCacheKey    string               `json:"prompt_cache_key,omitempty"`
	Stream            bool                 `json:"stream"`
}

type responsesInputItem struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	// reasoning items
	ID               string                     `json:"id,omitempty"`
	EncryptedContent string                     `json:"encrypted_content,omitempty"`
	Summary          *responsesReasoningSummary `json:"summary,omitempty"`
	// function_call items
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	// function_call_output items
	Output string `json:"output,omitempty"`
}

type responsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict,omitempty"`
}

type responsesReasoning struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type responsesOutputItem struct {
	Type    string `json:"type"`
	Content []struct {
		Type    string `json:"type"`
		Text    string `json:"text,omitempty"`
		Refusal string `json:"refusal,omitempty"`
	} `json:"content,omitempty"`
	// reasoning
	EncryptedContent string                          `json:"encrypted_content,omitempty"`
	Summary          []responsesReasoningSummaryPart `json:"summary,omitempty"`
	// function_call
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type responsesReasoningSummaryPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responsesReasoningSummary []responsesReasoningSummaryPart

// stream issues the request and normalizes the SSE stream into chunks.
func (c *ResponsesClient) stream(ctx context.Context, req responsesRequest, sessionID string) (Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.GetAuthHeader != nil {
		httpReq.Header.Set("Authorization", c.GetAuthHeader())
	}
	if sessionID != "" {
		httpReq.Header.Set("session_id", sessionID)
	}
	for key, value := range c.ExtraHeaders {
		httpReq.Header.Set(key, value)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = defaultHTTPClient
	}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", c.Provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, &AuthError{Provider: c.Provider, StatusCode: resp.StatusCode, Message: string(respBody)}
		case http.StatusTooManyRequests:
			return nil, parseRateLimitError(c.Provider, string(respBody))
		}
		return nil, &StatusError{Provider: c.Provider, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return newChunkStream(ctx, func(ctx context.Context, chunks chan<- Chunk) error {
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		tracker := newToolCallTracker(c.Provider)
		reasoning := newReasoningAccumulator()
		var rawUsage json.RawMessage
		var lastEventType string
		sawTextDelta := false
		sawFunctionCall := false
		finish := FinishUnknown

		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				lastEventType = strings.TrimPrefix(line, "event: ")
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			switch lastEventType {
			case "response.output_text.delta":
				var event struct {
					Delta string `json:"delta"`
				}
				if err := json.Unmarshal([]byte(data), &event); err == nil && event.Delta != "" {
					sawTextDelta = true
					chunks <- Chunk{Type: ChunkText, Text: event.Delta}
				}

			case "response.output_item.added":
				var event struct {
					Item        responsesOutputItem `json:"item"`
					OutputIndex int                 `json:"output_index"`
				}
				if err := json.Unmarshal([]byte(data), &event); err != nil {
					continue
				}
				switch event.Item.Type {
				case "function_call":
					sawFunctionCall = true
					for _, ch := range tracker.Add(event.OutputIndex, event.Item.CallID, event.Item.Name, "") {
						chunks <- ch
					}
				case "reasoning":
					reasoning.Add(event.Item.ID, "reasoning", "openai-responses-v1", "",
						"", extractReasoningSummaryText(event.Item.Summary), event.Item.EncryptedContent, event.OutputIndex)
				}

			case "response.function_call_arguments.delta":
				var event struct {
					OutputIndex int    `json:"output_index"`
					Delta       string `json:"delta"`
				}
				if err := json.Unmarshal([]byte(data), &event); err == nil {
					for _, ch := range tracker.Add(event.OutputIndex, "", "", event.Delta) {
						chunks <- ch
					}
				}

			case "response.reasoning_summary_text.delta":
				var event struct {
					ItemID      string `json:"item_id"`
					OutputIndex int    `json:"output_index"`
					Delta       string `json:"delta"`
				}
				if err := json.Unmarshal([]byte(data), &event); err == nil {
					if ch, ok := reasoning.Add(event.ItemID, "reasoning", "openai-responses-v1", "",
						"", event.Delta, "", event.OutputIndex); ok {
						chunks <- ch
					}
				}

			case "response.output_item.done":
				var event struct {
					Item        responsesOutputItem `json:"item"`
					OutputIndex int                 `json:"output_index"`
				}
				if err := json.Unmarshal([]byte(data), &event); err != nil {
					continue
				}
				switch event.Item.Type {
				case "function_call":
					// The done event carries the authoritative call ID; the
					// added event sometimes omits it.
					for _, ch := range tracker.Add(event.OutputIndex, event.Item.CallID, event.Item.Name, "") {
						chunks <- ch
					}
				case "reasoning":
					reasoning.Add(event.Item.ID, "reasoning", "openai-responses-v1", "",
						"", "", event.Item.EncryptedContent, event.OutputIndex)
				case "message":
					// Text normally streams via output_text.delta. Fall back
					// when a gateway skipped deltas; always surface refusals.
					for _, content := range event.Item.Content {
						if content.Type == "output_text" && content.Text != "" && !sawTextDelta {
							chunks <- Chunk{Type: ChunkText, Text: content.Text}
						} else if content.Type == "refusal" && content.Refusal != "" {
							chunks <- Chunk{Type: ChunkText, Text: content.Refusal}
						}
					}
				}

			case "response.completed":
				var event struct {
					Response struct {
						Usage json.RawMessage `json:"usage,omitempty"`
					} `json:"response"`
				}
				if err := json.Unmarshal([]byte(data), &event); err == nil && len(event.Response.Usage) > 0 {
					rawUsage = event.Response.Usage
				}
				if sawFunctionCall {
					finish = FinishToolCalls
				} else {
					finish = FinishStop
				}

			case "response.failed", "error":
				if perr := embeddedStreamError(c.Provider, data); perr != nil {
					if IsAuthFailure(fmt.Errorf("%s", perr.Message)) {
						return &AuthError{Provider: c.Provider, StatusCode: 401, Message: perr.Message}
					}
					return perr
				}
				return &ProtocolError{Provider: c.Provider, Message: "stream reported failure", Raw: data}
			}

			lastEventType = ""
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("%s streaming error: %w", c.Provider, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// An abrupt end without a finish reason is treated like a timeout:
		// partial tool state is discarded, never finalized.
		if finish == FinishToolCalls {
			for _, ch := range tracker.Finalize() {
				chunks <- ch
			}
		}

		// Completed reasoning items go out last so the host can persist
		// them next to the assistant turn they accompany.
		for _, det := range reasoning.Details() {
			if det.data.Len() == 0 && det.id == "" {
				continue
			}
			chunks <- Chunk{
				Type:                      ChunkReasoning,
				ReasoningItemID:           det.id,
				ReasoningEncryptedContent: det.data.String(),
			}
		}

		if rawUsage != nil {
			rec := usage.Normalize(c.Provider, req.Model, rawUsage, c.Prices)
			chunks <- Chunk{Type: ChunkUsage, Use: &rec}
		}
		return nil
	}), nil
}

func extractReasoningSummaryText(summary []responsesReasoningSummaryPart) string {
	var text strings.Builder
	for _, part := range summary {
		if part.Type != "summary_text" || strings.TrimSpace(part.Text) == "" {
			continue
		}
		text.WriteString(part.Text)
	}
	return text.String()
}

// buildResponsesInput converts canonical history to Responses input items.
// System content goes out under the developer role; reasoning models
// ignore or mishandle a literal "system" role on this API.
func buildResponsesInput(req Request) []responsesInputItem {
	var items []responsesInputItem
	if req.Instructions != "" {
		items = append(items, responsesInputItem{Type: "message", Role: "developer", Content: req.Instructions})
	}
	for _, msg := range reattachReasoningItems(req.Messages) {
		switch msg.Role {
		case RoleSystem:
			if text := collectTextParts(msg.Parts); text != "" {
				items = append(items, responsesInputItem{Type: "message", Role: "developer", Content: text})
			}
		case RoleUser:
			if text := collectTextParts(msg.Parts); text != "" {
				items = append(items, responsesInputItem{Type: "message", Role: "user", Content: text})
			}
		case RoleAssistant:
			items = append(items, buildResponsesAssistantItems(msg.Parts)...)
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				callID := strings.TrimSpace(part.ToolResult.ID)
				if callID == "" {
					continue
				}
				items = append(items, responsesInputItem{
					Type:   "function_call_output",
					CallID: callID,
					Output: part.ToolResult.Content,
				})
			}
		}
	}
	return items
}

func buildResponsesAssistantItems(parts []Part) []responsesInputItem {
	var items []responsesInputItem
	var textBuf strings.Builder

	flushText := func() {
		if textBuf.Len() == 0 {
			return
		}
		items = append(items, responsesInputItem{Type: "message", Role: "assistant", Content: textBuf.String()})
		textBuf.Reset()
	}

	for _, part := range parts {
		switch part.Type {
		case PartText:
			if hasReasoningReplayPart(part) {
				flushText()
				items = append(items, buildReasoningReplayItem(part))
			}
			if part.Text != "" {
				textBuf.WriteString(part.Text)
			}
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			flushText()
			callID := strings.TrimSpace(part.ToolCall.ID)
			if callID == "" {
				continue
			}
			args := strings.TrimSpace(string(part.ToolCall.Arguments))
			if args == "" {
				args = "{}"
			}
			items = append(items, responsesInputItem{
				Type:      "function_call",
				CallID:    callID,
				Name:      part.ToolCall.Name,
				Arguments: args,
			})
		}
	}
	flushText()
	return items
}

func hasReasoningReplayPart(part Part) bool {
	return strings.TrimSpace(part.ReasoningItemID) != "" || strings.TrimSpace(part.ReasoningEncryptedContent) != ""
}

func buildReasoningReplayItem(part Part) responsesInputItem {
	summary := responsesReasoningSummary{}
	item := responsesInputItem{
		Type:             "reasoning",
		ID:               strings.TrimSpace(part.ReasoningItemID),
		EncryptedContent: strings.TrimSpace(part.ReasoningEncryptedContent),
		Summary:          &summary,
	}
	if text := strings.TrimSpace(part.ReasoningContent); text != "" {
		summary = append(summary, responsesReasoningSummaryPart{Type: "summary_text", Text: text})
		item.Summary = &summary
	}
	return item
}

func buildResponsesTools(specs []ToolSpec) []responsesTool {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]responsesTool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, responsesTool{
			Type:        "function",
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  normalizeSchemaForOpenAI(spec.Schema),
			Strict:      true,
		})
	}
	return tools
}

func buildResponsesToolChoice(choice ToolChoice) any {
	switch choice.Mode {
	case ToolChoiceNone:
		return "none"
	case ToolChoiceRequired:
		return "required"
	case ToolChoiceAuto:
		return "auto"
	case ToolChoiceName:
		return map[string]any{"type": "function", "name": choice.Name}
	default:
		return nil
	}
}
