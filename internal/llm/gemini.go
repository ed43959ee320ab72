package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/jmallory/polyllm/internal/usage"
)

// placeholderThoughtSig is injected into replayed function calls that were
// produced by another backend. Gemini thinking models reject histories
// whose tool calls lack a thought signature, and a well-known placeholder
// is documented as acceptable for cross-model replay.
var placeholderThoughtSig = []byte("skip_thought_signature_validator")

// GeminiProvider implements Provider using the Google Gemini API.
type GeminiProvider struct {
	apiKey         string
	model          string
	thinkingLevel  genai.ThinkingLevel
	thinkingBudget *int32
	prices         *usage.PriceTable
	log            zerolog.Logger
}

type geminiThinkingConfig struct {
	level  genai.ThinkingLevel
	budget *int32
}

// parseGeminiModelThinking determines thinking config from the model name.
// Gemini 3 uses thinkingLevel; 2.5 models ship with thinking enabled by
// default, so a zero budget suppresses it unless -thinking was requested.
func parseGeminiModelThinking(model string) (string, geminiThinkingConfig) {
	hasThinkingSuffix := strings.HasSuffix(model, "-thinking")
	baseModel := strings.TrimSuffix(model, "-thinking")

	switch {
	case strings.HasPrefix(baseModel, "gemini-3"):
		if hasThinkingSuffix {
			return baseModel, geminiThinkingConfig{level: genai.ThinkingLevelHigh}
		}
		return baseModel, geminiThinkingConfig{level: genai.ThinkingLevelMinimal}
	case strings.HasPrefix(baseModel, "gemini-2.5"):
		if hasThinkingSuffix {
			budget := int32(8192)
			return baseModel, geminiThinkingConfig{budget: &budget}
		}
		zero := int32(0)
		return baseModel, geminiThinkingConfig{budget: &zero}
	default:
		return model, geminiThinkingConfig{}
	}
}

func NewGeminiProvider(apiKey, model string, prices *usage.PriceTable, log zerolog.Logger) *GeminiProvider {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	baseModel, thinkingCfg := parseGeminiModelThinking(model)
	return &GeminiProvider{
		apiKey:         apiKey,
		model:          baseModel,
		thinkingLevel:  thinkingCfg.level,
		thinkingBudget: thinkingCfg.budget,
		prices:         prices,
		log:            log.With().Str("provider", "gemini").Logger(),
	}
}

func (p *GeminiProvider) Name() string       { return "gemini" }
func (p *GeminiProvider) Credential() string { return "api_key" }

func (p *GeminiProvider) Capabilities() Capabilities {
	return Capabilities{ToolCalls: true, Reasoning: true, RequiresSignatures: true}
}

func (p *GeminiProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newChunkStream(ctx, func(ctx context.Context, chunks chan<- Chunk) error {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: p.apiKey})
		if err != nil {
			return fmt.Errorf("failed to create gemini client: %w", err)
		}

		system, contents := buildGeminiContents(req)
		if len(contents) == 0 {
			return fmt.Errorf("no user content provided")
		}

		config := &genai.GenerateContentConfig{}
		if system != "" {
			config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
		}
		if p.thinkingLevel != "" {
			config.ThinkingConfig = &genai.ThinkingConfig{ThinkingLevel: p.thinkingLevel}
		} else if p.thinkingBudget != nil {
			config.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: p.thinkingBudget}
		}
		if len(req.Tools) > 0 {
			config.Tools = buildGeminiTools(req.Tools)
			config.ToolConfig = buildGeminiToolConfig(req.ToolChoice)
		}
		if req.MaxOutputTokens > 0 {
			config.MaxOutputTokens = int32(req.MaxOutputTokens)
		}

		tracker := newToolCallTracker("gemini")
		reasoning := newReasoningAccumulator()
		var lastResp *genai.GenerateContentResponse
		var lastThoughtSig []byte
		sawFunctionCall := false
		callIndex := 0

		for resp, err := range client.Models.GenerateContentStream(ctx, chooseModel(req.Model, p.model), contents, config) {
			if err != nil {
				if IsAuthFailure(err) {
					return &AuthError{Provider: "gemini", StatusCode: 401, Message: err.Error()}
				}
				return fmt.Errorf("gemini streaming error: %w", err)
			}
			lastResp = resp
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Thought {
					if len(part.ThoughtSignature) > 0 {
						lastThoughtSig = part.ThoughtSignature
					}
					if part.Text != "" {
						if c, ok := reasoning.Add("", "reasoning.text", "google-gemini-v1", string(part.ThoughtSignature), part.Text, "", "", 0); ok {
							chunks <- c
						}
					}
					continue
				}
				if part.Text != "" {
					chunks <- Chunk{Type: ChunkText, Text: part.Text}
				}
				if part.FunctionCall != nil {
					sawFunctionCall = true
					argsJSON, _ := json.Marshal(part.FunctionCall.Args)
					for _, c := range tracker.Add(callIndex, part.FunctionCall.ID, part.FunctionCall.Name, string(argsJSON)) {
						chunks <- c
					}
					callIndex++
				}
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if sawFunctionCall {
			for _, c := range tracker.Finalize() {
				if c.Type == ChunkToolCall && c.Tool != nil {
					c.Tool.ThoughtSig = lastThoughtSig
				}
				chunks <- c
			}
		}

		if lastResp != nil && lastResp.UsageMetadata != nil && lastResp.UsageMetadata.TotalTokenCount > 0 {
			rawUsage, _ := json.Marshal(lastResp.UsageMetadata)
			rec := usage.Normalize("gemini", chooseModel(req.Model, p.model), rawUsage, p.prices)
			chunks <- Chunk{Type: ChunkUsage, Use: &rec}
		}
		return nil
	}), nil
}

func buildGeminiContents(req Request) (string, []*genai.Content) {
	var systemParts []string
	if req.Instructions != "" {
		systemParts = append(systemParts, req.Instructions)
	}
	messages := reattachReasoningItems(req.Messages)
	contents := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if text := collectTextParts(msg.Parts); text != "" {
				systemParts = append(systemParts, text)
			}
		case RoleUser:
			if content := buildGeminiContent(genai.RoleUser, msg.Parts); content != nil {
				contents = append(contents, content)
			}
		case RoleAssistant:
			if content := buildGeminiContent(genai.RoleModel, msg.Parts); content != nil {
				contents = append(contents, content)
			}
		case RoleTool:
			if content := buildGeminiToolResultContent(msg.Parts); content != nil {
				contents = append(contents, content)
			}
		}
	}
	return strings.Join(systemParts, "\n\n"), contents
}

func buildGeminiContent(role string, parts []Part) *genai.Content {
	content := &genai.Content{Role: role}
	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: part.Text})
			}
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			sig := part.ToolCall.ThoughtSig
			if len(sig) == 0 {
				// Replayed call from another backend; without a signature
				// thinking models reject the whole history.
				sig = placeholderThoughtSig
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   part.ToolCall.ID,
					Name: part.ToolCall.Name,
					Args: toolArgsToMap(part.ToolCall.Arguments),
				},
				ThoughtSignature: sig,
			})
		}
	}
	if len(content.Parts) == 0 {
		return nil
	}
	return content
}

func buildGeminiToolResultContent(parts []Part) *genai.Content {
	content := &genai.Content{Role: genai.RoleUser}
	for _, part := range parts {
		if part.Type != PartToolResult || part.ToolResult == nil {
			continue
		}
		content.Parts = append(content.Parts, &genai.Part{
			FunctionResponse: &genai.FunctionResponse{
				ID:       part.ToolResult.ID,
				Name:     part.ToolResult.Name,
				Response: map[string]any{"output": part.ToolResult.Content},
			},
			ThoughtSignature: part.ToolResult.ThoughtSig,
		})
	}
	if len(content.Parts) == 0 {
		return nil
	}
	return content
}

func toolArgsToMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		return args
	}
	return map[string]any{"_raw": string(raw)}
}

func buildGeminiTools(specs []ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]*genai.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				{
					Name:        spec.Name,
					Description: spec.Description,
					Parameters:  schemaToGenai(spec.Schema),
				},
			},
		})
	}
	return tools
}

func buildGeminiToolConfig(choice ToolChoice) *genai.ToolConfig {
	mode := genai.FunctionCallingConfigModeAuto
	var allowed []string

	switch choice.Mode {
	case ToolChoiceNone:
		mode = genai.FunctionCallingConfigModeNone
	case ToolChoiceRequired:
		mode = genai.FunctionCallingConfigModeAny
	case ToolChoiceName:
		if strings.TrimSpace(choice.Name) != "" {
			mode = genai.FunctionCallingConfigModeAny
			allowed = []string{choice.Name}
		}
	}

	return &genai.ToolConfig{
		FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode:                 mode,
			AllowedFunctionNames: allowed,
		},
	}
}

// schemaToGenai converts a JSON schema map into genai's typed schema.
// Unsupported keywords are dropped rather than erroring, matching how the
// API itself treats them.
func schemaToGenai(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		switch t {
		case "object":
			out.Type = genai.TypeObject
		case "string":
			out.Type = genai.TypeString
		case "number":
			out.Type = genai.TypeNumber
		case "integer":
			out.Type = genai.TypeInteger
		case "boolean":
			out.Type = genai.TypeBoolean
		case "array":
			out.Type = genai.TypeArray
		}
	}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]any); ok {
				out.Properties[name] = schemaToGenai(sub)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = schemaToGenai(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, v := range enum {
			if s, ok := v.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	out.Required = schemaRequired(schema)
	return out
}
