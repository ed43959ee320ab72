package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/rs/zerolog"

	"github.com/jmallory/polyllm/internal/credentials"
	"github.com/jmallory/polyllm/internal/usage"
)

// Anthropic credential mode constants for the config "credentials" field.
// "auto" (or empty) walks the cascade; any other value forces that method.
const (
	AnthropicCredAuto   = "auto"
	AnthropicCredAPIKey = "api_key"
	AnthropicCredEnv    = "env"
	AnthropicCredOAuth  = "oauth"
)

const oauthBetaHeader = "oauth-2025-04-20"

// AnthropicProvider implements Provider using the Anthropic API.
type AnthropicProvider struct {
	client         *anthropic.Client
	model          string
	thinkingBudget int64 // 0 disables extended thinking
	credential     string
	prices         *usage.PriceTable
	log            zerolog.Logger
}

// parseModelThinking extracts the -thinking suffix from a model name.
// "claude-sonnet-4-thinking" -> ("claude-sonnet-4", 10000)
func parseModelThinking(model string) (string, int64) {
	if strings.HasSuffix(model, "-thinking") {
		return strings.TrimSuffix(model, "-thinking"), 10000
	}
	return model, 0
}

func newOAuthClient(token string) anthropic.Client {
	return anthropic.NewClient(
		option.WithAuthToken(token),
		option.WithHeader("anthropic-beta", oauthBetaHeader),
	)
}

// NewAnthropicProvider builds a provider, resolving credentials by mode:
// "auto" tries api_key, then ANTHROPIC_API_KEY, then a saved OAuth token.
func NewAnthropicProvider(apiKey, model, credentialMode string, prices *usage.PriceTable, log zerolog.Logger) (*AnthropicProvider, error) {
	actualModel, thinkingBudget := parseModelThinking(model)
	if credentialMode == "" {
		credentialMode = AnthropicCredAuto
	}

	mk := func(client anthropic.Client, cred string) *AnthropicProvider {
		return &AnthropicProvider{
			client:         &client,
			model:          actualModel,
			thinkingBudget: thinkingBudget,
			credential:     cred,
			prices:         prices,
			log:            log.With().Str("provider", "anthropic").Logger(),
		}
	}

	switch credentialMode {
	case AnthropicCredAPIKey:
		if apiKey == "" {
			return nil, fmt.Errorf("credentials mode %q requires an explicit api_key in provider config", credentialMode)
		}
		return mk(anthropic.NewClient(option.WithAPIKey(apiKey)), "api_key"), nil
	case AnthropicCredEnv:
		envKey := os.Getenv("ANTHROPIC_API_KEY")
		if envKey == "" {
			return nil, fmt.Errorf("credentials mode %q requires ANTHROPIC_API_KEY", credentialMode)
		}
		return mk(anthropic.NewClient(option.WithAPIKey(envKey)), "env"), nil
	case AnthropicCredOAuth:
		creds, err := credentials.GetOAuthToken("anthropic")
		if err != nil {
			return nil, fmt.Errorf("credentials mode %q: %w", credentialMode, err)
		}
		return mk(newOAuthClient(creds.AccessToken), "oauth"), nil
	case AnthropicCredAuto:
	default:
		return nil, fmt.Errorf("unknown Anthropic credentials mode: %q (valid: auto, api_key, env, oauth)", credentialMode)
	}

	if apiKey != "" {
		return mk(anthropic.NewClient(option.WithAPIKey(apiKey)), "api_key"), nil
	}
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		return mk(anthropic.NewClient(option.WithAPIKey(envKey)), "env"), nil
	}
	if creds, err := credentials.GetOAuthToken("anthropic"); err == nil {
		return mk(newOAuthClient(creds.AccessToken), "oauth"), nil
	}
	return nil, fmt.Errorf("no Anthropic credentials found (set ANTHROPIC_API_KEY or configure oauth)")
}

func (p *AnthropicProvider) Name() string       { return "anthropic" }
func (p *AnthropicProvider) Credential() string { return p.credential }

func (p *AnthropicProvider) Capabilities() Capabilities {
	return Capabilities{ToolCalls: true, Reasoning: true}
}

func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newChunkStream(ctx, func(ctx context.Context, chunks chan<- Chunk) error {
		system, messages := buildAnthropicMessages(req)
		tracker := newToolCallTracker("anthropic")
		reasoning := newReasoningAccumulator()

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(chooseModel(req.Model, p.model)),
			MaxTokens: maxTokens(req.MaxOutputTokens, 4096),
			Messages:  messages,
		}
		if system != "" {
			params.System = []anthropic.TextBlockParam{{Text: system}}
		}
		if len(req.Tools) > 0 {
			params.Tools = buildAnthropicTools(req.Tools)
			if p.thinkingBudget == 0 {
				params.ToolChoice = buildAnthropicToolChoice(req.ToolChoice, req.ParallelToolCalls)
			}
		}
		if p.thinkingBudget > 0 {
			params.MaxTokens = maxTokens(req.MaxOutputTokens, 16000)
			params.Thinking = anthropic.ThinkingConfigParamUnion{
				OfEnabled: &anthropic.ThinkingConfigEnabledParam{
					BudgetTokens: p.thinkingBudget,
				},
			}
		}

		var rawUsage []byte
		var stopReason string

		stream := p.client.Messages.NewStreaming(ctx, params)
		for stream.Next() {
			event := stream.Current()
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						chunks <- Chunk{Type: ChunkText, Text: delta.Text}
					}
				case anthropic.InputJSONDelta:
					for _, c := range tracker.Add(int(variant.Index), "", "", delta.PartialJSON) {
						chunks <- c
					}
				case anthropic.ThinkingDelta:
					if c, ok := reasoning.Add("", "thinking", "anthropic-claude-v1", "", delta.Thinking, "", "", int(variant.Index)); ok {
						chunks <- c
					}
				case anthropic.SignatureDelta:
					reasoning.Add("", "thinking", "anthropic-claude-v1", delta.Signature, "", "", "", int(variant.Index))
				}
			case anthropic.ContentBlockStartEvent:
				switch block := variant.ContentBlock.AsAny().(type) {
				case anthropic.ToolUseBlock:
					for _, c := range tracker.Add(int(variant.Index), block.ID, block.Name, "") {
						chunks <- c
					}
				case anthropic.ThinkingBlock:
					if c, ok := reasoning.Add("", "thinking", "anthropic-claude-v1", block.Signature, block.Thinking, "", "", int(variant.Index)); ok {
						chunks <- c
					}
				case anthropic.RedactedThinkingBlock:
					reasoning.Add("", "redacted_thinking", "anthropic-claude-v1", "", "", "", block.Data, int(variant.Index))
				}
			case anthropic.MessageDeltaEvent:
				if variant.Delta.StopReason != "" {
					stopReason = string(variant.Delta.StopReason)
				}
				if variant.Usage.OutputTokens > 0 {
					rawUsage, _ = json.Marshal(variant.Usage)
				}
			case anthropic.MessageStartEvent:
				rawUsage, _ = json.Marshal(variant.Message.Usage)
			}
		}
		if err := stream.Err(); err != nil {
			if IsAuthFailure(err) {
				return &AuthError{Provider: "anthropic", StatusCode: 401, Message: err.Error()}
			}
			return fmt.Errorf("anthropic streaming error: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// An abrupt end without a stop reason discards partial tool state.
		if stopReason == "tool_use" {
			for _, c := range tracker.Finalize() {
				chunks <- c
			}
		}

		if rawUsage != nil {
			rec := usage.Normalize("anthropic", string(params.Model), rawUsage, p.prices)
			chunks <- Chunk{Type: ChunkUsage, Use: &rec}
		}
		return nil
	}), nil
}

func buildAnthropicMessages(req Request) (string, []anthropic.MessageParam) {
	var systemParts []string
	if req.Instructions != "" {
		systemParts = append(systemParts, req.Instructions)
	}
	var out []anthropic.MessageParam

	for _, msg := range reattachReasoningItems(req.Messages) {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, collectTextParts(msg.Parts))
		case RoleUser, RoleTool:
			blocks := buildAnthropicBlocks(msg.Parts, false)
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		case RoleAssistant:
			blocks := buildAnthropicBlocks(msg.Parts, true)
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	return strings.Join(systemParts, "\n\n"), out
}

func buildAnthropicBlocks(parts []Part, allowToolUse bool) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case PartText:
			// Thinking blocks must precede text in a replayed assistant
			// turn or the API rejects the request.
			if allowToolUse && part.ReasoningEncryptedContent != "" {
				blocks = append(blocks, anthropic.NewThinkingBlock(part.ReasoningEncryptedContent, part.ReasoningContent))
			}
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case PartToolCall:
			if allowToolUse && part.ToolCall != nil {
				blocks = append(blocks, anthropic.NewToolUseBlock(part.ToolCall.ID, part.ToolCall.Arguments, part.ToolCall.Name))
			}
		case PartToolResult:
			if part.ToolResult != nil {
				block := anthropic.ToolResultBlockParam{
					ToolUseID: part.ToolResult.ID,
					IsError:   anthropic.Bool(part.ToolResult.IsError),
					Content: []anthropic.ToolResultBlockParamContentUnion{
						{OfText: &anthropic.TextBlockParam{Text: part.ToolResult.Content}},
					},
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{OfToolResult: &block})
			}
		}
	}
	return blocks
}

func buildAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: spec.Schema["properties"],
			Required:   schemaRequired(spec.Schema),
		}
		tool := anthropic.ToolUnionParamOfTool(inputSchema, spec.Name)
		if spec.Description != "" {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

func buildAnthropicToolChoice(choice ToolChoice, parallel bool) anthropic.ToolChoiceUnionParam {
	disableParallel := !parallel
	switch choice.Mode {
	case ToolChoiceNone:
		none := anthropic.NewToolChoiceNoneParam()
		return anthropic.ToolChoiceUnionParam{OfNone: &none}
	case ToolChoiceRequired:
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case ToolChoiceName:
		return anthropic.ToolChoiceParamOfTool(choice.Name)
	default:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{DisableParallelToolUse: anthropic.Bool(disableParallel)}}
	}
}

func schemaRequired(schema map[string]any) []string {
	raw, ok := schema["required"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func maxTokens(requested, fallback int) int64 {
	if requested > 0 {
		return int64(requested)
	}
	return int64(fallback)
}
