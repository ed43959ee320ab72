package llm

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"github.com/jmallory/polyllm/internal/credentials"
	"github.com/jmallory/polyllm/internal/usage"
)

// OpenAIProvider implements Provider against the OpenAI Responses API.
type OpenAIProvider struct {
	client          *openai.Client // model listing only
	model           string
	effort          string
	credential      string
	responsesClient *ResponsesClient
	log             zerolog.Logger
}

// parseModelEffort extracts the effort suffix from a model name.
// "gpt-5-high" -> ("gpt-5", "high")
func parseModelEffort(model string) (string, string) {
	// Longest first so "-high" does not match inside "-xhigh".
	suffixes := []string{"xhigh", "medium", "high", "low"}
	for _, effort := range suffixes {
		suffix := "-" + effort
		if strings.HasSuffix(model, suffix) {
			return strings.TrimSuffix(model, suffix), effort
		}
	}
	return model, ""
}

func NewOpenAIProvider(apiKey, model string, prices *usage.PriceTable, log zerolog.Logger) (*OpenAIProvider, error) {
	credential := "api_key"
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
		credential = "env"
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no OpenAI credentials found (set OPENAI_API_KEY)")
	}
	actualModel, effort := parseModelEffort(model)
	client := openai.NewClient(option.WithAPIKey(apiKey))
	key := apiKey
	return &OpenAIProvider{
		client:     &client,
		model:      actualModel,
		effort:     effort,
		credential: credential,
		log:        log.With().Str("provider", "openai").Logger(),
		responsesClient: &ResponsesClient{
			Provider:      "openai",
			BaseURL:       "https://api.openai.com/v1/responses",
			GetAuthHeader: func() string { return "Bearer " + key },
			HTTPClient:    defaultHTTPClient,
			Prices:        prices,
		},
	}, nil
}

// NewChatGPTProvider builds an OpenAI provider authenticated with a saved
// OAuth token instead of an API key. The auth header re-reads the token
// store on every request so a refresh done by the retry wrapper is picked
// up without rebuilding the provider.
func NewChatGPTProvider(model string, prices *usage.PriceTable, log zerolog.Logger) (*OpenAIProvider, error) {
	token, err := credentials.GetOAuthToken("openai")
	if err != nil {
		return nil, err
	}
	actualModel, effort := parseModelEffort(model)
	client := openai.NewClient(option.WithAPIKey(token.AccessToken))
	rc := &ResponsesClient{
		Provider: "openai",
		BaseURL:  "https://chatgpt.com/backend-api/codex/responses",
		GetAuthHeader: func() string {
			current, err := credentials.GetOAuthToken("openai")
			if err != nil {
				return ""
			}
			return "Bearer " + current.AccessToken
		},
		HTTPClient: defaultHTTPClient,
		Prices:     prices,
	}
	if token.AccountID != "" {
		rc.ExtraHeaders = map[string]string{"chatgpt-account-id": token.AccountID}
	}
	return &OpenAIProvider{
		client:          &client,
		model:           actualModel,
		effort:          effort,
		credential:      "oauth",
		responsesClient: rc,
		log:             log.With().Str("provider", "openai").Str("auth", "oauth").Logger(),
	}, nil
}

func (p *OpenAIProvider) Name() string       { return "openai" }
func (p *OpenAIProvider) Credential() string { return p.credential }

func (p *OpenAIProvider) Capabilities() Capabilities {
	return Capabilities{ToolCalls: true, Reasoning: true, EncryptedReasoning: true}
}

func (p *OpenAIProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	var models []ModelInfo
	for _, m := range page.Data {
		models = append(models, ModelInfo{ID: m.ID, Created: m.Created})
	}
	return models, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	reqModel, reqEffort := parseModelEffort(req.Model)
	model := chooseModel(reqModel, p.model)
	effort := p.effort
	if effort == "" {
		effort = reqEffort
	}
	if effort == "" {
		effort = req.ReasoningEffort
	}

	responsesReq := responsesRequest{
		Model: model,
		Input: buildResponsesInput(req),
		Tools: buildResponsesTools(req.Tools),
		// Encrypted reasoning must be requested explicitly or the API
		// omits it and the next turn loses chain-of-thought state.
		Include:        []string{"reasoning.encrypted_content"},
		PromptCacheKey: req.SessionID,
		Stream:         true,
	}
	if req.ToolChoice.Mode != "" {
		responsesReq.ToolChoice = buildResponsesToolChoice(req.ToolChoice)
	}
	if req.ParallelToolCalls {
		responsesReq.ParallelToolCalls = boolPtr(true)
	}
	if req.Temperature > 0 {
		v := float64(req.Temperature)
		responsesReq.Temperature = &v
	}
	if req.TopP > 0 {
		v := float64(req.TopP)
		responsesReq.TopP = &v
	}
	if req.MaxOutputTokens > 0 {
		responsesReq.MaxOutputTokens = req.MaxOutputTokens
	}
	responsesReq.Reasoning = &responsesReasoning{Summary: "auto"}
	if effort != "" {
		responsesReq.Reasoning.Effort = effort
	}

	return p.responsesClient.stream(ctx, responsesReq, req.SessionID)
}

// normalizeSchemaForOpenAI rewrites a tool schema to meet strict-mode
// requirements: every property listed in required, additionalProperties
// false, unsupported format values removed. The input map is not mutated.
func normalizeSchemaForOpenAI(schema map[string]any) map[string]any {
	if schema == nil {
		return schema
	}
	return normalizeSchemaRecursive(deepCopyMap(schema))
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			result[k] = deepCopyMap(val)
		case []any:
			result[k] = deepCopySlice(val)
		default:
			result[k] = v
		}
	}
	return result
}

func deepCopySlice(s []any) []any {
	if s == nil {
		return nil
	}
	result := make([]any, len(s))
	for i, v := range s {
		switch val := v.(type) {
		case map[string]any:
			result[i] = deepCopyMap(val)
		case []any:
			result[i] = deepCopySlice(val)
		default:
			result[i] = v
		}
	}
	return result
}

func normalizeSchemaRecursive(schema map[string]any) map[string]any {
	if format, ok := schema["format"].(string); ok {
		switch format {
		case "date-time", "date", "time", "email":
		default:
			delete(schema, "format")
		}
	}

	if props, ok := schema["properties"].(map[string]any); ok && len(props) > 0 {
		for key, val := range props {
			if propSchema, ok := val.(map[string]any); ok {
				props[key] = normalizeSchemaRecursive(propSchema)
			}
		}
		required := make([]string, 0, len(props))
		for key := range props {
			required = append(required, key)
		}
		sort.Strings(required)
		schema["required"] = required
	}

	if items, ok := schema["items"].(map[string]any); ok {
		schema["items"] = normalizeSchemaRecursive(items)
	}
	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := schema[key].([]any); ok {
			for i, item := range arr {
				if itemSchema, ok := item.(map[string]any); ok {
					arr[i] = normalizeSchemaRecursive(itemSchema)
				}
			}
		}
	}

	// additionalProperties must be false for objects, unless it is already
	// a schema map describing a free-form value type.
	if schema["type"] == "object" || schema["properties"] != nil {
		if _, isSchemaMap := schema["additionalProperties"].(map[string]any); !isSchemaMap {
			schema["additionalProperties"] = false
		}
	}
	return schema
}
