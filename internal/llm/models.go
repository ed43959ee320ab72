package llm

import (
	"sort"
	"strings"
)

// ModelInfo describes a model available from a provider.
type ModelInfo struct {
	ID          string
	DisplayName string
	Created     int64
}

// ProviderModels is the curated list of common models per provider type.
// Live listings come from ListModels where the backend supports it.
var ProviderModels = map[string][]string{
	"anthropic": {
		"claude-opus-4",
		"claude-opus-4-thinking",
		"claude-sonnet-4",
		"claude-sonnet-4-thinking",
		"claude-haiku-4",
	},
	"openai": {
		"gpt-5",
		"gpt-5-high",
		"gpt-5-mini",
		"gpt-4.1",
		"o3",
	},
	"chatgpt": {
		"gpt-5-codex",
		"gpt-5",
		"gpt-5-mini",
	},
	"gemini": {
		"gemini-2.5-pro",
		"gemini-2.5-pro-thinking",
		"gemini-2.5-flash",
		"gemini-2.5-flash-thinking",
		"gemini-2.5-flash-lite",
	},
	"openrouter": {
		"x-ai/grok-code-fast-1",
		"anthropic/claude-sonnet-4",
		"openai/gpt-5",
	},
	"ollama": {
		"qwen3",
		"llama3.3",
	},
}

// BuiltInProviderNames returns the known provider type names sorted.
func BuiltInProviderNames() []string {
	names := make([]string, 0, len(ProviderModels))
	for name := range ProviderModels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseProviderModel splits a "provider:model" flag value. The model part
// is optional.
func ParseProviderModel(s string) (string, string, error) {
	parts := strings.SplitN(s, ":", 2)
	provider := strings.TrimSpace(parts[0])
	if provider == "" {
		return "", "", errEmptyProvider
	}
	model := ""
	if len(parts) == 2 {
		model = strings.TrimSpace(parts[1])
	}
	for _, name := range BuiltInProviderNames() {
		if provider == name {
			return provider, model, nil
		}
	}
	return "", "", &unknownProviderError{name: provider}
}

var errEmptyProvider = &unknownProviderError{name: ""}

type unknownProviderError struct {
	name string
}

func (e *unknownProviderError) Error() string {
	if e.name == "" {
		return "empty provider name"
	}
	return "unknown provider: " + e.name + " (valid: " + strings.Join(BuiltInProviderNames(), ", ") + ")"
}
