package llm

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jmallory/polyllm/internal/config"
	"github.com/jmallory/polyllm/internal/credentials"
	"github.com/jmallory/polyllm/internal/usage"
)

// NewProvider builds the configured provider. OAuth-backed providers come
// wrapped with refresh-and-retry; the rest are returned bare.
func NewProvider(cfg *config.Config, prices *usage.PriceTable, log zerolog.Logger) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		p, err := NewAnthropicProvider(cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Anthropic.Credentials, prices, log)
		if err != nil {
			return nil, err
		}
		if p.Credential() == "oauth" {
			return NewAuthRetryProvider(p, credentials.NewRefresher("anthropic"), log), nil
		}
		return p, nil

	case "openai":
		if cfg.OpenAI.Credentials == "oauth" {
			p, err := NewChatGPTProvider(cfg.OpenAI.Model, prices, log)
			if err != nil {
				return nil, err
			}
			return NewAuthRetryProvider(p, credentials.NewRefresher("openai"), log), nil
		}
		return NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.Model, prices, log)

	case "chatgpt":
		p, err := NewChatGPTProvider(cfg.OpenAI.Model, prices, log)
		if err != nil {
			return nil, err
		}
		return NewAuthRetryProvider(p, credentials.NewRefresher("openai"), log), nil

	case "gemini":
		if cfg.Gemini.APIKey == "" {
			return nil, fmt.Errorf("gemini provider requires api_key")
		}
		return NewGeminiProvider(cfg.Gemini.APIKey, cfg.Gemini.Model, prices, log), nil

	case "openrouter":
		if cfg.OpenRouter.APIKey == "" {
			return nil, fmt.Errorf("openrouter provider requires api_key")
		}
		p := NewCompatProvider("https://openrouter.ai/api/v1", cfg.OpenRouter.APIKey, cfg.OpenRouter.Model, "openrouter", prices, log)
		return p.WithHeaders(map[string]string{
			"HTTP-Referer": cfg.OpenRouter.AppURL,
			"X-Title":      cfg.OpenRouter.AppTitle,
		}), nil

	case "ollama":
		return NewCompatProvider(cfg.Ollama.BaseURL, cfg.Ollama.APIKey, cfg.Ollama.Model, "ollama", prices, log), nil

	default:
		return nil, fmt.Errorf("unknown provider: %q", cfg.Provider)
	}
}
