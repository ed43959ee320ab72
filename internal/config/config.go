// Package config loads polyllm configuration from YAML via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Provider   string           `mapstructure:"provider"`
	PriceTable string           `mapstructure:"price_table"` // YAML overlay, optional
	Log        LogConfig        `mapstructure:"log"`
	Session    SessionConfig    `mapstructure:"session"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
	OpenRouter OpenRouterConfig `mapstructure:"openrouter"`
	Ollama     OllamaConfig     `mapstructure:"ollama"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
}

// SessionConfig configures where conversation and delegation state lives.
type SessionConfig struct {
	DBPath      string `mapstructure:"db_path"`
	SnapshotDir string `mapstructure:"snapshot_dir"`
}

type AnthropicConfig struct {
	APIKey      string `mapstructure:"api_key"`
	Model       string `mapstructure:"model"`
	Credentials string `mapstructure:"credentials"` // auto, api_key, env, oauth
}

type OpenAIConfig struct {
	APIKey      string `mapstructure:"api_key"`
	Model       string `mapstructure:"model"`
	Credentials string `mapstructure:"credentials"` // api_key (default) or oauth
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type OpenRouterConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	AppURL   string `mapstructure:"app_url"`
	AppTitle string `mapstructure:"app_title"`
}

// OllamaConfig configures a local OpenAI-compatible server.
type OllamaConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"` // Optional, Ollama ignores it
}

func configDir() (string, error) {
	if dir := os.Getenv("POLYLLM_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "polyllm"), nil
}

func Load() (*Config, error) {
	dir, err := configDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(dir)
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("POLYLLM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("provider", "anthropic")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("session.db_path", filepath.Join(dir, "sessions.db"))
	viper.SetDefault("session.snapshot_dir", filepath.Join(dir, "snapshots"))
	viper.SetDefault("anthropic.model", "claude-sonnet-4")
	viper.SetDefault("anthropic.credentials", "auto")
	viper.SetDefault("openai.model", "gpt-5")
	viper.SetDefault("gemini.model", "gemini-2.5-flash")
	viper.SetDefault("openrouter.model", "x-ai/grok-code-fast-1")
	viper.SetDefault("openrouter.app_url", "https://github.com/jmallory/polyllm")
	viper.SetDefault("openrouter.app_title", "polyllm")
	viper.SetDefault("ollama.base_url", "http://localhost:11434/v1")

	// Config file is optional; defaults plus env cover the common case.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ApplyOverrides applies provider and model flag overrides.
func (c *Config) ApplyOverrides(provider, model string) {
	if provider != "" {
		c.Provider = provider
	}
	if model != "" {
		switch c.Provider {
		case "anthropic":
			c.Anthropic.Model = model
		case "openai", "chatgpt":
			c.OpenAI.Model = model
		case "gemini":
			c.Gemini.Model = model
		case "openrouter":
			c.OpenRouter.Model = model
		case "ollama":
			c.Ollama.Model = model
		}
	}
}
