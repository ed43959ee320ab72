package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jmallory/polyllm/internal/config"
	"github.com/jmallory/polyllm/internal/llm"
)

var rootCmd = &cobra.Command{
	Use:   "polyllm",
	Short: "Stream LLM turns through one normalized chunk vocabulary",
	Long: `polyllm talks to Anthropic, OpenAI, Gemini and OpenAI-compatible
backends and normalizes every response into a single chunk stream:
text, reasoning, reconstructed tool calls, and usage accounting.

Examples:
  polyllm run "summarize this repo"
  polyllm run -p gemini:gemini-2.5-pro "explain the bug"
  polyllm models --provider openrouter
  polyllm auth anthropic`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	SilenceUsage:      true,
}

var (
	flagProvider string
	flagModel    string
	flagDebug    bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagProvider, "provider", "p", "", "Provider, optionally with model (e.g. anthropic or openai:gpt-5)")
	rootCmd.PersistentFlags().StringVarP(&flagModel, "model", "m", "", "Model override for the selected provider")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flagProvider != "" {
		provider, model, err := llm.ParseProviderModel(flagProvider)
		if err != nil {
			return nil, err
		}
		cfg.ApplyOverrides(provider, model)
	}
	cfg.ApplyOverrides("", flagModel)
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if flagDebug {
		level = zerolog.DebugLevel
	}
	var log zerolog.Logger
	if cfg.Log.Format == "json" {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return log.Level(level).With().Timestamp().Logger()
}
