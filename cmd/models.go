package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmallory/polyllm/internal/llm"
	"github.com/jmallory/polyllm/internal/usage"
)

var modelsJSON bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models for a provider",
	Long: `List models for the selected provider.

Providers with a models API are queried live; the rest fall back to the
curated list.

Examples:
  polyllm models                      # current provider
  polyllm models -p openai            # OpenAI, live listing
  polyllm models -p gemini --json     # curated list as JSON`,
	RunE: runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Output as JSON")
}

// ModelLister is implemented by providers that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]llm.ModelInfo, error)
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	var models []llm.ModelInfo

	provider, err := llm.NewProvider(cfg, usage.NewPriceTable(), log)
	if err == nil {
		if lister, ok := provider.(ModelLister); ok {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			models, err = lister.ListModels(ctx)
			if err != nil {
				log.Debug().Str("provider", cfg.Provider).Err(err).Msg("live model listing failed, using curated list")
				models = nil
			}
		}
	}

	if len(models) == 0 {
		curated, ok := llm.ProviderModels[cfg.Provider]
		if !ok {
			return fmt.Errorf("unknown provider %q (known: %v)", cfg.Provider, llm.BuiltInProviderNames())
		}
		for _, id := range curated {
			models = append(models, llm.ModelInfo{ID: id})
		}
	}

	if modelsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	}

	fmt.Printf("Models for %s:\n", cfg.Provider)
	for _, m := range models {
		if m.DisplayName != "" && m.DisplayName != m.ID {
			fmt.Printf("  %-40s %s\n", m.ID, m.DisplayName)
		} else {
			fmt.Printf("  %s\n", m.ID)
		}
	}
	return nil
}
