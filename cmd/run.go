package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jmallory/polyllm/internal/delegation"
	"github.com/jmallory/polyllm/internal/llm"
	"github.com/jmallory/polyllm/internal/usage"
)

var (
	runSystem        string
	runSession       string
	runStats         bool
	runShowReasoning bool
	runEffort        string
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Stream one agentic turn and print the normalized output",
	Long: `Send a prompt to the configured provider and stream the response.

Tool calls requested by the model are printed as they finalize; reasoning
is hidden unless --show-reasoning is set. With --stats the accumulated
token usage and cost for the whole turn is printed at the end.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runSystem, "system", "", "System instructions")
	runCmd.Flags().StringVar(&runSession, "session", "", "Session ID (defaults to a fresh UUID)")
	runCmd.Flags().BoolVar(&runStats, "stats", false, "Print token usage and cost after the response")
	runCmd.Flags().BoolVar(&runShowReasoning, "show-reasoning", false, "Print reasoning summaries as they stream")
	runCmd.Flags().StringVar(&runEffort, "effort", "", "Reasoning effort (low, medium, high)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	prices, err := usage.LoadPriceTable(cfg.PriceTable)
	if err != nil {
		return err
	}

	provider, err := llm.NewProvider(cfg, prices, log)
	if err != nil {
		return err
	}

	sessionID := runSession
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// Delegation state rides along with the session so a delegated child
	// can find its parent record.
	store, err := delegation.NewSQLiteStore(cfg.Session.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	coord := delegation.NewCoordinator(store, delegation.NewSnapshots(cfg.Session.SnapshotDir), log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := coord.Start(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to register task: %w", err)
	}

	engine := llm.NewEngine(provider, llm.NewToolRegistry(), log)
	req := llm.Request{
		Instructions:    runSystem,
		Messages:        []llm.Message{llm.UserText(strings.Join(args, " "))},
		ReasoningEffort: runEffort,
		SessionID:       sessionID,
	}

	stream, err := engine.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	var totals *usage.Record
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Println()
			return err
		}
		switch chunk.Type {
		case llm.ChunkText:
			fmt.Print(chunk.Text)
		case llm.ChunkReasoning:
			if runShowReasoning && chunk.Text != "" {
				fmt.Fprint(os.Stderr, chunk.Text)
			}
		case llm.ChunkToolCall:
			fmt.Fprintf(os.Stderr, "\n[tool call] %s(%s)\n", chunk.Tool.Name, string(chunk.Tool.Arguments))
		case llm.ChunkUsage:
			totals = chunk.Use
		case llm.ChunkError:
			fmt.Fprintf(os.Stderr, "\n[stream error] %v\n", chunk.Err)
		}
	}
	fmt.Println()

	if _, err := coord.Finish(ctx, sessionID, ""); err != nil {
		log.Warn().Str("session", sessionID).Err(err).Msg("failed to mark task finished")
	}

	if runStats && totals != nil {
		printUsage(totals)
	}
	return nil
}

func printUsage(rec *usage.Record) {
	fmt.Fprintf(os.Stderr, "\nmodel: %s\n", rec.Model)
	fmt.Fprintf(os.Stderr, "tokens: %d in, %d out", rec.InputTokens, rec.OutputTokens)
	if rec.CacheReadTokens > 0 || rec.CacheWriteTokens > 0 {
		fmt.Fprintf(os.Stderr, " (cache: %d read, %d write)", rec.CacheReadTokens, rec.CacheWriteTokens)
	}
	if rec.ReasoningTokens > 0 {
		fmt.Fprintf(os.Stderr, ", %d reasoning", rec.ReasoningTokens)
	}
	fmt.Fprintln(os.Stderr)
	if rec.CostUSD > 0 {
		source := "estimated"
		if rec.CostAuthoritative {
			source = "reported"
		}
		fmt.Fprintf(os.Stderr, "cost: $%.4f (%s)\n", rec.CostUSD, source)
	}
}
