package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmallory/polyllm/internal/delegation"
)

var tasksJSON bool

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List delegation state for recent tasks",
	RunE:  runTasks,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.Flags().BoolVar(&tasksJSON, "json", false, "Output as JSON")
}

func runTasks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := delegation.NewSQLiteStore(cfg.Session.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	metas, err := store.List(cmd.Context())
	if err != nil {
		return err
	}

	if tasksJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(metas)
	}

	if len(metas) == 0 {
		fmt.Println("No tasks recorded.")
		return nil
	}
	for _, m := range metas {
		fmt.Printf("%s  %-10s", m.TaskID, m.Status)
		if m.AwaitingChildID != "" {
			fmt.Printf("  awaiting %s", m.AwaitingChildID)
		}
		if m.CompletedByChildID != "" {
			fmt.Printf("  completed by %s", m.CompletedByChildID)
		}
		if len(m.ChildIDs) > 0 {
			fmt.Printf("  children %d", len(m.ChildIDs))
		}
		fmt.Printf("  %s\n", m.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}
