package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmallory/polyllm/internal/credentials"
)

var authCmd = &cobra.Command{
	Use:   "auth <provider>",
	Short: "Store an OAuth token for a provider",
	Long: `Store an OAuth access token (and optionally a refresh token) for a
provider. Tokens are written to the credentials directory with owner-only
permissions and picked up automatically by providers configured for
oauth credentials.

Examples:
  polyllm auth anthropic
  polyllm auth openai`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"anthropic", "openai", "openrouter"},
	RunE:      runAuth,
}

func init() {
	rootCmd.AddCommand(authCmd)
}

func runAuth(cmd *cobra.Command, args []string) error {
	provider := args[0]

	token, err := credentials.PromptToken(provider)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Refresh token (optional, press enter to skip): ")
	refreshBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read refresh token: %w", err)
	}
	refresh := strings.TrimSpace(string(refreshBytes))

	saved := &credentials.OAuthToken{
		AccessToken:  token,
		RefreshToken: refresh,
	}
	if err := credentials.SaveOAuthToken(provider, saved); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Saved %s credentials.\n", provider)
	return nil
}
