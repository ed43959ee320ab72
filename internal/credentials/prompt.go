package credentials

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// PromptToken reads a pasted token with echo disabled. Returns an error in
// non-interactive contexts so scripts fail fast instead of hanging.
func PromptToken(provider string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("%s authentication required but running in non-interactive mode", provider)
	}

	fmt.Fprintf(os.Stderr, "No %s credentials found.\n", provider)
	fmt.Fprintf(os.Stderr, "Paste an access token for %s: ", provider)

	tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}

	// Strip whitespace that sneaks in during paste.
	token := strings.Join(strings.Fields(string(tokenBytes)), "")
	if token == "" {
		return "", fmt.Errorf("empty token provided")
	}
	return token, nil
}
