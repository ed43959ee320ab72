// Package credentials stores and refreshes per-provider OAuth tokens.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// OAuthToken is the saved credential for one provider.
type OAuthToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // Unix seconds, 0 = unknown
}

// Expired reports whether the token is past (or within a minute of) its
// expiry. Tokens without expiry metadata are assumed live until the API
// says otherwise.
func (t *OAuthToken) Expired() bool {
	if t.ExpiresAt == 0 {
		return false
	}
	return time.Now().Add(time.Minute).Unix() >= t.ExpiresAt
}

func credentialsDir() (string, error) {
	if dir := os.Getenv("POLYLLM_CREDENTIALS_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "polyllm", "credentials"), nil
}

func tokenPath(provider string) (string, error) {
	dir, err := credentialsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, provider+".json"), nil
}

// GetOAuthToken loads the saved token for a provider.
func GetOAuthToken(provider string) (*OAuthToken, error) {
	path, err := tokenPath(provider)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w (run 'polyllm auth %s')", path, err, provider)
	}
	var token OAuthToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to parse %s credentials: %w", provider, err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("no access token in %s (run 'polyllm auth %s')", path, provider)
	}
	return &token, nil
}

// SaveOAuthToken persists a token with owner-only permissions.
func SaveOAuthToken(provider string, token *OAuthToken) error {
	path, err := tokenPath(provider)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s credentials: %w", provider, err)
	}
	return nil
}
