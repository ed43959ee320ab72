package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// refreshEndpoints maps providers to their OAuth token endpoints.
var refreshEndpoints = map[string]string{
	"anthropic":  "https://console.anthropic.com/v1/oauth/token",
	"openai":     "https://auth.openai.com/oauth/token",
	"openrouter": "https://openrouter.ai/api/v1/auth/refresh",
}

// Refresher exchanges a saved refresh token for a new access token and
// persists the result. One Refresher serves all streams for a provider;
// concurrent refresh requests collapse into a single exchange.
type Refresher struct {
	provider string
	client   *http.Client

	mu          sync.Mutex
	lastRefresh time.Time
}

func NewRefresher(provider string) *Refresher {
	return &Refresher{
		provider: provider,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Refresh renews the saved token. When another caller refreshed within the
// last few seconds the new token is already on disk, so the call is a
// no-op; this keeps parallel sessions from burning the refresh token twice.
func (r *Refresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastRefresh) < 5*time.Second {
		return nil
	}

	endpoint, ok := refreshEndpoints[r.provider]
	if !ok {
		return fmt.Errorf("no refresh endpoint known for provider %q", r.provider)
	}
	saved, err := GetOAuthToken(r.provider)
	if err != nil {
		return err
	}
	if saved.RefreshToken == "" {
		return fmt.Errorf("%s token has no refresh token; re-authenticate with 'polyllm auth %s'", r.provider, r.provider)
	}

	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": saved.RefreshToken,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("token refresh failed (status %d): %s", resp.StatusCode, respBody)
	}

	var refreshed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &refreshed); err != nil {
		return fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if refreshed.AccessToken == "" {
		return fmt.Errorf("refresh response missing access token")
	}

	updated := &OAuthToken{
		AccessToken:  refreshed.AccessToken,
		RefreshToken: saved.RefreshToken,
		AccountID:    saved.AccountID,
	}
	if refreshed.RefreshToken != "" {
		updated.RefreshToken = refreshed.RefreshToken
	}
	if refreshed.ExpiresIn > 0 {
		updated.ExpiresAt = time.Now().Unix() + refreshed.ExpiresIn
	}
	if err := SaveOAuthToken(r.provider, updated); err != nil {
		return err
	}
	r.lastRefresh = time.Now()
	return nil
}
