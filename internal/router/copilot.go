package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// TokenSource supplies a bearer token per request, for providers whose
// credentials expire. Implementations cache and refresh transparently.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

const (
	copilotTokenEndpoint = "https://api.github.com/copilot_internal/v2/token"

	// Refresh ahead of the real expiry so an in-flight request never
	// carries a token about to lapse.
	copilotExpiryBuffer = 5 * time.Minute
)

// CopilotTokenSource exchanges a GitHub OAuth token or PAT for the
// short-lived JWT the Copilot API accepts, caching it until shortly
// before expiry.
type CopilotTokenSource struct {
	pat string

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewCopilotTokenSource(pat string) *CopilotTokenSource {
	return &CopilotTokenSource{pat: pat}
}

// Token returns a valid Copilot JWT, exchanging a fresh one if the cached
// token is missing or near expiry.
func (ts *CopilotTokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Now().Before(ts.expires.Add(-copilotExpiryBuffer)) {
		return ts.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, copilotTokenEndpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "token "+ts.pat)
	req.Header.Set("User-Agent", "GithubCopilot/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > 300 {
			body = body[:300]
		}
		return "", fmt.Errorf("token exchange returned %d: %s", resp.StatusCode, string(body))
	}

	var exchanged struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &exchanged); err != nil {
		return "", fmt.Errorf("parse token response: %w", err)
	}
	if exchanged.Token == "" {
		return "", fmt.Errorf("token exchange returned empty token")
	}

	ts.token = exchanged.Token
	ts.expires = time.Unix(exchanged.ExpiresAt, 0)

	return ts.token, nil
}
