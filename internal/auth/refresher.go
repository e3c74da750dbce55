package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opencode-tools/antigravity-broker/internal/config"
)

// ErrInvalidGrant marks a refresh token the OAuth server has revoked. The
// account carrying it can never recover and must be removed from the pool.
var ErrInvalidGrant = errors.New("refresh token revoked (invalid_grant)")

// Refresher exchanges refresh tokens for access tokens against the upstream
// OAuth token endpoint.
type Refresher struct {
	httpClient *http.Client
}

// NewRefresher creates a refresher using the given HTTP client, which carries
// any configured proxy.
func NewRefresher(httpClient *http.Client) *Refresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Refresher{httpClient: httpClient}
}

// TokenResult is a successful refresh exchange.
type TokenResult struct {
	AccessToken string
	// Expires is the absolute expiry as unix milliseconds.
	Expires int64
}

// Refresh performs the refresh_token grant.
//
// Parameters:
//   - ctx: The request context
//   - refreshToken: The account's long-lived refresh token
//
// Returns:
//   - *TokenResult: The new access token and absolute expiry
//   - error: ErrInvalidGrant for revoked tokens, otherwise a transient error
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*TokenResult, error) {
	form := url.Values{}
	form.Set("client_id", config.OAuthClientID)
	form.Set("client_secret", config.OAuthClientSecret)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.OAuthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Debugf("failed to close token response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		if oauthErr.Error == "invalid_grant" {
			return nil, ErrInvalidGrant
		}
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if errUnmarshal := json.Unmarshal(body, &token); errUnmarshal != nil {
		return nil, fmt.Errorf("parse token response: %w", errUnmarshal)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}

	return &TokenResult{
		AccessToken: token.AccessToken,
		Expires:     time.Now().UnixMilli() + token.ExpiresIn*1000,
	}, nil
}
