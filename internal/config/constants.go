// Package config provides configuration management for the antigravity broker.
// It holds the upstream endpoint and OAuth constants, loads the YAML
// configuration file, and applies environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Cloud Code API base URLs. Project discovery prefers prod; generation
// prefers the daily sandbox and falls back towards prod.
const (
	EndpointProd     = "https://cloudcode-pa.googleapis.com"
	EndpointDaily    = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	EndpointAutopush = "https://autopush-cloudcode-pa.sandbox.googleapis.com"
)

// GenerationEndpoints is the endpoint priority order for generateContent and
// streamGenerateContent requests.
var GenerationEndpoints = []string{EndpointDaily, EndpointAutopush, EndpointProd}

// DiscoveryEndpoints is the endpoint priority order for loadCodeAssist.
// Discovery works better on prod for fresh, unprovisioned accounts.
var DiscoveryEndpoints = []string{EndpointProd, EndpointDaily, EndpointAutopush}

const apiVersion = "v1internal"

// InternalURL builds a /v1internal:{action} URL on the given endpoint.
func InternalURL(endpoint, action string) string {
	return fmt.Sprintf("%s/%s:%s", endpoint, apiVersion, action)
}

// OAuth constants for the upstream's public CLI client. The client secret is
// not confidential for installed-application flows.
const (
	OAuthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	OAuthClientSecret = "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"
	OAuthAuthURL      = "https://accounts.google.com/o/oauth2/v2/auth"
	OAuthTokenURL     = "https://oauth2.googleapis.com/token"
	OAuthUserInfoURL  = "https://www.googleapis.com/oauth2/v1/userinfo"
	OAuthCallbackPort = 51121
)

// OAuthScopes are the scopes requested during login.
var OAuthScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// OAuthRedirectURI returns the loopback redirect used by the login flow.
func OAuthRedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/oauth-callback", OAuthCallbackPort)
}

// DefaultProjectID is the last-resort project id when discovery finds nothing
// and the user supplied none.
const DefaultProjectID = "rising-fact-p41fc"

// Persisted file names inside the config directory.
const (
	AccountsFileName       = "antigravity-accounts.json"
	SignatureCacheFileName = "antigravity-signature-cache.json"
	RecoveryStoreFileName  = "antigravity-recovery.db"
	LogDirName             = "antigravity-logs"
)

// InterleavedThinkingBeta is appended to the anthropic-beta header for Claude
// thinking models.
const InterleavedThinkingBeta = "interleaved-thinking-2025-05-14"

// MinSignatureLength is the empirical floor below which a thinking signature
// is never cached or trusted.
const MinSignatureLength = 50

// TokenExpirySkew treats an access token as expired this long before its
// actual expiry, absorbing clock skew between us and the OAuth server.
const TokenExpirySkewMs = 60_000

// ClaudeThinkingMinOutputTokens is forced onto Claude thinking requests;
// smaller budgets make the upstream truncate thinking mid-block.
const ClaudeThinkingMinOutputTokens = 64000

// ConfigDir returns the platform config directory holding the accounts file,
// signature cache, and recovery store ($XDG_CONFIG_HOME/opencode, or
// %APPDATA%\opencode on Windows).
func ConfigDir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "opencode")
		}
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "opencode")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "opencode"
	}
	return filepath.Join(home, ".config", "opencode")
}
