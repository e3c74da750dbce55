// Package constant defines the model family, quota key, and header style
// variants used throughout the broker, ensuring consistent naming across
// account selection, request preparation, and rate-limit tracking.
package constant

import "strings"

// ModelFamily identifies which upstream model family a request targets.
type ModelFamily string

const (
	// FamilyClaude represents the Anthropic Claude model family.
	FamilyClaude ModelFamily = "claude"

	// FamilyGemini represents the Google Gemini model family.
	FamilyGemini ModelFamily = "gemini"
)

// FamilyForModel derives the model family from a model name substring.
// Anything that is not Claude is treated as Gemini; the upstream serves no
// third family.
func FamilyForModel(model string) ModelFamily {
	if strings.Contains(strings.ToLower(model), "claude") {
		return FamilyClaude
	}
	return FamilyGemini
}

// HeaderStyle selects the User-Agent, API-client, and client-metadata header
// tuple sent with upstream requests.
type HeaderStyle string

const (
	// StyleAntigravity is the primary header style for both families.
	StyleAntigravity HeaderStyle = "antigravity"

	// StyleGeminiCLI is the fallback style for the Gemini family, reaching a
	// physically distinct upstream quota pool.
	StyleGeminiCLI HeaderStyle = "gemini-cli"
)

// QuotaKey names a physical rate-limit bucket. Claude has one; Gemini has
// two, one per header style.
type QuotaKey string

const (
	QuotaClaude            QuotaKey = "claude"
	QuotaGeminiAntigravity QuotaKey = "gemini-antigravity"
	QuotaGeminiCLI         QuotaKey = "gemini-cli"
)

// QuotaKeyFor maps a (family, header style) pair onto its quota bucket.
func QuotaKeyFor(family ModelFamily, style HeaderStyle) QuotaKey {
	if family == FamilyClaude {
		return QuotaClaude
	}
	if style == StyleGeminiCLI {
		return QuotaGeminiCLI
	}
	return QuotaGeminiAntigravity
}

// QuotaKeysForFamily lists every quota bucket belonging to a family, in
// header-style preference order.
func QuotaKeysForFamily(family ModelFamily) []QuotaKey {
	if family == FamilyClaude {
		return []QuotaKey{QuotaClaude}
	}
	return []QuotaKey{QuotaGeminiAntigravity, QuotaGeminiCLI}
}

// Headers returns the HTTP header tuple for this style.
func (s HeaderStyle) Headers() map[string]string {
	if s == StyleGeminiCLI {
		return map[string]string{
			"User-Agent":        "google-api-nodejs-client/9.15.1",
			"X-Goog-Api-Client": "gl-node/22.17.0",
			"Client-Metadata":   "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI",
		}
	}
	return map[string]string{
		"User-Agent":        "antigravity/1.11.5 windows/amd64",
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`,
	}
}

// SwitchReason records why the account manager changed its selection.
type SwitchReason string

const (
	SwitchInitial   SwitchReason = "initial"
	SwitchRateLimit SwitchReason = "rate-limit"
	SwitchRotation  SwitchReason = "rotation"
)
