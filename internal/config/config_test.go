package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultResumeText, cfg.ResumeText)
	assert.Equal(t, DefaultMemoryTTLSeconds, cfg.SignatureCache.MemoryTTLSeconds)
	assert.Equal(t, DefaultDiskTTLSeconds, cfg.SignatureCache.DiskTTLSeconds)
	assert.Equal(t, DefaultEmptyResponseMaxAttempts, cfg.EmptyResponseMaxAttempts)

	assert.True(t, cfg.CacheEnabled())
	assert.True(t, cfg.SessionRecovery)
	assert.True(t, cfg.AutoResume)
	assert.True(t, cfg.ToolIDRecovery)
	assert.True(t, cfg.ClaudeToolHardening)
	assert.True(t, cfg.ProactiveTokenRefresh)
	assert.False(t, cfg.QuietMode)
	assert.False(t, cfg.Debug)
}

func TestLoadConfigParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9000
quiet-mode: true
keep-thinking: true
session-recovery: false
resume-text: "keep going"
signature-cache:
  enabled: false
  memory-ttl-seconds: 120
proxy-url: "socks5://127.0.0.1:1080"
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.QuietMode)
	assert.True(t, cfg.KeepThinking)
	assert.False(t, cfg.SessionRecovery)
	assert.Equal(t, "keep going", cfg.ResumeText)
	assert.False(t, cfg.CacheEnabled())
	assert.Equal(t, 120, cfg.SignatureCache.MemoryTTLSeconds)
	assert.Equal(t, DefaultDiskTTLSeconds, cfg.SignatureCache.DiskTTLSeconds)
	assert.Equal(t, "socks5://127.0.0.1:1080", cfg.ProxyURL)

	// Booleans the file does not mention keep their documented defaults.
	assert.True(t, cfg.AutoResume)
	assert.True(t, cfg.ClaudeToolHardening)
}

func TestLoadConfigRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not a number"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverridesBeatFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\ndebug: false\n"), 0o600))

	t.Setenv("ANTIGRAVITY_PORT", "9100")
	t.Setenv("ANTIGRAVITY_DEBUG", "true")
	t.Setenv("ANTIGRAVITY_RESUME_TEXT", "resume now")
	t.Setenv("ANTIGRAVITY_SIGNATURE_CACHE_ENABLED", "false")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "resume now", cfg.ResumeText)
	assert.False(t, cfg.CacheEnabled())
}

func TestInternalURL(t *testing.T) {
	assert.Equal(t,
		"https://cloudcode-pa.googleapis.com/v1internal:generateContent",
		InternalURL(EndpointProd, "generateContent"))
}
