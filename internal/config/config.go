package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the broker's configuration, loaded from a YAML file with
// environment variable overrides. Zero values are replaced by defaults in
// ApplyDefaults, so a missing file yields a fully usable configuration.
type Config struct {
	// Port is the local port the broker listens on for host requests.
	Port int `yaml:"port"`

	// QuietMode suppresses non-recovery toast callbacks.
	QuietMode bool `yaml:"quiet-mode"`

	// Debug enables debug-level logging and debug blobs in streams.
	Debug bool `yaml:"debug"`

	// LogDir overrides the log directory (default: config dir/antigravity-logs).
	LogDir string `yaml:"log-dir"`

	// KeepThinking enables signature caching and thinking-block backfill.
	KeepThinking bool `yaml:"keep-thinking"`

	// SessionRecovery enables the host-error recovery hook.
	SessionRecovery bool `yaml:"session-recovery"`

	// AutoResume re-prompts with ResumeText after a successful repair.
	AutoResume bool `yaml:"auto-resume"`

	// ResumeText is the continuation prompt sent on auto-resume.
	ResumeText string `yaml:"resume-text"`

	// SignatureCache tunes the dual-TTL signature cache.
	SignatureCache SignatureCacheConfig `yaml:"signature-cache"`

	// EmptyResponseMaxAttempts caps internal retries when the upstream
	// returns a body with no candidates.
	EmptyResponseMaxAttempts int `yaml:"empty-response-max-attempts"`

	// EmptyResponseRetryDelayMs is the delay between empty-response retries.
	EmptyResponseRetryDelayMs int `yaml:"empty-response-retry-delay-ms"`

	// ToolIDRecovery enables orphan tool-call/response pairing recovery.
	ToolIDRecovery bool `yaml:"tool-id-recovery"`

	// ClaudeToolHardening appends the strict-parameters instruction to Claude
	// tool definitions.
	ClaudeToolHardening bool `yaml:"claude-tool-hardening"`

	// ProactiveTokenRefresh enables the background refresh queue.
	ProactiveTokenRefresh bool `yaml:"proactive-token-refresh"`

	// RefreshBufferSeconds refreshes tokens expiring within this window.
	RefreshBufferSeconds int `yaml:"buffer-seconds"`

	// RefreshCheckIntervalSeconds is the refresh queue's polling interval.
	RefreshCheckIntervalSeconds int `yaml:"check-interval-seconds"`

	// ProjectID is an optional user-supplied cloud project id, used when the
	// upstream reports no managed project.
	ProjectID string `yaml:"project-id"`

	// ProxyURL is an optional proxy for outbound requests (http, https, socks5).
	ProxyURL string `yaml:"proxy-url"`
}

// SignatureCacheConfig tunes the signature cache TTLs and flush cadence.
type SignatureCacheConfig struct {
	Enabled              *bool `yaml:"enabled"`
	MemoryTTLSeconds     int   `yaml:"memory-ttl-seconds"`
	DiskTTLSeconds       int   `yaml:"disk-ttl-seconds"`
	WriteIntervalSeconds int   `yaml:"write-interval-seconds"`
}

// CacheEnabled reports whether signature caching is on (default true).
func (c *Config) CacheEnabled() bool {
	if c.SignatureCache.Enabled == nil {
		return true
	}
	return *c.SignatureCache.Enabled
}

// Defaults for options absent from both file and environment.
const (
	DefaultPort                      = 8317
	DefaultResumeText                = "continue"
	DefaultMemoryTTLSeconds          = 3600
	DefaultDiskTTLSeconds            = 172800
	DefaultWriteIntervalSeconds      = 60
	DefaultEmptyResponseMaxAttempts  = 4
	DefaultEmptyResponseRetryDelayMs = 2000
	DefaultRefreshBufferSeconds      = 1800
	DefaultRefreshCheckSeconds       = 300
)

// LoadConfig reads a YAML configuration file, applies environment overrides
// and defaults, and returns the result. A missing file is not an error; the
// returned config then carries only environment values and defaults.
//
// Parameters:
//   - configFile: The path to the YAML configuration file
//
// Returns:
//   - *Config: The loaded configuration
//   - error: An error if an existing file could not be parsed
func LoadConfig(configFile string) (*Config, error) {
	config := newDefaultShape()

	data, err := os.ReadFile(configFile)
	if err == nil {
		if errUnmarshal := yaml.Unmarshal(data, config); errUnmarshal != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", errUnmarshal)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config.applyEnvOverrides()
	config.ApplyDefaults()
	return config, nil
}

// newDefaultShape returns a config whose boolean options carry their
// documented defaults. Booleans defaulting to true cannot be distinguished
// from an explicit false after unmarshal, so they are pre-set here and YAML
// only overrides what the file actually mentions.
func newDefaultShape() *Config {
	return &Config{
		SessionRecovery:       true,
		AutoResume:            true,
		ToolIDRecovery:        true,
		ClaudeToolHardening:   true,
		ProactiveTokenRefresh: true,
	}
}

// ApplyDefaults fills zero-valued numeric and string options.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ResumeText == "" {
		c.ResumeText = DefaultResumeText
	}
	if c.SignatureCache.MemoryTTLSeconds == 0 {
		c.SignatureCache.MemoryTTLSeconds = DefaultMemoryTTLSeconds
	}
	if c.SignatureCache.DiskTTLSeconds == 0 {
		c.SignatureCache.DiskTTLSeconds = DefaultDiskTTLSeconds
	}
	if c.SignatureCache.WriteIntervalSeconds == 0 {
		c.SignatureCache.WriteIntervalSeconds = DefaultWriteIntervalSeconds
	}
	if c.EmptyResponseMaxAttempts == 0 {
		c.EmptyResponseMaxAttempts = DefaultEmptyResponseMaxAttempts
	}
	if c.EmptyResponseRetryDelayMs == 0 {
		c.EmptyResponseRetryDelayMs = DefaultEmptyResponseRetryDelayMs
	}
	if c.RefreshBufferSeconds == 0 {
		c.RefreshBufferSeconds = DefaultRefreshBufferSeconds
	}
	if c.RefreshCheckIntervalSeconds == 0 {
		c.RefreshCheckIntervalSeconds = DefaultRefreshCheckSeconds
	}
}

// envPrefix is prepended to the uppercased, underscored option name:
// quiet-mode becomes ANTIGRAVITY_QUIET_MODE.
const envPrefix = "ANTIGRAVITY_"

func envName(option string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(option, "-", "_"))
}

func (c *Config) applyEnvOverrides() {
	overrideBool(&c.QuietMode, "quiet-mode")
	overrideBool(&c.Debug, "debug")
	overrideString(&c.LogDir, "log-dir")
	overrideBool(&c.KeepThinking, "keep-thinking")
	overrideBool(&c.SessionRecovery, "session-recovery")
	overrideBool(&c.AutoResume, "auto-resume")
	overrideString(&c.ResumeText, "resume-text")
	overrideInt(&c.Port, "port")
	overrideInt(&c.EmptyResponseMaxAttempts, "empty-response-max-attempts")
	overrideInt(&c.EmptyResponseRetryDelayMs, "empty-response-retry-delay-ms")
	overrideBool(&c.ToolIDRecovery, "tool-id-recovery")
	overrideBool(&c.ClaudeToolHardening, "claude-tool-hardening")
	overrideBool(&c.ProactiveTokenRefresh, "proactive-token-refresh")
	overrideInt(&c.RefreshBufferSeconds, "buffer-seconds")
	overrideInt(&c.RefreshCheckIntervalSeconds, "check-interval-seconds")
	overrideString(&c.ProjectID, "project-id")
	overrideString(&c.ProxyURL, "proxy-url")

	if v, ok := os.LookupEnv(envName("signature-cache-enabled")); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SignatureCache.Enabled = &b
		}
	}
	overrideInt(&c.SignatureCache.MemoryTTLSeconds, "signature-cache-memory-ttl-seconds")
	overrideInt(&c.SignatureCache.DiskTTLSeconds, "signature-cache-disk-ttl-seconds")
	overrideInt(&c.SignatureCache.WriteIntervalSeconds, "signature-cache-write-interval-seconds")
}

func overrideBool(target *bool, option string) {
	if v, ok := os.LookupEnv(envName(option)); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func overrideInt(target *int, option string) {
	if v, ok := os.LookupEnv(envName(option)); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func overrideString(target *string, option string) {
	if v, ok := os.LookupEnv(envName(option)); ok {
		*target = v
	}
}
