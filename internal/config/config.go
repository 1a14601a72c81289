// Package config provides configuration management for the bridge-ws gateway.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including the listen address,
// admission controls, provider binaries, and per-request timeouts.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the listen port when none is configured.
	DefaultPort = 8765

	// DefaultMaxFrameBytes caps inbound WebSocket frames (50 MiB).
	DefaultMaxFrameBytes = 50 * 1024 * 1024

	// DefaultHeartbeatInterval is the ping cadence for liveness probing.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultRunTimeout bounds a single provider execution.
	DefaultRunTimeout = 300 * time.Second

	// MinRunTimeout and MaxRunTimeout clamp configured run timeouts.
	MinRunTimeout = 1 * time.Second
	MaxRunTimeout = 3600 * time.Second

	// DefaultAgentName is advertised in the connected frame.
	DefaultAgentName = "bridge-ws"

	// DefaultSessionSubdir is the per-project working directory root under
	// the OS temp directory.
	DefaultSessionSubdir = "bridge-ws-sessions"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the interface the HTTP/WebSocket listener binds to.
	Host string `yaml:"host" json:"host"`

	// Port is the listen port for both the WebSocket upgrade and /healthz.
	Port int `yaml:"port" json:"port"`

	// APIKey, when non-empty, requires clients to present
	// "Authorization: Bearer <key>" during the upgrade. Connections without
	// a matching key are closed with code 4001.
	APIKey string `yaml:"api-key,omitempty" json:"api-key,omitempty"`

	// AllowedOrigins restricts browser connections. When non-empty, an
	// upgrade carrying an Origin header outside this list is closed with
	// code 4003. Requests without an Origin header are always admitted.
	AllowedOrigins []string `yaml:"allowed-origins,omitempty" json:"allowed-origins,omitempty"`

	// MaxFrameBytes caps inbound WebSocket frame size. <= 0 uses the
	// 50 MiB default.
	MaxFrameBytes int64 `yaml:"max-frame-bytes,omitempty" json:"max-frame-bytes,omitempty"`

	// MaxConnections caps concurrently accepted TCP connections.
	// <= 0 disables the cap.
	MaxConnections int `yaml:"max-connections,omitempty" json:"max-connections,omitempty"`

	// RunTimeoutSeconds bounds a single provider execution. Values outside
	// [1, 3600] are clamped. 0 uses the 300 s default.
	RunTimeoutSeconds int `yaml:"run-timeout-seconds,omitempty" json:"run-timeout-seconds,omitempty"`

	// AgentName overrides the agent identity advertised in the connected
	// frame. Empty uses "bridge-ws".
	AgentName string `yaml:"agent-name,omitempty" json:"agent-name,omitempty"`

	// SessionSubdir names the directory under the OS temp directory that
	// holds per-project working directories. Empty uses
	// "bridge-ws-sessions".
	SessionSubdir string `yaml:"session-subdir,omitempty" json:"session-subdir,omitempty"`

	// Claude configures the agent assistant CLI provider.
	Claude ClaudeConfig `yaml:"claude" json:"claude"`

	// Codex configures the coding assistant CLI provider.
	Codex CodexConfig `yaml:"codex" json:"codex"`

	// Ollama configures the HTTP streaming model provider.
	Ollama OllamaConfig `yaml:"ollama" json:"ollama"`

	// Logging configures log level and optional rotated file output.
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ClaudeConfig holds settings for the claude subprocess provider.
type ClaudeConfig struct {
	// BinaryPath is the executable to spawn. Empty uses "claude" from PATH.
	BinaryPath string `yaml:"binary-path,omitempty" json:"binary-path,omitempty"`

	// MaxTurns, when > 0, is passed through as --max-turns.
	MaxTurns int `yaml:"max-turns,omitempty" json:"max-turns,omitempty"`

	// Tools, when non-nil, is passed through as --tools (comma separated).
	// An empty list disables tools entirely.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// CodexConfig holds settings for the codex subprocess provider.
type CodexConfig struct {
	// BinaryPath is the executable to spawn. Empty uses "codex" from PATH.
	BinaryPath string `yaml:"binary-path,omitempty" json:"binary-path,omitempty"`
}

// OllamaConfig holds settings for the HTTP streaming provider.
type OllamaConfig struct {
	// BaseURL is the server root, e.g. "http://127.0.0.1:11434".
	BaseURL string `yaml:"base-url,omitempty" json:"base-url,omitempty"`

	// DefaultModel is used when a prompt does not name a model.
	// Empty uses "llama3.2".
	DefaultModel string `yaml:"default-model,omitempty" json:"default-model,omitempty"`
}

// LoggingConfig holds log output configuration.
type LoggingConfig struct {
	// Level is a logrus level name. Empty uses "info".
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// File, when non-empty, enables size-rotated file logging.
	File string `yaml:"file,omitempty" json:"file,omitempty"`

	// MaxSizeMB caps the rotated file size. <= 0 uses 100.
	MaxSizeMB int `yaml:"max-size-mb,omitempty" json:"max-size-mb,omitempty"`

	// MaxBackups caps retained rotated files. <= 0 uses 3.
	MaxBackups int `yaml:"max-backups,omitempty" json:"max-backups,omitempty"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Host: "127.0.0.1",
		Port: DefaultPort,
	}
}

// Load reads and parses the YAML configuration at path. A missing file is
// not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// RunTimeout returns the clamped per-execution timeout.
func (c *Config) RunTimeout() time.Duration {
	if c == nil || c.RunTimeoutSeconds == 0 {
		return DefaultRunTimeout
	}
	d := time.Duration(c.RunTimeoutSeconds) * time.Second
	if d < MinRunTimeout {
		return MinRunTimeout
	}
	if d > MaxRunTimeout {
		return MaxRunTimeout
	}
	return d
}

// HeartbeatInterval returns the liveness ping cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return DefaultHeartbeatInterval
}

// FrameLimit returns the inbound frame cap in bytes.
func (c *Config) FrameLimit() int64 {
	if c == nil || c.MaxFrameBytes <= 0 {
		return DefaultMaxFrameBytes
	}
	return c.MaxFrameBytes
}

// Agent returns the advertised agent name.
func (c *Config) Agent() string {
	if c == nil || strings.TrimSpace(c.AgentName) == "" {
		return DefaultAgentName
	}
	return c.AgentName
}

// SessionDir returns the session subdirectory name.
func (c *Config) SessionDir() string {
	if c == nil || strings.TrimSpace(c.SessionSubdir) == "" {
		return DefaultSessionSubdir
	}
	return c.SessionSubdir
}

// OriginAllowed reports whether the given Origin header value is admitted.
// An empty origin (non-browser client) is always admitted, as is any origin
// when no allowlist is configured.
func (c *Config) OriginAllowed(origin string) bool {
	if c == nil || len(c.AllowedOrigins) == 0 {
		return true
	}
	if origin == "" {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}
