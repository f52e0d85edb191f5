package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all debugbridge configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Browser   BrowserConfig   `yaml:"browser"`
	Session   SessionConfig   `yaml:"session"`
	Journal   JournalConfig   `yaml:"journal"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// TransportConfig selects and tunes the endpoint.
type TransportConfig struct {
	Kind             string `yaml:"kind"`         // websocket, pipe
	DevToolsURL      string `yaml:"devtools_url"` // port, host:port or ws:// URL of a running browser
	HandshakeTimeout string `yaml:"handshake_timeout"`
	WriteTimeout     string `yaml:"write_timeout"`
	MaxMessageBytes  int64  `yaml:"max_message_bytes"`
}

// BrowserConfig controls browser launch when no DevToolsURL is given.
type BrowserConfig struct {
	Bin      string   `yaml:"bin"`
	Headless bool     `yaml:"headless"`
	Flags    []string `yaml:"flags,omitempty"`
}

// SessionConfig tunes debugger sessions.
type SessionConfig struct {
	ProtocolVersion string `yaml:"protocol_version"`
	CommandTimeout  string `yaml:"command_timeout"`
	EventBuffer     int    `yaml:"event_buffer"`
}

// JournalConfig controls the command journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportPipe      = "pipe"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:             TransportWebSocket,
			HandshakeTimeout: "10s",
			WriteTimeout:     "10s",
			MaxMessageBytes:  64 << 20,
		},
		Browser: BrowserConfig{
			Headless: true,
		},
		Session: SessionConfig{
			CommandTimeout: "30s",
			EventBuffer:    256,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    defaultJournalPath(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultJournalPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".debugbridge", "journal.db")
	}
	return filepath.Join(dir, "debugbridge", "journal.db")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".debugbridge", "config.yaml")
	}
	return filepath.Join(dir, "debugbridge", "config.yaml")
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("DEBUGBRIDGE_DEVTOOLS_URL"); url != "" {
		c.Transport.DevToolsURL = url
	}
	if bin := os.Getenv("DEBUGBRIDGE_CHROME_BIN"); bin != "" {
		c.Browser.Bin = bin
	}
	if level := os.Getenv("DEBUGBRIDGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	// DEBUGBRIDGE_JOURNAL is a path, or a boolean to toggle the journal.
	if j := os.Getenv("DEBUGBRIDGE_JOURNAL"); j != "" {
		if on, err := strconv.ParseBool(j); err == nil {
			c.Journal.Enabled = on
		} else {
			c.Journal.Enabled = true
			c.Journal.Path = j
		}
	}
}

// GetHandshakeTimeout returns the websocket handshake timeout.
func (c *Config) GetHandshakeTimeout() time.Duration {
	return parseDuration(c.Transport.HandshakeTimeout, 10*time.Second)
}

// GetWriteTimeout returns the websocket write timeout.
func (c *Config) GetWriteTimeout() time.Duration {
	return parseDuration(c.Transport.WriteTimeout, 10*time.Second)
}

// GetCommandTimeout returns the default per-command timeout.
func (c *Config) GetCommandTimeout() time.Duration {
	return parseDuration(c.Session.CommandTimeout, 30*time.Second)
}

// GetEventBuffer returns the subscriber buffer size.
func (c *Config) GetEventBuffer() int {
	if c.Session.EventBuffer <= 0 {
		return 256
	}
	return c.Session.EventBuffer
}

// GetMaxMessageBytes returns the largest accepted incoming frame.
func (c *Config) GetMaxMessageBytes() int64 {
	if c.Transport.MaxMessageBytes <= 0 {
		return 64 << 20
	}
	return c.Transport.MaxMessageBytes
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ValidTransports lists the supported transport kinds.
var ValidTransports = []string{TransportWebSocket, TransportPipe}

// ValidLogFormats lists the supported log encodings.
var ValidLogFormats = []string{"json", "console", "text"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !contains(ValidTransports, c.Transport.Kind) {
		return fmt.Errorf("invalid transport kind: %q (valid: %v)", c.Transport.Kind, ValidTransports)
	}
	for name, v := range map[string]string{
		"transport.handshake_timeout": c.Transport.HandshakeTimeout,
		"transport.write_timeout":     c.Transport.WriteTimeout,
		"session.command_timeout":     c.Session.CommandTimeout,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("invalid %s: %q", name, v)
		}
	}
	if c.Transport.MaxMessageBytes < 0 {
		return fmt.Errorf("invalid transport.max_message_bytes: %d", c.Transport.MaxMessageBytes)
	}
	if c.Session.EventBuffer < 0 {
		return fmt.Errorf("invalid session.event_buffer: %d", c.Session.EventBuffer)
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal enabled without a path")
	}
	if c.Logging.Format != "" && !contains(ValidLogFormats, c.Logging.Format) {
		return fmt.Errorf("invalid logging format: %q (valid: %v)", c.Logging.Format, ValidLogFormats)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
