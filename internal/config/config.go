package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all x402chat configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// DataDir holds the database, logs and any other local state.
	DataDir string `yaml:"data_dir"`

	// Chat backend (SSE transport, wallet session endpoint)
	Backend BackendConfig `yaml:"backend"`

	// Direct Gemini streaming provider
	Gemini GeminiConfig `yaml:"gemini"`

	// Transport selection
	Transport TransportConfig `yaml:"transport"`

	// Durable message store
	Storage StorageConfig `yaml:"storage"`

	// Message cache policy
	Cache CacheConfig `yaml:"cache"`

	// Stream observation
	Stream StreamConfig `yaml:"stream"`

	// Draft persistence
	Drafts DraftsConfig `yaml:"drafts"`

	// Wallet session / funding guard
	Wallet WalletConfig `yaml:"wallet"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig configures the chat backend.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"` // connect/response-header timeout; streams are not time-limited
}

// GeminiConfig configures the direct Gemini provider.
type GeminiConfig struct {
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	IncludeThoughts bool   `yaml:"include_thoughts"`
	SystemPrompt    string `yaml:"system_prompt"`
}

// TransportConfig selects the streaming transport.
type TransportConfig struct {
	Provider string `yaml:"provider"` // sse, gemini
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	Driver       string `yaml:"driver"` // sqlite (modernc, pure Go) or sqlite3 (mattn, cgo)
	DatabasePath string `yaml:"database_path"`
}

// CacheConfig configures the message cache.
type CacheConfig struct {
	// MaxEntries bounds the number of cached conversations. 0 disables eviction.
	MaxEntries int `yaml:"max_entries"`
}

// StreamConfig configures stream observation.
type StreamConfig struct {
	// StallThreshold is the inter-chunk gap after which a stall warning is logged.
	// Streams are never aborted because of it.
	StallThreshold string `yaml:"stall_threshold"`
}

// DraftsConfig configures draft persistence.
type DraftsConfig struct {
	Debounce string `yaml:"debounce"`
}

// WalletConfig configures the wallet session provider.
type WalletConfig struct {
	AuthPath   string `yaml:"auth_path"`
	SessionTTL string `yaml:"session_ttl"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "x402chat",
		Version: "0.4.0",
		DataDir: DefaultDataDir(),

		Backend: BackendConfig{
			BaseURL: "http://localhost:3000",
			Timeout: "30s",
		},

		Gemini: GeminiConfig{
			Model:           "gemini-2.5-flash",
			IncludeThoughts: true,
		},

		Transport: TransportConfig{
			Provider: "sse",
		},

		Storage: StorageConfig{
			Driver:       "sqlite",
			DatabasePath: "x402chat.db",
		},

		Cache: CacheConfig{
			MaxEntries: 0,
		},

		Stream: StreamConfig{
			StallThreshold: "30s",
		},

		Drafts: DraftsConfig{
			Debounce: "400ms",
		},

		Wallet: WalletConfig{
			AuthPath:   "/api/wallet/session",
			SessionTTL: "1h",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultDataDir returns ~/.x402chat, or .x402chat when no home directory is available.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".x402chat"
	}
	return filepath.Join(home, ".x402chat")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults plus environment when no file exists
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
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

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("X402CHAT_API_KEY"); key != "" {
		c.Backend.APIKey = key
	}
	if url := os.Getenv("X402CHAT_BACKEND_URL"); url != "" {
		c.Backend.BaseURL = url
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Gemini.APIKey = key
	}
	if provider := os.Getenv("X402CHAT_TRANSPORT"); provider != "" {
		c.Transport.Provider = provider
	}
	if path := os.Getenv("X402CHAT_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if dir := os.Getenv("X402CHAT_HOME"); dir != "" {
		c.DataDir = dir
	}
}

// DatabasePath resolves the database path against the data directory.
func (c *Config) DatabasePath() string {
	p := c.Storage.DatabasePath
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// GetBackendTimeout returns the backend timeout as a duration.
func (c *Config) GetBackendTimeout() time.Duration {
	return parseDuration(c.Backend.Timeout, 30*time.Second)
}

// GetStallThreshold returns the stream stall threshold as a duration.
func (c *Config) GetStallThreshold() time.Duration {
	return parseDuration(c.Stream.StallThreshold, 30*time.Second)
}

// GetDraftDebounce returns the draft save debounce interval.
func (c *Config) GetDraftDebounce() time.Duration {
	return parseDuration(c.Drafts.Debounce, 400*time.Millisecond)
}

// GetSessionTTL returns the wallet session TTL as a duration.
func (c *Config) GetSessionTTL() time.Duration {
	return parseDuration(c.Wallet.SessionTTL, time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ValidProviders lists all supported transport providers.
var ValidProviders = []string{"sse", "gemini"}

// ValidDrivers lists all supported SQLite drivers.
var ValidDrivers = []string{"sqlite", "sqlite3"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !contains(ValidProviders, c.Transport.Provider) {
		return fmt.Errorf("invalid transport provider: %s (valid: %v)", c.Transport.Provider, ValidProviders)
	}
	if !contains(ValidDrivers, c.Storage.Driver) {
		return fmt.Errorf("invalid storage driver: %s (valid: %v)", c.Storage.Driver, ValidDrivers)
	}
	switch c.Transport.Provider {
	case "sse":
		if c.Backend.BaseURL == "" {
			return fmt.Errorf("backend base_url not configured (set X402CHAT_BACKEND_URL)")
		}
	case "gemini":
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("Gemini API key not configured (set GEMINI_API_KEY)")
		}
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be >= 0, got %d", c.Cache.MaxEntries)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
