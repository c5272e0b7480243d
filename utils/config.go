package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	LLMProviders map[string]ProviderConfig `json:"llm_providers"`
	Server       ServerConfig              `json:"server"`
	Logging      LoggingConfig             `json:"logging"`
	Data         DataConfig                `json:"data"`
	Privacy      PrivacyConfig             `json:"privacy"`
}

// ProviderConfig represents LLM provider configuration
type ProviderConfig struct {
	DisplayName  string   `json:"display_name,omitempty"`
	APIKey       string   `json:"api_key"`
	BaseURL      string   `json:"base_url"`
	DefaultModel string   `json:"default_model"`
	Models       []string `json:"models,omitempty"`
	Enabled      bool     `json:"enabled"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Port           string   `json:"port"`
	Env            string   `json:"env"`
	ReadTimeout    Duration `json:"read_timeout"`
	WriteTimeout   Duration `json:"write_timeout"`
	RateLimit      float64  `json:"rate_limit"`
	RateLimitBurst int      `json:"rate_limit_burst"`
	AllowedOrigins []string `json:"allowed_origins"`
	// TrustedProxies lists the proxy IPs or CIDRs whose forwarding headers
	// are honoured. Empty means the client IP is the peer address.
	TrustedProxies []string `json:"trusted_proxies,omitempty"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "text" or "json"
	Dir    string `json:"dir"`
}

// DataConfig represents data storage configuration
type DataConfig struct {
	DBPath             string   `json:"db_path"`
	PersistenceEnabled bool     `json:"persistence_enabled"`
	RetentionDays      int      `json:"retention_days"`
	CleanupInterval    Duration `json:"cleanup_interval"`
	MaxHistory         int      `json:"max_history"` // messages sent to the provider per chat call
}

// Duration is a time.Duration that reads and writes as "1h30m" in JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value) * time.Second
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
	default:
		return errors.New("invalid duration")
	}
	return nil
}

// Env names read by ApplyEnv. API keys map onto the provider of the same name.
var providerKeyEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"google":     "GOOGLE_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// TestDBFile is the database file name used when APP_ENV=test.
const TestDBFile = "chat-test.db"

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		LLMProviders: map[string]ProviderConfig{
			"openai": {
				DisplayName:  "OpenAI",
				BaseURL:      "https://api.openai.com/v1",
				DefaultModel: "gpt-4o-mini",
				Models:       []string{"gpt-4o-mini", "gpt-4o", "gpt-4-turbo"},
				Enabled:      true,
			},
			"anthropic": {
				DisplayName:  "Anthropic",
				BaseURL:      "https://api.anthropic.com/v1",
				DefaultModel: "claude-3-5-sonnet-20241022",
				Models: []string{
					"claude-3-5-sonnet-20241022",
					"claude-3-5-haiku-20241022",
					"claude-3-opus-20240229",
				},
				MaxTokens:   4096,
				Temperature: 0.7,
				Enabled:     true,
			},
			"google": {
				DisplayName:  "Google",
				BaseURL:      "https://generativelanguage.googleapis.com/v1beta",
				DefaultModel: "gemini-1.5-flash",
				Models:       []string{"gemini-1.5-flash", "gemini-1.5-pro", "gemini-2.0-flash-exp"},
				MaxTokens:    8192,
				Temperature:  0.7,
				Enabled:      true,
			},
			"deepseek": {
				DisplayName:  "DeepSeek",
				BaseURL:      "https://api.deepseek.com/v1",
				DefaultModel: "deepseek-chat",
				Models:       []string{"deepseek-chat", "deepseek-reasoner"},
				Enabled:      true,
			},
			"openrouter": {
				DisplayName:  "OpenRouter",
				BaseURL:      "https://openrouter.ai/api/v1",
				DefaultModel: "openai/gpt-4o-mini",
				Models:       []string{"openai/gpt-4o-mini", "anthropic/claude-3.5-sonnet", "meta-llama/llama-3.1-70b-instruct"},
				Enabled:      true,
			},
			"ollama": {
				DisplayName:  "Ollama",
				BaseURL:      "http://localhost:11434",
				DefaultModel: "llama3.1",
				Models:       []string{"llama3.1", "mistral", "qwen2.5"},
				Enabled:      false,
			},
		},
		Server: ServerConfig{
			Port:           "8080",
			Env:            "development",
			ReadTimeout:    Duration{30 * time.Second},
			WriteTimeout:   Duration{120 * time.Second},
			RateLimit:      5,
			RateLimitBurst: 10,
			AllowedOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Dir:    "./logs",
		},
		Data: DataConfig{
			DBPath:             "./data/chat.db",
			PersistenceEnabled: true,
			RetentionDays:      0,
			CleanupInterval:    Duration{time.Hour},
			MaxHistory:         100,
		},
	}
}

// LoadConfig loads configuration from file. Values missing from the file keep
// their defaults.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Provider entries are merged field by field over their defaults; the
	// outer LLMProviders shadows the embedded one.
	config := DefaultConfig()
	file := struct {
		*Config
		LLMProviders map[string]json.RawMessage `json:"llm_providers"`
	}{Config: config}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	providers := config.LLMProviders
	for name, raw := range file.LLMProviders {
		provider := providers[name]
		if err := json.Unmarshal(raw, &provider); err != nil {
			return nil, fmt.Errorf("failed to parse config: provider %s: %w", name, err)
		}
		providers[name] = provider
	}

	// Expand paths
	if config.Data.DBPath != "" {
		config.Data.DBPath = expandPath(config.Data.DBPath)
	}

	return config, nil
}

// Load reads the optional .env file, the JSON config at configPath (the
// defaults when configPath is empty) and finally applies environment
// overrides.
func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := DefaultConfig()
	if configPath != "" {
		loaded, err := LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	config.ApplyEnv(os.Getenv)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overlays environment variables looked up through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	for name, key := range providerKeyEnv {
		value := getenv(key)
		if value == "" {
			continue
		}
		provider, ok := c.LLMProviders[name]
		if !ok {
			continue
		}
		provider.APIKey = value
		c.LLMProviders[name] = provider
	}

	if port := getenv("PORT"); port != "" {
		c.Server.Port = port
	}
	if level := getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if path := getenv("DB_PATH"); path != "" {
		c.Data.DBPath = expandPath(path)
	}
	if days := getenv("RETENTION_DAYS"); days != "" {
		if n, err := strconv.Atoi(days); err == nil {
			c.Data.RetentionDays = n
		}
	}
	if persist := getenv("PERSISTENCE_ENABLED"); persist != "" {
		if b, err := strconv.ParseBool(persist); err == nil {
			c.Data.PersistenceEnabled = b
		}
	}
	if env := getenv("APP_ENV"); env != "" {
		c.Server.Env = env
	}

	if c.IsTest() {
		c.Data.DBPath = filepath.Join(filepath.Dir(c.Data.DBPath), TestDBFile)
	}
}

// IsTest reports whether the app runs against the test database.
func (c *Config) IsTest() bool {
	return strings.EqualFold(c.Server.Env, "test")
}

// Validate checks the values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Data.PersistenceEnabled && c.Data.DBPath == "" {
		return errors.New("db path is required when persistence is enabled")
	}
	if c.Data.RetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative, got %d", c.Data.RetentionDays)
	}
	return nil
}

// SaveConfig saves configuration to file
func SaveConfig(configPath string, config *Config) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ and relative paths
func expandPath(path string) string {
	if len(path) == 0 {
		return path
	}

	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	absPath, err := filepath.Abs(path)
	if err == nil {
		return absPath
	}

	return path
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "./config/default.json"
	}

	return filepath.Join(configDir, "llm-chat-relay", "config.json")
}

// EnsureDefaultConfig creates a default config file at configPath if it
// doesn't exist and returns the path.
func EnsureDefaultConfig(configPath string) (string, error) {
	if configPath == "" {
		configPath = GetConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil {
		return configPath, nil
	}

	if err := SaveConfig(configPath, DefaultConfig()); err != nil {
		return "", err
	}

	return configPath, nil
}
