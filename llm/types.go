package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrUnknownProvider is returned for a provider name with no registered client.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrNotConfigured is returned when a provider lacks credentials.
	ErrNotConfigured = errors.New("provider not configured")
	// ErrEmptyResponse is returned when the upstream answered without any text.
	ErrEmptyResponse = errors.New("empty response from provider")
)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"` // "user", "assistant" or "system"
	Content string `json:"content"`
}

// Provider interface defines the common interface for all LLM providers
type Provider interface {
	// Chat sends messages to model and returns the complete reply. An empty
	// model selects the provider default.
	Chat(ctx context.Context, model string, messages []Message) (string, error)

	// Name returns the provider name
	Name() string

	// Models returns the list of supported models
	Models() []string

	// DefaultModel returns the model used when a request names none
	DefaultModel() string

	// ValidateConfig validates the provider configuration
	ValidateConfig() error
}

// Config represents provider configuration
type Config struct {
	ProviderName string // Display name for the provider
	APIKey       string
	BaseURL      string
	Model        string
	Models       []string // Available models list
	Timeout      int      // seconds
	MaxTokens    int
	Temperature  float64
}

// APIError is a non-2xx answer from a provider's HTTP API.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// ProviderError wraps a failed upstream call.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

const defaultTimeout = 120

func (c Config) httpClient() *http.Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: time.Duration(timeout) * time.Second}
}

func (c Config) model(requested string) string {
	if requested != "" {
		return requested
	}
	return c.Model
}

func requireAPIKey(c Config) error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: %s API key is required", ErrNotConfigured, c.ProviderName)
	}
	return nil
}
