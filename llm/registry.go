package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"llm-chat-relay/utils"
)

// Metrics records provider call counts and latencies.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the provider metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_provider_requests_total",
			Help: "Chat calls sent to LLM providers.",
		}, []string{"provider", "model", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_provider_request_duration_seconds",
			Help:    "Latency of chat calls to LLM providers.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}
	return m
}

func (m *Metrics) observe(provider, model string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.requests.WithLabelValues(provider, model, status).Inc()
	m.duration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}

// ProviderInfo describes a registered provider.
type ProviderInfo struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"displayName"`
	DefaultModel string   `json:"defaultModel"`
	Models       []string `json:"models"`
	Configured   bool     `json:"configured"`
}

// Registry holds the providers keyed by their config name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	metrics   *Metrics
	logger    *utils.Logger
}

// NewRegistry builds a provider for every enabled entry of configs.
// "anthropic"/"claude" use the Messages API, "google"/"gemini" the Gemini
// API, "ollama" a local server; everything else is treated as
// OpenAI-compatible.
func NewRegistry(configs map[string]utils.ProviderConfig, logger *utils.Logger, metrics *Metrics) *Registry {
	r := &Registry{
		providers: make(map[string]Provider),
		metrics:   metrics,
		logger:    logger,
	}

	for name, providerConfig := range configs {
		if !providerConfig.Enabled {
			logger.Info("provider disabled in config", "provider", name)
			continue
		}

		displayName := providerConfig.DisplayName
		if displayName == "" {
			displayName = name
		}
		config := Config{
			ProviderName: displayName,
			APIKey:       providerConfig.APIKey,
			BaseURL:      providerConfig.BaseURL,
			Model:        providerConfig.DefaultModel,
			Models:       providerConfig.Models,
			MaxTokens:    providerConfig.MaxTokens,
			Temperature:  providerConfig.Temperature,
		}

		provider, err := newProvider(name, config)
		if err != nil {
			logger.LogError(err, "failed to initialize provider", "provider", name)
			continue
		}
		if err := provider.ValidateConfig(); err != nil {
			// Registered anyway; calls fail with ErrNotConfigured until a key is set.
			logger.Warn("provider registered without credentials", "provider", name)
		}
		r.providers[name] = provider
	}

	if len(r.providers) == 0 {
		logger.Warn("no providers initialized - check your configuration")
	}
	return r
}

func newProvider(name string, config Config) (Provider, error) {
	switch name {
	case "anthropic", "claude":
		return NewClaudeProvider(config)
	case "google", "gemini":
		return NewGeminiProvider(config)
	case "ollama":
		return NewOllamaProvider(config)
	default:
		return NewOpenAIProvider(config)
	}
}

// Register adds or replaces a provider.
func (r *Registry) Register(name string, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = provider
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return provider, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List describes every registered provider.
func (r *Registry) List() []ProviderInfo {
	names := r.Names()
	infos := make([]ProviderInfo, 0, len(names))
	for _, name := range names {
		provider, err := r.Get(name)
		if err != nil {
			continue
		}
		infos = append(infos, ProviderInfo{
			Name:         name,
			DisplayName:  provider.Name(),
			DefaultModel: provider.DefaultModel(),
			Models:       provider.Models(),
			Configured:   provider.ValidateConfig() == nil,
		})
	}
	return infos
}

// Chat resolves the provider and model, sends messages and records metrics.
// It returns the reply and the model that served it.
func (r *Registry) Chat(ctx context.Context, name, model string, messages []Message) (string, string, error) {
	provider, err := r.Get(name)
	if err != nil {
		return "", "", err
	}
	if err := provider.ValidateConfig(); err != nil {
		if !errors.Is(err, ErrNotConfigured) {
			err = fmt.Errorf("%w: %w", ErrNotConfigured, err)
		}
		return "", "", err
	}
	if model == "" {
		model = provider.DefaultModel()
	}

	start := time.Now()
	reply, err := provider.Chat(ctx, model, messages)
	r.metrics.observe(name, model, start, err)
	if err != nil {
		r.logger.LogError(err, "provider call failed", "provider", name, "model", model)
		return "", model, &ProviderError{Provider: name, Model: model, Err: err}
	}

	r.logger.Debug("provider call finished",
		"provider", name,
		"model", model,
		"duration", time.Since(start),
	)
	return reply, model, nil
}
